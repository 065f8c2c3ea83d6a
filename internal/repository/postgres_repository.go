package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/peoplemarket/server/internal/idempotency"
	"github.com/peoplemarket/server/internal/models"
)

// ListUsersOptions controls the market listing query.
type ListUsersOptions struct {
	Sort      string // "newest", "price_asc", "price_desc", "most_bought"
	Search    string // substring match on username or display name
	ExcludeID string // hide the caller from their own market view
	Limit     int
	Cursor    string
}

// Tx is the slice of the store available inside one atomic unit of work.
// All reads lock the selected rows until commit, and every write either
// commits with the whole unit or rolls back with it.
type Tx interface {
	// GetUserForUpdate loads a user row and holds a row-level exclusive
	// lock on it until the transaction ends. Returns nil if absent.
	GetUserForUpdate(ctx context.Context, id string) (*models.User, error)

	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	CreateLedgerEntries(ctx context.Context, entries []models.LedgerEntry) error
	CreateNotifications(ctx context.Context, notifications []models.Notification) error

	// AddToBalance applies a signed delta to a user's balance.
	AddToBalance(ctx context.Context, userID string, delta int64) error

	// UpdateTargetAfterPurchase moves ownership to buyerID, escalates the
	// price, credits the ownership bonus and bumps version and
	// purchase_count by exactly one.
	UpdateTargetAfterPurchase(ctx context.Context, targetID, buyerID string, newPrice, bonus int64) error

	// UpdateLoginStreak records a login day and the resulting streak.
	UpdateLoginStreak(ctx context.Context, userID string, streak int, loginDate time.Time) error
}

// Repository interface defines the methods that any repository implementation must satisfy
type Repository interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context, opts ListUsersOptions) ([]models.User, error)
	GetOwnedUsers(ctx context.Context, ownerID string) ([]models.User, error)

	// Purchase record operations
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetLedgerEntries(ctx context.Context, userID string) ([]models.LedgerEntry, error)
	GetNotifications(ctx context.Context, userID string, unreadOnly bool) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error

	// InTransaction runs fn inside one database transaction. If fn returns
	// an error the whole unit rolls back; otherwise it commits.
	InTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// PostgresRepository implements the Repository interface using PostgreSQL
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{
		db: db,
	}
}

// GetDB returns the underlying database connection
func (r *PostgresRepository) GetDB() *sqlx.DB {
	return r.db
}

// User repository methods
func (r *PostgresRepository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, username, display_name, password, bio,
			balance, price, owner_id, version, purchase_count, current_streak,
			last_login_date, deactivated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	// Generate a new UUID if not provided
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, query,
		user.ID, user.Email, user.Username, user.DisplayName, user.Password, user.Bio,
		user.Balance, user.Price, user.OwnerID, user.Version, user.PurchaseCount,
		user.CurrentStreak, user.LastLoginDate, user.DeactivatedAt,
		user.CreatedAt, user.UpdatedAt)

	return err
}

func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT * FROM users WHERE email = $1`

	var user models.User
	err := r.db.GetContext(ctx, &user, query, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, err
	}

	return &user, nil
}

func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT * FROM users WHERE id = $1`

	var user models.User
	err := r.db.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, err
	}

	return &user, nil
}

func (r *PostgresRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT * FROM users WHERE username = $1`

	var user models.User
	err := r.db.GetContext(ctx, &user, query, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, err
	}

	return &user, nil
}

func (r *PostgresRepository) ListUsers(ctx context.Context, opts ListUsersOptions) ([]models.User, error) {
	query := `SELECT * FROM users WHERE deactivated_at IS NULL`
	args := []interface{}{}

	if opts.ExcludeID != "" {
		args = append(args, opts.ExcludeID)
		query += fmt.Sprintf(` AND id != $%d`, len(args))
	}

	if opts.Search != "" {
		args = append(args, "%"+opts.Search+"%")
		query += fmt.Sprintf(` AND (username ILIKE $%d OR display_name ILIKE $%d)`, len(args), len(args))
	}

	switch opts.Sort {
	case "price_asc":
		query += ` ORDER BY price ASC, id ASC`
	case "price_desc":
		query += ` ORDER BY price DESC, id ASC`
	case "most_bought":
		query += ` ORDER BY purchase_count DESC, id ASC`
	default: // "newest"
		query += ` ORDER BY created_at DESC, id ASC`
	}

	// Page-size policy lives in the service; only a missing limit is
	// defaulted here.
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	// The cursor is an offset into the sorted listing.
	if opts.Cursor != "" {
		if offset, err := strconv.Atoi(opts.Cursor); err == nil && offset > 0 {
			args = append(args, offset)
			query += fmt.Sprintf(` OFFSET $%d`, len(args))
		}
	}

	var users []models.User
	err := r.db.SelectContext(ctx, &users, query, args...)
	if err != nil {
		return nil, err
	}

	return users, nil
}

func (r *PostgresRepository) GetOwnedUsers(ctx context.Context, ownerID string) ([]models.User, error) {
	query := `SELECT * FROM users WHERE owner_id = $1 ORDER BY price DESC`

	var users []models.User
	err := r.db.SelectContext(ctx, &users, query, ownerID)
	if err != nil {
		return nil, err
	}

	return users, nil
}

// Purchase record repository methods
func (r *PostgresRepository) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	query := `SELECT * FROM transactions WHERE id = $1`

	var txn models.Transaction
	err := r.db.GetContext(ctx, &txn, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Transaction not found
		}
		return nil, err
	}

	return &txn, nil
}

func (r *PostgresRepository) GetLedgerEntries(ctx context.Context, userID string) ([]models.LedgerEntry, error) {
	query := `SELECT * FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC`

	var entries []models.LedgerEntry
	err := r.db.SelectContext(ctx, &entries, query, userID)
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (r *PostgresRepository) GetNotifications(ctx context.Context, userID string, unreadOnly bool) ([]models.Notification, error) {
	query := `SELECT * FROM notifications WHERE user_id = $1`
	if unreadOnly {
		query += ` AND read = FALSE`
	}
	query += ` ORDER BY created_at DESC`

	var notifications []models.Notification
	err := r.db.SelectContext(ctx, &notifications, query, userID)
	if err != nil {
		return nil, err
	}

	return notifications, nil
}

func (r *PostgresRepository) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	query := `UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`

	result, err := r.db.ExecContext(ctx, query, notificationID, userID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// InTransaction runs fn inside one database transaction
func (r *PostgresRepository) InTransaction(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
	}()

	err = fn(&postgresTx{tx: tx})
	if err != nil {
		return err
	}

	return tx.Commit()
}

// postgresTx implements Tx on top of one open sqlx transaction
type postgresTx struct {
	tx *sqlx.Tx
}

func (t *postgresTx) GetUserForUpdate(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT * FROM users WHERE id = $1 FOR UPDATE`

	var user models.User
	err := t.tx.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, err
	}

	return &user, nil
}

func (t *postgresTx) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	query := `
		INSERT INTO transactions (id, buyer_id, seller_id, target_id, price,
			seller_received, target_bonus,
			buyer_balance_before, buyer_balance_after,
			seller_balance_before, seller_balance_after,
			target_price_before, target_price_after,
			target_version_before, target_version_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	_, err := t.tx.ExecContext(ctx, query,
		txn.ID, txn.BuyerID, txn.SellerID, txn.TargetID, txn.Price,
		txn.SellerReceived, txn.TargetBonus,
		txn.BuyerBalanceBefore, txn.BuyerBalanceAfter,
		txn.SellerBalanceBefore, txn.SellerBalanceAfter,
		txn.TargetPriceBefore, txn.TargetPriceAfter,
		txn.TargetVersionBefore, txn.TargetVersionAfter, txn.CreatedAt)

	return err
}

func (t *postgresTx) CreateLedgerEntries(ctx context.Context, entries []models.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (id, user_id, amount, balance_after, type,
			reference_type, reference_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	for i := range entries {
		entry := &entries[i]
		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}

		_, err := t.tx.ExecContext(ctx, query,
			entry.ID, entry.UserID, entry.Amount, entry.BalanceAfter, entry.Type,
			entry.ReferenceType, entry.ReferenceID, entry.Description, entry.CreatedAt)
		if err != nil {
			return err
		}
	}

	return nil
}

func (t *postgresTx) CreateNotifications(ctx context.Context, notifications []models.Notification) error {
	query := `
		INSERT INTO notifications (id, user_id, type, data, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	for i := range notifications {
		n := &notifications[i]
		if n.ID == "" {
			n.ID = uuid.New().String()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}

		_, err := t.tx.ExecContext(ctx, query,
			n.ID, n.UserID, n.Type, []byte(n.Data), n.Read, n.CreatedAt)
		if err != nil {
			return err
		}
	}

	return nil
}

func (t *postgresTx) AddToBalance(ctx context.Context, userID string, delta int64) error {
	query := `UPDATE users SET balance = balance + $1, updated_at = $2 WHERE id = $3`

	_, err := t.tx.ExecContext(ctx, query, delta, time.Now().UTC(), userID)
	return err
}

func (t *postgresTx) UpdateTargetAfterPurchase(ctx context.Context, targetID, buyerID string, newPrice, bonus int64) error {
	query := `
		UPDATE users
		SET owner_id = $1,
			price = $2,
			balance = balance + $3,
			purchase_count = purchase_count + 1,
			version = version + 1,
			updated_at = $4
		WHERE id = $5
	`

	_, err := t.tx.ExecContext(ctx, query, buyerID, newPrice, bonus, time.Now().UTC(), targetID)
	return err
}

func (t *postgresTx) UpdateLoginStreak(ctx context.Context, userID string, streak int, loginDate time.Time) error {
	query := `UPDATE users SET current_streak = $1, last_login_date = $2, updated_at = $3 WHERE id = $4`

	_, err := t.tx.ExecContext(ctx, query, streak, loginDate, time.Now().UTC(), userID)
	return err
}

// Idempotency store implementation. The primary-key constraint on the keys
// table is what turns Put into create-if-absent.

func (r *PostgresRepository) Get(ctx context.Context, key string) (string, bool, error) {
	query := `SELECT transaction_id FROM idempotency_keys WHERE key = $1`

	var transactionID string
	err := r.db.GetContext(ctx, &transactionID, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}

	return transactionID, true, nil
}

func (r *PostgresRepository) Put(ctx context.Context, key, transactionID string) error {
	query := `INSERT INTO idempotency_keys (key, transaction_id, created_at) VALUES ($1, $2, $3)`

	_, err := r.db.ExecContext(ctx, query, key, transactionID, time.Now().UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return idempotency.ErrKeyExists
		}
		return err
	}

	return nil
}

// DeleteExpiredIdempotencyKeys removes keys created before cutoff. Only
// frees storage; an expired key simply executes as a new request.
func (r *PostgresRepository) DeleteExpiredIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
