package repository

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peoplemarket/server/internal/idempotency"
	"github.com/peoplemarket/server/internal/models"
)

// MemoryRepository is an in-memory Repository used by unit tests. A single
// mutex held for the whole transactional scope gives it serializable
// isolation, so concurrent purchases observe the same win-or-stale behavior
// as the Postgres implementation.
type MemoryRepository struct {
	mu            sync.Mutex
	users         map[string]*models.User
	transactions  map[string]*models.Transaction
	ledger        []models.LedgerEntry
	notifications []models.Notification
	keys          map[string]string
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:        make(map[string]*models.User),
		transactions: make(map[string]*models.Transaction),
		keys:         make(map[string]string),
	}
}

func cloneUser(u *models.User) *models.User {
	if u == nil {
		return nil
	}
	c := *u
	if u.Bio != nil {
		bio := *u.Bio
		c.Bio = &bio
	}
	if u.OwnerID != nil {
		owner := *u.OwnerID
		c.OwnerID = &owner
	}
	if u.LastLoginDate != nil {
		d := *u.LastLoginDate
		c.LastLoginDate = &d
	}
	if u.DeactivatedAt != nil {
		d := *u.DeactivatedAt
		c.DeactivatedAt = &d
	}
	return &c
}

func (r *MemoryRepository) CreateUser(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	r.users[user.ID] = cloneUser(user)
	return nil
}

func (r *MemoryRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return cloneUser(r.users[id]), nil
}

func (r *MemoryRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.Username == username {
			return cloneUser(u), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ListUsers(ctx context.Context, opts ListUsersOptions) ([]models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var users []models.User
	for _, u := range r.users {
		if u.DeactivatedAt != nil || u.ID == opts.ExcludeID {
			continue
		}
		if opts.Search != "" {
			s := strings.ToLower(opts.Search)
			if !strings.Contains(strings.ToLower(u.Username), s) &&
				!strings.Contains(strings.ToLower(u.DisplayName), s) {
				continue
			}
		}
		users = append(users, *cloneUser(u))
	}

	switch opts.Sort {
	case "price_asc":
		sort.Slice(users, func(i, j int) bool { return users[i].Price < users[j].Price })
	case "price_desc":
		sort.Slice(users, func(i, j int) bool { return users[i].Price > users[j].Price })
	case "most_bought":
		sort.Slice(users, func(i, j int) bool { return users[i].PurchaseCount > users[j].PurchaseCount })
	default:
		sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.After(users[j].CreatedAt) })
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if len(users) > limit {
		users = users[:limit]
	}

	return users, nil
}

func (r *MemoryRepository) GetOwnedUsers(ctx context.Context, ownerID string) ([]models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var users []models.User
	for _, u := range r.users {
		if u.OwnerID != nil && *u.OwnerID == ownerID {
			users = append(users, *cloneUser(u))
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Price > users[j].Price })

	return users, nil
}

func (r *MemoryRepository) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	txn, ok := r.transactions[id]
	if !ok {
		return nil, nil
	}
	c := *txn
	return &c, nil
}

func (r *MemoryRepository) GetLedgerEntries(ctx context.Context, userID string) ([]models.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []models.LedgerEntry
	for i := len(r.ledger) - 1; i >= 0; i-- {
		if r.ledger[i].UserID == userID {
			entries = append(entries, r.ledger[i])
		}
	}
	return entries, nil
}

func (r *MemoryRepository) GetNotifications(ctx context.Context, userID string, unreadOnly bool) ([]models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var notifications []models.Notification
	for i := len(r.notifications) - 1; i >= 0; i-- {
		n := r.notifications[i]
		if n.UserID != userID {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

func (r *MemoryRepository) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.notifications {
		if r.notifications[i].ID == notificationID && r.notifications[i].UserID == userID {
			r.notifications[i].Read = true
			return nil
		}
	}
	return sql.ErrNoRows
}

// InTransaction holds the store lock for the whole unit of work and rolls
// the state back if fn fails.
func (r *MemoryRepository) InTransaction(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotLocked()

	if err := fn(&memoryTx{repo: r}); err != nil {
		r.restoreLocked(snapshot)
		return err
	}

	return nil
}

type memorySnapshot struct {
	users             map[string]*models.User
	transactionCount  int
	ledgerCount       int
	notificationCount int
	transactionIDs    []string
}

func (r *MemoryRepository) snapshotLocked() memorySnapshot {
	users := make(map[string]*models.User, len(r.users))
	for id, u := range r.users {
		users[id] = cloneUser(u)
	}
	ids := make([]string, 0, len(r.transactions))
	for id := range r.transactions {
		ids = append(ids, id)
	}
	return memorySnapshot{
		users:             users,
		transactionCount:  len(r.transactions),
		ledgerCount:       len(r.ledger),
		notificationCount: len(r.notifications),
		transactionIDs:    ids,
	}
}

func (r *MemoryRepository) restoreLocked(s memorySnapshot) {
	r.users = s.users
	r.ledger = r.ledger[:s.ledgerCount]
	r.notifications = r.notifications[:s.notificationCount]

	kept := make(map[string]bool, len(s.transactionIDs))
	for _, id := range s.transactionIDs {
		kept[id] = true
	}
	for id := range r.transactions {
		if !kept[id] {
			delete(r.transactions, id)
		}
	}
}

// memoryTx writes directly into the locked repository; rollback is handled
// by InTransaction's snapshot.
type memoryTx struct {
	repo *MemoryRepository
}

func (t *memoryTx) GetUserForUpdate(ctx context.Context, id string) (*models.User, error) {
	return cloneUser(t.repo.users[id]), nil
}

func (t *memoryTx) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	c := *txn
	t.repo.transactions[txn.ID] = &c
	return nil
}

func (t *memoryTx) CreateLedgerEntries(ctx context.Context, entries []models.LedgerEntry) error {
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = uuid.New().String()
		}
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = time.Now().UTC()
		}
		t.repo.ledger = append(t.repo.ledger, entries[i])
	}
	return nil
}

func (t *memoryTx) CreateNotifications(ctx context.Context, notifications []models.Notification) error {
	for i := range notifications {
		if notifications[i].ID == "" {
			notifications[i].ID = uuid.New().String()
		}
		if notifications[i].CreatedAt.IsZero() {
			notifications[i].CreatedAt = time.Now().UTC()
		}
		t.repo.notifications = append(t.repo.notifications, notifications[i])
	}
	return nil
}

func (t *memoryTx) AddToBalance(ctx context.Context, userID string, delta int64) error {
	u, ok := t.repo.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	u.Balance += delta
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memoryTx) UpdateTargetAfterPurchase(ctx context.Context, targetID, buyerID string, newPrice, bonus int64) error {
	u, ok := t.repo.users[targetID]
	if !ok {
		return sql.ErrNoRows
	}
	owner := buyerID
	u.OwnerID = &owner
	u.Price = newPrice
	u.Balance += bonus
	u.PurchaseCount++
	u.Version++
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memoryTx) UpdateLoginStreak(ctx context.Context, userID string, streak int, loginDate time.Time) error {
	u, ok := t.repo.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	u.CurrentStreak = streak
	d := loginDate
	u.LastLoginDate = &d
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// Idempotency store implementation.

func (r *MemoryRepository) Get(ctx context.Context, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	txID, ok := r.keys[key]
	return txID, ok, nil
}

func (r *MemoryRepository) Put(ctx context.Context, key, transactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[key]; ok {
		return idempotency.ErrKeyExists
	}
	r.keys[key] = transactionID
	return nil
}

// DeleteIdempotencyKey exists for tests that simulate a lost post-commit
// key write.
func (r *MemoryRepository) DeleteIdempotencyKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.keys, key)
}
