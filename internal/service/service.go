package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/peoplemarket/server/internal/economy"
	"github.com/peoplemarket/server/internal/events"
	"github.com/peoplemarket/server/internal/idempotency"
	"github.com/peoplemarket/server/internal/models"
	"github.com/peoplemarket/server/internal/repository"
	"github.com/peoplemarket/server/internal/utils"
)

var (
	ErrEmailTaken         = errors.New("user with this email already exists")
	ErrUsernameTaken      = errors.New("username is already taken")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrNotFound           = errors.New("not found")
)

// Service defines all the business logic operations
type Service interface {
	// Authentication
	SignUp(ctx context.Context, req models.SignUpRequest) (*models.AuthResponse, error)
	Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error)

	// Purchases
	Purchase(ctx context.Context, params PurchaseParams) (*PurchaseResult, error)

	// Profiles and market
	GetProfile(ctx context.Context, userID string) (*models.ProfileResponse, error)
	GetPublicProfile(ctx context.Context, username string) (*models.MarketUser, error)
	ListMarket(ctx context.Context, callerID string, opts repository.ListUsersOptions) (*models.ListUsersResponse, error)

	// Account views
	GetNotifications(ctx context.Context, userID string, unreadOnly bool) (*models.NotificationsResponse, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
	GetLedger(ctx context.Context, userID string) (*models.LedgerResponse, error)
}

// DefaultService implements the Service interface
type DefaultService struct {
	repo          repository.Repository
	keys          idempotency.Store
	publisher     events.Publisher
	logger        *utils.Logger
	jwtSecret     []byte
	tokenDuration time.Duration
}

// NewDefaultService creates a new DefaultService
func NewDefaultService(
	repo repository.Repository,
	keys idempotency.Store,
	publisher events.Publisher,
	logger *utils.Logger,
	jwtSecret string,
) *DefaultService {
	return &DefaultService{
		repo:          repo,
		keys:          keys,
		publisher:     publisher,
		logger:        logger,
		jwtSecret:     []byte(jwtSecret),
		tokenDuration: 24 * time.Hour, // 24 hours token validity
	}
}

// Authentication methods
func (s *DefaultService) SignUp(ctx context.Context, req models.SignUpRequest) (*models.AuthResponse, error) {
	// Check if user already exists
	existingUser, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("error checking user existence: %w", err)
	}
	if existingUser != nil {
		return nil, ErrEmailTaken
	}

	existingUser, err = s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		return nil, fmt.Errorf("error checking username: %w", err)
	}
	if existingUser != nil {
		return nil, ErrUsernameTaken
	}

	// Hash the password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}

	// Create the user with the starting balance and price
	user := &models.User{
		ID:          uuid.New().String(),
		Email:       req.Email,
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Password:    string(hashedPassword),
		Balance:     economy.StartingBalance,
		Price:       economy.StartingPrice,
		Version:     1,
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("error creating user: %w", err)
	}

	// Record the starting balance in the ledger
	err = s.repo.InTransaction(ctx, func(tx repository.Tx) error {
		return tx.CreateLedgerEntries(ctx, []models.LedgerEntry{{
			UserID:       user.ID,
			Amount:       economy.StartingBalance,
			BalanceAfter: economy.StartingBalance,
			Type:         models.LedgerSignupBonus,
			Description:  "Welcome bonus",
		}})
	})
	if err != nil {
		return nil, fmt.Errorf("error recording signup bonus: %w", err)
	}

	return &models.AuthResponse{
		Status:   "success",
		UserID:   user.ID,
		Email:    user.Email,
		Username: user.Username,
	}, nil
}

func (s *DefaultService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	// Get the user
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("error getting user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// First login of a day earns the daily bonus and advances the streak.
	if err := s.applyLoginRewards(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("error applying login rewards: %w", err)
	}

	// Generate JWT token
	token, err := s.generateJWT(user)
	if err != nil {
		return nil, fmt.Errorf("error generating token: %w", err)
	}

	return &models.AuthResponse{
		Status:    "success",
		UserID:    user.ID,
		Token:     token,
		ExpiresIn: int(s.tokenDuration.Seconds()),
	}, nil
}

// applyLoginRewards credits the daily login bonus, plus the streak bonus on
// days 3 and 7 of an unbroken run. A missed day restarts the streak at 1.
func (s *DefaultService) applyLoginRewards(ctx context.Context, userID string) error {
	today := startOfDay(time.Now().UTC())

	return s.repo.InTransaction(ctx, func(tx repository.Tx) error {
		user, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return ErrNotFound
		}

		if user.LastLoginDate != nil && !startOfDay(user.LastLoginDate.UTC()).Before(today) {
			return nil // Already rewarded today
		}

		streak := 1
		if user.LastLoginDate != nil && startOfDay(user.LastLoginDate.UTC()).Equal(today.AddDate(0, 0, -1)) {
			streak = user.CurrentStreak + 1
		}

		credit := economy.DailyLoginBonus
		entries := []models.LedgerEntry{{
			UserID:       user.ID,
			Amount:       economy.DailyLoginBonus,
			BalanceAfter: user.Balance + credit,
			Type:         models.LedgerDailyLogin,
			Description:  "Daily login bonus",
		}}

		dailyData, err := json.Marshal(models.DailyBonusData{
			Amount:     economy.DailyLoginBonus,
			NewBalance: user.Balance + credit,
		})
		if err != nil {
			return err
		}
		notifications := []models.Notification{{
			UserID: user.ID,
			Type:   models.NotificationDailyBonus,
			Data:   dailyData,
		}}

		var streakBonus int64
		var streakType models.LedgerEntryType
		switch streak {
		case 3:
			streakBonus = economy.Streak3Bonus
			streakType = models.LedgerStreakBonus3
		case 7:
			streakBonus = economy.Streak7Bonus
			streakType = models.LedgerStreakBonus7
		}
		if streakBonus > 0 {
			credit += streakBonus
			entries = append(entries, models.LedgerEntry{
				UserID:       user.ID,
				Amount:       streakBonus,
				BalanceAfter: user.Balance + credit,
				Type:         streakType,
				Description:  fmt.Sprintf("%d-day streak bonus", streak),
			})

			streakData, err := json.Marshal(models.StreakBonusData{
				StreakDays: streak,
				Amount:     streakBonus,
				NewBalance: user.Balance + credit,
			})
			if err != nil {
				return err
			}
			notifications = append(notifications, models.Notification{
				UserID: user.ID,
				Type:   models.NotificationStreakBonus,
				Data:   streakData,
			})
		}

		if err := tx.CreateLedgerEntries(ctx, entries); err != nil {
			return err
		}
		if err := tx.CreateNotifications(ctx, notifications); err != nil {
			return err
		}
		if err := tx.AddToBalance(ctx, user.ID, credit); err != nil {
			return err
		}
		return tx.UpdateLoginStreak(ctx, user.ID, streak, today)
	})
}

// Profiles and market
func (s *DefaultService) GetProfile(ctx context.Context, userID string) (*models.ProfileResponse, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error getting user: %w", err)
	}
	if user == nil {
		return nil, ErrNotFound
	}

	resp := &models.ProfileResponse{User: user}

	if user.OwnerID != nil {
		owner, err := s.repo.GetUserByID(ctx, *user.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("error getting owner: %w", err)
		}
		if owner != nil {
			resp.Owner = &models.UserSummary{
				ID:          owner.ID,
				Username:    owner.Username,
				DisplayName: owner.DisplayName,
			}
		}
	}

	owned, err := s.repo.GetOwnedUsers(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("error getting owned users: %w", err)
	}
	for i := range owned {
		resp.OwnedUsers = append(resp.OwnedUsers, marketUserOf(&owned[i], nil))
	}

	return resp, nil
}

func (s *DefaultService) GetPublicProfile(ctx context.Context, username string) (*models.MarketUser, error) {
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("error getting user: %w", err)
	}
	if user == nil || user.DeactivatedAt != nil {
		return nil, ErrNotFound
	}

	owner, err := s.ownerSummary(ctx, user.OwnerID)
	if err != nil {
		return nil, err
	}

	mu := marketUserOf(user, owner)
	return &mu, nil
}

func (s *DefaultService) ListMarket(ctx context.Context, callerID string, opts repository.ListUsersOptions) (*models.ListUsersResponse, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	// Fetch one extra row to learn whether more results exist.
	fetch := opts
	fetch.ExcludeID = callerID
	fetch.Limit = limit + 1

	users, err := s.repo.ListUsers(ctx, fetch)
	if err != nil {
		return nil, fmt.Errorf("error listing users: %w", err)
	}

	hasMore := len(users) > limit
	if hasMore {
		users = users[:limit]
	}

	resp := &models.ListUsersResponse{HasMore: hasMore, Users: []models.MarketUser{}}

	// Owner lookups are cached per listing; owners repeat often.
	owners := map[string]*models.UserSummary{}
	for i := range users {
		u := &users[i]
		var owner *models.UserSummary
		if u.OwnerID != nil {
			var ok bool
			owner, ok = owners[*u.OwnerID]
			if !ok {
				owner, err = s.ownerSummary(ctx, u.OwnerID)
				if err != nil {
					return nil, err
				}
				owners[*u.OwnerID] = owner
			}
		}
		resp.Users = append(resp.Users, marketUserOf(u, owner))
	}

	if hasMore {
		offset := 0
		if opts.Cursor != "" {
			offset, _ = strconv.Atoi(opts.Cursor)
		}
		next := strconv.Itoa(offset + limit)
		resp.NextCursor = &next
	}

	return resp, nil
}

func (s *DefaultService) ownerSummary(ctx context.Context, ownerID *string) (*models.UserSummary, error) {
	if ownerID == nil {
		return nil, nil
	}
	owner, err := s.repo.GetUserByID(ctx, *ownerID)
	if err != nil {
		return nil, fmt.Errorf("error getting owner: %w", err)
	}
	if owner == nil {
		return nil, nil
	}
	return &models.UserSummary{
		ID:          owner.ID,
		Username:    owner.Username,
		DisplayName: owner.DisplayName,
	}, nil
}

func marketUserOf(u *models.User, owner *models.UserSummary) models.MarketUser {
	return models.MarketUser{
		ID:            u.ID,
		Username:      u.Username,
		DisplayName:   u.DisplayName,
		Bio:           u.Bio,
		Price:         u.Price,
		PurchaseCount: u.PurchaseCount,
		OwnerID:       u.OwnerID,
		Owner:         owner,
		Version:       u.Version,
	}
}

// Account views
func (s *DefaultService) GetNotifications(ctx context.Context, userID string, unreadOnly bool) (*models.NotificationsResponse, error) {
	notifications, err := s.repo.GetNotifications(ctx, userID, unreadOnly)
	if err != nil {
		return nil, fmt.Errorf("error getting notifications: %w", err)
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}

	return &models.NotificationsResponse{
		Status:        "success",
		Notifications: notifications,
	}, nil
}

func (s *DefaultService) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	if err := s.repo.MarkNotificationRead(ctx, userID, notificationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("error marking notification read: %w", err)
	}
	return nil
}

func (s *DefaultService) GetLedger(ctx context.Context, userID string) (*models.LedgerResponse, error) {
	entries, err := s.repo.GetLedgerEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error getting ledger entries: %w", err)
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}

	return &models.LedgerResponse{
		Status:  "success",
		Entries: entries,
	}, nil
}

// Helper methods
func (s *DefaultService) generateJWT(user *models.User) (string, error) {
	expirationTime := time.Now().Add(s.tokenDuration)

	claims := jwt.MapClaims{
		"sub": user.ID, // subject
		"exp": expirationTime.Unix(),
		"iat": time.Now().Unix(), // issued at
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
