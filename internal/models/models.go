package models

import (
	"encoding/json"
	"time"
)

// User represents an account in the market. Every user is simultaneously a
// player (with a balance) and a purchasable asset (with a price, an owner
// and an optimistic-concurrency version).
type User struct {
	ID            string     `db:"id" json:"id"`
	Email         string     `db:"email" json:"email"`
	Username      string     `db:"username" json:"username"`
	DisplayName   string     `db:"display_name" json:"displayName"`
	Password      string     `db:"password" json:"-"` // Password hash, not returned in JSON
	Bio           *string    `db:"bio" json:"bio,omitempty"`
	Balance       int64      `db:"balance" json:"balance"`
	Price         int64      `db:"price" json:"price"`
	OwnerID       *string    `db:"owner_id" json:"ownerId"`
	Version       int64      `db:"version" json:"version"`
	PurchaseCount int64      `db:"purchase_count" json:"purchaseCount"`
	CurrentStreak int        `db:"current_streak" json:"currentStreak"`
	LastLoginDate *time.Time `db:"last_login_date" json:"lastLoginDate,omitempty"`
	DeactivatedAt *time.Time `db:"deactivated_at" json:"deactivatedAt,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updatedAt"`
}

// Transaction is the immutable record of one committed purchase, including
// before/after snapshots of every balance and of the target's price and
// version.
type Transaction struct {
	ID                  string    `db:"id" json:"id"`
	BuyerID             string    `db:"buyer_id" json:"buyerId"`
	SellerID            *string   `db:"seller_id" json:"sellerId"`
	TargetID            string    `db:"target_id" json:"targetId"`
	Price               int64     `db:"price" json:"price"`
	SellerReceived      *int64    `db:"seller_received" json:"sellerReceived"`
	TargetBonus         int64     `db:"target_bonus" json:"targetBonus"`
	BuyerBalanceBefore  int64     `db:"buyer_balance_before" json:"buyerBalanceBefore"`
	BuyerBalanceAfter   int64     `db:"buyer_balance_after" json:"buyerBalanceAfter"`
	SellerBalanceBefore *int64    `db:"seller_balance_before" json:"sellerBalanceBefore"`
	SellerBalanceAfter  *int64    `db:"seller_balance_after" json:"sellerBalanceAfter"`
	TargetPriceBefore   int64     `db:"target_price_before" json:"targetPriceBefore"`
	TargetPriceAfter    int64     `db:"target_price_after" json:"targetPriceAfter"`
	TargetVersionBefore int64     `db:"target_version_before" json:"targetVersionBefore"`
	TargetVersionAfter  int64     `db:"target_version_after" json:"targetVersionAfter"`
	CreatedAt           time.Time `db:"created_at" json:"createdAt"`
}

// LedgerEntryType classifies a balance change.
type LedgerEntryType string

const (
	LedgerSignupBonus     LedgerEntryType = "SIGNUP_BONUS"
	LedgerDailyLogin      LedgerEntryType = "DAILY_LOGIN"
	LedgerStreakBonus3    LedgerEntryType = "STREAK_BONUS_3"
	LedgerStreakBonus7    LedgerEntryType = "STREAK_BONUS_7"
	LedgerPurchasePayment LedgerEntryType = "PURCHASE_PAYMENT"
	LedgerSaleRevenue     LedgerEntryType = "SALE_REVENUE"
	LedgerOwnershipBonus  LedgerEntryType = "OWNERSHIP_BONUS"
)

// LedgerEntry is one append-only balance change. Amount is signed; debits
// are negative.
type LedgerEntry struct {
	ID            string          `db:"id" json:"id"`
	UserID        string          `db:"user_id" json:"userId"`
	Amount        int64           `db:"amount" json:"amount"`
	BalanceAfter  int64           `db:"balance_after" json:"balanceAfter"`
	Type          LedgerEntryType `db:"type" json:"type"`
	ReferenceType *string         `db:"reference_type" json:"referenceType,omitempty"`
	ReferenceID   *string         `db:"reference_id" json:"referenceId,omitempty"`
	Description   string          `db:"description" json:"description"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
}

// NotificationType classifies a user-facing notification.
type NotificationType string

const (
	NotificationYouWereBought  NotificationType = "YOU_WERE_BOUGHT"
	NotificationYourPersonSold NotificationType = "YOUR_PERSON_SOLD"
	NotificationDailyBonus     NotificationType = "DAILY_BONUS"
	NotificationStreakBonus    NotificationType = "STREAK_BONUS"
)

// Notification carries a typed event and a JSON snapshot of the amounts and
// identities at commit time. Only Read is ever mutated.
type Notification struct {
	ID        string           `db:"id" json:"id"`
	UserID    string           `db:"user_id" json:"userId"`
	Type      NotificationType `db:"type" json:"type"`
	Data      json.RawMessage  `db:"data" json:"data"`
	Read      bool             `db:"read" json:"read"`
	CreatedAt time.Time        `db:"created_at" json:"createdAt"`
}

// Notification payload snapshots. Everything a client needs to render the
// event is captured at commit time; nothing is looked up later.

type YouWereBoughtData struct {
	BuyerID       string `json:"buyerId"`
	BuyerUsername string `json:"buyerUsername"`
	Price         int64  `json:"price"`
	NewPrice      int64  `json:"newPrice"`
	Bonus         int64  `json:"bonus"`
}

type YourPersonSoldData struct {
	BuyerID        string `json:"buyerId"`
	BuyerUsername  string `json:"buyerUsername"`
	TargetID       string `json:"targetId"`
	TargetUsername string `json:"targetUsername"`
	Price          int64  `json:"price"`
}

type DailyBonusData struct {
	Amount     int64 `json:"amount"`
	NewBalance int64 `json:"newBalance"`
}

type StreakBonusData struct {
	StreakDays int   `json:"streakDays"`
	Amount     int64 `json:"amount"`
	NewBalance int64 `json:"newBalance"`
}

// IdempotencyKey maps a caller-supplied key to the transaction it produced.
// Created exactly once per successful purchase, never updated, swept after
// 24 hours.
type IdempotencyKey struct {
	Key           string    `db:"key" json:"key"`
	TransactionID string    `db:"transaction_id" json:"transactionId"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}
