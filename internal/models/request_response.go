package models

// Request models
type SignUpRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Username    string `json:"username" binding:"required,min=3,max=30"`
	Password    string `json:"password" binding:"required,min=8"`
	DisplayName string `json:"displayName" binding:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// PurchaseRequest is the caller's last-known view of the target plus a
// client-generated idempotency key. The buyer identity comes from the
// session, never from the body.
type PurchaseRequest struct {
	TargetID        string  `json:"targetId" binding:"required"`
	ExpectedPrice   int64   `json:"expectedPrice" binding:"min=0"`
	ExpectedOwnerID *string `json:"expectedOwnerId"`
	ExpectedVersion int64   `json:"expectedVersion" binding:"required,min=1"`
	IdempotencyKey  string  `json:"idempotencyKey" binding:"required"`
}

// Response models
type AuthResponse struct {
	Status    string `json:"status"`
	UserID    string `json:"userId,omitempty"`
	Email     string `json:"email,omitempty"`
	Username  string `json:"username,omitempty"`
	Token     string `json:"token,omitempty"`
	ExpiresIn int    `json:"expiresIn,omitempty"`
}

// UserSummary is the public face of a user embedded in other payloads.
type UserSummary struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// MarketUser is one row of the market listing.
type MarketUser struct {
	ID            string       `json:"id"`
	Username      string       `json:"username"`
	DisplayName   string       `json:"displayName"`
	Bio           *string      `json:"bio,omitempty"`
	Price         int64        `json:"price"`
	PurchaseCount int64        `json:"purchaseCount"`
	OwnerID       *string      `json:"ownerId"`
	Owner         *UserSummary `json:"owner,omitempty"`
	Version       int64        `json:"version"`
}

type ListUsersResponse struct {
	Users      []MarketUser `json:"users"`
	NextCursor *string      `json:"nextCursor"`
	HasMore    bool         `json:"hasMore"`
}

type ProfileResponse struct {
	User       *User        `json:"user"`
	Owner      *UserSummary `json:"owner,omitempty"`
	OwnedUsers []MarketUser `json:"ownedUsers,omitempty"`
}

// PurchaseTransactionPayload mirrors the committed transaction in the shape
// the client renders.
type PurchaseTransactionPayload struct {
	ID          string              `json:"id"`
	Price       int64               `json:"price"`
	TargetBonus int64               `json:"targetBonus"`
	Buyer       UserSummary         `json:"buyer"`
	Target      PurchaseTargetField `json:"target"`
}

type PurchaseTargetField struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	NewPrice int64  `json:"newPrice"`
}

type PurchaseResponse struct {
	Success      bool                       `json:"success"`
	Transaction  PurchaseTransactionPayload `json:"transaction"`
	BuyerBalance int64                      `json:"buyerBalance"`
}

type NotificationsResponse struct {
	Status        string         `json:"status"`
	Notifications []Notification `json:"notifications"`
}

type LedgerResponse struct {
	Status  string        `json:"status"`
	Entries []LedgerEntry `json:"entries"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// Structured fields carried by staleness and funds errors.
	Details map[string]interface{} `json:"details,omitempty"`
}
