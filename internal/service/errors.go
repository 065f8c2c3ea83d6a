package service

import (
	"errors"
	"fmt"
)

// ErrorCode identifies one business-rule violation of the purchase engine.
// Every code is deterministic given current state and is never retried by
// the engine itself.
type ErrorCode string

const (
	CodeUserNotFound      ErrorCode = "USER_NOT_FOUND"
	CodeUserDeactivated   ErrorCode = "USER_DEACTIVATED"
	CodeCannotBuySelf     ErrorCode = "CANNOT_BUY_SELF"
	CodeAlreadyOwn        ErrorCode = "ALREADY_OWN"
	CodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	CodeStaleData         ErrorCode = "STALE_DATA"
	CodePriceChanged      ErrorCode = "PRICE_CHANGED"
	CodeOwnerChanged      ErrorCode = "OWNER_CHANGED"
)

// PurchaseError is implemented by every business-rule violation. Variants
// carry only the fields relevant to their code.
type PurchaseError interface {
	error
	Code() ErrorCode
}

// Sentinel variants with no extra fields.
var (
	ErrUserNotFound    PurchaseError = &simpleError{code: CodeUserNotFound, msg: "user not found"}
	ErrUserDeactivated PurchaseError = &simpleError{code: CodeUserDeactivated, msg: "user is deactivated"}
	ErrCannotBuySelf   PurchaseError = &simpleError{code: CodeCannotBuySelf, msg: "cannot buy yourself"}
	ErrAlreadyOwn      PurchaseError = &simpleError{code: CodeAlreadyOwn, msg: "you already own this user"}
)

type simpleError struct {
	code ErrorCode
	msg  string
}

func (e *simpleError) Error() string   { return e.msg }
func (e *simpleError) Code() ErrorCode { return e.code }

// InsufficientFundsError reports that the buyer cannot cover the current
// price.
type InsufficientFundsError struct {
	Balance int64
	Price   int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, price %d", e.Balance, e.Price)
}

func (e *InsufficientFundsError) Code() ErrorCode { return CodeInsufficientFunds }

// Shortfall is the amount the buyer is missing.
func (e *InsufficientFundsError) Shortfall() int64 { return e.Price - e.Balance }

// StaleDataError reports a version mismatch, the authoritative staleness
// signal. It carries the full current view so the caller can refresh.
type StaleDataError struct {
	CurrentPrice   int64
	CurrentOwner   *string
	CurrentVersion int64
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale data: current version %d", e.CurrentVersion)
}

func (e *StaleDataError) Code() ErrorCode { return CodeStaleData }

// PriceChangedError reports a price mismatch at an up-to-date version.
type PriceChangedError struct {
	CurrentPrice int64
}

func (e *PriceChangedError) Error() string {
	return fmt.Sprintf("price changed: current price %d", e.CurrentPrice)
}

func (e *PriceChangedError) Code() ErrorCode { return CodePriceChanged }

// OwnerChangedError reports an owner mismatch at an up-to-date version.
type OwnerChangedError struct {
	CurrentOwner *string
}

func (e *OwnerChangedError) Error() string {
	return "owner changed"
}

func (e *OwnerChangedError) Code() ErrorCode { return CodeOwnerChanged }

// AsPurchaseError unwraps err to a PurchaseError if it is one. Anything
// else is infrastructure failure and should be treated as retryable by the
// caller.
func AsPurchaseError(err error) (PurchaseError, bool) {
	var pe PurchaseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsConflict reports whether the error is one of the refresh-and-retry
// staleness conditions.
func IsConflict(err error) bool {
	pe, ok := AsPurchaseError(err)
	if !ok {
		return false
	}
	switch pe.Code() {
	case CodeStaleData, CodePriceChanged, CodeOwnerChanged:
		return true
	}
	return false
}
