package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/peoplemarket/server/internal/economy"
	"github.com/peoplemarket/server/internal/events"
	"github.com/peoplemarket/server/internal/idempotency"
	"github.com/peoplemarket/server/internal/models"
	"github.com/peoplemarket/server/internal/repository"
)

// ErrInvalidPurchaseRequest reports a request the API layer should have
// rejected; the engine re-validates defensively.
var ErrInvalidPurchaseRequest = errors.New("invalid purchase request")

// PurchaseParams carries the buyer's identity and last-known view of the
// target, plus the client-generated idempotency key.
type PurchaseParams struct {
	BuyerID         string
	TargetID        string
	ExpectedPrice   int64
	ExpectedOwnerID *string
	ExpectedVersion int64
	IdempotencyKey  string
}

// PurchaseResult is the success outcome: the committed transaction, the
// participants' usernames for rendering, and the buyer's post-purchase
// balance.
type PurchaseResult struct {
	Transaction    *models.Transaction
	BuyerUsername  string
	TargetUsername string
	NewTargetPrice int64
	BuyerBalance   int64
}

// Purchase executes the multi-party transfer: validate the caller's view of
// the target under row locks, move the price buyer→seller, credit the
// ownership bonus to the target, escalate the price, and record the
// transaction, ledger entries and notifications — all in one database
// transaction. A replayed idempotency key returns the original outcome
// without re-executing anything.
//
// Business failures are PurchaseError values; anything else is
// infrastructure and safe to retry with the same key.
func (s *DefaultService) Purchase(ctx context.Context, params PurchaseParams) (*PurchaseResult, error) {
	if params.TargetID == "" || params.IdempotencyKey == "" ||
		params.ExpectedPrice < 0 || params.ExpectedVersion < 1 {
		return nil, ErrInvalidPurchaseRequest
	}

	// Idempotency short-circuit: a stored key means the transfer already
	// committed; rebuild the outcome from the stored transaction.
	if txID, ok, err := s.keys.Get(ctx, params.IdempotencyKey); err != nil {
		return nil, fmt.Errorf("error checking idempotency key: %w", err)
	} else if ok {
		return s.replayPurchase(ctx, txID)
	}

	var (
		txn       models.Transaction
		committed purchaseSnapshot
	)

	err := s.repo.InTransaction(ctx, func(tx repository.Tx) error {
		target, err := tx.GetUserForUpdate(ctx, params.TargetID)
		if err != nil {
			return fmt.Errorf("error loading target: %w", err)
		}
		if target == nil {
			return ErrUserNotFound
		}
		if target.DeactivatedAt != nil {
			return ErrUserDeactivated
		}

		// Version first: it moves on every purchase, so a mismatch is the
		// one authoritative staleness signal before finer-grained diffs.
		if target.Version != params.ExpectedVersion {
			return &StaleDataError{
				CurrentPrice:   target.Price,
				CurrentOwner:   target.OwnerID,
				CurrentVersion: target.Version,
			}
		}
		if target.Price != params.ExpectedPrice {
			return &PriceChangedError{CurrentPrice: target.Price}
		}
		if !ownerEqual(target.OwnerID, params.ExpectedOwnerID) {
			return &OwnerChangedError{CurrentOwner: target.OwnerID}
		}

		buyer, err := tx.GetUserForUpdate(ctx, params.BuyerID)
		if err != nil {
			return fmt.Errorf("error loading buyer: %w", err)
		}
		if buyer == nil {
			return ErrUserNotFound
		}
		if buyer.ID == target.ID {
			return ErrCannotBuySelf
		}
		if target.OwnerID != nil && *target.OwnerID == buyer.ID {
			return ErrAlreadyOwn
		}
		if buyer.Balance < target.Price {
			return &InsufficientFundsError{Balance: buyer.Balance, Price: target.Price}
		}

		var seller *models.User
		if target.OwnerID != nil {
			seller, err = tx.GetUserForUpdate(ctx, *target.OwnerID)
			if err != nil {
				return fmt.Errorf("error loading seller: %w", err)
			}
			if seller == nil {
				return fmt.Errorf("seller %s not found for target %s", *target.OwnerID, target.ID)
			}
		}

		price := target.Price
		newPrice := economy.NextPrice(price)
		bonus := economy.OwnershipBonus(price)

		txn = models.Transaction{
			BuyerID:             buyer.ID,
			TargetID:            target.ID,
			Price:               price,
			TargetBonus:         bonus,
			BuyerBalanceBefore:  buyer.Balance,
			BuyerBalanceAfter:   buyer.Balance - price,
			TargetPriceBefore:   price,
			TargetPriceAfter:    newPrice,
			TargetVersionBefore: target.Version,
			TargetVersionAfter:  target.Version + 1,
			CreatedAt:           time.Now().UTC(),
		}
		if seller != nil {
			txn.SellerID = &seller.ID
			received := price
			txn.SellerReceived = &received
			before := seller.Balance
			after := seller.Balance + price
			txn.SellerBalanceBefore = &before
			txn.SellerBalanceAfter = &after
		}

		if err := tx.CreateTransaction(ctx, &txn); err != nil {
			return fmt.Errorf("error creating transaction: %w", err)
		}

		refType := "transaction"
		entries := []models.LedgerEntry{
			{
				UserID:        buyer.ID,
				Amount:        -price,
				BalanceAfter:  buyer.Balance - price,
				Type:          models.LedgerPurchasePayment,
				ReferenceType: &refType,
				ReferenceID:   &txn.ID,
				Description:   fmt.Sprintf("Purchased @%s", target.Username),
			},
			{
				UserID:        target.ID,
				Amount:        bonus,
				BalanceAfter:  target.Balance + bonus,
				Type:          models.LedgerOwnershipBonus,
				ReferenceType: &refType,
				ReferenceID:   &txn.ID,
				Description:   fmt.Sprintf("Bought by @%s", buyer.Username),
			},
		}
		if seller != nil {
			entries = append(entries, models.LedgerEntry{
				UserID:        seller.ID,
				Amount:        price,
				BalanceAfter:  seller.Balance + price,
				Type:          models.LedgerSaleRevenue,
				ReferenceType: &refType,
				ReferenceID:   &txn.ID,
				Description:   fmt.Sprintf("@%s was bought", target.Username),
			})
		}
		if err := tx.CreateLedgerEntries(ctx, entries); err != nil {
			return fmt.Errorf("error creating ledger entries: %w", err)
		}

		if err := tx.AddToBalance(ctx, buyer.ID, -price); err != nil {
			return fmt.Errorf("error debiting buyer: %w", err)
		}
		if seller != nil {
			if err := tx.AddToBalance(ctx, seller.ID, price); err != nil {
				return fmt.Errorf("error crediting seller: %w", err)
			}
		}
		if err := tx.UpdateTargetAfterPurchase(ctx, target.ID, buyer.ID, newPrice, bonus); err != nil {
			return fmt.Errorf("error updating target: %w", err)
		}

		boughtData, err := json.Marshal(models.YouWereBoughtData{
			BuyerID:       buyer.ID,
			BuyerUsername: buyer.Username,
			Price:         price,
			NewPrice:      newPrice,
			Bonus:         bonus,
		})
		if err != nil {
			return fmt.Errorf("error encoding notification: %w", err)
		}
		notifications := []models.Notification{
			{
				UserID: target.ID,
				Type:   models.NotificationYouWereBought,
				Data:   boughtData,
			},
		}
		if seller != nil {
			soldData, err := json.Marshal(models.YourPersonSoldData{
				BuyerID:        buyer.ID,
				BuyerUsername:  buyer.Username,
				TargetID:       target.ID,
				TargetUsername: target.Username,
				Price:          price,
			})
			if err != nil {
				return fmt.Errorf("error encoding notification: %w", err)
			}
			notifications = append(notifications, models.Notification{
				UserID: seller.ID,
				Type:   models.NotificationYourPersonSold,
				Data:   soldData,
			})
		}
		if err := tx.CreateNotifications(ctx, notifications); err != nil {
			return fmt.Errorf("error creating notifications: %w", err)
		}

		committed = purchaseSnapshot{
			buyerUsername:  buyer.Username,
			targetUsername: target.Username,
			newPrice:       newPrice,
			buyerBalance:   buyer.Balance - price,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The key write sits outside the transaction. If the process dies
	// before it lands, a retry re-runs the engine and fails STALE_DATA or
	// ALREADY_OWN because the target's version and owner have moved.
	if err := s.keys.Put(ctx, params.IdempotencyKey, txn.ID); err != nil {
		if errors.Is(err, idempotency.ErrKeyExists) {
			s.logger.Info("idempotency key %s already stored", params.IdempotencyKey)
		} else {
			s.logger.Error("failed to store idempotency key %s: %v", params.IdempotencyKey, err)
		}
	}

	event := events.PurchaseEvent{
		TransactionID: txn.ID,
		BuyerID:       txn.BuyerID,
		SellerID:      txn.SellerID,
		TargetID:      txn.TargetID,
		Price:         txn.Price,
		NewPrice:      txn.TargetPriceAfter,
		TargetBonus:   txn.TargetBonus,
		CommittedAt:   txn.CreatedAt,
	}
	if err := s.publisher.PublishPurchase(ctx, event); err != nil {
		// The purchase is committed; a lost event is a logging matter.
		s.logger.Error("failed to publish purchase event %s: %v", txn.ID, err)
	}

	return &PurchaseResult{
		Transaction:    &txn,
		BuyerUsername:  committed.buyerUsername,
		TargetUsername: committed.targetUsername,
		NewTargetPrice: committed.newPrice,
		BuyerBalance:   committed.buyerBalance,
	}, nil
}

type purchaseSnapshot struct {
	buyerUsername  string
	targetUsername string
	newPrice       int64
	buyerBalance   int64
}

// replayPurchase rebuilds the success outcome of an already-committed
// purchase without re-executing any side effect. The buyer balance is
// current, not historical, matching what a fresh success would have shown.
func (s *DefaultService) replayPurchase(ctx context.Context, txID string) (*PurchaseResult, error) {
	txn, err := s.repo.GetTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("error loading replayed transaction: %w", err)
	}
	if txn == nil {
		return nil, fmt.Errorf("idempotency key references missing transaction %s", txID)
	}

	buyer, err := s.repo.GetUserByID(ctx, txn.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("error loading buyer: %w", err)
	}
	target, err := s.repo.GetUserByID(ctx, txn.TargetID)
	if err != nil {
		return nil, fmt.Errorf("error loading target: %w", err)
	}

	result := &PurchaseResult{
		Transaction:    txn,
		NewTargetPrice: txn.TargetPriceAfter,
	}
	if buyer != nil {
		result.BuyerUsername = buyer.Username
		result.BuyerBalance = buyer.Balance
	}
	if target != nil {
		result.TargetUsername = target.Username
	}
	return result, nil
}

func ownerEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
