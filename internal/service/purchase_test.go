package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peoplemarket/server/internal/events"
	"github.com/peoplemarket/server/internal/models"
	"github.com/peoplemarket/server/internal/repository"
	"github.com/peoplemarket/server/internal/service"
	"github.com/peoplemarket/server/internal/utils"
)

func newTestService(repo *repository.MemoryRepository) *service.DefaultService {
	return service.NewDefaultService(repo, repo, events.NoopPublisher{}, utils.NewLogger(), "test-secret")
}

func seedUser(t *testing.T, repo *repository.MemoryRepository, username string, balance, price int64) *models.User {
	t.Helper()

	user := &models.User{
		Email:       username + "@example.com",
		Username:    username,
		DisplayName: username,
		Password:    "irrelevant",
		Balance:     balance,
		Price:       price,
		Version:     1,
	}
	err := repo.CreateUser(context.Background(), user)
	require.NoError(t, err)
	return user
}

func buyParams(buyer, target *models.User, key string) service.PurchaseParams {
	return service.PurchaseParams{
		BuyerID:         buyer.ID,
		TargetID:        target.ID,
		ExpectedPrice:   target.Price,
		ExpectedOwnerID: target.OwnerID,
		ExpectedVersion: target.Version,
		IdempotencyKey:  key,
	}
}

func TestPurchaseFirstSale(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	buyer := seedUser(t, repo, "alice", 15000, 10000)
	target := seedUser(t, repo, "bob", 0, 10000)

	result, err := svc.Purchase(ctx, buyParams(buyer, target, "key-first"))
	require.NoError(t, err)

	assert.Equal(t, int64(5000), result.BuyerBalance)
	assert.Equal(t, int64(15000), result.NewTargetPrice)
	assert.Equal(t, "alice", result.BuyerUsername)
	assert.Equal(t, "bob", result.TargetUsername)

	txn := result.Transaction
	assert.Equal(t, int64(10000), txn.Price)
	assert.Equal(t, int64(1000), txn.TargetBonus)
	assert.Nil(t, txn.SellerID)
	assert.Equal(t, int64(15000), txn.BuyerBalanceBefore)
	assert.Equal(t, int64(5000), txn.BuyerBalanceAfter)
	assert.Equal(t, int64(1), txn.TargetVersionBefore)
	assert.Equal(t, int64(2), txn.TargetVersionAfter)

	// Target state after purchase
	updated, err := repo.GetUserByID(ctx, target.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.OwnerID)
	assert.Equal(t, buyer.ID, *updated.OwnerID)
	assert.Equal(t, int64(15000), updated.Price)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, int64(1), updated.PurchaseCount)
	assert.Equal(t, int64(1000), updated.Balance)

	// Ledger: buyer debit and target bonus, no seller entry
	buyerEntries, err := repo.GetLedgerEntries(ctx, buyer.ID)
	require.NoError(t, err)
	require.Len(t, buyerEntries, 1)
	assert.Equal(t, int64(-10000), buyerEntries[0].Amount)
	assert.Equal(t, models.LedgerPurchasePayment, buyerEntries[0].Type)

	targetEntries, err := repo.GetLedgerEntries(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, targetEntries, 1)
	assert.Equal(t, int64(1000), targetEntries[0].Amount)
	assert.Equal(t, models.LedgerOwnershipBonus, targetEntries[0].Type)

	// Target is notified, nobody else was involved
	notifications, err := repo.GetNotifications(ctx, target.ID, false)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, models.NotificationYouWereBought, notifications[0].Type)
}

func TestPurchaseResale(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	first := seedUser(t, repo, "first", 20000, 10000)
	second := seedUser(t, repo, "second", 50000, 10000)
	target := seedUser(t, repo, "asset", 0, 10000)

	_, err := svc.Purchase(ctx, buyParams(first, target, "key-1"))
	require.NoError(t, err)

	// Refresh the caller's view, as a client would after the first sale
	fresh, err := repo.GetUserByID(ctx, target.ID)
	require.NoError(t, err)

	result, err := svc.Purchase(ctx, buyParams(second, fresh, "key-2"))
	require.NoError(t, err)

	txn := result.Transaction
	require.NotNil(t, txn.SellerID)
	assert.Equal(t, first.ID, *txn.SellerID)
	require.NotNil(t, txn.SellerReceived)
	assert.Equal(t, int64(15000), *txn.SellerReceived)

	// Conservation: full price flows buyer -> seller
	seller, err := repo.GetUserByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20000-10000+15000), seller.Balance)

	buyer, err := repo.GetUserByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50000-15000), buyer.Balance)

	// Bonus of both sales stays with the target
	bought, err := repo.GetUserByID(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000+1500), bought.Balance)
	assert.Equal(t, int64(22500), bought.Price) // floor(15000 * 1.5)
	assert.Equal(t, int64(3), bought.Version)

	// Seller gets revenue entry and a sold notification
	sellerEntries, err := repo.GetLedgerEntries(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, sellerEntries, 2)
	assert.Equal(t, models.LedgerSaleRevenue, sellerEntries[0].Type)
	assert.Equal(t, int64(15000), sellerEntries[0].Amount)

	sellerNotifications, err := repo.GetNotifications(ctx, first.ID, false)
	require.NoError(t, err)
	require.Len(t, sellerNotifications, 1)
	assert.Equal(t, models.NotificationYourPersonSold, sellerNotifications[0].Type)
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	buyer := seedUser(t, repo, "poor", 9999, 10000)
	target := seedUser(t, repo, "pricey", 0, 10000)

	_, err := svc.Purchase(ctx, buyParams(buyer, target, "key-poor"))

	var funds *service.InsufficientFundsError
	require.ErrorAs(t, err, &funds)
	assert.Equal(t, int64(9999), funds.Balance)
	assert.Equal(t, int64(10000), funds.Price)
	assert.Equal(t, int64(1), funds.Shortfall())

	// Nothing was written
	unchanged, err := repo.GetUserByID(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9999), unchanged.Balance)

	entries, err := repo.GetLedgerEntries(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	notifications, err := repo.GetNotifications(ctx, target.ID, false)
	require.NoError(t, err)
	assert.Empty(t, notifications)
}

func TestPurchaseStaleVersion(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	buyer := seedUser(t, repo, "late", 50000, 10000)
	racer := seedUser(t, repo, "racer", 50000, 10000)
	target := seedUser(t, repo, "wanted", 0, 10000)

	staleView := *target // captured before the competing sale

	_, err := svc.Purchase(ctx, buyParams(racer, target, "key-winner"))
	require.NoError(t, err)

	_, err = svc.Purchase(ctx, buyParams(buyer, &staleView, "key-loser"))

	var stale *service.StaleDataError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, int64(2), stale.CurrentVersion)
	assert.Equal(t, int64(15000), stale.CurrentPrice)
	require.NotNil(t, stale.CurrentOwner)
	assert.Equal(t, racer.ID, *stale.CurrentOwner)

	// The loser paid nothing
	loser, err := repo.GetUserByID(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), loser.Balance)
}

func TestPurchasePriceChangedAtSameVersion(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	buyer := seedUser(t, repo, "buyer", 50000, 10000)
	target := seedUser(t, repo, "target", 0, 10000)

	params := buyParams(buyer, target, "key-price")
	params.ExpectedPrice = 9000 // caller's view is wrong, version is right

	_, err := svc.Purchase(ctx, params)

	var changed *service.PriceChangedError
	require.ErrorAs(t, err, &changed)
	assert.Equal(t, int64(10000), changed.CurrentPrice)
}

func TestPurchaseOwnerChangedAtSameVersion(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	buyer := seedUser(t, repo, "buyer", 50000, 10000)
	target := seedUser(t, repo, "target", 0, 10000)

	phantom := "nonexistent-owner"
	params := buyParams(buyer, target, "key-owner")
	params.ExpectedOwnerID = &phantom

	_, err := svc.Purchase(ctx, params)

	var changed *service.OwnerChangedError
	require.ErrorAs(t, err, &changed)
	assert.Nil(t, changed.CurrentOwner)
}

func TestPurchaseSelf(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := newTestService(repo)

	rich := seedUser(t, repo, "rich", 1000000, 10000)

	_, err := svc.Purchase(context.Background(), buyParams(rich, rich, "key-self"))
	assert.ErrorIs(t, err, service.ErrCannotBuySelf)
}

func TestPurchaseAlreadyOwned(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	buyer := seedUser(t, repo, "owner", 100000, 10000)
	target := seedUser(t, repo, "owned", 0, 10000)

	_, err := svc.Purchase(ctx, buyParams(buyer, target, "key-own-1"))
	require.NoError(t, err)

	fresh, err := repo.GetUserByID(ctx, target.ID)
	require.NoError(t, err)

	_, err = svc.Purchase(ctx, buyParams(buyer, fresh, "key-own-2"))
	assert.ErrorIs(t, err, service.ErrAlreadyOwn)
}

func TestPurchaseMissingUsers(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	buyer := seedUser(t, repo, "solo", 50000, 10000)

	ghost := models.User{ID: "no-such-user", Price: 10000, Version: 1}
	_, err := svc.Purchase(ctx, buyParams(buyer, &ghost, "key-ghost-target"))
	assert.ErrorIs(t, err, service.ErrUserNotFound)

	target := seedUser(t, repo, "real", 0, 10000)
	ghostBuyer := models.User{ID: "no-such-buyer"}
	_, err = svc.Purchase(ctx, buyParams(&ghostBuyer, target, "key-ghost-buyer"))
	assert.ErrorIs(t, err, service.ErrUserNotFound)
}

func TestPurchaseDeactivatedTarget(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	buyer := seedUser(t, repo, "buyer", 50000, 10000)
	target := seedUser(t, repo, "gone", 0, 10000)

	// Deactivate through the store
	now := target.CreatedAt
	target.DeactivatedAt = &now
	require.NoError(t, repo.CreateUser(ctx, target))

	_, err := svc.Purchase(ctx, buyParams(buyer, target, "key-gone"))
	assert.ErrorIs(t, err, service.ErrUserDeactivated)
}

func TestPurchaseRejectsInvalidRequests(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	buyer := seedUser(t, repo, "buyer", 50000, 10000)
	target := seedUser(t, repo, "target", 0, 10000)

	cases := []service.PurchaseParams{
		{BuyerID: buyer.ID, TargetID: "", ExpectedPrice: 10000, ExpectedVersion: 1, IdempotencyKey: "k"},
		{BuyerID: buyer.ID, TargetID: target.ID, ExpectedPrice: -1, ExpectedVersion: 1, IdempotencyKey: "k"},
		{BuyerID: buyer.ID, TargetID: target.ID, ExpectedPrice: 10000, ExpectedVersion: 0, IdempotencyKey: "k"},
		{BuyerID: buyer.ID, TargetID: target.ID, ExpectedPrice: 10000, ExpectedVersion: 1, IdempotencyKey: ""},
	}

	for _, params := range cases {
		_, err := svc.Purchase(ctx, params)
		assert.ErrorIs(t, err, service.ErrInvalidPurchaseRequest)
	}
}

func TestPurchaseIdempotentReplay(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	buyer := seedUser(t, repo, "retry", 30000, 10000)
	target := seedUser(t, repo, "stable", 0, 10000)

	params := buyParams(buyer, target, "key-replay")

	first, err := svc.Purchase(ctx, params)
	require.NoError(t, err)

	// Same key, identical arguments: the stored outcome comes back and no
	// side effect re-executes.
	second, err := svc.Purchase(ctx, params)
	require.NoError(t, err)

	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, first.BuyerBalance, second.BuyerBalance)
	assert.Equal(t, first.NewTargetPrice, second.NewTargetPrice)
	assert.Equal(t, first.BuyerUsername, second.BuyerUsername)
	assert.Equal(t, first.TargetUsername, second.TargetUsername)

	// Exactly one deduction
	balance, err := repo.GetUserByID(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), balance.Balance)

	// Exactly one set of records
	entries, err := repo.GetLedgerEntries(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	notifications, err := repo.GetNotifications(ctx, target.ID, false)
	require.NoError(t, err)
	assert.Len(t, notifications, 1)

	updated, err := repo.GetUserByID(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
}

func TestPurchaseRetryAfterLostIdempotencyWrite(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	buyer := seedUser(t, repo, "crashy", 30000, 10000)
	target := seedUser(t, repo, "stable", 0, 10000)

	params := buyParams(buyer, target, "key-crash")

	_, err := svc.Purchase(ctx, params)
	require.NoError(t, err)

	// Simulate the process dying between the commit and the key write:
	// the key vanishes, and the retry re-runs the whole engine.
	repo.DeleteIdempotencyKey("key-crash")

	_, err = svc.Purchase(ctx, params)

	// The target's version already moved, so the retry fails
	// deterministically instead of double-spending.
	var stale *service.StaleDataError
	require.ErrorAs(t, err, &stale)

	balance, err := repo.GetUserByID(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), balance.Balance)
}

func TestPurchaseConcurrentSameVersion(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	const numBuyers = 8

	target := seedUser(t, repo, "hot", 0, 10000)

	buyers := make([]*models.User, numBuyers)
	for i := range buyers {
		buyers[i] = seedUser(t, repo, fmt.Sprintf("bidder%d", i), 50000, 10000)
	}

	errs := make(chan error, numBuyers)
	var wg sync.WaitGroup

	for i, buyer := range buyers {
		wg.Add(1)
		go func(i int, buyer *models.User) {
			defer wg.Done()
			_, err := svc.Purchase(ctx, buyParams(buyer, target, fmt.Sprintf("race-key-%d", i)))
			errs <- err
		}(i, buyer)
	}

	wg.Wait()
	close(errs)

	var successes, stale int
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		var staleErr *service.StaleDataError
		if assert.ErrorAs(t, err, &staleErr) {
			stale++
		}
	}

	// Exactly one of the competing buyers may win the pre-purchase version.
	assert.Equal(t, 1, successes)
	assert.Equal(t, numBuyers-1, stale)

	updated, err := repo.GetUserByID(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, int64(1), updated.PurchaseCount)
}
