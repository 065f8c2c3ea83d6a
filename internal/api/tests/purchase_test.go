package api_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peoplemarket/server/internal/api/testutils"
	"github.com/peoplemarket/server/internal/models"
)

func TestPurchaseEndToEnd(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	buyer, buyerToken := testCtx.CreateTestUser(t, "buyer", 15000, 10000)
	target, _ := testCtx.CreateTestUser(t, "target", 0, 10000)

	purchaseReq := models.PurchaseRequest{
		TargetID:        target.ID,
		ExpectedPrice:   10000,
		ExpectedOwnerID: nil,
		ExpectedVersion: 1,
		IdempotencyKey:  "http-test-key-1",
	}

	w := testutils.PerformRequest(
		testCtx.Router,
		http.MethodPost,
		"/api/transactions/purchase",
		purchaseReq,
		testutils.AuthHeaders(buyerToken),
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.PurchaseResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, int64(5000), resp.BuyerBalance)
	assert.Equal(t, int64(10000), resp.Transaction.Price)
	assert.Equal(t, int64(1000), resp.Transaction.TargetBonus)
	assert.Equal(t, buyer.ID, resp.Transaction.Buyer.ID)
	assert.Equal(t, target.ID, resp.Transaction.Target.ID)
	assert.Equal(t, int64(15000), resp.Transaction.Target.NewPrice)

	// Replaying the same idempotency key returns the same transaction and
	// deducts nothing further.
	w = testutils.PerformRequest(
		testCtx.Router,
		http.MethodPost,
		"/api/transactions/purchase",
		purchaseReq,
		testutils.AuthHeaders(buyerToken),
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var replay models.PurchaseResponse
	err = json.Unmarshal(w.Body.Bytes(), &replay)
	require.NoError(t, err)
	assert.Equal(t, resp.Transaction.ID, replay.Transaction.ID)
	assert.Equal(t, int64(5000), replay.BuyerBalance)
}

func TestPurchaseErrorMapping(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	_, buyerToken := testCtx.CreateTestUser(t, "mapper", 9999, 10000)
	target, _ := testCtx.CreateTestUser(t, "mapped", 0, 10000)

	// Insufficient funds: 400 with balance/price details
	w := testutils.PerformRequest(
		testCtx.Router,
		http.MethodPost,
		"/api/transactions/purchase",
		models.PurchaseRequest{
			TargetID:        target.ID,
			ExpectedPrice:   10000,
			ExpectedVersion: 1,
			IdempotencyKey:  "map-key-1",
		},
		testutils.AuthHeaders(buyerToken),
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var errResp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "INSUFFICIENT_FUNDS", errResp.Code)
	assert.EqualValues(t, 9999, errResp.Details["balance"])
	assert.EqualValues(t, 10000, errResp.Details["price"])

	// Stale version: 409 with the current view
	w = testutils.PerformRequest(
		testCtx.Router,
		http.MethodPost,
		"/api/transactions/purchase",
		models.PurchaseRequest{
			TargetID:        target.ID,
			ExpectedPrice:   10000,
			ExpectedVersion: 99,
			IdempotencyKey:  "map-key-2",
		},
		testutils.AuthHeaders(buyerToken),
	)
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "STALE_DATA", errResp.Code)
	assert.EqualValues(t, 1, errResp.Details["currentVersion"])

	// Unknown target: 404
	w = testutils.PerformRequest(
		testCtx.Router,
		http.MethodPost,
		"/api/transactions/purchase",
		models.PurchaseRequest{
			TargetID:        "does-not-exist",
			ExpectedPrice:   10000,
			ExpectedVersion: 1,
			IdempotencyKey:  "map-key-3",
		},
		testutils.AuthHeaders(buyerToken),
	)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Missing idempotency key: 400 before anything executes
	w = testutils.PerformRequest(
		testCtx.Router,
		http.MethodPost,
		"/api/transactions/purchase",
		models.PurchaseRequest{
			TargetID:        target.ID,
			ExpectedPrice:   10000,
			ExpectedVersion: 1,
		},
		testutils.AuthHeaders(buyerToken),
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
