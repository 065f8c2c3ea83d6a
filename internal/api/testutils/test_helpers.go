package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"

	"github.com/peoplemarket/server/internal/api"
	"github.com/peoplemarket/server/internal/config"
	"github.com/peoplemarket/server/internal/economy"
	"github.com/peoplemarket/server/internal/events"
	"github.com/peoplemarket/server/internal/models"
	"github.com/peoplemarket/server/internal/repository"
	"github.com/peoplemarket/server/internal/service"
	"github.com/peoplemarket/server/internal/utils"
)

// TestContext holds all dependencies for tests
type TestContext struct {
	Router     *gin.Engine
	Repository *repository.PostgresRepository
	Service    service.Service
	JWTSecret  []byte
	DB         *sqlx.DB
}

// SetupTestContext creates a new test context with initialized dependencies.
// Skips the calling test when the test database is unreachable.
func SetupTestContext(t *testing.T) *TestContext {
	// Load configuration from environment
	cfg := config.LoadConfig()

	// Override with test-specific config
	if cfg.Database.TestDBName != "" {
		cfg.Database.DBName = cfg.Database.TestDBName
	} else {
		cfg.Database.DBName = "peoplemarket_test"
	}

	// Use a test JWT secret
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "test-secret-key"
	}

	// Set up database
	db, err := config.SetupDatabase(cfg)
	if err != nil {
		t.Skipf("Skipping: test database unavailable: %v", err)
	}

	// Create repository; it doubles as the idempotency store in tests
	repo := repository.NewPostgresRepository(db)

	// Create service
	svc := service.NewDefaultService(repo, repo, events.NoopPublisher{}, utils.NewLogger(), cfg.Auth.JWTSecret)

	// Create API handler
	handler := api.NewHandler(svc, []byte(cfg.Auth.JWTSecret))

	// Set up Gin router
	gin.SetMode(gin.TestMode)
	router := gin.Default()
	handler.SetupRoutes(router)

	testCtx := &TestContext{
		Router:     router,
		Repository: repo,
		Service:    svc,
		JWTSecret:  []byte(cfg.Auth.JWTSecret),
		DB:         db,
	}

	cleanupTestDatabase(t, testCtx)

	return testCtx
}

// CleanupTestContext cleans up test resources
func CleanupTestContext(t *TestContext) {
	if t.DB != nil {
		cleanupTestDatabase(nil, t)
		t.DB.Close()
	}
}

// cleanupTestDatabase removes any existing test data
func cleanupTestDatabase(t *testing.T, testCtx *TestContext) {
	// Order matters because of foreign keys
	tables := []string{"idempotency_keys", "notifications", "ledger_entries", "transactions"}
	for _, table := range tables {
		_, err := testCtx.DB.Exec("DELETE FROM " + table)
		if t != nil && err != nil {
			t.Logf("Warning: Failed to clean %s: %v", table, err)
		}
	}

	// Break ownership references before deleting users
	_, err := testCtx.DB.Exec("UPDATE users SET owner_id = NULL")
	if t != nil && err != nil {
		t.Logf("Warning: Failed to clear owners: %v", err)
	}
	_, err = testCtx.DB.Exec("DELETE FROM users")
	if t != nil && err != nil {
		t.Logf("Warning: Failed to clean users: %v", err)
	}
}

// CreateTestUser inserts a user with the given balance/price and returns the
// user and a valid JWT for them.
func (testCtx *TestContext) CreateTestUser(t *testing.T, username string, balance, price int64) (*models.User, string) {
	hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("testpassword"), bcrypt.DefaultCost)

	user := &models.User{
		ID:          uuid.New().String(),
		Email:       username + "@example.com",
		Username:    username,
		DisplayName: "Test " + username,
		Password:    string(hashedPassword),
		Balance:     balance,
		Price:       price,
		Version:     1,
	}

	err := testCtx.Repository.CreateUser(context.Background(), user)
	assert.NoError(t, err, "Failed to create test user")

	// Generate JWT token with the test secret
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": user.ID,
		"exp": time.Now().Add(24 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	})

	tokenString, err := token.SignedString(testCtx.JWTSecret)
	assert.NoError(t, err, "Failed to generate JWT token")

	return user, tokenString
}

// CreateFundedUser is CreateTestUser with the standard starting amounts.
func (testCtx *TestContext) CreateFundedUser(t *testing.T, username string) (*models.User, string) {
	return testCtx.CreateTestUser(t, username, economy.StartingBalance, economy.StartingPrice)
}

// PerformRequest executes an HTTP request against the router
func PerformRequest(r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer

	if body != nil {
		jsonBody, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBody)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// AuthHeaders returns headers with Authorization token
func AuthHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	}
}
