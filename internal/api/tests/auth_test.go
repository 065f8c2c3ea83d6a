package api_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/peoplemarket/server/internal/api/testutils"
	"github.com/peoplemarket/server/internal/models"
)

func TestSignUpAndLogin(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	// Test case 1: Successful signup
	signUpReq := models.SignUpRequest{
		Email:       "newuser@example.com",
		Username:    "newuser",
		Password:    "password123",
		DisplayName: "New User",
	}

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/auth/signup", signUpReq, nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	var signUpResp models.AuthResponse
	err := json.Unmarshal(w.Body.Bytes(), &signUpResp)
	assert.NoError(t, err)
	assert.Equal(t, "success", signUpResp.Status)
	assert.NotEmpty(t, signUpResp.UserID)

	// Test case 2: Duplicate email
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/auth/signup", signUpReq, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Test case 3: Invalid request (short password)
	invalidReq := models.SignUpRequest{
		Email:       "short@example.com",
		Username:    "shorty",
		Password:    "short",
		DisplayName: "Short",
	}
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/auth/signup", invalidReq, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Test case 4: Successful login
	loginReq := models.LoginRequest{
		Email:    "newuser@example.com",
		Password: "password123",
	}
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/auth/login", loginReq, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var loginResp models.AuthResponse
	err = json.Unmarshal(w.Body.Bytes(), &loginResp)
	assert.NoError(t, err)
	assert.NotEmpty(t, loginResp.Token)

	// Test case 5: Wrong password
	loginReq.Password = "wrong-password"
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/auth/login", loginReq, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Test case 6: Protected route without a token
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/users/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Test case 7: Protected route with the issued token
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/users/me", nil, testutils.AuthHeaders(loginResp.Token))
	assert.Equal(t, http.StatusOK, w.Code)
}
