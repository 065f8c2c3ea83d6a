package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peoplemarket/server/internal/economy"
	"github.com/peoplemarket/server/internal/models"
	"github.com/peoplemarket/server/internal/repository"
	"github.com/peoplemarket/server/internal/service"
)

// Handler holds the service and exposes the HTTP surface
type Handler struct {
	service   service.Service
	jwtSecret []byte
}

// NewHandler creates a new API handler
func NewHandler(svc service.Service, jwtSecret []byte) *Handler {
	return &Handler{service: svc, jwtSecret: jwtSecret}
}

// SetupRoutes registers all API routes on the router
func (h *Handler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/signup", h.SignUp)
			auth.POST("/login", h.Login)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(h.jwtSecret))
		{
			protected.GET("/users", h.ListUsers)
			protected.GET("/users/me", h.GetMe)
			protected.GET("/users/username/:username", h.GetUserByUsername)

			protected.POST("/transactions/purchase", h.Purchase)

			protected.GET("/notifications", h.GetNotifications)
			protected.POST("/notifications/:id/read", h.MarkNotificationRead)

			protected.GET("/ledger", h.GetLedger)
		}
	}
}

func (h *Handler) SignUp(c *gin.Context) {
	var req models.SignUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Status:  "error",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	resp, err := h.service.SignUp(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrEmailTaken) || errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, models.ErrorResponse{
				Status:  "error",
				Code:    "ALREADY_EXISTS",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Status:  "error",
			Code:    "INTERNAL_ERROR",
			Message: "Failed to create account",
		})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Status:  "error",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	resp, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{
				Status:  "error",
				Code:    "UNAUTHORIZED",
				Message: "Invalid email or password",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Status:  "error",
			Code:    "INTERNAL_ERROR",
			Message: "Failed to log in",
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Purchase handles POST /api/transactions/purchase. The buyer identity
// comes from the session; everything else from the body.
func (h *Handler) Purchase(c *gin.Context) {
	userID := c.MustGet("userId").(string)

	var req models.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Status:  "error",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	result, err := h.service.Purchase(c.Request.Context(), service.PurchaseParams{
		BuyerID:         userID,
		TargetID:        req.TargetID,
		ExpectedPrice:   req.ExpectedPrice,
		ExpectedOwnerID: req.ExpectedOwnerID,
		ExpectedVersion: req.ExpectedVersion,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		h.writePurchaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.PurchaseResponse{
		Success: true,
		Transaction: models.PurchaseTransactionPayload{
			ID:          result.Transaction.ID,
			Price:       result.Transaction.Price,
			TargetBonus: result.Transaction.TargetBonus,
			Buyer: models.UserSummary{
				ID:       result.Transaction.BuyerID,
				Username: result.BuyerUsername,
			},
			Target: models.PurchaseTargetField{
				ID:       result.Transaction.TargetID,
				Username: result.TargetUsername,
				NewPrice: result.NewTargetPrice,
			},
		},
		BuyerBalance: result.BuyerBalance,
	})
}

// writePurchaseError maps engine errors to HTTP: 404 for missing users, 409
// for the refresh-and-retry staleness codes, 400 for the rest, 500 for
// infrastructure failures (retryable with the same idempotency key).
func (h *Handler) writePurchaseError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrInvalidPurchaseRequest) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Status:  "error",
			Code:    "INVALID_REQUEST",
			Message: "Invalid purchase request",
		})
		return
	}

	pe, ok := service.AsPurchaseError(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Status:  "error",
			Code:    "INTERNAL_ERROR",
			Message: "Purchase failed, please retry",
		})
		return
	}

	resp := models.ErrorResponse{
		Status: "error",
		Code:   string(pe.Code()),
	}

	// All staleness codes share the 409 refresh-and-retry contract.
	status := http.StatusBadRequest
	if service.IsConflict(pe) {
		status = http.StatusConflict
	}

	switch e := pe.(type) {
	case *service.InsufficientFundsError:
		resp.Message = "You need " + economy.FormatPrice(e.Shortfall()) + " more to buy this person"
		resp.Details = map[string]interface{}{
			"balance": e.Balance,
			"price":   e.Price,
		}
	case *service.StaleDataError:
		resp.Message = "The price or owner has changed. Please refresh and try again."
		resp.Details = map[string]interface{}{
			"currentPrice":   e.CurrentPrice,
			"currentOwner":   e.CurrentOwner,
			"currentVersion": e.CurrentVersion,
		}
	case *service.PriceChangedError:
		resp.Message = "The price or owner has changed. Please refresh and try again."
		resp.Details = map[string]interface{}{
			"currentPrice": e.CurrentPrice,
		}
	case *service.OwnerChangedError:
		resp.Message = "The price or owner has changed. Please refresh and try again."
		resp.Details = map[string]interface{}{
			"currentOwner": e.CurrentOwner,
		}
	default:
		switch pe.Code() {
		case service.CodeUserNotFound:
			status = http.StatusNotFound
			resp.Message = "User not found"
		case service.CodeUserDeactivated:
			resp.Message = "This user is no longer available"
		case service.CodeCannotBuySelf:
			resp.Message = "You can't buy yourself"
		case service.CodeAlreadyOwn:
			resp.Message = "You already own this person"
		default:
			resp.Message = "Purchase failed"
		}
	}

	c.JSON(status, resp)
}

func (h *Handler) ListUsers(c *gin.Context) {
	userID := c.MustGet("userId").(string)

	limit := 20
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}

	resp, err := h.service.ListMarket(c.Request.Context(), userID, repository.ListUsersOptions{
		Sort:   c.DefaultQuery("sort", "newest"),
		Search: c.Query("search"),
		Limit:  limit,
		Cursor: c.Query("cursor"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Status:  "error",
			Code:    "INTERNAL_ERROR",
			Message: "Failed to list users",
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetMe(c *gin.Context) {
	userID := c.MustGet("userId").(string)

	resp, err := h.service.GetProfile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Status:  "error",
				Code:    "NOT_FOUND",
				Message: "User not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Status:  "error",
			Code:    "INTERNAL_ERROR",
			Message: "Failed to load profile",
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetUserByUsername(c *gin.Context) {
	resp, err := h.service.GetPublicProfile(c.Request.Context(), c.Param("username"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Status:  "error",
				Code:    "NOT_FOUND",
				Message: "User not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Status:  "error",
			Code:    "INTERNAL_ERROR",
			Message: "Failed to load profile",
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetNotifications(c *gin.Context) {
	userID := c.MustGet("userId").(string)
	unreadOnly := c.Query("unread") == "true"

	resp, err := h.service.GetNotifications(c.Request.Context(), userID, unreadOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Status:  "error",
			Code:    "INTERNAL_ERROR",
			Message: "Failed to load notifications",
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) MarkNotificationRead(c *gin.Context) {
	userID := c.MustGet("userId").(string)

	err := h.service.MarkNotificationRead(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Status:  "error",
				Code:    "NOT_FOUND",
				Message: "Notification not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Status:  "error",
			Code:    "INTERNAL_ERROR",
			Message: "Failed to update notification",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) GetLedger(c *gin.Context) {
	userID := c.MustGet("userId").(string)

	resp, err := h.service.GetLedger(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Status:  "error",
			Code:    "INTERNAL_ERROR",
			Message: "Failed to load ledger",
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}
