package intent

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/atomicswap/internal/custody"
	"github.com/mbd888/atomicswap/internal/escrow"
	"github.com/mbd888/atomicswap/internal/swap"
	"github.com/mbd888/atomicswap/internal/validation"
)

// Handler provides HTTP endpoints for swap intents.
type Handler struct {
	service *Service
}

// NewHandler creates a new intent handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) intent routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/intents/:key", h.GetIntent)
	r.GET("/accounts/:address/intents", h.ListIntents)
}

// RegisterProtectedRoutes sets up protected (auth-required) intent routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/intents", h.CreateIntent)
	r.POST("/intents/:nonce/cancel", h.CancelIntent)
	r.POST("/intents/fulfill", h.FulfillIntent)
}

// CreateIntentRequest registers a swap intent for the authenticated maker.
type CreateIntentRequest struct {
	Hashlock          string `json:"hashlock" binding:"required"`
	SrcAmount         string `json:"src_amount" binding:"required"`
	DstAmount         string `json:"dst_amount" binding:"required"`
	DstAddress        string `json:"dst_address" binding:"required"`
	TimeoutAfterBlock uint64 `json:"timeout_after_block" binding:"required"`
	Nonce             uint64 `json:"nonce"`
}

// FulfillIntentRequest lets the authenticated resolver take an intent.
type FulfillIntentRequest struct {
	Maker                 string `json:"maker" binding:"required"`
	Nonce                 uint64 `json:"nonce"`
	SafetyDeposit         string `json:"safety_deposit" binding:"required"`
	WithdrawalAfter       uint64 `json:"withdrawal_after" binding:"required"`
	PublicWithdrawalAfter uint64 `json:"public_withdrawal_after" binding:"required"`
	CancellationAfter     uint64 `json:"cancellation_after" binding:"required"`
}

// CreateIntent handles POST /v1/intents
func (h *Handler) CreateIntent(c *gin.Context) {
	var req CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidHash("hashlock", req.Hashlock),
		validation.ValidAmount("src_amount", req.SrcAmount),
		validation.ValidAmount("dst_amount", req.DstAmount),
		validation.Required("dst_address", req.DstAddress),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	hashlock, err := swap.ParseHash(req.Hashlock)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	srcAmount, err := swap.ParseAmount(req.SrcAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	dstAmount, err := swap.ParseAmount(req.DstAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	si, err := h.service.Create(c.Request.Context(), swap.SwapIntent{
		Hashlock:          hashlock,
		Maker:             c.GetString("authAccountAddr"),
		SrcAmount:         srcAmount,
		DstAmount:         dstAmount,
		DstAddress:        req.DstAddress,
		TimeoutAfterBlock: req.TimeoutAfterBlock,
		Nonce:             req.Nonce,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"intent": si})
}

// CancelIntent handles POST /v1/intents/:nonce/cancel
func (h *Handler) CancelIntent(c *gin.Context) {
	nonce, err := strconv.ParseUint(c.Param("nonce"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "nonce must be an unsigned integer",
		})
		return
	}

	si, err := h.service.Cancel(c.Request.Context(), c.GetString("authAccountAddr"), nonce)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": si})
}

// FulfillIntent handles POST /v1/intents/fulfill
func (h *Handler) FulfillIntent(c *gin.Context) {
	var req FulfillIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("maker", req.Maker),
		validation.ValidAmount("safety_deposit", req.SafetyDeposit),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	deposit, err := swap.ParseAmount(req.SafetyDeposit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	si, htlc, err := h.service.Fulfill(c.Request.Context(), c.GetString("authAccountAddr"), FulfillParams{
		Maker:                 req.Maker,
		Nonce:                 req.Nonce,
		SafetyDeposit:         deposit,
		WithdrawalAfter:       req.WithdrawalAfter,
		PublicWithdrawalAfter: req.PublicWithdrawalAfter,
		CancellationAfter:     req.CancellationAfter,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"intent": si, "escrow": htlc})
}

// GetIntent handles GET /v1/intents/:key
func (h *Handler) GetIntent(c *gin.Context) {
	key, err := swap.ParseHash(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "intent key must be a 32-byte hex hash",
		})
		return
	}

	si, err := h.service.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, ErrIntentDoesNotExist) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Intent not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": si})
}

// ListIntents handles GET /v1/accounts/:address/intents
func (h *Handler) ListIntents(c *gin.Context) {
	address := c.Param("address")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	intents, err := h.service.ListByMaker(c.Request.Context(), address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": intents, "count": len(intents)})
}

// respondServiceError maps service sentinel errors to HTTP statuses,
// including escrow errors surfaced through Fulfill.
func respondServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrIntentDoesNotExist):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrIntentAlreadyExists):
		status, code = http.StatusConflict, "already_exists"
	case errors.Is(err, ErrIntentNotActive):
		status, code = http.StatusConflict, "not_active"
	case errors.Is(err, ErrIntentExpired):
		status, code = http.StatusConflict, "expired"
	case errors.Is(err, ErrInvalidCaller):
		status, code = http.StatusForbidden, "invalid_caller"
	case errors.Is(err, ErrInvalidTimeout),
		errors.Is(err, escrow.ErrInvalidTimelocks),
		errors.Is(err, escrow.ErrHigherSafetyDepositRequired),
		errors.Is(err, custody.ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_parameters"
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, escrow.ErrInsufficientBalance):
		status, code = http.StatusPaymentRequired, "insufficient_balance"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
