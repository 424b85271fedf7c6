package escrow

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/atomicswap/internal/swap"
	"github.com/mbd888/atomicswap/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/accounts/:address/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/destination", h.CreateDestination)
	r.POST("/escrows/:id/withdraw", h.Withdraw)
	r.POST("/escrows/:id/public-withdraw", h.PublicWithdraw)
	r.POST("/escrows/:id/cancel", h.Cancel)
}

// ImmutablesRequest is the wire form of escrow parameters. Amounts are
// base-unit decimal strings.
type ImmutablesRequest struct {
	OrderHash             string `json:"order_hash" binding:"required"`
	Hashlock              string `json:"hashlock" binding:"required"`
	Maker                 string `json:"maker" binding:"required"`
	Taker                 string `json:"taker" binding:"required"`
	Amount                string `json:"amount" binding:"required"`
	SafetyDeposit         string `json:"safety_deposit" binding:"required"`
	DeployedAt            uint64 `json:"deployed_at"`
	WithdrawalAfter       uint64 `json:"withdrawal_after" binding:"required"`
	PublicWithdrawalAfter uint64 `json:"public_withdrawal_after" binding:"required"`
	CancellationAfter     uint64 `json:"cancellation_after" binding:"required"`
}

func (r ImmutablesRequest) validate() validation.ValidationErrors {
	return validation.Validate(
		validation.ValidHash("order_hash", r.OrderHash),
		validation.ValidHash("hashlock", r.Hashlock),
		validation.ValidAddress("maker", r.Maker),
		validation.ValidAddress("taker", r.Taker),
		validation.ValidAmount("amount", r.Amount),
		validation.ValidAmount("safety_deposit", r.SafetyDeposit),
	)
}

func (r ImmutablesRequest) toImmutables() (swap.Immutables, error) {
	var im swap.Immutables
	var err error
	if im.OrderHash, err = swap.ParseHash(r.OrderHash); err != nil {
		return im, err
	}
	if im.Hashlock, err = swap.ParseHash(r.Hashlock); err != nil {
		return im, err
	}
	im.Maker = swap.NormalizeAddress(r.Maker)
	im.Taker = swap.NormalizeAddress(r.Taker)
	if im.Amount, err = swap.ParseAmount(r.Amount); err != nil {
		return im, err
	}
	if im.SafetyDeposit, err = swap.ParseAmount(r.SafetyDeposit); err != nil {
		return im, err
	}
	im.Timelocks = swap.Timelocks{
		DeployedAt:            r.DeployedAt,
		WithdrawalAfter:       r.WithdrawalAfter,
		PublicWithdrawalAfter: r.PublicWithdrawalAfter,
		CancellationAfter:     r.CancellationAfter,
	}
	return im, nil
}

// CreateDestinationRequest creates a destination-side escrow.
type CreateDestinationRequest struct {
	Immutables            ImmutablesRequest `json:"immutables" binding:"required"`
	SrcCancellationHeight uint64            `json:"src_cancellation_height" binding:"required"`
}

// WithdrawRequest completes an escrow by revealing the secret.
type WithdrawRequest struct {
	Immutables ImmutablesRequest `json:"immutables" binding:"required"`
	Secret     string            `json:"secret" binding:"required"`
}

// CancelRequest unwinds an escrow after its cancellation window opens.
type CancelRequest struct {
	Immutables ImmutablesRequest `json:"immutables" binding:"required"`
}

// CreateDestination handles POST /v1/escrows/destination
func (h *Handler) CreateDestination(c *gin.Context) {
	var req CreateDestinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := req.Immutables.validate(); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	im, err := req.Immutables.toImmutables()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	caller := c.GetString("authAccountAddr")
	htlc, err := h.engine.CreateDestination(c.Request.Context(), caller, im, req.SrcCancellationHeight)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": htlc})
}

// Withdraw handles POST /v1/escrows/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	h.withdraw(c, false)
}

// PublicWithdraw handles POST /v1/escrows/:id/public-withdraw
func (h *Handler) PublicWithdraw(c *gin.Context) {
	h.withdraw(c, true)
}

func (h *Handler) withdraw(c *gin.Context, public bool) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := req.Immutables.validate(); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	im, err := req.Immutables.toImmutables()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	secret, err := hex.DecodeString(strings.TrimPrefix(req.Secret, "0x"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "secret must be hex-encoded",
		})
		return
	}

	caller := c.GetString("authAccountAddr")
	var htlc *swap.Htlc
	if public {
		htlc, err = h.engine.PublicWithdraw(c.Request.Context(), caller, im, secret)
	} else {
		htlc, err = h.engine.Withdraw(c.Request.Context(), caller, im, secret)
	}
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": htlc})
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := req.Immutables.validate(); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	im, err := req.Immutables.toImmutables()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	caller := c.GetString("authAccountAddr")
	htlc, err := h.engine.Cancel(c.Request.Context(), caller, im)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": htlc})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, err := swap.ParseHash(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrow ID must be a 32-byte hex hash",
		})
		return
	}

	htlc, err := h.engine.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrHtlcDoesNotExist) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": htlc})
}

// ListEscrows handles GET /v1/accounts/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
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

	escrows, err := h.engine.ListByAccount(c.Request.Context(), address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// respondEngineError maps engine sentinel errors to HTTP statuses.
func respondEngineError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrHtlcDoesNotExist):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrHtlcAlreadyExists):
		status, code = http.StatusConflict, "already_exists"
	case errors.Is(err, ErrHtlcNotActive):
		status, code = http.StatusConflict, "not_active"
	case errors.Is(err, ErrInvalidCaller):
		status, code = http.StatusForbidden, "invalid_caller"
	case errors.Is(err, ErrInvalidImmutables),
		errors.Is(err, ErrInvalidSecret),
		errors.Is(err, ErrInvalidTimelocks),
		errors.Is(err, ErrHigherSafetyDepositRequired):
		status, code = http.StatusBadRequest, "invalid_parameters"
	case errors.Is(err, ErrInsufficientBalance):
		status, code = http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, ErrEarlyWithdrawal),
		errors.Is(err, ErrLateWithdrawal),
		errors.Is(err, ErrEarlyPublicWithdrawal),
		errors.Is(err, ErrLatePublicWithdrawal),
		errors.Is(err, ErrEarlyCancellation):
		status, code = http.StatusUnprocessableEntity, "window_closed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
