package custody

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/atomicswap/internal/pagination"
	"github.com/mbd888/atomicswap/internal/swap"
	"github.com/mbd888/atomicswap/internal/validation"
)

// BalanceEmitter receives balance-change notifications for external feeds.
type BalanceEmitter interface {
	EmitDeposit(accountAddr, amount, newBalance string)
	EmitWithdraw(accountAddr, amount, newBalance string)
}

// Handler provides HTTP endpoints for custody balances.
type Handler struct {
	ledger       *Ledger
	faucetAmount *big.Int // nil disables the faucet
	events       BalanceEmitter
}

// NewHandler creates a custody handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// WithFaucet enables the dev faucet crediting the given amount per request.
func (h *Handler) WithFaucet(amount *big.Int) *Handler {
	h.faucetAmount = amount
	return h
}

// WithEvents attaches a balance event emitter.
func (h *Handler) WithEvents(ev BalanceEmitter) *Handler {
	h.events = ev
	return h
}

// RegisterRoutes sets up public (read-only) custody routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address/balance", h.GetBalance)
	r.GET("/accounts/:address/holds", h.GetHolds)
	r.GET("/accounts/:address/history", h.GetHistory)
}

// GetBalance handles GET /accounts/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	addr := swap.NormalizeAddress(c.Param("address"))

	balance, err := h.ledger.Balance(c.Request.Context(), addr)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			// An account that never transacted is an empty account, not a 404
			c.JSON(http.StatusOK, gin.H{
				"balance": Balance{Address: addr, Free: "0", OnHold: "0"},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetHolds handles GET /accounts/:address/holds. Zero holds are omitted.
func (h *Handler) GetHolds(c *gin.Context) {
	addr := swap.NormalizeAddress(c.Param("address"))

	holds := gin.H{}
	for _, reason := range []Reason{ReasonSwapAmount, ReasonSafetyDeposit, ReasonIntentAmount} {
		amt, err := h.ledger.BalanceOnHold(c.Request.Context(), reason, addr)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to get holds",
			})
			return
		}
		if amt.Sign() > 0 {
			holds[string(reason)] = amt.String()
		}
	}

	c.JSON(http.StatusOK, gin.H{"address": addr, "holds": holds})
}

// GetHistory handles GET /accounts/:address/history
func (h *Handler) GetHistory(c *gin.Context) {
	addr := swap.NormalizeAddress(c.Param("address"))

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	var beforeID int64
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not valid",
		})
		return
	}
	if cursor != nil {
		beforeID, err = strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "cursor is not valid",
			})
			return
		}
	}

	// Fetch one extra row to know whether another page exists.
	entries, err := h.ledger.History(c.Request.Context(), addr, beforeID, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get history",
		})
		return
	}

	entries, nextCursor, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, strconv.FormatInt(e.ID, 10)
	})

	c.JSON(http.StatusOK, gin.H{
		"history":    entries,
		"count":      len(entries),
		"nextCursor": nextCursor,
		"hasMore":    hasMore,
	})
}

// amountRequest is the body for deposit and withdraw operations.
type amountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Withdraw handles POST /accounts/:address/withdraw. The route must be
// guarded by ownership middleware.
func (h *Handler) Withdraw(c *gin.Context) {
	addr := swap.NormalizeAddress(c.Param("address"))

	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, err := swap.ParseAmount(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive integer in base units",
		})
		return
	}

	if err := h.ledger.Withdraw(c.Request.Context(), addr, amount); err != nil {
		if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "insufficient_balance",
				"message": "Free balance is lower than the requested amount",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Withdrawal failed",
		})
		return
	}

	h.emitAfterChange(c, addr, req.Amount, false)

	c.JSON(http.StatusOK, gin.H{
		"status":  "withdrawn",
		"address": addr,
		"amount":  amount.String(),
	})
}

// DepositRequest credits an account. Admin / faucet use only.
type DepositRequest struct {
	Address string `json:"address" binding:"required"`
	Amount  string `json:"amount"` // optional when the faucet amount applies
}

// RecordDeposit handles POST /admin/deposits. In production this is driven
// by an indexer confirming on-chain deposits; in demo mode it doubles as
// the faucet.
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid address (0x + 40 hex chars)",
		})
		return
	}
	addr := swap.NormalizeAddress(req.Address)

	var amount *big.Int
	switch {
	case req.Amount != "":
		parsed, err := swap.ParseAmount(req.Amount)
		if err != nil || parsed.Sign() <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "amount must be a positive integer in base units",
			})
			return
		}
		amount = parsed
	case h.faucetAmount != nil:
		amount = new(big.Int).Set(h.faucetAmount)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount is required",
		})
		return
	}

	if err := h.ledger.Deposit(c.Request.Context(), addr, amount); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Deposit failed",
		})
		return
	}

	h.emitAfterChange(c, addr, amount.String(), true)

	c.JSON(http.StatusOK, gin.H{
		"status":  "credited",
		"address": addr,
		"amount":  amount.String(),
	})
}

func (h *Handler) emitAfterChange(c *gin.Context, addr, amount string, deposit bool) {
	if h.events == nil {
		return
	}
	newBalance := ""
	if b, err := h.ledger.Balance(c.Request.Context(), addr); err == nil {
		newBalance = b.Free
	}
	if deposit {
		h.events.EmitDeposit(addr, amount, newBalance)
	} else {
		h.events.EmitWithdraw(addr, amount, newBalance)
	}
}
