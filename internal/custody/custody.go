// Package custody tracks account balances and reason-tagged holds.
//
// The escrow engine never moves funds directly; it asks custody to
// hold/release/transfer. A hold against a reason is exactly reversible:
// release returns precisely what was held, and the per-(account, reason)
// hold balance always equals the sum of currently-active holds.
package custody

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/atomicswap/internal/swap"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientHold    = errors.New("insufficient held balance for reason")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Reason tags a hold so unrelated holds on the same account never mix.
type Reason string

const (
	ReasonSwapAmount    Reason = "swap_amount"
	ReasonSafetyDeposit Reason = "safety_deposit"
	ReasonIntentAmount  Reason = "intent_amount"
)

// Balance is an account snapshot: spendable funds plus the total on hold.
type Balance struct {
	Address   string    `json:"address"`
	Free      string    `json:"free"`
	OnHold    string    `json:"onHold"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one line of the immutable custody journal.
type Entry struct {
	ID           int64     `json:"id"`
	Address      string    `json:"address"`
	Kind         string    `json:"kind"` // deposit, withdraw, hold, release, transfer_in, transfer_out
	Reason       string    `json:"reason,omitempty"`
	Amount       string    `json:"amount"`
	Counterparty string    `json:"counterparty,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists balances, holds and the journal.
type Store interface {
	Deposit(ctx context.Context, addr string, amount *big.Int) error
	Withdraw(ctx context.Context, addr string, amount *big.Int) error
	Hold(ctx context.Context, reason Reason, addr string, amount *big.Int) error
	Release(ctx context.Context, reason Reason, addr string, amount *big.Int) error
	Transfer(ctx context.Context, from, to string, amount *big.Int) error
	Balance(ctx context.Context, addr string) (*Balance, error)
	BalanceOnHold(ctx context.Context, reason Reason, addr string) (*big.Int, error)
	History(ctx context.Context, addr string, beforeID int64, limit int) ([]*Entry, error)
}

// Ledger wraps a Store with validation, metrics and logging.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a custody ledger over the given store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 || amount.BitLen() > 128 {
		return ErrInvalidAmount
	}
	return nil
}

// Deposit credits an account's free balance.
func (l *Ledger) Deposit(ctx context.Context, addr string, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	defer observeOp("deposit")()
	return l.store.Deposit(ctx, swap.NormalizeAddress(addr), amount)
}

// Withdraw debits an account's free balance.
func (l *Ledger) Withdraw(ctx context.Context, addr string, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	defer observeOp("withdraw")()
	return l.store.Withdraw(ctx, swap.NormalizeAddress(addr), amount)
}

// Hold moves free balance into the account's hold bucket for the reason.
func (l *Ledger) Hold(ctx context.Context, reason Reason, addr string, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	defer observeOp("hold")()
	addr = swap.NormalizeAddress(addr)
	if err := l.store.Hold(ctx, reason, addr, amount); err != nil {
		return err
	}
	heldGauge.WithLabelValues(string(reason)).Add(amountF64(amount))
	l.logger.Debug("funds held", "account", addr, "reason", reason, "amount", amount.String())
	return nil
}

// Release returns held funds to the account's free balance. Fails if less
// than amount is currently held under the reason.
func (l *Ledger) Release(ctx context.Context, reason Reason, addr string, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	defer observeOp("release")()
	addr = swap.NormalizeAddress(addr)
	if err := l.store.Release(ctx, reason, addr, amount); err != nil {
		return err
	}
	heldGauge.WithLabelValues(string(reason)).Sub(amountF64(amount))
	l.logger.Debug("funds released", "account", addr, "reason", reason, "amount", amount.String())
	return nil
}

// Transfer moves free balance between accounts.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	defer observeOp("transfer")()
	return l.store.Transfer(ctx, swap.NormalizeAddress(from), swap.NormalizeAddress(to), amount)
}

// Balance returns an account snapshot. Unknown accounts read as zero.
func (l *Ledger) Balance(ctx context.Context, addr string) (*Balance, error) {
	return l.store.Balance(ctx, swap.NormalizeAddress(addr))
}

// BalanceOnHold returns the amount held for one reason on one account.
func (l *Ledger) BalanceOnHold(ctx context.Context, reason Reason, addr string) (*big.Int, error) {
	return l.store.BalanceOnHold(ctx, reason, swap.NormalizeAddress(addr))
}

// History returns journal entries for an account, newest first. A non-zero
// beforeID restricts the page to entries older than that journal ID.
func (l *Ledger) History(ctx context.Context, addr string, beforeID int64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, swap.NormalizeAddress(addr), beforeID, limit)
}
