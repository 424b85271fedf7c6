// Package escrow implements the HTLC escrow state machine.
//
// Lifecycle: Active → Completed (withdraw or public withdraw) or
// Active → Cancelled (cancel). Terminal records are retained forever as
// audit state and never transition again.
//
// The three-tier timelock gives the taker an exclusive window to complete
// the swap, then opens a public-rescue window where anyone holding the
// secret can force completion and claim the safety deposit, and finally
// allows a full unwind once cancellation_after is reached.
package escrow

import (
	"context"
	"errors"
	"math/big"

	"github.com/mbd888/atomicswap/internal/custody"
	"github.com/mbd888/atomicswap/internal/swap"
)

var (
	ErrHtlcAlreadyExists           = errors.New("htlc already exists")
	ErrHtlcDoesNotExist            = errors.New("htlc does not exist")
	ErrHtlcNotActive               = errors.New("htlc is not active")
	ErrInvalidImmutables           = errors.New("provided immutables do not match the stored escrow")
	ErrInvalidSecret               = errors.New("secret does not hash to the stored hashlock")
	ErrInvalidCaller               = errors.New("invalid caller for this operation")
	ErrInvalidTimelocks            = errors.New("invalid timelock configuration")
	ErrHigherSafetyDepositRequired = errors.New("safety deposit below required minimum")
	ErrInsufficientBalance         = errors.New("insufficient balance to fund the escrow")
	ErrEarlyWithdrawal             = errors.New("withdrawal window not yet open")
	ErrLateWithdrawal              = errors.New("withdrawal window already closed")
	ErrEarlyPublicWithdrawal       = errors.New("public withdrawal window not yet open")
	ErrLatePublicWithdrawal        = errors.New("public withdrawal window already closed")
	ErrEarlyCancellation           = errors.New("cancellation window not yet open")
)

// Store is the escrow registry: the single source of truth for swap state.
// Only the engine writes to it.
type Store interface {
	// Create inserts a new record, failing with ErrHtlcAlreadyExists when
	// the ID is taken.
	Create(ctx context.Context, h *swap.Htlc) error
	// Get returns the record or ErrHtlcDoesNotExist.
	Get(ctx context.Context, id swap.Hash) (*swap.Htlc, error)
	// UpdateStatus moves a record to a new status.
	UpdateStatus(ctx context.Context, id swap.Hash, status swap.HtlcStatus) error
	// ListByAccount returns escrows where the account is maker or taker.
	ListByAccount(ctx context.Context, addr string, limit int) ([]*swap.Htlc, error)
}

// Custody abstracts the fund ledger so the engine stays portable across
// backends. Satisfied by *custody.Ledger.
type Custody interface {
	Hold(ctx context.Context, reason custody.Reason, account string, amount *big.Int) error
	Release(ctx context.Context, reason custody.Reason, account string, amount *big.Int) error
	Transfer(ctx context.Context, from, to string, amount *big.Int) error
}

// Clock reports the ledger height used to gate timelock windows.
type Clock interface {
	CurrentHeight(ctx context.Context) (uint64, error)
}

// CreatedEvent is emitted once per successful escrow creation.
type CreatedEvent struct {
	ID            swap.Hash     `json:"id"`
	Hashlock      swap.Hash     `json:"hashlock"`
	Maker         string        `json:"maker"`
	Taker         string        `json:"taker"`
	Amount        string        `json:"amount"`
	SafetyDeposit string        `json:"safetyDeposit"`
	Type          swap.HtlcType `json:"type"`
	DeployedAt    uint64        `json:"deployedAt"`
}

// WithdrawnEvent reveals the secret: publishing it is what lets the paired
// escrow on the other ledger be unlocked.
type WithdrawnEvent struct {
	ID                     swap.Hash `json:"id"`
	Secret                 string    `json:"secret"`
	Amount                 string    `json:"amount"`
	Beneficiary            string    `json:"beneficiary"`
	SafetyDepositRecipient string    `json:"safetyDepositRecipient"`
}

// CancelledEvent is emitted once per successful cancellation.
type CancelledEvent struct {
	ID              swap.Hash `json:"id"`
	RefundRecipient string    `json:"refundRecipient"`
}

// Notifier receives one outcome notification per successful call.
// Notifications are side-effect records only; no state transition depends
// on them.
type Notifier interface {
	EscrowCreated(ctx context.Context, e CreatedEvent)
	EscrowWithdrawn(ctx context.Context, e WithdrawnEvent)
	EscrowCancelled(ctx context.Context, e CancelledEvent)
}

// IntentTracker lets the engine advance the lifecycle of the swap intent a
// source escrow was created from, keyed by the escrow's order hash.
type IntentTracker interface {
	SourceEscrowCompleted(ctx context.Context, intentKey swap.Hash)
	SourceEscrowCancelled(ctx context.Context, intentKey swap.Hash)
}

type noopNotifier struct{}

func (noopNotifier) EscrowCreated(context.Context, CreatedEvent)     {}
func (noopNotifier) EscrowWithdrawn(context.Context, WithdrawnEvent) {}
func (noopNotifier) EscrowCancelled(context.Context, CancelledEvent) {}
