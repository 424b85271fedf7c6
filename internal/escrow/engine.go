package escrow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/mbd888/atomicswap/internal/custody"
	"github.com/mbd888/atomicswap/internal/swap"
	"github.com/mbd888/atomicswap/internal/syncutil"
	"github.com/mbd888/atomicswap/internal/traces"
)

// Engine validates and executes escrow transitions. All validation happens
// before any custody mutation; if a later step fails, earlier holds are
// compensated so partial application is never observable.
type Engine struct {
	store      Store
	funds      Custody
	clock      Clock
	notifier   Notifier
	intents    IntentTracker
	minDeposit *big.Int
	logger     *slog.Logger
	locks      syncutil.KeyedContextMutex
}

// NewEngine creates an escrow engine. minDeposit is the smallest safety
// deposit accepted for new escrows.
func NewEngine(store Store, funds Custody, clock Clock, minDeposit *big.Int, logger *slog.Logger) *Engine {
	if minDeposit == nil {
		minDeposit = new(big.Int)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		funds:      funds,
		clock:      clock,
		notifier:   noopNotifier{},
		minDeposit: minDeposit,
		logger:     logger,
	}
}

// WithNotifier sets the outcome notification sink.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	if n != nil {
		e.notifier = n
	}
	return e
}

// WithIntentTracker wires the intent lifecycle callback used when source
// escrows reach a terminal state.
func (e *Engine) WithIntentTracker(t IntentTracker) *Engine {
	e.intents = t
	return e
}

func mapCustodyErr(err error) error {
	if errors.Is(err, custody.ErrInsufficientBalance) {
		return ErrInsufficientBalance
	}
	// The ledger refuses zero and oversized holds. Those are defects in
	// the presented immutables, not internal failures.
	if errors.Is(err, custody.ErrInvalidAmount) {
		return ErrInvalidImmutables
	}
	return err
}

// CreateDestination escrows the taker's funds on the destination ledger.
// DeployedAt is stamped with the current height; the caller's value is
// ignored. srcCancellation keeps the destination side's cancellation no
// later than the paired source chain's, so the destination can never unwind
// while the source side is still locked.
func (e *Engine) CreateDestination(ctx context.Context, caller string, im swap.Immutables, srcCancellation uint64) (*swap.Htlc, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create_destination")
	defer span.End()

	caller = swap.NormalizeAddress(caller)
	im.Maker = swap.NormalizeAddress(im.Maker)
	im.Taker = swap.NormalizeAddress(im.Taker)

	// Only the taker funds a destination escrow.
	if caller != im.Taker {
		return nil, e.reject("create_destination", ErrInvalidCaller)
	}
	if im.Amount == nil || im.SafetyDeposit == nil {
		return nil, e.reject("create_destination", ErrInvalidImmutables)
	}
	if im.SafetyDeposit.Cmp(e.minDeposit) < 0 {
		return nil, e.reject("create_destination", ErrHigherSafetyDepositRequired)
	}

	height, err := e.clock.CurrentHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger height: %w", err)
	}
	im.Timelocks.DeployedAt = height

	if im.Timelocks.CancellationAfter > srcCancellation {
		return nil, e.reject("create_destination", ErrInvalidTimelocks)
	}
	if !im.Timelocks.ValidSequence() {
		return nil, e.reject("create_destination", ErrInvalidTimelocks)
	}

	id := swap.EscrowID(im)
	unlock, err := e.locks.Lock(ctx, id.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := e.store.Get(ctx, id); err == nil {
		return nil, e.reject("create_destination", ErrHtlcAlreadyExists)
	} else if !errors.Is(err, ErrHtlcDoesNotExist) {
		return nil, err
	}

	// Hold the swap amount, then the safety deposit. If the second hold
	// fails the first is released so the call applies all-or-nothing.
	if err := e.funds.Hold(ctx, custody.ReasonSwapAmount, caller, im.Amount); err != nil {
		return nil, e.reject("create_destination", mapCustodyErr(err))
	}
	if err := e.funds.Hold(ctx, custody.ReasonSafetyDeposit, caller, im.SafetyDeposit); err != nil {
		if rbErr := e.funds.Release(ctx, custody.ReasonSwapAmount, caller, im.Amount); rbErr != nil {
			e.logger.Error("CRITICAL: rollback of swap amount hold failed",
				"escrow", id, "account", caller, "error", rbErr)
		}
		return nil, e.reject("create_destination", mapCustodyErr(err))
	}

	h := &swap.Htlc{ID: id, Immutables: im, Status: swap.StatusActive, Type: swap.TypeDestination}
	if err := e.store.Create(ctx, h); err != nil {
		_ = e.funds.Release(ctx, custody.ReasonSwapAmount, caller, im.Amount)
		_ = e.funds.Release(ctx, custody.ReasonSafetyDeposit, caller, im.SafetyDeposit)
		return nil, fmt.Errorf("persist escrow: %w", err)
	}

	transitionsTotal.WithLabelValues("create_destination", "ok").Inc()
	activeEscrows.WithLabelValues(string(swap.TypeDestination)).Inc()
	e.logger.Info("destination escrow created",
		"escrow", id, "maker", im.Maker, "taker", im.Taker,
		"amount", im.Amount.String(), "deployed_at", height)
	e.notifier.EscrowCreated(ctx, CreatedEvent{
		ID:            id,
		Hashlock:      im.Hashlock,
		Maker:         im.Maker,
		Taker:         im.Taker,
		Amount:        im.Amount.String(),
		SafetyDeposit: im.SafetyDeposit.String(),
		Type:          swap.TypeDestination,
		DeployedAt:    height,
	})
	return h, nil
}

// CreateSource escrows a source-side HTLC derived from a swap intent. The
// swap amount is already held on the maker under the intent_amount reason;
// only the resolver's safety deposit is held here. Called by the intent
// matcher, which owns intent validation and the InProgress transition.
func (e *Engine) CreateSource(ctx context.Context, im swap.Immutables) (*swap.Htlc, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create_source")
	defer span.End()

	im.Maker = swap.NormalizeAddress(im.Maker)
	im.Taker = swap.NormalizeAddress(im.Taker)
	if im.Amount == nil || im.SafetyDeposit == nil {
		return nil, e.reject("create_source", ErrInvalidImmutables)
	}
	if im.SafetyDeposit.Cmp(e.minDeposit) < 0 {
		return nil, e.reject("create_source", ErrHigherSafetyDepositRequired)
	}

	height, err := e.clock.CurrentHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger height: %w", err)
	}
	im.Timelocks.DeployedAt = height
	if !im.Timelocks.ValidSequence() {
		return nil, e.reject("create_source", ErrInvalidTimelocks)
	}

	id := swap.EscrowID(im)
	unlock, err := e.locks.Lock(ctx, id.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := e.store.Get(ctx, id); err == nil {
		return nil, e.reject("create_source", ErrHtlcAlreadyExists)
	} else if !errors.Is(err, ErrHtlcDoesNotExist) {
		return nil, err
	}

	if err := e.funds.Hold(ctx, custody.ReasonSafetyDeposit, im.Taker, im.SafetyDeposit); err != nil {
		return nil, e.reject("create_source", mapCustodyErr(err))
	}

	h := &swap.Htlc{ID: id, Immutables: im, Status: swap.StatusActive, Type: swap.TypeSource}
	if err := e.store.Create(ctx, h); err != nil {
		_ = e.funds.Release(ctx, custody.ReasonSafetyDeposit, im.Taker, im.SafetyDeposit)
		return nil, fmt.Errorf("persist escrow: %w", err)
	}

	transitionsTotal.WithLabelValues("create_source", "ok").Inc()
	activeEscrows.WithLabelValues(string(swap.TypeSource)).Inc()
	e.logger.Info("source escrow created",
		"escrow", id, "maker", im.Maker, "taker", im.Taker,
		"amount", im.Amount.String(), "deployed_at", height)
	e.notifier.EscrowCreated(ctx, CreatedEvent{
		ID:            id,
		Hashlock:      im.Hashlock,
		Maker:         im.Maker,
		Taker:         im.Taker,
		Amount:        im.Amount.String(),
		SafetyDeposit: im.SafetyDeposit.String(),
		Type:          swap.TypeSource,
		DeployedAt:    height,
	})
	return h, nil
}

// Withdraw completes an Active escrow during the taker's exclusive window.
// Revealing the correct secret moves the swap amount to its beneficiary and
// returns the safety deposit to the taker.
func (e *Engine) Withdraw(ctx context.Context, caller string, im swap.Immutables, secret []byte) (*swap.Htlc, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.withdraw")
	defer span.End()
	return e.withdraw(ctx, "withdraw", caller, im, secret)
}

// PublicWithdraw is the rescue path: once the public window opens, anyone
// except the taker may complete the swap with the secret and is paid the
// safety deposit for doing so. This keeps swaps live even if the taker
// disappears after the secret is known.
func (e *Engine) PublicWithdraw(ctx context.Context, caller string, im swap.Immutables, secret []byte) (*swap.Htlc, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.public_withdraw")
	defer span.End()
	return e.withdraw(ctx, "public_withdraw", caller, im, secret)
}

func (e *Engine) withdraw(ctx context.Context, op string, caller string, im swap.Immutables, secret []byte) (*swap.Htlc, error) {
	caller = swap.NormalizeAddress(caller)
	im.Maker = swap.NormalizeAddress(im.Maker)
	im.Taker = swap.NormalizeAddress(im.Taker)
	public := op == "public_withdraw"

	id := swap.EscrowID(im)
	unlock, err := e.locks.Lock(ctx, id.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, e.reject(op, err)
	}
	if h.Status != swap.StatusActive {
		return nil, e.reject(op, ErrHtlcNotActive)
	}
	// The ID already binds the immutables; comparing the full struct is
	// defense in depth against a weaker hash.
	if !h.Immutables.Equal(im) {
		return nil, e.reject(op, ErrInvalidImmutables)
	}
	if swap.HashSecret(secret) != h.Immutables.Hashlock {
		return nil, e.reject(op, ErrInvalidSecret)
	}
	if public {
		if caller == h.Immutables.Taker {
			return nil, e.reject(op, ErrInvalidCaller)
		}
	} else if caller != h.Immutables.Taker {
		return nil, e.reject(op, ErrInvalidCaller)
	}

	height, err := e.clock.CurrentHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger height: %w", err)
	}
	tl := h.Immutables.Timelocks
	if public {
		if height < tl.PublicWithdrawalAfter {
			return nil, e.reject(op, ErrEarlyPublicWithdrawal)
		}
		if height >= tl.CancellationAfter {
			return nil, e.reject(op, ErrLatePublicWithdrawal)
		}
	} else {
		if height < tl.WithdrawalAfter {
			return nil, e.reject(op, ErrEarlyWithdrawal)
		}
		if height >= tl.CancellationAfter {
			return nil, e.reject(op, ErrLateWithdrawal)
		}
	}

	// Move the swap amount to its beneficiary. The amount hold lives on the
	// taker for destination escrows and on the maker (under the intent
	// reason) for source escrows.
	var beneficiary string
	imm := h.Immutables
	switch h.Type {
	case swap.TypeDestination:
		beneficiary = imm.Maker
		if err := e.moveHeld(ctx, custody.ReasonSwapAmount, imm.Taker, imm.Maker, imm.Amount); err != nil {
			return nil, err
		}
	case swap.TypeSource:
		beneficiary = imm.Taker
		if err := e.moveHeld(ctx, custody.ReasonIntentAmount, imm.Maker, imm.Taker, imm.Amount); err != nil {
			return nil, err
		}
	}

	// Return the safety deposit to the taker; on a public withdrawal it is
	// then forwarded to the rescuer.
	depositRecipient := imm.Taker
	if err := e.funds.Release(ctx, custody.ReasonSafetyDeposit, imm.Taker, imm.SafetyDeposit); err != nil {
		e.logger.Error("CRITICAL: safety deposit release failed after amount transfer",
			"escrow", id, "error", err)
		return nil, err
	}
	if public {
		depositRecipient = caller
		if err := e.funds.Transfer(ctx, imm.Taker, caller, imm.SafetyDeposit); err != nil {
			e.logger.Error("CRITICAL: safety deposit forwarding failed",
				"escrow", id, "rescuer", caller, "error", err)
			return nil, err
		}
	}

	if err := e.finalize(ctx, id, swap.StatusCompleted); err != nil {
		return nil, err
	}
	h.Status = swap.StatusCompleted
	activeEscrows.WithLabelValues(string(h.Type)).Dec()

	if h.Type == swap.TypeSource && e.intents != nil {
		e.intents.SourceEscrowCompleted(ctx, imm.OrderHash)
	}

	transitionsTotal.WithLabelValues(op, "ok").Inc()
	e.logger.Info("escrow withdrawn",
		"escrow", id, "op", op, "beneficiary", beneficiary,
		"deposit_recipient", depositRecipient, "height", height)
	e.notifier.EscrowWithdrawn(ctx, WithdrawnEvent{
		ID:                     id,
		Secret:                 "0x" + hex.EncodeToString(secret),
		Amount:                 imm.Amount.String(),
		Beneficiary:            beneficiary,
		SafetyDepositRecipient: depositRecipient,
	})
	return h, nil
}

// Cancel unwinds an Active escrow after the cancellation window opens: the
// swap amount returns to whoever funded it and the safety deposit returns
// to the taker.
func (e *Engine) Cancel(ctx context.Context, caller string, im swap.Immutables) (*swap.Htlc, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.cancel")
	defer span.End()

	caller = swap.NormalizeAddress(caller)
	im.Maker = swap.NormalizeAddress(im.Maker)
	im.Taker = swap.NormalizeAddress(im.Taker)

	id := swap.EscrowID(im)
	unlock, err := e.locks.Lock(ctx, id.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, e.reject("cancel", err)
	}
	if h.Status != swap.StatusActive {
		return nil, e.reject("cancel", ErrHtlcNotActive)
	}
	if !h.Immutables.Equal(im) {
		return nil, e.reject("cancel", ErrInvalidImmutables)
	}
	if caller != h.Immutables.Taker {
		return nil, e.reject("cancel", ErrInvalidCaller)
	}

	height, err := e.clock.CurrentHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger height: %w", err)
	}
	if height < h.Immutables.Timelocks.CancellationAfter {
		return nil, e.reject("cancel", ErrEarlyCancellation)
	}

	imm := h.Immutables
	var refundRecipient string
	switch h.Type {
	case swap.TypeDestination:
		refundRecipient = imm.Taker
		if err := e.funds.Release(ctx, custody.ReasonSwapAmount, imm.Taker, imm.Amount); err != nil {
			return nil, err
		}
	case swap.TypeSource:
		refundRecipient = imm.Maker
		if err := e.funds.Release(ctx, custody.ReasonIntentAmount, imm.Maker, imm.Amount); err != nil {
			return nil, err
		}
	}
	if err := e.funds.Release(ctx, custody.ReasonSafetyDeposit, imm.Taker, imm.SafetyDeposit); err != nil {
		e.logger.Error("CRITICAL: safety deposit release failed during cancel",
			"escrow", id, "error", err)
		return nil, err
	}

	if err := e.finalize(ctx, id, swap.StatusCancelled); err != nil {
		return nil, err
	}
	h.Status = swap.StatusCancelled
	activeEscrows.WithLabelValues(string(h.Type)).Dec()

	if h.Type == swap.TypeSource && e.intents != nil {
		e.intents.SourceEscrowCancelled(ctx, imm.OrderHash)
	}

	transitionsTotal.WithLabelValues("cancel", "ok").Inc()
	e.logger.Info("escrow cancelled", "escrow", id, "refund_recipient", refundRecipient, "height", height)
	e.notifier.EscrowCancelled(ctx, CancelledEvent{ID: id, RefundRecipient: refundRecipient})
	return h, nil
}

// Get returns an escrow by ID.
func (e *Engine) Get(ctx context.Context, id swap.Hash) (*swap.Htlc, error) {
	return e.store.Get(ctx, id)
}

// ListByAccount returns escrows involving an account as maker or taker.
func (e *Engine) ListByAccount(ctx context.Context, addr string, limit int) ([]*swap.Htlc, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListByAccount(ctx, swap.NormalizeAddress(addr), limit)
}

// moveHeld releases a hold and transfers the freed funds in one step. If the
// transfer fails the hold is re-taken so the call leaves no trace.
func (e *Engine) moveHeld(ctx context.Context, reason custody.Reason, from, to string, amount *big.Int) error {
	if err := e.funds.Release(ctx, reason, from, amount); err != nil {
		return err
	}
	if err := e.funds.Transfer(ctx, from, to, amount); err != nil {
		if rbErr := e.funds.Hold(ctx, reason, from, amount); rbErr != nil {
			e.logger.Error("CRITICAL: re-hold after failed transfer failed",
				"account", from, "reason", reason, "error", rbErr)
		}
		return err
	}
	return nil
}

// finalize persists a terminal status. Funds have already moved at this
// point, so the write is retried once before surfacing an error.
func (e *Engine) finalize(ctx context.Context, id swap.Hash, status swap.HtlcStatus) error {
	if err := e.store.UpdateStatus(ctx, id, status); err != nil {
		if retryErr := e.store.UpdateStatus(ctx, id, status); retryErr != nil {
			e.logger.Error("CRITICAL: funds moved but status update failed; manual resolution required",
				"escrow", id, "status", status, "error", retryErr)
			return fmt.Errorf("update escrow status after fund movement: %w", retryErr)
		}
	}
	return nil
}

func (e *Engine) reject(op string, err error) error {
	transitionsTotal.WithLabelValues(op, "rejected").Inc()
	return err
}
