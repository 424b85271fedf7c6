// Package intent implements the swap-intent registry: maker offers that
// resolvers fulfill by funding source-side escrows.
//
// Creating an intent locks the maker's source amount. From there the intent
// either completes (the resolver's escrow is withdrawn), unwinds back to the
// maker (cancel, escrow cancellation, or timeout expiry), or is fulfilled
// into an in-progress swap awaiting the escrow's outcome.
package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/mbd888/atomicswap/internal/custody"
	"github.com/mbd888/atomicswap/internal/swap"
	"github.com/mbd888/atomicswap/internal/syncutil"
	"github.com/mbd888/atomicswap/internal/traces"
)

var (
	ErrIntentAlreadyExists = errors.New("swap intent already exists")
	ErrIntentDoesNotExist  = errors.New("swap intent does not exist")
	ErrIntentNotActive     = errors.New("swap intent is not active")
	ErrIntentExpired       = errors.New("swap intent has expired")
	ErrInvalidCaller       = errors.New("invalid caller for this operation")
	ErrInvalidTimeout      = errors.New("timeout height must be in the future")
	ErrInsufficientBalance = errors.New("insufficient balance to fund the intent")
)

// Store persists swap intents.
type Store interface {
	// Create inserts a new record, failing with ErrIntentAlreadyExists
	// when the key is taken.
	Create(ctx context.Context, si *swap.StoredSwapIntent) error
	// Get returns the record or ErrIntentDoesNotExist.
	Get(ctx context.Context, key swap.Hash) (*swap.StoredSwapIntent, error)
	// Transition moves a record from one status to another, failing with
	// ErrIntentNotActive when the current status differs. resolver and
	// htlcID are recorded when non-zero.
	Transition(ctx context.Context, key swap.Hash, from, to swap.IntentStatus, resolver string, htlcID swap.Hash) error
	// ListByMaker returns a maker's intents, newest first.
	ListByMaker(ctx context.Context, maker string, limit int) ([]*swap.StoredSwapIntent, error)
	// ListExpirable returns active intents whose timeout height is below
	// the given height.
	ListExpirable(ctx context.Context, height uint64, limit int) ([]*swap.StoredSwapIntent, error)
}

// EscrowCreator is the slice of the escrow engine the intent service needs.
// Satisfied by *escrow.Engine.
type EscrowCreator interface {
	CreateSource(ctx context.Context, im swap.Immutables) (*swap.Htlc, error)
}

// Custody abstracts the fund ledger. Satisfied by *custody.Ledger.
type Custody interface {
	Hold(ctx context.Context, reason custody.Reason, account string, amount *big.Int) error
	Release(ctx context.Context, reason custody.Reason, account string, amount *big.Int) error
}

// Clock reports the ledger height.
type Clock interface {
	CurrentHeight(ctx context.Context) (uint64, error)
}

// CreatedEvent is emitted once per intent creation.
type CreatedEvent struct {
	Key        swap.Hash `json:"key"`
	Maker      string    `json:"maker"`
	Nonce      uint64    `json:"nonce"`
	SrcAmount  string    `json:"srcAmount"`
	DstAmount  string    `json:"dstAmount"`
	DstAddress string    `json:"dstAddress"`
	Hashlock   swap.Hash `json:"hashlock"`
}

// CancelledEvent is emitted once per maker cancellation.
type CancelledEvent struct {
	Key   swap.Hash `json:"key"`
	Maker string    `json:"maker"`
	Nonce uint64    `json:"nonce"`
}

// FulfilledEvent is emitted when a resolver takes an intent in progress.
type FulfilledEvent struct {
	Key      swap.Hash `json:"key"`
	Resolver string    `json:"resolver"`
	HtlcID   swap.Hash `json:"htlcId"`
}

// ExpiredEvent is emitted exactly once when the sweeper expires an intent.
type ExpiredEvent struct {
	Key swap.Hash `json:"key"`
}

// Notifier receives one outcome notification per transition.
type Notifier interface {
	IntentCreated(ctx context.Context, e CreatedEvent)
	IntentCancelled(ctx context.Context, e CancelledEvent)
	IntentFulfilled(ctx context.Context, e FulfilledEvent)
	IntentExpired(ctx context.Context, e ExpiredEvent)
}

type noopNotifier struct{}

func (noopNotifier) IntentCreated(context.Context, CreatedEvent)     {}
func (noopNotifier) IntentCancelled(context.Context, CancelledEvent) {}
func (noopNotifier) IntentFulfilled(context.Context, FulfilledEvent) {}
func (noopNotifier) IntentExpired(context.Context, ExpiredEvent)     {}

// Service validates and executes intent transitions.
type Service struct {
	store    Store
	funds    Custody
	clock    Clock
	escrows  EscrowCreator
	notifier Notifier
	logger   *slog.Logger
	locks    syncutil.KeyedContextMutex
}

// NewService creates an intent service.
func NewService(store Store, funds Custody, clock Clock, escrows EscrowCreator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		funds:    funds,
		clock:    clock,
		escrows:  escrows,
		notifier: noopNotifier{},
		logger:   logger,
	}
}

// WithNotifier sets the outcome notification sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// Create registers a maker's swap intent and locks its source amount.
func (s *Service) Create(ctx context.Context, in swap.SwapIntent) (*swap.StoredSwapIntent, error) {
	ctx, span := traces.StartSpan(ctx, "intent.create")
	defer span.End()

	in.Maker = swap.NormalizeAddress(in.Maker)
	in.DstAddress = swap.NormalizeAddress(in.DstAddress)
	if in.SrcAmount == nil || in.DstAmount == nil {
		return nil, custody.ErrInvalidAmount
	}

	height, err := s.clock.CurrentHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger height: %w", err)
	}
	if in.TimeoutAfterBlock <= height {
		return nil, s.reject("create", ErrInvalidTimeout)
	}

	key := swap.IntentKey(in.Maker, in.Nonce)
	unlock, err := s.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.store.Get(ctx, key); err == nil {
		return nil, s.reject("create", ErrIntentAlreadyExists)
	} else if !errors.Is(err, ErrIntentDoesNotExist) {
		return nil, err
	}

	if err := s.funds.Hold(ctx, custody.ReasonIntentAmount, in.Maker, in.SrcAmount); err != nil {
		if errors.Is(err, custody.ErrInsufficientBalance) {
			return nil, s.reject("create", ErrInsufficientBalance)
		}
		return nil, err
	}

	si := &swap.StoredSwapIntent{
		Key:       key,
		Intent:    in,
		Status:    swap.IntentActive,
		CreatedAt: height,
	}
	if err := s.store.Create(ctx, si); err != nil {
		_ = s.funds.Release(ctx, custody.ReasonIntentAmount, in.Maker, in.SrcAmount)
		return nil, fmt.Errorf("persist intent: %w", err)
	}

	transitionsTotal.WithLabelValues("create", "ok").Inc()
	s.logger.Info("swap intent created",
		"intent", key, "maker", in.Maker, "nonce", in.Nonce,
		"src_amount", in.SrcAmount.String(), "timeout_after", in.TimeoutAfterBlock)
	s.notifier.IntentCreated(ctx, CreatedEvent{
		Key:        key,
		Maker:      in.Maker,
		Nonce:      in.Nonce,
		SrcAmount:  in.SrcAmount.String(),
		DstAmount:  in.DstAmount.String(),
		DstAddress: in.DstAddress,
		Hashlock:   in.Hashlock,
	})
	return si, nil
}

// Cancel withdraws an Active intent and releases the maker's locked amount.
// Only the maker may cancel, and only while no resolver has taken the
// intent in progress.
func (s *Service) Cancel(ctx context.Context, caller string, nonce uint64) (*swap.StoredSwapIntent, error) {
	ctx, span := traces.StartSpan(ctx, "intent.cancel")
	defer span.End()

	caller = swap.NormalizeAddress(caller)
	key := swap.IntentKey(caller, nonce)
	unlock, err := s.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	si, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, s.reject("cancel", err)
	}
	// The key binds the maker, so a non-maker caller derives a different
	// key and never finds the record. Kept for clarity.
	if si.Intent.Maker != caller {
		return nil, s.reject("cancel", ErrInvalidCaller)
	}
	if si.Status != swap.IntentActive {
		return nil, s.reject("cancel", ErrIntentNotActive)
	}

	if err := s.store.Transition(ctx, key, swap.IntentActive, swap.IntentCancelled, "", swap.Hash{}); err != nil {
		return nil, err
	}
	if err := s.funds.Release(ctx, custody.ReasonIntentAmount, si.Intent.Maker, si.Intent.SrcAmount); err != nil {
		s.logger.Error("CRITICAL: intent cancelled but hold release failed",
			"intent", key, "maker", si.Intent.Maker, "error", err)
		return nil, err
	}
	si.Status = swap.IntentCancelled

	transitionsTotal.WithLabelValues("cancel", "ok").Inc()
	s.logger.Info("swap intent cancelled", "intent", key, "maker", caller, "nonce", nonce)
	s.notifier.IntentCancelled(ctx, CancelledEvent{Key: key, Maker: caller, Nonce: nonce})
	return si, nil
}

// FulfillParams is what a resolver supplies on top of the stored intent:
// the escrow's timelock schedule and its own safety deposit.
type FulfillParams struct {
	Maker                 string
	Nonce                 uint64
	SafetyDeposit         *big.Int
	WithdrawalAfter       uint64
	PublicWithdrawalAfter uint64
	CancellationAfter     uint64
}

// Fulfill lets a resolver take an Active intent: the intent moves to
// InProgress and a source escrow is created with the resolver as taker. The
// InProgress transition happens first under the intent lock, so a second
// resolver always observes ErrIntentNotActive. If escrow creation then
// fails, the intent reverts to Active.
func (s *Service) Fulfill(ctx context.Context, resolver string, p FulfillParams) (*swap.StoredSwapIntent, *swap.Htlc, error) {
	ctx, span := traces.StartSpan(ctx, "intent.fulfill")
	defer span.End()

	resolver = swap.NormalizeAddress(resolver)
	maker := swap.NormalizeAddress(p.Maker)
	key := swap.IntentKey(maker, p.Nonce)
	unlock, err := s.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	si, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, nil, s.reject("fulfill", err)
	}
	if si.Status != swap.IntentActive {
		return nil, nil, s.reject("fulfill", ErrIntentNotActive)
	}

	height, err := s.clock.CurrentHeight(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read ledger height: %w", err)
	}
	// The timeout height itself is still fulfillable; only heights past it
	// expire the intent.
	if height > si.Intent.TimeoutAfterBlock {
		return nil, nil, s.reject("fulfill", ErrIntentExpired)
	}

	if err := s.store.Transition(ctx, key, swap.IntentActive, swap.IntentInProgress, resolver, swap.Hash{}); err != nil {
		return nil, nil, s.reject("fulfill", err)
	}

	im := swap.Immutables{
		OrderHash:     key,
		Hashlock:      si.Intent.Hashlock,
		Maker:         maker,
		Taker:         resolver,
		Amount:        si.Intent.SrcAmount,
		SafetyDeposit: p.SafetyDeposit,
		Timelocks: swap.Timelocks{
			WithdrawalAfter:       p.WithdrawalAfter,
			PublicWithdrawalAfter: p.PublicWithdrawalAfter,
			CancellationAfter:     p.CancellationAfter,
		},
	}
	h, err := s.escrows.CreateSource(ctx, im)
	if err != nil {
		if rbErr := s.store.Transition(ctx, key, swap.IntentInProgress, swap.IntentActive, "", swap.Hash{}); rbErr != nil {
			s.logger.Error("CRITICAL: intent stuck in progress after failed escrow creation",
				"intent", key, "error", rbErr)
		}
		return nil, nil, s.reject("fulfill", err)
	}

	if err := s.store.Transition(ctx, key, swap.IntentInProgress, swap.IntentInProgress, resolver, h.ID); err != nil {
		s.logger.Error("recording escrow id on intent failed", "intent", key, "escrow", h.ID, "error", err)
	}
	si.Status = swap.IntentInProgress
	si.Resolver = resolver
	si.HtlcID = h.ID

	transitionsTotal.WithLabelValues("fulfill", "ok").Inc()
	s.logger.Info("swap intent fulfilled",
		"intent", key, "resolver", resolver, "escrow", h.ID)
	s.notifier.IntentFulfilled(ctx, FulfilledEvent{Key: key, Resolver: resolver, HtlcID: h.ID})
	return si, h, nil
}

// Get returns an intent by key.
func (s *Service) Get(ctx context.Context, key swap.Hash) (*swap.StoredSwapIntent, error) {
	return s.store.Get(ctx, key)
}

// ListByMaker returns a maker's intents, newest first.
func (s *Service) ListByMaker(ctx context.Context, maker string, limit int) ([]*swap.StoredSwapIntent, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByMaker(ctx, swap.NormalizeAddress(maker), limit)
}

// SourceEscrowCompleted moves an in-progress intent to Completed. The
// escrow engine already paid the resolver from the maker's locked amount.
// Implements escrow.IntentTracker.
func (s *Service) SourceEscrowCompleted(ctx context.Context, key swap.Hash) {
	s.settle(ctx, key, swap.IntentCompleted)
}

// SourceEscrowCancelled moves an in-progress intent to Cancelled. The
// escrow engine already released the maker's locked amount.
// Implements escrow.IntentTracker.
func (s *Service) SourceEscrowCancelled(ctx context.Context, key swap.Hash) {
	s.settle(ctx, key, swap.IntentCancelled)
}

func (s *Service) settle(ctx context.Context, key swap.Hash, to swap.IntentStatus) {
	err := s.store.Transition(ctx, key, swap.IntentInProgress, to, "", swap.Hash{})
	if err != nil {
		// Escrows created directly (not via Fulfill) have no intent.
		if errors.Is(err, ErrIntentDoesNotExist) {
			return
		}
		s.logger.Error("intent settlement failed", "intent", key, "to", to, "error", err)
		return
	}
	transitionsTotal.WithLabelValues("settle_"+string(to), "ok").Inc()
	s.logger.Info("swap intent settled", "intent", key, "status", to)
}

func (s *Service) reject(op string, err error) error {
	transitionsTotal.WithLabelValues(op, "rejected").Inc()
	return err
}
