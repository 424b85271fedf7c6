package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/atomicswap/internal/escrow"
	"github.com/mbd888/atomicswap/internal/idgen"
	"github.com/mbd888/atomicswap/internal/intent"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atomicswap",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atomicswap",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit swap lifecycle events. It implements
// escrow.Notifier and intent.Notifier so it can be plugged into the engine
// and the intent service directly.
//
// All methods are fire-and-forget: errors are logged but never returned,
// and delivery happens on a background context so it outlives the request.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

var (
	_ escrow.Notifier = (*Emitter)(nil)
	_ intent.Notifier = (*Emitter)(nil)
)

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(accountAddr string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToAccount(ctx, accountAddr, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "account", accountAddr, "error", err)
	}
}

// broadcast sends an event to every active subscriber of the type,
// regardless of account. Used for events with no single owner.
func (e *Emitter) broadcast(eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook broadcast failed", "event", eventType, "error", err)
	}
}

// --- Escrow events ---

// EscrowCreated notifies both counterparties about a new escrow.
func (e *Emitter) EscrowCreated(_ context.Context, ev escrow.CreatedEvent) {
	data := map[string]interface{}{
		"escrowId":      ev.ID.String(),
		"hashlock":      ev.Hashlock.String(),
		"maker":         ev.Maker,
		"taker":         ev.Taker,
		"amount":        ev.Amount,
		"safetyDeposit": ev.SafetyDeposit,
		"escrowType":    string(ev.Type),
		"deployedAt":    ev.DeployedAt,
	}
	e.emit(ev.Maker, EventEscrowCreated, data)
	if ev.Taker != ev.Maker {
		e.emit(ev.Taker, EventEscrowCreated, data)
	}
}

// EscrowWithdrawn publishes the revealed secret to the parties of the
// escrow. The counterparty needs it to unlock the paired escrow.
func (e *Emitter) EscrowWithdrawn(_ context.Context, ev escrow.WithdrawnEvent) {
	data := map[string]interface{}{
		"escrowId":               ev.ID.String(),
		"secret":                 ev.Secret,
		"amount":                 ev.Amount,
		"beneficiary":            ev.Beneficiary,
		"safetyDepositRecipient": ev.SafetyDepositRecipient,
	}
	e.emit(ev.Beneficiary, EventEscrowWithdrawn, data)
	if ev.SafetyDepositRecipient != ev.Beneficiary {
		e.emit(ev.SafetyDepositRecipient, EventEscrowWithdrawn, data)
	}
}

// EscrowCancelled notifies the refunded party.
func (e *Emitter) EscrowCancelled(_ context.Context, ev escrow.CancelledEvent) {
	e.emit(ev.RefundRecipient, EventEscrowCancelled, map[string]interface{}{
		"escrowId":        ev.ID.String(),
		"refundRecipient": ev.RefundRecipient,
	})
}

// --- Intent events ---

// IntentCreated goes to every subscriber of the type: resolvers watch it
// to discover open intents, and it reaches the maker's own hooks too.
func (e *Emitter) IntentCreated(_ context.Context, ev intent.CreatedEvent) {
	e.broadcast(EventIntentCreated, map[string]interface{}{
		"intentKey":  ev.Key.String(),
		"maker":      ev.Maker,
		"nonce":      ev.Nonce,
		"srcAmount":  ev.SrcAmount,
		"dstAmount":  ev.DstAmount,
		"dstAddress": ev.DstAddress,
		"hashlock":   ev.Hashlock.String(),
	})
}

// IntentCancelled notifies the maker.
func (e *Emitter) IntentCancelled(_ context.Context, ev intent.CancelledEvent) {
	e.emit(ev.Maker, EventIntentCancelled, map[string]interface{}{
		"intentKey": ev.Key.String(),
		"maker":     ev.Maker,
		"nonce":     ev.Nonce,
	})
}

// IntentFulfilled notifies the resolver that claimed the intent.
func (e *Emitter) IntentFulfilled(_ context.Context, ev intent.FulfilledEvent) {
	e.emit(ev.Resolver, EventIntentFulfilled, map[string]interface{}{
		"intentKey": ev.Key.String(),
		"resolver":  ev.Resolver,
		"htlcId":    ev.HtlcID.String(),
	})
}

// IntentExpired has no interested party on the event itself; it goes to
// every subscriber of the type.
func (e *Emitter) IntentExpired(_ context.Context, ev intent.ExpiredEvent) {
	e.broadcast(EventIntentExpired, map[string]interface{}{
		"intentKey": ev.Key.String(),
	})
}

// --- Balance events ---

// EmitDeposit emits a balance.deposit event.
func (e *Emitter) EmitDeposit(accountAddr, amount, newBalance string) {
	e.emit(accountAddr, EventBalanceDeposit, map[string]interface{}{
		"accountAddr": accountAddr,
		"amount":      amount,
		"newBalance":  newBalance,
	})
}

// EmitWithdraw emits a balance.withdraw event.
func (e *Emitter) EmitWithdraw(accountAddr, amount, newBalance string) {
	e.emit(accountAddr, EventBalanceWithdraw, map[string]interface{}{
		"accountAddr": accountAddr,
		"amount":      amount,
		"newBalance":  newBalance,
	})
}
