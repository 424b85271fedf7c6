package realtime

import (
	"context"
	"time"

	"github.com/mbd888/atomicswap/internal/escrow"
	"github.com/mbd888/atomicswap/internal/intent"
)

// Streamer adapts escrow and intent outcome notifications into hub
// broadcasts. It implements escrow.Notifier and intent.Notifier.
type Streamer struct {
	hub *Hub
}

var (
	_ escrow.Notifier = (*Streamer)(nil)
	_ intent.Notifier = (*Streamer)(nil)
)

// NewStreamer creates a streamer publishing to the given hub.
func NewStreamer(hub *Hub) *Streamer {
	return &Streamer{hub: hub}
}

func (s *Streamer) publish(t EventType, data map[string]interface{}) {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.Broadcast(&Event{
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (s *Streamer) EscrowCreated(_ context.Context, ev escrow.CreatedEvent) {
	s.publish(EventEscrowCreated, map[string]interface{}{
		"escrowId":      ev.ID.String(),
		"hashlock":      ev.Hashlock.String(),
		"maker":         ev.Maker,
		"taker":         ev.Taker,
		"amount":        ev.Amount,
		"safetyDeposit": ev.SafetyDeposit,
		"escrowType":    string(ev.Type),
		"deployedAt":    ev.DeployedAt,
	})
}

func (s *Streamer) EscrowWithdrawn(_ context.Context, ev escrow.WithdrawnEvent) {
	s.publish(EventEscrowWithdrawn, map[string]interface{}{
		"escrowId":               ev.ID.String(),
		"secret":                 ev.Secret,
		"amount":                 ev.Amount,
		"beneficiary":            ev.Beneficiary,
		"safetyDepositRecipient": ev.SafetyDepositRecipient,
	})
}

func (s *Streamer) EscrowCancelled(_ context.Context, ev escrow.CancelledEvent) {
	s.publish(EventEscrowCancelled, map[string]interface{}{
		"escrowId":        ev.ID.String(),
		"refundRecipient": ev.RefundRecipient,
	})
}

func (s *Streamer) IntentCreated(_ context.Context, ev intent.CreatedEvent) {
	s.publish(EventIntentCreated, map[string]interface{}{
		"intentKey":  ev.Key.String(),
		"maker":      ev.Maker,
		"nonce":      ev.Nonce,
		"srcAmount":  ev.SrcAmount,
		"dstAmount":  ev.DstAmount,
		"dstAddress": ev.DstAddress,
		"hashlock":   ev.Hashlock.String(),
	})
}

func (s *Streamer) IntentCancelled(_ context.Context, ev intent.CancelledEvent) {
	s.publish(EventIntentCancelled, map[string]interface{}{
		"intentKey": ev.Key.String(),
		"maker":     ev.Maker,
		"nonce":     ev.Nonce,
	})
}

func (s *Streamer) IntentFulfilled(_ context.Context, ev intent.FulfilledEvent) {
	s.publish(EventIntentFulfilled, map[string]interface{}{
		"intentKey": ev.Key.String(),
		"resolver":  ev.Resolver,
		"htlcId":    ev.HtlcID.String(),
	})
}

func (s *Streamer) IntentExpired(_ context.Context, ev intent.ExpiredEvent) {
	s.publish(EventIntentExpired, map[string]interface{}{
		"intentKey": ev.Key.String(),
	})
}
