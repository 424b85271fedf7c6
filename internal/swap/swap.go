// Package swap defines the shared domain model for cross-chain HTLC swaps.
//
// An escrow is identified by the hash of its immutable parameters; a swap
// intent is identified by the hash of its maker and nonce. Both identifiers
// are content addresses: two logically distinct records never share an ID,
// and the same record always re-derives the same ID.
package swap

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrInvalidHash   = errors.New("invalid 32-byte hex hash")
	ErrInvalidAmount = errors.New("invalid amount")
)

// Hash is a 32-byte content address or hashlock, hex-encoded in JSON.
type Hash [32]byte

// ParseHash decodes a 64-char hex string (with or without 0x prefix).
func ParseHash(s string) (Hash, error) {
	var h Hash
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return h, ErrInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseAmount parses a non-negative base-unit decimal amount. Amounts must
// fit in 128 bits so the canonical encoding stays fixed-width.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 128 {
		return nil, ErrInvalidAmount
	}
	return v, nil
}

// NormalizeAddress lowercases an account address. Addresses are opaque
// lowercase hex strings; the engine never interprets them.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Timelocks gates escrow operations by ledger height. All fields are
// absolute heights, stamped or validated at creation time.
type Timelocks struct {
	DeployedAt            uint64 `json:"deployedAt"`
	WithdrawalAfter       uint64 `json:"withdrawalAfter"`
	PublicWithdrawalAfter uint64 `json:"publicWithdrawalAfter"`
	CancellationAfter     uint64 `json:"cancellationAfter"`
}

// ValidSequence reports whether the staged windows are ordered:
// deployed ≤ withdrawal ≤ public withdrawal ≤ cancellation.
func (t Timelocks) ValidSequence() bool {
	return t.DeployedAt <= t.WithdrawalAfter &&
		t.WithdrawalAfter <= t.PublicWithdrawalAfter &&
		t.PublicWithdrawalAfter <= t.CancellationAfter
}

// Immutables fully determines an escrow: its identity is the hash of this
// struct's canonical encoding. DeployedAt is stamped by the engine at
// creation; no field changes afterwards.
type Immutables struct {
	OrderHash     Hash      `json:"orderHash"`
	Hashlock      Hash      `json:"hashlock"`
	Maker         string    `json:"maker"`
	Taker         string    `json:"taker"`
	Amount        *big.Int  `json:"amount"`
	SafetyDeposit *big.Int  `json:"safetyDeposit"`
	Timelocks     Timelocks `json:"timelocks"`
}

// Equal compares all fields, including the stamped DeployedAt. Supplying
// altered parameters on withdraw/cancel is rejected even though the content
// address already binds them; defense in depth.
func (im Immutables) Equal(other Immutables) bool {
	return im.OrderHash == other.OrderHash &&
		im.Hashlock == other.Hashlock &&
		im.Maker == other.Maker &&
		im.Taker == other.Taker &&
		bigEqual(im.Amount, other.Amount) &&
		bigEqual(im.SafetyDeposit, other.SafetyDeposit) &&
		im.Timelocks == other.Timelocks
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}

// HtlcStatus is the escrow lifecycle state. Completed and Cancelled are
// terminal: the record is retained but never mutated again.
type HtlcStatus string

const (
	StatusActive    HtlcStatus = "active"
	StatusCompleted HtlcStatus = "completed"
	StatusCancelled HtlcStatus = "cancelled"
)

// HtlcType says which side of the cross-chain pair this escrow is on, which
// in turn determines whose held funds flow where on withdrawal.
type HtlcType string

const (
	TypeSource      HtlcType = "source"
	TypeDestination HtlcType = "destination"
)

// Htlc is the registry record for one escrow, keyed by EscrowID(Immutables).
type Htlc struct {
	ID         Hash       `json:"id"`
	Immutables Immutables `json:"immutables"`
	Status     HtlcStatus `json:"status"`
	Type       HtlcType   `json:"type"`
}

// IsTerminal reports whether the escrow can no longer transition.
func (h *Htlc) IsTerminal() bool {
	switch h.Status {
	case StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// SwapIntent is a maker's unmatched desire to swap SrcAmount on this ledger
// for DstAmount delivered to DstAddress on the counterparty ledger. Nonce
// disambiguates concurrent intents from the same maker.
type SwapIntent struct {
	Hashlock          Hash     `json:"hashlock"`
	Maker             string   `json:"maker"`
	SrcAmount         *big.Int `json:"srcAmount"`
	DstAmount         *big.Int `json:"dstAmount"`
	DstAddress        string   `json:"dstAddress"`
	TimeoutAfterBlock uint64   `json:"timeoutAfterBlock"`
	Nonce             uint64   `json:"nonce"`
}

// IntentStatus is the intent lifecycle state.
type IntentStatus string

const (
	IntentActive     IntentStatus = "active"
	IntentInProgress IntentStatus = "in_progress"
	IntentCompleted  IntentStatus = "completed"
	IntentCancelled  IntentStatus = "cancelled"
	IntentExpired    IntentStatus = "expired"
)

// StoredSwapIntent is the registry record for one intent, keyed by
// IntentKey(maker, nonce). Resolver and HtlcID are set when a resolver
// fulfills the intent and it moves to in_progress.
type StoredSwapIntent struct {
	Key       Hash         `json:"key"`
	Intent    SwapIntent   `json:"intent"`
	Status    IntentStatus `json:"status"`
	CreatedAt uint64       `json:"createdAt"`
	Resolver  string       `json:"resolver,omitempty"`
	HtlcID    Hash         `json:"htlcId,omitempty"`
}

// IsTerminal reports whether the intent can no longer transition.
func (s *StoredSwapIntent) IsTerminal() bool {
	switch s.Status {
	case IntentCompleted, IntentCancelled, IntentExpired:
		return true
	}
	return false
}

// FormatAmount renders a base-unit amount for JSON and logs.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (im Immutables) String() string {
	return fmt.Sprintf("immutables{order=%s maker=%s taker=%s amount=%s}",
		im.OrderHash, im.Maker, im.Taker, FormatAmount(im.Amount))
}
