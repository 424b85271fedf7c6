package custody

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

func newLedger() *Ledger {
	return New(NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func free(t *testing.T, l *Ledger, addr string) *big.Int {
	t.Helper()
	b, err := l.Balance(context.Background(), addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	v, ok := new(big.Int).SetString(b.Free, 10)
	if !ok {
		t.Fatalf("bad free balance %q", b.Free)
	}
	return v
}

func TestDepositWithdraw(t *testing.T) {
	l := newLedger()
	ctx := context.Background()

	if err := l.Deposit(ctx, alice, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Withdraw(ctx, alice, big.NewInt(200)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := free(t, l, alice); got.Int64() != 300 {
		t.Errorf("free = %s, want 300", got)
	}

	if err := l.Withdraw(ctx, alice, big.NewInt(301)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("overdraw: err = %v, want ErrInsufficientBalance", err)
	}
}

func TestHoldReleaseConservation(t *testing.T) {
	l := newLedger()
	ctx := context.Background()
	if err := l.Deposit(ctx, alice, big.NewInt(1000)); err != nil {
		t.Fatal(err)
	}

	if err := l.Hold(ctx, ReasonSwapAmount, alice, big.NewInt(600)); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := l.Hold(ctx, ReasonSafetyDeposit, alice, big.NewInt(100)); err != nil {
		t.Fatalf("hold: %v", err)
	}

	b, err := l.Balance(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if b.Free != "300" || b.OnHold != "700" {
		t.Errorf("free/onHold = %s/%s, want 300/700", b.Free, b.OnHold)
	}

	// Holds with different reasons never mix.
	if err := l.Release(ctx, ReasonSafetyDeposit, alice, big.NewInt(150)); !errors.Is(err, ErrInsufficientHold) {
		t.Errorf("cross-reason release: err = %v, want ErrInsufficientHold", err)
	}

	onHold, err := l.BalanceOnHold(ctx, ReasonSwapAmount, alice)
	if err != nil {
		t.Fatal(err)
	}
	if onHold.Int64() != 600 {
		t.Errorf("swap_amount hold = %s, want 600", onHold)
	}

	if err := l.Release(ctx, ReasonSwapAmount, alice, big.NewInt(600)); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(ctx, ReasonSafetyDeposit, alice, big.NewInt(100)); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := free(t, l, alice); got.Int64() != 1000 {
		t.Errorf("free after full release = %s, want 1000", got)
	}
}

func TestHeldFundsAreNotSpendable(t *testing.T) {
	l := newLedger()
	ctx := context.Background()
	if err := l.Deposit(ctx, alice, big.NewInt(1000)); err != nil {
		t.Fatal(err)
	}
	if err := l.Hold(ctx, ReasonIntentAmount, alice, big.NewInt(900)); err != nil {
		t.Fatal(err)
	}

	if err := l.Transfer(ctx, alice, bob, big.NewInt(200)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("transfer of held funds: err = %v, want ErrInsufficientBalance", err)
	}
	if err := l.Withdraw(ctx, alice, big.NewInt(200)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("withdraw of held funds: err = %v, want ErrInsufficientBalance", err)
	}
	if err := l.Hold(ctx, ReasonSwapAmount, alice, big.NewInt(200)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("double hold: err = %v, want ErrInsufficientBalance", err)
	}
}

func TestTransfer(t *testing.T) {
	l := newLedger()
	ctx := context.Background()
	if err := l.Deposit(ctx, alice, big.NewInt(1000)); err != nil {
		t.Fatal(err)
	}

	if err := l.Transfer(ctx, alice, bob, big.NewInt(400)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := free(t, l, alice); got.Int64() != 600 {
		t.Errorf("alice free = %s, want 600", got)
	}
	if got := free(t, l, bob); got.Int64() != 400 {
		t.Errorf("bob free = %s, want 400", got)
	}
}

func TestInvalidAmounts(t *testing.T) {
	l := newLedger()
	ctx := context.Background()

	huge := new(big.Int).Lsh(big.NewInt(1), 129)
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5), huge} {
		if err := l.Deposit(ctx, alice, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("deposit %v: err = %v, want ErrInvalidAmount", amount, err)
		}
		if err := l.Hold(ctx, ReasonSwapAmount, alice, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("hold %v: err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestHistory(t *testing.T) {
	l := newLedger()
	ctx := context.Background()
	if err := l.Deposit(ctx, alice, big.NewInt(1000)); err != nil {
		t.Fatal(err)
	}
	if err := l.Hold(ctx, ReasonSwapAmount, alice, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if err := l.Transfer(ctx, alice, bob, big.NewInt(50)); err != nil {
		t.Fatal(err)
	}

	entries, err := l.History(ctx, alice, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	// Newest first.
	if entries[0].Kind != "transfer_out" || entries[0].Counterparty != bob {
		t.Errorf("latest entry = %s/%s, want transfer_out/%s", entries[0].Kind, entries[0].Counterparty, bob)
	}
	if entries[2].Kind != "deposit" {
		t.Errorf("oldest entry = %s, want deposit", entries[2].Kind)
	}

	bobEntries, err := l.History(ctx, bob, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(bobEntries) != 1 || bobEntries[0].Kind != "transfer_in" {
		t.Errorf("bob entries = %v", bobEntries)
	}
}

func TestHistoryBeforeID(t *testing.T) {
	l := newLedger()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.Deposit(ctx, alice, big.NewInt(10)); err != nil {
			t.Fatal(err)
		}
	}

	page, err := l.History(ctx, alice, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d entries, want 2", len(page))
	}

	next, err := l.History(ctx, alice, page[1].ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 3 {
		t.Fatalf("got %d entries, want 3", len(next))
	}
	if next[0].ID >= page[1].ID {
		t.Errorf("page boundary leaked: %d >= %d", next[0].ID, page[1].ID)
	}
}
