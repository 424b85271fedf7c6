//go:build integration

package custody

import (
	"context"
	"database/sql"
	"math/big"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgres spins up a disposable database and applies migrations.
func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("atomicswap_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start container: %v", err)
	}
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(ctr)
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatal(err)
	}
	if err := goose.Up(db, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestPostgresStore_DepositWithdraw(t *testing.T) {
	db := startPostgres(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Deposit(ctx, alice, big.NewInt(1000)); err != nil {
		t.Fatal(err)
	}
	if err := store.Withdraw(ctx, alice, big.NewInt(300)); err != nil {
		t.Fatal(err)
	}

	bal, err := store.Balance(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Free != "700" {
		t.Errorf("free = %s, want 700", bal.Free)
	}

	if err := store.Withdraw(ctx, alice, big.NewInt(701)); err == nil {
		t.Error("expected overdraft to fail")
	}
}

func TestPostgresStore_HoldReleaseTransfer(t *testing.T) {
	db := startPostgres(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Deposit(ctx, alice, big.NewInt(1000)); err != nil {
		t.Fatal(err)
	}
	if err := store.Hold(ctx, ReasonSwapAmount, alice, big.NewInt(400)); err != nil {
		t.Fatal(err)
	}

	held, err := store.BalanceOnHold(ctx, ReasonSwapAmount, alice)
	if err != nil {
		t.Fatal(err)
	}
	if held.Cmp(big.NewInt(400)) != 0 {
		t.Errorf("held = %s, want 400", held)
	}

	bal, _ := store.Balance(ctx, alice)
	if bal.Free != "600" || bal.OnHold != "400" {
		t.Errorf("balance = %s/%s, want 600/400", bal.Free, bal.OnHold)
	}

	if err := store.Release(ctx, ReasonSwapAmount, alice, big.NewInt(400)); err != nil {
		t.Fatal(err)
	}
	if err := store.Transfer(ctx, alice, bob, big.NewInt(400)); err != nil {
		t.Fatal(err)
	}

	bobBal, _ := store.Balance(ctx, bob)
	if bobBal.Free != "400" {
		t.Errorf("bob free = %s, want 400", bobBal.Free)
	}
}

func TestPostgresStore_HistoryPagination(t *testing.T) {
	db := startPostgres(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Deposit(ctx, alice, big.NewInt(10)); err != nil {
			t.Fatal(err)
		}
	}

	page, err := store.History(ctx, alice, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d entries, want 2", len(page))
	}
	if page[0].ID <= page[1].ID {
		t.Error("expected newest first")
	}

	rest, err := store.History(ctx, alice, page[1].ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 3 {
		t.Fatalf("got %d entries, want 3", len(rest))
	}
	for _, e := range rest {
		if e.ID >= page[1].ID {
			t.Errorf("entry %d leaked past cursor %d", e.ID, page[1].ID)
		}
		if e.CreatedAt.After(time.Now()) {
			t.Errorf("entry timestamp in the future: %v", e.CreatedAt)
		}
	}
}

func TestPostgresStore_LargeAmounts(t *testing.T) {
	db := startPostgres(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	// Well past float64 precision; NUMERIC(40,0) must hold it exactly.
	big1, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	if err := store.Deposit(ctx, alice, big1); err != nil {
		t.Fatal(err)
	}

	bal, err := store.Balance(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Free != big1.String() {
		t.Errorf("free = %s, want %s", bal.Free, big1)
	}
}
