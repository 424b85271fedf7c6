package custody

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"
)

// PostgresStore persists custody state in PostgreSQL. Every mutation runs in
// a transaction with row locks so concurrent calls against the same account
// cannot corrupt hold accounting.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed custody store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin custody tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// lockFree reads an account's free balance with a row lock, creating the row
// if the account is new.
func lockFree(ctx context.Context, tx *sql.Tx, addr string) (*big.Int, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO custody_accounts (address, free, updated_at)
		VALUES ($1, 0, now())
		ON CONFLICT (address) DO NOTHING`, addr)
	if err != nil {
		return nil, err
	}
	var freeStr string
	err = tx.QueryRowContext(ctx,
		`SELECT free::TEXT FROM custody_accounts WHERE address = $1 FOR UPDATE`, addr,
	).Scan(&freeStr)
	if err != nil {
		return nil, err
	}
	free, ok := new(big.Int).SetString(freeStr, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt free balance %q for %s", freeStr, addr)
	}
	return free, nil
}

func lockHold(ctx context.Context, tx *sql.Tx, addr string, reason Reason) (*big.Int, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO custody_holds (address, reason, amount)
		VALUES ($1, $2, 0)
		ON CONFLICT (address, reason) DO NOTHING`, addr, string(reason))
	if err != nil {
		return nil, err
	}
	var heldStr string
	err = tx.QueryRowContext(ctx,
		`SELECT amount::TEXT FROM custody_holds WHERE address = $1 AND reason = $2 FOR UPDATE`,
		addr, string(reason),
	).Scan(&heldStr)
	if err != nil {
		return nil, err
	}
	held, ok := new(big.Int).SetString(heldStr, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt hold balance %q for %s/%s", heldStr, addr, reason)
	}
	return held, nil
}

func setFree(ctx context.Context, tx *sql.Tx, addr string, v *big.Int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE custody_accounts SET free = $1::NUMERIC, updated_at = now() WHERE address = $2`,
		v.String(), addr)
	return err
}

func setHold(ctx context.Context, tx *sql.Tx, addr string, reason Reason, v *big.Int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE custody_holds SET amount = $1::NUMERIC WHERE address = $2 AND reason = $3`,
		v.String(), addr, string(reason))
	return err
}

func appendEntry(ctx context.Context, tx *sql.Tx, addr, kind string, reason Reason, amount *big.Int, counterparty string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO custody_entries (address, kind, reason, amount, counterparty)
		VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		addr, kind, string(reason), amount.String(), counterparty)
	return err
}

func (p *PostgresStore) Deposit(ctx context.Context, addr string, amount *big.Int) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		free, err := lockFree(ctx, tx, addr)
		if err != nil {
			return err
		}
		if err := setFree(ctx, tx, addr, free.Add(free, amount)); err != nil {
			return err
		}
		return appendEntry(ctx, tx, addr, "deposit", "", amount, "")
	})
}

func (p *PostgresStore) Withdraw(ctx context.Context, addr string, amount *big.Int) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		free, err := lockFree(ctx, tx, addr)
		if err != nil {
			return err
		}
		if free.Cmp(amount) < 0 {
			return ErrInsufficientBalance
		}
		if err := setFree(ctx, tx, addr, free.Sub(free, amount)); err != nil {
			return err
		}
		return appendEntry(ctx, tx, addr, "withdraw", "", amount, "")
	})
}

func (p *PostgresStore) Hold(ctx context.Context, reason Reason, addr string, amount *big.Int) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		free, err := lockFree(ctx, tx, addr)
		if err != nil {
			return err
		}
		if free.Cmp(amount) < 0 {
			return ErrInsufficientBalance
		}
		held, err := lockHold(ctx, tx, addr, reason)
		if err != nil {
			return err
		}
		if err := setFree(ctx, tx, addr, free.Sub(free, amount)); err != nil {
			return err
		}
		if err := setHold(ctx, tx, addr, reason, held.Add(held, amount)); err != nil {
			return err
		}
		return appendEntry(ctx, tx, addr, "hold", reason, amount, "")
	})
}

func (p *PostgresStore) Release(ctx context.Context, reason Reason, addr string, amount *big.Int) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		held, err := lockHold(ctx, tx, addr, reason)
		if err != nil {
			return err
		}
		if held.Cmp(amount) < 0 {
			return ErrInsufficientHold
		}
		free, err := lockFree(ctx, tx, addr)
		if err != nil {
			return err
		}
		if err := setHold(ctx, tx, addr, reason, held.Sub(held, amount)); err != nil {
			return err
		}
		if err := setFree(ctx, tx, addr, free.Add(free, amount)); err != nil {
			return err
		}
		return appendEntry(ctx, tx, addr, "release", reason, amount, "")
	})
}

func (p *PostgresStore) Transfer(ctx context.Context, from, to string, amount *big.Int) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		// Lock in address order to avoid deadlock between concurrent
		// opposite-direction transfers.
		first, second := from, to
		if second < first {
			first, second = second, first
		}
		balances := map[string]*big.Int{}
		for _, addr := range []string{first, second} {
			b, err := lockFree(ctx, tx, addr)
			if err != nil {
				return err
			}
			balances[addr] = b
		}
		src, dst := balances[from], balances[to]
		if src.Cmp(amount) < 0 {
			return ErrInsufficientBalance
		}
		if err := setFree(ctx, tx, from, src.Sub(src, amount)); err != nil {
			return err
		}
		if err := setFree(ctx, tx, to, dst.Add(dst, amount)); err != nil {
			return err
		}
		if err := appendEntry(ctx, tx, from, "transfer_out", "", amount, to); err != nil {
			return err
		}
		return appendEntry(ctx, tx, to, "transfer_in", "", amount, from)
	})
}

func (p *PostgresStore) Balance(ctx context.Context, addr string) (*Balance, error) {
	var free string
	var updatedAt time.Time
	err := p.db.QueryRowContext(ctx,
		`SELECT free::TEXT, updated_at FROM custody_accounts WHERE address = $1`, addr,
	).Scan(&free, &updatedAt)
	if err == sql.ErrNoRows {
		return &Balance{Address: addr, Free: "0", OnHold: "0", UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	var onHold string
	err = p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT FROM custody_holds WHERE address = $1`, addr,
	).Scan(&onHold)
	if err != nil {
		return nil, err
	}
	return &Balance{Address: addr, Free: free, OnHold: onHold, UpdatedAt: updatedAt}, nil
}

func (p *PostgresStore) BalanceOnHold(ctx context.Context, reason Reason, addr string) (*big.Int, error) {
	var heldStr string
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT FROM custody_holds WHERE address = $1 AND reason = $2`,
		addr, string(reason),
	).Scan(&heldStr)
	if err != nil {
		return nil, err
	}
	held, ok := new(big.Int).SetString(heldStr, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt hold balance %q", heldStr)
	}
	return held, nil
}

func (p *PostgresStore) History(ctx context.Context, addr string, beforeID int64, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, kind, COALESCE(reason, ''), amount::TEXT, COALESCE(counterparty, ''), created_at
		FROM custody_entries WHERE address = $1 AND ($2 = 0 OR id < $2)
		ORDER BY id DESC LIMIT $3`, addr, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Address, &e.Kind, &e.Reason, &e.Amount, &e.Counterparty, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
