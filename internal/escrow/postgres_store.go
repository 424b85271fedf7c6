package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/lib/pq"

	"github.com/mbd888/atomicswap/internal/swap"
)

// PostgresStore persists escrows in the escrows table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, h *swap.Htlc) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, order_hash, hashlock, maker, taker, amount, safety_deposit,
			deployed_at, withdrawal_after, public_withdrawal_after,
			cancellation_after, type, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		h.ID.String(), h.Immutables.OrderHash.String(), h.Immutables.Hashlock.String(),
		h.Immutables.Maker, h.Immutables.Taker,
		h.Immutables.Amount.String(), h.Immutables.SafetyDeposit.String(),
		h.Immutables.Timelocks.DeployedAt, h.Immutables.Timelocks.WithdrawalAfter,
		h.Immutables.Timelocks.PublicWithdrawalAfter, h.Immutables.Timelocks.CancellationAfter,
		string(h.Type), string(h.Status),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrHtlcAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id swap.Hash) (*swap.Htlc, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_hash, hashlock, maker, taker, amount, safety_deposit,
		       deployed_at, withdrawal_after, public_withdrawal_after,
		       cancellation_after, type, status
		FROM escrows WHERE id = $1`, id.String())
	return scanHtlc(row)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id swap.Hash, status swap.HtlcStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrows SET status = $2, updated_at = NOW() WHERE id = $1`,
		id.String(), string(status))
	if err != nil {
		return fmt.Errorf("update escrow status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrHtlcDoesNotExist
	}
	return nil
}

func (s *PostgresStore) ListByAccount(ctx context.Context, addr string, limit int) ([]*swap.Htlc, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_hash, hashlock, maker, taker, amount, safety_deposit,
		       deployed_at, withdrawal_after, public_withdrawal_after,
		       cancellation_after, type, status
		FROM escrows
		WHERE maker = $1 OR taker = $1
		ORDER BY created_at DESC
		LIMIT $2`, addr, limit)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var out []*swap.Htlc
	for rows.Next() {
		h, err := scanHtlc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHtlc(row rowScanner) (*swap.Htlc, error) {
	var (
		h                          swap.Htlc
		id, orderHash, hashlock    string
		amount, deposit, typ, stat string
	)
	err := row.Scan(&id, &orderHash, &hashlock,
		&h.Immutables.Maker, &h.Immutables.Taker, &amount, &deposit,
		&h.Immutables.Timelocks.DeployedAt, &h.Immutables.Timelocks.WithdrawalAfter,
		&h.Immutables.Timelocks.PublicWithdrawalAfter, &h.Immutables.Timelocks.CancellationAfter,
		&typ, &stat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHtlcDoesNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("scan escrow: %w", err)
	}
	if h.ID, err = swap.ParseHash(id); err != nil {
		return nil, fmt.Errorf("stored escrow id: %w", err)
	}
	if h.Immutables.OrderHash, err = swap.ParseHash(orderHash); err != nil {
		return nil, fmt.Errorf("stored order hash: %w", err)
	}
	if h.Immutables.Hashlock, err = swap.ParseHash(hashlock); err != nil {
		return nil, fmt.Errorf("stored hashlock: %w", err)
	}
	var ok bool
	if h.Immutables.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
		return nil, fmt.Errorf("stored amount %q is not a decimal", amount)
	}
	if h.Immutables.SafetyDeposit, ok = new(big.Int).SetString(deposit, 10); !ok {
		return nil, fmt.Errorf("stored safety deposit %q is not a decimal", deposit)
	}
	h.Type = swap.HtlcType(typ)
	h.Status = swap.HtlcStatus(stat)
	return &h, nil
}
