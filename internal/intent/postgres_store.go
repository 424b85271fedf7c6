package intent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/lib/pq"

	"github.com/mbd888/atomicswap/internal/swap"
)

// PostgresStore persists swap intents in the swap_intents table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, si *swap.StoredSwapIntent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swap_intents (
			key, hashlock, maker, nonce, src_amount, dst_amount, dst_address,
			timeout_after_block, status, created_at_height
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		si.Key.String(), si.Intent.Hashlock.String(), si.Intent.Maker, si.Intent.Nonce,
		si.Intent.SrcAmount.String(), si.Intent.DstAmount.String(), si.Intent.DstAddress,
		si.Intent.TimeoutAfterBlock, string(si.Status), si.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrIntentAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key swap.Hash) (*swap.StoredSwapIntent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, hashlock, maker, nonce, src_amount, dst_amount, dst_address,
		       timeout_after_block, status, created_at_height, resolver, htlc_id
		FROM swap_intents WHERE key = $1`, key.String())
	return scanIntent(row)
}

// Transition is a compare-and-swap on status so concurrent resolvers and
// the expiry sweeper cannot double-apply.
func (s *PostgresStore) Transition(ctx context.Context, key swap.Hash, from, to swap.IntentStatus, resolver string, htlcID swap.Hash) error {
	htlcStr := sql.NullString{}
	if !htlcID.IsZero() {
		htlcStr = sql.NullString{String: htlcID.String(), Valid: true}
	}
	resolverStr := sql.NullString{}
	if resolver != "" {
		resolverStr = sql.NullString{String: resolver, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE swap_intents
		SET status = $3,
		    resolver = COALESCE($4, resolver),
		    htlc_id = COALESCE($5, htlc_id),
		    updated_at = NOW()
		WHERE key = $1 AND status = $2`,
		key.String(), string(from), string(to), resolverStr, htlcStr)
	if err != nil {
		return fmt.Errorf("transition intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a status mismatch.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM swap_intents WHERE key = $1)`,
			key.String()).Scan(&exists); err != nil {
			return fmt.Errorf("check intent existence: %w", err)
		}
		if !exists {
			return ErrIntentDoesNotExist
		}
		return ErrIntentNotActive
	}
	return nil
}

func (s *PostgresStore) ListByMaker(ctx context.Context, maker string, limit int) ([]*swap.StoredSwapIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, hashlock, maker, nonce, src_amount, dst_amount, dst_address,
		       timeout_after_block, status, created_at_height, resolver, htlc_id
		FROM swap_intents
		WHERE maker = $1
		ORDER BY created_at DESC
		LIMIT $2`, maker, limit)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()
	return collectIntents(rows)
}

func (s *PostgresStore) ListExpirable(ctx context.Context, height uint64, limit int) ([]*swap.StoredSwapIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, hashlock, maker, nonce, src_amount, dst_amount, dst_address,
		       timeout_after_block, status, created_at_height, resolver, htlc_id
		FROM swap_intents
		WHERE status = 'active' AND timeout_after_block < $1
		ORDER BY timeout_after_block
		LIMIT $2`, height, limit)
	if err != nil {
		return nil, fmt.Errorf("list expirable intents: %w", err)
	}
	defer rows.Close()
	return collectIntents(rows)
}

func collectIntents(rows *sql.Rows) ([]*swap.StoredSwapIntent, error) {
	var out []*swap.StoredSwapIntent
	for rows.Next() {
		si, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*swap.StoredSwapIntent, error) {
	var (
		si                      swap.StoredSwapIntent
		key, hashlock, src, dst string
		status                  string
		resolver, htlcID        sql.NullString
	)
	err := row.Scan(&key, &hashlock, &si.Intent.Maker, &si.Intent.Nonce,
		&src, &dst, &si.Intent.DstAddress, &si.Intent.TimeoutAfterBlock,
		&status, &si.CreatedAt, &resolver, &htlcID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntentDoesNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("scan intent: %w", err)
	}
	if si.Key, err = swap.ParseHash(key); err != nil {
		return nil, fmt.Errorf("stored intent key: %w", err)
	}
	if si.Intent.Hashlock, err = swap.ParseHash(hashlock); err != nil {
		return nil, fmt.Errorf("stored hashlock: %w", err)
	}
	var ok bool
	if si.Intent.SrcAmount, ok = new(big.Int).SetString(src, 10); !ok {
		return nil, fmt.Errorf("stored src amount %q is not a decimal", src)
	}
	if si.Intent.DstAmount, ok = new(big.Int).SetString(dst, 10); !ok {
		return nil, fmt.Errorf("stored dst amount %q is not a decimal", dst)
	}
	si.Status = swap.IntentStatus(status)
	if resolver.Valid {
		si.Resolver = resolver.String
	}
	if htlcID.Valid {
		if si.HtlcID, err = swap.ParseHash(htlcID.String); err != nil {
			return nil, fmt.Errorf("stored htlc id: %w", err)
		}
	}
	return &si, nil
}
