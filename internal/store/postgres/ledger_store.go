package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// LedgerStore implements domain.LedgerStore. Amounts travel as text to keep
// NUMERIC precision through shopspring/decimal.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Insert records a new PENDING entry. An existing id returns
// domain.ErrAlreadyExists.
func (s *LedgerStore) Insert(ctx context.Context, e *domain.ReimbursementLedgerEntry) error {
	const query = `
		INSERT INTO reimbursement_ledger (
			id, copy_trade_id, proxy_address, bot_address, amount, currency,
			status, tx_hash, error_log, created_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		e.ID, e.CopyTradeID, e.ProxyAddress, e.BotAddress, e.Amount.String(), e.Currency,
		string(e.Status), e.TxHash, e.ErrorLog, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert ledger entry %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert ledger entry %s: %w", e.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// ListPending returns PENDING entries, oldest first.
func (s *LedgerStore) ListPending(ctx context.Context) ([]domain.ReimbursementLedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, copy_trade_id, proxy_address, bot_address, amount::text, currency,
			status, tx_hash, tx_nonce, error_log, created_at, settled_at
		FROM reimbursement_ledger
		WHERE status = 'PENDING'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending ledger: %w", err)
	}
	defer rows.Close()

	var out []domain.ReimbursementLedgerEntry
	for rows.Next() {
		var e domain.ReimbursementLedgerEntry
		var amount, status string
		var nonce int64
		if err := rows.Scan(
			&e.ID, &e.CopyTradeID, &e.ProxyAddress, &e.BotAddress, &amount, &e.Currency,
			&status, &e.TxHash, &nonce, &e.ErrorLog, &e.CreatedAt, &e.SettledAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan ledger entry: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("postgres: ledger entry %s amount %q: %w", e.ID, amount, err)
		}
		e.Status = domain.LedgerStatus(status)
		e.TxNonce = uint64(nonce)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkSettled settles every id in one transaction, or none of them.
func (s *LedgerStore) MarkSettled(ctx context.Context, ids []string, txHash string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE reimbursement_ledger
			SET status = 'SETTLED', tx_hash = $2, settled_at = $3, error_log = ''
			WHERE id = ANY($1) AND status = 'PENDING'`,
			ids, txHash, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != int64(len(ids)) {
			return domain.ErrConflict
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: settle %d ledger entries: %w", len(ids), err)
	}
	return nil
}

// RecordError stores msg on each entry without changing its status.
func (s *LedgerStore) RecordError(ctx context.Context, ids []string, msg string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE reimbursement_ledger SET error_log = $2 WHERE id = ANY($1)`, ids, msg); err != nil {
		return fmt.Errorf("postgres: record ledger error: %w", err)
	}
	return nil
}

// MarkSubmitted stamps PENDING entries with the transfer collecting them.
func (s *LedgerStore) MarkSubmitted(ctx context.Context, ids []string, txHash string, nonce uint64) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE reimbursement_ledger SET tx_hash = $2, tx_nonce = $3 WHERE id = ANY($1) AND status = 'PENDING'`,
		ids, txHash, int64(nonce)); err != nil {
		return fmt.Errorf("postgres: mark ledger submitted: %w", err)
	}
	return nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
