package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// CopyTradeStore implements domain.CopyTradeStore. The unique index on
// idempotency_key is the claim; Transition is a compare-and-set on status.
type CopyTradeStore struct {
	pool *pgxpool.Pool
}

// NewCopyTradeStore creates a new CopyTradeStore backed by the given connection pool.
func NewCopyTradeStore(pool *pgxpool.Pool) *CopyTradeStore {
	return &CopyTradeStore{pool: pool}
}

const copyTradeSelectCols = `id, config_id, idempotency_key, follower_wallet, proxy_address,
	leader_trader, source_tx_hash, token_id, market_slug, side,
	leader_size, leader_price, copy_size, copy_price, slippage, signal_pending,
	status, retry_count, next_retry_at, error_code, error_message,
	order_id, tx_hash, filled_shares, filled_price,
	used_execution_wallet_float, settlement_deferred, settlement_tx_hash,
	realized_pnl, fund_tx_hash, fund_tx_nonce, settlement_tx_nonce,
	created_at, updated_at, executed_at`

func scanCopyTrade(row pgx.Row) (domain.CopyTrade, error) {
	var t domain.CopyTrade
	var side, status string
	var fundNonce, settleNonce int64
	err := row.Scan(
		&t.ID, &t.ConfigID, &t.IdempotencyKey, &t.FollowerWallet, &t.ProxyAddress,
		&t.LeaderTrader, &t.SourceTxHash, &t.TokenID, &t.MarketSlug, &side,
		&t.LeaderSize, &t.LeaderPrice, &t.CopySize, &t.CopyPrice, &t.Slippage, &t.SignalPending,
		&status, &t.RetryCount, &t.NextRetryAt, &t.ErrorCode, &t.ErrorMessage,
		&t.OrderID, &t.TxHash, &t.FilledShares, &t.FilledPrice,
		&t.UsedExecutionWalletFloat, &t.SettlementDeferred, &t.SettlementTxHash,
		&t.RealizedPnL, &t.FundTxHash, &fundNonce, &settleNonce,
		&t.CreatedAt, &t.UpdatedAt, &t.ExecutedAt,
	)
	if err != nil {
		return domain.CopyTrade{}, err
	}
	t.FundTxNonce = uint64(fundNonce)
	t.SettlementTxNonce = uint64(settleNonce)
	t.Side = domain.OrderSide(side)
	t.Status = domain.CopyTradeStatus(status)
	return t, nil
}

func (s *CopyTradeStore) query(ctx context.Context, where string, args ...any) ([]domain.CopyTrade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+copyTradeSelectCols+` FROM copy_trades WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CopyTrade
	for rows.Next() {
		t, err := scanCopyTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertIfAbsent claims t's idempotency key. It reports false when another
// row already holds the key.
func (s *CopyTradeStore) InsertIfAbsent(ctx context.Context, t *domain.CopyTrade) (bool, error) {
	const query = `
		INSERT INTO copy_trades (
			id, config_id, idempotency_key, follower_wallet, proxy_address,
			leader_trader, source_tx_hash, token_id, market_slug, side,
			leader_size, leader_price, copy_size, copy_price, slippage, signal_pending,
			status, retry_count, next_retry_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21
		)
		ON CONFLICT (idempotency_key) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.ConfigID, t.IdempotencyKey, t.FollowerWallet, t.ProxyAddress,
		t.LeaderTrader, t.SourceTxHash, t.TokenID, t.MarketSlug, string(t.Side),
		t.LeaderSize, t.LeaderPrice, t.CopySize, t.CopyPrice, t.Slippage, t.SignalPending,
		string(t.Status), t.RetryCount, t.NextRetryAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert copy trade %s: %w", t.IdempotencyKey, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID returns the trade with id.
func (s *CopyTradeStore) GetByID(ctx context.Context, id string) (domain.CopyTrade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+copyTradeSelectCols+` FROM copy_trades WHERE id = $1`, id)
	t, err := scanCopyTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CopyTrade{}, domain.ErrNotFound
		}
		return domain.CopyTrade{}, fmt.Errorf("postgres: get copy trade %s: %w", id, err)
	}
	return t, nil
}

// GetByIdempotencyKey returns the trade holding key.
func (s *CopyTradeStore) GetByIdempotencyKey(ctx context.Context, key string) (domain.CopyTrade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+copyTradeSelectCols+` FROM copy_trades WHERE idempotency_key = $1`, key)
	t, err := scanCopyTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CopyTrade{}, domain.ErrNotFound
		}
		return domain.CopyTrade{}, fmt.Errorf("postgres: get copy trade by key %s: %w", key, err)
	}
	return t, nil
}

// Transition writes t's mutable fields only while the row is still in
// status from. A lost race returns domain.ErrConflict.
func (s *CopyTradeStore) Transition(ctx context.Context, t *domain.CopyTrade, from domain.CopyTradeStatus) error {
	if !from.CanTransition(t.Status) {
		return fmt.Errorf("postgres: %s -> %s: %w", from, t.Status, domain.ErrInvalidTransition)
	}
	const query = `
		UPDATE copy_trades SET
			status = $3, retry_count = $4, next_retry_at = $5,
			error_code = $6, error_message = $7,
			order_id = $8, tx_hash = $9, filled_shares = $10, filled_price = $11,
			used_execution_wallet_float = $12, settlement_deferred = $13, settlement_tx_hash = $14,
			copy_size = $15, copy_price = $16, slippage = $17,
			updated_at = $18, executed_at = $19,
			realized_pnl = $20, fund_tx_hash = $21, fund_tx_nonce = $22, settlement_tx_nonce = $23
		WHERE id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, query,
		t.ID, string(from),
		string(t.Status), t.RetryCount, t.NextRetryAt,
		t.ErrorCode, t.ErrorMessage,
		t.OrderID, t.TxHash, t.FilledShares, t.FilledPrice,
		t.UsedExecutionWalletFloat, t.SettlementDeferred, t.SettlementTxHash,
		t.CopySize, t.CopyPrice, t.Slippage,
		t.UpdatedAt, t.ExecutedAt,
		t.RealizedPnL, t.FundTxHash, int64(t.FundTxNonce), int64(t.SettlementTxNonce),
	)
	if err != nil {
		return fmt.Errorf("postgres: transition copy trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM copy_trades WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: transition copy trade %s: %w", t.ID, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

// ListDueRetries returns FAILED trades whose next retry is due.
func (s *CopyTradeStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.CopyTrade, error) {
	out, err := s.query(ctx,
		`status = 'FAILED' AND next_retry_at IS NOT NULL AND next_retry_at <= $1 ORDER BY created_at LIMIT $2`,
		now, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list due retries: %w", err)
	}
	return out, nil
}

// ListByStatus returns trades in status, oldest first.
func (s *CopyTradeStore) ListByStatus(ctx context.Context, status domain.CopyTradeStatus, limit int) ([]domain.CopyTrade, error) {
	out, err := s.query(ctx, `status = $1 ORDER BY created_at LIMIT $2`, string(status), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s trades: %w", status, err)
	}
	return out, nil
}

// ListStale returns trades in status untouched since before.
func (s *CopyTradeStore) ListStale(ctx context.Context, status domain.CopyTradeStatus, before time.Time, limit int) ([]domain.CopyTrade, error) {
	out, err := s.query(ctx, `status = $1 AND updated_at < $2 ORDER BY created_at LIMIT $3`,
		string(status), before, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale %s: %w", status, err)
	}
	return out, nil
}

// ExecutedTotals counts and sums filled trades since the cutoff.
func (s *CopyTradeStore) ExecutedTotals(ctx context.Context, since time.Time, f domain.TradeFilter) (domain.TradeTotals, error) {
	const query = `
		SELECT COUNT(*), COALESCE(SUM(copy_size), 0)
		FROM copy_trades
		WHERE status IN ('EXECUTED', 'SETTLEMENT_PENDING')
			AND executed_at >= $1
			AND ($2 = '' OR lower(follower_wallet) = lower($2))
			AND ($3 = '' OR lower(market_slug) = lower($3))`

	var out domain.TradeTotals
	if err := s.pool.QueryRow(ctx, query, since, f.FollowerWallet, f.MarketSlug).Scan(&out.Count, &out.Notional); err != nil {
		return domain.TradeTotals{}, fmt.Errorf("postgres: executed totals: %w", err)
	}
	return out, nil
}

// ListFloatSince returns float-funded trades filled since the cutoff.
func (s *CopyTradeStore) ListFloatSince(ctx context.Context, since time.Time, limit int) ([]domain.CopyTrade, error) {
	out, err := s.query(ctx,
		`used_execution_wallet_float AND status IN ('EXECUTED', 'SETTLEMENT_PENDING') AND executed_at >= $1 ORDER BY created_at LIMIT $2`,
		since, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list float trades: %w", err)
	}
	return out, nil
}

// ListTerminalBefore returns EXECUTED and exhausted FAILED trades created
// before the cutoff.
func (s *CopyTradeStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.CopyTrade, error) {
	out, err := s.query(ctx,
		`(status = 'EXECUTED' OR (status = 'FAILED' AND next_retry_at IS NULL)) AND created_at < $1 ORDER BY created_at`,
		before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal trades: %w", err)
	}
	return out, nil
}

// limitOrAll maps a non-positive limit to NULL, which LIMIT treats as no limit.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

var _ domain.CopyTradeStore = (*CopyTradeStore)(nil)
