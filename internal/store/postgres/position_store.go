package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// PositionStore implements domain.PositionStore. One row per token holds
// the tracker's running state.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// SaveAll upserts every state in one batch.
func (s *PositionStore) SaveAll(ctx context.Context, states []domain.TokenState) error {
	if len(states) == 0 {
		return nil
	}
	const query = `
		INSERT INTO position_states (token_id, shares, cost_basis, realized_pnl, last_price, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token_id) DO UPDATE SET
			shares = EXCLUDED.shares,
			cost_basis = EXCLUDED.cost_basis,
			realized_pnl = EXCLUDED.realized_pnl,
			last_price = EXCLUDED.last_price,
			updated_at = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	for _, st := range states {
		batch.Queue(query, st.TokenID, st.Shares, st.CostBasis, st.RealizedPnL, st.LastPrice, st.UpdatedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: save positions: %w", err)
	}
	return nil
}

// LoadAll returns every stored state.
func (s *PositionStore) LoadAll(ctx context.Context) ([]domain.TokenState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token_id, shares, cost_basis, realized_pnl, last_price, updated_at FROM position_states`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load positions: %w", err)
	}
	defer rows.Close()

	var out []domain.TokenState
	for rows.Next() {
		var st domain.TokenState
		if err := rows.Scan(&st.TokenID, &st.Shares, &st.CostBasis, &st.RealizedPnL, &st.LastPrice, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Delete removes a closed token.
func (s *PositionStore) Delete(ctx context.Context, tokenID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM position_states WHERE token_id = $1`, tokenID); err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", tokenID, err)
	}
	return nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
