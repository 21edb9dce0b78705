package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// FollowerConfigStore implements domain.FollowerConfigStore.
type FollowerConfigStore struct {
	pool *pgxpool.Pool
}

// NewFollowerConfigStore creates a new FollowerConfigStore backed by the given connection pool.
func NewFollowerConfigStore(pool *pgxpool.Pool) *FollowerConfigStore {
	return &FollowerConfigStore{pool: pool}
}

// ListActive returns every active config.
func (s *FollowerConfigStore) ListActive(ctx context.Context) ([]domain.FollowerConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, follower_wallet, proxy_address, leader_address, mode,
			size_scale, fixed_amount, max_size_per_trade, min_size_per_trade,
			slippage_type, max_slippage, auto_execute, active, updated_at
		FROM follower_configs
		WHERE active
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list follower configs: %w", err)
	}
	defer rows.Close()

	var out []domain.FollowerConfig
	for rows.Next() {
		var c domain.FollowerConfig
		var mode, slip string
		if err := rows.Scan(
			&c.ID, &c.FollowerWallet, &c.ProxyAddress, &c.LeaderAddress, &mode,
			&c.SizeScale, &c.FixedAmount, &c.MaxSizePerTrade, &c.MinSizePerTrade,
			&slip, &c.MaxSlippage, &c.AutoExecute, &c.Active, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan follower config: %w", err)
		}
		c.Mode = domain.SizingMode(mode)
		c.SlippageType = domain.SlippageType(slip)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Upsert inserts or replaces cfg by id.
func (s *FollowerConfigStore) Upsert(ctx context.Context, c domain.FollowerConfig) error {
	const query = `
		INSERT INTO follower_configs (
			id, follower_wallet, proxy_address, leader_address, mode,
			size_scale, fixed_amount, max_size_per_trade, min_size_per_trade,
			slippage_type, max_slippage, auto_execute, active, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (id) DO UPDATE SET
			follower_wallet = EXCLUDED.follower_wallet,
			proxy_address = EXCLUDED.proxy_address,
			leader_address = EXCLUDED.leader_address,
			mode = EXCLUDED.mode,
			size_scale = EXCLUDED.size_scale,
			fixed_amount = EXCLUDED.fixed_amount,
			max_size_per_trade = EXCLUDED.max_size_per_trade,
			min_size_per_trade = EXCLUDED.min_size_per_trade,
			slippage_type = EXCLUDED.slippage_type,
			max_slippage = EXCLUDED.max_slippage,
			auto_execute = EXCLUDED.auto_execute,
			active = EXCLUDED.active,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		c.ID, c.FollowerWallet, c.ProxyAddress, c.LeaderAddress, string(c.Mode),
		c.SizeScale, c.FixedAmount, c.MaxSizePerTrade, c.MinSizePerTrade,
		string(c.SlippageType), c.MaxSlippage, c.AutoExecute, c.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert follower config %s: %w", c.ID, err)
	}
	return nil
}

var _ domain.FollowerConfigStore = (*FollowerConfigStore)(nil)
