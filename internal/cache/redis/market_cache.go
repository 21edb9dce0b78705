package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// MarketCache implements domain.MarketCache. Entries are JSON strings keyed
// by outcome token at "{ns}:market:token:{tokenID}".
type MarketCache struct {
	rdb  *redis.Client
	keys keyspace
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.Underlying(), keys: c.keys}
}

func (mc *MarketCache) tokenKey(tok string) string { return mc.keys.key("market", "token", tok) }

// Set stores info under its token for ttl.
func (mc *MarketCache) Set(ctx context.Context, info domain.MarketInfo, ttl time.Duration) error {
	if info.TokenID == "" {
		return fmt.Errorf("redis: set market %s: empty token id", info.ID)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", info.ID, err)
	}
	if err := mc.rdb.Set(ctx, mc.tokenKey(info.TokenID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market %s: %w", info.ID, err)
	}
	return nil
}

// GetByToken returns the cached market for tokenID, or domain.ErrNotFound.
func (mc *MarketCache) GetByToken(ctx context.Context, tokenID string) (domain.MarketInfo, error) {
	data, err := mc.rdb.Get(ctx, mc.tokenKey(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketInfo{}, domain.ErrNotFound
		}
		return domain.MarketInfo{}, fmt.Errorf("redis: get market by token %s: %w", tokenID, err)
	}

	var info domain.MarketInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return domain.MarketInfo{}, fmt.Errorf("redis: unmarshal market %s: %w", tokenID, err)
	}
	return info, nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
