package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// Dedup implements domain.DedupStore with SET NX PX under "{ns}:dedup:{key}".
type Dedup struct {
	rdb  *redis.Client
	keys keyspace
}

// NewDedup creates a Dedup backed by the given Client.
func NewDedup(c *Client) *Dedup {
	return &Dedup{rdb: c.Underlying(), keys: c.keys}
}

// FirstSeen reports whether key was absent and records it for ttl.
func (d *Dedup) FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.keys.key("dedup", key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: dedup %s: %w", key, err)
	}
	return ok, nil
}

var _ domain.DedupStore = (*Dedup)(nil)
