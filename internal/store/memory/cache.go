package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// LockManager implements domain.LockManager within one process.
type LockManager struct {
	mu   sync.Mutex
	held map[string]heldLock
	seq  uint64
	now  func() time.Time
}

type heldLock struct {
	token   uint64
	expires time.Time
}

// NewLockManager creates an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]heldLock), now: time.Now}
}

// Acquire takes key until the returned func is called or ttl passes.
func (l *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, domain.ErrLockHeld
	}
	l.seq++
	token := l.seq
	l.held[key] = heldLock{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if h, ok := l.held[key]; ok && h.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)

// DedupStore implements domain.DedupStore with lazy expiry.
type DedupStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewDedupStore creates an empty dedup set.
func NewDedupStore() *DedupStore {
	return &DedupStore{seen: make(map[string]time.Time), now: time.Now}
}

// FirstSeen records key and reports whether it was absent or expired.
func (d *DedupStore) FirstSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(ttl)
	if len(d.seen) > 4096 {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}
	return true, nil
}

var _ domain.DedupStore = (*DedupStore)(nil)

// RateLimiter implements domain.RateLimiter with an in-process sliding
// window per key.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

// Allow counts a request for key and reports whether it fits in the window.
// Refused requests are not counted.
func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-window)
	kept := r.hits[key][:0]
	for _, at := range r.hits[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= limit {
		r.hits[key] = kept
		return false, nil
	}
	r.hits[key] = append(kept, now)
	return true, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// PriceCache implements domain.PriceCache with a plain map.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
}

type pricePoint struct {
	price float64
	ts    time.Time
}

// NewPriceCache creates an empty price cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]pricePoint)}
}

// SetPrice stores price for tokenID.
func (c *PriceCache) SetPrice(_ context.Context, tokenID string, price float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[tokenID] = pricePoint{price: price, ts: ts}
	return nil
}

// GetPrice returns the last stored price or domain.ErrNotFound.
func (c *PriceCache) GetPrice(_ context.Context, tokenID string) (float64, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[tokenID]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p.price, p.ts, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)

// MarketCache implements domain.MarketCache with per-entry expiry.
type MarketCache struct {
	mu      sync.Mutex
	markets map[string]cachedMarket
	now     func() time.Time
}

type cachedMarket struct {
	info    domain.MarketInfo
	expires time.Time
}

// NewMarketCache creates an empty market cache.
func NewMarketCache() *MarketCache {
	return &MarketCache{markets: make(map[string]cachedMarket), now: time.Now}
}

// GetByToken returns the cached market or domain.ErrNotFound.
func (c *MarketCache) GetByToken(_ context.Context, tokenID string) (domain.MarketInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.markets[tokenID]
	if !ok || !c.now().Before(m.expires) {
		delete(c.markets, tokenID)
		return domain.MarketInfo{}, domain.ErrNotFound
	}
	return m.info, nil
}

// Set stores info under its token for ttl.
func (c *MarketCache) Set(_ context.Context, info domain.MarketInfo, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markets[info.TokenID] = cachedMarket{info: info, expires: c.now().Add(ttl)}
	return nil
}

var _ domain.MarketCache = (*MarketCache)(nil)
