package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polycopy/internal/detector"
	"github.com/alanyoungcy/polycopy/internal/dispatch"
	"github.com/alanyoungcy/polycopy/internal/domain"
)

func (s *Supervisor) dispatchLoop(ctx context.Context, merger *detector.Merger) error {
	signals := merger.Signals()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			s.Dispatch(ctx, sig)
		}
	}
}

// Dispatch fans sig out to every follower of its trader and returns the
// number of jobs enqueued.
//
// Pending signals are only sized and cached unless ExecutePendingSignals is
// set; the confirmed signal for the same trade carries the cached size into
// the job. Under critical load pending signals are ignored entirely.
func (s *Supervisor) Dispatch(ctx context.Context, sig domain.TradeSignal) int {
	followers := s.followersOf(sig.TraderAddress)
	if len(followers) == 0 {
		return 0
	}
	if sig.IsPending && s.shedder.Level() == LevelCritical {
		s.logger.DebugContext(ctx, "pending signal shed",
			slog.String("source_tx", sig.SourceTxHash),
		)
		return 0
	}
	if !s.tradable(ctx, &sig) {
		return 0
	}

	enqueued := 0
	for _, cfg := range followers {
		key := domain.IdempotencyKey(cfg.ID, sig.SourceTxHash, sig.TokenID)
		job := dispatch.Job{Config: cfg, Signal: sig, EnqueuedAt: s.now()}

		if sig.IsPending && !s.cfg.ExecutePendingSignals {
			sized := s.deps.Processor.Size(ctx, cfg, sig)
			s.sizes.put(key, sized, s.now())
			continue
		}
		if !sig.IsPending {
			if sized, ok := s.sizes.take(key); ok {
				job.Sizing = &sized
			}
		}

		ok, err := s.deps.Queue.Enqueue(ctx, job)
		switch {
		case err != nil:
			s.logger.ErrorContext(ctx, "enqueue failed",
				slog.String("config_id", cfg.ID),
				slog.String("source_tx", sig.SourceTxHash),
				slog.String("error", err.Error()),
			)
		case !ok:
			s.logger.WarnContext(ctx, "dispatch queue full, job dropped",
				slog.String("config_id", cfg.ID),
				slog.String("source_tx", sig.SourceTxHash),
			)
		default:
			enqueued++
		}
	}
	return enqueued
}

// tradable checks the market is still open and fills in the slug. Lookup
// errors let the signal through.
func (s *Supervisor) tradable(ctx context.Context, sig *domain.TradeSignal) bool {
	if s.deps.Markets == nil || sig.TokenID == "" {
		return true
	}
	m, err := s.deps.Markets.MarketByToken(ctx, sig.TokenID)
	if err != nil {
		s.logger.DebugContext(ctx, "market lookup failed",
			slog.String("token_id", sig.TokenID),
			slog.String("error", err.Error()),
		)
		return true
	}
	if !m.Tradable() {
		s.logger.InfoContext(ctx, "signal for closed market skipped",
			slog.String("token_id", sig.TokenID),
			slog.String("market", m.Slug),
		)
		return false
	}
	if sig.MarketSlug == "" {
		sig.MarketSlug = m.Slug
	}
	return true
}

type sizedEntry struct {
	sizing dispatch.Sizing
	at     time.Time
}

// sizingCache holds sizes computed from pending signals until the matching
// confirmation arrives.
type sizingCache struct {
	mu sync.Mutex
	m  map[string]sizedEntry
}

func newSizingCache() *sizingCache {
	return &sizingCache{m: make(map[string]sizedEntry)}
}

func (c *sizingCache) put(key string, s dispatch.Sizing, at time.Time) {
	c.mu.Lock()
	c.m[key] = sizedEntry{sizing: s, at: at}
	c.mu.Unlock()
}

func (c *sizingCache) take(key string) (dispatch.Sizing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if ok {
		delete(c.m, key)
	}
	return e.sizing, ok
}

func (c *sizingCache) prune(before time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.m {
		if e.at.Before(before) {
			delete(c.m, k)
			n++
		}
	}
	return n
}

func (c *sizingCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
