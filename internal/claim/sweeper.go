package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polycopy/internal/dispatch"
	"github.com/alanyoungcy/polycopy/internal/domain"
)

// ConfigLookup resolves a follower config by id.
type ConfigLookup func(id string) (domain.FollowerConfig, bool)

// Sweeper re-drives failed trades whose backoff has elapsed and expires
// claims that never started. State lives in the store, so pending retries
// survive restarts.
type Sweeper struct {
	store      domain.CopyTradeStore
	queue      dispatch.Queue
	configs    ConfigLookup
	backoff    Backoff
	interval   time.Duration
	batch      int
	pendingTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Interval   time.Duration
	Batch      int
	PendingTTL time.Duration
}

// NewSweeper creates a Sweeper.
func NewSweeper(store domain.CopyTradeStore, queue dispatch.Queue, configs ConfigLookup, backoff Backoff, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Sweeper{
		store:      store,
		queue:      queue,
		configs:    configs,
		backoff:    backoff,
		interval:   cfg.Interval,
		batch:      cfg.Batch,
		pendingTTL: cfg.PendingTTL,
		logger:     logger.With(slog.String("component", "retry_sweeper")),
		now:        time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := s.now()
			if _, err := s.SweepOnce(ctx, now); err != nil {
				s.logger.WarnContext(ctx, "retry sweep failed", slog.String("error", err.Error()))
			}
			if _, err := s.ExpireStale(ctx, now); err != nil {
				s.logger.WarnContext(ctx, "stale pending expiry failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepOnce moves due FAILED trades back to PENDING and enqueues them. It
// returns how many were requeued.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDueRetries(ctx, now, s.batch)
	if err != nil {
		return 0, fmt.Errorf("claim: list due retries: %w", err)
	}

	requeued := 0
	for i := range due {
		t := due[i]
		cfg, ok := s.configs(t.ConfigID)
		if !ok {
			s.logger.WarnContext(ctx, "retry skipped, config no longer active",
				slog.String("trade_id", t.ID),
				slog.String("config_id", t.ConfigID),
			)
			continue
		}

		retry := t
		retry.Status = domain.CopyTradePending
		retry.RetryCount++
		retry.NextRetryAt = nil
		retry.UpdatedAt = now.UTC()
		if err := s.store.Transition(ctx, &retry, domain.CopyTradeFailed); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return requeued, fmt.Errorf("claim: requeue %s: %w", t.ID, err)
		}

		ok, err = s.queue.Enqueue(ctx, dispatch.Job{
			Config:       cfg,
			Signal:       signalOf(retry),
			RetryTradeID: retry.ID,
		})
		if err != nil || !ok {
			// Put it back so the next sweep picks it up again.
			back := retry
			back.Status = domain.CopyTradeFailed
			back.RetryCount = t.RetryCount
			at := now.UTC().Add(s.backoff.Delay(t.RetryCount))
			back.NextRetryAt = &at
			if terr := s.store.Transition(ctx, &back, domain.CopyTradePending); terr != nil {
				s.logger.ErrorContext(ctx, "failed to restore retry after enqueue failure",
					slog.String("trade_id", t.ID),
					slog.String("error", terr.Error()),
				)
			}
			if err != nil {
				return requeued, fmt.Errorf("claim: enqueue retry %s: %w", t.ID, err)
			}
			s.logger.WarnContext(ctx, "retry dropped, queue full", slog.String("trade_id", t.ID))
			continue
		}

		requeued++
		s.logger.InfoContext(ctx, "copy trade requeued for retry",
			slog.String("trade_id", t.ID),
			slog.Int("retry_count", retry.RetryCount),
		)
	}
	return requeued, nil
}

// ExpireStale fails PENDING trades that have not progressed within the
// pending TTL. Expired trades are terminal. A trade still carrying a
// transfer from an earlier attempt is left for the processor to resolve.
func (s *Sweeper) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	if s.pendingTTL <= 0 {
		return 0, nil
	}
	stale, err := s.store.ListStale(ctx, domain.CopyTradePending, now.Add(-s.pendingTTL), s.batch)
	if err != nil {
		return 0, fmt.Errorf("claim: list stale pending: %w", err)
	}
	expired := 0
	for i := range stale {
		t := stale[i]
		if t.FundTxHash != "" || t.SettlementTxHash != "" {
			continue
		}
		t.Status = domain.CopyTradeFailed
		t.ErrorCode = "EXPIRED"
		t.ErrorMessage = "claim not started within pending ttl"
		t.NextRetryAt = nil
		t.UpdatedAt = now.UTC()
		if err := s.store.Transition(ctx, &t, domain.CopyTradePending); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return expired, fmt.Errorf("claim: expire %s: %w", t.ID, err)
		}
		expired++
	}
	if expired > 0 {
		s.logger.WarnContext(ctx, "expired stale pending trades", slog.Int("count", expired))
	}
	return expired, nil
}

func signalOf(t domain.CopyTrade) domain.TradeSignal {
	return domain.TradeSignal{
		TraderAddress: t.LeaderTrader,
		Side:          t.Side,
		TokenID:       t.TokenID,
		Size:          t.LeaderSize,
		Price:         t.LeaderPrice,
		SourceTxHash:  t.SourceTxHash,
		MarketSlug:    t.MarketSlug,
		IsPending:     t.SignalPending,
	}
}
