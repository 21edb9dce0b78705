package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// PositionSnapshotter exposes the in-memory position state.
type PositionSnapshotter interface {
	Snapshot() []domain.TokenState
}

// PositionFlusher periodically persists tracked positions and flushes once
// more on shutdown.
type PositionFlusher struct {
	tracker  PositionSnapshotter
	store    domain.PositionStore
	interval time.Duration
	logger   *slog.Logger
}

// NewPositionFlusher creates a PositionFlusher.
func NewPositionFlusher(tracker PositionSnapshotter, store domain.PositionStore, interval time.Duration, logger *slog.Logger) *PositionFlusher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PositionFlusher{
		tracker:  tracker,
		store:    store,
		interval: interval,
		logger:   logger.With(slog.String("component", "position_flusher")),
	}
}

// Flush saves the current snapshot.
func (f *PositionFlusher) Flush(ctx context.Context) error {
	snap := f.tracker.Snapshot()
	if len(snap) == 0 {
		return nil
	}
	return f.store.SaveAll(ctx, snap)
}

// Run flushes every interval until ctx is done.
func (f *PositionFlusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := f.Flush(context.WithoutCancel(ctx)); err != nil {
				f.logger.Error("final position flush failed", slog.String("error", err.Error()))
			}
			return nil
		case <-ticker.C:
			if err := f.Flush(ctx); err != nil {
				f.logger.WarnContext(ctx, "position flush failed", slog.String("error", err.Error()))
			}
		}
	}
}
