package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polycopy/internal/dispatch"
)

// Level is the dispatch load level.
type Level int32

const (
	LevelNormal Level = iota
	LevelWarn
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelCritical:
		return "critical"
	default:
		return "normal"
	}
}

// SheddingConfig sets the thresholds on queue lag (p95) and depth. A zero
// threshold is ignored.
type SheddingConfig struct {
	LagWarn       time.Duration
	LagCritical   time.Duration
	DepthWarn     int
	DepthCritical int
	Interval      time.Duration
}

// Shedder samples queue health and publishes the current load level.
type Shedder struct {
	queue    dispatch.Queue
	cfg      SheddingConfig
	notifier Notifier
	logger   *slog.Logger
	level    atomic.Int32
}

// NewShedder creates a Shedder. notifier may be nil.
func NewShedder(queue dispatch.Queue, cfg SheddingConfig, notifier Notifier, logger *slog.Logger) *Shedder {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Shedder{queue: queue, cfg: cfg, notifier: notifier, logger: logger}
}

// Level returns the last evaluated level.
func (s *Shedder) Level() Level {
	return Level(s.level.Load())
}

// Evaluate classifies st against the thresholds.
func (s *Shedder) Evaluate(st dispatch.Stats) Level {
	over := func(lag time.Duration, depth int) bool {
		return (lag > 0 && st.LagP95 >= lag) || (depth > 0 && st.Depth >= depth)
	}
	switch {
	case over(s.cfg.LagCritical, s.cfg.DepthCritical):
		return LevelCritical
	case over(s.cfg.LagWarn, s.cfg.DepthWarn):
		return LevelWarn
	default:
		return LevelNormal
	}
}

// Check evaluates the queue once and records level changes.
func (s *Shedder) Check(ctx context.Context) Level {
	st := s.queue.Stats()
	next := s.Evaluate(st)
	prev := Level(s.level.Swap(int32(next)))
	if next == prev {
		return next
	}

	attrs := []any{
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
		slog.Int("depth", st.Depth),
		slog.Duration("lag_p95", st.LagP95),
	}
	switch next {
	case LevelCritical:
		s.logger.ErrorContext(ctx, "dispatch load critical, pending signals paused", attrs...)
		if s.notifier != nil {
			msg := fmt.Sprintf("queue depth %d, p95 lag %s", st.Depth, st.LagP95)
			if err := s.notifier.Notify(ctx, "error", "Dispatch overloaded", msg); err != nil {
				s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
			}
		}
	case LevelWarn:
		s.logger.WarnContext(ctx, "dispatch load elevated", attrs...)
	default:
		s.logger.InfoContext(ctx, "dispatch load normal", attrs...)
	}
	return next
}

// Run samples the queue until ctx is done.
func (s *Shedder) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Check(ctx)
			st := s.queue.Stats()
			s.logger.DebugContext(ctx, "queue stats",
				slog.Int("depth", st.Depth),
				slog.Int64("enqueued", st.Enqueued),
				slog.Int64("dequeued", st.Dequeued),
				slog.Int64("dropped", st.Dropped),
				slog.Duration("lag_p95", st.LagP95),
			)
		}
	}
}
