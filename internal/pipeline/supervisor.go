// Package pipeline runs the copy-trading pipeline: detector sources feed a
// merger, a dispatch loop fans signals out to followers through the queue,
// and a fixed worker pool executes them. Background loops (retries,
// settlement recovery, ledger flush, tx monitor, archive) share its
// lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polycopy/internal/detector"
	"github.com/alanyoungcy/polycopy/internal/dispatch"
	"github.com/alanyoungcy/polycopy/internal/domain"
)

// ErrRunning is returned by Start when the supervisor is already running.
var ErrRunning = errors.New("pipeline: supervisor already running")

// JobProcessor executes dispatched jobs and sizes signals ahead of time.
type JobProcessor interface {
	Process(ctx context.Context, job dispatch.Job) error
	Size(ctx context.Context, cfg domain.FollowerConfig, sig domain.TradeSignal) dispatch.Sizing
}

// MarketLookup resolves the market an outcome token belongs to.
type MarketLookup interface {
	MarketByToken(ctx context.Context, tokenID string) (domain.MarketInfo, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Runner is a background loop that returns nil once ctx is done.
type Runner interface {
	Run(ctx context.Context) error
}

// Config tunes the supervisor.
type Config struct {
	Workers               int
	ExecutePendingSignals bool
	DedupTTL              time.Duration
	SignalBuffer          int
	DrainInterval         time.Duration
	ConfigRefresh         time.Duration
	// PendingSizingTTL bounds how long a size computed from a pending
	// signal waits for its confirmation.
	PendingSizingTTL time.Duration
	Shedding         SheddingConfig
}

// Deps are the supervisor's collaborators. Configs, Markets and Notifier
// may be nil.
type Deps struct {
	Sources   []detector.Source
	Dedup     domain.DedupStore
	Queue     dispatch.Queue
	Processor JobProcessor
	Configs   domain.FollowerConfigStore
	Static    []domain.FollowerConfig
	Markets   MarketLookup
	Notifier  Notifier
}

type namedRunner struct {
	name string
	run  Runner
}

// Supervisor owns the watchlist, the follower index and every pipeline
// goroutine.
type Supervisor struct {
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	shedder *Shedder
	sizes   *sizingCache
	now     func() time.Time

	mu       sync.RWMutex
	byLeader map[string][]domain.FollowerConfig
	byID     map[string]domain.FollowerConfig
	watch    []common.Address
	runners  []namedRunner
	merger   *detector.Merger

	lifeMu       sync.Mutex
	running      bool
	cancelIntake context.CancelFunc
	intake       *errgroup.Group
	workers      *errgroup.Group
	stopPull     chan struct{}
}

// New creates a Supervisor.
func New(deps Deps, cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 500 * time.Millisecond
	}
	if cfg.PendingSizingTTL <= 0 {
		cfg.PendingSizingTTL = 10 * time.Minute
	}
	logger = logger.With(slog.String("component", "supervisor"))
	return &Supervisor{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		shedder:  NewShedder(deps.Queue, cfg.Shedding, deps.Notifier, logger),
		sizes:    newSizingCache(),
		now:      time.Now,
		byLeader: make(map[string][]domain.FollowerConfig),
		byID:     make(map[string]domain.FollowerConfig),
	}
}

// AddRunner registers a background loop started with the pipeline. It must
// be called before Start.
func (s *Supervisor) AddRunner(name string, r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners = append(s.runners, namedRunner{name: name, run: r})
}

// Config returns the active follower config with id.
func (s *Supervisor) Config(id string) (domain.FollowerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.byID[id]
	return cfg, ok
}

// Watchlist returns the leaders currently watched.
func (s *Supervisor) Watchlist() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]common.Address(nil), s.watch...)
}

// UpdateWatchlist replaces the watched leaders on every source.
func (s *Supervisor) UpdateWatchlist(traders []common.Address) {
	s.mu.Lock()
	s.watch = append([]common.Address(nil), traders...)
	s.mu.Unlock()
	for _, src := range s.deps.Sources {
		src.UpdateWatchlist(traders)
	}
}

// RefreshConfigs reloads follower configs and rebuilds the leader index and
// watchlist. Stored configs override static ones with the same id.
func (s *Supervisor) RefreshConfigs(ctx context.Context) error {
	merged := make(map[string]domain.FollowerConfig, len(s.deps.Static))
	for _, c := range s.deps.Static {
		merged[c.ID] = c
	}
	if s.deps.Configs != nil {
		stored, err := s.deps.Configs.ListActive(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: load follower configs: %w", err)
		}
		for _, c := range stored {
			merged[c.ID] = c
		}
	}

	byLeader := make(map[string][]domain.FollowerConfig)
	byID := make(map[string]domain.FollowerConfig, len(merged))
	for id, c := range merged {
		if !c.Active || !common.IsHexAddress(c.LeaderAddress) {
			continue
		}
		byID[id] = c
		byLeader[c.Leader()] = append(byLeader[c.Leader()], c)
	}
	leaders := make([]string, 0, len(byLeader))
	for leader, cfgs := range byLeader {
		sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].ID < cfgs[j].ID })
		leaders = append(leaders, leader)
	}
	sort.Strings(leaders)
	watch := make([]common.Address, 0, len(leaders))
	for _, l := range leaders {
		watch = append(watch, common.HexToAddress(l))
	}

	s.mu.Lock()
	s.byLeader = byLeader
	s.byID = byID
	s.mu.Unlock()
	s.UpdateWatchlist(watch)

	s.logger.InfoContext(ctx, "follower configs loaded",
		slog.Int("configs", len(byID)),
		slog.Int("leaders", len(watch)),
	)
	return nil
}

func (s *Supervisor) followersOf(trader string) []domain.FollowerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byLeader[strings.ToLower(trader)]
}

// Start loads configs and launches sources, merger, dispatch loop, workers
// and registered runners. It returns once everything is running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running {
		return ErrRunning
	}
	if err := s.RefreshConfigs(ctx); err != nil {
		return err
	}

	intakeCtx, cancel := context.WithCancel(ctx)
	for _, src := range s.deps.Sources {
		if err := src.Start(intakeCtx); err != nil {
			cancel()
			for _, started := range s.deps.Sources {
				started.Stop()
			}
			return fmt.Errorf("pipeline: start source %s: %w", src.Name(), err)
		}
	}

	merger := detector.NewMerger(s.deps.Sources, s.deps.Dedup, s.cfg.DedupTTL, s.cfg.SignalBuffer, s.logger)
	s.mu.Lock()
	s.merger = merger
	runners := append([]namedRunner(nil), s.runners...)
	s.mu.Unlock()

	intake, intakeCtx := errgroup.WithContext(intakeCtx)
	intake.Go(func() error { return merger.Run(intakeCtx) })
	intake.Go(func() error { return s.dispatchLoop(intakeCtx, merger) })
	intake.Go(func() error { return s.shedder.Run(intakeCtx) })
	intake.Go(func() error { return s.maintain(intakeCtx) })
	for _, r := range runners {
		intake.Go(func() error {
			s.logger.InfoContext(intakeCtx, "runner started", slog.String("runner", r.name))
			if err := r.run.Run(intakeCtx); err != nil && intakeCtx.Err() == nil {
				return fmt.Errorf("%s: %w", r.name, err)
			}
			return nil
		})
	}

	// In-flight trades finish even after the caller's context ends; workers
	// stop pulling when stopPull closes.
	workCtx := context.WithoutCancel(ctx)
	s.stopPull = make(chan struct{})
	workers := &errgroup.Group{}
	for i := 0; i < s.cfg.Workers; i++ {
		workers.Go(func() error { return s.worker(workCtx, i) })
	}

	s.cancelIntake = cancel
	s.intake = intake
	s.workers = workers
	s.running = true

	s.logger.InfoContext(ctx, "pipeline started",
		slog.Int("workers", s.cfg.Workers),
		slog.Int("sources", len(s.deps.Sources)),
		slog.Int("runners", len(runners)),
		slog.Bool("execute_pending", s.cfg.ExecutePendingSignals),
	)
	return nil
}

// Stop stops detection, waits for the dispatch side to exit, then lets the
// workers finish their in-flight jobs. It returns the first runner error.
func (s *Supervisor) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	for _, src := range s.deps.Sources {
		src.Stop()
	}
	s.cancelIntake()
	intakeErr := s.intake.Wait()

	close(s.stopPull)
	workerErr := s.workers.Wait()

	s.logger.Info("pipeline stopped")
	return errors.Join(intakeErr, workerErr)
}

// Run starts the pipeline and blocks until ctx is done, then drains.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Supervisor) worker(ctx context.Context, id int) error {
	log := s.logger.With(slog.Int("worker", id))
	wait := func() bool {
		t := time.NewTimer(s.cfg.DrainInterval)
		defer t.Stop()
		select {
		case <-s.stopPull:
			return false
		case <-t.C:
			return true
		}
	}

	for {
		select {
		case <-s.stopPull:
			return nil
		default:
		}

		job, ok, err := s.deps.Queue.Dequeue(ctx)
		if err != nil {
			log.WarnContext(ctx, "dequeue failed", slog.String("error", err.Error()))
			if !wait() {
				return nil
			}
			continue
		}
		if !ok {
			if !wait() {
				return nil
			}
			continue
		}
		if err := s.deps.Processor.Process(ctx, job); err != nil {
			log.ErrorContext(ctx, "job failed",
				slog.String("config_id", job.Config.ID),
				slog.String("source_tx", job.Signal.SourceTxHash),
				slog.String("retry_trade_id", job.RetryTradeID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// maintain refreshes configs and prunes unclaimed pending sizes.
func (s *Supervisor) maintain(ctx context.Context) error {
	refresh := s.cfg.ConfigRefresh
	if refresh <= 0 {
		refresh = time.Minute
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.RefreshConfigs(ctx); err != nil {
				s.logger.WarnContext(ctx, "config refresh failed", slog.String("error", err.Error()))
			}
			if n := s.sizes.prune(s.now().Add(-s.cfg.PendingSizingTTL)); n > 0 {
				s.logger.DebugContext(ctx, "pending sizes expired", slog.Int("count", n))
			}
		}
	}
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Queue     dispatch.Stats
	Merger    detector.MergerStats
	Sources   map[string]detector.SourceStats
	Level     Level
	Followers int
	Leaders   int
}

// Stats collects counters from every stage.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	merger := s.merger
	out := Stats{
		Followers: len(s.byID),
		Leaders:   len(s.byLeader),
	}
	s.mu.RUnlock()

	out.Queue = s.deps.Queue.Stats()
	out.Level = s.shedder.Level()
	if merger != nil {
		out.Merger = merger.Stats()
	}
	out.Sources = make(map[string]detector.SourceStats, len(s.deps.Sources))
	for _, src := range s.deps.Sources {
		out.Sources[src.Name()] = src.Stats()
	}
	return out
}
