package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polycopy/internal/claim"
	"github.com/alanyoungcy/polycopy/internal/dispatch"
	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/execution"
	"github.com/alanyoungcy/polycopy/internal/notify"
	"github.com/alanyoungcy/polycopy/internal/pipeline"
	"github.com/alanyoungcy/polycopy/internal/platform/polymarket"
	"github.com/alanyoungcy/polycopy/internal/settlement"
	"github.com/alanyoungcy/polycopy/internal/sizing"
	"github.com/alanyoungcy/polycopy/internal/store/memory"
)

func (a *App) pipelineConfig() pipeline.Config {
	p := a.cfg.Pipeline
	return pipeline.Config{
		Workers:               p.Workers,
		ExecutePendingSignals: p.ExecutePendingSignals,
		DedupTTL:              p.DedupTTL.Duration,
		SignalBuffer:          p.SignalBuffer,
		DrainInterval:         p.DrainInterval.Duration,
		ConfigRefresh:         p.ConfigRefresh.Duration,
		PendingSizingTTL:      p.PendingTradeTTL.Duration,
		Shedding: pipeline.SheddingConfig{
			LagWarn:       p.LagWarn.Duration,
			LagCritical:   p.LagCritical.Duration,
			DepthWarn:     p.DepthWarn,
			DepthCritical: p.DepthCritical,
		},
	}
}

// CopyMode runs the full pipeline: detection, dispatch, execution, retries,
// settlement recovery, ledger flushes, redemptions, the tx monitor, position
// persistence and, with S3, the copy-trade archive.
func (a *App) CopyMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting copy mode")

	eng, err := a.buildEngine(ctx, deps)
	if err != nil {
		return err
	}
	if a.cfg.Chain.AutoApprove {
		if err := eng.contracts.EnsureApprovals(ctx); err != nil {
			return fmt.Errorf("copy mode: approvals: %w", err)
		}
	}

	var resolver proxyResolver
	if a.cfg.Chain.ProxyFactory != "" {
		resolver = eng.contracts
	}
	sources, err := a.buildSources(ctx, deps, eng.clob)
	if err != nil {
		return err
	}

	sup := pipeline.New(pipeline.Deps{
		Sources:   sources,
		Dedup:     deps.Dedup,
		Queue:     deps.Queue,
		Processor: eng.processor,
		Configs:   deps.Followers,
		Static:    staticFollowers(ctx, a.cfg.Followers, resolver, a.logger),
		Markets:   deps.Gamma,
		Notifier:  deps.Notifier,
	}, a.pipelineConfig(), a.logger)

	sweeper := claim.NewSweeper(deps.CopyTrades, deps.Queue, sup.Config, a.backoff(), claim.SweeperConfig{
		Interval:   a.cfg.Retry.SweepInterval.Duration,
		Batch:      a.cfg.Retry.SweepBatch,
		PendingTTL: a.cfg.Pipeline.PendingTradeTTL.Duration,
	}, a.logger)
	sup.AddRunner("retry_sweeper", sweeper)
	sup.AddRunner("settlement_recovery", eng.recovery)
	sup.AddRunner("ledger_flush", eng.ledger)
	if a.cfg.Settlement.RedeemEnabled {
		sup.AddRunner("redeemer", eng.redeemer)
	}
	sup.AddRunner("tx_monitor", eng.monitor)
	sup.AddRunner("position_flush", pipeline.NewPositionFlusher(eng.tracker, deps.PositionStore, a.cfg.Pipeline.PositionFlush.Duration, a.logger))
	if deps.Archiver != nil {
		arch, err := pipeline.NewArchiver(deps.Archiver, a.cfg.Pipeline.ArchiveRetention.Duration, a.cfg.Pipeline.ArchiveCron, a.logger)
		if err != nil {
			return err
		}
		sup.AddRunner("archiver", arch)
	}

	a.lifecycle(ctx, deps, "polycopy started", fmt.Sprintf("copy mode, wallet %s", eng.wallet.Address().Hex()))
	err = sup.Run(ctx)
	a.lifecycle(ctx, deps, "polycopy stopped", fmt.Sprintf("queue %+v", sup.Stats().Queue))
	return err
}

// MonitorMode detects and sizes signals for every follower without trading.
// It uses its own queue and dedup set so a copy process sharing Redis is
// unaffected. With Redis it also tails the copy-trade event stream.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	books := polymarket.NewClobClient(a.cfg.Polymarket.ClobHost, nil, nil, deps.Limiter, a.cfg.Polymarket.SignatureType)
	sources, err := a.buildSources(ctx, deps, books)
	if err != nil {
		return err
	}
	sup := pipeline.New(pipeline.Deps{
		Sources:   sources,
		Dedup:     memory.NewDedupStore(),
		Queue:     dispatch.NewMemoryQueue(a.cfg.Pipeline.QueueMaxSize),
		Processor: dryRun{logger: a.logger.With(slog.String("component", "dry_run"))},
		Configs:   deps.Followers,
		Static:    staticFollowers(ctx, a.cfg.Followers, nil, a.logger),
		Markets:   deps.Gamma,
	}, a.pipelineConfig(), a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(ctx) })
	if deps.SignalBus != nil {
		g.Go(func() error { return a.tailEvents(ctx, deps.SignalBus) })
	}
	return g.Wait()
}

// SettleMode reconciles interrupted executions, pushes back assets of
// deferred trades, flushes the reimbursement ledger and redeems resolved
// positions once.
func (a *App) SettleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settle mode")

	eng, err := a.buildEngine(ctx, deps)
	if err != nil {
		return err
	}

	reconciled, err := eng.recovery.ReconcileStale(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("settle mode: stale executions: %w", err)
	}
	recovered, err := eng.recovery.RecoverOnce(ctx)
	if err != nil {
		return fmt.Errorf("settle mode: recovery: %w", err)
	}
	owed, err := eng.ledger.OutstandingByProxy(ctx)
	if err != nil {
		return fmt.Errorf("settle mode: outstanding: %w", err)
	}
	for proxy, amount := range owed {
		a.logger.InfoContext(ctx, "outstanding reimbursement",
			slog.String("proxy", proxy),
			slog.String("usdc", amount.StringFixed(6)),
		)
	}
	report, err := eng.ledger.Flush(ctx)
	if err != nil {
		return fmt.Errorf("settle mode: ledger flush: %w", err)
	}
	var redeemed settlement.RedeemReport
	if a.cfg.Settlement.RedeemEnabled {
		if redeemed, err = eng.redeemer.RedeemOnce(ctx); err != nil {
			return fmt.Errorf("settle mode: redeem: %w", err)
		}
	}

	a.logger.InfoContext(ctx, "settlement complete",
		slog.Int("reconciled_trades", reconciled),
		slog.Int("recovered_trades", recovered),
		slog.Int("ledger_settled", report.Settled),
		slog.Int("ledger_failed", report.Failed),
		slog.Int("ledger_skipped", report.Skipped),
		slog.String("ledger_amount", report.Amount.StringFixed(6)),
		slog.Int("ledger_backfilled", report.Backfilled),
		slog.Int("redeemed_positions", redeemed.Redeemed),
	)
	return nil
}

func (a *App) lifecycle(ctx context.Context, deps *Dependencies, title, msg string) {
	if err := deps.Notifier.Notify(context.WithoutCancel(ctx), notify.EventLifecycle, title, msg); err != nil {
		a.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}

type tradeEvent struct {
	Event string           `json:"event"`
	Trade domain.CopyTrade `json:"trade"`
}

// tailEvents replays the copy-trade event stream, then follows live events.
func (a *App) tailEvents(ctx context.Context, bus domain.SignalBus) error {
	const page = 200
	lastID, replayed := "0-0", 0
	for {
		msgs, err := bus.StreamRead(ctx, execution.EventsChannel, lastID, page)
		if err != nil {
			return fmt.Errorf("monitor mode: replay events: %w", err)
		}
		for _, m := range msgs {
			a.logEvent(ctx, slog.LevelDebug, m.Payload)
			lastID = m.ID
		}
		replayed += len(msgs)
		if len(msgs) < page {
			break
		}
	}
	a.logger.InfoContext(ctx, "trade events replayed", slog.Int("count", replayed))

	ch, err := bus.Subscribe(ctx, execution.EventsChannel)
	if err != nil {
		return fmt.Errorf("monitor mode: subscribe %s: %w", execution.EventsChannel, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			a.logEvent(ctx, slog.LevelInfo, payload)
		}
	}
}

func (a *App) logEvent(ctx context.Context, level slog.Level, payload []byte) {
	var ev tradeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		a.logger.DebugContext(ctx, "undecodable trade event", slog.String("error", err.Error()))
		return
	}
	a.logger.Log(ctx, level, "trade event",
		slog.String("event", ev.Event),
		slog.String("trade_id", ev.Trade.ID),
		slog.String("config_id", ev.Trade.ConfigID),
		slog.String("status", string(ev.Trade.Status)),
		slog.String("side", string(ev.Trade.Side)),
		slog.Float64("copy_size", ev.Trade.CopySize),
	)
}

// dryRun sizes jobs and logs the order a copy process would place.
type dryRun struct {
	logger *slog.Logger
}

func (d dryRun) Size(_ context.Context, cfg domain.FollowerConfig, sig domain.TradeSignal) dispatch.Sizing {
	return dispatch.Sizing{
		SizeUSDC: sizing.CopySize(cfg, sig.Size, sig.Price),
		Price:    sig.Price,
		Slippage: cfg.MaxSlippage / 100,
	}
}

func (d dryRun) Process(ctx context.Context, job dispatch.Job) error {
	s := d.Size(ctx, job.Config, job.Signal)
	if job.Sizing != nil {
		s = *job.Sizing
	}
	d.logger.InfoContext(ctx, "would copy trade",
		slog.String("config_id", job.Config.ID),
		slog.String("leader", job.Signal.TraderAddress),
		slog.String("side", string(job.Signal.Side)),
		slog.String("token_id", job.Signal.TokenID),
		slog.String("market", job.Signal.MarketSlug),
		slog.String("source", string(job.Signal.Source)),
		slog.Bool("pending", job.Signal.IsPending),
		slog.Float64("leader_size", job.Signal.Size),
		slog.Float64("copy_usdc", s.SizeUSDC),
		slog.Float64("price", s.Price),
		slog.Float64("worst_price", sizing.WorstPrice(job.Signal.Side, s.Price, s.Slippage)),
	)
	return nil
}
