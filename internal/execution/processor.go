package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polycopy/internal/claim"
	"github.com/alanyoungcy/polycopy/internal/dispatch"
	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/sizing"
)

// EventsChannel is the pub/sub channel copy-trade outcomes are published on.
// The same payloads are appended to the stream of that name for replay.
const EventsChannel = "copytrading:events"

// Executor runs a claimed trade.
type Executor interface {
	Execute(ctx context.Context, t *domain.CopyTrade, opts Options) (Result, error)
}

// Guard refuses trades that would break an operator limit.
type Guard interface {
	Check(ctx context.Context, t domain.CopyTrade, observedAt time.Time) error
}

// BookSource returns order books for AUTO slippage.
type BookSource interface {
	GetOrderBook(ctx context.Context, tokenID string) (domain.OrderbookSnapshot, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ProcessorConfig tunes the worker-side flow.
type ProcessorConfig struct {
	DeferSettlement bool
	DefaultSlippage float64
}

// Processor turns dispatched jobs into executed copy trades.
type Processor struct {
	claimer  *claim.Claimer
	trades   domain.CopyTradeStore
	executor Executor
	books    BookSource
	audit    domain.AuditStore
	bus      domain.SignalBus
	notifier Notifier
	guard    Guard
	cfg      ProcessorConfig
	logger   *slog.Logger
}

// ProcessorDeps are the optional collaborators of a Processor.
type ProcessorDeps struct {
	Books    BookSource
	Audit    domain.AuditStore
	Bus      domain.SignalBus
	Notifier Notifier
	Guard    Guard
}

// NewProcessor creates a Processor.
func NewProcessor(claimer *claim.Claimer, trades domain.CopyTradeStore, executor Executor, deps ProcessorDeps, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.DefaultSlippage <= 0 {
		cfg.DefaultSlippage = 0.02
	}
	return &Processor{
		claimer:  claimer,
		trades:   trades,
		executor: executor,
		books:    deps.Books,
		audit:    deps.Audit,
		bus:      deps.Bus,
		notifier: deps.Notifier,
		guard:    deps.Guard,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "processor")),
	}
}

// Size computes the follower order for a signal.
func (p *Processor) Size(ctx context.Context, cfg domain.FollowerConfig, sig domain.TradeSignal) dispatch.Sizing {
	out := dispatch.Sizing{
		SizeUSDC: sizing.CopySize(cfg, sig.Size, sig.Price),
		Price:    sig.Price,
	}
	var book *domain.OrderbookSnapshot
	if cfg.SlippageType == domain.SlippageAuto && p.books != nil && sig.Price > 0 {
		b, err := p.books.GetOrderBook(ctx, sig.TokenID)
		if err != nil {
			p.logger.WarnContext(ctx, "order book unavailable, using max slippage",
				slog.String("token_id", sig.TokenID),
				slog.String("error", err.Error()),
			)
		} else {
			book = &b
		}
	}
	shares := 0.0
	if sig.Price > 0 {
		shares = out.SizeUSDC / sig.Price
	}
	out.Slippage = sizing.Slippage(cfg, sig.Side, sig.Price, shares, book, p.cfg.DefaultSlippage)
	return out
}

// Process handles one job. Duplicate claims and lost races return nil.
func (p *Processor) Process(ctx context.Context, job dispatch.Job) error {
	if job.RetryTradeID != "" {
		return p.retry(ctx, job.RetryTradeID, job.Signal)
	}

	sized := job.Sizing
	if sized == nil {
		s := p.Size(ctx, job.Config, job.Signal)
		sized = &s
	}
	if sized.SizeUSDC <= 0 || sized.Price <= 0 {
		p.logger.DebugContext(ctx, "signal sized to zero",
			slog.String("config_id", job.Config.ID),
			slog.String("source_tx", job.Signal.SourceTxHash),
		)
		return nil
	}

	t, claimed, err := p.claimer.Claim(ctx, job, claim.Order{
		SizeUSDC: sized.SizeUSDC,
		Price:    sized.Price,
		Slippage: sized.Slippage,
	})
	if err != nil {
		return err
	}
	if !claimed {
		p.logger.DebugContext(ctx, "duplicate signal discarded",
			slog.String("idempotency_key", t.IdempotencyKey),
		)
		return nil
	}
	p.record(ctx, "copy_trade.claimed", t, nil)

	if !job.Config.AutoExecute {
		p.logger.InfoContext(ctx, "auto-execute off, trade left pending",
			slog.String("trade_id", t.ID),
			slog.String("config_id", t.ConfigID),
		)
		return nil
	}
	return p.run(ctx, &t, job.Signal)
}

func (p *Processor) retry(ctx context.Context, id string, sig domain.TradeSignal) error {
	t, err := p.trades.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			p.logger.WarnContext(ctx, "retry for unknown trade", slog.String("trade_id", id))
			return nil
		}
		return fmt.Errorf("execution: load retry %s: %w", id, err)
	}
	if t.Status != domain.CopyTradePending {
		return nil
	}
	return p.run(ctx, &t, sig)
}

// holdsFunds reports whether an earlier attempt left a transfer that must
// be resolved before the trade can be given up on.
func holdsFunds(t domain.CopyTrade) bool {
	return t.FundTxHash != "" || (t.OrderID == "" && t.SettlementTxHash != "")
}

func (p *Processor) run(ctx context.Context, t *domain.CopyTrade, sig domain.TradeSignal) error {
	if p.guard != nil && !holdsFunds(*t) {
		if err := p.guard.Check(ctx, *t, sig.ObservedAt); err != nil {
			return p.blocked(ctx, t, err)
		}
	}
	if err := p.claimer.Begin(ctx, t); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}

	res, execErr := p.executor.Execute(ctx, t, Options{
		DeferSettlement: p.cfg.DeferSettlement,
		Gas:             sig.Gas,
	})
	if execErr != nil {
		return p.failed(ctx, t, execErr)
	}

	if err := p.claimer.Succeed(ctx, t, res.SettlementDeferred); err != nil {
		// The order filled; a lost CAS here means the row changed under us.
		p.logger.ErrorContext(ctx, "filled trade not recorded",
			slog.String("trade_id", t.ID),
			slog.String("order_id", res.OrderID),
			slog.String("error", err.Error()),
		)
		return err
	}

	p.logger.InfoContext(ctx, "copy trade executed",
		slog.String("trade_id", t.ID),
		slog.String("side", string(t.Side)),
		slog.String("token_id", t.TokenID),
		slog.Float64("shares", t.FilledShares),
		slog.Float64("price", t.FilledPrice),
		slog.Bool("deferred", res.SettlementDeferred),
		slog.Bool("float", res.UsedFloat),
	)
	if t.ErrorCode != "" {
		p.logger.WarnContext(ctx, "copy trade executed with warning",
			slog.String("trade_id", t.ID),
			slog.String("code", t.ErrorCode),
			slog.String("error", t.ErrorMessage),
		)
	}
	p.record(ctx, "copy_trade.executed", *t, map[string]any{
		"order_id":     res.OrderID,
		"fund_tx":      res.FundTxHash,
		"return_tx":    res.ReturnTxHash,
		"deferred":     res.SettlementDeferred,
		"used_float":   res.UsedFloat,
		"filled_size":  res.FilledShares,
		"realized_pnl": res.RealizedPnL,
	})
	return nil
}

// blocked fails a trade refused by the guardrails before it started.
func (p *Processor) blocked(ctx context.Context, t *domain.CopyTrade, reason error) error {
	code, retryable := Classify(reason)
	if err := p.claimer.Fail(ctx, t, code, reason.Error(), retryable); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}
	p.logger.WarnContext(ctx, "copy trade blocked",
		slog.String("trade_id", t.ID),
		slog.String("code", code),
		slog.Bool("retry", t.NextRetryAt != nil),
		slog.String("reason", reason.Error()),
	)
	p.record(ctx, "copy_trade.blocked", *t, map[string]any{"code": code})
	return nil
}

func (p *Processor) failed(ctx context.Context, t *domain.CopyTrade, execErr error) error {
	code, retryable := Classify(execErr)
	held := code != CodeReconcileRequired && (code == CodeTxInFlight || holdsFunds(*t))

	var err error
	if held {
		err = p.claimer.Hold(ctx, t, code, execErr.Error())
	} else {
		err = p.claimer.Fail(ctx, t, code, execErr.Error(), retryable)
	}
	if err != nil {
		return err
	}
	terminal := t.NextRetryAt == nil
	p.logger.WarnContext(ctx, "copy trade failed",
		slog.String("trade_id", t.ID),
		slog.String("code", code),
		slog.Bool("terminal", terminal),
		slog.Bool("held", held),
		slog.Int("retry_count", t.RetryCount),
		slog.String("error", execErr.Error()),
	)
	p.record(ctx, "copy_trade.failed", *t, map[string]any{
		"code":     code,
		"terminal": terminal,
		"fund_tx":  t.FundTxHash,
		"refund":   t.SettlementTxHash,
	})

	switch {
	case terminal:
		p.notify(ctx, "trade_failed", "Copy trade failed", t, code)
	case held && p.claimer.Exhausted(*t):
		p.notify(ctx, "trade_stuck", "Copy trade transfer unresolved", t, code)
	}
	return nil
}

func (p *Processor) notify(ctx context.Context, event, title string, t *domain.CopyTrade, code string) {
	if p.notifier == nil {
		return
	}
	msg := fmt.Sprintf("%s %s token %s for %s: %s", t.Side, formatUSDC(t.CopySize), t.TokenID, t.FollowerWallet, code)
	if err := p.notifier.Notify(ctx, event, title, msg); err != nil {
		p.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}

// record writes the audit log and publishes the trade's new state.
func (p *Processor) record(ctx context.Context, event string, t domain.CopyTrade, extra map[string]any) {
	if p.audit != nil {
		detail := map[string]any{
			"trade_id":   t.ID,
			"config_id":  t.ConfigID,
			"status":     string(t.Status),
			"source_tx":  t.SourceTxHash,
			"token_id":   t.TokenID,
			"copy_size":  t.CopySize,
			"copy_price": t.CopyPrice,
		}
		for k, v := range extra {
			detail[k] = v
		}
		if err := p.audit.Log(ctx, event, detail); err != nil {
			p.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	}
	if p.bus != nil {
		payload, err := json.Marshal(struct {
			Event string           `json:"event"`
			Trade domain.CopyTrade `json:"trade"`
		}{event, t})
		if err == nil {
			err = errors.Join(
				p.bus.Publish(ctx, EventsChannel, payload),
				p.bus.StreamAppend(ctx, EventsChannel, payload),
			)
		}
		if err != nil {
			p.logger.WarnContext(ctx, "publish failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	}
}

func formatUSDC(v float64) string { return fmt.Sprintf("$%.2f", v) }
