package execution

import (
	"context"
	"strings"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// GuardrailConfig bounds what the engine may trade. Zero disables a limit.
type GuardrailConfig struct {
	EmergencyPause     bool
	MaxTradeUSD        float64
	DailyCapUSD        float64
	WalletDailyCapUSD  float64
	MarketDailyCapUSD  float64
	MarketCaps         map[string]float64 // by lowercase slug, overrides MarketDailyCapUSD
	MaxTradesPerWindow int
	TradeWindow        time.Duration
	GlobalOrdersPerMin int
	UserOrdersPerMin   int
	MaxSignalAge       time.Duration
}

// Guardrails refuses trades that would break an operator limit. Caps are
// summed over the trailing day of filled trades.
type Guardrails struct {
	trades  domain.CopyTradeStore
	limiter domain.RateLimiter
	cfg     GuardrailConfig
	now     func() time.Time
}

// NewGuardrails creates Guardrails. limiter may be nil when no per-minute
// order limits are set.
func NewGuardrails(trades domain.CopyTradeStore, limiter domain.RateLimiter, cfg GuardrailConfig) *Guardrails {
	if cfg.TradeWindow <= 0 {
		cfg.TradeWindow = 10 * time.Minute
	}
	markets := make(map[string]float64, len(cfg.MarketCaps))
	for slug, c := range cfg.MarketCaps {
		markets[strings.ToLower(slug)] = c
	}
	cfg.MarketCaps = markets
	return &Guardrails{trades: trades, limiter: limiter, cfg: cfg, now: time.Now}
}

// Check returns nil when t may execute. observedAt is when the leader
// trade was seen; the zero time skips the staleness test.
func (g *Guardrails) Check(ctx context.Context, t domain.CopyTrade, observedAt time.Time) error {
	cfg := g.cfg
	now := g.now()
	amount := t.CopySize

	if cfg.EmergencyPause {
		return fail(CodeEmergencyPause, false, "trading paused")
	}
	if cfg.MaxSignalAge > 0 && !observedAt.IsZero() {
		if age := now.Sub(observedAt); age > cfg.MaxSignalAge {
			return fail(CodeSignalStale, false, "signal is %s old, limit %s", age.Round(time.Second), cfg.MaxSignalAge)
		}
	}
	if cfg.MaxTradeUSD > 0 && amount > cfg.MaxTradeUSD {
		return fail(CodeMaxTradeExceeded, false, "%.2f > %.2f", amount, cfg.MaxTradeUSD)
	}

	since := now.Add(-24 * time.Hour)
	if err := g.cap(ctx, since, domain.TradeFilter{}, amount, cfg.DailyCapUSD, CodeGlobalDailyCapExceeded); err != nil {
		return err
	}
	if err := g.cap(ctx, since, domain.TradeFilter{FollowerWallet: t.FollowerWallet}, amount, cfg.WalletDailyCapUSD, CodeWalletDailyCapExceeded); err != nil {
		return err
	}
	if slug := strings.ToLower(t.MarketSlug); slug != "" {
		limit, ok := cfg.MarketCaps[slug]
		if !ok || limit <= 0 {
			limit = cfg.MarketDailyCapUSD
		}
		if err := g.cap(ctx, since, domain.TradeFilter{MarketSlug: slug}, amount, limit, CodeMarketDailyCapExceeded); err != nil {
			return err
		}
	}

	if cfg.MaxTradesPerWindow > 0 {
		totals, err := g.trades.ExecutedTotals(ctx, now.Add(-cfg.TradeWindow), domain.TradeFilter{})
		if err != nil {
			return rpcFailure("trade window count", err)
		}
		if totals.Count >= cfg.MaxTradesPerWindow {
			return fail(CodeTradeRateExceeded, true, "%d >= %d in %s", totals.Count, cfg.MaxTradesPerWindow, cfg.TradeWindow)
		}
	}

	if g.limiter == nil {
		return nil
	}
	if err := g.allow(ctx, "orders:global", cfg.GlobalOrdersPerMin, CodeGlobalRateLimit); err != nil {
		return err
	}
	return g.allow(ctx, "orders:user:"+strings.ToLower(t.FollowerWallet), cfg.UserOrdersPerMin, CodeUserRateLimit)
}

func (g *Guardrails) cap(ctx context.Context, since time.Time, f domain.TradeFilter, amount, limit float64, code string) error {
	if limit <= 0 {
		return nil
	}
	totals, err := g.trades.ExecutedTotals(ctx, since, f)
	if err != nil {
		return rpcFailure("daily totals", err)
	}
	if totals.Notional+amount > limit {
		return fail(code, false, "%.2f + %.2f > %.2f", totals.Notional, amount, limit)
	}
	return nil
}

func (g *Guardrails) allow(ctx context.Context, key string, perMin int, code string) error {
	if perMin <= 0 {
		return nil
	}
	ok, err := g.limiter.Allow(ctx, key, perMin, time.Minute)
	if err != nil {
		return rpcFailure("order rate limit", err)
	}
	if !ok {
		return fail(code, true, "more than %d orders per minute", perMin)
	}
	return nil
}
