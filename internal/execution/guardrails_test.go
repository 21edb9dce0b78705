package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polycopy/internal/chain"
	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/store/memory"
)

var guardNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func seedFilled(t *testing.T, store *memory.CopyTradeStore, wallet, slug string, size float64, at time.Time) {
	t.Helper()
	id := uuid.NewString()
	tr := domain.CopyTrade{
		ID:             id,
		IdempotencyKey: id,
		FollowerWallet: wallet,
		MarketSlug:     slug,
		CopySize:       size,
		Status:         domain.CopyTradeExecuted,
		ExecutedAt:     &at,
	}
	if _, err := store.InsertIfAbsent(context.Background(), &tr); err != nil {
		t.Fatal(err)
	}
}

func candidate() domain.CopyTrade {
	return domain.CopyTrade{
		ID:             "cand",
		FollowerWallet: "0xfollower",
		MarketSlug:     "will-it-rain",
		CopySize:       10,
		Side:           domain.OrderSideBuy,
	}
}

func TestGuardrails(t *testing.T) {
	tests := []struct {
		name       string
		cfg        GuardrailConfig
		seed       func(t *testing.T, s *memory.CopyTradeStore)
		observedAt time.Time
		wantCode   string
		wantRetry  bool
	}{
		{name: "no limits"},
		{name: "paused", cfg: GuardrailConfig{EmergencyPause: true}, wantCode: CodeEmergencyPause},
		{name: "trade too large", cfg: GuardrailConfig{MaxTradeUSD: 5}, wantCode: CodeMaxTradeExceeded},
		{name: "trade at the limit", cfg: GuardrailConfig{MaxTradeUSD: 10}},
		{
			name: "global daily cap",
			cfg:  GuardrailConfig{DailyCapUSD: 15},
			seed: func(t *testing.T, s *memory.CopyTradeStore) {
				seedFilled(t, s, "0xother", "", 6, guardNow.Add(-time.Hour))
			},
			wantCode: CodeGlobalDailyCapExceeded,
		},
		{
			name: "fills older than a day do not count",
			cfg:  GuardrailConfig{DailyCapUSD: 15},
			seed: func(t *testing.T, s *memory.CopyTradeStore) {
				seedFilled(t, s, "0xother", "", 6, guardNow.Add(-25*time.Hour))
			},
		},
		{
			name: "wallet daily cap",
			cfg:  GuardrailConfig{WalletDailyCapUSD: 15},
			seed: func(t *testing.T, s *memory.CopyTradeStore) {
				seedFilled(t, s, "0xFOLLOWER", "", 6, guardNow.Add(-time.Hour))
			},
			wantCode: CodeWalletDailyCapExceeded,
		},
		{
			name: "other wallets do not count toward the wallet cap",
			cfg:  GuardrailConfig{WalletDailyCapUSD: 15},
			seed: func(t *testing.T, s *memory.CopyTradeStore) {
				seedFilled(t, s, "0xother", "", 6, guardNow.Add(-time.Hour))
			},
		},
		{
			name: "market override beats the default cap",
			cfg:  GuardrailConfig{MarketDailyCapUSD: 100, MarketCaps: map[string]float64{"Will-It-Rain": 12}},
			seed: func(t *testing.T, s *memory.CopyTradeStore) {
				seedFilled(t, s, "0xother", "will-it-rain", 5, guardNow.Add(-time.Hour))
			},
			wantCode: CodeMarketDailyCapExceeded,
		},
		{
			name: "default market cap",
			cfg:  GuardrailConfig{MarketDailyCapUSD: 12},
			seed: func(t *testing.T, s *memory.CopyTradeStore) {
				seedFilled(t, s, "0xother", "will-it-snow", 5, guardNow.Add(-time.Hour))
			},
		},
		{
			name: "trades per window",
			cfg:  GuardrailConfig{MaxTradesPerWindow: 1, TradeWindow: 10 * time.Minute},
			seed: func(t *testing.T, s *memory.CopyTradeStore) {
				seedFilled(t, s, "0xother", "", 1, guardNow.Add(-time.Minute))
			},
			wantCode:  CodeTradeRateExceeded,
			wantRetry: true,
		},
		{
			name:       "stale signal",
			cfg:        GuardrailConfig{MaxSignalAge: 30 * time.Second},
			observedAt: guardNow.Add(-time.Minute),
			wantCode:   CodeSignalStale,
		},
		{
			name:       "fresh signal",
			cfg:        GuardrailConfig{MaxSignalAge: 30 * time.Second},
			observedAt: guardNow.Add(-10 * time.Second),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewCopyTradeStore()
			if tt.seed != nil {
				tt.seed(t, store)
			}
			g := NewGuardrails(store, nil, tt.cfg)
			g.now = func() time.Time { return guardNow }

			err := g.Check(context.Background(), candidate(), tt.observedAt)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Check = %v, want allowed", err)
				}
				return
			}
			code, retry := Classify(err)
			if err == nil || code != tt.wantCode || retry != tt.wantRetry {
				t.Fatalf("Check = %v (%s retry=%v), want %s retry=%v", err, code, retry, tt.wantCode, tt.wantRetry)
			}
		})
	}
}

func TestGuardrailOrderLimits(t *testing.T) {
	ctx := context.Background()
	g := NewGuardrails(memory.NewCopyTradeStore(), memory.NewRateLimiter(), GuardrailConfig{
		GlobalOrdersPerMin: 3,
		UserOrdersPerMin:   1,
	})

	alice := candidate()
	if err := g.Check(ctx, alice, time.Time{}); err != nil {
		t.Fatalf("first order: %v", err)
	}
	if code, retry := Classify(g.Check(ctx, alice, time.Time{})); code != CodeUserRateLimit || !retry {
		t.Fatalf("second order = %s retry=%v", code, retry)
	}

	bob := candidate()
	bob.FollowerWallet = "0xbob"
	if err := g.Check(ctx, bob, time.Time{}); err != nil {
		t.Fatalf("other user: %v", err)
	}
	carol := candidate()
	carol.FollowerWallet = "0xcarol"
	if code, _ := Classify(g.Check(ctx, carol, time.Time{})); code != CodeGlobalRateLimit {
		t.Fatalf("fourth order = %s, want %s", code, CodeGlobalRateLimit)
	}
}

func TestBlockedTradeNeverStarts(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{}, func(h *harness, _ *ServiceDeps, proc *ProcessorDeps) {
		proc.Guard = NewGuardrails(h.trades, nil, GuardrailConfig{MaxTradeUSD: 5})
	})
	job := leaderJob(domain.OrderSideBuy, 0.2)
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	tr := h.trade(t, job)
	if tr.Status != domain.CopyTradeFailed || tr.ErrorCode != CodeMaxTradeExceeded || tr.NextRetryAt != nil {
		t.Fatalf("trade = %s/%s retry=%v", tr.Status, tr.ErrorCode, tr.NextRetryAt)
	}
	if len(h.chain.sent) != 0 || h.exchange.calls() != 0 {
		t.Fatal("blocked trade moved funds or placed an order")
	}
	if len(h.events()) != 0 {
		t.Fatalf("notifications = %v", h.events())
	}
}

func TestGuardrailsSkipTradesHoldingFunds(t *testing.T) {
	paused := false
	h := newHarness(t, Config{}, ProcessorConfig{}, func(h *harness, _ *ServiceDeps, proc *ProcessorDeps) {
		proc.Guard = guardFunc(func(context.Context, domain.CopyTrade, time.Time) error {
			if paused {
				return fail(CodeEmergencyPause, false, "trading paused")
			}
			return nil
		})
	})
	h.chain.failNextWait(chain.PullUSDC, fmt.Errorf("wait: %w", errNotMined))
	job := leaderJob(domain.OrderSideBuy, 0.2)
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	// Pausing must not strand a pull that already left the proxy.
	paused = true
	h.requeue(t, h.trade(t, job).ID)
	if got := h.trade(t, job); got.Status != domain.CopyTradeExecuted {
		t.Fatalf("status = %s (%s)", got.Status, got.ErrorCode)
	}
}

type guardFunc func(ctx context.Context, t domain.CopyTrade, observedAt time.Time) error

func (f guardFunc) Check(ctx context.Context, t domain.CopyTrade, observedAt time.Time) error {
	return f(ctx, t, observedAt)
}
