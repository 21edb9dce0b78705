package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polycopy/internal/config"
	"github.com/alanyoungcy/polycopy/internal/dispatch"
	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/ratelimit"
	"github.com/alanyoungcy/polycopy/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResolver struct {
	proxy common.Address
	err   error
}

func (f fakeResolver) ResolveProxy(context.Context, common.Address) (common.Address, error) {
	return f.proxy, f.err
}

const (
	testWallet = "0x1111111111111111111111111111111111111111"
	testLeader = "0x2222222222222222222222222222222222222222"
	testProxy  = "0x3333333333333333333333333333333333333333"
)

func TestStaticFollowers(t *testing.T) {
	ctx := context.Background()
	entries := []config.FollowerEntry{
		{ID: "explicit", FollowerWallet: testWallet, ProxyAddress: testProxy, LeaderAddress: testLeader, Mode: "percentage", SlippageType: "auto", SizeScale: 0.1},
		{ID: "resolved", FollowerWallet: testWallet, LeaderAddress: testLeader, Mode: "FIXED_AMOUNT", FixedAmount: 5},
		{FollowerWallet: testWallet, ProxyAddress: testProxy, LeaderAddress: testLeader},
	}

	tests := []struct {
		name     string
		resolver proxyResolver
		wantIDs  int
	}{
		{"with resolver", fakeResolver{proxy: common.HexToAddress(testProxy)}, 3},
		{"without resolver", nil, 2},
		{"resolver error", fakeResolver{err: errors.New("rpc down")}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := staticFollowers(ctx, entries, tt.resolver, discardLogger())
			if len(got) != tt.wantIDs {
				t.Fatalf("got %d followers, want %d", len(got), tt.wantIDs)
			}
			for _, f := range got {
				if !f.Active {
					t.Errorf("follower %s not active", f.ID)
				}
				if f.ID == "" {
					t.Errorf("follower without id: %+v", f)
				}
				if !common.IsHexAddress(f.ProxyAddress) {
					t.Errorf("follower %s proxy = %q", f.ID, f.ProxyAddress)
				}
			}
			if got[0].Mode != domain.SizingPercentage || got[0].SlippageType != domain.SlippageAuto {
				t.Errorf("enum normalisation: mode=%s slippage=%s", got[0].Mode, got[0].SlippageType)
			}
		})
	}
}

func TestRateLimitsLowercasesClasses(t *testing.T) {
	got := rateLimits(config.RateLimitConfig{Classes: map[string]config.RateClass{
		"CLOB": {MaxConcurrent: 3, Limit: 60, Window: config.Dur(time.Minute)},
	}})
	want := ratelimit.Limits{MaxConcurrent: 3, Limit: 60, Window: time.Minute}
	if got[ratelimit.ClassCLOB] != want {
		t.Errorf("clob limits = %+v, want %+v", got[ratelimit.ClassCLOB], want)
	}
}

func TestDryRunPrefersCachedSizing(t *testing.T) {
	d := dryRun{logger: discardLogger()}
	cfg := domain.FollowerConfig{
		ID: "c", Mode: domain.SizingPercentage, SizeScale: 0.1,
		MaxSizePerTrade: 100, MaxSlippage: 2,
	}
	sig := domain.TradeSignal{Side: domain.OrderSideBuy, Size: 100, Price: 0.5, TokenID: "1"}

	s := d.Size(context.Background(), cfg, sig)
	if s.SizeUSDC != 5 || s.Price != 0.5 || s.Slippage != 0.02 {
		t.Fatalf("Size = %+v, want 5 USDC at 0.5 with 2%% slippage", s)
	}
	if err := d.Process(context.Background(), dispatch.Job{
		Config: cfg, Signal: sig, Sizing: &dispatch.Sizing{SizeUSDC: 1, Price: 0.5},
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func TestFollowerSetIncludesStaticFollowers(t *testing.T) {
	store := memory.NewFollowerConfigStore(
		domain.FollowerConfig{ID: "db", ProxyAddress: testProxy, Active: true},
		domain.FollowerConfig{ID: "paused", ProxyAddress: testProxy},
	)
	set := followerSet{store: store, static: []domain.FollowerConfig{{ID: "toml", ProxyAddress: testProxy, Active: true}}}

	got, err := set.ListActive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "db" || got[1].ID != "toml" {
		t.Fatalf("followers = %+v", got)
	}
}

func TestGuardrailConfigCarriesLimits(t *testing.T) {
	cfg := config.Defaults()
	cfg.Guardrails.MaxTradeUSD = 25
	cfg.Guardrails.MarketCaps = map[string]float64{"will-it-rain": 40}
	cfg.Guardrails.MaxSignalAge = config.Dur(30 * time.Second)
	a := &App{cfg: &cfg, logger: discardLogger()}

	g := a.guardrails()
	if g.MaxTradeUSD != 25 || g.MarketCaps["will-it-rain"] != 40 || g.MaxSignalAge != 30*time.Second {
		t.Fatalf("guardrails = %+v", g)
	}
	if g.TradeWindow != 10*time.Minute {
		t.Fatalf("trade window = %s", g.TradeWindow)
	}
}
