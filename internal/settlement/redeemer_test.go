package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/position"
	"github.com/alanyoungcy/polycopy/internal/store/memory"
)

type fakeRedeemChain struct {
	balances  map[common.Address]int64
	failFor   map[common.Address]error
	redeemed  []common.Address
	condition common.Hash
}

func (f *fakeRedeemChain) TokenBalance(_ context.Context, owner common.Address, _ *big.Int) (*big.Int, error) {
	return big.NewInt(f.balances[owner]), nil
}

func (f *fakeRedeemChain) Redeem(_ context.Context, proxy common.Address, conditionID common.Hash, indexSets []*big.Int) (common.Hash, error) {
	if err := f.failFor[proxy]; err != nil {
		return common.Hash{}, err
	}
	if len(indexSets) != 2 {
		return common.Hash{}, errors.New("binary market expected")
	}
	f.redeemed = append(f.redeemed, proxy)
	f.condition = conditionID
	return common.HexToHash("0xabc"), nil
}

type fakeMarkets map[string]domain.MarketInfo

func (f fakeMarkets) MarketByToken(_ context.Context, tokenID string) (domain.MarketInfo, error) {
	m, ok := f[tokenID]
	if !ok {
		return domain.MarketInfo{}, domain.ErrNotFound
	}
	return m, nil
}

const resolvedCondition = "0x00000000000000000000000000000000000000000000000000000000000000c1"

func redeemFixture() (*fakeRedeemChain, *position.Tracker, *memory.FollowerConfigStore) {
	c := &fakeRedeemChain{
		balances: map[common.Address]int64{common.HexToAddress(proxyA): 5_000_000},
		failFor:  map[common.Address]error{},
	}
	tracker := position.NewTracker()
	tracker.OnBuy("77", 5, 0.4)
	followers := memory.NewFollowerConfigStore(
		domain.FollowerConfig{ID: "a", ProxyAddress: proxyA, Active: true},
		domain.FollowerConfig{ID: "a2", ProxyAddress: proxyA, Active: true},
		domain.FollowerConfig{ID: "b", ProxyAddress: proxyB, Active: true},
		domain.FollowerConfig{ID: "off", ProxyAddress: "0x00000000000000000000000000000000000000a9", Active: false},
	)
	return c, tracker, followers
}

func TestRedeemOnce(t *testing.T) {
	tests := []struct {
		name         string
		market       domain.MarketInfo
		wantRedeemed int
		wantKept     bool
	}{
		{
			name:         "resolved market",
			market:       domain.MarketInfo{Slug: "done", ConditionID: resolvedCondition, Closed: true},
			wantRedeemed: 1,
		},
		{
			name:     "market still trading",
			market:   domain.MarketInfo{Slug: "live", ConditionID: resolvedCondition, Active: true},
			wantKept: true,
		},
		{
			name:     "neg-risk market",
			market:   domain.MarketInfo{Slug: "multi", ConditionID: resolvedCondition, Closed: true, NegRisk: true},
			wantKept: true,
		},
		{
			name:     "no condition id",
			market:   domain.MarketInfo{Slug: "odd", Closed: true},
			wantKept: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, tracker, followers := redeemFixture()
			r := NewRedeemer(c, fakeMarkets{"77": tt.market}, tracker, followers, nil, 0, quietLogger())

			report, err := r.RedeemOnce(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if report.Redeemed != tt.wantRedeemed || len(c.redeemed) != tt.wantRedeemed {
				t.Fatalf("report = %+v redeemed=%v", report, c.redeemed)
			}
			if tt.wantRedeemed > 0 {
				if c.redeemed[0] != common.HexToAddress(proxyA) || c.condition != common.HexToHash(resolvedCondition) {
					t.Fatalf("redeemed %v for %s", c.redeemed, c.condition.Hex())
				}
			}
			if kept := len(tracker.Snapshot()) == 1; kept != tt.wantKept {
				t.Fatalf("token kept = %v, want %v", kept, tt.wantKept)
			}
		})
	}
}

func TestRedeemFailureKeepsTokenAndAlerts(t *testing.T) {
	market := domain.MarketInfo{Slug: "done", ConditionID: resolvedCondition, Closed: true}
	c, tracker, followers := redeemFixture()
	c.failFor[common.HexToAddress(proxyA)] = errors.New("execution reverted")
	n := &recordingNotifier{}
	r := NewRedeemer(c, fakeMarkets{"77": market}, tracker, followers, n, 0, quietLogger())

	report, err := r.RedeemOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 || report.Redeemed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(tracker.Snapshot()) != 1 {
		t.Fatal("token forgotten after a failed redemption")
	}
	if len(n.events) != 1 || n.events[0] != "redeem_failed" {
		t.Fatalf("alerts = %v", n.events)
	}

	delete(c.failFor, common.HexToAddress(proxyA))
	if report, _ := r.RedeemOnce(context.Background()); report.Redeemed != 1 || len(tracker.Snapshot()) != 0 {
		t.Fatalf("retry = %+v", report)
	}
}
