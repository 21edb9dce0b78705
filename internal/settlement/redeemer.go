package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polycopy/internal/chain"
	"github.com/alanyoungcy/polycopy/internal/domain"
)

// RedeemChain is what redemption needs on-chain.
type RedeemChain interface {
	TokenBalance(ctx context.Context, owner common.Address, tokenID *big.Int) (*big.Int, error)
	Redeem(ctx context.Context, proxy common.Address, conditionID common.Hash, indexSets []*big.Int) (common.Hash, error)
}

// MarketSource resolves a token to its market.
type MarketSource interface {
	MarketByToken(ctx context.Context, tokenID string) (domain.MarketInfo, error)
}

// PositionBook lists and forgets tracked tokens.
type PositionBook interface {
	Snapshot() []domain.TokenState
	Remove(tokenID string)
}

// FollowerSource lists the followers whose proxies may hold positions.
type FollowerSource interface {
	ListActive(ctx context.Context) ([]domain.FollowerConfig, error)
}

// RedeemReport summarizes one redemption pass.
type RedeemReport struct {
	Markets  int
	Redeemed int
	Failed   int
}

// Redeemer turns follower positions in resolved markets back into USDC.
// Each proxy redeems its own tokens, so payouts land where the shares are.
type Redeemer struct {
	chain     RedeemChain
	markets   MarketSource
	positions PositionBook
	followers FollowerSource
	notifier  Notifier
	interval  time.Duration
	logger    *slog.Logger
}

// NewRedeemer creates a Redeemer. notifier may be nil.
func NewRedeemer(c RedeemChain, markets MarketSource, positions PositionBook, followers FollowerSource, notifier Notifier, interval time.Duration, logger *slog.Logger) *Redeemer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Redeemer{
		chain:     c,
		markets:   markets,
		positions: positions,
		followers: followers,
		notifier:  notifier,
		interval:  interval,
		logger:    logger.With(slog.String("component", "redeemer")),
	}
}

// Run redeems every interval until ctx is cancelled.
func (r *Redeemer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RedeemOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "redemption pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RedeemOnce redeems every tracked token whose market has closed. A token
// is forgotten once no proxy holds it; failures keep it for the next pass.
func (r *Redeemer) RedeemOnce(ctx context.Context) (RedeemReport, error) {
	var report RedeemReport
	proxies, err := r.proxies(ctx)
	if err != nil {
		return report, err
	}

	for _, pos := range r.positions.Snapshot() {
		tokenID, ok := chain.ParseTokenID(pos.TokenID)
		if !ok {
			continue
		}
		market, err := r.markets.MarketByToken(ctx, pos.TokenID)
		if err != nil {
			r.logger.WarnContext(ctx, "market lookup failed",
				slog.String("token_id", pos.TokenID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !market.Closed || market.ConditionID == "" {
			continue
		}
		if market.NegRisk {
			// Neg-risk positions redeem through the adapter, not the CTF.
			r.logger.InfoContext(ctx, "neg-risk market left for manual redemption",
				slog.String("token_id", pos.TokenID),
				slog.String("slug", market.Slug),
			)
			continue
		}
		report.Markets++

		clean := true
		for _, proxy := range proxies {
			n, err := r.redeem(ctx, proxy, tokenID, common.HexToHash(market.ConditionID))
			report.Redeemed += n
			if err != nil {
				clean = false
				report.Failed++
				r.logger.WarnContext(ctx, "redemption failed",
					slog.String("proxy", proxy.Hex()),
					slog.String("slug", market.Slug),
					slog.String("error", err.Error()),
				)
				r.alert(ctx, proxy, market, err)
			}
		}
		if clean {
			r.positions.Remove(pos.TokenID)
		}
	}
	return report, nil
}

func (r *Redeemer) redeem(ctx context.Context, proxy common.Address, tokenID *big.Int, conditionID common.Hash) (int, error) {
	balance, err := r.chain.TokenBalance(ctx, proxy, tokenID)
	if err != nil {
		return 0, fmt.Errorf("token balance: %w", err)
	}
	if balance.Sign() == 0 {
		return 0, nil
	}
	h, err := r.chain.Redeem(ctx, proxy, conditionID, chain.BinaryIndexSets)
	if err != nil {
		return 0, err
	}
	r.logger.InfoContext(ctx, "position redeemed",
		slog.String("proxy", proxy.Hex()),
		slog.String("condition_id", conditionID.Hex()),
		slog.String("shares", chain.FromBaseUnits(balance).String()),
		slog.String("tx_hash", h.Hex()),
	)
	return 1, nil
}

func (r *Redeemer) proxies(ctx context.Context) ([]common.Address, error) {
	cfgs, err := r.followers.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement: list followers: %w", err)
	}
	seen := make(map[string]bool)
	var out []common.Address
	for _, c := range cfgs {
		if !common.IsHexAddress(c.ProxyAddress) {
			continue
		}
		k := strings.ToLower(c.ProxyAddress)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, common.HexToAddress(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out, nil
}

func (r *Redeemer) alert(ctx context.Context, proxy common.Address, m domain.MarketInfo, err error) {
	if r.notifier == nil {
		return
	}
	msg := fmt.Sprintf("proxy %s market %s: %v", proxy.Hex(), m.Slug, err)
	if nerr := r.notifier.Notify(ctx, "redeem_failed", "Position redemption failed", msg); nerr != nil {
		r.logger.WarnContext(ctx, "notify failed", slog.String("error", nerr.Error()))
	}
}
