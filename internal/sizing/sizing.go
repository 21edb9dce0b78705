// Package sizing turns a leader fill into a follower order size and a worst
// acceptable price.
package sizing

import (
	"math"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// CopySize returns the follower order notional in USDC for a leader fill of
// leaderShares at leaderPrice.
func CopySize(cfg domain.FollowerConfig, leaderShares, leaderPrice float64) float64 {
	if cfg.Mode == domain.SizingFixedAmount && cfg.FixedAmount > 0 {
		return math.Min(cfg.FixedAmount, cfg.MaxSizePerTrade)
	}

	scale := cfg.SizeScale
	if scale <= 0 {
		scale = 1
	}
	scaled := leaderShares * leaderPrice * scale
	return math.Max(cfg.MinSizePerTrade, math.Min(scaled, cfg.MaxSizePerTrade))
}

// WorstPrice applies slippage in the adverse direction for side. The result
// is clamped to the valid outcome price range (0, 1).
func WorstPrice(side domain.OrderSide, price, slippage float64) float64 {
	var p float64
	if side == domain.OrderSideBuy {
		p = price * (1 + slippage)
	} else {
		p = price * (1 - slippage)
	}
	return math.Min(math.Max(p, 0.001), 0.999)
}

// Slippage resolves the slippage fraction for cfg. FIXED uses the configured
// percentage (or fallback when unset). AUTO walks the book for the given
// share quantity and uses the observed price impact, capped at the
// configured maximum.
func Slippage(cfg domain.FollowerConfig, side domain.OrderSide, price, shares float64, book *domain.OrderbookSnapshot, fallback float64) float64 {
	maxSlip := fallback
	if cfg.MaxSlippage > 0 {
		maxSlip = cfg.MaxSlippage / 100
	}
	if cfg.SlippageType != domain.SlippageAuto || book == nil || price <= 0 {
		return maxSlip
	}

	impact, ok := priceImpact(side, price, shares, book)
	if !ok {
		return maxSlip
	}
	return math.Min(impact, maxSlip)
}

// priceImpact walks asks for a buy or bids for a sell until shares are
// covered and returns the relative distance of the last level touched from
// price. It reports false when the book cannot fill the quantity.
func priceImpact(side domain.OrderSide, price, shares float64, book *domain.OrderbookSnapshot) (float64, bool) {
	levels := book.Asks
	if side == domain.OrderSideSell {
		levels = book.Bids
	}

	remaining := shares
	worst := price
	for _, lvl := range levels {
		if remaining <= 0 {
			break
		}
		worst = lvl.Price
		remaining -= lvl.Size
	}
	if remaining > 1e-9 {
		return 0, false
	}

	impact := (worst - price) / price
	if side == domain.OrderSideSell {
		impact = -impact
	}
	// A book better than the reference still gets a small buffer.
	return math.Max(impact, 0.005), true
}
