package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// SignalSource identifies which detector produced a signal.
type SignalSource string

const (
	SourceMempool    SignalSource = "mempool"
	SourceActivityWS SignalSource = "activity_ws"
	SourceGoldsky    SignalSource = "goldsky"
)

// GasHint carries the fee fields of a leader transaction observed in the
// mempool.
type GasHint struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// TradeSignal is a normalized leader trade observation.
type TradeSignal struct {
	TraderAddress string
	Side          OrderSide
	TokenID       string
	Size          float64 // shares
	Price         float64
	SourceTxHash  string
	LogIndex      uint
	HasLogIndex   bool
	ObservedAt    time.Time
	IsPending     bool
	Source        SignalSource
	MarketSlug    string
	Gas           *GasHint
}

// DedupKey identifies a leader trade across sources. The log index is the
// most precise discriminator; without it the token and side disambiguate
// batch transfers sharing one transaction.
func (s TradeSignal) DedupKey() string {
	tx := strings.ToLower(s.SourceTxHash)
	switch {
	case s.HasLogIndex:
		return fmt.Sprintf("%s:%d", tx, s.LogIndex)
	case s.TokenID != "":
		return fmt.Sprintf("%s:%s:%s", tx, s.TokenID, s.Side)
	default:
		return tx
	}
}

// Notional returns size*price in USDC.
func (s TradeSignal) Notional() float64 {
	return s.Size * s.Price
}
