package domain

import (
	"fmt"
	"strings"
	"time"
)

// CopyTradeStatus is the lifecycle state of a follower trade.
type CopyTradeStatus string

const (
	CopyTradePending           CopyTradeStatus = "PENDING"
	CopyTradeExecuting         CopyTradeStatus = "EXECUTING"
	CopyTradeExecuted          CopyTradeStatus = "EXECUTED"
	CopyTradeFailed            CopyTradeStatus = "FAILED"
	CopyTradeSettlementPending CopyTradeStatus = "SETTLEMENT_PENDING"
)

var copyTradeTransitions = map[CopyTradeStatus][]CopyTradeStatus{
	CopyTradePending:           {CopyTradeExecuting, CopyTradeFailed},
	CopyTradeExecuting:         {CopyTradeExecuting, CopyTradeExecuted, CopyTradeFailed, CopyTradeSettlementPending},
	CopyTradeFailed:            {CopyTradePending},
	CopyTradeSettlementPending: {CopyTradeSettlementPending, CopyTradeExecuted},
}

// CanTransition reports whether moving from s to next is a legal step.
// PENDING→FAILED exists only for expiring stale claims. EXECUTING and
// SETTLEMENT_PENDING may step to themselves so progress markers can be
// checkpointed under the same compare-and-set as real transitions.
func (s CopyTradeStatus) CanTransition(next CopyTradeStatus) bool {
	for _, allowed := range copyTradeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CopyTrade is one follower's attempt to mirror one leader trade.
type CopyTrade struct {
	ID             string    `json:"id"`
	ConfigID       string    `json:"config_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	FollowerWallet string    `json:"follower_wallet"`
	ProxyAddress   string    `json:"proxy_address"`
	LeaderTrader   string    `json:"leader_trader"`
	SourceTxHash   string    `json:"source_tx_hash"`
	TokenID        string    `json:"token_id"`
	MarketSlug     string    `json:"market_slug"`
	Side           OrderSide `json:"side"`
	LeaderSize     float64   `json:"leader_size"`
	LeaderPrice    float64   `json:"leader_price"`
	CopySize       float64   `json:"copy_size"`       // USDC notional
	CopyPrice      float64   `json:"copy_price"`      // reference price before slippage
	Slippage       float64   `json:"slippage"`        // fraction, 0.02 = 2%
	SignalPending  bool      `json:"signal_pending"`

	Status       CopyTradeStatus `json:"status"`
	RetryCount   int             `json:"retry_count"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	ErrorCode    string          `json:"error_code"`
	ErrorMessage string          `json:"error_message"`

	OrderID                  string  `json:"order_id"`
	TxHash                   string  `json:"tx_hash"`
	FilledShares             float64 `json:"filled_shares"`
	FilledPrice              float64 `json:"filled_price"`
	UsedExecutionWalletFloat bool    `json:"used_execution_wallet_float"`
	SettlementDeferred       bool    `json:"settlement_deferred"`
	RealizedPnL              float64 `json:"realized_pnl"`

	// FundTxHash is the pull into the execution wallet; SettlementTxHash
	// is the return leg (a refund while OrderID is empty). Both are written
	// before the transfer is awaited.
	FundTxHash        string `json:"fund_tx_hash,omitempty"`
	FundTxNonce       uint64 `json:"fund_tx_nonce,omitempty"`
	SettlementTxHash  string `json:"settlement_tx_hash"`
	SettlementTxNonce uint64 `json:"settlement_tx_nonce,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
}

// Shares returns the share quantity implied by the USDC size at the
// reference price.
func (t CopyTrade) Shares() float64 {
	if t.CopyPrice <= 0 {
		return 0
	}
	return t.CopySize / t.CopyPrice
}

// FundTx returns the recorded funding transfer, if any.
func (t CopyTrade) FundTx() (TxRef, bool) {
	return txRef(t.FundTxHash, t.FundTxNonce)
}

// SetFundTx records the funding transfer. A zero ref clears it.
func (t *CopyTrade) SetFundTx(ref TxRef) {
	t.FundTxHash, t.FundTxNonce = ref.hex(), ref.Nonce
}

// SettlementTx returns the recorded return transfer, if any.
func (t CopyTrade) SettlementTx() (TxRef, bool) {
	return txRef(t.SettlementTxHash, t.SettlementTxNonce)
}

// SetSettlementTx records the return transfer. A zero ref clears it.
func (t *CopyTrade) SetSettlementTx(ref TxRef) {
	t.SettlementTxHash, t.SettlementTxNonce = ref.hex(), ref.Nonce
}

// IdempotencyKey builds the unique claim key for a follower config and a
// leader fill.
func IdempotencyKey(configID, sourceTxHash, tokenID string) string {
	return fmt.Sprintf("%s:%s:%s", configID, strings.ToLower(sourceTxHash), tokenID)
}
