package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerStatus tracks whether a reimbursement has been paid back.
type LedgerStatus string

const (
	LedgerPending LedgerStatus = "PENDING"
	LedgerSettled LedgerStatus = "SETTLED"
)

// ReimbursementLedgerEntry records execution-wallet float advanced on behalf
// of a proxy. Amount is in Currency units (USDC).
type ReimbursementLedgerEntry struct {
	ID           string          `json:"id"`
	CopyTradeID  string          `json:"copy_trade_id"`
	ProxyAddress string          `json:"proxy_address"`
	BotAddress   string          `json:"bot_address"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Status       LedgerStatus    `json:"status"`
	TxHash       string          `json:"tx_hash"`
	TxNonce      uint64          `json:"tx_nonce,omitempty"`
	ErrorLog     string          `json:"error_log"`
	CreatedAt    time.Time       `json:"created_at"`
	SettledAt    *time.Time      `json:"settled_at,omitempty"`
}
