package domain

import (
	"context"
	"time"
)

// CopyTradeStore persists follower trades. Status changes are
// compare-and-set: Transition succeeds only while the stored status equals
// from, and returns ErrConflict otherwise.
type CopyTradeStore interface {
	// InsertIfAbsent stores t unless its idempotency key already exists.
	// It reports whether the row was inserted.
	InsertIfAbsent(ctx context.Context, t *CopyTrade) (bool, error)
	GetByID(ctx context.Context, id string) (CopyTrade, error)
	GetByIdempotencyKey(ctx context.Context, key string) (CopyTrade, error)
	Transition(ctx context.Context, t *CopyTrade, from CopyTradeStatus) error
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]CopyTrade, error)
	ListByStatus(ctx context.Context, status CopyTradeStatus, limit int) ([]CopyTrade, error)
	// ListStale returns trades in status not updated since before.
	ListStale(ctx context.Context, status CopyTradeStatus, before time.Time, limit int) ([]CopyTrade, error)
	ListTerminalBefore(ctx context.Context, before time.Time) ([]CopyTrade, error)
	// ExecutedTotals sums EXECUTED and SETTLEMENT_PENDING trades filled at
	// or after since.
	ExecutedTotals(ctx context.Context, since time.Time, f TradeFilter) (TradeTotals, error)
	// ListFloatSince returns trades filled on execution-wallet float at or
	// after since.
	ListFloatSince(ctx context.Context, since time.Time, limit int) ([]CopyTrade, error)
}

// TradeFilter narrows ExecutedTotals. Empty fields match everything.
type TradeFilter struct {
	FollowerWallet string
	MarketSlug     string
}

// TradeTotals is a count and USDC notional of filled trades.
type TradeTotals struct {
	Count    int
	Notional float64
}

// LedgerStore persists reimbursement entries.
type LedgerStore interface {
	Insert(ctx context.Context, e *ReimbursementLedgerEntry) error
	ListPending(ctx context.Context) ([]ReimbursementLedgerEntry, error)
	// MarkSettled flips every id from PENDING to SETTLED with one tx hash in
	// a single transaction. If any id is not PENDING nothing is changed and
	// ErrConflict is returned.
	MarkSettled(ctx context.Context, ids []string, txHash string, at time.Time) error
	RecordError(ctx context.Context, ids []string, msg string) error
	// MarkSubmitted stamps PENDING entries with the transfer collecting
	// them. An empty hash clears the stamp.
	MarkSubmitted(ctx context.Context, ids []string, txHash string, nonce uint64) error
}

// FollowerConfigStore persists follower configurations.
type FollowerConfigStore interface {
	ListActive(ctx context.Context) ([]FollowerConfig, error)
	Upsert(ctx context.Context, cfg FollowerConfig) error
}

// PositionStore persists position tracker snapshots.
type PositionStore interface {
	SaveAll(ctx context.Context, states []TokenState) error
	LoadAll(ctx context.Context) ([]TokenState, error)
	Delete(ctx context.Context, tokenID string) error
}

// AuditStore writes an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}
