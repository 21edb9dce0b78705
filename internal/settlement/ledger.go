package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polycopy/internal/chain"
	"github.com/alanyoungcy/polycopy/internal/domain"
)

// LedgerChain is what the ledger flush needs on-chain.
type LedgerChain interface {
	BotAddress() common.Address
	USDCBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	Submit(ctx context.Context, tr chain.Transfer) (domain.TxRef, error)
	Wait(ctx context.Context, ref domain.TxRef) error
	TxState(ctx context.Context, ref domain.TxRef) (chain.TxState, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// LedgerConfig tunes the flush loop.
type LedgerConfig struct {
	Interval        time.Duration
	LockTTL         time.Duration
	ArchiveReceipts bool
	// BackfillWindow is how far back float-funded trades are checked for a
	// missing ledger entry.
	BackfillWindow time.Duration
	BackfillBatch  int
}

// LedgerDeps are optional collaborators.
type LedgerDeps struct {
	Trades   domain.CopyTradeStore
	Writer   domain.BlobWriter
	Reader   domain.BlobReader
	Notifier Notifier
}

// Receipt is the JSON document written for each settled batch.
type Receipt struct {
	TxHash       string          `json:"tx_hash"`
	ProxyAddress string          `json:"proxy_address"`
	BotAddress   string          `json:"bot_address"`
	Currency     string          `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
	EntryIDs     []string        `json:"entry_ids"`
	SettledAt    time.Time       `json:"settled_at"`
}

// FlushReport summarizes one flush.
type FlushReport struct {
	Backfilled int
	Settled    int
	Failed     int
	Skipped    int
	Amount     decimal.Decimal
}

// Ledger records float reimbursements and repays them in one transfer per
// proxy.
type Ledger struct {
	store  domain.LedgerStore
	chain  LedgerChain
	locks  domain.LockManager
	deps   LedgerDeps
	cfg    LedgerConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(store domain.LedgerStore, c LedgerChain, locks domain.LockManager, deps LedgerDeps, cfg LedgerConfig, logger *slog.Logger) *Ledger {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.BackfillWindow <= 0 {
		cfg.BackfillWindow = 7 * 24 * time.Hour
	}
	if cfg.BackfillBatch <= 0 {
		cfg.BackfillBatch = 500
	}
	return &Ledger{
		store:  store,
		chain:  c,
		locks:  locks,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "ledger")),
		now:    time.Now,
	}
}

// EntryID is the ledger id of the reimbursement owed for a trade. Writing
// the same trade twice hits the same row.
func EntryID(copyTradeID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("polycopy:float:"+copyTradeID)).String()
}

// Record inserts a PENDING entry. An entry already recorded for the trade
// yields domain.ErrAlreadyExists.
func (l *Ledger) Record(ctx context.Context, e domain.ReimbursementLedgerEntry) error {
	if e.ID == "" {
		e.ID = EntryID(e.CopyTradeID)
	}
	e.Status = domain.LedgerPending
	if e.Currency == "" {
		e.Currency = "USDC"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	if err := l.store.Insert(ctx, &e); err != nil {
		return fmt.Errorf("settlement: record %s: %w", e.ID, err)
	}
	l.logger.InfoContext(ctx, "float reimbursement recorded",
		slog.String("trade_id", e.CopyTradeID),
		slog.String("proxy", e.ProxyAddress),
		slog.String("amount", e.Amount.String()),
	)
	return nil
}

// OutstandingByProxy sums PENDING entries per lower-cased proxy address.
func (l *Ledger) OutstandingByProxy(ctx context.Context) (map[string]decimal.Decimal, error) {
	entries, err := l.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement: list pending: %w", err)
	}
	out := make(map[string]decimal.Decimal)
	for _, e := range entries {
		k := strings.ToLower(e.ProxyAddress)
		out[k] = out[k].Add(e.Amount)
	}
	return out, nil
}

// Run flushes every interval until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := l.Flush(ctx); err != nil {
				l.logger.ErrorContext(ctx, "ledger flush failed", slog.String("error", err.Error()))
			}
		}
	}
}

type groupKey struct {
	proxy    string
	bot      string
	currency string
}

// Backfill records entries for float-funded trades that filled without one.
// It returns how many entries it added.
func (l *Ledger) Backfill(ctx context.Context) (int, error) {
	if l.deps.Trades == nil {
		return 0, nil
	}
	trades, err := l.deps.Trades.ListFloatSince(ctx, l.now().Add(-l.cfg.BackfillWindow), l.cfg.BackfillBatch)
	if err != nil {
		return 0, fmt.Errorf("settlement: list float trades: %w", err)
	}
	bot := l.chain.BotAddress().Hex()
	added := 0
	for _, t := range trades {
		e := domain.ReimbursementLedgerEntry{
			ID:           EntryID(t.ID),
			CopyTradeID:  t.ID,
			ProxyAddress: common.HexToAddress(t.ProxyAddress).Hex(),
			BotAddress:   bot,
			Amount:       chain.FromBaseUnits(chain.ToBaseUnits(t.CopySize)),
			Currency:     "USDC",
			Status:       domain.LedgerPending,
		}
		if t.ExecutedAt != nil {
			e.CreatedAt = t.ExecutedAt.UTC()
		}
		err := l.store.Insert(ctx, &e)
		switch {
		case errors.Is(err, domain.ErrAlreadyExists):
		case err != nil:
			return added, fmt.Errorf("settlement: backfill %s: %w", t.ID, err)
		default:
			added++
			l.logger.WarnContext(ctx, "float reimbursement backfilled",
				slog.String("trade_id", t.ID),
				slog.String("amount", e.Amount.String()),
			)
		}
	}
	return added, nil
}

// Flush backfills missing entries, then repays every group of PENDING
// entries with one on-chain transfer.
func (l *Ledger) Flush(ctx context.Context) (FlushReport, error) {
	report := FlushReport{Amount: decimal.Zero}
	added, err := l.Backfill(ctx)
	report.Backfilled = added
	if err != nil {
		l.logger.ErrorContext(ctx, "ledger backfill failed", slog.String("error", err.Error()))
	}

	entries, err := l.store.ListPending(ctx)
	if err != nil {
		return report, fmt.Errorf("settlement: list pending: %w", err)
	}
	groups := make(map[groupKey][]domain.ReimbursementLedgerEntry)
	for _, e := range entries {
		k := groupKey{strings.ToLower(e.ProxyAddress), strings.ToLower(e.BotAddress), e.Currency}
		groups[k] = append(groups[k], e)
	}
	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].proxy < keys[j].proxy })

	bot := strings.ToLower(l.chain.BotAddress().Hex())
	for _, k := range keys {
		if k.bot != bot || k.currency != "USDC" {
			l.logger.WarnContext(ctx, "ledger group not payable by this wallet",
				slog.String("proxy", k.proxy),
				slog.String("bot", k.bot),
				slog.String("currency", k.currency),
			)
			report.Skipped++
			continue
		}
		amount, err := l.flushGroup(ctx, k, groups[k])
		switch {
		case errors.Is(err, domain.ErrLockHeld), errors.Is(err, errStillPending):
			report.Skipped++
		case err != nil:
			report.Failed++
			l.alert(ctx, k.proxy, err)
		default:
			report.Settled += len(groups[k])
			report.Amount = report.Amount.Add(amount)
		}
	}
	return report, nil
}

func (l *Ledger) flushGroup(ctx context.Context, k groupKey, entries []domain.ReimbursementLedgerEntry) (decimal.Decimal, error) {
	unlock, err := l.locks.Acquire(ctx, "ledger:flush:"+k.proxy, l.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			l.logger.DebugContext(ctx, "proxy flush held elsewhere", slog.String("proxy", k.proxy))
		}
		return decimal.Zero, err
	}
	defer unlock()

	// Entries stamped by an earlier flush are resolved before any new
	// collection is sent for them.
	var fresh []domain.ReimbursementLedgerEntry
	submitted := make(map[string][]domain.ReimbursementLedgerEntry)
	for _, e := range entries {
		if e.TxHash == "" {
			fresh = append(fresh, e)
			continue
		}
		submitted[e.TxHash] = append(submitted[e.TxHash], e)
	}
	settled := decimal.Zero
	pending := false
	for hash, batch := range submitted {
		ref := domain.TxRef{Hash: common.HexToHash(hash), Nonce: batch[0].TxNonce}
		ids, total := summarize(batch)
		state, err := l.chain.TxState(ctx, ref)
		if err != nil {
			return settled, l.recordError(ctx, ids, fmt.Errorf("collection status: %w", err))
		}
		switch state {
		case chain.TxMined:
			if err := l.settled(ctx, k, ids, total, ref); err != nil {
				return settled, err
			}
			settled = settled.Add(total)
		case chain.TxPending:
			pending = true
		case chain.TxUnknown:
			return settled, l.recordError(ctx, ids,
				fmt.Errorf("collection %s: nonce %d consumed by another transaction", hash, ref.Nonce))
		default:
			if err := l.store.MarkSubmitted(ctx, ids, "", 0); err != nil {
				return settled, fmt.Errorf("settlement: clear %s: %w", hash, err)
			}
			fresh = append(fresh, batch...)
		}
	}
	if pending {
		// A collection is still in the mempool; collecting again now could
		// charge the proxy twice.
		return settled, errStillPending
	}
	if len(fresh) == 0 {
		return settled, nil
	}

	ids, total := summarize(fresh)
	amount := chain.DecimalToBaseUnits(total)
	if amount.Sign() == 0 {
		return settled, nil
	}
	proxy := common.HexToAddress(k.proxy)

	balance, err := l.chain.USDCBalance(ctx, proxy)
	if err != nil {
		return settled, l.recordError(ctx, ids, fmt.Errorf("proxy balance: %w", err))
	}
	if balance.Cmp(amount) < 0 {
		return settled, l.recordError(ctx, ids,
			fmt.Errorf("proxy holds %s, owes %s", chain.FromBaseUnits(balance), total))
	}

	ref, err := l.chain.Submit(ctx, chain.Transfer{Kind: chain.PullUSDC, Proxy: proxy, Amount: amount})
	if err != nil {
		return settled, l.recordError(ctx, ids, fmt.Errorf("reimbursement transfer: %w", err))
	}
	if err := l.store.MarkSubmitted(ctx, ids, ref.Hash.Hex(), ref.Nonce); err != nil {
		l.logger.ErrorContext(ctx, "reimbursement sent but not stamped",
			slog.String("proxy", k.proxy),
			slog.String("tx_hash", ref.Hash.Hex()),
			slog.String("error", err.Error()),
		)
	}
	if err := l.chain.Wait(ctx, ref); err != nil {
		return settled, l.recordError(ctx, ids, fmt.Errorf("reimbursement transfer: %w", err))
	}
	if err := l.settled(ctx, k, ids, total, ref); err != nil {
		return settled, err
	}
	return settled.Add(total), nil
}

func summarize(entries []domain.ReimbursementLedgerEntry) ([]string, decimal.Decimal) {
	ids := make([]string, len(entries))
	total := decimal.Zero
	for i, e := range entries {
		ids[i] = e.ID
		total = total.Add(e.Amount)
	}
	return ids, total
}

func (l *Ledger) settled(ctx context.Context, k groupKey, ids []string, total decimal.Decimal, ref domain.TxRef) error {
	hash := ref.Hash.Hex()
	at := l.now().UTC()
	if err := l.store.MarkSettled(ctx, ids, hash, at); err != nil {
		l.logger.ErrorContext(ctx, "reimbursement paid but not marked settled",
			slog.String("proxy", k.proxy),
			slog.String("tx_hash", hash),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("settlement: mark settled %s: %w", hash, err)
	}
	l.logger.InfoContext(ctx, "reimbursement settled",
		slog.String("proxy", k.proxy),
		slog.String("amount", total.String()),
		slog.Int("entries", len(ids)),
		slog.String("tx_hash", hash),
	)
	l.writeReceipt(ctx, Receipt{
		TxHash:       hash,
		ProxyAddress: k.proxy,
		BotAddress:   k.bot,
		Currency:     k.currency,
		Amount:       total,
		EntryIDs:     ids,
		SettledAt:    at,
	})
	return nil
}

func (l *Ledger) recordError(ctx context.Context, ids []string, cause error) error {
	if err := l.store.RecordError(ctx, ids, cause.Error()); err != nil {
		l.logger.WarnContext(ctx, "ledger error not recorded", slog.String("error", err.Error()))
	}
	return fmt.Errorf("settlement: %w", cause)
}

// ReceiptPath is the object key a receipt is stored under.
func ReceiptPath(r Receipt) string {
	return fmt.Sprintf("ledger/receipts/%s/%s.json", r.SettledAt.UTC().Format("2006-01-02"), strings.ToLower(r.TxHash))
}

func (l *Ledger) writeReceipt(ctx context.Context, r Receipt) {
	if !l.cfg.ArchiveReceipts || l.deps.Writer == nil {
		return
	}
	path := ReceiptPath(r)
	if l.deps.Reader != nil {
		if ok, err := l.deps.Reader.Exists(ctx, path); err == nil && ok {
			return
		}
	}
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		l.logger.WarnContext(ctx, "encode receipt", slog.String("error", err.Error()))
		return
	}
	if err := l.deps.Writer.Put(ctx, path, bytes.NewReader(body), "application/json"); err != nil {
		l.logger.WarnContext(ctx, "receipt upload failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Ledger) alert(ctx context.Context, proxy string, err error) {
	if l.deps.Notifier == nil {
		return
	}
	msg := fmt.Sprintf("proxy %s: %v", proxy, err)
	if nerr := l.deps.Notifier.Notify(ctx, "ledger_failed", "Reimbursement flush failed", msg); nerr != nil {
		l.logger.WarnContext(ctx, "notify failed", slog.String("error", nerr.Error()))
	}
}
