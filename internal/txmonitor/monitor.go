// Package txmonitor watches submitted transactions and replaces the ones
// that stay unmined past a threshold with a fee-bumped copy.
package txmonitor

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// ReceiptSource looks up transaction receipts.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// ReplaceFunc re-sends old with the same nonce and the given fees and
// returns the new hash.
type ReplaceFunc func(ctx context.Context, old domain.TrackedTx, maxFee, tip *big.Int) (common.Hash, error)

// Config tunes the monitor.
type Config struct {
	PollInterval    time.Duration
	StuckThreshold  time.Duration
	GasBumpPercent  float64
	DefaultPriority *big.Int
	// ResolvedTTL bounds how long hash redirections are kept after mining.
	ResolvedTTL time.Duration
}

// DefaultConfig returns 30s polling, a 5 minute threshold and a 20% bump.
func DefaultConfig() Config {
	return Config{
		PollInterval:    30 * time.Second,
		StuckThreshold:  5 * time.Minute,
		GasBumpPercent:  0.2,
		DefaultPriority: big.NewInt(30_000_000_000),
		ResolvedTTL:     time.Hour,
	}
}

type redirect struct {
	to common.Hash
	at time.Time
}

// Monitor tracks pending transactions by hash.
type Monitor struct {
	receipts    ReceiptSource
	replace     ReplaceFunc
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
	onReplaced  func(old, replacement domain.TrackedTx)
	onConfirmed func(tx domain.TrackedTx)

	mu        sync.Mutex
	pending   map[common.Hash]*domain.TrackedTx
	redirects map[common.Hash]redirect
}

// New creates a Monitor. replace may be nil to only observe.
func New(receipts ReceiptSource, replace ReplaceFunc, cfg Config, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = def.StuckThreshold
	}
	if cfg.GasBumpPercent <= 0 {
		cfg.GasBumpPercent = def.GasBumpPercent
	}
	if cfg.DefaultPriority == nil {
		cfg.DefaultPriority = def.DefaultPriority
	}
	if cfg.ResolvedTTL <= 0 {
		cfg.ResolvedTTL = def.ResolvedTTL
	}
	return &Monitor{
		receipts:  receipts,
		replace:   replace,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "txmonitor")),
		now:       time.Now,
		pending:   make(map[common.Hash]*domain.TrackedTx),
		redirects: make(map[common.Hash]redirect),
	}
}

// OnReplaced registers a callback fired after each successful replacement.
func (m *Monitor) OnReplaced(fn func(old, replacement domain.TrackedTx)) {
	m.mu.Lock()
	m.onReplaced = fn
	m.mu.Unlock()
}

// OnConfirmed registers a callback fired when a tracked transaction is mined.
func (m *Monitor) OnConfirmed(fn func(tx domain.TrackedTx)) {
	m.mu.Lock()
	m.onConfirmed = fn
	m.mu.Unlock()
}

// Track starts watching tx.
func (m *Monitor) Track(tx domain.TrackedTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = m.now()
	}
	m.pending[tx.Hash] = &tx
}

// Untrack stops watching h.
func (m *Monitor) Untrack(h common.Hash) {
	m.mu.Lock()
	delete(m.pending, h)
	m.mu.Unlock()
}

// Resolve follows replacements from h to the hash currently standing in
// for it.
func (m *Monitor) Resolve(h common.Hash) common.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < 64; i++ {
		r, ok := m.redirects[h]
		if !ok || r.to == h {
			return h
		}
		h = r.to
	}
	return h
}

// Pending returns the number of unreplaced, unmined transactions.
func (m *Monitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tx := range m.pending {
		if !tx.Replaced {
			n++
		}
	}
	return n
}

// Tracked returns copies of all watched transactions ordered by nonce.
func (m *Monitor) Tracked() []domain.TrackedTx {
	m.mu.Lock()
	out := make([]domain.TrackedTx, 0, len(m.pending))
	for _, tx := range m.pending {
		out = append(out, *tx)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Nonce != out[j].Nonce {
			return out[i].Nonce < out[j].Nonce
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "tx monitor started",
		slog.Duration("stuck_threshold", m.cfg.StuckThreshold),
		slog.Float64("gas_bump", m.cfg.GasBumpPercent),
	)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckOnce(ctx, m.now())
		}
	}
}

// CheckOnce confirms mined transactions and replaces stuck ones.
func (m *Monitor) CheckOnce(ctx context.Context, now time.Time) {
	var stuck []domain.TrackedTx

	for _, tx := range m.Tracked() {
		receipt, err := m.receipts.TransactionReceipt(ctx, tx.Hash)
		if err == nil && receipt != nil {
			m.confirm(tx, now)
			continue
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			m.logger.WarnContext(ctx, "receipt lookup failed",
				slog.String("hash", tx.Hash.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !tx.Replaced && now.Sub(tx.SubmittedAt) > m.cfg.StuckThreshold {
			stuck = append(stuck, tx)
		}
	}

	for _, tx := range stuck {
		m.bump(ctx, tx, now)
	}
	m.prune(now)
}

func (m *Monitor) bump(ctx context.Context, tx domain.TrackedTx, now time.Time) {
	if m.replace == nil {
		return
	}
	tip, maxFee := m.bumpedFees(tx)
	m.logger.WarnContext(ctx, "stuck transaction",
		slog.String("hash", tx.Hash.Hex()),
		slog.Uint64("nonce", tx.Nonce),
		slog.Duration("pending_for", now.Sub(tx.SubmittedAt)),
	)
	newHash, err := m.replace(ctx, tx, maxFee, tip)
	if err != nil {
		m.logger.ErrorContext(ctx, "replacement failed",
			slog.String("hash", tx.Hash.Hex()),
			slog.String("error", err.Error()),
		)
		return
	}

	replacement := tx
	replacement.Hash = newHash
	replacement.SubmittedAt = now
	replacement.MaxFeePerGas = maxFee
	replacement.MaxPriorityFeePerGas = tip
	replacement.Replaced = false
	replacement.ReplacedBy = common.Hash{}

	m.mu.Lock()
	if p, ok := m.pending[tx.Hash]; ok {
		p.Replaced = true
		p.ReplacedBy = newHash
	}
	m.pending[newHash] = &replacement
	m.redirects[tx.Hash] = redirect{to: newHash, at: now}
	cb := m.onReplaced
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "transaction replaced",
		slog.String("old_hash", tx.Hash.Hex()),
		slog.String("new_hash", newHash.Hex()),
		slog.String("priority_fee", tip.String()),
	)
	if cb != nil {
		cb(tx, replacement)
	}
}

// bumpedFees raises the priority fee by GasBumpPercent and keeps the fee cap
// at least as high as the new tip.
func (m *Monitor) bumpedFees(tx domain.TrackedTx) (*big.Int, *big.Int) {
	mul := big.NewInt(100 + int64(m.cfg.GasBumpPercent*100+0.5))
	hundred := big.NewInt(100)

	tip := tx.MaxPriorityFeePerGas
	if tip == nil || tip.Sign() == 0 {
		tip = m.cfg.DefaultPriority
	}
	tip = new(big.Int).Div(new(big.Int).Mul(tip, mul), hundred)

	maxFee := new(big.Int)
	if tx.MaxFeePerGas != nil {
		maxFee.Div(new(big.Int).Mul(tx.MaxFeePerGas, mul), hundred)
	}
	if maxFee.Cmp(tip) < 0 {
		maxFee.Set(tip)
	}
	return tip, maxFee
}

// confirm drops every transaction sharing the mined one's nonce and points
// their hashes at the mined hash.
func (m *Monitor) confirm(mined domain.TrackedTx, now time.Time) {
	m.mu.Lock()
	cb := m.onConfirmed
	defer func() {
		m.mu.Unlock()
		if cb != nil {
			cb(mined)
		}
	}()
	for h, tx := range m.pending {
		if tx.From != mined.From || tx.Nonce != mined.Nonce {
			continue
		}
		delete(m.pending, h)
		if h != mined.Hash {
			m.redirects[h] = redirect{to: mined.Hash, at: now}
		}
	}
	delete(m.redirects, mined.Hash)
	m.logger.Debug("transaction confirmed", slog.String("hash", mined.Hash.Hex()))
}

func (m *Monitor) prune(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, r := range m.redirects {
		if _, live := m.pending[r.to]; live {
			continue
		}
		if now.Sub(r.at) > m.cfg.ResolvedTTL {
			delete(m.redirects, h)
		}
	}
}
