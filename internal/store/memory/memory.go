// Package memory provides in-process implementations of the domain stores.
// They back single-process runs without a database and the package tests of
// the pipeline components. Semantics match the Postgres stores, including
// the unique idempotency key and compare-and-set status transitions.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// CopyTradeStore implements domain.CopyTradeStore.
type CopyTradeStore struct {
	mu    sync.Mutex
	byID  map[string]*domain.CopyTrade
	byKey map[string]string
}

// NewCopyTradeStore creates an empty store.
func NewCopyTradeStore() *CopyTradeStore {
	return &CopyTradeStore{
		byID:  make(map[string]*domain.CopyTrade),
		byKey: make(map[string]string),
	}
}

// InsertIfAbsent stores a copy of t unless its idempotency key is taken.
func (s *CopyTradeStore) InsertIfAbsent(_ context.Context, t *domain.CopyTrade) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[t.IdempotencyKey]; ok {
		return false, nil
	}
	cp := *t
	s.byID[t.ID] = &cp
	s.byKey[t.IdempotencyKey] = t.ID
	return true, nil
}

// GetByID returns a copy of the trade.
func (s *CopyTradeStore) GetByID(_ context.Context, id string) (domain.CopyTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return domain.CopyTrade{}, domain.ErrNotFound
	}
	return *t, nil
}

// GetByIdempotencyKey returns a copy of the trade holding key.
func (s *CopyTradeStore) GetByIdempotencyKey(_ context.Context, key string) (domain.CopyTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return domain.CopyTrade{}, domain.ErrNotFound
	}
	return *s.byID[id], nil
}

// Transition overwrites the stored trade with t when its status is from.
func (s *CopyTradeStore) Transition(_ context.Context, t *domain.CopyTrade, from domain.CopyTradeStatus) error {
	if !from.CanTransition(t.Status) {
		return domain.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != from {
		return domain.ErrConflict
	}
	cp := *t
	cp.IdempotencyKey = cur.IdempotencyKey
	cp.CreatedAt = cur.CreatedAt
	s.byID[t.ID] = &cp
	return nil
}

func (s *CopyTradeStore) list(limit int, keep func(*domain.CopyTrade) bool) []domain.CopyTrade {
	var out []domain.CopyTrade
	for _, t := range s.byID {
		if keep(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListDueRetries returns FAILED trades whose retry time has passed.
func (s *CopyTradeStore) ListDueRetries(_ context.Context, now time.Time, limit int) ([]domain.CopyTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(limit, func(t *domain.CopyTrade) bool {
		return t.Status == domain.CopyTradeFailed && t.NextRetryAt != nil && !t.NextRetryAt.After(now)
	}), nil
}

// ListByStatus returns trades in status, oldest first.
func (s *CopyTradeStore) ListByStatus(_ context.Context, status domain.CopyTradeStatus, limit int) ([]domain.CopyTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(limit, func(t *domain.CopyTrade) bool { return t.Status == status }), nil
}

// ListStale returns trades in status not updated since before.
func (s *CopyTradeStore) ListStale(_ context.Context, status domain.CopyTradeStatus, before time.Time, limit int) ([]domain.CopyTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(limit, func(t *domain.CopyTrade) bool {
		return t.Status == status && t.UpdatedAt.Before(before)
	}), nil
}

func filledSince(t *domain.CopyTrade, since time.Time) bool {
	if t.Status != domain.CopyTradeExecuted && t.Status != domain.CopyTradeSettlementPending {
		return false
	}
	return t.ExecutedAt != nil && !t.ExecutedAt.Before(since)
}

// ExecutedTotals sums filled trades matching f.
func (s *CopyTradeStore) ExecutedTotals(_ context.Context, since time.Time, f domain.TradeFilter) (domain.TradeTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out domain.TradeTotals
	for _, t := range s.byID {
		if !filledSince(t, since) {
			continue
		}
		if f.FollowerWallet != "" && !strings.EqualFold(t.FollowerWallet, f.FollowerWallet) {
			continue
		}
		if f.MarketSlug != "" && !strings.EqualFold(t.MarketSlug, f.MarketSlug) {
			continue
		}
		out.Count++
		out.Notional += t.CopySize
	}
	return out, nil
}

// ListFloatSince returns float-funded trades filled at or after since.
func (s *CopyTradeStore) ListFloatSince(_ context.Context, since time.Time, limit int) ([]domain.CopyTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(limit, func(t *domain.CopyTrade) bool {
		return t.UsedExecutionWalletFloat && filledSince(t, since)
	}), nil
}

// ListTerminalBefore returns EXECUTED trades and exhausted FAILED trades
// created before the cutoff.
func (s *CopyTradeStore) ListTerminalBefore(_ context.Context, before time.Time) ([]domain.CopyTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(0, func(t *domain.CopyTrade) bool {
		terminal := t.Status == domain.CopyTradeExecuted || (t.Status == domain.CopyTradeFailed && t.NextRetryAt == nil)
		return terminal && t.CreatedAt.Before(before)
	}), nil
}

var _ domain.CopyTradeStore = (*CopyTradeStore)(nil)

// LedgerStore implements domain.LedgerStore.
type LedgerStore struct {
	mu      sync.Mutex
	entries map[string]*domain.ReimbursementLedgerEntry
	order   []string
}

// NewLedgerStore creates an empty ledger.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{entries: make(map[string]*domain.ReimbursementLedgerEntry)}
}

// Insert adds e. Duplicate ids are rejected.
func (s *LedgerStore) Insert(_ context.Context, e *domain.ReimbursementLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *e
	s.entries[e.ID] = &cp
	s.order = append(s.order, e.ID)
	return nil
}

// ListPending returns PENDING entries in insertion order.
func (s *LedgerStore) ListPending(_ context.Context) ([]domain.ReimbursementLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReimbursementLedgerEntry
	for _, id := range s.order {
		if e := s.entries[id]; e.Status == domain.LedgerPending {
			out = append(out, *e)
		}
	}
	return out, nil
}

// All returns every entry in insertion order.
func (s *LedgerStore) All() []domain.ReimbursementLedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ReimbursementLedgerEntry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.entries[id])
	}
	return out
}

// MarkSettled settles all ids or none.
func (s *LedgerStore) MarkSettled(_ context.Context, ids []string, txHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok || e.Status != domain.LedgerPending {
			return domain.ErrConflict
		}
	}
	for _, id := range ids {
		e := s.entries[id]
		e.Status = domain.LedgerSettled
		e.TxHash = txHash
		settled := at
		e.SettledAt = &settled
	}
	return nil
}

// RecordError stores msg on each entry.
func (s *LedgerStore) RecordError(_ context.Context, ids []string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			e.ErrorLog = msg
		}
	}
	return nil
}

// MarkSubmitted stamps PENDING entries with a collecting transfer.
func (s *LedgerStore) MarkSubmitted(_ context.Context, ids []string, txHash string, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.entries[id]; ok && e.Status == domain.LedgerPending {
			e.TxHash = txHash
			e.TxNonce = nonce
		}
	}
	return nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)

// FollowerConfigStore implements domain.FollowerConfigStore.
type FollowerConfigStore struct {
	mu   sync.Mutex
	cfgs map[string]domain.FollowerConfig
}

// NewFollowerConfigStore creates a store seeded with cfgs.
func NewFollowerConfigStore(cfgs ...domain.FollowerConfig) *FollowerConfigStore {
	s := &FollowerConfigStore{cfgs: make(map[string]domain.FollowerConfig)}
	for _, c := range cfgs {
		s.cfgs[c.ID] = c
	}
	return s
}

// ListActive returns active configs ordered by id.
func (s *FollowerConfigStore) ListActive(_ context.Context) ([]domain.FollowerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FollowerConfig
	for _, c := range s.cfgs {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Upsert inserts or replaces cfg.
func (s *FollowerConfigStore) Upsert(_ context.Context, cfg domain.FollowerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfgs[cfg.ID] = cfg
	return nil
}

var _ domain.FollowerConfigStore = (*FollowerConfigStore)(nil)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	mu     sync.Mutex
	states map[string]domain.TokenState
}

// NewPositionStore creates an empty store.
func NewPositionStore() *PositionStore {
	return &PositionStore{states: make(map[string]domain.TokenState)}
}

// SaveAll upserts every state.
func (s *PositionStore) SaveAll(_ context.Context, states []domain.TokenState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		s.states[st.TokenID] = st
	}
	return nil
}

// LoadAll returns every stored state.
func (s *PositionStore) LoadAll(_ context.Context) ([]domain.TokenState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TokenState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out, nil
}

// Delete removes a token.
func (s *PositionStore) Delete(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, tokenID)
	return nil
}

var _ domain.PositionStore = (*PositionStore)(nil)

// AuditEvent is one recorded audit entry.
type AuditEvent struct {
	Event  string
	Detail map[string]any
}

// AuditStore keeps audit events in memory.
type AuditStore struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewAuditStore creates an empty audit log.
func NewAuditStore() *AuditStore { return &AuditStore{} }

// Log appends an event.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, AuditEvent{Event: event, Detail: detail})
	return nil
}

// Events returns recorded events.
func (s *AuditStore) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEvent(nil), s.events...)
}

var _ domain.AuditStore = (*AuditStore)(nil)
