// Package position keeps a weighted-average cost basis per outcome token and
// derives realized and unrealized PnL from it.
package position

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// dust is the share residual below which a position is treated as flat.
const dust = 1e-6

// Tracker is safe for concurrent use. Callers are expected to route all fills
// for a given token through one writer so that buys and sells apply in fill
// order.
type Tracker struct {
	mu     sync.RWMutex
	tokens map[string]*domain.TokenState
	now    func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		tokens: make(map[string]*domain.TokenState),
		now:    time.Now,
	}
}

func (t *Tracker) state(tokenID string) *domain.TokenState {
	s, ok := t.tokens[tokenID]
	if !ok {
		s = &domain.TokenState{TokenID: tokenID}
		t.tokens[tokenID] = s
	}
	return s
}

// OnBuy adds shares at price to the cost basis.
func (t *Tracker) OnBuy(tokenID string, shares, price float64) {
	if shares <= 0 || price < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(tokenID)
	s.Shares += shares
	s.CostBasis += shares * price
	s.LastPrice = price
	s.UpdatedAt = t.now()
}

// OnSell removes up to the held shares at the current average price and
// books the difference to realized PnL. It returns the PnL realized by this
// sell. Selling more than is held is capped at the holding.
func (t *Tracker) OnSell(tokenID string, shares, price float64) float64 {
	if shares <= 0 || price < 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(tokenID)
	s.LastPrice = price
	s.UpdatedAt = t.now()
	if s.Shares <= 0 {
		return 0
	}

	sold := math.Min(shares, s.Shares)
	avg := s.CostBasis / s.Shares
	pnl := (price - avg) * sold

	s.RealizedPnL += pnl
	s.CostBasis -= avg * sold
	s.Shares -= sold

	if s.Shares < dust {
		s.Shares = 0
		s.CostBasis = 0
	}
	if s.CostBasis < 0 {
		s.CostBasis = 0
	}
	return pnl
}

// MarkPrice updates the last known price without changing holdings.
func (t *Tracker) MarkPrice(tokenID string, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(tokenID)
	s.LastPrice = price
	s.UpdatedAt = t.now()
}

// Metrics returns derived figures for a token. An unknown token yields zero
// metrics.
func (t *Tracker) Metrics(tokenID string) domain.PositionMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.tokens[tokenID]
	if !ok {
		return domain.PositionMetrics{TokenID: tokenID}
	}
	return metricsOf(*s)
}

func metricsOf(s domain.TokenState) domain.PositionMetrics {
	m := domain.PositionMetrics{
		TokenID:     s.TokenID,
		Shares:      s.Shares,
		CostBasis:   s.CostBasis,
		RealizedPnL: s.RealizedPnL,
	}
	if s.Shares > 0 {
		m.AvgPrice = s.CostBasis / s.Shares
	}
	m.MarkValue = s.Shares * s.LastPrice
	m.UnrealizedPnL = m.MarkValue - s.CostBasis
	return m
}

// All returns metrics for every tracked token, ordered by token id.
func (t *Tracker) All() []domain.PositionMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.PositionMetrics, 0, len(t.tokens))
	for _, s := range t.tokens {
		out = append(out, metricsOf(*s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// Snapshot copies the raw state of every token.
func (t *Tracker) Snapshot() []domain.TokenState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.TokenState, 0, len(t.tokens))
	for _, s := range t.tokens {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// Load replaces the tracked state with states.
func (t *Tracker) Load(states []domain.TokenState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = make(map[string]*domain.TokenState, len(states))
	for i := range states {
		s := states[i]
		t.tokens[s.TokenID] = &s
	}
}

// Remove forgets a token.
func (t *Tracker) Remove(tokenID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tokens, tokenID)
}
