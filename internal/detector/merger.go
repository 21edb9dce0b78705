package detector

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// MergerStats counts dedup outcomes.
type MergerStats struct {
	Forwarded int64
	Hits      int64 // duplicates dropped
	Misses    int64 // first sightings
	Upgrades  int64 // pending signals later confirmed
}

// Merger fans every source into one stream. A key is forwarded once per
// confirmation state: a pending signal and its later confirmation both pass,
// every other repeat is dropped.
type Merger struct {
	sources []Source
	dedup   domain.DedupStore
	ttl     time.Duration
	out     chan domain.TradeSignal
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	pending   map[string]time.Time // keys forwarded while pending
	confirmed map[string]time.Time // keys forwarded confirmed, to drop late pending copies

	forwarded atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	upgrades  atomic.Int64
}

// NewMerger creates a Merger over sources.
func NewMerger(sources []Source, dedup domain.DedupStore, ttl time.Duration, buffer int, logger *slog.Logger) *Merger {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Merger{
		sources:   sources,
		dedup:     dedup,
		ttl:       ttl,
		out:       make(chan domain.TradeSignal, buffer),
		logger:    logger.With(slog.String("component", "merger")),
		now:       time.Now,
		pending:   make(map[string]time.Time),
		confirmed: make(map[string]time.Time),
	}
}

// Signals returns the merged stream.
func (m *Merger) Signals() <-chan domain.TradeSignal { return m.out }

// Stats returns dedup counters.
func (m *Merger) Stats() MergerStats {
	return MergerStats{
		Forwarded: m.forwarded.Load(),
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Upgrades:  m.upgrades.Load(),
	}
}

// Run reads every source until ctx is done. Sources are read with a
// dynamic select so their number is not fixed at compile time.
func (m *Merger) Run(ctx context.Context) error {
	prune := time.NewTicker(time.Minute)
	defer prune.Stop()

	const fixed = 2
	cases := make([]reflect.SelectCase, 0, len(m.sources)+fixed)
	cases = append(cases,
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(prune.C)},
	)
	for _, s := range m.sources {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.Signals())})
	}

	for {
		chosen, v, ok := reflect.Select(cases)
		switch {
		case chosen == 0:
			return nil
		case chosen == 1:
			m.prune()
			continue
		case !ok:
			cases[chosen].Chan = reflect.Value{}
			continue
		}
		sig := v.Interface().(domain.TradeSignal)
		if !m.Accept(ctx, sig) {
			continue
		}
		select {
		case m.out <- sig:
		case <-ctx.Done():
			return nil
		}
	}
}

// Accept reports whether sig should be forwarded and records it.
func (m *Merger) Accept(ctx context.Context, sig domain.TradeSignal) bool {
	key := sig.DedupKey()
	now := m.now()

	m.mu.Lock()
	if sig.IsPending {
		if _, ok := m.confirmed[key]; ok {
			m.mu.Unlock()
			m.hits.Add(1)
			return false
		}
	}
	_, wasPending := m.pending[key]
	m.mu.Unlock()

	state := "confirmed:"
	if sig.IsPending {
		state = "pending:"
	}
	first, err := m.dedup.FirstSeen(ctx, "signal:"+state+key, m.ttl)
	if err != nil {
		// the claim layer's idempotency key still guards execution
		m.logger.WarnContext(ctx, "dedup store failed, forwarding",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		first = true
	}
	if !first {
		m.hits.Add(1)
		return false
	}

	m.mu.Lock()
	if sig.IsPending {
		m.pending[key] = now
	} else {
		m.confirmed[key] = now
		delete(m.pending, key)
	}
	m.mu.Unlock()

	if !sig.IsPending && wasPending {
		m.upgrades.Add(1)
	} else {
		m.misses.Add(1)
	}
	m.forwarded.Add(1)
	return true
}

func (m *Merger) prune() {
	cutoff := m.now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, t := range m.pending {
		if t.Before(cutoff) {
			delete(m.pending, k)
		}
	}
	for k, t := range m.confirmed {
		if t.Before(cutoff) {
			delete(m.confirmed, k)
		}
	}
}
