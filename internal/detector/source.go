// Package detector turns leader activity into TradeSignals. Each Source
// owns a bounded buffer and drops rather than blocks when it is full; the
// Merger fans all sources into one deduplicated stream.
package detector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// DefaultBuffer is the per-source signal buffer.
const DefaultBuffer = 1024

// ErrAlreadyStarted is returned by Start on a running source.
var ErrAlreadyStarted = errors.New("detector: already started")

// Source produces leader trade signals.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	UpdateWatchlist(traders []common.Address)
	Signals() <-chan domain.TradeSignal
	Stats() SourceStats
}

// SourceStats counts what a source produced.
type SourceStats struct {
	Emitted int64
	Dropped int64
}

// Watchlist is a concurrent set of lowercased trader addresses.
type Watchlist struct {
	set atomic.Pointer[map[string]struct{}]
}

// Set replaces the watched traders.
func (w *Watchlist) Set(traders []common.Address) {
	m := make(map[string]struct{}, len(traders))
	for _, t := range traders {
		m[strings.ToLower(t.Hex())] = struct{}{}
	}
	w.set.Store(&m)
}

// Has reports whether addr (any case) is watched.
func (w *Watchlist) Has(addr string) bool {
	m := w.set.Load()
	if m == nil {
		return false
	}
	_, ok := (*m)[strings.ToLower(addr)]
	return ok
}

// List returns the watched traders, lowercased.
func (w *Watchlist) List() []string {
	m := w.set.Load()
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(*m))
	for a := range *m {
		out = append(out, a)
	}
	return out
}

// Len returns the number of watched traders.
func (w *Watchlist) Len() int {
	m := w.set.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// emitter is the bounded output buffer shared by every source.
type emitter struct {
	out     chan domain.TradeSignal
	emitted atomic.Int64
	dropped atomic.Int64
}

func (e *emitter) init(size int) {
	if size <= 0 {
		size = DefaultBuffer
	}
	e.out = make(chan domain.TradeSignal, size)
}

// emit never blocks; a full buffer drops sig.
func (e *emitter) emit(sig domain.TradeSignal) bool {
	select {
	case e.out <- sig:
		e.emitted.Add(1)
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

func (e *emitter) Signals() <-chan domain.TradeSignal { return e.out }

func (e *emitter) Stats() SourceStats {
	return SourceStats{Emitted: e.emitted.Load(), Dropped: e.dropped.Load()}
}

// lifecycle runs one background loop per Start/Stop pair.
type lifecycle struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *lifecycle) start(ctx context.Context, run func(context.Context)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		run(ctx)
	}(l.done)
	return nil
}

// stop cancels the loop and waits for it to return.
func (l *lifecycle) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
