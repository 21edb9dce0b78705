package detector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// FillSource returns confirmed fills for traders since a time.
type FillSource interface {
	FetchTraderFills(ctx context.Context, traders []string, since time.Time, first int) ([]domain.TradeSignal, error)
}

// PollConfig tunes the poll provider.
type PollConfig struct {
	BaseInterval time.Duration // used after a poll finds fills
	MaxInterval  time.Duration // idle polls back off up to this
	Lookback     time.Duration // initial window before the first poll
	PageSize     int
	Buffer       int
}

// PollProvider polls the subgraph for watched traders' fills. It covers
// gaps in the websocket feed; overlap with it is removed by the Merger.
type PollProvider struct {
	emitter
	life   lifecycle
	fills  FillSource
	watch  Watchlist
	cfg    PollConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	since    time.Time
	interval time.Duration
}

// NewPollProvider creates a PollProvider.
func NewPollProvider(fills FillSource, cfg PollConfig, logger *slog.Logger) *PollProvider {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = 5 * time.Second
	}
	if cfg.MaxInterval < cfg.BaseInterval {
		cfg.MaxInterval = 12 * cfg.BaseInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 2 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	p := &PollProvider{
		fills:    fills,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "poll_provider")),
		now:      time.Now,
		interval: cfg.BaseInterval,
	}
	p.init(cfg.Buffer)
	return p
}

// Name implements Source.
func (p *PollProvider) Name() string { return string(domain.SourceGoldsky) }

// UpdateWatchlist implements Source.
func (p *PollProvider) UpdateWatchlist(traders []common.Address) { p.watch.Set(traders) }

// Start implements Source.
func (p *PollProvider) Start(ctx context.Context) error {
	return p.life.start(ctx, p.run)
}

// Stop implements Source.
func (p *PollProvider) Stop() { p.life.stop() }

// Interval returns the current poll interval.
func (p *PollProvider) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *PollProvider) run(ctx context.Context) {
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.WarnContext(ctx, "fill poll failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval()):
		}
	}
}

// PollOnce fetches fills since the cursor, emits them and adapts the
// interval. The cursor is inclusive so a second-granularity boundary is
// re-read; duplicates are left to the Merger.
func (p *PollProvider) PollOnce(ctx context.Context) (int, error) {
	traders := p.watch.List()
	if len(traders) == 0 {
		p.adapt(false)
		return 0, nil
	}

	p.mu.Lock()
	if p.since.IsZero() {
		p.since = p.now().Add(-p.cfg.Lookback)
	}
	since := p.since
	p.mu.Unlock()

	sigs, err := p.fills.FetchTraderFills(ctx, traders, since, p.cfg.PageSize)
	if err != nil {
		p.adapt(false)
		return 0, err
	}

	latest := since
	n := 0
	for _, sig := range sigs {
		if p.emit(sig) {
			n++
		}
		if sig.ObservedAt.After(latest) {
			latest = sig.ObservedAt
		}
	}
	p.mu.Lock()
	p.since = latest
	p.mu.Unlock()
	p.adapt(len(sigs) > 0)

	if n > 0 {
		p.logger.DebugContext(ctx, "fills polled", slog.Int("count", n), slog.Time("since", since))
	}
	return n, nil
}

// adapt resets to the base interval after activity and doubles when idle.
func (p *PollProvider) adapt(found bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if found {
		p.interval = p.cfg.BaseInterval
		return
	}
	p.interval = min(p.interval*2, p.cfg.MaxInterval)
}
