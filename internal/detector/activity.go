package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/platform/polymarket"
)

// ActivityProvider emits confirmed signals from the live activity feed for
// watched traders.
type ActivityProvider struct {
	emitter
	life   lifecycle
	client *polymarket.ActivityClient
	watch  Watchlist
	logger *slog.Logger
	now    func() time.Time
}

// NewActivityProvider creates a provider reading wsURL.
func NewActivityProvider(wsURL string, buffer int, logger *slog.Logger) *ActivityProvider {
	a := &ActivityProvider{
		logger: logger.With(slog.String("component", "activity_provider")),
		now:    time.Now,
	}
	a.init(buffer)
	a.client = polymarket.NewActivityClient(wsURL, a.handle, logger)
	return a
}

// Name implements Source.
func (a *ActivityProvider) Name() string { return string(domain.SourceActivityWS) }

// UpdateWatchlist implements Source.
func (a *ActivityProvider) UpdateWatchlist(traders []common.Address) { a.watch.Set(traders) }

// Start implements Source.
func (a *ActivityProvider) Start(ctx context.Context) error {
	return a.life.start(ctx, func(ctx context.Context) {
		_ = a.client.Run(ctx)
	})
}

// Stop implements Source.
func (a *ActivityProvider) Stop() { a.life.stop() }

func (a *ActivityProvider) handle(t polymarket.ActivityTrade) {
	if !a.watch.Has(t.ProxyWallet) {
		return
	}
	sig := t.ToSignal(a.now().UTC())
	if !sig.Side.Valid() || sig.Size <= 0 || sig.Price <= 0 {
		a.logger.Debug("activity trade skipped",
			slog.String("tx_hash", sig.SourceTxHash),
			slog.String("side", string(sig.Side)),
		)
		return
	}
	a.emit(sig)
}
