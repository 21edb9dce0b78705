package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/polycopy/internal/chain"
	"github.com/alanyoungcy/polycopy/internal/domain"
)

// PendingChain is the node access the pending provider needs.
type PendingChain interface {
	SubscribePending(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error)
	TransactionByHash(ctx context.Context, h common.Hash) (*types.Transaction, bool, error)
}

// PendingConfig tunes the pending provider.
type PendingConfig struct {
	CTF         common.Address
	Buffer      int
	MaxInFlight int64         // concurrent tx fetches; excess hashes are skipped
	FetchTime   time.Duration // per-tx fetch timeout
}

// ErrNotTransfer is returned by DecodeTransfer for calldata that is not an
// ERC-1155 single or batch transfer.
var ErrNotTransfer = errors.New("detector: not a ctf transfer")

// Transfer is a decoded ERC-1155 transfer call. IDs and Amounts are parallel.
type Transfer struct {
	From    common.Address
	To      common.Address
	IDs     []*big.Int
	Amounts []*big.Int
}

// PendingProvider watches the node's pending pool for CTF transfers that
// move tokens to or from a watched trader. Its signals are provisional.
type PendingProvider struct {
	emitter
	life     lifecycle
	chain    PendingChain
	prices   PriceSource
	watch    Watchlist
	cfg      PendingConfig
	sem      *semaphore.Weighted
	logger   *slog.Logger
	now      func() time.Time
	minDelay time.Duration
	maxDelay time.Duration
}

// NewPendingProvider creates a PendingProvider.
func NewPendingProvider(c PendingChain, prices PriceSource, cfg PendingConfig, logger *slog.Logger) *PendingProvider {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 32
	}
	if cfg.FetchTime <= 0 {
		cfg.FetchTime = 5 * time.Second
	}
	p := &PendingProvider{
		chain:    c,
		prices:   prices,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
		logger:   logger.With(slog.String("component", "pending_provider")),
		now:      time.Now,
		minDelay: 2 * time.Second,
		maxDelay: 60 * time.Second,
	}
	p.init(cfg.Buffer)
	return p
}

// Name implements Source.
func (p *PendingProvider) Name() string { return string(domain.SourceMempool) }

// UpdateWatchlist implements Source.
func (p *PendingProvider) UpdateWatchlist(traders []common.Address) { p.watch.Set(traders) }

// Start implements Source.
func (p *PendingProvider) Start(ctx context.Context) error {
	return p.life.start(ctx, p.run)
}

// Stop implements Source. In-flight fetches are abandoned.
func (p *PendingProvider) Stop() { p.life.stop() }

func (p *PendingProvider) run(ctx context.Context) {
	delay := p.minDelay
	for {
		err := p.subscribe(ctx)
		if ctx.Err() != nil {
			return
		}
		p.logger.WarnContext(ctx, "pending subscription ended",
			slog.Any("error", err),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, p.maxDelay)
	}
}

func (p *PendingProvider) subscribe(ctx context.Context) error {
	hashes := make(chan common.Hash, 256)
	sub, err := p.chain.SubscribePending(ctx, hashes)
	if err != nil {
		return fmt.Errorf("detector: subscribe pending: %w", err)
	}
	defer sub.Unsubscribe()
	p.logger.InfoContext(ctx, "pending subscription started", slog.String("ctf", p.cfg.CTF.Hex()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case h := <-hashes:
			if p.watch.Len() == 0 || !p.sem.TryAcquire(1) {
				continue
			}
			go func() {
				defer p.sem.Release(1)
				p.HandleHash(ctx, h)
			}()
		}
	}
}

// HandleHash fetches one pending tx and emits its signals. Every failure is
// logged at debug level and swallowed.
func (p *PendingProvider) HandleHash(ctx context.Context, h common.Hash) int {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTime)
	defer cancel()

	tx, _, err := p.chain.TransactionByHash(fctx, h)
	if err != nil {
		p.logger.DebugContext(ctx, "pending tx fetch failed", slog.String("tx_hash", h.Hex()), slog.String("error", err.Error()))
		return 0
	}
	if tx.To() == nil || *tx.To() != p.cfg.CTF {
		return 0
	}
	tr, err := DecodeTransfer(tx.Data())
	if err != nil {
		p.logger.DebugContext(ctx, "pending tx not decodable", slog.String("tx_hash", h.Hex()), slog.String("error", err.Error()))
		return 0
	}

	var trader string
	var side domain.OrderSide
	switch {
	case p.watch.Has(tr.To.Hex()):
		trader, side = tr.To.Hex(), domain.OrderSideBuy
	case p.watch.Has(tr.From.Hex()):
		trader, side = tr.From.Hex(), domain.OrderSideSell
	default:
		return 0
	}

	var gas *domain.GasHint
	if tx.Type() == types.DynamicFeeTxType {
		gas = &domain.GasHint{MaxFeePerGas: tx.GasFeeCap(), MaxPriorityFeePerGas: tx.GasTipCap()}
	}

	n := 0
	for i, id := range tr.IDs {
		tokenID := id.String()
		price, err := p.prices.Price(ctx, tokenID, side)
		if err != nil || price <= 0 {
			p.logger.DebugContext(ctx, "pending signal skipped: no price",
				slog.String("tx_hash", h.Hex()),
				slog.String("token_id", tokenID),
			)
			continue
		}
		sig := domain.TradeSignal{
			TraderAddress: strings.ToLower(trader),
			Side:          side,
			TokenID:       tokenID,
			Size:          chain.FromBaseUnits(tr.Amounts[i]).InexactFloat64(),
			Price:         price,
			SourceTxHash:  strings.ToLower(h.Hex()),
			ObservedAt:    p.now().UTC(),
			IsPending:     true,
			Source:        domain.SourceMempool,
			Gas:           gas,
		}
		if p.emit(sig) {
			n++
		}
	}
	return n
}

// DecodeTransfer decodes safeTransferFrom or safeBatchTransferFrom calldata
// by selector.
func DecodeTransfer(data []byte) (Transfer, error) {
	if len(data) < 4 {
		return Transfer{}, ErrNotTransfer
	}
	method, err := chain.CTFABI.MethodById(data[:4])
	if err != nil {
		return Transfer{}, ErrNotTransfer
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return Transfer{}, fmt.Errorf("detector: unpack %s: %w", method.Name, err)
	}

	switch method.Name {
	case "safeTransferFrom":
		return Transfer{
			From:    args[0].(common.Address),
			To:      args[1].(common.Address),
			IDs:     []*big.Int{args[2].(*big.Int)},
			Amounts: []*big.Int{args[3].(*big.Int)},
		}, nil
	case "safeBatchTransferFrom":
		ids := args[2].([]*big.Int)
		amounts := args[3].([]*big.Int)
		if len(ids) != len(amounts) {
			return Transfer{}, fmt.Errorf("detector: batch length mismatch %d/%d", len(ids), len(amounts))
		}
		return Transfer{
			From:    args[0].(common.Address),
			To:      args[1].(common.Address),
			IDs:     ids,
			Amounts: amounts,
		}, nil
	default:
		return Transfer{}, ErrNotTransfer
	}
}
