package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// ErrNoPrice is returned when no usable price exists for a token.
var ErrNoPrice = errors.New("detector: no price")

// PriceSource prices a pending transfer, which carries no price itself.
type PriceSource interface {
	Price(ctx context.Context, tokenID string, side domain.OrderSide) (float64, error)
}

// BookReader reads exchange order books.
type BookReader interface {
	GetOrderBook(ctx context.Context, tokenID string) (domain.OrderbookSnapshot, error)
}

// BookPriceSource prices from the live book: best ask for a BUY, best bid
// for a SELL, else the midpoint. Prices are written to cache, which also
// serves as a fallback for up to maxAge when the book cannot be read.
type BookPriceSource struct {
	books  BookReader
	cache  domain.PriceCache
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewBookPriceSource creates a BookPriceSource. cache may be nil.
func NewBookPriceSource(books BookReader, cache domain.PriceCache, maxAge time.Duration, logger *slog.Logger) *BookPriceSource {
	if maxAge <= 0 {
		maxAge = 15 * time.Second
	}
	return &BookPriceSource{
		books:  books,
		cache:  cache,
		maxAge: maxAge,
		logger: logger.With(slog.String("component", "price_source")),
		now:    time.Now,
	}
}

// Price implements PriceSource.
func (p *BookPriceSource) Price(ctx context.Context, tokenID string, side domain.OrderSide) (float64, error) {
	key := tokenID + ":" + string(side)
	book, err := p.books.GetOrderBook(ctx, tokenID)
	if err == nil {
		if price := sidePrice(book, side); price > 0 {
			if p.cache != nil {
				if cerr := p.cache.SetPrice(ctx, key, price, p.now()); cerr != nil {
					p.logger.DebugContext(ctx, "price cache write failed", slog.String("error", cerr.Error()))
				}
			}
			return price, nil
		}
		err = ErrNoPrice
	}

	if p.cache != nil {
		price, ts, cerr := p.cache.GetPrice(ctx, key)
		if cerr == nil && price > 0 && p.now().Sub(ts) <= p.maxAge {
			p.logger.WarnContext(ctx, "using cached price",
				slog.String("token_id", tokenID),
				slog.Duration("age", p.now().Sub(ts)),
				slog.String("error", err.Error()),
			)
			return price, nil
		}
	}
	return 0, fmt.Errorf("detector: price %s %s: %w", tokenID, side, err)
}

func sidePrice(book domain.OrderbookSnapshot, side domain.OrderSide) float64 {
	switch {
	case side == domain.OrderSideBuy && len(book.Asks) > 0:
		return book.Asks[0].Price
	case side == domain.OrderSideSell && len(book.Bids) > 0:
		return book.Bids[0].Price
	default:
		return book.MidPrice()
	}
}
