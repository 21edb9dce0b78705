package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderbookSnapshot is a full snapshot of bids and asks for an asset. Bids are
// sorted best (highest) first and asks best (lowest) first.
type OrderbookSnapshot struct {
	AssetID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// MidPrice returns the midpoint of the best bid and ask, or whichever side is
// present when the book is one-sided. Zero means an empty book.
func (s OrderbookSnapshot) MidPrice() float64 {
	switch {
	case len(s.Bids) > 0 && len(s.Asks) > 0:
		return (s.Bids[0].Price + s.Asks[0].Price) / 2
	case len(s.Bids) > 0:
		return s.Bids[0].Price
	case len(s.Asks) > 0:
		return s.Asks[0].Price
	default:
		return 0
	}
}
