package domain

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill
)

// MarketOrderRequest describes an immediate order against the book. Amount is
// the share quantity and Price the worst acceptable price.
type MarketOrderRequest struct {
	TokenID   string
	Side      OrderSide
	Amount    float64
	Price     float64
	OrderType OrderType
}

// OrderResult wraps the exchange response after order submission.
type OrderResult struct {
	Success           bool
	OrderID           string
	Status            string
	Message           string
	ShouldRetry       bool
	TransactionHashes []string
	FilledShares      float64
	FilledPrice       float64
}
