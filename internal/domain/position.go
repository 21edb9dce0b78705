package domain

import "time"

// TokenState is the running cost-basis state for one outcome token.
type TokenState struct {
	TokenID     string
	Shares      float64
	CostBasis   float64
	RealizedPnL float64
	LastPrice   float64
	UpdatedAt   time.Time
}

// PositionMetrics is derived from a TokenState at its last mark.
type PositionMetrics struct {
	TokenID       string
	Shares        float64
	AvgPrice      float64
	CostBasis     float64
	MarkValue     float64
	UnrealizedPnL float64
	RealizedPnL   float64
}
