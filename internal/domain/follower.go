package domain

import (
	"strings"
	"time"
)

// SizingMode selects how a follower's order size is derived.
type SizingMode string

const (
	SizingPercentage  SizingMode = "PERCENTAGE"
	SizingFixedAmount SizingMode = "FIXED_AMOUNT"
)

// SlippageType selects how the worst acceptable price is derived.
type SlippageType string

const (
	SlippageFixed SlippageType = "FIXED"
	SlippageAuto  SlippageType = "AUTO"
)

// FollowerConfig binds a follower proxy to a leader trader with sizing rules.
type FollowerConfig struct {
	ID              string
	FollowerWallet  string
	ProxyAddress    string
	LeaderAddress   string
	Mode            SizingMode
	SizeScale       float64 // fraction of leader notional for PERCENTAGE
	FixedAmount     float64
	MaxSizePerTrade float64
	MinSizePerTrade float64
	SlippageType    SlippageType
	MaxSlippage     float64 // percent, 2 = 2%
	AutoExecute     bool
	Active          bool
	UpdatedAt       time.Time
}

// Leader returns the normalized leader address.
func (c FollowerConfig) Leader() string {
	return strings.ToLower(c.LeaderAddress)
}
