package domain

// MarketInfo is market metadata for one outcome token.
type MarketInfo struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	ConditionID string `json:"condition_id"`
	Question    string `json:"question"`
	TokenID     string `json:"token_id"`
	Outcome     string `json:"outcome"`
	Active      bool   `json:"active"`
	Closed      bool   `json:"closed"`
	NegRisk     bool   `json:"neg_risk"`
}

// Tradable reports whether orders can still be placed.
func (m MarketInfo) Tradable() bool {
	return m.Active && !m.Closed
}
