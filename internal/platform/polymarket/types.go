package polymarket

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polycopy/internal/crypto"
	"github.com/alanyoungcy/polycopy/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false").
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexFloat unmarshals from a JSON number or numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(n)
	return nil
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrderRequest is the body of POST /order.
type APIOrderRequest struct {
	Order     APISignedOrder `json:"order"`
	Owner     string         `json:"owner"`
	OrderType string         `json:"orderType"`
}

// APISignedOrder is the signed order as the CLOB expects it. Side is sent
// as "BUY"/"SELL" even though the signed struct encodes it as 0/1.
type APISignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

func newAPISignedOrder(p crypto.OrderPayload, salt int64, side domain.OrderSide, sig string) APISignedOrder {
	return APISignedOrder{
		Salt:          salt,
		Maker:         p.Maker,
		Signer:        p.Signer,
		Taker:         p.Taker,
		TokenID:       p.TokenID,
		MakerAmount:   p.MakerAmount,
		TakerAmount:   p.TakerAmount,
		Expiration:    p.Expiration,
		Nonce:         p.Nonce,
		FeeRateBps:    p.FeeRateBps,
		Side:          string(side),
		SignatureType: p.SignatureType,
		Signature:     sig,
	}
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success            bool      `json:"success"`
	ErrorMsg           string    `json:"errorMsg,omitempty"`
	OrderID            string    `json:"orderID,omitempty"`
	Status             string    `json:"status,omitempty"`
	TransactionsHashes []string  `json:"transactionsHashes,omitempty"`
	MakingAmount       flexFloat `json:"makingAmount,omitempty"`
	TakingAmount       flexFloat `json:"takingAmount,omitempty"`
}

// ToDomainOrderResult converts the response. Making and taking amounts are
// in whole units; for a BUY the bot makes USDC and takes shares.
func (r *APIOrderResult) ToDomainOrderResult(side domain.OrderSide) domain.OrderResult {
	res := domain.OrderResult{
		Success:           r.Success && r.ErrorMsg == "",
		OrderID:           r.OrderID,
		Status:            r.Status,
		Message:           r.ErrorMsg,
		TransactionHashes: r.TransactionsHashes,
	}
	usdc, shares := float64(r.MakingAmount), float64(r.TakingAmount)
	if side == domain.OrderSideSell {
		usdc, shares = shares, usdc
	}
	if shares > 0 {
		res.FilledShares = shares
		res.FilledPrice = usdc / shares
	}
	return res
}

// APIBook is the response of GET /book.
type APIBook struct {
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	Hash      string          `json:"hash"`
	Timestamp string          `json:"timestamp"`
	Bids      []APIPriceLevel `json:"bids"`
	Asks      []APIPriceLevel `json:"asks"`
}

// APIPriceLevel is one level of an order book.
type APIPriceLevel struct {
	Price flexFloat `json:"price"`
	Size  flexFloat `json:"size"`
}

// ToDomainSnapshot converts the book, sorting bids descending and asks
// ascending. The CLOB returns both sides worst-first.
func (b *APIBook) ToDomainSnapshot() domain.OrderbookSnapshot {
	snap := domain.OrderbookSnapshot{
		AssetID: b.AssetID,
		Bids:    levels(b.Bids),
		Asks:    levels(b.Asks),
	}
	sort.Slice(snap.Bids, func(i, j int) bool { return snap.Bids[i].Price > snap.Bids[j].Price })
	sort.Slice(snap.Asks, func(i, j int) bool { return snap.Asks[i].Price < snap.Asks[j].Price })
	if ms, err := strconv.ParseInt(b.Timestamp, 10, 64); err == nil {
		snap.Timestamp = time.UnixMilli(ms).UTC()
	}
	return snap
}

func levels(in []APIPriceLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		out = append(out, domain.PriceLevel{Price: float64(l.Price), Size: float64(l.Size)})
	}
	return out
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket is the subset of a Gamma market the copier reads.
type APIMarket struct {
	ID           string   `json:"id"`
	Question     string   `json:"question"`
	ConditionID  string   `json:"conditionId"`
	Slug         string   `json:"slug"`
	Active       flexBool `json:"active"`
	Closed       flexBool `json:"closed"`
	NegRisk      flexBool `json:"negRisk"`
	Outcomes     string   `json:"outcomes"`     // JSON-encoded: "[\"Yes\",\"No\"]"
	ClobTokenIDs string   `json:"clobTokenIds"` // JSON-encoded: "[\"123\",\"456\"]"
}

// ToMarketInfo converts the market, resolving tokenID to its outcome.
func (m *APIMarket) ToMarketInfo(tokenID string) domain.MarketInfo {
	info := domain.MarketInfo{
		ID:          m.ID,
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		Question:    m.Question,
		Active:      bool(m.Active),
		Closed:      bool(m.Closed),
		NegRisk:     bool(m.NegRisk),
		TokenID:     tokenID,
	}
	var ids, outcomes []string
	_ = json.Unmarshal([]byte(m.ClobTokenIDs), &ids)
	_ = json.Unmarshal([]byte(m.Outcomes), &outcomes)
	for i, id := range ids {
		if id == tokenID && i < len(outcomes) {
			info.Outcome = outcomes[i]
		}
	}
	return info
}

// --------------------------------------------------------------------------
// Activity WebSocket DTOs
// --------------------------------------------------------------------------

// ActivityEnvelope is the outer frame of the live-data feed.
type ActivityEnvelope struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ActivityTrade is one finalized trade from the activity topic.
type ActivityTrade struct {
	ProxyWallet     string    `json:"proxyWallet"`
	Side            string    `json:"side"`
	Size            flexFloat `json:"size"`
	Price           flexFloat `json:"price"`
	Asset           string    `json:"asset"`
	ConditionID     string    `json:"conditionId"`
	Slug            string    `json:"slug"`
	Outcome         string    `json:"outcome"`
	Timestamp       int64     `json:"timestamp"`
	TransactionHash string    `json:"transactionHash"`
}

// ToSignal converts the trade. Timestamps arrive in seconds.
func (t *ActivityTrade) ToSignal(observed time.Time) domain.TradeSignal {
	sig := domain.TradeSignal{
		TraderAddress: strings.ToLower(t.ProxyWallet),
		Side:          domain.OrderSide(strings.ToUpper(t.Side)),
		TokenID:       t.Asset,
		Size:          float64(t.Size),
		Price:         float64(t.Price),
		SourceTxHash:  strings.ToLower(t.TransactionHash),
		ObservedAt:    observed,
		Source:        domain.SourceActivityWS,
		MarketSlug:    t.Slug,
	}
	if t.Timestamp > 0 {
		sig.ObservedAt = time.Unix(t.Timestamp, 0).UTC()
	}
	return sig
}

// activitySubscribe is the subscription frame for the trades stream.
type activitySubscribe struct {
	Action        string                 `json:"action"`
	Subscriptions []activitySubscription `json:"subscriptions"`
}

type activitySubscription struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
}
