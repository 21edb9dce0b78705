// Package goldsky queries the Polymarket orderbook subgraph for fills by
// watched traders.
package goldsky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/ratelimit"
)

// usdcAssetID is how the subgraph denotes the collateral side of a fill.
const usdcAssetID = "0"

// Client is a GraphQL client for the Goldsky subgraph indexer.
type Client struct {
	graphqlURL string
	apiKey     string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
}

// NewClient creates a new Goldsky GraphQL client.
//
// graphqlURL is the subgraph endpoint, e.g.
// "https://api.goldsky.com/api/public/.../subgraphs/polymarket-orderbook-resync/gn".
func NewClient(graphqlURL, apiKey string, limiter *ratelimit.Limiter) *Client {
	return &Client{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Fill is one OrderFilled event. Amounts are 6-decimal base units.
type Fill struct {
	ID                string `json:"id"`
	TransactionHash   string `json:"transactionHash"`
	Timestamp         string `json:"timestamp"`
	Maker             string `json:"maker"`
	MakerAssetID      string `json:"makerAssetId"`
	MakerAmountFilled string `json:"makerAmountFilled"`
	Taker             string `json:"taker"`
	TakerAssetID      string `json:"takerAssetId"`
	TakerAmountFilled string `json:"takerAmountFilled"`
}

const fillsQuery = `
	query TraderFills($traders: [String!]!, $since: BigInt!, $first: Int!) {
		asMaker: orderFilledEvents(
			first: $first
			orderBy: timestamp
			orderDirection: asc
			where: { maker_in: $traders, timestamp_gte: $since }
		) { ...fill }
		asTaker: orderFilledEvents(
			first: $first
			orderBy: timestamp
			orderDirection: asc
			where: { taker_in: $traders, timestamp_gte: $since }
		) { ...fill }
	}
	fragment fill on OrderFilledEvent {
		id
		transactionHash
		timestamp
		maker
		makerAssetId
		makerAmountFilled
		taker
		takerAssetId
		takerAmountFilled
	}
`

// FetchTraderFills returns confirmed signals for fills at or after since in
// which any of traders was maker or taker, oldest first. Fills that cannot
// be priced are dropped.
func (c *Client) FetchTraderFills(ctx context.Context, traders []string, since time.Time, first int) ([]domain.TradeSignal, error) {
	if len(traders) == 0 {
		return nil, nil
	}
	watched := make(map[string]struct{}, len(traders))
	lower := make([]string, 0, len(traders))
	for _, t := range traders {
		t = strings.ToLower(t)
		watched[t] = struct{}{}
		lower = append(lower, t)
	}

	respData, err := c.doQuery(ctx, fillsQuery, map[string]any{
		"traders": lower,
		"since":   strconv.FormatInt(since.Unix(), 10),
		"first":   first,
	})
	if err != nil {
		return nil, fmt.Errorf("goldsky: fetch trader fills: %w", err)
	}

	var result struct {
		AsMaker []Fill `json:"asMaker"`
		AsTaker []Fill `json:"asTaker"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("goldsky: decode fills: %w", err)
	}

	seen := make(map[string]struct{})
	var out []domain.TradeSignal
	add := func(f Fill, trader string, asMaker bool) {
		key := f.ID + "|" + trader
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		if sig, ok := f.Signal(trader, asMaker); ok {
			out = append(out, sig)
		}
	}
	for _, f := range result.AsMaker {
		if _, ok := watched[strings.ToLower(f.Maker)]; ok {
			add(f, strings.ToLower(f.Maker), true)
		}
	}
	for _, f := range result.AsTaker {
		if _, ok := watched[strings.ToLower(f.Taker)]; ok {
			add(f, strings.ToLower(f.Taker), false)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out, nil
}

// Signal converts the fill into trader's view of the trade. The maker gives
// makerAssetId and receives takerAssetId; the taker sees the reverse. The
// side is BUY when the trader gave USDC.
func (f Fill) Signal(trader string, asMaker bool) (domain.TradeSignal, bool) {
	giveAsset, getAsset := f.MakerAssetID, f.TakerAssetID
	giveAmt, getAmt := f.MakerAmountFilled, f.TakerAmountFilled
	if !asMaker {
		giveAsset, getAsset = getAsset, giveAsset
		giveAmt, getAmt = getAmt, giveAmt
	}

	var side domain.OrderSide
	var token string
	var usdcRaw, sharesRaw string
	switch {
	case giveAsset == usdcAssetID && getAsset != usdcAssetID:
		side, token, usdcRaw, sharesRaw = domain.OrderSideBuy, getAsset, giveAmt, getAmt
	case getAsset == usdcAssetID && giveAsset != usdcAssetID:
		side, token, usdcRaw, sharesRaw = domain.OrderSideSell, giveAsset, getAmt, giveAmt
	default:
		return domain.TradeSignal{}, false
	}

	usdc, err1 := decimal.NewFromString(usdcRaw)
	shares, err2 := decimal.NewFromString(sharesRaw)
	if err1 != nil || err2 != nil || !shares.IsPositive() || !usdc.IsPositive() {
		return domain.TradeSignal{}, false
	}
	ts, _ := strconv.ParseInt(f.Timestamp, 10, 64)

	return domain.TradeSignal{
		TraderAddress: trader,
		Side:          side,
		TokenID:       token,
		Size:          shares.Shift(-6).InexactFloat64(),
		Price:         usdc.Div(shares).Round(6).InexactFloat64(),
		SourceTxHash:  strings.ToLower(f.TransactionHash),
		ObservedAt:    time.Unix(ts, 0).UTC(),
		Source:        domain.SourceGoldsky,
	}, true
}

// doQuery executes a GraphQL query under the subgraph rate class and returns
// the raw "data" field.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	jsonBody, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	return ratelimit.Run(ctx, c.limiter, ratelimit.ClassSubgraph, func(ctx context.Context) (json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, string(body))
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
		}

		var gqlResp graphqlResponse
		if err := json.Unmarshal(body, &gqlResp); err != nil {
			return nil, fmt.Errorf("decode graphql response: %w", err)
		}
		if len(gqlResp.Errors) > 0 {
			return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
		}
		return gqlResp.Data, nil
	})
}
