package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polycopy/internal/crypto"
	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/ratelimit"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// ClobClient is the REST client for the Polymarket CLOB API. It places
// signed market orders and reads books and midpoints.
type ClobClient struct {
	baseURL       string
	httpClient    *http.Client
	signer        *crypto.Signer
	hmacAuth      *crypto.HMACAuth
	limiter       *ratelimit.Limiter
	signatureType int
	now           func() time.Time
}

// NewClobClient creates a new CLOB REST client. hmac may be nil until
// DeriveAPIKey succeeds; a nil limiter leaves calls unguarded.
func NewClobClient(baseURL string, signer *crypto.Signer, hmac *crypto.HMACAuth, limiter *ratelimit.Limiter, signatureType int) *ClobClient {
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer:        signer,
		hmacAuth:      hmac,
		limiter:       limiter,
		signatureType: signatureType,
		now:           time.Now,
	}
}

// CreateMarketOrder signs and posts an immediate order for req.Amount shares
// at worst price req.Price. A response with success=false is returned with
// a nil error so the caller can read the rejection message.
func (c *ClobClient) CreateMarketOrder(ctx context.Context, req domain.MarketOrderRequest) (domain.OrderResult, error) {
	if c.hmacAuth == nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: %w: no api credentials", domain.ErrUnauthorized)
	}
	payload, salt, err := c.buildOrder(req)
	if err != nil {
		return domain.OrderResult{}, err
	}
	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: sign order: %w", err)
	}
	orderType := req.OrderType
	if orderType == "" {
		orderType = domain.OrderTypeFOK
	}
	body := APIOrderRequest{
		Order:     newAPISignedOrder(payload, salt, req.Side, sig),
		Owner:     c.hmacAuth.Key,
		OrderType: string(orderType),
	}

	respBody, err := c.do(ctx, http.MethodPost, "/order", body, true)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}
	var apiResult APIOrderResult
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	return apiResult.ToDomainOrderResult(req.Side), nil
}

// buildOrder converts a share quantity and worst price into maker/taker
// base-unit amounts. Shares round down to 2 decimals and USDC to 4.
func (c *ClobClient) buildOrder(req domain.MarketOrderRequest) (crypto.OrderPayload, int64, error) {
	if !validTokenID(req.TokenID) {
		return crypto.OrderPayload{}, 0, fmt.Errorf("polymarket/clob: invalid token id %q", req.TokenID)
	}
	if !req.Side.Valid() || req.Amount <= 0 || req.Price <= 0 || req.Price >= 1 {
		return crypto.OrderPayload{}, 0, fmt.Errorf("polymarket/clob: invalid order %s %v@%v", req.Side, req.Amount, req.Price)
	}
	shares := decimal.NewFromFloat(req.Amount).RoundDown(2)
	usdc := shares.Mul(decimal.NewFromFloat(req.Price)).RoundDown(4)
	if shares.IsZero() || usdc.IsZero() {
		return crypto.OrderPayload{}, 0, fmt.Errorf("polymarket/clob: order below minimum: %s shares", shares)
	}

	maker, taker := usdc, shares
	side := crypto.SideBuy
	if req.Side == domain.OrderSideSell {
		maker, taker = shares, usdc
		side = crypto.SideSell
	}
	salt := int64(uuid.New().ID())
	addr := c.signer.Address().Hex()
	return crypto.OrderPayload{
		Salt:          strconv.FormatInt(salt, 10),
		Maker:         addr,
		Signer:        addr,
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		MakerAmount:   baseUnits(maker),
		TakerAmount:   baseUnits(taker),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: c.signatureType,
	}, salt, nil
}

func baseUnits(d decimal.Decimal) string {
	return d.Shift(6).Truncate(0).String()
}

func validTokenID(s string) bool {
	d, err := decimal.NewFromString(s)
	return err == nil && d.IsInteger() && d.Sign() > 0
}

// GetOrderBook returns the current book for tokenID.
func (c *ClobClient) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderbookSnapshot, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/book?token_id="+url.QueryEscape(tokenID), nil, false)
	if err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}
	var book APIBook
	if err := json.Unmarshal(respBody, &book); err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	if book.AssetID == "" {
		book.AssetID = tokenID
	}
	return book.ToDomainSnapshot(), nil
}

// GetMidpoint returns the midpoint price for tokenID.
func (c *ClobClient) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/midpoint?token_id="+url.QueryEscape(tokenID), nil, false)
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: get midpoint %s: %w", tokenID, err)
	}
	var out struct {
		Mid flexFloat `json:"mid"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return 0, fmt.Errorf("polymarket/clob: decode midpoint: %w", err)
	}
	return float64(out.Mid), nil
}

// Credentials returns the active L2 credentials, or nil.
func (c *ClobClient) Credentials() *crypto.HMACAuth {
	return c.hmacAuth
}

// DeriveAPIKey signs a ClobAuth message and exchanges it for L2
// credentials, creating a key when none exists yet for the wallet.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	auth, err := c.l1Request(ctx, http.MethodGet, "/auth/derive-api-key")
	if errors.Is(err, domain.ErrNotFound) {
		auth, err = c.l1Request(ctx, http.MethodPost, "/auth/api-key")
	}
	if err != nil {
		return fmt.Errorf("polymarket/clob: derive api key: %w", err)
	}
	c.hmacAuth = auth
	return nil
}

func (c *ClobClient) l1Request(ctx context.Context, method, path string) (*crypto.HMACAuth, error) {
	timestamp := c.now().Unix()
	sig, err := c.signer.SignAuthMessage(timestamp, 0)
	if err != nil {
		return nil, fmt.Errorf("sign auth message: %w", err)
	}
	headers := map[string]string{
		"POLY_ADDRESS":   c.signer.Address().Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": strconv.FormatInt(timestamp, 10),
		"POLY_NONCE":     "0",
	}
	respBody, err := c.send(ctx, method, path, nil, headers)
	if err != nil {
		return nil, err
	}
	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	if authResp.APIKey == "" {
		return nil, fmt.Errorf("%w: empty api key", domain.ErrUnauthorized)
	}
	return &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do sends a request under the CLOB rate class, attaching L2 headers when
// authenticated is set.
func (c *ClobClient) do(ctx context.Context, method, path string, body any, authenticated bool) ([]byte, error) {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		raw = b
	}
	var headers map[string]string
	if authenticated && c.hmacAuth != nil {
		signPath := path
		if u, err := url.Parse(path); err == nil {
			signPath = u.Path
		}
		headers = c.hmacAuth.L2Headers(c.signer.Address().Hex(), method, signPath, string(raw))
	}
	return c.send(ctx, method, path, raw, headers)
}

func (c *ClobClient) send(ctx context.Context, method, path string, raw []byte, headers map[string]string) ([]byte, error) {
	return ratelimit.Run(ctx, c.limiter, ratelimit.ClassCLOB, func(ctx context.Context) ([]byte, error) {
		var bodyReader io.Reader
		if raw != nil {
			bodyReader = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if raw != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
			return nil, err
		}
		return respBody, nil
	})
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
