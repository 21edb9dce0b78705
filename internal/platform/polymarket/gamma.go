package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/ratelimit"
)

const marketTTL = 5 * time.Minute

// GammaClient is the REST client for the Polymarket Gamma API, used to
// resolve outcome tokens to market metadata.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	cache      domain.MarketCache
	logger     *slog.Logger
}

// NewGammaClient creates a new Gamma API client. cache may be nil.
func NewGammaClient(baseURL string, limiter *ratelimit.Limiter, cache domain.MarketCache, logger *slog.Logger) *GammaClient {
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
		cache:   cache,
		logger:  logger.With(slog.String("component", "gamma")),
	}
}

// MarketByToken returns metadata for the market listing tokenID. It returns
// domain.ErrNotFound when Gamma knows no such token.
func (g *GammaClient) MarketByToken(ctx context.Context, tokenID string) (domain.MarketInfo, error) {
	if g.cache != nil {
		info, err := g.cache.GetByToken(ctx, tokenID)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			g.logger.WarnContext(ctx, "market cache read failed", slog.String("error", err.Error()))
		}
	}

	params := url.Values{}
	params.Set("clob_token_ids", tokenID)
	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("polymarket/gamma: market by token %s: %w", tokenID, err)
	}
	var markets []APIMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return domain.MarketInfo{}, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	if len(markets) == 0 {
		return domain.MarketInfo{}, fmt.Errorf("polymarket/gamma: token %s: %w", tokenID, domain.ErrNotFound)
	}
	info := markets[0].ToMarketInfo(tokenID)

	if g.cache != nil {
		if err := g.cache.Set(ctx, info, marketTTL); err != nil {
			g.logger.WarnContext(ctx, "market cache write failed", slog.String("error", err.Error()))
		}
	}
	return info, nil
}

// doGet performs a GET under the gamma rate class and returns the body.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	return ratelimit.Run(ctx, g.limiter, ratelimit.ClassGamma, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
			return nil, err
		}
		return body, nil
	})
}
