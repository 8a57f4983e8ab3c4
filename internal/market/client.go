package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/marketdeck/marketdeck/internal/ratelimit"
)

// ProviderMarketData is the rate-limit bucket name for the quote/news vendor.
const ProviderMarketData = "marketdata"

// ClientConfig configures the market-data vendor client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Limiter *ratelimit.Limiter
}

// Client is a thin HTTP client for the market-data vendor. Every call counts
// against the vendor budget, which is why callers go through the compute
// cache instead of hitting this directly.
type Client struct {
	baseURL string
	apiKey  string
	limiter *ratelimit.Limiter
	http    *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		limiter: cfg.Limiter,
		http:    &http.Client{Timeout: timeout},
	}
}

// Quotes fetches snapshots for the given symbols.
func (c *Client) Quotes(ctx context.Context, symbols []string) ([]Quote, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol is required")
	}
	params := url.Values{"symbols": {strings.Join(symbols, ",")}}

	var resp struct {
		Quotes []Quote `json:"quotes"`
	}
	if err := c.getJSON(ctx, "/v1/quotes", params, &resp); err != nil {
		return nil, err
	}
	return resp.Quotes, nil
}

// News fetches recent headlines, optionally filtered by symbols.
func (c *Client) News(ctx context.Context, symbols []string, limit int) ([]NewsItem, error) {
	if limit <= 0 {
		limit = 20
	}
	params := url.Values{"limit": {strconv.Itoa(limit)}}
	if len(symbols) > 0 {
		params.Set("symbols", strings.Join(symbols, ","))
	}

	var resp struct {
		Items []NewsItem `json:"items"`
	}
	if err := c.getJSON(ctx, "/v1/news", params, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, ProviderMarketData); err != nil {
			return fmt.Errorf("market data rate limit: %w", err)
		}
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("market data request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("market data %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
