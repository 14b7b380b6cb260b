// Package wb implements clients for the Wildberries seller APIs and
// the public storefront catalog.
package wb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// API hosts. Overridable for tests.
const (
	DefaultContentHost     = "https://content-api.wildberries.ru"
	DefaultMarketplaceHost = "https://marketplace-api.wildberries.ru"
	DefaultStatisticsHost  = "https://statistics-api.wildberries.ru"
	DefaultPricesHost      = "https://discounts-prices-api.wildberries.ru"
	DefaultCommonHost      = "https://common-api.wildberries.ru"
)

// RateLimitError reports an HTTP 429 from a Wildberries endpoint.
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration // zero when the header is absent
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s", e.Endpoint)
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// StatusError reports a non-2xx, non-429 response.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Endpoint, e.Code, e.Body)
}

// Client is an authenticated Wildberries seller API client. One Client
// per (project, token); the per-endpoint limiters keep request rates
// under the documented minimum intervals.
type Client struct {
	token string
	http  *http.Client

	ContentHost     string
	MarketplaceHost string
	StatisticsHost  string
	PricesHost      string
	CommonHost      string

	contentLimiter *rate.Limiter
	statsLimiter   *rate.Limiter
}

// NewClient returns a Client using the given Bearer token.
func NewClient(token string) *Client {
	return &Client{
		token:           token,
		http:            &http.Client{Timeout: 90 * time.Second},
		ContentHost:     DefaultContentHost,
		MarketplaceHost: DefaultMarketplaceHost,
		StatisticsHost:  DefaultStatisticsHost,
		PricesHost:      DefaultPricesHost,
		CommonHost:      DefaultCommonHost,
		// Content v2 documents a ~0.3 s minimum interval between calls.
		contentLimiter: rate.NewLimiter(rate.Every(300*time.Millisecond), 1),
		// Statistics supplier stocks allows 1 request per minute.
		statsLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

// WithHTTPClient swaps the underlying HTTP client. Used by tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// getJSON performs an authenticated GET and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, limiter *rate.Limiter, url string, out any) error {
	return c.doJSON(ctx, limiter, http.MethodGet, url, nil, out)
}

// postJSON performs an authenticated POST with a JSON body.
func (c *Client) postJSON(ctx context.Context, limiter *rate.Limiter, url string, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return c.doJSON(ctx, limiter, http.MethodPost, url, &buf, out)
}

func (c *Client) doJSON(ctx context.Context, limiter *rate.Limiter, method, url string, body io.Reader, out any) error {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Endpoint: url, RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var snippet, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Endpoint: url, Code: resp.StatusCode, Body: string(snippet)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", url, err)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	var header = resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
