package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type ErrorKind int

const (
	KindRateLimited ErrorKind = iota
	KindAuthFailed
	KindNotFound
	KindClient
	KindServer
)

// APIError is returned for every non-2xx Admin API response so callers can
// branch on the failure kind instead of parsing message strings.
type APIError struct {
	Kind       ErrorKind
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	switch e.Kind {
	case KindRateLimited:
		return fmt.Sprintf("shopify rate limited (retry after %s)", e.RetryAfter)
	case KindAuthFailed:
		return fmt.Sprintf("shopify auth failed: http %d", e.Status)
	case KindNotFound:
		return fmt.Sprintf("shopify resource not found: http %d", e.Status)
	case KindServer:
		return fmt.Sprintf("shopify server error: http %d: %s", e.Status, e.Body)
	default:
		return fmt.Sprintf("shopify client error: http %d: %s", e.Status, e.Body)
	}
}

// Retryable reports whether the caller should retry with backoff.
// Only 429 and 5xx qualify; 4xx client errors never do.
func (e *APIError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindServer
}

// Client is the single point for Admin API calls (orders, products,
// fulfillments, inventory, webhook registration). Retries 429/5xx with
// exponential backoff, honoring Retry-After on 429.
type Client struct {
	HTTP       *http.Client
	APIVersion string
	MaxRetries int
	baseURL    func(shopDomain string) string
}

func NewClient(apiVersion string) *Client {
	if strings.TrimSpace(apiVersion) == "" {
		apiVersion = "2026-01"
	}
	return &Client{
		HTTP:       &http.Client{Timeout: 20 * time.Second},
		APIVersion: apiVersion,
		MaxRetries: 3,
		baseURL: func(shopDomain string) string {
			return "https://" + shopDomain
		},
	}
}

// Do performs one Admin API call. path is relative to /admin/api/<version>,
// e.g. "/orders.json". A nil out skips response decoding; 204 responses
// decode to nothing.
func (c *Client) Do(ctx context.Context, shopDomain, accessToken, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}

	endpoint := fmt.Sprintf("%s/admin/api/%s%s", c.baseURL(shopDomain), c.APIVersion, path)

	backoff := 500 * time.Millisecond
	var lastErr error

	for attempt := 0; ; attempt++ {
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		req.Header.Set("X-Shopify-Access-Token", accessToken)

		res, err := c.HTTP.Do(req)
		if err != nil {
			return fmt.Errorf("shopify request failed: %w", err)
		}
		raw, _ := io.ReadAll(res.Body)
		_ = res.Body.Close()

		if res.StatusCode >= 200 && res.StatusCode < 300 {
			if out == nil || res.StatusCode == http.StatusNoContent || len(raw) == 0 {
				return nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("decode shopify response: %w", err)
			}
			return nil
		}

		apiErr := classify(res.StatusCode, res.Header, raw)
		if !apiErr.Retryable() || attempt >= c.MaxRetries {
			return apiErr
		}
		lastErr = apiErr

		wait := backoff
		if apiErr.Kind == KindRateLimited && apiErr.RetryAfter > 0 {
			wait = apiErr.RetryAfter
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("shopify retry aborted: %w; last: %v", ctx.Err(), lastErr)
		case <-time.After(wait):
		}
		backoff *= 2
	}
}

func classify(status int, hdr http.Header, body []byte) *APIError {
	e := &APIError{Status: status, Body: string(body)}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(hdr.Get("Retry-After"))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuthFailed
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindClient
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	// Shopify sends fractional seconds, e.g. "2.0"
	if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
		return time.Duration(f * float64(time.Second))
	}
	return 0
}
