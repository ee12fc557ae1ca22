package shopify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient points the client at a local httptest server and drops the
// backoff floor so retry tests run fast.
func testClient(srv *httptest.Server) *Client {
	c := NewClient("2026-01")
	c.HTTP = srv.Client()
	c.baseURL = func(string) string { return srv.URL }
	return c
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{429, KindRateLimited, true},
		{401, KindAuthFailed, false},
		{403, KindAuthFailed, false},
		{404, KindNotFound, false},
		{422, KindClient, false},
		{500, KindServer, true},
		{503, KindServer, true},
	}
	for _, tc := range cases {
		e := classify(tc.status, http.Header{}, nil)
		assert.Equal(t, tc.kind, e.Kind, "status %d", tc.status)
		assert.Equal(t, tc.retryable, e.Retryable(), "status %d", tc.status)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 2*time.Second, parseRetryAfter("2.0"))
	assert.Equal(t, 500*time.Millisecond, parseRetryAfter("0.5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}

func TestDoRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("X-Shopify-Access-Token"))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"orders":[{"id":7}]}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	orders, err := c.ListOrders(context.Background(), "shop.myshopify.com", "tok", "", 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(7), orders[0].ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDoClientErrorNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":"line_items required"}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	err := c.Do(context.Background(), "shop.myshopify.com", "tok", http.MethodPost, "/orders/1/fulfillments.json", map[string]any{}, nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindClient, apiErr.Kind)
	assert.Equal(t, 422, apiErr.Status)
	assert.Contains(t, apiErr.Body, "line_items")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not retry")
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv)
	c.MaxRetries = 2

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.Do(ctx, "shop.myshopify.com", "tok", http.MethodGet, "/orders.json", nil, nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindServer, apiErr.Kind)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "initial try plus MaxRetries")
}

func TestDoAuthFailedSurfacesKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(srv)
	err := c.Do(context.Background(), "shop.myshopify.com", "revoked", http.MethodGet, "/orders.json", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindAuthFailed, apiErr.Kind)
	assert.False(t, apiErr.Retryable())
}
