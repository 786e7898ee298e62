package strategy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "virtual_exchange/pkg/errors"
	"virtual_exchange/pkg/logging"
)

func newTestClient(url string, timeout time.Duration) *Client {
	return New(Config{
		URL:       url,
		Timeout:   timeout,
		RateLimit: 100,
		Burst:     100,
	}, logging.NewNopLogger())
}

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestAnalyzeParsesToolCalls(t *testing.T) {
	var gotBody analyzeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/analyze", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"text": "entering long",
			"tool_calls": [
				{
					"tool": "placeOrder",
					"arguments": {
						"coin": "BTC",
						"is_buy": true,
						"sz": "0.5",
						"limit_px": "42000",
						"tpsl": {"tp": "45000", "sl": "40000"}
					}
				},
				{
					"tool": "cancelOrder",
					"arguments": {"coin": "BTC", "oid": 7}
				}
			]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5*time.Second)
	reply, err := c.Analyze(context.Background(), "BTCUSDT", 1_700_000_000)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", gotBody.Symbol)
	assert.True(t, gotBody.BacktestMode)
	assert.Equal(t, int64(1_700_000_000), gotBody.BacktestTimestamp)

	require.Len(t, reply.ToolCalls, 2)
	place := reply.ToolCalls[0]
	assert.Equal(t, "placeOrder", place.Tool)
	assert.Equal(t, "BTC", place.Arguments.Coin)
	assert.True(t, place.Arguments.IsBuy)
	assert.True(t, place.Arguments.Sz.Equal(mustDec("0.5")), "sz=%s", place.Arguments.Sz)
	require.NotNil(t, place.Arguments.Tpsl)
	assert.True(t, place.Arguments.Tpsl.TakeProfitPx.Equal(mustDec("45000")))
	assert.True(t, place.Arguments.Tpsl.StopLossPx.Equal(mustDec("40000")))

	cancel := reply.ToolCalls[1]
	assert.Equal(t, "cancelOrder", cancel.Tool)
	assert.Equal(t, int64(7), cancel.Arguments.Oid)
	assert.Equal(t, "entering long", reply.Text)
}

func TestAnalyzeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		// The retried attempt must carry the body again.
		var req analyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "ETHUSDT", req.Symbol)
		w.Write([]byte(`{"tool_calls": []}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5*time.Second)
	reply, err := c.Analyze(context.Background(), "ETHUSDT", 1_700_000_000)
	require.NoError(t, err)
	assert.Empty(t, reply.ToolCalls)
	assert.Equal(t, int64(2), calls.Load())
}

func TestAnalyzeTimeoutMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 200*time.Millisecond)
	_, err := c.Analyze(context.Background(), "BTCUSDT", 1_700_000_000)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStrategyTimeout)
}

func TestAnalyzeUnreachableMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(srv.URL, 2*time.Second)
	_, err := c.Analyze(context.Background(), "BTCUSDT", 1_700_000_000)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStrategyUnavailable)
}

func TestAnalyzeClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 2*time.Second)
	_, err := c.Analyze(context.Background(), "BTCUSDT", 1_700_000_000)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStrategyUnavailable)
	assert.Equal(t, int64(1), calls.Load())
}

func TestAnalyzeMalformedReplyMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 2*time.Second)
	_, err := c.Analyze(context.Background(), "BTCUSDT", 1_700_000_000)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStrategyUnavailable)
}

func TestAnalyzeSendsAuthToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"tool_calls": []}`))
	}))
	defer srv.Close()

	c := New(Config{
		URL:       srv.URL,
		AuthToken: "sekrit",
		Timeout:   2 * time.Second,
		RateLimit: 100,
		Burst:     100,
	}, logging.NewNopLogger())

	_, err := c.Analyze(context.Background(), "BTCUSDT", 1_700_000_000)
	require.NoError(t, err)
	assert.Equal(t, "Bearer sekrit", gotAuth)
}

func TestHealthcheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 2*time.Second)
	require.NoError(t, c.Healthcheck(context.Background()))

	srv.Close()
	err := c.Healthcheck(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStrategyUnavailable)
}
