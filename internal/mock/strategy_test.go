package mock

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtual_exchange/internal/core"
	"virtual_exchange/internal/strategy"
	apperrors "virtual_exchange/pkg/errors"
	"virtual_exchange/pkg/logging"
)

func newClient(t *testing.T, url string) *strategy.Client {
	t.Helper()
	return strategy.New(strategy.Config{
		URL:       url,
		Timeout:   5 * time.Second,
		RateLimit: 100,
		Burst:     100,
	}, logging.NewNopLogger())
}

func TestStrategyServerSpeaksClientContract(t *testing.T) {
	srv := NewStrategyServer()
	url, err := srv.Start()
	require.NoError(t, err)
	defer srv.Close()

	srv.Script(1_700_000_000, &core.StrategyReply{
		Text: "entering long",
		ToolCalls: []core.ToolCall{{
			Tool: "placeOrder",
			Arguments: core.ToolArguments{
				Coin:  "BTC",
				IsBuy: true,
				Sz:    decimal.RequireFromString("1"),
			},
		}},
	})

	client := newClient(t, url)
	require.NoError(t, client.Healthcheck(context.Background()))

	reply, err := client.Analyze(context.Background(), "BTCUSDT", 1_700_000_000)
	require.NoError(t, err)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "placeOrder", reply.ToolCalls[0].Tool)
	assert.Equal(t, "entering long", reply.Text)

	// Unscripted timestamps answer the empty fallback.
	reply, err = client.Analyze(context.Background(), "BTCUSDT", 42)
	require.NoError(t, err)
	assert.Empty(t, reply.ToolCalls)

	calls := srv.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "BTCUSDT", calls[0].Symbol)
	assert.True(t, calls[0].BacktestMode)
	assert.Equal(t, int64(1_700_000_000), calls[0].BacktestTimestamp)
}

func TestStrategyServerScriptedFailure(t *testing.T) {
	srv := NewStrategyServer()
	url, err := srv.Start()
	require.NoError(t, err)
	defer srv.Close()

	srv.FailWith(http.StatusServiceUnavailable)
	client := newClient(t, url)

	_, err = client.Analyze(context.Background(), "BTCUSDT", 1)
	require.ErrorIs(t, err, apperrors.ErrStrategyUnavailable)

	srv.FailWith(0)
	_, err = client.Analyze(context.Background(), "BTCUSDT", 1)
	require.NoError(t, err)
}
