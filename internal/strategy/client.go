// Package strategy implements the HTTP client for the external strategy
// service. The orchestrator calls it once per decision step; every failure is
// soft and maps onto one of two sentinels so the step can proceed with zero
// orders.
package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"virtual_exchange/internal/core"
	apperrors "virtual_exchange/pkg/errors"
	apphttp "virtual_exchange/pkg/http"
	"virtual_exchange/pkg/telemetry"
)

const (
	defaultTimeout   = 120 * time.Second
	defaultRateLimit = 5
	defaultBurst     = 5
)

// Config controls the strategy client transport.
type Config struct {
	// URL is the base URL of the strategy service, without the /analyze path.
	URL string
	// AuthToken, when set, is sent as a bearer token on every request.
	AuthToken string
	// Timeout bounds one decision-step call including all retries.
	Timeout time.Duration
	// RateLimit is the maximum request rate in requests per second.
	RateLimit float64
	Burst     int
}

// Client talks to the strategy service. It implements core.IStrategyClient.
type Client struct {
	http    *apphttp.Client
	limiter *rate.Limiter
	logger  core.ILogger
	timeout time.Duration

	callCounter metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// analyzeRequest is the body sent on every decision step. The timestamp pins
// the service to historical data; it must never consult the wall clock.
type analyzeRequest struct {
	Symbol            string `json:"symbol"`
	BacktestMode      bool   `json:"backtest_mode"`
	BacktestTimestamp int64  `json:"backtest_timestamp"`
}

// New creates a strategy client for the given service URL.
func New(cfg Config, logger core.ILogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}

	meter := telemetry.GetMeter("strategy-client")
	callCounter, _ := meter.Int64Counter("virtual_exchange_strategy_calls_total",
		metric.WithDescription("Total number of strategy service calls"))
	errCounter, _ := meter.Int64Counter("virtual_exchange_strategy_errors_total",
		metric.WithDescription("Total number of failed strategy service calls"))
	latencyHist, _ := meter.Float64Histogram("virtual_exchange_strategy_call_duration_seconds",
		metric.WithDescription("Strategy service call latency in seconds"))

	httpClient := apphttp.NewClient(cfg.URL, cfg.Timeout)
	if cfg.AuthToken != "" {
		httpClient.SetHeader("Authorization", "Bearer "+cfg.AuthToken)
	}

	return &Client{
		http:        httpClient,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:      logger.WithField("component", "strategy_client"),
		timeout:     cfg.Timeout,
		callCounter: callCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// Analyze asks the strategy service for its decision at the given virtual
// timestamp. The reply carries intended actions in the tool_calls channel;
// the caller extracts and validates them.
func (c *Client) Analyze(ctx context.Context, symbol string, backtestTS int64) (*core.StrategyReply, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	// The deadline caps the whole call, retries included.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	c.callCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol)))

	body, err := c.http.Post(ctx, "/analyze", analyzeRequest{
		Symbol:            symbol,
		BacktestMode:      true,
		BacktestTimestamp: backtestTS,
	})
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("symbol", symbol)))
	if err != nil {
		return nil, c.fail(ctx, symbol, err)
	}

	var reply core.StrategyReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, c.fail(ctx, symbol, fmt.Errorf("malformed reply: %w", err))
	}

	c.logger.Debug("Strategy reply received",
		"symbol", symbol,
		"backtest_timestamp", backtestTS,
		"tool_calls", len(reply.ToolCalls))
	return &reply, nil
}

// Healthcheck probes the service before a run starts, so an unreachable
// service is reported up front instead of as a string of empty steps.
func (c *Client) Healthcheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.http.Get(ctx, "/health", nil); err != nil {
		return classify(err)
	}
	return nil
}

// fail classifies the error, counts it and returns the mapped sentinel.
func (c *Client) fail(ctx context.Context, symbol string, err error) error {
	mapped := classify(err)
	reason := "unavailable"
	if errors.Is(mapped, apperrors.ErrStrategyTimeout) {
		reason = "timeout"
	}
	c.errCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("reason", reason)))
	return mapped
}

// classify maps transport failures onto the two soft-failure sentinels the
// orchestrator distinguishes. Timeouts cover both the call deadline and
// net-level timeouts; everything else, connection errors, open breaker and
// HTTP error statuses included, counts as unavailable.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrStrategyTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", apperrors.ErrStrategyTimeout, err)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrStrategyUnavailable, err)
}
