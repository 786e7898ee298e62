// Package core defines the domain types and interfaces shared across the
// virtual exchange.
package core

import (
	"context"
)

// ILogger defines the interface for logging.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Clock supplies the current virtual time in Unix seconds UTC. The backtest
// runner implements it; nothing in the core reads the wall clock.
type Clock interface {
	Now() int64
}

// CandleSource provides closed one-minute candles from history. It is
// read-only and must be safe for concurrent readers across runs.
type CandleSource interface {
	// Range returns 1m candles with OpenTime in [from, to), ascending by
	// OpenTime. A missing minute inside the range is returned as a gap, not
	// an error; callers decide whether gaps are fatal.
	Range(ctx context.Context, symbol string, from, to int64) ([]Candle, error)
}

// CandleFeed hands the matching engine its candles during AdvanceTo. The
// runner implements it over the run's preloaded window.
type CandleFeed interface {
	// CandlesBetween returns 1m candles with CloseTime in (afterClose,
	// untilClose], ascending by OpenTime.
	CandlesBetween(symbol string, afterClose, untilClose int64) []Candle
}

// NewsSource provides time-indexed news. Read-only, concurrent-safe.
type NewsSource interface {
	// Before returns at most k items published at or before ts, ordered by
	// importance descending then publication time descending.
	Before(ctx context.Context, ts int64, k int) ([]NewsItem, error)
}

// IStateStore persists one wallet snapshot blob per run, overwritten
// atomically, plus the run's per-step report fragments.
type IStateStore interface {
	SaveSnapshot(ctx context.Context, snap *WalletSnapshot) error
	// LoadSnapshot returns (nil, nil) when the run has no snapshot yet.
	LoadSnapshot(ctx context.Context, runID string) (*WalletSnapshot, error)
	AppendStep(ctx context.Context, runID string, frag StepFragment) error
	LoadSteps(ctx context.Context, runID string) ([]StepFragment, error)
}

// IStrategyClient calls the external strategy service for one decision step.
// The reply names intended actions; it never mutates engine state directly.
type IStrategyClient interface {
	Analyze(ctx context.Context, symbol string, backtestTS int64) (*StrategyReply, error)
}

// RunEventSink receives progress events from a backtest run. Implementations
// must not block; slow consumers drop events, never the run.
type RunEventSink interface {
	RunEvent(runID string, event string, payload interface{})
}
