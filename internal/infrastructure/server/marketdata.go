package server

import (
	"context"
	"fmt"
	"sync"

	"virtual_exchange/internal/core"
	"virtual_exchange/internal/exchange/runner"
	apperrors "virtual_exchange/pkg/errors"
)

const (
	// bundleLookback is how much history a serving window keeps ahead of a
	// requested timestamp: a full indicator window at the daily interval.
	bundleLookback = runner.IndicatorLookback * 24 * 60 * 60
	// bundleSlack extends a fresh window past the requested timestamp so a
	// caller walking forward in time keeps hitting the same window.
	bundleSlack = 7 * 24 * 60 * 60
)

type dataWindow struct {
	run      *runner.Runner
	from, to int64
}

// covers reports whether the window holds a full lookback of history behind
// t and extends at least to t.
func (w *dataWindow) covers(t int64) bool {
	from := t - bundleLookback
	if from < 0 {
		from = 0
	}
	return w.from <= from && t <= w.to
}

// MarketData serves indicator bundles for arbitrary historical timestamps.
// It keeps one preloaded window per symbol and loads a fresh one when a
// request falls outside it. Windows are read-only once loaded, so a replaced
// window stays valid for requests already holding it.
type MarketData struct {
	source core.CandleSource
	known  map[string]bool
	logger core.ILogger

	mu      sync.Mutex
	windows map[string]*dataWindow
}

func NewMarketData(source core.CandleSource, known map[string]bool, logger core.ILogger) *MarketData {
	return &MarketData{
		source:  source,
		known:   known,
		logger:  logger.WithField("component", "market_data"),
		windows: make(map[string]*dataWindow),
	}
}

// BundleAt returns the per-interval indicator payload for symbol as of t.
// Intervals with no closed candle in the window are absent from the bundle.
func (m *MarketData) BundleAt(ctx context.Context, symbol string, t int64) (runner.Bundle, error) {
	if !m.known[symbol] {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownSymbol, symbol)
	}
	win, err := m.windowFor(ctx, symbol, t)
	if err != nil {
		return nil, err
	}
	return win.run.IndicatorBundleAt(symbol, t)
}

func (m *MarketData) windowFor(ctx context.Context, symbol string, t int64) (*dataWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if win, ok := m.windows[symbol]; ok && win.covers(t) {
		return win, nil
	}

	from := t - bundleLookback
	if from < 0 {
		from = 0
	}
	to := t + bundleSlack
	run := runner.New(m.source, nil, m.logger)
	if err := run.Preload(ctx, []string{symbol}, from, to); err != nil {
		return nil, fmt.Errorf("preload indicator window for %s: %w", symbol, err)
	}
	win := &dataWindow{run: run, from: from, to: to}
	m.windows[symbol] = win
	m.logger.Debug("Indicator window loaded", "symbol", symbol, "from", from, "to", to)
	return win, nil
}
