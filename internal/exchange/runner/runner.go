// Package runner owns the virtual clock of one backtest run and the candle
// window visible under it. Candles become observable the moment they close;
// derived intervals are resampled from the one-minute series; indicator
// bundles are computed over the observable window only, so a strategy can
// never see past the clock.
package runner

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"virtual_exchange/internal/core"
	"virtual_exchange/internal/indicators"
	apperrors "virtual_exchange/pkg/errors"
)

// IndicatorLookback is the trailing window of closed candles fed to the
// indicator routines, matching the collector's fetch size. Runs preload this
// many 1m bars of history ahead of their start so the first decision already
// has a mark price and an indicator window.
const IndicatorLookback = 200

// derivedIntervals are resampled eagerly at preload time.
var derivedIntervals = []core.Interval{core.Interval15m, core.Interval4h, core.Interval1d}

// Runner is the per-run virtual clock plus its preloaded candle window.
// A single actor moves the clock; reads may come from other goroutines.
type Runner struct {
	mu     sync.RWMutex
	now    int64
	source core.CandleSource
	news   core.NewsSource
	logger core.ILogger

	// candles holds the preloaded 1m series per symbol, open time ascending.
	candles map[string][]core.Candle
	// resampled caches the derived-interval series per symbol.
	resampled map[string]map[core.Interval][]core.Candle

	from, to int64
}

// New creates an empty runner over the given sources. news may be nil.
func New(source core.CandleSource, news core.NewsSource, logger core.ILogger) *Runner {
	return &Runner{
		source:    source,
		news:      news,
		logger:    logger,
		candles:   make(map[string][]core.Candle),
		resampled: make(map[string]map[core.Interval][]core.Candle),
	}
}

// Preload loads the 1m series of every symbol for the window [from, to) and
// builds the derived-interval caches. It replaces any previous window.
func (r *Runner) Preload(ctx context.Context, symbols []string, from, to int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.candles = make(map[string][]core.Candle, len(symbols))
	r.resampled = make(map[string]map[core.Interval][]core.Candle, len(symbols))
	r.from, r.to = from, to

	for _, sym := range symbols {
		series, err := r.source.Range(ctx, sym, from, to)
		if err != nil {
			return fmt.Errorf("load 1m candles for %s: %w", sym, err)
		}
		sort.Slice(series, func(i, j int) bool { return series[i].OpenTime < series[j].OpenTime })
		r.candles[sym] = series

		r.resampled[sym] = make(map[core.Interval][]core.Candle, len(derivedIntervals))
		for _, iv := range derivedIntervals {
			r.resampled[sym][iv] = resample(series, iv)
		}
		r.logger.Info("candle window loaded",
			"symbol", sym, "from", from, "to", to, "count", len(series))
	}
	return nil
}

// VerifyCoverage checks that every one-minute bar fully inside [from, to)
// is present for symbol. The first missing minute is named in the error.
func (r *Runner) VerifyCoverage(symbol string, from, to int64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	series, ok := r.candles[symbol]
	if !ok {
		return fmt.Errorf("%w: %q", apperrors.ErrUnknownSymbol, symbol)
	}

	first := ((from + 59) / 60) * 60
	expected, missing := 0, 0
	var firstMissing int64 = -1
	i := 0
	for open := first; open+60 <= to; open += 60 {
		expected++
		for i < len(series) && series[i].OpenTime < open {
			i++
		}
		if i < len(series) && series[i].OpenTime == open {
			continue
		}
		if firstMissing < 0 {
			firstMissing = open
		}
		missing++
	}
	if missing > 0 {
		return fmt.Errorf("%w: %s missing %d of %d minutes, first at %d",
			apperrors.ErrDataGap, symbol, missing, expected, firstMissing)
	}
	return nil
}

// SetCurrentTime moves the virtual clock to t. Every move must be strictly
// forward; repeating the current reading is a regression too.
func (r *Runner) SetCurrentTime(t int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t <= r.now {
		return fmt.Errorf("%w: %d is not after current %d", apperrors.ErrClockRegression, t, r.now)
	}
	r.now = t
	return nil
}

// CurrentTime returns the virtual clock reading.
func (r *Runner) CurrentTime() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now
}

// Now implements core.Clock.
func (r *Runner) Now() int64 { return r.CurrentTime() }

// Window returns the preloaded [from, to) bounds.
func (r *Runner) Window() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.from, r.to
}

// Symbols returns the preloaded symbols, sorted ascending.
func (r *Runner) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.candles))
	for sym := range r.candles {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Candles returns the most recent limit candles of the interval that have
// closed at or before the virtual clock, oldest first. limit <= 0 means all.
func (r *Runner) Candles(symbol string, interval core.Interval, limit int) []core.Candle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.window(symbol, interval, limit, r.now)
}

// CandlesBetween implements core.CandleFeed: the 1m candles whose close time
// lies in (afterClose, untilClose]. The feed is bounded by its arguments, not
// by the clock; the engine advances through it ahead of the clock update.
func (r *Runner) CandlesBetween(symbol string, afterClose, untilClose int64) []core.Candle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	series := r.candles[symbol]
	lo := closedBefore(series, afterClose)
	hi := closedBefore(series, untilClose)
	return append([]core.Candle(nil), series[lo:hi]...)
}

// LastClose returns the close of the last 1m candle closed at or before t,
// used to prime mark prices before any order is placed.
func (r *Runner) LastClose(symbol string, t int64) (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	series := r.candles[symbol]
	idx := closedBefore(series, t)
	if idx == 0 {
		return decimal.Zero, false
	}
	return series[idx-1].Close, true
}

// TopNews returns at most k news items published at or before the clock.
func (r *Runner) TopNews(ctx context.Context, k int) ([]core.NewsItem, error) {
	return r.TopNewsBefore(ctx, r.CurrentTime(), k)
}

// TopNewsBefore returns at most k news items published at or before t.
func (r *Runner) TopNewsBefore(ctx context.Context, t int64, k int) ([]core.NewsItem, error) {
	if r.news == nil {
		return nil, nil
	}
	return r.news.Before(ctx, t, k)
}

// IndicatorSnapshot is one interval's slice of the bundle: the last closed
// candle plus the indicator values over the trailing window ending at it.
// Nil values serialise as null when the window is too short.
type IndicatorSnapshot struct {
	Candle          core.Candle `json:"candle"`
	EMA9            *float64    `json:"ema_9"`
	SMA14           *float64    `json:"sma_14"`
	RSI14           *float64    `json:"rsi_14"`
	MACDLine        *float64    `json:"macd_line"`
	MACDSignal      *float64    `json:"macd_signal"`
	MACDHist        *float64    `json:"macd_hist"`
	BollingerUpper  *float64    `json:"bollinger_upper"`
	BollingerMiddle *float64    `json:"bollinger_middle"`
	BollingerLower  *float64    `json:"bollinger_lower"`
	ATR14           *float64    `json:"atr_14"`
}

// Bundle maps an interval's minute count ("1", "15", "240", "1440") to its
// snapshot. Intervals with no closed candle yet are absent.
type Bundle map[string]*IndicatorSnapshot

// IndicatorBundle assembles the per-interval indicator payload for symbol at
// the current clock.
func (r *Runner) IndicatorBundle(symbol string) (Bundle, error) {
	r.mu.RLock()
	t := r.now
	r.mu.RUnlock()
	return r.IndicatorBundleAt(symbol, t)
}

// IndicatorBundleAt assembles the bundle as of an explicit timestamp, so a
// caller pinned to a decision time sees the same data regardless of where the
// session clock has moved since.
func (r *Runner) IndicatorBundleAt(symbol string, t int64) (Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.candles[symbol]; !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownSymbol, symbol)
	}

	bundle := make(Bundle, 4)
	for _, iv := range []core.Interval{core.Interval1m, core.Interval15m, core.Interval4h, core.Interval1d} {
		window := r.window(symbol, iv, IndicatorLookback, t)
		if len(window) == 0 {
			continue
		}
		bundle[intervalKey(iv)] = snapshotFor(window)
	}
	return bundle, nil
}

// window returns up to limit candles of the interval closed at or before t.
// Callers hold at least the read lock.
func (r *Runner) window(symbol string, interval core.Interval, limit int, t int64) []core.Candle {
	var series []core.Candle
	if interval == core.Interval1m {
		series = r.candles[symbol]
	} else {
		series = r.resampled[symbol][interval]
	}
	idx := closedBefore(series, t)
	start := 0
	if limit > 0 && idx > limit {
		start = idx - limit
	}
	return append([]core.Candle(nil), series[start:idx]...)
}

// snapshotFor computes the indicator set over the window's closes.
func snapshotFor(window []core.Candle) *IndicatorSnapshot {
	closes := make([]float64, len(window))
	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close.InexactFloat64()
		highs[i] = c.High.InexactFloat64()
		lows[i] = c.Low.InexactFloat64()
	}

	snap := &IndicatorSnapshot{Candle: window[len(window)-1]}
	if v, ok := indicators.EMA(closes, 9); ok {
		snap.EMA9 = &v
	}
	if v, ok := indicators.SMA(closes, 14); ok {
		snap.SMA14 = &v
	}
	if v, ok := indicators.RSI(closes, 14); ok {
		snap.RSI14 = &v
	}
	if line, signal, hist, ok := indicators.MACD(closes, 12, 26, 9); ok {
		snap.MACDLine, snap.MACDSignal, snap.MACDHist = &line, &signal, &hist
	}
	if upper, middle, lower, ok := indicators.BollingerBands(closes, 20, 2.0); ok {
		snap.BollingerUpper, snap.BollingerMiddle, snap.BollingerLower = &upper, &middle, &lower
	}
	if v, ok := indicators.ATR(highs, lows, closes, 14); ok {
		snap.ATR14 = &v
	}
	return snap
}

// closedBefore returns how many candles of the sorted series closed at or
// before t.
func closedBefore(series []core.Candle, t int64) int {
	return sort.Search(len(series), func(i int) bool { return series[i].CloseTime() > t })
}

// intervalKey renders an interval as its minute count, the bundle's key form.
func intervalKey(iv core.Interval) string {
	return strconv.FormatInt(iv.Seconds()/60, 10)
}

// resample aggregates a sorted 1m series into epoch-aligned buckets of the
// derived interval: open of the first bar, extreme high/low, close of the
// last, summed volume.
func resample(oneMin []core.Candle, iv core.Interval) []core.Candle {
	sec := iv.Seconds()
	out := make([]core.Candle, 0, len(oneMin)/int(sec/60)+1)
	for i := range oneMin {
		c := oneMin[i]
		bucket := c.OpenTime - c.OpenTime%sec
		if n := len(out); n == 0 || out[n-1].OpenTime != bucket {
			out = append(out, core.Candle{
				Symbol:   c.Symbol,
				Interval: iv,
				OpenTime: bucket,
				Open:     c.Open,
				High:     c.High,
				Low:      c.Low,
				Close:    c.Close,
				Volume:   c.Volume,
			})
			continue
		}
		cur := &out[len(out)-1]
		if c.High.GreaterThan(cur.High) {
			cur.High = c.High
		}
		if c.Low.LessThan(cur.Low) {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume = cur.Volume.Add(c.Volume)
	}
	return out
}
