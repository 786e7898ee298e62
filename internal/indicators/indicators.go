// Package indicators implements the technical indicator routines shared by
// the data-collector path and the backtest read API. Both paths must produce
// identical values for identical input series, so everything here follows the
// collector's conventions: exponential averages seed on the first sample and
// never reset, rolling statistics use simple means over the trailing window,
// and the standard deviation is the sample deviation.
package indicators

import "math"

// SMA returns the simple moving average of the trailing period.
// ok is false when fewer than period samples exist.
func SMA(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}
	var sum float64
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period), true
}

// EMA returns the exponential moving average with alpha = 2/(period+1),
// seeded on the first sample and iterated over the whole series.
// ok is false when fewer than period samples exist.
func EMA(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}
	s := ewmSeries(prices, period)
	return s[len(s)-1], true
}

// RSI returns the relative strength index over the trailing period using
// simple rolling means of gains and losses. A series with no movement in the
// window has no defined RSI; ok is false then, and when fewer than period+1
// samples exist.
func RSI(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := len(prices) - period; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	// avgLoss == 0 with gains present yields +Inf RS and an RSI of 100; a
	// fully flat window yields NaN, reported as not-ok.
	rs := avgGain / avgLoss
	rsi := 100 - 100/(1+rs)
	if math.IsNaN(rsi) {
		return 0, false
	}
	return rsi, true
}

// MACD returns the MACD line, signal line and histogram for the given
// short/long/signal periods. ok is false when fewer than longPeriod samples
// exist.
func MACD(prices []float64, shortPeriod, longPeriod, signalPeriod int) (line, signal, hist float64, ok bool) {
	if longPeriod <= 0 || len(prices) < longPeriod {
		return 0, 0, 0, false
	}
	shortEMA := ewmSeries(prices, shortPeriod)
	longEMA := ewmSeries(prices, longPeriod)
	macd := make([]float64, len(prices))
	for i := range prices {
		macd[i] = shortEMA[i] - longEMA[i]
	}
	signalSeries := ewmSeries(macd, signalPeriod)
	line = macd[len(macd)-1]
	signal = signalSeries[len(signalSeries)-1]
	return line, signal, line - signal, true
}

// BollingerBands returns the upper, middle and lower band over the trailing
// period. The middle band is the SMA; the half-width is numStd sample
// standard deviations. ok is false when fewer than period samples exist.
func BollingerBands(prices []float64, period int, numStd float64) (upper, middle, lower float64, ok bool) {
	if period <= 1 || len(prices) < period {
		return 0, 0, 0, false
	}
	window := prices[len(prices)-period:]
	var sum float64
	for _, p := range window {
		sum += p
	}
	mean := sum / float64(period)
	var sq float64
	for _, p := range window {
		d := p - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(period-1))
	return mean + numStd*std, mean, mean - numStd*std, true
}

// ATR returns the average true range over the trailing period: the simple
// mean of the last period true ranges, where the true range of bar i uses the
// close of bar i-1. ok is false when fewer than period+1 bars exist.
func ATR(highs, lows, closes []float64, period int) (float64, bool) {
	n := len(highs)
	if period <= 0 || n < period+1 || len(lows) != n || len(closes) != n {
		return 0, false
	}
	var sum float64
	for i := n - period; i < n; i++ {
		tr := highs[i] - lows[i]
		if hc := math.Abs(highs[i] - closes[i-1]); hc > tr {
			tr = hc
		}
		if lc := math.Abs(lows[i] - closes[i-1]); lc > tr {
			tr = lc
		}
		sum += tr
	}
	return sum / float64(period), true
}

// ewmSeries computes the exponentially weighted series with
// alpha = 2/(span+1), seeded on the first element.
func ewmSeries(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := 2.0 / (float64(span) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = (1-alpha)*out[i-1] + alpha*values[i]
	}
	return out
}
