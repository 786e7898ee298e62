package backtest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"virtual_exchange/internal/core"
)

// canonPrecision is the fixed number of decimal places a candle field is
// rendered with before hashing. Two runs over byte-different files that
// parse to the same values hash identically.
const canonPrecision = 8

// defaultSlippageModel documents how fill prices relate to candle prices.
const defaultSlippageModel = "market: fill_price - bar_close, limit: 0"

// recordingFeed wraps the candle feed the engine consumes and folds every
// row handed out into a running SHA-256, in consumption order. The digest
// covers exactly the rows the engine saw.
type recordingFeed struct {
	inner core.CandleFeed
	h     hash.Hash
	rows  int64
}

func newRecordingFeed(inner core.CandleFeed) *recordingFeed {
	return &recordingFeed{inner: inner, h: sha256.New()}
}

func (f *recordingFeed) CandlesBetween(symbol string, afterClose, untilClose int64) []core.Candle {
	candles := f.inner.CandlesBetween(symbol, afterClose, untilClose)
	for _, c := range candles {
		fmt.Fprintf(f.h, "%s|%d|%s|%s|%s|%s|%s\n",
			c.Symbol, c.CloseTime(),
			c.Open.StringFixed(canonPrecision),
			c.High.StringFixed(canonPrecision),
			c.Low.StringFixed(canonPrecision),
			c.Close.StringFixed(canonPrecision),
			c.Volume.StringFixed(canonPrecision))
		f.rows++
	}
	return candles
}

// DataHash returns the hex digest over all rows consumed so far.
func (f *recordingFeed) DataHash() string {
	return hex.EncodeToString(f.h.Sum(nil))
}

// Rows returns how many candle rows went into the digest.
func (f *recordingFeed) Rows() int64 { return f.rows }
