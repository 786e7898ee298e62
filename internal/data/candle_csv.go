// Package data provides the candle and news sources behind a backtest run:
// day-file CSV directories in the collector's on-disk layout, plus in-memory
// implementations for tests and self-checks. All sources are safe for
// concurrent reads.
package data

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"virtual_exchange/internal/core"
)

const dayLayout = "2006-01-02"

// CSVCandleSource reads one-minute candles from per-day CSV files laid out
// {dir}/{SYMBOL}_1m/{YYYY-MM-DD}.csv with a header row naming open_time,
// open, high, low, close and volume in any column order. Absent day files
// are treated as gaps, not errors; coverage is the caller's check.
type CSVCandleSource struct {
	dir    string
	logger core.ILogger
}

// NewCSVCandleSource creates a source rooted at dir.
func NewCSVCandleSource(dir string, logger core.ILogger) *CSVCandleSource {
	return &CSVCandleSource{dir: dir, logger: logger}
}

// Range returns the 1m candles of symbol with open time in [from, to),
// sorted ascending.
func (s *CSVCandleSource) Range(ctx context.Context, symbol string, from, to int64) ([]core.Candle, error) {
	if to <= from {
		return nil, nil
	}
	var out []core.Candle
	for day := from - from%86400; day < to; day += 86400 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		name := time.Unix(day, 0).UTC().Format(dayLayout) + ".csv"
		path := filepath.Join(s.dir, symbol+"_1m", name)
		candles, err := readCandleDay(path, symbol)
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("candle day file absent", "path", path)
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, c := range candles {
			if c.OpenTime >= from && c.OpenTime < to {
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out, nil
}

// readCandleDay parses one day file into candles, unsorted.
func readCandleDay(path, symbol string) ([]core.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cols, err := candleColumns(header)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var out []core.Candle
	row := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s row %d: %w", path, row, err)
		}
		row++
		c, err := cols.parse(rec, symbol)
		if err != nil {
			return nil, fmt.Errorf("read %s row %d: %w", path, row, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// candleCols maps the six required columns to their record indices.
type candleCols struct {
	openTime, open, high, low, closePx, volume int
}

func candleColumns(header []string) (candleCols, error) {
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	pick := func(names ...string) (int, error) {
		for _, n := range names {
			if i, ok := idx[n]; ok {
				return i, nil
			}
		}
		return 0, fmt.Errorf("missing column %q", names[0])
	}
	var cols candleCols
	var err error
	if cols.openTime, err = pick("open_time", "timestamp", "time"); err != nil {
		return cols, err
	}
	if cols.open, err = pick("open"); err != nil {
		return cols, err
	}
	if cols.high, err = pick("high"); err != nil {
		return cols, err
	}
	if cols.low, err = pick("low"); err != nil {
		return cols, err
	}
	if cols.closePx, err = pick("close"); err != nil {
		return cols, err
	}
	if cols.volume, err = pick("volume", "vol"); err != nil {
		return cols, err
	}
	return cols, nil
}

func (cols candleCols) parse(rec []string, symbol string) (core.Candle, error) {
	max := cols.openTime
	for _, i := range []int{cols.open, cols.high, cols.low, cols.closePx, cols.volume} {
		if i > max {
			max = i
		}
	}
	if len(rec) <= max {
		return core.Candle{}, fmt.Errorf("short record: %d fields", len(rec))
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(rec[cols.openTime]), 10, 64)
	if err != nil {
		return core.Candle{}, fmt.Errorf("open_time %q: %w", rec[cols.openTime], err)
	}
	c := core.Candle{Symbol: symbol, Interval: core.Interval1m, OpenTime: ts}
	for _, fld := range []struct {
		name string
		idx  int
		dst  *decimal.Decimal
	}{
		{"open", cols.open, &c.Open},
		{"high", cols.high, &c.High},
		{"low", cols.low, &c.Low},
		{"close", cols.closePx, &c.Close},
		{"volume", cols.volume, &c.Volume},
	} {
		v, err := decimal.NewFromString(strings.TrimSpace(rec[fld.idx]))
		if err != nil {
			return core.Candle{}, fmt.Errorf("%s %q: %w", fld.name, rec[fld.idx], err)
		}
		*fld.dst = v
	}
	return c, nil
}
