package data

import (
	"context"
	"sort"
	"sync"

	"virtual_exchange/internal/core"
)

// MemoryCandleSource is a map-backed CandleSource for tests and the built-in
// self-check.
type MemoryCandleSource struct {
	mu      sync.RWMutex
	candles map[string][]core.Candle
}

func NewMemoryCandleSource() *MemoryCandleSource {
	return &MemoryCandleSource{candles: make(map[string][]core.Candle)}
}

// Add appends candles and keeps each symbol's series sorted by open time.
func (s *MemoryCandleSource) Add(candles ...core.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	touched := make(map[string]struct{})
	for _, c := range candles {
		s.candles[c.Symbol] = append(s.candles[c.Symbol], c)
		touched[c.Symbol] = struct{}{}
	}
	for sym := range touched {
		series := s.candles[sym]
		sort.Slice(series, func(i, j int) bool { return series[i].OpenTime < series[j].OpenTime })
	}
}

// Range returns the candles of symbol with open time in [from, to).
func (s *MemoryCandleSource) Range(_ context.Context, symbol string, from, to int64) ([]core.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Candle
	for _, c := range s.candles[symbol] {
		if c.OpenTime >= from && c.OpenTime < to {
			out = append(out, c)
		}
	}
	return out, nil
}

// MemoryNewsSource is a slice-backed NewsSource for tests.
type MemoryNewsSource struct {
	mu    sync.RWMutex
	items []core.NewsItem
}

func NewMemoryNewsSource() *MemoryNewsSource {
	return &MemoryNewsSource{}
}

func (s *MemoryNewsSource) Add(items ...core.NewsItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items...)
}

// Before returns at most k items published at or before ts, ranked like the
// CSV source.
func (s *MemoryNewsSource) Before(_ context.Context, ts int64, k int) ([]core.NewsItem, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	var pool []core.NewsItem
	for _, it := range s.items {
		if it.PublishedAt <= ts {
			pool = append(pool, it)
		}
	}
	s.mu.RUnlock()
	return rankNews(pool, k), nil
}
