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
	"sync"
	"time"

	"virtual_exchange/internal/core"
)

// CSVNewsSource reads news items from per-day CSV files under one directory:
// {dir}/{YYYY-MM-DD}.csv with columns published_ts, importance, title and
// optionally url and source. Parsed day files are cached; the directory is
// assumed immutable for the lifetime of the source.
type CSVNewsSource struct {
	dir    string
	logger core.ILogger

	mu     sync.RWMutex
	days   []string            // sorted YYYY-MM-DD stems present on disk
	cache  map[string][]core.NewsItem
	listed bool
}

// NewCSVNewsSource creates a source rooted at dir.
func NewCSVNewsSource(dir string, logger core.ILogger) *CSVNewsSource {
	return &CSVNewsSource{
		dir:    dir,
		logger: logger,
		cache:  make(map[string][]core.NewsItem),
	}
}

// Before returns at most k items published at or before ts, most important
// first, then most recent.
func (s *CSVNewsSource) Before(ctx context.Context, ts int64, k int) ([]core.NewsItem, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := s.ensureListing(); err != nil {
		return nil, err
	}
	cutoff := time.Unix(ts, 0).UTC().Format(dayLayout)

	var pool []core.NewsItem
	for _, day := range s.days {
		if day > cutoff {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		items, err := s.loadDay(day)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if it.PublishedAt <= ts {
				pool = append(pool, it)
			}
		}
	}
	return rankNews(pool, k), nil
}

// ensureListing scans the directory once for day-file stems.
func (s *CSVNewsSource) ensureListing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listed {
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.listed = true
			return nil
		}
		return fmt.Errorf("list news dir %s: %w", s.dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		stem := strings.TrimSuffix(name, ".csv")
		if _, err := time.Parse(dayLayout, stem); err != nil {
			continue
		}
		s.days = append(s.days, stem)
	}
	sort.Strings(s.days)
	s.listed = true
	return nil
}

// loadDay parses one day file, caching the result.
func (s *CSVNewsSource) loadDay(day string) ([]core.NewsItem, error) {
	s.mu.RLock()
	items, ok := s.cache[day]
	s.mu.RUnlock()
	if ok {
		return items, nil
	}

	path := filepath.Join(s.dir, day+".csv")
	items, err := readNewsDay(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[day] = items
	s.mu.Unlock()
	return items, nil
}

func readNewsDay(path string) ([]core.NewsItem, error) {
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
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	tsCol, ok := idx["published_ts"]
	if !ok {
		return nil, fmt.Errorf("read %s: missing column %q", path, "published_ts")
	}
	impCol, ok := idx["importance"]
	if !ok {
		return nil, fmt.Errorf("read %s: missing column %q", path, "importance")
	}
	titleCol, ok := idx["title"]
	if !ok {
		return nil, fmt.Errorf("read %s: missing column %q", path, "title")
	}
	urlCol, hasURL := idx["url"]
	srcCol, hasSrc := idx["source"]

	need := tsCol
	if impCol > need {
		need = impCol
	}
	if titleCol > need {
		need = titleCol
	}

	var out []core.NewsItem
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
		if len(rec) <= need {
			return nil, fmt.Errorf("read %s row %d: short record: %d fields", path, row, len(rec))
		}
		ts, err := strconv.ParseInt(strings.TrimSpace(rec[tsCol]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("read %s row %d: published_ts %q", path, row, rec[tsCol])
		}
		imp, err := strconv.ParseFloat(strings.TrimSpace(rec[impCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("read %s row %d: importance %q", path, row, rec[impCol])
		}
		it := core.NewsItem{
			PublishedAt: ts,
			Importance:  imp,
			Title:       strings.TrimSpace(rec[titleCol]),
		}
		if hasURL && urlCol < len(rec) {
			it.URL = strings.TrimSpace(rec[urlCol])
		}
		if hasSrc && srcCol < len(rec) {
			it.Source = strings.TrimSpace(rec[srcCol])
		}
		out = append(out, it)
	}
	return out, nil
}

// rankNews orders items by importance descending, published descending, and
// truncates to k.
func rankNews(items []core.NewsItem, k int) []core.NewsItem {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Importance != items[j].Importance {
			return items[i].Importance > items[j].Importance
		}
		return items[i].PublishedAt > items[j].PublishedAt
	})
	if len(items) > k {
		items = items[:k]
	}
	return items
}
