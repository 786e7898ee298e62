package store

import (
	"context"
	"sort"
	"sync"

	"virtual_exchange/internal/core"
)

// MemoryStore implements core.IStateStore in memory, for tests and
// store-less runs.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*core.WalletSnapshot
	steps map[string]map[int]core.StepFragment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]*core.WalletSnapshot),
		steps: make(map[string]map[int]core.StepFragment),
	}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *core.WalletSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.RunID] = snap
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, runID string) (*core.WalletSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snaps[runID], nil
}

func (s *MemoryStore) AppendStep(_ context.Context, runID string, frag core.StepFragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps[runID] == nil {
		s.steps[runID] = make(map[int]core.StepFragment)
	}
	s.steps[runID][frag.Seq] = frag
	return nil
}

func (s *MemoryStore) LoadSteps(_ context.Context, runID string) ([]core.StepFragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frags := s.steps[runID]
	out := make([]core.StepFragment, 0, len(frags))
	for _, f := range frags {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
