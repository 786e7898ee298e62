package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtual_exchange/internal/backtest"
	"virtual_exchange/internal/core"
	"virtual_exchange/pkg/concurrency"
	"virtual_exchange/pkg/logging"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) RunEvent(runID string, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{RunID: runID, Type: event, Data: payload})
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newTestRegistry(t *testing.T, workers, capacity int, events *eventRecorder) *Registry {
	t.Helper()
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "test-runs",
		MaxWorkers:  workers,
		MaxCapacity: capacity,
		NonBlocking: true,
	}, logging.NewNopLogger())
	var sink core.RunEventSink
	if events != nil {
		sink = events
	}
	reg := NewRegistry(pool, sink, logging.NewNopLogger(), 0)
	t.Cleanup(reg.Close)
	return reg
}

func TestRegistrySubmitAndWait(t *testing.T) {
	reg := newTestRegistry(t, 2, 8, nil)

	want := &backtest.Report{RunID: "r1", FinalEquity: dec("10000")}
	err := reg.Submit("r1", "BTCUSDT", func(ctx context.Context) (*backtest.Report, error) {
		return want, nil
	})
	require.NoError(t, err)

	got, err := reg.Wait(context.Background(), "r1")
	require.NoError(t, err)
	assert.Same(t, want, got)

	st, ok := reg.Status("r1")
	require.True(t, ok)
	assert.Equal(t, RunStateDone, st.State)
	assert.NotZero(t, st.FinishedAt)
	assert.Same(t, want, st.Report)
}

func TestRegistryDuplicateRunID(t *testing.T) {
	reg := newTestRegistry(t, 2, 8, nil)

	release := make(chan struct{})
	defer close(release)
	task := func(ctx context.Context) (*backtest.Report, error) {
		<-release
		return &backtest.Report{}, nil
	}

	require.NoError(t, reg.Submit("r1", "BTCUSDT", task))
	err := reg.Submit("r1", "BTCUSDT", task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryPoolSaturation(t *testing.T) {
	reg := newTestRegistry(t, 1, 1, nil)

	release := make(chan struct{})
	defer close(release)
	task := func(ctx context.Context) (*backtest.Report, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &backtest.Report{}, nil
	}

	require.NoError(t, reg.Submit("running", "BTCUSDT", task))
	require.NoError(t, reg.Submit("queued", "BTCUSDT", task))

	err := reg.Submit("refused", "BTCUSDT", task)
	require.Error(t, err, "a saturated pool must refuse, not block")
	assert.False(t, reg.Has("refused"), "refused runs leave no registry entry")
}

func TestRegistryFailedRunKeepsPartialReport(t *testing.T) {
	reg := newTestRegistry(t, 1, 4, nil)

	partial := &backtest.Report{RunID: "r1"}
	wantErr := errors.New("candle gap at 1700000160")
	require.NoError(t, reg.Submit("r1", "BTCUSDT", func(ctx context.Context) (*backtest.Report, error) {
		return partial, wantErr
	}))

	got, err := reg.Wait(context.Background(), "r1")
	require.ErrorIs(t, err, wantErr)
	assert.Same(t, partial, got)

	st, _ := reg.Status("r1")
	assert.Equal(t, RunStateFailed, st.State)
	assert.Contains(t, st.Error, "candle gap")
	assert.Same(t, partial, st.Report)
}

func TestRegistryWaitHonoursCallerContext(t *testing.T) {
	reg := newTestRegistry(t, 1, 4, nil)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, reg.Submit("r1", "BTCUSDT", func(ctx context.Context) (*backtest.Report, error) {
		<-release
		return &backtest.Report{}, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := reg.Wait(ctx, "r1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The run itself is unaffected by the abandoned wait.
	assert.True(t, reg.Has("r1"))
}

func TestRegistryCloseCancelsRuns(t *testing.T) {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name: "test-runs", MaxWorkers: 1, MaxCapacity: 4, NonBlocking: true,
	}, logging.NewNopLogger())
	reg := NewRegistry(pool, nil, logging.NewNopLogger(), 0)

	started := make(chan struct{})
	require.NoError(t, reg.Submit("r1", "BTCUSDT", func(ctx context.Context) (*backtest.Report, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	<-started

	reg.Close()

	st, ok := reg.Status("r1")
	require.True(t, ok)
	assert.Equal(t, RunStateFailed, st.State)
}

func TestRegistryEvictsOldestFinishedRuns(t *testing.T) {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name: "test-runs", MaxWorkers: 1, MaxCapacity: 8, NonBlocking: true,
	}, logging.NewNopLogger())
	reg := NewRegistry(pool, nil, logging.NewNopLogger(), 2)
	t.Cleanup(reg.Close)

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, reg.Submit(id, "BTCUSDT", func(ctx context.Context) (*backtest.Report, error) {
			return &backtest.Report{}, nil
		}))
		_, err := reg.Wait(context.Background(), id)
		require.NoError(t, err)
	}

	// Only the two most recent finished runs survive.
	assert.Equal(t, 2, reg.Count())
	assert.False(t, reg.Has("r1"), "oldest finished run must be dropped")
	assert.True(t, reg.Has("r2"))
	assert.True(t, reg.Has("r3"))

	// A run that is still executing never counts against the cap.
	release := make(chan struct{})
	require.NoError(t, reg.Submit("live", "BTCUSDT", func(ctx context.Context) (*backtest.Report, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &backtest.Report{}, nil
	}))
	assert.True(t, reg.Has("live"))
	assert.True(t, reg.Has("r2"))
	close(release)
	_, err := reg.Wait(context.Background(), "live")
	require.NoError(t, err)
	assert.False(t, reg.Has("r2"), "finishing a run pushes out the oldest finished one")
	assert.True(t, reg.Has("live"))
}

func TestRegistryEmitsLifecycleEvents(t *testing.T) {
	rec := &eventRecorder{}
	reg := newTestRegistry(t, 1, 4, rec)

	require.NoError(t, reg.Submit("r1", "BTCUSDT", func(ctx context.Context) (*backtest.Report, error) {
		return &backtest.Report{}, nil
	}))
	_, err := reg.Wait(context.Background(), "r1")
	require.NoError(t, err)

	types := rec.types()
	assert.Equal(t, []string{"run_started", "run_finished"}, types)

	rec.mu.Lock()
	last := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	assert.Equal(t, "ok", last.Data)
}
