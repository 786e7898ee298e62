package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"virtual_exchange/internal/backtest"
	"virtual_exchange/internal/core"
	"virtual_exchange/pkg/concurrency"
	"virtual_exchange/pkg/telemetry"
)

// RunState tracks where a run is in its lifecycle.
type RunState string

const (
	RunStatePending RunState = "pending"
	RunStateRunning RunState = "running"
	RunStateDone    RunState = "done"
	RunStateFailed  RunState = "failed"
)

// RunStatus is the JSON view of one run's lifecycle. Report is set once the
// run finishes; failed runs may still carry the partial report.
type RunStatus struct {
	RunID       string           `json:"run_id"`
	Symbol      string           `json:"symbol"`
	State       RunState         `json:"state"`
	SubmittedAt int64            `json:"submitted_at"`
	StartedAt   int64            `json:"started_at,omitempty"`
	FinishedAt  int64            `json:"finished_at,omitempty"`
	Error       string           `json:"error,omitempty"`
	Report      *backtest.Report `json:"report,omitempty"`
}

// RunFunc executes one backtest to completion.
type RunFunc func(ctx context.Context) (*backtest.Report, error)

type runEntry struct {
	status RunStatus
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry schedules backtest runs on a bounded worker pool and tracks their
// lifecycle by run id. Each run executes on its own worker; the pool caps how
// many execute at once and how many may queue behind them.
type Registry struct {
	pool    *concurrency.WorkerPool
	events  core.RunEventSink
	logger  core.ILogger
	history int

	mu       sync.RWMutex
	runs     map[string]*runEntry
	finished []string
}

// defaultRunHistory bounds finished runs kept queryable when the caller
// passes no limit.
const defaultRunHistory = 256

// NewRegistry builds a registry over the pool. Lifecycle events go to the
// sink when one is given; nil disables them. historyLimit caps how many
// finished runs stay queryable; zero means defaultRunHistory. Pending and
// running entries never count against the cap.
func NewRegistry(pool *concurrency.WorkerPool, events core.RunEventSink, logger core.ILogger, historyLimit int) *Registry {
	if historyLimit <= 0 {
		historyLimit = defaultRunHistory
	}
	return &Registry{
		pool:    pool,
		events:  events,
		logger:  logger.WithField("component", "run_registry"),
		history: historyLimit,
		runs:    make(map[string]*runEntry),
	}
}

// Submit registers the run and schedules it on the pool. It returns an error
// when the id is taken or the pool is saturated; a refused run leaves no
// registry entry behind.
func (r *Registry) Submit(runID, symbol string, task RunFunc) error {
	runCtx, cancel := context.WithCancel(context.Background())
	entry := &runEntry{
		status: RunStatus{
			RunID:       runID,
			Symbol:      symbol,
			State:       RunStatePending,
			SubmittedAt: time.Now().Unix(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.runs[runID]; exists {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("run %q already exists", runID)
	}
	r.runs[runID] = entry
	r.mu.Unlock()

	err := r.pool.Submit(func() { r.execute(runCtx, runID, task) })
	if err != nil {
		r.mu.Lock()
		delete(r.runs, runID)
		r.mu.Unlock()
		cancel()
		return err
	}
	r.logger.Info("Run submitted", "run_id", runID, "symbol", symbol)
	return nil
}

func (r *Registry) execute(ctx context.Context, runID string, task RunFunc) {
	holder := telemetry.GetGlobalMetrics()
	holder.IncActiveRuns()
	started := time.Now()

	r.mu.Lock()
	if entry, ok := r.runs[runID]; ok {
		entry.status.State = RunStateRunning
		entry.status.StartedAt = started.Unix()
	}
	r.mu.Unlock()
	if r.events != nil {
		r.events.RunEvent(runID, "run_started", nil)
	}

	report, err := task(ctx)

	holder.DecActiveRuns()
	elapsed := time.Since(started)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	if holder.RunsCompletedTotal != nil {
		holder.RunsCompletedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", outcome)))
	}
	if holder.RunDuration != nil {
		holder.RunDuration.Record(ctx, elapsed.Seconds())
	}

	r.mu.Lock()
	entry, ok := r.runs[runID]
	if ok {
		entry.status.FinishedAt = time.Now().Unix()
		entry.status.Report = report
		entry.err = err
		if err != nil {
			entry.status.State = RunStateFailed
			entry.status.Error = err.Error()
		} else {
			entry.status.State = RunStateDone
		}
		r.finished = append(r.finished, runID)
		r.evictLocked()
	}
	r.mu.Unlock()
	if r.events != nil {
		r.events.RunEvent(runID, "run_finished", outcome)
	}
	if ok {
		close(entry.done)
	}

	if err != nil {
		r.logger.Error("Run failed", "run_id", runID, "elapsed", elapsed.String(), "error", err)
		return
	}
	r.logger.Info("Run finished", "run_id", runID, "elapsed", elapsed.String())
}

// evictLocked drops the oldest finished runs once the history cap is
// exceeded. Caller holds r.mu.
func (r *Registry) evictLocked() {
	for len(r.finished) > r.history {
		oldest := r.finished[0]
		r.finished = r.finished[1:]
		delete(r.runs, oldest)
		r.logger.Debug("Evicted finished run", "run_id", oldest)
	}
}

// Wait blocks until the run finishes or the caller's context ends, then
// returns the run's report and error.
func (r *Registry) Wait(ctx context.Context, runID string) (*backtest.Report, error) {
	r.mu.RLock()
	entry, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("run %q not found", runID)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-entry.done:
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return entry.status.Report, entry.err
}

// Status returns the run's lifecycle snapshot.
func (r *Registry) Status(runID string) (RunStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.runs[runID]
	if !ok {
		return RunStatus{}, false
	}
	return entry.status, true
}

// Has reports whether the registry knows the run.
func (r *Registry) Has(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runs[runID]
	return ok
}

// Count returns how many runs the registry holds, finished ones included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// Close cancels every unfinished run and waits for the pool to drain.
func (r *Registry) Close() {
	r.mu.Lock()
	for _, entry := range r.runs {
		entry.cancel()
	}
	r.mu.Unlock()
	r.pool.Stop()
}
