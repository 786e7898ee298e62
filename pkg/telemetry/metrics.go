package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricEquity             = "virtual_exchange_equity"
	MetricOpenOrders         = "virtual_exchange_open_orders"
	MetricPositionSize       = "virtual_exchange_position_size"
	MetricRunsActive         = "virtual_exchange_runs_active"
	MetricRunsCompletedTotal = "virtual_exchange_runs_completed_total"
	MetricFillsTotal         = "virtual_exchange_fills_total"
	MetricRunDuration        = "virtual_exchange_run_duration_seconds"
	MetricCandleRowsTotal    = "virtual_exchange_candle_rows_total"
)

// MetricsHolder holds initialized instruments. Observable gauges are keyed by
// run_id; entries must be cleared when a run finishes or they linger in the
// scrape output.
type MetricsHolder struct {
	Equity             metric.Float64ObservableGauge
	OpenOrders         metric.Int64ObservableGauge
	PositionSize       metric.Float64ObservableGauge
	RunsActive         metric.Int64ObservableGauge
	RunsCompletedTotal metric.Int64Counter
	FillsTotal         metric.Int64Counter
	RunDuration        metric.Float64Histogram
	CandleRowsTotal    metric.Int64Counter

	// State for observable gauges
	mu              sync.RWMutex
	equityMap       map[string]float64
	openOrdersMap   map[string]int64
	positionSizeMap map[string]float64
	activeRuns      int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			equityMap:       make(map[string]float64),
			openOrdersMap:   make(map[string]int64),
			positionSizeMap: make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.RunsCompletedTotal, err = meter.Int64Counter(MetricRunsCompletedTotal, metric.WithDescription("Total finished backtest runs by status"))
	if err != nil {
		return err
	}

	m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal, metric.WithDescription("Total simulated fills"))
	if err != nil {
		return err
	}

	m.RunDuration, err = meter.Float64Histogram(MetricRunDuration, metric.WithDescription("Wall-clock duration of a backtest run"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.CandleRowsTotal, err = meter.Int64Counter(MetricCandleRowsTotal, metric.WithDescription("Total candle rows loaded from data sources"))
	if err != nil {
		return err
	}

	// Observables
	m.Equity, err = meter.Float64ObservableGauge(MetricEquity, metric.WithDescription("Current mark-to-market equity of a run"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for runID, val := range m.equityMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("run_id", runID)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenOrders, err = meter.Int64ObservableGauge(MetricOpenOrders, metric.WithDescription("Number of currently open virtual orders in a run"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for runID, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("run_id", runID)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current signed position size of a run"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for runID, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("run_id", runID)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RunsActive, err = meter.Int64ObservableGauge(MetricRunsActive, metric.WithDescription("Number of backtest runs currently executing"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.activeRuns)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetEquity(runID string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equityMap[runID] = value
}

func (m *MetricsHolder) SetOpenOrders(runID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[runID] = count
}

func (m *MetricsHolder) SetPositionSize(runID string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[runID] = size
}

// ClearRun drops a finished run's gauge entries.
func (m *MetricsHolder) ClearRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.equityMap, runID)
	delete(m.openOrdersMap, runID)
	delete(m.positionSizeMap, runID)
}

func (m *MetricsHolder) IncActiveRuns() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeRuns++
}

func (m *MetricsHolder) DecActiveRuns() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeRuns > 0 {
		m.activeRuns--
	}
}

func (m *MetricsHolder) GetActiveRuns() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeRuns
}

func (m *MetricsHolder) GetEquity() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.equityMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetOpenOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openOrdersMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.positionSizeMap {
		res[k] = v
	}
	return res
}
