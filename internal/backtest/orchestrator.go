package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"virtual_exchange/internal/core"
	"virtual_exchange/internal/exchange/match"
	"virtual_exchange/internal/exchange/runner"
	"virtual_exchange/internal/exchange/wallet"
	"virtual_exchange/pkg/telemetry"
)

const (
	defaultDecisionInterval = 4 * time.Hour
	defaultInitialBalance   = "10000"
	defaultEngineVersion    = "dev"
)

// Config carries one run's parameters. Zero values fall back to the
// defaults during New.
type Config struct {
	RunID            string
	Symbol           string
	StartTime        int64
	EndTime          int64
	DecisionInterval time.Duration
	FeeRate          decimal.Decimal
	InitialBalance   decimal.Decimal
	MarketFill       match.MarketFillMode
	EngineVersion    string
	SlippageModel    string
	StrategyURL      string
}

// Deps are the collaborators a run needs. Store and Events may be nil;
// Candles, Strategy and Logger are required.
type Deps struct {
	Candles  core.CandleSource
	News     core.NewsSource
	Strategy core.IStrategyClient
	Store    core.IStateStore
	Events   core.RunEventSink
	Logger   core.ILogger
}

// Orchestrator walks one run's decision loop: advance the virtual clock,
// ask the strategy, apply its orders, replay candles up to the next
// decision boundary, record equity. Runs are single-goroutine; launch one
// Orchestrator per run for parallelism.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger core.ILogger

	tracer        trace.Tracer
	stepCounter   metric.Int64Counter
	orderCounter  metric.Int64Counter
	rejectCounter metric.Int64Counter
	stepLatency   metric.Float64Histogram
}

// New validates the configuration and builds an orchestrator for one run.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.DecisionInterval <= 0 {
		cfg.DecisionInterval = defaultDecisionInterval
	}
	if cfg.InitialBalance.IsZero() {
		cfg.InitialBalance, _ = decimal.NewFromString(defaultInitialBalance)
	}
	if cfg.SlippageModel == "" {
		cfg.SlippageModel = defaultSlippageModel
	}
	if cfg.EngineVersion == "" {
		cfg.EngineVersion = defaultEngineVersion
	}
	if cfg.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if cfg.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if cfg.StartTime >= cfg.EndTime {
		return nil, fmt.Errorf("start_time %d must be before end_time %d", cfg.StartTime, cfg.EndTime)
	}
	if !cfg.InitialBalance.IsPositive() {
		return nil, errors.New("initial balance must be positive")
	}
	if cfg.FeeRate.IsNegative() {
		return nil, errors.New("fee rate must not be negative")
	}
	if deps.Candles == nil || deps.Strategy == nil || deps.Logger == nil {
		return nil, errors.New("candle source, strategy client and logger are required")
	}

	tracer := telemetry.GetTracer("backtest-orchestrator")
	meter := telemetry.GetMeter("backtest-orchestrator")

	stepCounter, _ := meter.Int64Counter("virtual_exchange_backtest_steps_total",
		metric.WithDescription("Total number of decision steps executed"))
	orderCounter, _ := meter.Int64Counter("virtual_exchange_orders_placed_total",
		metric.WithDescription("Total number of orders accepted by the engine"))
	rejectCounter, _ := meter.Int64Counter("virtual_exchange_orders_rejected_total",
		metric.WithDescription("Total number of orders and cancels rejected by the engine"))
	stepLatency, _ := meter.Float64Histogram("virtual_exchange_step_duration_seconds",
		metric.WithDescription("Wall-clock latency of one decision step in seconds"))

	return &Orchestrator{
		cfg:           cfg,
		deps:          deps,
		logger:        deps.Logger.WithField("component", "orchestrator").WithField("run_id", cfg.RunID),
		tracer:        tracer,
		stepCounter:   stepCounter,
		orderCounter:  orderCounter,
		rejectCounter: rejectCounter,
		stepLatency:   stepLatency,
	}, nil
}

// Run executes the whole backtest. Coverage is verified before any order is
// placed; a gap aborts with no state written. Strategy failures are soft:
// the step places no orders and the run continues. Fatal engine errors
// abort mid-run, returning the partial report alongside the error.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	ctx, span := o.tracer.Start(ctx, "backtest.run", trace.WithAttributes(
		attribute.String("run_id", o.cfg.RunID),
		attribute.String("symbol", o.cfg.Symbol),
	))
	defer span.End()

	started := time.Now()
	o.logger.Info("Backtest run starting",
		"symbol", o.cfg.Symbol,
		"from", o.cfg.StartTime,
		"to", o.cfg.EndTime,
		"interval", o.cfg.DecisionInterval.String())

	// History ahead of the start feeds first-step marks and indicator
	// windows; coverage is only enforced inside the run window itself.
	run := runner.New(o.deps.Candles, o.deps.News, o.deps.Logger)
	preloadFrom := o.cfg.StartTime - runner.IndicatorLookback*60
	if err := run.Preload(ctx, []string{o.cfg.Symbol}, preloadFrom, o.cfg.EndTime); err != nil {
		return nil, fmt.Errorf("preload candles: %w", err)
	}
	if err := run.VerifyCoverage(o.cfg.Symbol, o.cfg.StartTime, o.cfg.EndTime); err != nil {
		return nil, err
	}

	w := wallet.New(o.cfg.RunID, o.cfg.InitialBalance)
	recorder := newRecordingFeed(run)
	eng := match.New(w, recorder, run, o.deps.Store, match.Config{
		Symbols:    []string{o.cfg.Symbol},
		FeeRate:    o.cfg.FeeRate,
		MarketFill: o.cfg.MarketFill,
	}, o.deps.Logger)
	eng.StartAt(o.cfg.StartTime)

	holder := telemetry.GetGlobalMetrics()
	defer holder.ClearRun(o.cfg.RunID)
	eng.OnTrade(func(t core.Trade) {
		if holder.FillsTotal != nil {
			holder.FillsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("symbol", t.Symbol)))
		}
		if o.deps.Events != nil {
			o.deps.Events.RunEvent(o.cfg.RunID, "fill", t)
		}
	})

	known := map[string]bool{o.cfg.Symbol: true}
	interval := int64(o.cfg.DecisionInterval / time.Second)

	var (
		curve  []core.EquityPoint
		diags  []string
		seq    int
		runErr error
	)

	for t := o.cfg.StartTime; t < o.cfg.EndTime; {
		// Cancellation is honoured between steps only, so every committed
		// step stays whole.
		if err := ctx.Err(); err != nil {
			o.logger.Warn("Run cancelled at decision boundary", "timestamp", t)
			runErr = err
			break
		}
		stepStarted := time.Now()
		if err := run.SetCurrentTime(t); err != nil {
			runErr = err
			break
		}
		if px, ok := run.LastClose(o.cfg.Symbol, t); ok {
			eng.SetMark(o.cfg.Symbol, px)
		} else {
			o.logger.Warn("No candle at or before decision time, mark unset",
				"symbol", o.cfg.Symbol, "timestamp", t)
		}

		var placed int
		var stepDiags []string
		reply, err := o.deps.Strategy.Analyze(ctx, o.cfg.Symbol, t)
		if err != nil {
			stepDiags = append(stepDiags, fmt.Sprintf("t=%d strategy: %v", t, err))
			o.logger.Warn("Strategy call failed, step places no orders",
				"timestamp", t, "error", err)
		} else {
			actions, extractDiags := Extract(reply, known, o.logger)
			for _, d := range extractDiags {
				stepDiags = append(stepDiags, fmt.Sprintf("t=%d %s", t, d))
			}
			placed, stepDiags = o.apply(ctx, eng, t, actions, stepDiags)
		}

		tNext := t + interval
		if tNext > o.cfg.EndTime {
			tNext = o.cfg.EndTime
		}
		if err := eng.AdvanceTo(ctx, tNext); err != nil {
			diags = append(diags, stepDiags...)
			runErr = err
			break
		}

		equity := eng.Equity()
		curve = append(curve, core.EquityPoint{Timestamp: tNext, Equity: equity})
		equityF, _ := equity.Float64()
		var posF float64
		if pos := w.Position(o.cfg.Symbol); pos != nil {
			posF, _ = pos.Size.Float64()
		}
		holder.SetEquity(o.cfg.RunID, equityF)
		holder.SetOpenOrders(o.cfg.RunID, int64(len(w.OpenOrders())))
		holder.SetPositionSize(o.cfg.RunID, posF)
		seq++
		frag := core.StepFragment{
			Seq:          seq,
			Timestamp:    tNext,
			Equity:       equity,
			OrdersPlaced: placed,
			Diagnostics:  stepDiags,
		}
		if o.deps.Store != nil {
			// A lost fragment degrades the progress feed, never the run.
			if err := o.deps.Store.AppendStep(ctx, o.cfg.RunID, frag); err != nil {
				o.logger.Error("Failed to persist step fragment", "seq", seq, "error", err)
			}
		}
		if o.deps.Events != nil {
			o.deps.Events.RunEvent(o.cfg.RunID, "step", frag)
		}
		o.stepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", o.cfg.Symbol)))
		o.stepLatency.Record(ctx, time.Since(stepStarted).Seconds())
		diags = append(diags, stepDiags...)
		t = tNext
	}

	report := o.buildReport(w, eng, recorder, curve, diags)
	if runErr != nil {
		span.RecordError(runErr)
		o.logger.Error("Backtest run aborted", "error", runErr, "steps", seq)
		return report, runErr
	}
	o.logger.Info("Backtest run finished",
		"steps", seq,
		"fills", len(report.Trades),
		"completed_trades", report.TotalTrades,
		"final_equity", report.FinalEquity,
		"elapsed", time.Since(started).String())
	return report, nil
}

// apply executes the extracted actions in declaration order. Rejections are
// recorded as diagnostics; the step keeps going.
func (o *Orchestrator) apply(ctx context.Context, eng *match.Engine, t int64, actions []Action, diags []string) (int, []string) {
	var placed int
	for _, act := range actions {
		if act.Place == nil {
			if _, err := eng.Cancel(ctx, act.Cancel); err != nil {
				diags = append(diags, fmt.Sprintf("t=%d cancel oid=%d: %v", t, act.Cancel, err))
				o.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "cancel")))
			}
			continue
		}
		intent := act.Place
		parent, err := eng.Place(ctx, intent.Request)
		if err != nil {
			diags = append(diags, fmt.Sprintf("t=%d place %s %s %s: %v",
				t, intent.Request.Side, intent.Request.Type, intent.Request.Symbol, err))
			o.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "place")))
			continue
		}
		placed++
		o.orderCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(parent.Type))))
		placed, diags = o.protect(ctx, eng, t, parent, intent, placed, diags)
	}
	return placed, diags
}

// protect places the take-profit and stop-loss children of an accepted
// parent. A rejected child becomes a diagnostic; its sibling still stands.
func (o *Orchestrator) protect(ctx context.Context, eng *match.Engine, t int64, parent *core.Order, intent *OrderIntent, placed int, diags []string) (int, []string) {
	for _, req := range intent.Children(parent) {
		if _, err := eng.Place(ctx, req); err != nil {
			diags = append(diags, fmt.Sprintf("t=%d place %s child of %d: %v", t, req.Type, parent.ID, err))
			o.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "place")))
			continue
		}
		placed++
		o.orderCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(req.Type))))
	}
	return placed, diags
}

func (o *Orchestrator) buildReport(w *wallet.Wallet, eng *match.Engine, rec *recordingFeed, curve []core.EquityPoint, diags []string) *Report {
	snap := w.Snapshot(o.cfg.EndTime)
	completed := PairTrades(snap.Trades, snap.Orders)
	inPosition, totalBars := eng.ExposureBars()
	final := eng.Equity()

	metrics := ComputeMetrics(MetricsInput{
		Trades:         completed,
		Fills:          snap.Trades,
		EquityCurve:    curve,
		InitialEquity:  o.cfg.InitialBalance,
		StartTime:      o.cfg.StartTime,
		EndTime:        o.cfg.EndTime,
		BarsInPosition: inPosition,
		BarsTotal:      totalBars,
	})

	return &Report{
		RunID:              o.cfg.RunID,
		Symbol:             o.cfg.Symbol,
		StartTime:          o.cfg.StartTime,
		EndTime:            o.cfg.EndTime,
		InitialEquity:      o.cfg.InitialBalance,
		FinalEquity:        final,
		TotalPnL:           final.Sub(o.cfg.InitialBalance),
		TotalTrades:        len(completed),
		Trades:             snap.Trades,
		CompletedTrades:    completed,
		EquityCurve:        curve,
		Metrics:            metrics,
		Reproducibility:    o.reproducibility(rec),
		WinRateDefinition:  winRateDefinition,
		BreakevenThreshold: breakevenThreshold,
		Diagnostics:        diags,
	}
}

// runConfigSnapshot is the verbatim configuration echoed into the report.
type runConfigSnapshot struct {
	Symbol           string `json:"symbol"`
	StartTime        int64  `json:"start_time"`
	EndTime          int64  `json:"end_time"`
	DecisionInterval int64  `json:"decision_interval_seconds"`
	StrategyURL      string `json:"strategy_url,omitempty"`
	FeeRate          string `json:"fee_rate"`
	InitialBalance   string `json:"initial_balance"`
	MarketFill       string `json:"market_fill"`
}

func (o *Orchestrator) reproducibility(rec *recordingFeed) Reproducibility {
	mode := o.cfg.MarketFill
	if mode == "" {
		mode = match.MarketFillOpen
	}
	cfgJSON, _ := json.Marshal(runConfigSnapshot{
		Symbol:           o.cfg.Symbol,
		StartTime:        o.cfg.StartTime,
		EndTime:          o.cfg.EndTime,
		DecisionInterval: int64(o.cfg.DecisionInterval / time.Second),
		StrategyURL:      o.cfg.StrategyURL,
		FeeRate:          o.cfg.FeeRate.String(),
		InitialBalance:   o.cfg.InitialBalance.String(),
		MarketFill:       string(mode),
	})
	return Reproducibility{
		DataHash:       rec.DataHash(),
		CandleRows:     rec.Rows(),
		StrategyConfig: string(cfgJSON),
		EngineVersion:  o.cfg.EngineVersion,
		FeeRate:        o.cfg.FeeRate,
		SlippageModel:  o.cfg.SlippageModel,
	}
}
