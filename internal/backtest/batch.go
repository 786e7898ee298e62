package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
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

const defaultSampleInterval = time.Hour

// BatchConfig carries one order-replay run: a fixed order list placed at the
// window start, then candles replayed through to the end with no strategy in
// the loop.
type BatchConfig struct {
	RunID          string
	Symbol         string
	StartTime      int64
	EndTime        int64
	FeeRate        decimal.Decimal
	InitialBalance decimal.Decimal
	MarketFill     match.MarketFillMode
	EngineVersion  string
	SlippageModel  string
	Orders         []OrderIntent
	// SampleInterval spaces the equity curve points. Defaults to one hour.
	SampleInterval time.Duration
}

// BatchDeps are the collaborators a replay needs. Store and Events may be
// nil; Candles and Logger are required.
type BatchDeps struct {
	Candles core.CandleSource
	Store   core.IStateStore
	Events  core.RunEventSink
	Logger  core.ILogger
}

// BatchRunner replays a fixed order list against a candle window. It shares
// the matching engine with the orchestrated path but never calls a strategy,
// so two replays over the same window and order list are identical.
type BatchRunner struct {
	cfg    BatchConfig
	deps   BatchDeps
	logger core.ILogger
	tracer trace.Tracer
}

// NewBatch validates the configuration and builds a replay runner. A missing
// run id is generated.
func NewBatch(cfg BatchConfig, deps BatchDeps) (*BatchRunner, error) {
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
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
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaultSampleInterval
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
	if deps.Candles == nil || deps.Logger == nil {
		return nil, errors.New("candle source and logger are required")
	}
	return &BatchRunner{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.WithField("component", "batch").WithField("run_id", cfg.RunID),
		tracer: telemetry.GetTracer("backtest-batch"),
	}, nil
}

// RunID returns the effective run id after defaulting.
func (b *BatchRunner) RunID() string { return b.cfg.RunID }

// Run places the order list at the window start and replays candles through
// to the end. Coverage is verified before any order is placed; a gap aborts
// with no state written. Rejected orders become diagnostics and the replay
// continues. Fatal engine errors abort mid-run, returning the partial report
// alongside the error.
func (b *BatchRunner) Run(ctx context.Context) (*Report, error) {
	ctx, span := b.tracer.Start(ctx, "backtest.run_orders", trace.WithAttributes(
		attribute.String("run_id", b.cfg.RunID),
		attribute.String("symbol", b.cfg.Symbol),
	))
	defer span.End()

	b.logger.Info("Order replay starting",
		"symbol", b.cfg.Symbol,
		"from", b.cfg.StartTime,
		"to", b.cfg.EndTime,
		"orders", len(b.cfg.Orders))

	run := runner.New(b.deps.Candles, nil, b.deps.Logger)
	preloadFrom := b.cfg.StartTime - runner.IndicatorLookback*60
	if err := run.Preload(ctx, []string{b.cfg.Symbol}, preloadFrom, b.cfg.EndTime); err != nil {
		return nil, fmt.Errorf("preload candles: %w", err)
	}
	if err := run.VerifyCoverage(b.cfg.Symbol, b.cfg.StartTime, b.cfg.EndTime); err != nil {
		return nil, err
	}

	w := wallet.New(b.cfg.RunID, b.cfg.InitialBalance)
	recorder := newRecordingFeed(run)
	eng := match.New(w, recorder, run, b.deps.Store, match.Config{
		Symbols:    []string{b.cfg.Symbol},
		FeeRate:    b.cfg.FeeRate,
		MarketFill: b.cfg.MarketFill,
	}, b.deps.Logger)
	eng.StartAt(b.cfg.StartTime)

	holder := telemetry.GetGlobalMetrics()
	defer holder.ClearRun(b.cfg.RunID)
	eng.OnTrade(func(t core.Trade) {
		if holder.FillsTotal != nil {
			holder.FillsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("symbol", t.Symbol)))
		}
		if b.deps.Events != nil {
			b.deps.Events.RunEvent(b.cfg.RunID, "fill", t)
		}
	})

	// Orders are stamped with the session clock, so it must sit at the
	// window start before the first placement.
	if err := run.SetCurrentTime(b.cfg.StartTime); err != nil {
		return nil, err
	}
	if px, ok := run.LastClose(b.cfg.Symbol, b.cfg.StartTime); ok {
		eng.SetMark(b.cfg.Symbol, px)
	} else {
		b.logger.Warn("No candle at or before window start, mark unset",
			"symbol", b.cfg.Symbol, "timestamp", b.cfg.StartTime)
	}

	var diags []string
	var placed int
	for _, intent := range b.cfg.Orders {
		parent, err := eng.Place(ctx, intent.Request)
		if err != nil {
			diags = append(diags, fmt.Sprintf("t=%d place %s %s %s: %v",
				b.cfg.StartTime, intent.Request.Side, intent.Request.Type, intent.Request.Symbol, err))
			continue
		}
		placed++
		for _, req := range intent.Children(parent) {
			if _, err := eng.Place(ctx, req); err != nil {
				diags = append(diags, fmt.Sprintf("t=%d place %s child of %d: %v",
					b.cfg.StartTime, req.Type, parent.ID, err))
				continue
			}
			placed++
		}
	}

	sample := int64(b.cfg.SampleInterval / time.Second)
	var (
		curve  []core.EquityPoint
		runErr error
	)
	for t := b.cfg.StartTime; t < b.cfg.EndTime; {
		if err := ctx.Err(); err != nil {
			b.logger.Warn("Replay cancelled", "timestamp", t)
			runErr = err
			break
		}
		tNext := t + sample
		if tNext > b.cfg.EndTime {
			tNext = b.cfg.EndTime
		}
		if err := eng.AdvanceTo(ctx, tNext); err != nil {
			runErr = err
			break
		}
		equity := eng.Equity()
		curve = append(curve, core.EquityPoint{Timestamp: tNext, Equity: equity})
		equityF, _ := equity.Float64()
		var posF float64
		if pos := w.Position(b.cfg.Symbol); pos != nil {
			posF, _ = pos.Size.Float64()
		}
		holder.SetEquity(b.cfg.RunID, equityF)
		holder.SetOpenOrders(b.cfg.RunID, int64(len(w.OpenOrders())))
		holder.SetPositionSize(b.cfg.RunID, posF)
		t = tNext
	}

	report := b.buildReport(w, eng, recorder, curve, diags)
	if runErr != nil {
		span.RecordError(runErr)
		b.logger.Error("Order replay aborted", "error", runErr)
		return report, runErr
	}
	b.logger.Info("Order replay finished",
		"orders_placed", placed,
		"fills", len(report.Trades),
		"final_equity", report.FinalEquity)
	return report, nil
}

func (b *BatchRunner) buildReport(w *wallet.Wallet, eng *match.Engine, rec *recordingFeed, curve []core.EquityPoint, diags []string) *Report {
	snap := w.Snapshot(b.cfg.EndTime)
	completed := PairTrades(snap.Trades, snap.Orders)
	inPosition, totalBars := eng.ExposureBars()
	final := eng.Equity()

	metrics := ComputeMetrics(MetricsInput{
		Trades:         completed,
		Fills:          snap.Trades,
		EquityCurve:    curve,
		InitialEquity:  b.cfg.InitialBalance,
		StartTime:      b.cfg.StartTime,
		EndTime:        b.cfg.EndTime,
		BarsInPosition: inPosition,
		BarsTotal:      totalBars,
	})

	mode := b.cfg.MarketFill
	if mode == "" {
		mode = match.MarketFillOpen
	}
	cfgJSON, _ := json.Marshal(batchConfigSnapshot{
		Symbol:         b.cfg.Symbol,
		StartTime:      b.cfg.StartTime,
		EndTime:        b.cfg.EndTime,
		Orders:         len(b.cfg.Orders),
		FeeRate:        b.cfg.FeeRate.String(),
		InitialBalance: b.cfg.InitialBalance.String(),
		MarketFill:     string(mode),
	})

	return &Report{
		RunID:           b.cfg.RunID,
		Symbol:          b.cfg.Symbol,
		StartTime:       b.cfg.StartTime,
		EndTime:         b.cfg.EndTime,
		InitialEquity:   b.cfg.InitialBalance,
		FinalEquity:     final,
		TotalPnL:        final.Sub(b.cfg.InitialBalance),
		TotalTrades:     len(completed),
		Trades:          snap.Trades,
		CompletedTrades: completed,
		EquityCurve:     curve,
		Metrics:         metrics,
		Reproducibility: Reproducibility{
			DataHash:       rec.DataHash(),
			CandleRows:     rec.Rows(),
			StrategyConfig: string(cfgJSON),
			EngineVersion:  b.cfg.EngineVersion,
			FeeRate:        b.cfg.FeeRate,
			SlippageModel:  b.cfg.SlippageModel,
		},
		WinRateDefinition:  winRateDefinition,
		BreakevenThreshold: breakevenThreshold,
		Diagnostics:        diags,
	}
}

// batchConfigSnapshot is the verbatim replay configuration echoed into the
// report.
type batchConfigSnapshot struct {
	Symbol         string `json:"symbol"`
	StartTime      int64  `json:"start_time"`
	EndTime        int64  `json:"end_time"`
	Orders         int    `json:"orders"`
	FeeRate        string `json:"fee_rate"`
	InitialBalance string `json:"initial_balance"`
	MarketFill     string `json:"market_fill"`
}
