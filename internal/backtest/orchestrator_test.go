package backtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtual_exchange/internal/core"
	"virtual_exchange/internal/data"
	"virtual_exchange/internal/store"
	apperrors "virtual_exchange/pkg/errors"
	"virtual_exchange/pkg/logging"
)

// runStart is a minute-aligned timestamp; each run below gets one candle of
// history ahead of it so the first decision has a mark price.
const runStart = int64(1_700_000_100)

func bCandle(open int64, o, h, l, c string) core.Candle {
	return core.Candle{
		Symbol:   "BTCUSDT",
		Interval: core.Interval1m,
		OpenTime: open,
		Open:     dec(o),
		High:     dec(h),
		Low:      dec(l),
		Close:    dec(c),
		Volume:   dec("1"),
	}
}

// scriptedStrategy replies from a fixed script keyed by decision timestamp.
type scriptedStrategy struct {
	mu      sync.Mutex
	calls   int
	replies map[int64]*core.StrategyReply
	err     error
}

func (s *scriptedStrategy) Analyze(_ context.Context, _ string, ts int64) (*core.StrategyReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if r, ok := s.replies[ts]; ok {
		return r, nil
	}
	return &core.StrategyReply{}, nil
}

func (s *scriptedStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type captureSink struct {
	mu     sync.Mutex
	events []string
}

func (c *captureSink) RunEvent(_ string, event string, _ interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureSink) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == event {
			n++
		}
	}
	return n
}

func placeReply(args core.ToolArguments) *core.StrategyReply {
	return &core.StrategyReply{ToolCalls: []core.ToolCall{{Tool: "placeOrder", Arguments: args}}}
}

func cancelReply(oid int64) *core.StrategyReply {
	return &core.StrategyReply{ToolCalls: []core.ToolCall{{Tool: "cancelOrder", Arguments: core.ToolArguments{Oid: oid}}}}
}

func runConfig(end int64) Config {
	return Config{
		RunID:            "run-1",
		Symbol:           "BTCUSDT",
		StartTime:        runStart,
		EndTime:          end,
		DecisionInterval: 5 * time.Minute,
		InitialBalance:   dec("10000"),
	}
}

// risingSource returns one history candle plus five window candles whose
// closes step 100 through 104.
func risingSource() *data.MemoryCandleSource {
	src := data.NewMemoryCandleSource()
	src.Add(
		bCandle(runStart-60, "100", "100", "100", "100"),
		bCandle(runStart, "100", "100", "100", "100"),
		bCandle(runStart+60, "100", "101", "100", "101"),
		bCandle(runStart+120, "102", "103", "101", "102"),
		bCandle(runStart+180, "103", "104", "102", "103"),
		bCandle(runStart+240, "104", "105", "103", "104"),
	)
	return src
}

func flatSource(minutes int) *data.MemoryCandleSource {
	src := data.NewMemoryCandleSource()
	src.Add(bCandle(runStart-60, "100", "100", "100", "100"))
	for i := 0; i < minutes; i++ {
		src.Add(bCandle(runStart+int64(i)*60, "100", "100", "99", "100"))
	}
	return src
}

func TestRunMarketBuyTracksEquity(t *testing.T) {
	strat := &scriptedStrategy{replies: map[int64]*core.StrategyReply{
		runStart: placeReply(core.ToolArguments{Coin: "BTC", IsBuy: true, Sz: dec("1")}),
	}}
	orch, err := New(runConfig(runStart+300), Deps{
		Candles:  risingSource(),
		Strategy: strat,
		Logger:   logging.NewNopLogger(),
	})
	require.NoError(t, err)

	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)

	// Placed at the decision time, so the order sits out the candle that
	// contains it and fills at the next one's open.
	require.Len(t, report.Trades, 1)
	assertDec(t, "100", report.Trades[0].Price)
	assert.Equal(t, runStart+120, report.Trades[0].Timestamp)
	assertDec(t, "-1", report.Trades[0].Slippage)

	assertDec(t, "10004", report.FinalEquity)
	assertDec(t, "4", report.TotalPnL)
	require.Len(t, report.EquityCurve, 1)
	assert.Equal(t, runStart+300, report.EquityCurve[0].Timestamp)
	assertDec(t, "10004", report.EquityCurve[0].Equity)

	// Position opens after the second candle closes: 4 of 5 bars exposed.
	assert.InDelta(t, 0.8, report.Metrics.Exposure, 1e-9)
	assert.InDelta(t, 0.01, report.Metrics.Turnover, 1e-9)

	assert.Equal(t, int64(5), report.Reproducibility.CandleRows)
	assert.Len(t, report.Reproducibility.DataHash, 64)
	assert.Equal(t, "market: fill_price - bar_close, limit: 0", report.Reproducibility.SlippageModel)
	assert.Equal(t, 1, strat.callCount())
	assert.Empty(t, report.Diagnostics)
}

func TestRunTakeProfitCompletesTrade(t *testing.T) {
	src := data.NewMemoryCandleSource()
	src.Add(
		bCandle(runStart-60, "100", "100", "100", "100"),
		bCandle(runStart, "100", "100", "100", "100"),
		bCandle(runStart+60, "100", "101", "99", "101"),
		bCandle(runStart+120, "101", "106", "100", "105"),
		bCandle(runStart+180, "105", "105", "104", "105"),
		bCandle(runStart+240, "105", "105", "104", "105"),
	)
	strat := &scriptedStrategy{replies: map[int64]*core.StrategyReply{
		runStart: placeReply(core.ToolArguments{
			Coin: "BTC", IsBuy: true, Sz: dec("1"),
			Tpsl: &core.TpslArguments{TakeProfitPx: dec("105"), StopLossPx: dec("95")},
		}),
	}}
	orch, err := New(runConfig(runStart+300), Deps{
		Candles:  src,
		Strategy: strat,
		Logger:   logging.NewNopLogger(),
	})
	require.NoError(t, err)

	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	// Entry at 100, take-profit exit at its trigger.
	require.Len(t, report.Trades, 2)
	assertDec(t, "100", report.Trades[0].Price)
	assertDec(t, "105", report.Trades[1].Price)
	assertDec(t, "10005", report.FinalEquity)

	require.Len(t, report.CompletedTrades, 1)
	ct := report.CompletedTrades[0]
	assert.Equal(t, "long", ct.Side)
	assertDec(t, "100", ct.AvgEntryPrice)
	assertDec(t, "105", ct.AvgExitPrice)
	assertDec(t, "5", ct.PnL)
	require.NotNil(t, ct.RMultiple)
	assert.InDelta(t, 1.0, *ct.RMultiple, 1e-9)

	assert.Equal(t, 1, report.Metrics.WinCount)
	assert.InDelta(t, 1.0, report.Metrics.WinRate, 1e-9)
}

func TestRunDataGapAbortsBeforeAnyOrder(t *testing.T) {
	src := data.NewMemoryCandleSource()
	src.Add(
		bCandle(runStart-60, "100", "100", "100", "100"),
		bCandle(runStart, "100", "100", "100", "100"),
		bCandle(runStart+60, "100", "101", "100", "101"),
		// Minute at runStart+120 missing.
		bCandle(runStart+180, "103", "104", "102", "103"),
		bCandle(runStart+240, "104", "105", "103", "104"),
	)
	strat := &scriptedStrategy{}
	orch, err := New(runConfig(runStart+300), Deps{
		Candles:  src,
		Strategy: strat,
		Logger:   logging.NewNopLogger(),
	})
	require.NoError(t, err)

	report, err := orch.Run(context.Background())
	assert.Nil(t, report)
	require.ErrorIs(t, err, apperrors.ErrDataGap)
	assert.Equal(t, 0, strat.callCount())
}

func TestRunStrategyFailureIsSoft(t *testing.T) {
	strat := &scriptedStrategy{
		err: fmt.Errorf("%w: context deadline exceeded", apperrors.ErrStrategyTimeout),
	}
	orch, err := New(runConfig(runStart+600), Deps{
		Candles:  flatSource(10),
		Strategy: strat,
		Logger:   logging.NewNopLogger(),
	})
	require.NoError(t, err)

	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, report.Trades)
	assertDec(t, "10000", report.FinalEquity)
	require.Len(t, report.EquityCurve, 2)
	assertDec(t, "10000", report.EquityCurve[0].Equity)
	assertDec(t, "10000", report.EquityCurve[1].Equity)

	assert.Equal(t, 2, strat.callCount())
	require.Len(t, report.Diagnostics, 2)
	assert.Contains(t, report.Diagnostics[0], "strategy:")
	assert.Contains(t, report.Diagnostics[0], "timeout")
}

func TestRunIsDeterministic(t *testing.T) {
	runOnce := func() *Report {
		strat := &scriptedStrategy{replies: map[int64]*core.StrategyReply{
			runStart: placeReply(core.ToolArguments{Coin: "BTC", IsBuy: true, Sz: dec("1")}),
		}}
		orch, err := New(runConfig(runStart+300), Deps{
			Candles:  risingSource(),
			Strategy: strat,
			Logger:   logging.NewNopLogger(),
		})
		require.NoError(t, err)
		report, err := orch.Run(context.Background())
		require.NoError(t, err)
		return report
	}

	first := runOnce()
	second := runOnce()

	assert.Equal(t, first.Reproducibility.DataHash, second.Reproducibility.DataHash)
	assert.Equal(t, first.Reproducibility.CandleRows, second.Reproducibility.CandleRows)
	assert.Equal(t, first.Reproducibility.StrategyConfig, second.Reproducibility.StrategyConfig)
	assert.True(t, first.FinalEquity.Equal(second.FinalEquity))
	assert.Equal(t, len(first.Trades), len(second.Trades))
	assert.Equal(t, len(first.EquityCurve), len(second.EquityCurve))
}

func TestRunCancelFlow(t *testing.T) {
	strat := &scriptedStrategy{replies: map[int64]*core.StrategyReply{
		runStart:       placeReply(core.ToolArguments{Coin: "BTC", IsBuy: true, Sz: dec("1"), LimitPx: dec("90")}),
		runStart + 300: cancelReply(1),
	}}
	sink := &captureSink{}
	orch, err := New(runConfig(runStart+600), Deps{
		Candles:  flatSource(10),
		Strategy: strat,
		Events:   sink,
		Logger:   logging.NewNopLogger(),
	})
	require.NoError(t, err)

	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	// The resting buy at 90 never crosses the 99 lows and its cancel lands.
	assert.Empty(t, report.Trades)
	assert.Empty(t, report.Diagnostics)
	assertDec(t, "10000", report.FinalEquity)
	assert.Equal(t, 2, sink.count("step"))
	assert.Equal(t, 0, sink.count("fill"))
}

func TestRunCancelUnknownOrderIsDiagnosed(t *testing.T) {
	strat := &scriptedStrategy{replies: map[int64]*core.StrategyReply{
		runStart: cancelReply(99),
	}}
	orch, err := New(runConfig(runStart+300), Deps{
		Candles:  flatSource(5),
		Strategy: strat,
		Logger:   logging.NewNopLogger(),
	})
	require.NoError(t, err)

	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Diagnostics, 1)
	assert.Contains(t, report.Diagnostics[0], "cancel oid=99")
}

func TestRunEmitsFillEvents(t *testing.T) {
	strat := &scriptedStrategy{replies: map[int64]*core.StrategyReply{
		runStart: placeReply(core.ToolArguments{Coin: "BTC", IsBuy: true, Sz: dec("1")}),
	}}
	sink := &captureSink{}
	orch, err := New(runConfig(runStart+300), Deps{
		Candles:  risingSource(),
		Strategy: strat,
		Events:   sink,
		Logger:   logging.NewNopLogger(),
	})
	require.NoError(t, err)

	_, err = orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sink.count("fill"))
	assert.Equal(t, 1, sink.count("step"))
}

func TestRunPersistsSnapshotAndSteps(t *testing.T) {
	st := store.NewMemoryStore()
	strat := &scriptedStrategy{replies: map[int64]*core.StrategyReply{
		runStart: placeReply(core.ToolArguments{Coin: "BTC", IsBuy: true, Sz: dec("1")}),
	}}
	orch, err := New(runConfig(runStart+300), Deps{
		Candles:  risingSource(),
		Strategy: strat,
		Store:    st,
		Logger:   logging.NewNopLogger(),
	})
	require.NoError(t, err)

	_, err = orch.Run(context.Background())
	require.NoError(t, err)

	snap, err := st.LoadSnapshot(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.Trades, 1)

	steps, err := st.LoadSteps(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].Seq)
	assert.Equal(t, runStart+300, steps[0].Timestamp)
	assert.Equal(t, 1, steps[0].OrdersPlaced)
}

func TestRunCancelledContextStopsBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	strat := &scriptedStrategy{}
	orch, err := New(runConfig(runStart+300), Deps{
		Candles:  flatSource(5),
		Strategy: strat,
		Logger:   logging.NewNopLogger(),
	})
	require.NoError(t, err)

	report, err := orch.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, 0, strat.callCount())
	assert.Empty(t, report.EquityCurve)
}

func TestNewRejectsBadConfig(t *testing.T) {
	deps := Deps{
		Candles:  data.NewMemoryCandleSource(),
		Strategy: &scriptedStrategy{},
		Logger:   logging.NewNopLogger(),
	}

	bad := runConfig(runStart + 300)
	bad.Symbol = ""
	_, err := New(bad, deps)
	assert.Error(t, err)

	bad = runConfig(runStart)
	_, err = New(bad, deps)
	assert.Error(t, err)

	bad = runConfig(runStart + 300)
	_, err = New(bad, Deps{Candles: deps.Candles, Logger: deps.Logger})
	assert.Error(t, err)
}

func TestRunDefaultsRecordedInReport(t *testing.T) {
	cfg := runConfig(runStart + 300)
	cfg.DecisionInterval = 0
	cfg.InitialBalance = dec("0")
	orch, err := New(cfg, Deps{
		Candles:  flatSource(5),
		Strategy: &scriptedStrategy{},
		Logger:   logging.NewNopLogger(),
	})
	require.NoError(t, err)

	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	assertDec(t, "10000", report.InitialEquity)
	assert.Contains(t, report.Reproducibility.StrategyConfig, `"decision_interval_seconds":14400`)
	assert.Contains(t, report.Reproducibility.StrategyConfig, `"market_fill":"open"`)
	assert.Equal(t, "dev", report.Reproducibility.EngineVersion)
}
