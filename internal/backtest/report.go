// Package backtest drives whole runs: the decision loop that walks the
// virtual clock forward, order extraction from strategy replies, FIFO trade
// pairing and the end-of-run report.
package backtest

import (
	"github.com/shopspring/decimal"

	"virtual_exchange/internal/core"
)

// CompletedTrade is one FIFO-paired round trip: entry lots matched against a
// closing fill, with the initial protective stop captured for the R-multiple.
type CompletedTrade struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	EntryTime     int64           `json:"entry_time"`
	ExitTime      int64           `json:"exit_time"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	AvgExitPrice  decimal.Decimal `json:"avg_exit_price"`
	Fees          decimal.Decimal `json:"fees"`
	Slippage      decimal.Decimal `json:"slippage"`
	PnLBeforeFees decimal.Decimal `json:"pnl_before_fees"`
	PnL           decimal.Decimal `json:"pnl"`
	Duration      int64           `json:"duration"`
	RMultiple     *float64        `json:"r_multiple"`
}

// Reproducibility pins a run's inputs: a digest of every candle row the
// engine consumed plus the configuration needed to replay the run.
type Reproducibility struct {
	DataHash       string          `json:"data_hash"`
	CandleRows     int64           `json:"candle_rows"`
	StrategyConfig string          `json:"strategy_config"`
	EngineVersion  string          `json:"engine_version"`
	FeeRate        decimal.Decimal `json:"fee_rate"`
	SlippageModel  string          `json:"slippage_model"`
}

// Report is the end-of-run result.
type Report struct {
	RunID              string             `json:"run_id"`
	Symbol             string             `json:"symbol"`
	StartTime          int64              `json:"start_time"`
	EndTime            int64              `json:"end_time"`
	InitialEquity      decimal.Decimal    `json:"initial_equity"`
	FinalEquity        decimal.Decimal    `json:"final_equity"`
	TotalPnL           decimal.Decimal    `json:"total_pnl"`
	TotalTrades        int                `json:"total_trades"`
	Trades             []core.Trade       `json:"trades"`
	CompletedTrades    []CompletedTrade   `json:"completed_trades"`
	EquityCurve        []core.EquityPoint `json:"equity_curve"`
	Metrics            PortfolioMetrics   `json:"portfolio_metrics"`
	Reproducibility    Reproducibility    `json:"reproducibility"`
	WinRateDefinition  string             `json:"win_rate_definition"`
	BreakevenThreshold float64            `json:"breakeven_threshold"`
	Diagnostics        []string           `json:"diagnostics,omitempty"`
}
