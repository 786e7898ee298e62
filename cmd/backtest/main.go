// Command backtest runs one backtest from the command line and prints the
// report as a table: either an orchestrated run against a live strategy
// service, or --self-test, which replays a canned scenario against the
// in-process strategy server and checks the known outcome.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"virtual_exchange/internal/backtest"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/data"
	"virtual_exchange/internal/exchange/match"
	"virtual_exchange/internal/mock"
	"virtual_exchange/internal/strategy"
	apperrors "virtual_exchange/pkg/errors"
	"virtual_exchange/pkg/logging"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

var (
	symbolFlag    = flag.String("symbol", "BTCUSDT", "Symbol to backtest")
	startFlag     = flag.String("start", "", "Run start, ISO-8601 UTC (e.g. 2024-01-02T00:00:00Z)")
	endFlag       = flag.String("end", "", "Run end, ISO-8601 UTC")
	intervalFlag  = flag.Float64("interval-hours", 4, "Hours between strategy decisions")
	strategyFlag  = flag.String("strategy-url", "http://localhost:8080", "Strategy service base URL")
	candleDirFlag = flag.String("candle-dir", "./data/candles", "Candle day-file directory")
	newsDirFlag   = flag.String("news-dir", "", "News day-file directory (optional)")
	balanceFlag   = flag.String("balance", "10000", "Initial balance in quote units")
	feeFlag       = flag.String("fee", "0.0005", "Taker fee rate")
	fillFlag      = flag.String("market-fill", "open", "Market fill price: open or close")
	outFlag       = flag.String("out", "", "Write the full report JSON to this file")
	logLevelFlag  = flag.String("log-level", "WARN", "Log level (DEBUG, INFO, WARN, ERROR)")
	selfTestFlag  = flag.Bool("self-test", false, "Run the built-in scenario against the mock strategy server")
	versionFlag   = flag.Bool("version", false, "Show version and exit")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("backtest version %s (built %s)\n", version, buildTime)
		return 0
	}

	// Local overrides from .env, when present.
	_ = godotenv.Load()

	logger, err := logging.NewZapLogger(*logLevelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 2
	}

	if *selfTestFlag {
		return runSelfTest(logger)
	}

	start, err := parseTime("start", *startFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	end, err := parseTime("end", *endFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	balance, err := decimal.NewFromString(*balanceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid balance %q\n", *balanceFlag)
		return 2
	}
	fee, err := decimal.NewFromString(*feeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid fee %q\n", *feeFlag)
		return 2
	}
	if *fillFlag != "open" && *fillFlag != "close" {
		fmt.Fprintf(os.Stderr, "invalid market-fill %q: must be open or close\n", *fillFlag)
		return 2
	}

	candles := data.NewCSVCandleSource(*candleDirFlag, logger)
	var news core.NewsSource = data.NewMemoryNewsSource()
	if *newsDirFlag != "" {
		news = data.NewCSVNewsSource(*newsDirFlag, logger)
	}

	client := strategy.New(strategy.Config{
		URL:       *strategyFlag,
		AuthToken: os.Getenv("STRATEGY_AUTH_TOKEN"),
		Timeout:   120 * time.Second,
		RateLimit: 5,
		Burst:     5,
	}, logger)

	hctx, hcancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = client.Healthcheck(hctx)
	hcancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "strategy service unreachable at %s: %v\n", *strategyFlag, err)
		return 4
	}

	orch, err := backtest.New(backtest.Config{
		RunID:            uuid.New().String(),
		Symbol:           *symbolFlag,
		StartTime:        start.Unix(),
		EndTime:          end.Unix(),
		DecisionInterval: time.Duration(*intervalFlag * float64(time.Hour)),
		FeeRate:          fee,
		InitialBalance:   balance,
		MarketFill:       match.MarketFillMode(*fillFlag),
		EngineVersion:    version,
		StrategyURL:      *strategyFlag,
	}, backtest.Deps{
		Candles:  candles,
		News:     news,
		Strategy: client,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid run: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := orch.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		return exitCode(err)
	}

	printReport(os.Stdout, report)
	if *outFlag != "" {
		if err := writeReport(*outFlag, report); err != nil {
			fmt.Fprintf(os.Stderr, "write report: %v\n", err)
			return 5
		}
	}
	return 0
}

// runSelfTest replays a rising market against the canned strategy server: one
// market buy at the first decision, price stepping 100 through 104. The
// outcome is known exactly, so any drift in the pipeline fails the check.
func runSelfTest(logger core.ILogger) int {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).Unix()

	src := data.NewMemoryCandleSource()
	closes := []string{"100", "101", "102", "103", "104"}
	src.Add(selfTestCandle(start-60, "100"))
	for i, px := range closes {
		src.Add(selfTestCandle(start+int64(i)*60, px))
	}

	srv := mock.NewStrategyServer()
	url, err := srv.Start()
	if err != nil {
		fmt.Fprintf(os.Stderr, "self-test: start mock strategy: %v\n", err)
		return 5
	}
	defer srv.Close()
	srv.Script(start, &core.StrategyReply{ToolCalls: []core.ToolCall{{
		Tool:      "placeOrder",
		Arguments: core.ToolArguments{Coin: "BTC", IsBuy: true, Sz: decimal.NewFromInt(1)},
	}}})

	client := strategy.New(strategy.Config{
		URL:       url,
		Timeout:   10 * time.Second,
		RateLimit: 50,
		Burst:     50,
	}, logger)

	orch, err := backtest.New(backtest.Config{
		RunID:            "self-test",
		Symbol:           "BTCUSDT",
		StartTime:        start,
		EndTime:          start + 300,
		DecisionInterval: 5 * time.Minute,
		InitialBalance:   decimal.NewFromInt(10000),
		EngineVersion:    version,
		StrategyURL:      url,
	}, backtest.Deps{
		Candles:  src,
		Strategy: client,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "self-test: %v\n", err)
		return 5
	}

	report, err := orch.Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "self-test run failed: %v\n", err)
		return exitCode(err)
	}

	want := decimal.NewFromInt(10004)
	if !report.FinalEquity.Equal(want) || len(report.Trades) != 1 {
		fmt.Fprintf(os.Stderr, "self-test FAILED: final equity %s (want %s), fills %d (want 1)\n",
			report.FinalEquity, want, len(report.Trades))
		return 5
	}

	printReport(os.Stdout, report)
	fmt.Println("\nself-test OK")
	return 0
}

func selfTestCandle(open int64, px string) core.Candle {
	d, _ := decimal.NewFromString(px)
	return core.Candle{
		Symbol:   "BTCUSDT",
		Interval: core.Interval1m,
		OpenTime: open,
		Open:     d,
		High:     d,
		Low:      d,
		Close:    d,
		Volume:   decimal.NewFromInt(1),
	}
}

func parseTime(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("-%s is required (ISO-8601 UTC, e.g. 2024-01-02T00:00:00Z)", name)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -%s %q: %v", name, value, err)
	}
	return t.UTC(), nil
}

// exitCode maps run failures onto the documented exit codes: 3 for data
// faults, 4 for an unreachable strategy, 5 for anything engine-side.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 1
	case errors.Is(err, apperrors.ErrDataGap),
		errors.Is(err, apperrors.ErrMalformedCandle),
		errors.Is(err, apperrors.ErrClockRegression):
		return 3
	case errors.Is(err, apperrors.ErrStrategyUnavailable),
		errors.Is(err, apperrors.ErrStrategyTimeout):
		return 4
	default:
		return 5
	}
}

func printReport(out io.Writer, r *backtest.Report) {
	fmt.Fprintf(out, "\nRun %s  %s  %s -> %s\n\n",
		r.RunID, r.Symbol, fmtTime(r.StartTime), fmtTime(r.EndTime))

	if len(r.CompletedTrades) > 0 {
		trades := tablewriter.NewWriter(out)
		trades.Header("#", "Side", "Entry", "Exit", "Qty", "Entry Px", "Exit Px", "Fees", "PnL", "R")
		for i, ct := range r.CompletedTrades {
			rLabel := "-"
			if ct.RMultiple != nil {
				rLabel = fmt.Sprintf("%.2f", *ct.RMultiple)
			}
			trades.Append(
				fmt.Sprintf("%d", i+1),
				ct.Side,
				fmtTime(ct.EntryTime),
				fmtTime(ct.ExitTime),
				ct.Qty.String(),
				ct.AvgEntryPrice.String(),
				ct.AvgExitPrice.String(),
				ct.Fees.String(),
				ct.PnL.String(),
				rLabel,
			)
		}
		trades.Render()
		fmt.Fprintln(out)
	}

	summary := tablewriter.NewWriter(out)
	summary.Header("Metric", "Value")
	summary.Append("Initial equity", r.InitialEquity.String())
	summary.Append("Final equity", r.FinalEquity.String())
	summary.Append("Total PnL", r.TotalPnL.String())
	summary.Append("Fills", fmt.Sprintf("%d", len(r.Trades)))
	summary.Append("Completed trades", fmt.Sprintf("%d", r.TotalTrades))
	summary.Append("Win rate", fmt.Sprintf("%.1f%%", r.Metrics.WinRate*100))
	summary.Append("Profit factor", fmt.Sprintf("%.2f", r.Metrics.ProfitFactor))
	summary.Append("Max drawdown", fmt.Sprintf("%.2f%%", r.Metrics.MaxDrawdown*100))
	summary.Append("Sharpe", fmt.Sprintf("%.2f", r.Metrics.SharpeRatio))
	summary.Append("Sortino", fmt.Sprintf("%.2f", r.Metrics.SortinoRatio))
	summary.Append("Annualized return", fmt.Sprintf("%.2f%%", r.Metrics.AnnualizedReturn*100))
	summary.Append("Candle rows", fmt.Sprintf("%d", r.Reproducibility.CandleRows))
	summary.Append("Data hash", r.Reproducibility.DataHash)
	summary.Render()

	if len(r.Diagnostics) > 0 {
		fmt.Fprintln(out, "\nDiagnostics:")
		for _, d := range r.Diagnostics {
			fmt.Fprintf(out, "  - %s\n", d)
		}
	}
}

func fmtTime(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04")
}

func writeReport(path string, r *backtest.Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
