package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"virtual_exchange/internal/core"
)

// breakevenThreshold separates wins and losses from breakeven trades when
// classifying pnl after fees.
const breakevenThreshold = 1e-6

// winRateDefinition documents the classification rule recorded in the report.
const winRateDefinition = "pnl_after_fees > 0"

const (
	secondsPerYear = 365 * 24 * 3600
	tradingDays    = 365.0
)

// PortfolioMetrics are the portfolio-level statistics of one run. Trade
// statistics come from the completed round trips, drawdown and the
// annualized figures from the equity curve.
type PortfolioMetrics struct {
	WinRate        float64  `json:"win_rate"`
	WinCount       int      `json:"win_count"`
	LossCount      int      `json:"loss_count"`
	BreakevenCount int      `json:"breakeven_count"`
	AvgWin         float64  `json:"avg_win"`
	AvgLoss        float64  `json:"avg_loss"`
	ProfitFactor   float64  `json:"profit_factor"`
	MaxDrawdown    float64  `json:"max_drawdown"`
	MDDDuration    int64    `json:"mdd_duration"`
	Exposure       float64  `json:"exposure"`
	Turnover       float64  `json:"turnover"`
	AvgRMultiple   *float64 `json:"avg_r_multiple"`
	TradesWithR    int      `json:"trades_with_r"`

	AnnualizedReturn float64 `json:"annualized_return"`
	Volatility       float64 `json:"volatility"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	SortinoRatio     float64 `json:"sortino_ratio"`
	CalmarRatio      float64 `json:"calmar_ratio"`
}

// MetricsInput bundles what the portfolio statistics are computed from.
// Fills is the raw fill log; Trades are the paired round trips.
type MetricsInput struct {
	Trades         []CompletedTrade
	Fills          []core.Trade
	EquityCurve    []core.EquityPoint
	InitialEquity  decimal.Decimal
	StartTime      int64
	EndTime        int64
	BarsInPosition int64
	BarsTotal      int64
}

// ComputeMetrics derives the portfolio statistics of one run. The equity
// curve is evaluated with the starting equity prepended, so a run that only
// ever declines still shows its drawdown.
func ComputeMetrics(in MetricsInput) PortfolioMetrics {
	var m PortfolioMetrics

	var (
		grossProfit, grossLoss float64
		sumR                   float64
	)
	for _, t := range in.Trades {
		pnl, _ := t.PnL.Float64()
		switch {
		case pnl > breakevenThreshold:
			m.WinCount++
			grossProfit += pnl
		case pnl < -breakevenThreshold:
			m.LossCount++
			grossLoss += pnl
		default:
			m.BreakevenCount++
		}
		if t.RMultiple != nil {
			sumR += *t.RMultiple
			m.TradesWithR++
		}
	}
	if decided := m.WinCount + m.LossCount; decided > 0 {
		m.WinRate = float64(m.WinCount) / float64(decided)
	}
	if m.WinCount > 0 {
		m.AvgWin = grossProfit / float64(m.WinCount)
	}
	if m.LossCount > 0 {
		m.AvgLoss = grossLoss / float64(m.LossCount)
	}
	if grossLoss < 0 {
		m.ProfitFactor = grossProfit / math.Abs(grossLoss)
	}
	if m.TradesWithR > 0 {
		avg := sumR / float64(m.TradesWithR)
		m.AvgRMultiple = &avg
	}

	if in.BarsTotal > 0 {
		m.Exposure = float64(in.BarsInPosition) / float64(in.BarsTotal)
	}
	initial, _ := in.InitialEquity.Float64()
	if initial > 0 {
		var notional decimal.Decimal
		for _, f := range in.Fills {
			notional = notional.Add(f.Price.Mul(f.Size))
		}
		traded, _ := notional.Float64()
		m.Turnover = traded / initial
	}

	curve := prependStart(in.EquityCurve, in.InitialEquity, in.StartTime)
	m.MaxDrawdown, m.MDDDuration = drawdown(curve)

	daily := dailyReturns(curve)
	final := curve[len(curve)-1].equity
	m.AnnualizedReturn = annualizedReturn(initial, final, in.EndTime-in.StartTime)
	m.Volatility = annualizedVolatility(daily)
	m.SharpeRatio = sharpeRatio(daily)
	m.SortinoRatio = sortinoRatio(daily)
	if m.MaxDrawdown > 0 {
		m.CalmarRatio = m.AnnualizedReturn / m.MaxDrawdown
	}
	return m
}

type curvePoint struct {
	ts     int64
	equity float64
}

func prependStart(curve []core.EquityPoint, initial decimal.Decimal, start int64) []curvePoint {
	out := make([]curvePoint, 0, len(curve)+1)
	eq, _ := initial.Float64()
	out = append(out, curvePoint{ts: start, equity: eq})
	for _, p := range curve {
		eq, _ := p.Equity.Float64()
		out = append(out, curvePoint{ts: p.Timestamp, equity: eq})
	}
	return out
}

// drawdown walks the curve once and reports the deepest peak-to-trough loss
// as a fraction of the peak, and the longest stretch spent below a prior
// peak in seconds. An unrecovered tail counts towards the duration.
func drawdown(curve []curvePoint) (maxDD float64, longest int64) {
	peak := curve[0]
	for _, p := range curve[1:] {
		// Matching the prior peak ends the underwater stretch.
		if p.equity >= peak.equity {
			peak = p
			continue
		}
		if peak.equity > 0 {
			if dd := (peak.equity - p.equity) / peak.equity; dd > maxDD {
				maxDD = dd
			}
		}
		if under := p.ts - peak.ts; under > longest {
			longest = under
		}
	}
	return maxDD, longest
}

// dailyReturns collapses the curve to one closing equity per UTC day and
// returns the day-over-day percentage changes.
func dailyReturns(curve []curvePoint) []float64 {
	byDay := make(map[string]float64)
	var days []string
	for _, p := range curve {
		day := time.Unix(p.ts, 0).UTC().Format(time.DateOnly)
		if _, ok := byDay[day]; !ok {
			days = append(days, day)
		}
		byDay[day] = p.equity
	}
	if len(days) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(days)-1)
	for i := 1; i < len(days); i++ {
		prev := byDay[days[i-1]]
		if prev == 0 {
			continue
		}
		returns = append(returns, (byDay[days[i]]-prev)/prev)
	}
	return returns
}

func annualizedReturn(initial, final float64, elapsed int64) float64 {
	if initial <= 0 || elapsed <= 0 {
		return 0
	}
	total := (final - initial) / initial
	years := float64(elapsed) / secondsPerYear
	if 1+total <= 0 {
		return -1
	}
	return math.Pow(1+total, 1/years) - 1
}

func annualizedVolatility(daily []float64) float64 {
	if len(daily) < 2 {
		return 0
	}
	return stdDev(daily) * math.Sqrt(tradingDays)
}

func sharpeRatio(daily []float64) float64 {
	if len(daily) < 2 {
		return 0
	}
	sd := stdDev(daily)
	if sd == 0 {
		return 0
	}
	return mean(daily) / sd * math.Sqrt(tradingDays)
}

// sortinoRatio penalises only downside deviation.
func sortinoRatio(daily []float64) float64 {
	if len(daily) < 2 {
		return 0
	}
	var sumSq float64
	var n int
	for _, r := range daily {
		if r < 0 {
			sumSq += r * r
			n++
		}
	}
	if n == 0 {
		return 0
	}
	downside := math.Sqrt(sumSq / float64(n))
	if downside == 0 {
		return 0
	}
	return mean(daily) / downside * math.Sqrt(tradingDays)
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDev(xs []float64) float64 {
	mu := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - mu
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}
