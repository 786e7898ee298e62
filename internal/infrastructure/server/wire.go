package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"virtual_exchange/internal/backtest"
	"virtual_exchange/internal/core"
	apperrors "virtual_exchange/pkg/errors"
)

// placeOrderRequest is the order placement body. Sizes and prices ride as
// decimal strings; shopspring also accepts bare JSON numbers.
type placeOrderRequest struct {
	Coin       string              `json:"coin"`
	IsBuy      bool                `json:"is_buy"`
	Sz         decimal.Decimal     `json:"sz"`
	LimitPx    decimal.Decimal     `json:"limit_px"`
	OrderType  string              `json:"order_type"`
	ReduceOnly bool                `json:"reduce_only"`
	Tpsl       *core.TpslArguments `json:"tpsl"`
}

// orderType reifies the wire order_type into the closed set. An absent value
// falls back to the legacy heuristic: a positive limit price means limit,
// anything else market.
func (r *placeOrderRequest) orderType() (core.OrderType, error) {
	switch strings.ToLower(r.OrderType) {
	case "":
		if r.LimitPx.IsPositive() {
			return core.OrderTypeLimit, nil
		}
		return core.OrderTypeMarket, nil
	case "market":
		return core.OrderTypeMarket, nil
	case "limit":
		return core.OrderTypeLimit, nil
	default:
		return "", fmt.Errorf("%w: order_type %q", apperrors.ErrInvalidOrder, r.OrderType)
	}
}

// intent converts the wire order into an engine placement. The coin must
// resolve onto one of the known symbols.
func (r *placeOrderRequest) intent(known map[string]bool) (*backtest.OrderIntent, error) {
	symbol := backtest.CoinSymbol(r.Coin)
	if symbol == "" || !known[symbol] {
		return nil, fmt.Errorf("%w: coin %q", apperrors.ErrUnknownSymbol, r.Coin)
	}
	typ, err := r.orderType()
	if err != nil {
		return nil, err
	}
	req := core.OrderRequest{
		Symbol:     symbol,
		Side:       core.SideSell,
		Type:       typ,
		Size:       r.Sz,
		ReduceOnly: r.ReduceOnly,
	}
	if r.IsBuy {
		req.Side = core.SideBuy
	}
	if typ == core.OrderTypeLimit {
		req.Price = r.LimitPx
	}
	intent := &backtest.OrderIntent{Request: req}
	if r.Tpsl != nil {
		if tp := r.Tpsl.TakeProfitPx; tp.IsPositive() {
			intent.TakeProfit = &tp
		}
		if sl := r.Tpsl.StopLossPx; sl.IsPositive() {
			intent.StopLoss = &sl
		}
	}
	return intent, nil
}

type cancelOrderRequest struct {
	Oid int64 `json:"oid"`
}

type modifyOrderRequest struct {
	Oid      int64            `json:"oid"`
	NewPrice *decimal.Decimal `json:"new_price"`
	NewSize  *decimal.Decimal `json:"new_size"`
}

type infoRequest struct {
	Type string `json:"type"`
}

type orchestrateRequest struct {
	Symbol               string  `json:"symbol"`
	StartTime            string  `json:"start_time"`
	EndTime              string  `json:"end_time"`
	MeetingIntervalHours float64 `json:"meeting_interval_hours"`
	StrategyAgentURL     string  `json:"strategy_agent_url"`
	// Async returns the run id immediately instead of blocking for the
	// report; progress is then read from /backtest/status and the event
	// stream.
	Async bool `json:"async"`
}

type batchRunRequest struct {
	Symbol    string              `json:"symbol"`
	Timeframe string              `json:"timeframe"`
	StartTime string              `json:"start_time"`
	EndTime   string              `json:"end_time"`
	Orders    []placeOrderRequest `json:"orders"`
}

// parseTimeUTC parses an ISO-8601 request field into UTC.
func parseTimeUTC(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: expected ISO-8601 UTC", field, value)
	}
	return t.UTC(), nil
}

// universeEntry describes one tradable asset in the metaAndAssetCtxs reply.
type universeEntry struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
}

func szDecimalsFor(coin string) int {
	switch coin {
	case "BTC", "XBT":
		return 5
	default:
		return 4
	}
}
