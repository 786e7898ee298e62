package backtest

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"virtual_exchange/internal/core"
	apperrors "virtual_exchange/pkg/errors"
)

const (
	toolPlaceOrder  = "placeOrder"
	toolCancelOrder = "cancelOrder"
)

// quoteAsset completes a bare coin name into an engine symbol. The mapping
// is a plain suffix append so distinct coins never collide.
const quoteAsset = "USDT"

// CoinSymbol maps a strategy-side coin name onto an engine symbol.
func CoinSymbol(coin string) string {
	if coin == "" {
		return ""
	}
	return coin + quoteAsset
}

// SymbolCoin is the inverse of CoinSymbol.
func SymbolCoin(symbol string) string {
	return strings.TrimSuffix(symbol, quoteAsset)
}

// OrderIntent is one placement extracted from a strategy reply, with the
// optional protective pair still to be expanded once the parent is accepted.
type OrderIntent struct {
	Request    core.OrderRequest
	TakeProfit *decimal.Decimal
	StopLoss   *decimal.Decimal
}

// Children expands the protective prices into the OCO child requests of an
// accepted parent. Children take the opposite side at the parent's full size
// and share the parent id, which links them into an OCO pair.
func (in *OrderIntent) Children(parent *core.Order) []core.OrderRequest {
	side := core.SideSell
	if parent.Side == core.SideSell {
		side = core.SideBuy
	}
	var out []core.OrderRequest
	if in.TakeProfit != nil {
		out = append(out, core.OrderRequest{
			Symbol:   parent.Symbol,
			Side:     side,
			Type:     core.OrderTypeTakeProfit,
			Size:     parent.Size,
			Price:    *in.TakeProfit,
			ParentID: parent.ID,
		})
	}
	if in.StopLoss != nil {
		out = append(out, core.OrderRequest{
			Symbol:   parent.Symbol,
			Side:     side,
			Type:     core.OrderTypeStopLoss,
			Size:     parent.Size,
			Price:    *in.StopLoss,
			ParentID: parent.ID,
		})
	}
	return out
}

// Action is one engine call asked for by a strategy reply. Exactly one of
// the fields is set.
type Action struct {
	Place  *OrderIntent
	Cancel int64
}

// Extract pulls engine actions out of a strategy reply, preserving the
// declaration order of the tool calls. Unknown tools are skipped; unknown
// coins and missing ids are rejected and reported in the diagnostics.
// Everything else passes through for the engine to validate.
func Extract(reply *core.StrategyReply, known map[string]bool, logger core.ILogger) ([]Action, []string) {
	if reply == nil {
		return nil, nil
	}
	var actions []Action
	var diags []string
	for i, call := range reply.ToolCalls {
		switch call.Tool {
		case toolPlaceOrder:
			args := call.Arguments
			symbol := CoinSymbol(args.Coin)
			if symbol == "" || !known[symbol] {
				diags = append(diags, fmt.Sprintf("tool_call %d: %v: coin %q", i, apperrors.ErrUnknownSymbol, args.Coin))
				logger.Warn("Rejected strategy order for unknown coin", "coin", args.Coin)
				continue
			}
			req := core.OrderRequest{
				Symbol:     symbol,
				Side:       core.SideSell,
				Type:       core.OrderTypeMarket,
				Size:       args.Sz,
				ReduceOnly: args.ReduceOnly,
			}
			if args.IsBuy {
				req.Side = core.SideBuy
			}
			if args.LimitPx.IsPositive() {
				req.Type = core.OrderTypeLimit
				req.Price = args.LimitPx
			}
			intent := &OrderIntent{Request: req}
			if args.Tpsl != nil {
				if tp := args.Tpsl.TakeProfitPx; tp.IsPositive() {
					intent.TakeProfit = &tp
				}
				if sl := args.Tpsl.StopLossPx; sl.IsPositive() {
					intent.StopLoss = &sl
				}
			}
			actions = append(actions, Action{Place: intent})
		case toolCancelOrder:
			if call.Arguments.Oid <= 0 {
				diags = append(diags, fmt.Sprintf("tool_call %d: cancelOrder without oid", i))
				continue
			}
			actions = append(actions, Action{Cancel: call.Arguments.Oid})
		default:
			logger.Debug("Ignoring unknown tool call", "tool", call.Tool)
		}
	}
	return actions, diags
}
