package backtest

import (
	"sort"

	"github.com/shopspring/decimal"

	"virtual_exchange/internal/core"
)

const (
	sideLong  = "long"
	sideShort = "short"
)

// lot is an open batch of size awaiting FIFO matching. Fee and slippage are
// the lot's own share of the fill that opened it, so a partially matched lot
// hands out its costs pro rata.
type lot struct {
	side      string
	qty       decimal.Decimal
	origQty   decimal.Decimal
	price     decimal.Decimal
	time      int64
	fee       decimal.Decimal
	slippage  decimal.Decimal
	initialSL *decimal.Decimal
}

// PairTrades folds the raw fill log into completed round trips, FIFO per
// symbol. A closing fill produces one CompletedTrade covering every lot it
// consumed; leftover size flips into a fresh lot on the other side. Fills
// are consumed in log order, which the engine keeps deterministic.
func PairTrades(trades []core.Trade, orders []*core.Order) []CompletedTrade {
	if len(trades) == 0 {
		return nil
	}
	stops := initialStops(orders)

	bySymbol := make(map[string][]core.Trade)
	var symbols []string
	for _, t := range trades {
		if _, ok := bySymbol[t.Symbol]; !ok {
			symbols = append(symbols, t.Symbol)
		}
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}
	sort.Strings(symbols)

	var completed []CompletedTrade
	for _, sym := range symbols {
		completed = append(completed, pairSymbol(sym, bySymbol[sym], stops)...)
	}
	return completed
}

func pairSymbol(symbol string, fills []core.Trade, stops map[int64]decimal.Decimal) []CompletedTrade {
	var completed []CompletedTrade
	var open []*lot

	for _, f := range fills {
		fillSide := tradeSide(f)
		remaining := f.Size

		// Same side as the open lots, or flat: the fill extends the position.
		if len(open) == 0 || open[0].side == fillSide {
			open = append(open, newLot(f, remaining, stops))
			continue
		}

		// Opposite side: close lots head-first.
		var (
			closedQty = decimal.Zero
			entryCost = decimal.Zero
			entryFees = decimal.Zero
			entrySlip = decimal.Zero
			entryTime int64
			entrySide string
			initialSL *decimal.Decimal
		)
		for remaining.IsPositive() && len(open) > 0 {
			head := open[0]
			matched := decimal.Min(head.qty, remaining)

			// The oldest lot defines the trade's entry time and risk.
			if closedQty.IsZero() {
				entryTime = head.time
				entrySide = head.side
				initialSL = head.initialSL
			}
			share := matched.Div(head.origQty)
			entryCost = entryCost.Add(head.price.Mul(matched))
			entryFees = entryFees.Add(head.fee.Mul(share))
			entrySlip = entrySlip.Add(head.slippage.Mul(share))
			closedQty = closedQty.Add(matched)

			head.qty = head.qty.Sub(matched)
			remaining = remaining.Sub(matched)
			if head.qty.IsZero() {
				open = open[1:]
			}
		}

		if closedQty.IsPositive() {
			exitShare := closedQty.Div(f.Size)
			ct := CompletedTrade{
				Symbol:        symbol,
				Side:          entrySide,
				EntryTime:     entryTime,
				ExitTime:      f.Timestamp,
				Qty:           closedQty,
				AvgEntryPrice: entryCost.Div(closedQty),
				AvgExitPrice:  f.Price,
				Fees:          entryFees.Add(f.Fee.Mul(exitShare)),
				Slippage:      entrySlip.Add(f.Slippage.Mul(exitShare)),
				Duration:      f.Timestamp - entryTime,
			}
			if ct.Side == sideLong {
				ct.PnLBeforeFees = ct.AvgExitPrice.Sub(ct.AvgEntryPrice).Mul(closedQty)
			} else {
				ct.PnLBeforeFees = ct.AvgEntryPrice.Sub(ct.AvgExitPrice).Mul(closedQty)
			}
			ct.PnL = ct.PnLBeforeFees.Sub(ct.Fees)
			ct.RMultiple = rMultiple(ct, initialSL)
			completed = append(completed, ct)
		}

		// Whatever the closing fill did not consume opens the other way.
		if remaining.IsPositive() {
			open = append(open, newLot(f, remaining, stops))
		}
	}
	return completed
}

func newLot(f core.Trade, qty decimal.Decimal, stops map[int64]decimal.Decimal) *lot {
	share := qty.Div(f.Size)
	l := &lot{
		side:     tradeSide(f),
		qty:      qty,
		origQty:  qty,
		price:    f.Price,
		time:     f.Timestamp,
		fee:      f.Fee.Mul(share),
		slippage: f.Slippage.Mul(share),
	}
	if sl, ok := stops[f.OrderID]; ok {
		l.initialSL = &sl
	}
	return l
}

func tradeSide(t core.Trade) string {
	if t.Side == core.SideBuy {
		return sideLong
	}
	return sideShort
}

// rMultiple is pnl after fees over the risk implied by the initial stop.
// Trades without a stop, or with zero price risk, carry no R.
func rMultiple(ct CompletedTrade, initialSL *decimal.Decimal) *float64 {
	if initialSL == nil {
		return nil
	}
	risk := ct.AvgEntryPrice.Sub(*initialSL).Abs().Mul(ct.Qty)
	if !risk.IsPositive() {
		return nil
	}
	r, _ := ct.PnL.Div(risk).Float64()
	return &r
}

// initialStops maps each parent order id to the price of its first attached
// stop-loss child. Later replacements do not change the trade's intended
// risk, so only the lowest child id per parent counts.
func initialStops(orders []*core.Order) map[int64]decimal.Decimal {
	stops := make(map[int64]decimal.Decimal)
	first := make(map[int64]int64)
	for _, o := range orders {
		if o.Type != core.OrderTypeStopLoss || o.ParentID == 0 {
			continue
		}
		if id, ok := first[o.ParentID]; ok && id <= o.ID {
			continue
		}
		first[o.ParentID] = o.ID
		stops[o.ParentID] = o.Price
	}
	return stops
}
