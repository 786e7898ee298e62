// Package wallet implements the single-balance ledger behind the virtual
// exchange: cash, netted per-symbol positions, working orders and the
// append-only trade log. A wallet belongs to exactly one run and is mutated
// by exactly one logical actor at a time; it is not safe for concurrent use.
package wallet

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"virtual_exchange/internal/core"
	apperrors "virtual_exchange/pkg/errors"
)

// Wallet is the ledger for one run. Cash is the free balance: reservations
// are debited at placement and leave the balance entirely until refunded or
// converted by a fill.
type Wallet struct {
	runID       string
	cash        decimal.Decimal
	nextOrderID int64
	positions   map[string]*core.Position
	orders      map[int64]*core.Order
	trades      []core.Trade
	marks       map[string]decimal.Decimal
}

// New creates a wallet holding initialCash quote units.
func New(runID string, initialCash decimal.Decimal) *Wallet {
	return &Wallet{
		runID:       runID,
		cash:        initialCash,
		nextOrderID: 1,
		positions:   make(map[string]*core.Position),
		orders:      make(map[int64]*core.Order),
		marks:       make(map[string]decimal.Decimal),
	}
}

// Restore rebuilds a wallet from a persisted snapshot, exactly.
func Restore(snap *core.WalletSnapshot) *Wallet {
	w := &Wallet{
		runID:       snap.RunID,
		cash:        snap.Cash,
		nextOrderID: snap.NextOrderID,
		positions:   make(map[string]*core.Position, len(snap.Positions)),
		orders:      make(map[int64]*core.Order, len(snap.Orders)),
		trades:      append([]core.Trade(nil), snap.Trades...),
		marks:       make(map[string]decimal.Decimal, len(snap.MarkPrices)),
	}
	for _, p := range snap.Positions {
		cp := *p
		w.positions[p.Symbol] = &cp
	}
	for _, o := range snap.Orders {
		co := *o
		w.orders[o.ID] = &co
	}
	for _, m := range snap.MarkPrices {
		w.marks[m.Symbol] = m.Price
	}
	return w
}

// RunID returns the owning run's identifier.
func (w *Wallet) RunID() string { return w.runID }

// Cash returns the free cash balance, net of reservations.
func (w *Wallet) Cash() decimal.Decimal { return w.cash }

// TotalMarginUsed sums the cash reservations of all working orders.
func (w *Wallet) TotalMarginUsed() decimal.Decimal {
	total := decimal.Zero
	for _, o := range w.orders {
		if !o.Terminal() {
			total = total.Add(o.Reserved)
		}
	}
	return total
}

// Equity values the whole account: free cash, reservations held by working
// orders and every position at its mark price. Placing, modifying or
// cancelling an order never moves equity; only fills, fees and mark moves do.
func (w *Wallet) Equity() decimal.Decimal {
	eq := w.cash.Add(w.TotalMarginUsed())
	for sym, p := range w.positions {
		if p.Size.IsZero() {
			continue
		}
		eq = eq.Add(p.Size.Mul(w.marks[sym]))
	}
	return eq
}

// SetMarkPrice records the last known price of symbol for equity accounting.
func (w *Wallet) SetMarkPrice(symbol string, price decimal.Decimal) {
	w.marks[symbol] = price
}

// MarkPrice returns the recorded mark, zero when none has been seen.
func (w *Wallet) MarkPrice(symbol string) decimal.Decimal {
	return w.marks[symbol]
}

// Position returns the netted position for symbol, or nil when the symbol
// has never traded.
func (w *Wallet) Position(symbol string) *core.Position {
	return w.positions[symbol]
}

// positionFor returns the live position record, creating it flat on first use.
func (w *Wallet) positionFor(symbol string) *core.Position {
	p, ok := w.positions[symbol]
	if !ok {
		p = &core.Position{Symbol: symbol}
		w.positions[symbol] = p
	}
	return p
}

// AvailableToReduce is the position size not yet earmarked by open
// reduce-only orders.
func (w *Wallet) AvailableToReduce(symbol string) decimal.Decimal {
	p := w.positions[symbol]
	if p == nil {
		return decimal.Zero
	}
	return p.Size.Abs().Sub(p.ReservedClose)
}

// Accept reserves funds for the order, assigns the next id and opens it.
// reserve is the cash to debit; reduce-only orders additionally earmark
// their size on the position. The caller has already validated the request.
func (w *Wallet) Accept(o *core.Order, reserve decimal.Decimal) error {
	if reserve.GreaterThan(w.cash) {
		return fmt.Errorf("%w: need %s, free cash %s",
			apperrors.ErrInsufficientFunds, reserve, w.cash)
	}
	if o.ReduceOnly {
		if w.AvailableToReduce(o.Symbol).LessThan(o.Size) {
			return fmt.Errorf("%w: reduce-only size %s exceeds unreserved position %s",
				apperrors.ErrInvalidOrder, o.Size, w.AvailableToReduce(o.Symbol))
		}
		w.positionFor(o.Symbol).ReservedClose = w.positionFor(o.Symbol).ReservedClose.Add(o.Size)
	}
	w.cash = w.cash.Sub(reserve)
	o.Reserved = reserve
	o.ID = w.nextOrderID
	w.nextOrderID++
	o.State = core.OrderStateOpen
	w.orders[o.ID] = o
	return nil
}

// Release refunds the order's reservation exactly and marks it cancelled.
// Terminal orders are left untouched.
func (w *Wallet) Release(o *core.Order, reason core.CancelReason, now int64) {
	if o.Terminal() {
		return
	}
	w.cash = w.cash.Add(o.Reserved)
	o.Reserved = decimal.Zero
	if o.ReduceOnly {
		p := w.positionFor(o.Symbol)
		p.ReservedClose = p.ReservedClose.Sub(o.Remaining())
		if p.ReservedClose.IsNegative() {
			p.ReservedClose = decimal.Zero
		}
	}
	o.State = core.OrderStateCancelled
	o.CancelReason = reason
	o.LastUpdateAt = now
}

// ApplyFill settles the order's full remaining size at price: the
// reservation converts into cash movement and a position delta, realised PnL
// accrues on the closing portion, and a trade is appended to the log.
func (w *Wallet) ApplyFill(o *core.Order, price decimal.Decimal, feeRate decimal.Decimal, slippage decimal.Decimal, ts int64, kind core.BarKind) core.Trade {
	size := o.Remaining()
	notional := price.Mul(size)
	fee := notional.Mul(feeRate)

	// Reservation out, settlement in.
	w.cash = w.cash.Add(o.Reserved)
	o.Reserved = decimal.Zero
	if o.Side == core.SideBuy {
		w.cash = w.cash.Sub(notional).Sub(fee)
	} else {
		w.cash = w.cash.Add(notional).Sub(fee)
	}

	if o.ReduceOnly {
		p := w.positionFor(o.Symbol)
		p.ReservedClose = p.ReservedClose.Sub(size)
		if p.ReservedClose.IsNegative() {
			p.ReservedClose = decimal.Zero
		}
	}
	w.applyToPosition(o.Symbol, o.Side, size, price)

	o.AvgFillPrice = vwap(o.AvgFillPrice, o.FilledSize, price, size)
	o.FilledSize = o.FilledSize.Add(size)
	if o.FilledSize.Equal(o.Size) {
		o.State = core.OrderStateFilled
	} else {
		o.State = core.OrderStatePartiallyFilled
	}
	o.LastUpdateAt = ts

	trade := core.Trade{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Size:      size,
		Price:     price,
		Fee:       fee,
		Slippage:  slippage,
		Timestamp: ts,
		BarKind:   kind,
	}
	w.trades = append(w.trades, trade)
	return trade
}

// applyToPosition nets a fill into the symbol's position: VWAP on extension,
// realised PnL on reduction, entry reset on a sign flip.
func (w *Wallet) applyToPosition(symbol string, side core.Side, size, price decimal.Decimal) {
	p := w.positionFor(symbol)
	delta := size
	if side == core.SideSell {
		delta = size.Neg()
	}

	switch {
	case p.Size.IsZero() || p.Size.Sign() == delta.Sign():
		oldAbs := p.Size.Abs()
		total := oldAbs.Add(size)
		p.AvgEntryPrice = p.AvgEntryPrice.Mul(oldAbs).Add(price.Mul(size)).Div(total)
		p.Size = p.Size.Add(delta)
	default:
		closing := decimal.Min(size, p.Size.Abs())
		direction := decimal.NewFromInt(int64(p.Size.Sign()))
		p.RealisedPnL = p.RealisedPnL.Add(price.Sub(p.AvgEntryPrice).Mul(closing).Mul(direction))
		p.Size = p.Size.Add(delta)
		if p.Size.IsZero() {
			p.AvgEntryPrice = decimal.Zero
		} else if p.Size.Sign() != direction.Sign() {
			// Flipped through zero; the remainder opens at the fill price.
			p.AvgEntryPrice = price
		}
	}
}

// Order returns the order by id.
func (w *Wallet) Order(id int64) (*core.Order, bool) {
	o, ok := w.orders[id]
	return o, ok
}

// OpenOrders returns the working orders sorted by id ascending.
func (w *Wallet) OpenOrders() []*core.Order {
	out := make([]*core.Order, 0, len(w.orders))
	for _, o := range w.orders {
		if !o.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenOrdersFor returns the working orders of one symbol, id ascending.
func (w *Wallet) OpenOrdersFor(symbol string) []*core.Order {
	out := make([]*core.Order, 0, 4)
	for _, o := range w.orders {
		if !o.Terminal() && o.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Siblings returns the other working orders sharing the same parent.
func (w *Wallet) Siblings(o *core.Order) []*core.Order {
	if o.ParentID == 0 {
		return nil
	}
	out := make([]*core.Order, 0, 1)
	for _, cand := range w.orders {
		if cand.ID != o.ID && cand.ParentID == o.ParentID && !cand.Terminal() {
			out = append(out, cand)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Trades returns the append-only trade log.
func (w *Wallet) Trades() []core.Trade { return w.trades }

// Symbols returns every symbol the wallet has seen, sorted ascending.
func (w *Wallet) Symbols() []string {
	seen := make(map[string]struct{})
	for _, o := range w.orders {
		seen[o.Symbol] = struct{}{}
	}
	for sym := range w.positions {
		seen[sym] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Snapshot serialises the complete wallet state deterministically: positions
// and marks sorted by symbol, orders by id, trades in log order.
func (w *Wallet) Snapshot(now int64) *core.WalletSnapshot {
	snap := &core.WalletSnapshot{
		RunID:       w.runID,
		Cash:        w.cash,
		NextOrderID: w.nextOrderID,
		Positions:   make([]*core.Position, 0, len(w.positions)),
		Orders:      make([]*core.Order, 0, len(w.orders)),
		Trades:      append([]core.Trade(nil), w.trades...),
		MarkPrices:  make([]core.MarkPrice, 0, len(w.marks)),
		UpdatedAt:   now,
	}
	for _, p := range w.positions {
		cp := *p
		snap.Positions = append(snap.Positions, &cp)
	}
	sort.Slice(snap.Positions, func(i, j int) bool { return snap.Positions[i].Symbol < snap.Positions[j].Symbol })
	for _, o := range w.orders {
		co := *o
		snap.Orders = append(snap.Orders, &co)
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].ID < snap.Orders[j].ID })
	for sym, px := range w.marks {
		snap.MarkPrices = append(snap.MarkPrices, core.MarkPrice{Symbol: sym, Price: px})
	}
	sort.Slice(snap.MarkPrices, func(i, j int) bool { return snap.MarkPrices[i].Symbol < snap.MarkPrices[j].Symbol })
	return snap
}

// AccountInfo builds the read-API view. Cash is the free balance, so
// equity = cash + total_margin_used + sum(size * mark).
func (w *Wallet) AccountInfo() core.AccountInfo {
	info := core.AccountInfo{
		Equity:          w.Equity(),
		Cash:            w.cash,
		TotalMarginUsed: w.TotalMarginUsed(),
	}
	symbols := make([]string, 0, len(w.positions))
	for sym := range w.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		p := w.positions[sym]
		if p.Size.IsZero() && p.RealisedPnL.IsZero() {
			continue
		}
		mark := w.marks[sym]
		info.Positions = append(info.Positions, core.PositionInfo{
			Symbol:        sym,
			Size:          p.Size,
			AvgEntryPrice: p.AvgEntryPrice,
			RealisedPnL:   p.RealisedPnL,
			UnrealisedPnL: p.UnrealisedPnL(mark),
			MarkPrice:     mark,
		})
	}
	for _, o := range w.OpenOrders() {
		info.OpenOrders = append(info.OpenOrders, core.OrderInfo{
			ID:         o.ID,
			Symbol:     o.Symbol,
			Side:       o.Side,
			Type:       o.Type,
			Size:       o.Size,
			Price:      o.Price,
			FilledSize: o.FilledSize,
			ReduceOnly: o.ReduceOnly,
			ParentID:   o.ParentID,
			State:      o.State,
			CreatedAt:  o.CreatedAt,
		})
	}
	return info
}

// vwap folds a new fill into an existing average price.
func vwap(oldAvg, oldQty, price, qty decimal.Decimal) decimal.Decimal {
	total := oldQty.Add(qty)
	if total.IsZero() {
		return decimal.Zero
	}
	return oldAvg.Mul(oldQty).Add(price.Mul(qty)).Div(total)
}
