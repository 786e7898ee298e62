package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "virtual_exchange/pkg/errors"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the closed set of supported order variants. Free-form strings
// from the API boundary are reified into this set; anything else rejects.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
)

// OrderState is the order lifecycle state. Filled and Cancelled and Rejected
// are terminal; a terminal order never returns to an earlier state.
type OrderState string

const (
	OrderStateNew             OrderState = "NEW"
	OrderStateOpen            OrderState = "OPEN"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCancelled       OrderState = "CANCELLED"
	OrderStateRejected        OrderState = "REJECTED"
)

// CancelReason distinguishes user cancels from engine-driven ones.
type CancelReason string

const (
	CancelReasonNone   CancelReason = ""
	CancelReasonUser   CancelReason = "USER"
	CancelReasonOCO    CancelReason = "OCO"
	CancelReasonModify CancelReason = "MODIFY"
)

// BarKind tags where within a candle a fill happened, for diagnostics.
type BarKind string

const (
	BarKindOpen     BarKind = "BAR_OPEN"
	BarKindIntrabar BarKind = "INTRABAR"
	BarKindClose    BarKind = "BAR_CLOSE"
)

// Interval is a candle aggregation interval. One minute is the matching
// primitive; the rest are derived by resampling.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval15m Interval = "15m"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Duration returns the wall-clock span of one bar of this interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	}
	return 0
}

// Seconds returns the bar span in seconds, 0 for unknown intervals.
func (i Interval) Seconds() int64 {
	return int64(i.Duration() / time.Second)
}

// ParseInterval reifies a wire string into a known Interval.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case Interval1m, Interval15m, Interval4h, Interval1d:
		return Interval(s), nil
	}
	return "", fmt.Errorf("%w: unsupported interval %q", apperrors.ErrInvalidOrder, s)
}

// Candle is an OHLCV aggregate over one interval of one symbol. OpenTime is
// the bar start in Unix seconds UTC.
type Candle struct {
	Symbol   string          `json:"symbol"`
	Interval Interval        `json:"interval"`
	OpenTime int64           `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// CloseTime returns the bar end in Unix seconds UTC. The bar is closed, and
// therefore observable, from this instant on.
func (c Candle) CloseTime() int64 {
	return c.OpenTime + c.Interval.Seconds()
}

// Validate rejects candles that no market could have printed.
func (c Candle) Validate() error {
	if c.Low.GreaterThan(c.High) {
		return fmt.Errorf("%w: %s %s@%d low %s > high %s",
			apperrors.ErrMalformedCandle, c.Symbol, c.Interval, c.OpenTime, c.Low, c.High)
	}
	if c.Open.LessThan(c.Low) || c.Open.GreaterThan(c.High) ||
		c.Close.LessThan(c.Low) || c.Close.GreaterThan(c.High) {
		return fmt.Errorf("%w: %s %s@%d open/close outside [low, high]",
			apperrors.ErrMalformedCandle, c.Symbol, c.Interval, c.OpenTime)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("%w: %s %s@%d negative volume",
			apperrors.ErrMalformedCandle, c.Symbol, c.Interval, c.OpenTime)
	}
	return nil
}

// OrderRequest is a validated-at-the-boundary request to place an order.
type OrderRequest struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Size       decimal.Decimal `json:"size"`
	Price      decimal.Decimal `json:"price"`
	ReduceOnly bool            `json:"reduce_only"`
	PostOnly   bool            `json:"post_only"`
	ParentID   int64           `json:"parent_id,omitempty"`
}

// Order is a working or terminal order. IDs increase strictly with acceptance.
type Order struct {
	ID           int64           `json:"id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Size         decimal.Decimal `json:"size"`
	Price        decimal.Decimal `json:"price"`
	ReduceOnly   bool            `json:"reduce_only"`
	PostOnly     bool            `json:"post_only"`
	ParentID     int64           `json:"parent_id,omitempty"`
	State        OrderState      `json:"state"`
	CancelReason CancelReason    `json:"cancel_reason,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	LastUpdateAt int64           `json:"last_update_at"`
	FilledSize   decimal.Decimal `json:"filled_size"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`

	// Reserved is the cash debited at placement, refunded exactly on cancel.
	Reserved decimal.Decimal `json:"reserved"`
	// EligibleFrom is the open time of the first candle this order may match
	// in. Orders placed within a candle participate from the next one.
	EligibleFrom int64 `json:"eligible_from"`
}

// Terminal reports whether the order can never change state again.
func (o *Order) Terminal() bool {
	switch o.State {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected:
		return true
	}
	return false
}

// Remaining returns the unfilled size.
func (o *Order) Remaining() decimal.Decimal {
	return o.Size.Sub(o.FilledSize)
}

// Trade is one fill, appended to the wallet's immutable trade log.
// Timestamp is the close time of the candle that produced the fill.
type Trade struct {
	OrderID   int64           `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Slippage  decimal.Decimal `json:"slippage"`
	Timestamp int64           `json:"timestamp"`
	BarKind   BarKind         `json:"bar_kind"`
}

// Position is the netted per-symbol position: signed size, VWAP entry,
// realised PnL accumulator. Positions are never deleted; size may reach zero.
type Position struct {
	Symbol        string          `json:"symbol"`
	Size          decimal.Decimal `json:"size"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealisedPnL   decimal.Decimal `json:"realised_pnl"`

	// ReservedClose is the position size earmarked by open reduce-only
	// orders, so they cannot over-commit the same units.
	ReservedClose decimal.Decimal `json:"reserved_close"`
}

// UnrealisedPnL values the open size against a mark price.
func (p *Position) UnrealisedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Size.IsZero() {
		return decimal.Zero
	}
	return mark.Sub(p.AvgEntryPrice).Mul(p.Size)
}

// WalletSnapshot is the full persisted wallet state for one run. It is
// written as a single blob after every state-changing call and restored
// verbatim on recovery.
type WalletSnapshot struct {
	RunID       string          `json:"run_id"`
	Cash        decimal.Decimal `json:"cash"`
	NextOrderID int64           `json:"next_order_id"`
	Positions   []*Position     `json:"positions"`
	Orders      []*Order        `json:"orders"`
	Trades      []Trade         `json:"trades"`
	MarkPrices  []MarkPrice     `json:"mark_prices"`
	UpdatedAt   int64           `json:"updated_at"`
}

// MarkPrice is the last known per-symbol mark used for equity accounting.
type MarkPrice struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// AccountInfo is the wallet view served by the read API. Cash is free cash,
// net of reserved margin; equity = cash + total_margin_used + sum(size * mark).
type AccountInfo struct {
	Equity          decimal.Decimal `json:"equity"`
	Cash            decimal.Decimal `json:"cash"`
	TotalMarginUsed decimal.Decimal `json:"total_margin_used"`
	Positions       []PositionInfo  `json:"positions"`
	OpenOrders      []OrderInfo     `json:"open_orders"`
}

// PositionInfo is the wire view of one position.
type PositionInfo struct {
	Symbol        string          `json:"symbol"`
	Size          decimal.Decimal `json:"size"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealisedPnL   decimal.Decimal `json:"realised_pnl"`
	UnrealisedPnL decimal.Decimal `json:"unrealised_pnl"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
}

// OrderInfo is the wire view of one open order.
type OrderInfo struct {
	ID           int64           `json:"oid"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Size         decimal.Decimal `json:"size"`
	Price        decimal.Decimal `json:"price"`
	FilledSize   decimal.Decimal `json:"filled_size"`
	ReduceOnly   bool            `json:"reduce_only"`
	ParentID     int64           `json:"parent_id,omitempty"`
	State        OrderState      `json:"state"`
	CreatedAt    int64           `json:"created_at"`
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Timestamp int64           `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}

// StepFragment is the per-decision-step report fragment persisted under the
// run while a backtest progresses.
type StepFragment struct {
	Seq          int             `json:"seq"`
	Timestamp    int64           `json:"timestamp"`
	Equity       decimal.Decimal `json:"equity"`
	OrdersPlaced int             `json:"orders_placed"`
	Diagnostics  []string        `json:"diagnostics,omitempty"`
}

// NewsItem is one news record served by the read API under the virtual clock.
type NewsItem struct {
	PublishedAt int64   `json:"published_at"`
	Importance  float64 `json:"importance"`
	Title       string  `json:"title"`
	URL         string  `json:"url,omitempty"`
	Source      string  `json:"source,omitempty"`
}

// ToolCall is one intended action named by the strategy service. Only
// placeOrder and cancelOrder reach the engine; everything else is ignored.
type ToolCall struct {
	Tool      string        `json:"tool"`
	Arguments ToolArguments `json:"arguments"`
}

// ToolArguments carries the order intent in the strategy service's schema.
// Sizes and prices arrive as decimal strings.
type ToolArguments struct {
	Coin       string          `json:"coin"`
	IsBuy      bool            `json:"is_buy"`
	Sz         decimal.Decimal `json:"sz"`
	LimitPx    decimal.Decimal `json:"limit_px"`
	ReduceOnly bool            `json:"reduce_only"`
	Tpsl       *TpslArguments  `json:"tpsl,omitempty"`
	Oid        int64           `json:"oid,omitempty"`
}

// TpslArguments expands into two protective OCO children of the parent order.
type TpslArguments struct {
	TakeProfitPx decimal.Decimal `json:"tp"`
	StopLossPx   decimal.Decimal `json:"sl"`
}

// StrategyReply is the parsed strategy response for one decision step.
type StrategyReply struct {
	ToolCalls []ToolCall `json:"tool_calls"`
	Text      string     `json:"text,omitempty"`
}
