// Package match implements the candle matching engine: the deterministic
// core that applies working orders to a stream of one-minute candles. The
// engine exclusively owns its wallet; nothing else mutates orders or
// positions.
package match

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"virtual_exchange/internal/core"
	"virtual_exchange/internal/exchange/wallet"
	apperrors "virtual_exchange/pkg/errors"
)

// MarketFillMode selects the price a market order fills at.
type MarketFillMode string

const (
	// MarketFillOpen fills market orders at the eligible candle's open.
	MarketFillOpen MarketFillMode = "open"
	// MarketFillClose fills at the candle's close instead. Kept as an
	// explicit switch because older data pipelines settled on close.
	MarketFillClose MarketFillMode = "close"
)

// Config carries the engine's matching parameters.
type Config struct {
	Symbols    []string
	FeeRate    decimal.Decimal
	MarketFill MarketFillMode
}

// Engine replays candles against the order book of one run. All methods are
// synchronous with respect to the virtual clock and must be called from a
// single goroutine.
type Engine struct {
	wallet  *wallet.Wallet
	feed    core.CandleFeed
	clock   core.Clock
	store   core.IStateStore
	logger  core.ILogger
	feeRate decimal.Decimal
	mode    MarketFillMode
	symbols map[string]struct{}

	// lastAdvanced is the close-time watermark: candles closing at or
	// before it have already been matched.
	lastAdvanced int64
	// lastCandle holds the most recent matched candle per symbol, used for
	// the post-only crossing test at placement time.
	lastCandle map[string]core.Candle

	// Exposure counters: candles matched, and candles that closed with an
	// open position.
	barsSeen       int64
	barsInPosition int64

	onTrade func(core.Trade)
}

// New creates an engine over the wallet, starting its candle watermark at
// startTime. store may be nil to disable snapshot persistence.
func New(w *wallet.Wallet, feed core.CandleFeed, clock core.Clock, store core.IStateStore, cfg Config, logger core.ILogger) *Engine {
	e := &Engine{
		wallet:     w,
		feed:       feed,
		clock:      clock,
		store:      store,
		logger:     logger,
		feeRate:    cfg.FeeRate,
		mode:       cfg.MarketFill,
		symbols:    make(map[string]struct{}, len(cfg.Symbols)),
		lastCandle: make(map[string]core.Candle),
	}
	if e.mode == "" {
		e.mode = MarketFillOpen
	}
	for _, s := range cfg.Symbols {
		e.symbols[s] = struct{}{}
	}
	return e
}

// StartAt sets the candle watermark; candles closing at or before t are
// treated as history and never matched.
func (e *Engine) StartAt(t int64) { e.lastAdvanced = t }

// OnTrade registers a fill observer. The callback must not block.
func (e *Engine) OnTrade(fn func(core.Trade)) { e.onTrade = fn }

// SetMark primes the mark price used for equity accounting and for market
// order reservations.
func (e *Engine) SetMark(symbol string, price decimal.Decimal) {
	e.wallet.SetMarkPrice(symbol, price)
}

// AccountInfo returns the wallet's read view.
func (e *Engine) AccountInfo() core.AccountInfo { return e.wallet.AccountInfo() }

// Equity returns the wallet equity at current marks.
func (e *Engine) Equity() decimal.Decimal { return e.wallet.Equity() }

// Trades returns the run's trade log.
func (e *Engine) Trades() []core.Trade { return e.wallet.Trades() }

// ExposureBars reports how many candles have been matched so far and how
// many of them closed with an open position.
func (e *Engine) ExposureBars() (inPosition, total int64) {
	return e.barsInPosition, e.barsSeen
}

// OpenOrders returns the working orders, id ascending.
func (e *Engine) OpenOrders() []*core.Order { return e.wallet.OpenOrders() }

// Order returns a copy of the order by id.
func (e *Engine) Order(id int64) (*core.Order, bool) {
	o, ok := e.wallet.Order(id)
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

// Place validates the request, reserves funds and opens the order. The order
// becomes eligible for matching from the first candle opening strictly after
// the placement minute.
func (e *Engine) Place(ctx context.Context, req core.OrderRequest) (*core.Order, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	o := &core.Order{
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Size:         req.Size,
		Price:        req.Price,
		ReduceOnly:   req.ReduceOnly,
		PostOnly:     req.PostOnly,
		ParentID:     req.ParentID,
		State:        core.OrderStateNew,
		CreatedAt:    now,
		LastUpdateAt: now,
		EligibleFrom: nextBarOpen(now),
	}
	if err := e.wallet.Accept(o, e.reservation(req)); err != nil {
		return nil, err
	}
	e.logger.Debug("order accepted",
		"oid", o.ID, "symbol", o.Symbol, "side", o.Side, "type", o.Type,
		"size", o.Size.String(), "price", o.Price.String())
	if err := e.persist(ctx); err != nil {
		return nil, err
	}
	cp := *o
	return &cp, nil
}

// Cancel refunds the order's reservation and cancels it. Cancelling one leg
// of an OCO pair cancels the pair; cancelling a parent cancels its children.
// Terminal orders report AlreadyTerminal and change nothing.
func (e *Engine) Cancel(ctx context.Context, id int64) (*core.Order, error) {
	o, ok := e.wallet.Order(id)
	if !ok {
		return nil, fmt.Errorf("%w: oid %d", apperrors.ErrOrderNotFound, id)
	}
	if o.Terminal() {
		cp := *o
		return &cp, fmt.Errorf("%w: oid %d is %s", apperrors.ErrAlreadyTerminal, id, o.State)
	}
	now := e.clock.Now()
	e.wallet.Release(o, core.CancelReasonUser, now)
	for _, sib := range e.wallet.Siblings(o) {
		e.wallet.Release(sib, core.CancelReasonOCO, now)
	}
	for _, child := range e.childrenOf(o.ID) {
		e.wallet.Release(child, core.CancelReasonOCO, now)
	}
	e.logger.Debug("order cancelled", "oid", id)
	if err := e.persist(ctx); err != nil {
		return nil, err
	}
	cp := *o
	return &cp, nil
}

// Modify cancels the order and re-places it with a fresh id, preserving
// parent_id. Unset fields carry over: the price stays, the size defaults to
// the unfilled remainder. The OCO sibling is left working.
func (e *Engine) Modify(ctx context.Context, id int64, newPrice, newSize *decimal.Decimal) (*core.Order, error) {
	o, ok := e.wallet.Order(id)
	if !ok {
		return nil, fmt.Errorf("%w: oid %d", apperrors.ErrOrderNotFound, id)
	}
	if o.Terminal() {
		return nil, fmt.Errorf("%w: oid %d is %s", apperrors.ErrAlreadyTerminal, id, o.State)
	}
	req := core.OrderRequest{
		Symbol:     o.Symbol,
		Side:       o.Side,
		Type:       o.Type,
		Size:       o.Remaining(),
		Price:      o.Price,
		ReduceOnly: o.ReduceOnly,
		PostOnly:   o.PostOnly,
		ParentID:   o.ParentID,
	}
	if newPrice != nil {
		req.Price = *newPrice
	}
	if newSize != nil {
		req.Size = *newSize
	}
	e.wallet.Release(o, core.CancelReasonModify, e.clock.Now())
	replacement, err := e.Place(ctx, req)
	if err != nil {
		// The original stays cancelled; cancel-then-place is the contract.
		if perr := e.persist(ctx); perr != nil {
			return nil, perr
		}
		return nil, err
	}
	e.logger.Debug("order modified", "oid", id, "new_oid", replacement.ID)
	return replacement, nil
}

// AdvanceTo feeds every one-minute candle closing at or before tNext through
// the matching algorithm in strict chronological order; candles sharing a
// timestamp are ordered by symbol ascending.
func (e *Engine) AdvanceTo(ctx context.Context, tNext int64) error {
	if tNext <= e.lastAdvanced {
		return nil
	}
	symbols := make([]string, 0, len(e.symbols))
	for s := range e.symbols {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var candles []core.Candle
	for _, s := range symbols {
		candles = append(candles, e.feed.CandlesBetween(s, e.lastAdvanced, tNext)...)
	}
	sort.Slice(candles, func(i, j int) bool {
		if candles[i].OpenTime != candles[j].OpenTime {
			return candles[i].OpenTime < candles[j].OpenTime
		}
		return candles[i].Symbol < candles[j].Symbol
	})

	for i := range candles {
		c := candles[i]
		if err := c.Validate(); err != nil {
			return err
		}
		if err := e.matchCandle(ctx, c); err != nil {
			return err
		}
		e.wallet.SetMarkPrice(c.Symbol, c.Close)
		e.lastCandle[c.Symbol] = c
		e.barsSeen++
		if p := e.wallet.Position(c.Symbol); p != nil && !p.Size.IsZero() {
			e.barsInPosition++
		}
	}
	e.lastAdvanced = tNext
	return nil
}

// matchCandle runs the fixed per-candle sequence: snapshot, market fills,
// protective triggers (take-profits before stop-losses), then limit fills.
func (e *Engine) matchCandle(ctx context.Context, c core.Candle) error {
	eligible := make([]*core.Order, 0, 4)
	for _, o := range e.wallet.OpenOrdersFor(c.Symbol) {
		if o.EligibleFrom <= c.OpenTime {
			eligible = append(eligible, o)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	for _, o := range eligible {
		if o.Terminal() || o.Type != core.OrderTypeMarket {
			continue
		}
		price, kind := c.Open, core.BarKindOpen
		if e.mode == MarketFillClose {
			price, kind = c.Close, core.BarKindClose
		}
		if err := e.fill(ctx, o, price, c, kind); err != nil {
			return err
		}
	}

	// Take-profits first: when both legs of a pair trigger inside one
	// candle, the favourable leg wins and cancels the other.
	for _, o := range eligible {
		if o.Terminal() || o.Type != core.OrderTypeTakeProfit {
			continue
		}
		if !crossed(o.Price, c) {
			continue
		}
		if err := e.fill(ctx, o, o.Price, c, core.BarKindIntrabar); err != nil {
			return err
		}
	}
	for _, o := range eligible {
		if o.Terminal() || o.Type != core.OrderTypeStopLoss {
			continue
		}
		if !crossed(o.Price, c) {
			continue
		}
		price, kind := stopFillPrice(o, c)
		if err := e.fill(ctx, o, price, c, kind); err != nil {
			return err
		}
	}

	for _, o := range eligible {
		if o.Terminal() || o.Type != core.OrderTypeLimit {
			continue
		}
		if !crossed(o.Price, c) {
			continue
		}
		if err := e.fill(ctx, o, o.Price, c, core.BarKindIntrabar); err != nil {
			return err
		}
	}
	return nil
}

// fill settles the order, cancels any OCO sibling before the next order is
// looked at, emits the trade and persists the snapshot.
func (e *Engine) fill(ctx context.Context, o *core.Order, price decimal.Decimal, c core.Candle, kind core.BarKind) error {
	// Slippage model: market fills record fill minus bar close, resting
	// orders fill at their own price and record zero.
	slippage := decimal.Zero
	if o.Type == core.OrderTypeMarket {
		slippage = price.Sub(c.Close)
	}
	trade := e.wallet.ApplyFill(o, price, e.feeRate, slippage, c.CloseTime(), kind)
	if o.FilledSize.GreaterThan(o.Size) {
		return fmt.Errorf("%w: oid %d filled %s beyond size %s",
			apperrors.ErrEngineInvariant, o.ID, o.FilledSize, o.Size)
	}
	for _, sib := range e.wallet.Siblings(o) {
		e.wallet.Release(sib, core.CancelReasonOCO, c.CloseTime())
	}
	e.logger.Debug("fill",
		"oid", o.ID, "symbol", o.Symbol, "side", o.Side, "type", o.Type,
		"price", price.String(), "size", trade.Size.String(), "bar_kind", kind)
	if e.onTrade != nil {
		e.onTrade(trade)
	}
	return e.persist(ctx)
}

// validate reifies and checks the request at the boundary.
func (e *Engine) validate(req core.OrderRequest) error {
	if _, ok := e.symbols[req.Symbol]; !ok {
		return fmt.Errorf("%w: %q", apperrors.ErrUnknownSymbol, req.Symbol)
	}
	if req.Side != core.SideBuy && req.Side != core.SideSell {
		return fmt.Errorf("%w: side %q", apperrors.ErrInvalidOrder, req.Side)
	}
	switch req.Type {
	case core.OrderTypeMarket, core.OrderTypeLimit, core.OrderTypeTakeProfit, core.OrderTypeStopLoss:
	default:
		return fmt.Errorf("%w: type %q", apperrors.ErrInvalidOrder, req.Type)
	}
	if !req.Size.IsPositive() {
		return fmt.Errorf("%w: size %s", apperrors.ErrInvalidOrder, req.Size)
	}
	if req.Type != core.OrderTypeMarket && !req.Price.IsPositive() {
		return fmt.Errorf("%w: %s requires a positive price", apperrors.ErrInvalidOrder, req.Type)
	}
	if req.Type == core.OrderTypeMarket && req.Side == core.SideBuy && !req.ReduceOnly &&
		!e.wallet.MarkPrice(req.Symbol).IsPositive() {
		return fmt.Errorf("%w: no mark price for market reservation", apperrors.ErrInvalidOrder)
	}
	if req.PostOnly {
		if req.Type != core.OrderTypeLimit {
			return fmt.Errorf("%w: post_only applies to limit orders", apperrors.ErrInvalidOrder)
		}
		if c, ok := e.lastCandle[req.Symbol]; ok && crossed(req.Price, c) {
			return fmt.Errorf("%w: post_only price %s crosses [%s, %s]",
				apperrors.ErrInvalidOrder, req.Price, c.Low, c.High)
		}
	}
	if req.ReduceOnly {
		pos := e.wallet.Position(req.Symbol)
		if pos == nil || pos.Size.IsZero() {
			return fmt.Errorf("%w: reduce_only with no position", apperrors.ErrInvalidOrder)
		}
		closing := pos.Size.Sign() > 0 && req.Side == core.SideSell ||
			pos.Size.Sign() < 0 && req.Side == core.SideBuy
		if !closing {
			return fmt.Errorf("%w: reduce_only %s does not reduce a %s position",
				apperrors.ErrInvalidOrder, req.Side, pos.Size)
		}
	}
	if req.ParentID != 0 {
		if _, ok := e.wallet.Order(req.ParentID); !ok {
			return fmt.Errorf("%w: parent oid %d not found", apperrors.ErrInvalidOrder, req.ParentID)
		}
	}
	return nil
}

// reservation computes the cash debited at placement: buys reserve price
// times size grossed up by the fee; the market side uses the current mark.
// Sells reserve no cash; reduce-only orders earmark position instead.
func (e *Engine) reservation(req core.OrderRequest) decimal.Decimal {
	if req.Side != core.SideBuy || req.ReduceOnly {
		return decimal.Zero
	}
	price := req.Price
	if req.Type == core.OrderTypeMarket {
		price = e.wallet.MarkPrice(req.Symbol)
	}
	return price.Mul(req.Size).Mul(decimal.NewFromInt(1).Add(e.feeRate))
}

// persist writes the wallet snapshot; a failed write is fatal to the run.
func (e *Engine) persist(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveSnapshot(ctx, e.wallet.Snapshot(e.clock.Now())); err != nil {
		return fmt.Errorf("persist wallet snapshot: %w", err)
	}
	return nil
}

// childrenOf returns the working orders whose ParentID is id.
func (e *Engine) childrenOf(id int64) []*core.Order {
	out := make([]*core.Order, 0, 2)
	for _, o := range e.wallet.OpenOrders() {
		if o.ParentID == id {
			out = append(out, o)
		}
	}
	return out
}

// crossed reports whether price falls inside the candle's [low, high] range,
// boundaries inclusive.
func crossed(price decimal.Decimal, c core.Candle) bool {
	return price.GreaterThanOrEqual(c.Low) && price.LessThanOrEqual(c.High)
}

// stopFillPrice fills a stop at the worse of its trigger and the close:
// lower for sells, higher for buys.
func stopFillPrice(o *core.Order, c core.Candle) (decimal.Decimal, core.BarKind) {
	worse := o.Price
	if o.Side == core.SideSell && c.Close.LessThan(worse) {
		worse = c.Close
	}
	if o.Side == core.SideBuy && c.Close.GreaterThan(worse) {
		worse = c.Close
	}
	if worse.Equal(o.Price) {
		return worse, core.BarKindIntrabar
	}
	return worse, core.BarKindClose
}

// nextBarOpen returns the open time of the first one-minute bar strictly
// after t's minute. Orders placed within a bar participate from the next.
func nextBarOpen(t int64) int64 {
	return (t/60)*60 + 60
}
