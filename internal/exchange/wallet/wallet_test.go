package wallet

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtual_exchange/internal/core"
	apperrors "virtual_exchange/pkg/errors"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), "want %s, got %s", want, got)
}

func buyOrder(symbol, size, price string) *core.Order {
	return &core.Order{
		Symbol: symbol,
		Side:   core.SideBuy,
		Type:   core.OrderTypeLimit,
		Size:   dec(size),
		Price:  dec(price),
		State:  core.OrderStateNew,
	}
}

func TestAcceptAssignsIncreasingIDs(t *testing.T) {
	w := New("run-1", dec("10000"))

	first := buyOrder("BTCUSDT", "1", "100")
	require.NoError(t, w.Accept(first, dec("100")))
	second := buyOrder("BTCUSDT", "1", "101")
	require.NoError(t, w.Accept(second, dec("101")))

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.Equal(t, core.OrderStateOpen, first.State)
	assertDec(t, "9799", w.Cash())
	assertDec(t, "201", w.TotalMarginUsed())
}

func TestAcceptInsufficientFunds(t *testing.T) {
	w := New("run-1", dec("50"))

	o := buyOrder("BTCUSDT", "1", "100")
	err := w.Accept(o, dec("100"))
	require.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assertDec(t, "50", w.Cash())
	assert.Equal(t, int64(0), o.ID, "rejected order gets no id")
}

func TestPlaceCancelRoundTrip(t *testing.T) {
	w := New("run-1", dec("10000"))

	o := buyOrder("BTCUSDT", "2", "250.5")
	require.NoError(t, w.Accept(o, dec("501")))
	assertDec(t, "9499", w.Cash())

	w.Release(o, core.CancelReasonUser, 1700000000)

	assertDec(t, "10000", w.Cash())
	assert.Equal(t, core.OrderStateCancelled, o.State)
	assert.Equal(t, core.CancelReasonUser, o.CancelReason)
	assert.True(t, o.Reserved.IsZero())
	assert.Empty(t, w.OpenOrders())
}

func TestReleaseIsNoOpOnTerminalOrders(t *testing.T) {
	w := New("run-1", dec("1000"))

	o := buyOrder("BTCUSDT", "1", "100")
	require.NoError(t, w.Accept(o, dec("100")))
	w.Release(o, core.CancelReasonUser, 1)
	w.Release(o, core.CancelReasonUser, 2)

	assertDec(t, "1000", w.Cash())
}

func TestApplyFillBuyOpensPosition(t *testing.T) {
	w := New("run-1", dec("10000"))
	w.SetMarkPrice("BTCUSDT", dec("100"))

	o := buyOrder("BTCUSDT", "1", "100")
	require.NoError(t, w.Accept(o, dec("100")))

	trade := w.ApplyFill(o, dec("100"), decimal.Zero, decimal.Zero, 1700000060, core.BarKindOpen)

	assert.Equal(t, core.OrderStateFilled, o.State)
	assertDec(t, "100", o.AvgFillPrice)
	assertDec(t, "9900", w.Cash())
	pos := w.Position("BTCUSDT")
	require.NotNil(t, pos)
	assertDec(t, "1", pos.Size)
	assertDec(t, "100", pos.AvgEntryPrice)
	assert.Equal(t, int64(1700000060), trade.Timestamp)
	assert.Len(t, w.Trades(), 1)

	// Equity: 9900 cash + 1 x mark 100.
	assertDec(t, "10000", w.Equity())
}

func TestApplyFillChargesFee(t *testing.T) {
	w := New("run-1", dec("10000"))
	feeRate := dec("0.001")

	o := buyOrder("BTCUSDT", "1", "100")
	require.NoError(t, w.Accept(o, dec("100.1"))) // price*size*(1+fee)

	trade := w.ApplyFill(o, dec("100"), feeRate, decimal.Zero, 60, core.BarKindIntrabar)

	assertDec(t, "0.1", trade.Fee)
	// Reservation 100.1 refunds, settlement takes 100 + 0.1.
	assertDec(t, "9899.9", w.Cash())
}

func TestNettingReduceRealisesPnL(t *testing.T) {
	w := New("run-1", dec("10000"))

	long := buyOrder("BTCUSDT", "2", "100")
	require.NoError(t, w.Accept(long, dec("200")))
	w.ApplyFill(long, dec("100"), decimal.Zero, decimal.Zero, 60, core.BarKindOpen)

	exit := &core.Order{
		Symbol: "BTCUSDT", Side: core.SideSell, Type: core.OrderTypeLimit,
		Size: dec("1"), Price: dec("105"), State: core.OrderStateNew,
	}
	require.NoError(t, w.Accept(exit, decimal.Zero))
	w.ApplyFill(exit, dec("105"), decimal.Zero, decimal.Zero, 120, core.BarKindIntrabar)

	pos := w.Position("BTCUSDT")
	assertDec(t, "1", pos.Size)
	assertDec(t, "100", pos.AvgEntryPrice)
	assertDec(t, "5", pos.RealisedPnL)
	assertDec(t, "9905", w.Cash())
}

func TestNettingVWAPOnExtension(t *testing.T) {
	w := New("run-1", dec("10000"))

	first := buyOrder("BTCUSDT", "1", "100")
	require.NoError(t, w.Accept(first, dec("100")))
	w.ApplyFill(first, dec("100"), decimal.Zero, decimal.Zero, 60, core.BarKindOpen)

	second := buyOrder("BTCUSDT", "1", "110")
	require.NoError(t, w.Accept(second, dec("110")))
	w.ApplyFill(second, dec("110"), decimal.Zero, decimal.Zero, 120, core.BarKindOpen)

	pos := w.Position("BTCUSDT")
	assertDec(t, "2", pos.Size)
	assertDec(t, "105", pos.AvgEntryPrice)
	assert.True(t, pos.RealisedPnL.IsZero())
}

func TestNettingFlipThroughZero(t *testing.T) {
	w := New("run-1", dec("10000"))

	long := buyOrder("BTCUSDT", "1", "100")
	require.NoError(t, w.Accept(long, dec("100")))
	w.ApplyFill(long, dec("100"), decimal.Zero, decimal.Zero, 60, core.BarKindOpen)

	// Sell 3 at 110: closes 1 (+10 realised), opens a short of 2 at 110.
	flip := &core.Order{
		Symbol: "BTCUSDT", Side: core.SideSell, Type: core.OrderTypeLimit,
		Size: dec("3"), Price: dec("110"), State: core.OrderStateNew,
	}
	require.NoError(t, w.Accept(flip, decimal.Zero))
	w.ApplyFill(flip, dec("110"), decimal.Zero, decimal.Zero, 120, core.BarKindIntrabar)

	pos := w.Position("BTCUSDT")
	assertDec(t, "-2", pos.Size)
	assertDec(t, "110", pos.AvgEntryPrice)
	assertDec(t, "10", pos.RealisedPnL)
}

func TestReduceOnlyEarmark(t *testing.T) {
	w := New("run-1", dec("10000"))

	long := buyOrder("BTCUSDT", "2", "100")
	require.NoError(t, w.Accept(long, dec("200")))
	w.ApplyFill(long, dec("100"), decimal.Zero, decimal.Zero, 60, core.BarKindOpen)

	tp := &core.Order{
		Symbol: "BTCUSDT", Side: core.SideSell, Type: core.OrderTypeTakeProfit,
		Size: dec("2"), Price: dec("120"), ReduceOnly: true, State: core.OrderStateNew,
	}
	require.NoError(t, w.Accept(tp, decimal.Zero))
	assertDec(t, "0", w.AvailableToReduce("BTCUSDT"))

	another := &core.Order{
		Symbol: "BTCUSDT", Side: core.SideSell, Type: core.OrderTypeStopLoss,
		Size: dec("1"), Price: dec("90"), ReduceOnly: true, State: core.OrderStateNew,
	}
	err := w.Accept(another, decimal.Zero)
	require.ErrorIs(t, err, apperrors.ErrInvalidOrder, "earmarked units cannot be committed twice")

	w.Release(tp, core.CancelReasonUser, 120)
	assertDec(t, "2", w.AvailableToReduce("BTCUSDT"))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	w := New("run-7", dec("10000"))
	w.SetMarkPrice("BTCUSDT", dec("101"))

	o := buyOrder("BTCUSDT", "1", "100")
	require.NoError(t, w.Accept(o, dec("100")))
	w.ApplyFill(o, dec("100"), decimal.Zero, decimal.Zero, 60, core.BarKindOpen)
	working := buyOrder("BTCUSDT", "1", "95")
	require.NoError(t, w.Accept(working, dec("95")))

	snap := w.Snapshot(120)
	restored := Restore(snap)

	assert.True(t, restored.Cash().Equal(w.Cash()))
	assert.True(t, restored.Equity().Equal(w.Equity()))
	assert.Len(t, restored.Trades(), 1)
	require.Len(t, restored.OpenOrders(), 1)
	assert.Equal(t, working.ID, restored.OpenOrders()[0].ID)

	next := buyOrder("BTCUSDT", "1", "90")
	require.NoError(t, restored.Accept(next, dec("90")))
	assert.Equal(t, int64(3), next.ID, "id sequence survives restore")
}

func TestSnapshotIsolatedFromLiveState(t *testing.T) {
	w := New("run-1", dec("1000"))
	o := buyOrder("BTCUSDT", "1", "100")
	require.NoError(t, w.Accept(o, dec("100")))

	snap := w.Snapshot(60)
	w.Release(o, core.CancelReasonUser, 61)

	require.Len(t, snap.Orders, 1)
	assert.Equal(t, core.OrderStateOpen, snap.Orders[0].State,
		"snapshot must not alias live order structs")
}

func TestAccountInfoIdentity(t *testing.T) {
	w := New("run-1", dec("10000"))
	w.SetMarkPrice("BTCUSDT", dec("110"))

	entry := buyOrder("BTCUSDT", "1", "100")
	require.NoError(t, w.Accept(entry, dec("100")))
	w.ApplyFill(entry, dec("100"), decimal.Zero, decimal.Zero, 60, core.BarKindOpen)

	working := buyOrder("BTCUSDT", "1", "90")
	require.NoError(t, w.Accept(working, dec("90")))

	info := w.AccountInfo()

	// equity = cash + total_margin_used + sum(size*mark)
	lhs := info.Cash.Add(info.TotalMarginUsed)
	for _, p := range info.Positions {
		lhs = lhs.Add(p.Size.Mul(p.MarkPrice))
	}
	assert.True(t, lhs.Equal(info.Equity), "accounting identity: %s != %s", lhs, info.Equity)
	assertDec(t, "90", info.TotalMarginUsed)
	require.Len(t, info.OpenOrders, 1)
	assert.Equal(t, working.ID, info.OpenOrders[0].ID)
	require.Len(t, info.Positions, 1)
	assertDec(t, "10", info.Positions[0].UnrealisedPnL)
}
