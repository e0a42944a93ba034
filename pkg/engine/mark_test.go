package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sayandeepx/leverex/pkg/account"
)

func TestMarkTickUpdatesPnl(t *testing.T) {
	eng, src, userID := testVenue(t)
	pos, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("100"), 10)
	require.NoError(t, err)

	src.SetMid("BTCUSDT", dec("51000"))
	eng.MarkTick()

	got, err := eng.Accounts().Position(pos.ID)
	require.NoError(t, err)
	// (51000-50000) * 0.02 = 20
	require.True(t, got.UnrealizedPnl.Equal(dec("20")))
	require.True(t, got.RoiPercent.Equal(dec("20")))
	require.True(t, got.MarginRatio.Equal(dec("1.2")))
	require.True(t, got.CurrentPrice.Equal(dec("51000")))
	require.Equal(t, account.StatusOpen, got.Status)

	mp, err := eng.LatestPrice("BTCUSDT")
	require.NoError(t, err)
	require.True(t, mp.Mid().Equal(dec("51000")))
}

func TestMarkTickLiquidatesAtThreshold(t *testing.T) {
	eng, src, userID := testVenue(t)
	pos, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("100"), 10)
	require.NoError(t, err)

	// At exactly the liquidation price the margin ratio hits zero, which is
	// at or below the 0.01 threshold.
	src.SetMid("BTCUSDT", dec("45000"))
	eng.MarkTick()

	got, err := eng.Accounts().Position(pos.ID)
	require.NoError(t, err)
	require.Equal(t, account.StatusLiquidated, got.Status)
	require.True(t, got.RealizedPnl.Equal(dec("-100")))

	// Margin is fully consumed; nothing returns to the user.
	u, _ := eng.Accounts().User(userID)
	require.True(t, u.AvailableBalance.Equal(dec("19900")))
	require.True(t, u.UsedMargin.IsZero())

	events := eng.Accounts().Liquidations()
	require.Len(t, events, 1)
	require.Equal(t, pos.ID, events[0].PositionID)
	require.Equal(t, account.ReasonMarginCall, events[0].Reason)
	require.True(t, events[0].LiquidationPrice.Equal(dec("45000")))
	require.True(t, events[0].MarginLost.Equal(dec("100")))
}

func TestMarkTickLiquidationIsIdempotent(t *testing.T) {
	eng, src, userID := testVenue(t)
	_, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("100"), 10)
	require.NoError(t, err)

	src.SetMid("BTCUSDT", dec("44000"))
	eng.MarkTick()
	eng.MarkTick()
	eng.MarkTick()

	require.Len(t, eng.Accounts().Liquidations(), 1)
}

func TestMarkTickPartialMarginReturn(t *testing.T) {
	eng, src, userID := testVenue(t)
	_, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("100"), 10)
	require.NoError(t, err)

	// (45040-50000) * 0.02 = -99.2, ratio 0.008 <= 0.01: liquidated with
	// 0.80 of margin left to return.
	src.SetMid("BTCUSDT", dec("45040"))
	eng.MarkTick()

	u, _ := eng.Accounts().User(userID)
	require.True(t, u.AvailableBalance.Equal(dec("19900.8")))
	require.True(t, u.UsedMargin.IsZero())

	events := eng.Accounts().Liquidations()
	require.Len(t, events, 1)
	require.True(t, events[0].MarginLost.Equal(dec("99.2")))
}

func TestMarkTickShortSide(t *testing.T) {
	eng, src, userID := testVenue(t)
	pos, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideShort, dec("100"), 10)
	require.NoError(t, err)

	// A falling price profits a short.
	src.SetMid("BTCUSDT", dec("49000"))
	eng.MarkTick()

	got, _ := eng.Accounts().Position(pos.ID)
	require.True(t, got.UnrealizedPnl.Equal(dec("20")))
	require.Equal(t, account.StatusOpen, got.Status)

	// A rise to the short's liquidation price wipes it out.
	src.SetMid("BTCUSDT", dec("55000"))
	eng.MarkTick()

	got, _ = eng.Accounts().Position(pos.ID)
	require.Equal(t, account.StatusLiquidated, got.Status)
}

func TestMarkTickFeedOutageKeepsLastPrice(t *testing.T) {
	eng, src, userID := testVenue(t)
	pos, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("100"), 10)
	require.NoError(t, err)

	src.SetMid("BTCUSDT", dec("49000"))
	eng.MarkTick()

	// Feed drops out; positions keep marking against the last good price
	// instead of freezing or liquidating spuriously.
	src.Clear("BTCUSDT")
	eng.MarkTick()

	got, _ := eng.Accounts().Position(pos.ID)
	require.Equal(t, account.StatusOpen, got.Status)
	require.True(t, got.CurrentPrice.Equal(dec("49000")))

	mp, err := eng.LatestPrice("BTCUSDT")
	require.NoError(t, err)
	require.True(t, mp.Bid.Equal(dec("49000")))
}

func TestMarkTickNoQuoteYet(t *testing.T) {
	eng, src, _ := testVenue(t)
	src.Clear("BTCUSDT")

	// Nothing cached and nothing live: the tick is a no-op.
	eng.MarkTick()
	_, err := eng.LatestPrice("BTCUSDT")
	require.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestOnMarkObserver(t *testing.T) {
	eng, src, _ := testVenue(t)

	var seen []MarketPrice
	eng.OnMark(func(mp MarketPrice) { seen = append(seen, mp) })

	src.SetMid("BTCUSDT", dec("50100"))
	eng.MarkTick()

	require.Len(t, seen, 1)
	require.Equal(t, "BTCUSDT", seen[0].Symbol)
	require.True(t, seen[0].Mid().Equal(dec("50100")))
}
