package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sayandeepx/leverex/params"
	"github.com/sayandeepx/leverex/pkg/account"
	"github.com/sayandeepx/leverex/pkg/feed"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testTrading() params.Trading {
	return params.Trading{
		MaxLeverage:          100,
		MaxPositionSize:      1000000,
		MaxPositionsPerUser:  10,
		LiquidationThreshold: "0.01",
	}
}

// testVenue wires an engine over an in-memory store and a static feed
// seeded with a single user holding 20000.
func testVenue(t *testing.T) (*Engine, *feed.Static, uint64) {
	t.Helper()
	accounts := account.NewManager()
	u, err := accounts.CreateUser("alice", "unused-hash", dec("20000"))
	require.NoError(t, err)

	src := feed.NewStatic()
	src.SetMid("BTCUSDT", dec("50000"))

	eng := New(testTrading(), []string{"BTCUSDT"}, accounts, src, zap.NewNop().Sugar())
	return eng, src, u.ID
}

func TestPlaceOrderLong(t *testing.T) {
	eng, _, userID := testVenue(t)

	pos, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("100"), 10)
	require.NoError(t, err)

	require.True(t, pos.PositionSize.Equal(dec("1000")))
	require.True(t, pos.Quantity.Equal(dec("0.02")))
	require.True(t, pos.EntryPrice.Equal(dec("50000")))
	require.True(t, pos.LiquidationPrice.Equal(dec("45000")))
	require.Equal(t, account.StatusOpen, pos.Status)

	u, err := eng.Accounts().User(userID)
	require.NoError(t, err)
	require.True(t, u.AvailableBalance.Equal(dec("19900")))
	require.True(t, u.UsedMargin.Equal(dec("100")))
}

func TestPlaceOrderShortLiquidationPrice(t *testing.T) {
	eng, _, userID := testVenue(t)

	pos, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideShort, dec("200"), 20)
	require.NoError(t, err)
	// entry * (1 + 1/20)
	require.True(t, pos.LiquidationPrice.Equal(dec("52500")))
	require.Equal(t, account.SideShort, pos.Side)
}

func TestPlaceOrderValidation(t *testing.T) {
	eng, src, userID := testVenue(t)

	_, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("100"), 101)
	require.ErrorIs(t, err, ErrLeverageExceeded)

	_, err = eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("100"), 0)
	require.ErrorIs(t, err, ErrLeverageExceeded)

	_, err = eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("20001"), 2)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// 20000 * 100 = 2M notional, over the 1M cap.
	_, err = eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("20000"), 100)
	require.ErrorIs(t, err, ErrPositionSizeExceeded)

	_, err = eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("0"), 10)
	require.Error(t, err)

	_, err = eng.PlaceOrder(99, "BTCUSDT", account.SideLong, dec("100"), 10)
	require.ErrorIs(t, err, account.ErrUserNotFound)

	// No quote ever seen for the symbol.
	src.Clear("BTCUSDT")
	_, err = eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("100"), 10)
	require.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestPlaceOrderPositionLimit(t *testing.T) {
	eng, _, userID := testVenue(t)

	for i := 0; i < 10; i++ {
		_, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("10"), 2)
		require.NoError(t, err)
	}
	_, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("10"), 2)
	require.ErrorIs(t, err, ErrPositionLimit)
}

func TestClosePositionProfit(t *testing.T) {
	eng, src, userID := testVenue(t)

	pos, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("100"), 10)
	require.NoError(t, err)

	src.SetMid("BTCUSDT", dec("52000"))
	settled, err := eng.ClosePosition(pos.ID, userID)
	require.NoError(t, err)

	// (52000-50000) * 0.02 = 40
	require.True(t, settled.RealizedPnl.Equal(dec("40")))
	require.Equal(t, account.StatusClosed, settled.Status)

	u, _ := eng.Accounts().User(userID)
	require.True(t, u.AvailableBalance.Equal(dec("20040")))
	require.True(t, u.UsedMargin.IsZero())
}

func TestClosePositionLossFloorsPayoutAtZero(t *testing.T) {
	eng, src, userID := testVenue(t)

	pos, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("100"), 10)
	require.NoError(t, err)

	// Price gaps straight through the liquidation level before any mark
	// tick runs; a user-initiated close must still never debit beyond the
	// posted margin.
	src.SetMid("BTCUSDT", dec("42000"))
	settled, err := eng.ClosePosition(pos.ID, userID)
	require.NoError(t, err)

	// (42000-50000) * 0.02 = -160, worse than the 100 margin.
	require.True(t, settled.RealizedPnl.Equal(dec("-160")))

	u, _ := eng.Accounts().User(userID)
	require.True(t, u.AvailableBalance.Equal(dec("19900")))
	require.True(t, u.UsedMargin.IsZero())
}

func TestClosePositionAuthorization(t *testing.T) {
	eng, _, userID := testVenue(t)
	pos, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("100"), 10)
	require.NoError(t, err)

	_, err = eng.ClosePosition(pos.ID, userID+1)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = eng.ClosePosition(uuid.New(), userID)
	require.ErrorIs(t, err, account.ErrPositionNotFound)

	// Double close.
	_, err = eng.ClosePosition(pos.ID, userID)
	require.NoError(t, err)
	_, err = eng.ClosePosition(pos.ID, userID)
	require.ErrorIs(t, err, account.ErrPositionNotOpen)
}

func TestSystemBalanceConservedThroughTrades(t *testing.T) {
	eng, src, userID := testVenue(t)
	before := eng.Accounts().SystemBalance()

	pos, err := eng.PlaceOrder(userID, "BTCUSDT", account.SideLong, dec("100"), 10)
	require.NoError(t, err)
	require.True(t, eng.Accounts().SystemBalance().Equal(before))

	src.SetMid("BTCUSDT", dec("51000"))
	settled, err := eng.ClosePosition(pos.ID, userID)
	require.NoError(t, err)
	require.True(t, eng.Accounts().SystemBalance().Equal(before.Add(settled.RealizedPnl)))
}
