package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sayandeepx/leverex/pkg/account"
	"github.com/sayandeepx/leverex/pkg/feed"
	"github.com/sayandeepx/leverex/pkg/queue"
)

// testStack runs the full command channel: both consumer loops over an
// in-memory broker, the way cmd/engine wires them.
func testStack(t *testing.T) (*Engine, *queue.Requester, *feed.Static) {
	t.Helper()
	accounts := account.NewManager()
	src := feed.NewStatic()
	src.SetMid("BTCUSDT", dec("50000"))

	eng := New(testTrading(), []string{"BTCUSDT"}, accounts, src, zap.NewNop().Sugar())

	broker := queue.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go queue.NewConsumer(broker, queue.QueueOrder, time.Millisecond, eng.HandleOrderCommand, zap.NewNop().Sugar()).Run(ctx)
	go queue.NewConsumer(broker, queue.QueueUser, time.Millisecond, eng.HandleUserCommand, zap.NewNop().Sugar()).Run(ctx)

	return eng, queue.NewRequester(broker, 5*time.Second), src
}

func request(t *testing.T, r *queue.Requester, action string, data any) queue.Reply {
	t.Helper()
	cmd, err := queue.NewCommand(action, data)
	require.NoError(t, err)
	reply, err := r.Request(context.Background(), cmd)
	require.NoError(t, err)
	return reply
}

func TestCreateUserCommand(t *testing.T) {
	_, r, _ := testStack(t)

	reply := request(t, r, queue.ActionCreateUser, queue.CreateUserData{
		Username: "alice", Password: "secret", StartingBalance: dec("20000"),
	})
	require.True(t, reply.Success)

	var u account.User
	require.NoError(t, json.Unmarshal(reply.Data, &u))
	require.Equal(t, "alice", u.Username)
	require.True(t, u.AvailableBalance.Equal(dec("20000")))

	// Password hashes never leave the engine.
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(reply.Data, &raw))
	require.NotContains(t, raw, "passwordHash")

	// Duplicate signup comes back as a failed reply, not a dead request.
	reply = request(t, r, queue.ActionCreateUser, queue.CreateUserData{
		Username: "alice", Password: "other",
	})
	require.False(t, reply.Success)
	require.Equal(t, "username already exists", reply.Error)
}

func TestCreateUserDefaultBalance(t *testing.T) {
	_, r, _ := testStack(t)

	reply := request(t, r, queue.ActionCreateUser, queue.CreateUserData{
		Username: "bob", Password: "pw",
	})
	require.True(t, reply.Success)

	var u account.User
	require.NoError(t, json.Unmarshal(reply.Data, &u))
	require.True(t, u.AvailableBalance.Equal(dec("10000")))

	reply = request(t, r, queue.ActionCreateUser, queue.CreateUserData{Username: "", Password: "pw"})
	require.False(t, reply.Success)
}

func TestAuthenticateUserCommand(t *testing.T) {
	_, r, _ := testStack(t)
	request(t, r, queue.ActionCreateUser, queue.CreateUserData{Username: "alice", Password: "secret"})

	reply := request(t, r, queue.ActionAuthenticateUser, queue.AuthenticateUserData{
		Username: "alice", Password: "secret",
	})
	require.True(t, reply.Success)

	reply = request(t, r, queue.ActionAuthenticateUser, queue.AuthenticateUserData{
		Username: "alice", Password: "wrong",
	})
	require.False(t, reply.Success)
	require.Equal(t, "invalid credentials", reply.Error)
}

func TestTradeLifecycleOverQueue(t *testing.T) {
	_, r, src := testStack(t)

	reply := request(t, r, queue.ActionCreateUser, queue.CreateUserData{
		Username: "alice", Password: "pw", StartingBalance: dec("20000"),
	})
	require.True(t, reply.Success)
	var u account.User
	require.NoError(t, json.Unmarshal(reply.Data, &u))

	reply = request(t, r, queue.ActionPlaceOrder, queue.PlaceOrderData{
		UserID: u.ID, Symbol: "BTCUSDT", Side: "buy", Margin: dec("100"), Leverage: 10,
	})
	require.True(t, reply.Success)
	var pos account.Position
	require.NoError(t, json.Unmarshal(reply.Data, &pos))
	require.True(t, pos.Quantity.Equal(dec("0.02")))
	require.True(t, pos.LiquidationPrice.Equal(dec("45000")))

	reply = request(t, r, queue.ActionGetPositions, queue.GetPositionsData{UserID: u.ID})
	require.True(t, reply.Success)
	var positions []account.Position
	require.NoError(t, json.Unmarshal(reply.Data, &positions))
	require.Len(t, positions, 1)

	src.SetMid("BTCUSDT", dec("52000"))
	reply = request(t, r, queue.ActionClosePosition, queue.ClosePositionData{
		UserID: u.ID, PositionID: pos.ID.String(),
	})
	require.True(t, reply.Success)

	reply = request(t, r, queue.ActionGetUser, queue.GetUserData{UserID: u.ID})
	require.True(t, reply.Success)
	require.NoError(t, json.Unmarshal(reply.Data, &u))
	require.True(t, u.AvailableBalance.Equal(dec("20040")))
	require.True(t, u.UsedMargin.IsZero())
}

func TestGetPositionsEmptyIsArray(t *testing.T) {
	_, r, _ := testStack(t)
	reply := request(t, r, queue.ActionCreateUser, queue.CreateUserData{Username: "alice", Password: "pw"})
	require.True(t, reply.Success)
	var u account.User
	require.NoError(t, json.Unmarshal(reply.Data, &u))

	reply = request(t, r, queue.ActionGetPositions, queue.GetPositionsData{UserID: u.ID})
	require.True(t, reply.Success)
	// []Position{} marshals to [], never null.
	require.Equal(t, "[]", string(reply.Data))
}

func TestUnknownActionCommand(t *testing.T) {
	eng, r, _ := testStack(t)

	reply := request(t, r, "drop_tables", struct{}{})
	require.False(t, reply.Success)
	require.Contains(t, reply.Error, "unknown action")

	_, err := eng.HandleUserCommand(context.Background(), queue.Command{Action: "nope", Data: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestClosePositionBadID(t *testing.T) {
	eng, _, _ := testStack(t)

	_, err := eng.HandleOrderCommand(context.Background(), queue.Command{
		Action: queue.ActionClosePosition,
		Data:   json.RawMessage(`{"userId":1,"positionId":"not-a-uuid"}`),
	})
	require.ErrorContains(t, err, "invalid position id")
}
