package queue

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Envelope is one queue item. Message carries a JSON-encoded Command; the
// double encoding keeps the correlation id recoverable even when the
// command itself fails to parse.
type Envelope struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Command is a tagged request for the engine.
type Command struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Actions dispatched by the engine's consumer loops.
const (
	ActionPlaceOrder       = "place_order"
	ActionClosePosition    = "close_position"
	ActionGetPositions     = "get_positions"
	ActionCreateUser       = "create_user"
	ActionAuthenticateUser = "authenticate_user"
	ActionGetUser          = "get_user"
)

// QueueFor maps an action to the queue that carries it: account commands
// ride the User queue, trade commands the Order queue.
func QueueFor(action string) string {
	switch action {
	case ActionCreateUser, ActionAuthenticateUser, ActionGetUser:
		return QueueUser
	default:
		return QueueOrder
	}
}

// PlaceOrderData is the payload of a place_order command.
type PlaceOrderData struct {
	UserID   uint64          `json:"userId"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Margin   decimal.Decimal `json:"margin"`
	Leverage uint32          `json:"leverage"`
}

// ClosePositionData is the payload of a close_position command.
type ClosePositionData struct {
	UserID     uint64 `json:"userId"`
	PositionID string `json:"positionId"`
}

// GetPositionsData is the payload of a get_positions command.
type GetPositionsData struct {
	UserID uint64 `json:"userId"`
}

// CreateUserData is the payload of a create_user command.
type CreateUserData struct {
	Username        string          `json:"username"`
	Password        string          `json:"password"`
	StartingBalance decimal.Decimal `json:"startingBalance"`
}

// AuthenticateUserData is the payload of an authenticate_user command.
type AuthenticateUserData struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// GetUserData is the payload of a get_user command.
type GetUserData struct {
	UserID uint64 `json:"userId"`
}

// Reply is published on the correlation id channel: exactly one per item.
type Reply struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewCommand builds a Command with a JSON-encoded payload.
func NewCommand(action string, data any) (Command, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Command{}, fmt.Errorf("marshal %s data: %w", action, err)
	}
	return Command{Action: action, Data: raw}, nil
}

func successReply(data any) Reply {
	raw, err := json.Marshal(data)
	if err != nil {
		return errorReply(fmt.Errorf("marshal reply: %w", err))
	}
	return Reply{Success: true, Data: raw}
}

func errorReply(err error) Reply {
	return Reply{Success: false, Error: err.Error()}
}
