package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/sayandeepx/leverex/pkg/account"
	"github.com/sayandeepx/leverex/pkg/queue"
)

// defaultStartingBalance applies when a signup does not name one.
var defaultStartingBalance = decimal.NewFromInt(10000)

// HandleOrderCommand dispatches one item from the Order queue.
func (e *Engine) HandleOrderCommand(_ context.Context, cmd queue.Command) (any, error) {
	switch cmd.Action {
	case queue.ActionPlaceOrder:
		var data queue.PlaceOrderData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return nil, fmt.Errorf("malformed %s data: %w", cmd.Action, err)
		}
		side, err := account.SideFromOrder(data.Side)
		if err != nil {
			return nil, err
		}
		return e.PlaceOrder(data.UserID, data.Symbol, side, data.Margin, data.Leverage)

	case queue.ActionClosePosition:
		var data queue.ClosePositionData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return nil, fmt.Errorf("malformed %s data: %w", cmd.Action, err)
		}
		id, err := uuid.Parse(data.PositionID)
		if err != nil {
			return nil, fmt.Errorf("invalid position id %q: %w", data.PositionID, err)
		}
		return e.ClosePosition(id, data.UserID)

	case queue.ActionGetPositions:
		var data queue.GetPositionsData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return nil, fmt.Errorf("malformed %s data: %w", cmd.Action, err)
		}
		if _, err := e.accounts.User(data.UserID); err != nil {
			return nil, err
		}
		positions := e.accounts.UserPositions(data.UserID)
		if positions == nil {
			positions = []account.Position{}
		}
		return positions, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
	}
}

// HandleUserCommand dispatches one item from the User queue.
func (e *Engine) HandleUserCommand(_ context.Context, cmd queue.Command) (any, error) {
	switch cmd.Action {
	case queue.ActionCreateUser:
		var data queue.CreateUserData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return nil, fmt.Errorf("malformed %s data: %w", cmd.Action, err)
		}
		if data.Username == "" || data.Password == "" {
			return nil, fmt.Errorf("username and password are required")
		}
		balance := data.StartingBalance
		if balance.IsZero() {
			balance = defaultStartingBalance
		}
		if balance.IsNegative() {
			return nil, fmt.Errorf("starting balance cannot be negative: %s", balance)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(data.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		return e.accounts.CreateUser(data.Username, string(hash), balance)

	case queue.ActionAuthenticateUser:
		var data queue.AuthenticateUserData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return nil, fmt.Errorf("malformed %s data: %w", cmd.Action, err)
		}
		return e.accounts.Authenticate(data.Username, data.Password)

	case queue.ActionGetUser:
		var data queue.GetUserData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return nil, fmt.Errorf("malformed %s data: %w", cmd.Action, err)
		}
		return e.accounts.User(data.UserID)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
	}
}
