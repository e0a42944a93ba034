package account

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User is a venue account. Balances are notional USD: AvailableBalance is
// free collateral, UsedMargin is collateral reserved by open positions.
type User struct {
	ID               uint64          `json:"userId"`
	Username         string          `json:"username"`
	PasswordHash     string          `json:"-"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	UsedMargin       decimal.Decimal `json:"usedMargin"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// SideFromOrder maps the wire-level buy/sell to a position side.
func SideFromOrder(s string) (Side, error) {
	switch s {
	case "buy", string(SideLong):
		return SideLong, nil
	case "sell", string(SideShort):
		return SideShort, nil
	default:
		return "", fmt.Errorf("invalid side: %q", s)
	}
}

// Status is the position lifecycle state. Transitions are one-way:
// open -> closed or open -> liquidated, never back.
type Status string

const (
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusLiquidated Status = "liquidated"
)

// Terminal reports whether no further transition or mark is allowed.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusLiquidated
}

// Position is a margin-leveraged exposure against the synthetic market price.
// PositionSize = Margin * Leverage, Quantity = PositionSize / EntryPrice.
type Position struct {
	ID           uuid.UUID       `json:"positionId"`
	UserID       uint64          `json:"userId"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Leverage     uint32          `json:"leverage"`
	Margin       decimal.Decimal `json:"margin"`
	PositionSize decimal.Decimal `json:"positionSize"`
	Quantity     decimal.Decimal `json:"quantity"`

	EntryPrice   decimal.Decimal `json:"entryPrice"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`

	UnrealizedPnl decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnl   decimal.Decimal `json:"realizedPnl"`
	RoiPercent    decimal.Decimal `json:"roiPercent"`

	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	MarginRatio      decimal.Decimal `json:"marginRatio"`

	Status   Status     `json:"status"`
	OpenedAt time.Time  `json:"openedAt"`
	ClosedAt *time.Time `json:"closedAt,omitempty"`
}

// PriceDiff returns the favorable price move for the position's side.
func (p *Position) PriceDiff(currentPrice decimal.Decimal) decimal.Decimal {
	if p.Side == SideShort {
		return p.EntryPrice.Sub(currentPrice)
	}
	return currentPrice.Sub(p.EntryPrice)
}

// Validate checks per-user balance invariants.
func (u *User) Validate() error {
	if u.AvailableBalance.IsNegative() {
		return fmt.Errorf("user %d: negative available balance: %s", u.ID, u.AvailableBalance)
	}
	if u.UsedMargin.IsNegative() {
		return fmt.Errorf("user %d: negative used margin: %s", u.ID, u.UsedMargin)
	}
	return nil
}

// LiquidationReason tags a liquidation event.
type LiquidationReason string

const (
	ReasonMarginCall LiquidationReason = "margin_call"
)

// LiquidationEvent is the append-only audit record of a forced close.
// Exactly one is produced per liquidated position.
type LiquidationEvent struct {
	PositionID       uuid.UUID         `json:"positionId"`
	UserID           uint64            `json:"userId"`
	Symbol           string            `json:"symbol"`
	LiquidationPrice decimal.Decimal   `json:"liquidationPrice"`
	MarginLost       decimal.Decimal   `json:"marginLost"`
	Timestamp        time.Time         `json:"timestamp"`
	Reason           LiquidationReason `json:"reason"`
}
