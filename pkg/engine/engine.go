// Package engine owns the business rules of the venue: order placement,
// position close, and the price-driven mark-to-market/liquidation loop.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sayandeepx/leverex/params"
	"github.com/sayandeepx/leverex/pkg/account"
	"github.com/sayandeepx/leverex/pkg/feed"
)

// MarketPrice is the engine's cache of the latest feed reading for a
// symbol, overwritten on each poll tick.
type MarketPrice struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	AsOf   time.Time       `json:"asOf"`
}

// Mid returns the midpoint used for mark-to-market.
func (mp MarketPrice) Mid() decimal.Decimal {
	return mp.Bid.Add(mp.Ask).Div(decimal.NewFromInt(2))
}

// Engine validates and executes trading commands against the account store
// and runs the liquidation loop. It is constructed explicitly and holds no
// global state.
type Engine struct {
	cfg       params.Trading
	symbols   []string
	accounts  *account.Manager
	feed      feed.Source
	log       *zap.SugaredLogger
	threshold decimal.Decimal
	maxSize   decimal.Decimal

	pmu    sync.RWMutex
	prices map[string]MarketPrice

	// onMark, when set, observes every cache update (price streaming).
	onMark func(MarketPrice)
}

// New constructs an engine over the given store and price source.
func New(cfg params.Trading, symbols []string, accounts *account.Manager, src feed.Source, log *zap.SugaredLogger) *Engine {
	return &Engine{
		cfg:       cfg,
		symbols:   symbols,
		accounts:  accounts,
		feed:      src,
		log:       log,
		threshold: cfg.LiquidationThresholdDecimal(),
		maxSize:   cfg.MaxPositionSizeDecimal(),
		prices:    make(map[string]MarketPrice),
	}
}

// OnMark registers an observer for price cache updates. Must be called
// before the mark loop starts.
func (e *Engine) OnMark(fn func(MarketPrice)) {
	e.onMark = fn
}

// Accounts exposes the store for read-only front-door queries.
func (e *Engine) Accounts() *account.Manager {
	return e.accounts
}

// PlaceOrder validates and fills a market order: reserves margin and opens
// a position at the current synthetic market price. Buys fill at the ask,
// sells at the bid; the same convention prices the liquidation math.
func (e *Engine) PlaceOrder(userID uint64, symbol string, side account.Side, margin decimal.Decimal, leverage uint32) (account.Position, error) {
	user, err := e.accounts.User(userID)
	if err != nil {
		return account.Position{}, err
	}
	if leverage == 0 || leverage > e.cfg.MaxLeverage {
		return account.Position{}, fmt.Errorf("%w: max %dx", ErrLeverageExceeded, e.cfg.MaxLeverage)
	}
	if !margin.IsPositive() {
		return account.Position{}, fmt.Errorf("margin must be positive: %s", margin)
	}
	if user.AvailableBalance.LessThan(margin) {
		return account.Position{}, fmt.Errorf("%w: available %s, required %s", ErrInsufficientBalance, user.AvailableBalance, margin)
	}

	lev := decimal.NewFromInt(int64(leverage))
	positionSize := margin.Mul(lev)
	if positionSize.GreaterThan(e.maxSize) {
		return account.Position{}, fmt.Errorf("%w: %s exceeds %s", ErrPositionSizeExceeded, positionSize, e.maxSize)
	}
	if e.accounts.OpenPositionCount(userID) >= e.cfg.MaxPositionsPerUser {
		return account.Position{}, fmt.Errorf("%w: max %d", ErrPositionLimit, e.cfg.MaxPositionsPerUser)
	}

	entryPrice, err := e.entryPrice(symbol, side)
	if err != nil {
		return account.Position{}, err
	}

	quantity := positionSize.Div(entryPrice)
	one := decimal.NewFromInt(1)
	invLev := one.Div(lev)
	var liquidationPrice decimal.Decimal
	if side == account.SideLong {
		liquidationPrice = entryPrice.Mul(one.Sub(invLev))
	} else {
		liquidationPrice = entryPrice.Mul(one.Add(invLev))
	}

	pos, err := e.accounts.OpenPosition(account.OpenSpec{
		UserID:           userID,
		Symbol:           symbol,
		Side:             side,
		Leverage:         leverage,
		Margin:           margin,
		PositionSize:     positionSize,
		Quantity:         quantity,
		EntryPrice:       entryPrice,
		LiquidationPrice: liquidationPrice,
	})
	if err != nil {
		return account.Position{}, err
	}

	e.log.Infow("order_filled",
		"user", userID, "symbol", symbol, "side", side,
		"margin", margin, "leverage", leverage,
		"entry_price", entryPrice, "liquidation_price", liquidationPrice,
	)
	return pos, nil
}

// ClosePosition realizes the position at the current price and returns the
// final state. The payout credited to the user is floored at zero; the
// recorded realized PnL is not.
func (e *Engine) ClosePosition(positionID uuid.UUID, callerUserID uint64) (account.Position, error) {
	pos, err := e.accounts.Position(positionID)
	if err != nil {
		return account.Position{}, err
	}
	if pos.UserID != callerUserID {
		return account.Position{}, ErrUnauthorized
	}
	if pos.Status.Terminal() {
		return account.Position{}, account.ErrPositionNotOpen
	}

	// A long exits by selling at the bid, a short by buying back at the
	// ask. Fall back to the last marked price on a feed gap.
	exitPrice := pos.CurrentPrice
	if p, err := e.exitPrice(pos.Symbol, pos.Side); err == nil {
		exitPrice = p
	}

	pnl := pos.PriceDiff(exitPrice).Mul(pos.Quantity)
	payout := pos.Margin.Add(pnl)
	if payout.IsNegative() {
		payout = decimal.Zero
	}

	settled, err := e.accounts.Settle(account.Settlement{
		PositionID:  positionID,
		RealizedPnl: pnl,
		Payout:      payout,
		Status:      account.StatusClosed,
	})
	if err != nil {
		return account.Position{}, err
	}

	e.log.Infow("position_closed",
		"position", positionID, "user", callerUserID,
		"exit_price", exitPrice, "realized_pnl", pnl, "payout", payout,
	)
	return settled, nil
}

// LatestPrice returns the cached market price for a symbol.
func (e *Engine) LatestPrice(symbol string) (MarketPrice, error) {
	e.pmu.RLock()
	defer e.pmu.RUnlock()

	mp, ok := e.prices[symbol]
	if !ok {
		return MarketPrice{}, fmt.Errorf("%w for %s", ErrPriceUnavailable, symbol)
	}
	return mp, nil
}

// entryPrice resolves the fill price: live feed first, then the engine's
// cache from the last good tick.
func (e *Engine) entryPrice(symbol string, side account.Side) (decimal.Decimal, error) {
	if side == account.SideLong {
		if ask, ok := e.feed.LatestAsk(symbol); ok && ask.IsPositive() {
			return ask, nil
		}
	} else {
		if bid, ok := e.feed.LatestBid(symbol); ok && bid.IsPositive() {
			return bid, nil
		}
	}
	mp, err := e.LatestPrice(symbol)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w for %s", ErrPriceUnavailable, symbol)
	}
	p := mp.Bid
	if side == account.SideLong {
		p = mp.Ask
	}
	if !p.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w for %s", ErrPriceUnavailable, symbol)
	}
	return p, nil
}

func (e *Engine) exitPrice(symbol string, side account.Side) (decimal.Decimal, error) {
	// Exit side is the opposite of entry.
	if side == account.SideLong {
		return e.entryPrice(symbol, account.SideShort)
	}
	return e.entryPrice(symbol, account.SideLong)
}
