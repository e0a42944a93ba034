package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sayandeepx/leverex/pkg/account"
	"github.com/sayandeepx/leverex/pkg/util"
)

var hundred = decimal.NewFromInt(100)

// RunMarkLoop drives mark-to-market on a fixed period until the context is
// done. It is entirely decoupled from the command queues: it mutates state
// only through the store's atomic operations.
func (e *Engine) RunMarkLoop(ctx context.Context, interval time.Duration, clock util.Clock) {
	if clock == nil {
		clock = util.RealClock{}
	}
	e.log.Infow("mark_loop_started", "interval", interval, "symbols", e.symbols)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("mark_loop_stopped")
			return
		case <-clock.After(interval):
			e.MarkTick()
		}
	}
}

// MarkTick runs one mark-to-market pass over every tracked symbol.
func (e *Engine) MarkTick() {
	for _, symbol := range e.symbols {
		e.markSymbol(symbol)
	}
}

func (e *Engine) markSymbol(symbol string) {
	bid, okB := e.feed.LatestBid(symbol)
	ask, okA := e.feed.LatestAsk(symbol)

	e.pmu.Lock()
	mp, cached := e.prices[symbol]
	if okB && okA && bid.IsPositive() && ask.IsPositive() {
		mp = MarketPrice{Symbol: symbol, Bid: bid, Ask: ask, AsOf: time.Now().UTC()}
		e.prices[symbol] = mp
		cached = true
	}
	e.pmu.Unlock()

	if !cached {
		// Never seen a quote: nothing to mark against yet.
		e.log.Warnw("price_unavailable", "symbol", symbol)
		return
	}
	if !okB || !okA {
		// Transient feed gap: keep marking against the last good price
		// rather than stalling positions.
		e.log.Warnw("feed_stale", "symbol", symbol, "last_good", mp.AsOf)
	}

	if e.onMark != nil {
		e.onMark(mp)
	}

	mark := mp.Mid()
	for _, pos := range e.accounts.OpenPositionsBySymbol(symbol) {
		e.markPosition(pos, mark)
	}
}

// markPosition recomputes one position's PnL and liquidates it when the
// margin ratio falls to or below the threshold. Positions closed between
// the snapshot and the write are left untouched.
func (e *Engine) markPosition(pos account.Position, mark decimal.Decimal) {
	pnl := pos.PriceDiff(mark).Mul(pos.Quantity)
	roi := pnl.Div(pos.Margin).Mul(hundred)
	marginRatio := pos.Margin.Add(pnl).Div(pos.Margin)

	if err := e.accounts.UpdatePositionMark(pos.ID, mark, pnl, roi, marginRatio); err != nil {
		if !errors.Is(err, account.ErrPositionNotOpen) {
			e.log.Errorw("mark_update_failed", "position", pos.ID, "err", err)
		}
		return
	}

	if marginRatio.LessThanOrEqual(e.threshold) {
		e.liquidate(pos, mark, pnl)
	}
}

// liquidate force-closes a position whose margin is exhausted. The user is
// credited whatever margin remains (never negative) and exactly one
// liquidation event is recorded. Re-liquidating a terminal position is a
// no-op because Settle refuses terminal transitions.
func (e *Engine) liquidate(pos account.Position, mark, pnl decimal.Decimal) {
	remaining := pos.Margin.Add(pnl)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	ev := account.LiquidationEvent{
		PositionID:       pos.ID,
		UserID:           pos.UserID,
		Symbol:           pos.Symbol,
		LiquidationPrice: mark,
		MarginLost:       pos.Margin.Sub(remaining),
		Reason:           account.ReasonMarginCall,
	}

	if _, err := e.accounts.Settle(account.Settlement{
		PositionID:  pos.ID,
		RealizedPnl: pnl,
		Payout:      remaining,
		Status:      account.StatusLiquidated,
		Event:       &ev,
	}); err != nil {
		if errors.Is(err, account.ErrPositionNotOpen) {
			return
		}
		e.log.Errorw("liquidation_failed", "position", pos.ID, "err", err)
		return
	}

	e.log.Infow("position_liquidated",
		"position", pos.ID, "user", pos.UserID, "symbol", pos.Symbol,
		"mark_price", mark, "margin_lost", ev.MarginLost,
	)
}
