// Package feed supplies the latest bid/ask per symbol. The engine polls it;
// it never pushes into the engine.
package feed

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Source is the price capability the engine consumes. The boolean reports
// whether a quote has been seen for the symbol at all.
type Source interface {
	LatestBid(symbol string) (decimal.Decimal, bool)
	LatestAsk(symbol string) (decimal.Decimal, bool)
}

// Quote is one bid/ask reading.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
}

// Static is a settable in-memory source, used in tests and paper trading.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStatic creates an empty static source.
func NewStatic() *Static {
	return &Static{quotes: make(map[string]Quote)}
}

// Set records a quote for a symbol.
func (s *Static) Set(symbol string, bid, ask decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = Quote{Symbol: symbol, Bid: bid, Ask: ask}
}

// SetMid records a single price as both bid and ask.
func (s *Static) SetMid(symbol string, price decimal.Decimal) {
	s.Set(symbol, price, price)
}

// Clear forgets the quote for a symbol, simulating a feed outage.
func (s *Static) Clear(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotes, symbol)
}

func (s *Static) LatestBid(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q.Bid, ok
}

func (s *Static) LatestAsk(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q.Ask, ok
}
