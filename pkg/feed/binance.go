package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Binance streams best bid/ask from the Binance futures bookTicker channel
// and caches the latest quote per symbol. It reconnects with backoff; while
// disconnected the last cached quotes stay readable.
type Binance struct {
	url     string
	symbols []string
	log     *zap.SugaredLogger

	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewBinance creates a source for the given stream endpoint and symbols.
func NewBinance(url string, symbols []string, log *zap.SugaredLogger) *Binance {
	return &Binance{
		url:     url,
		symbols: symbols,
		log:     log,
		quotes:  make(map[string]Quote),
	}
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type bookTicker struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

// Run connects and consumes the stream until the context is done.
func (b *Binance) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := b.stream(ctx); err != nil && ctx.Err() == nil {
			b.log.Warnw("feed_disconnected", "err", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (b *Binance) stream(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.url, err)
	}
	defer conn.Close()

	params := make([]string, 0, len(b.symbols))
	for _, s := range b.symbols {
		params = append(params, strings.ToLower(s)+"@bookTicker")
	}
	if err := conn.WriteJSON(subscribeRequest{Method: "SUBSCRIBE", Params: params, ID: 1}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	b.log.Infow("feed_connected", "url", b.url, "streams", params)

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var tick bookTicker
		if err := json.Unmarshal(msg, &tick); err != nil || tick.Symbol == "" {
			continue // subscribe ack or unrelated frame
		}
		bid, errB := decimal.NewFromString(tick.Bid)
		ask, errA := decimal.NewFromString(tick.Ask)
		if errB != nil || errA != nil {
			b.log.Warnw("feed_bad_tick", "symbol", tick.Symbol, "bid", tick.Bid, "ask", tick.Ask)
			continue
		}

		b.mu.Lock()
		b.quotes[tick.Symbol] = Quote{Symbol: tick.Symbol, Bid: bid, Ask: ask}
		b.mu.Unlock()
	}
}

func (b *Binance) LatestBid(symbol string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[symbol]
	return q.Bid, ok
}

func (b *Binance) LatestAsk(symbol string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[symbol]
	return q.Ask, ok
}
