package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStaticSource(t *testing.T) {
	s := NewStatic()

	_, ok := s.LatestBid("BTCUSDT")
	require.False(t, ok)

	s.Set("BTCUSDT", decimal.NewFromInt(49990), decimal.NewFromInt(50010))
	bid, ok := s.LatestBid("BTCUSDT")
	require.True(t, ok)
	require.True(t, bid.Equal(decimal.NewFromInt(49990)))
	ask, ok := s.LatestAsk("BTCUSDT")
	require.True(t, ok)
	require.True(t, ask.Equal(decimal.NewFromInt(50010)))

	s.SetMid("ETHUSDT", decimal.NewFromInt(3000))
	bid, _ = s.LatestBid("ETHUSDT")
	ask, _ = s.LatestAsk("ETHUSDT")
	require.True(t, bid.Equal(ask))

	s.Clear("BTCUSDT")
	_, ok = s.LatestBid("BTCUSDT")
	require.False(t, ok)
}

// fakeBookTickerServer accepts one websocket client, waits for the
// subscribe frame, then sends the given frames.
func fakeBookTickerServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeRequest
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe frame: %v", err)
			return
		}
		if sub.Method != "SUBSCRIBE" {
			t.Errorf("unexpected subscribe method %q", sub.Method)
		}

		// Subscribe ack mirrors what Binance sends: no symbol field.
		conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		// Hold the connection open until the client drops it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestBinanceCachesTicks(t *testing.T) {
	ts := fakeBookTickerServer(t, []string{
		`{"s":"BTCUSDT","b":"49999.50","a":"50000.50"}`,
		`{"s":"BTCUSDT","b":"not-a-number","a":"50001"}`,
		`{"s":"ETHUSDT","b":"2999","a":"3001"}`,
	})
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	src := NewBinance(wsURL, []string{"BTCUSDT", "ETHUSDT"}, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := src.LatestBid("ETHUSDT")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	bid, ok := src.LatestBid("BTCUSDT")
	require.True(t, ok)
	// The malformed tick was skipped; the first good one stands.
	require.True(t, bid.Equal(decimal.RequireFromString("49999.50")))
	ask, _ := src.LatestAsk("BTCUSDT")
	require.True(t, ask.Equal(decimal.RequireFromString("50000.50")))
}
