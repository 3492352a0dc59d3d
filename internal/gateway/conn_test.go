package gateway

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taraxa-fun/taraxa-fun-server/internal/marketdata/bus"
	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
	"github.com/taraxa-fun/taraxa-fun-server/internal/scheduler"
)

func startServer(t *testing.T) (*Broker, string) {
	t.Helper()
	b := NewBroker(BrokerConfig{}, scheduler.Real{}, quietLog())
	mux := http.NewServeMux()
	RegisterRoutes(mux, b, ConnConfig{}, quietLog())
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestWS_CandleSubscribeAndReceive(t *testing.T) {
	b, base := startServer(t)
	ws := dial(t, base+"/ws/candle-1m")

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: MsgSubscribeCandle, TokenAddress: "0xABC"}))
	require.Eventually(t, func() bool { return b.Members(CandleTopic("0xabc")) == 1 },
		2*time.Second, 10*time.Millisecond)

	at := time.Unix(1_700_000_000, 0)
	one := big.NewInt(1)
	c := model.NewCandle(model.KeyFor("0xabc", at), one, one, one, model.SideBuy, at)
	require.Equal(t, 1, b.Dispatch(bus.CandleUpdated(model.CandleUpdate{Kind: model.UpdateExists, Token: "0xabc", Candle: c})))

	msg := readJSON(t, ws)
	assert.Equal(t, "CANDLE_UPDATE", msg["type"])
	assert.Equal(t, "0xabc", msg["token_address"])
}

func TestWS_MissingTokenKeepsConnection(t *testing.T) {
	b, base := startServer(t)
	ws := dial(t, base+"/ws/candle-1m")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"SUBSCRIBE_CANDLE"}`)))
	assert.Equal(t, "Missing token_address", readJSON(t, ws)["error"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"SUBSCRIBE_CANDLE","token_address":"0xdef"}`)))
	require.Eventually(t, func() bool { return b.Members(CandleTopic("0xdef")) == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestWS_FixedTopicAndDisconnectCleanup(t *testing.T) {
	b, base := startServer(t)
	ws := dial(t, base+"/ws/trade-call")

	require.Eventually(t, func() bool { return b.Members(TradeCallTopic) == 1 },
		2*time.Second, 10*time.Millisecond)

	b.Dispatch(bus.TradeExecuted(model.TradeView{Type: model.SideBuy, Hash: "0x1"}))
	assert.Equal(t, "tradeCall", readJSON(t, ws)["type"])

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return b.Stats().Connections == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestWSConn_SendAfterClose(t *testing.T) {
	b, base := startServer(t)
	_ = dial(t, base+"/ws/comment-created")
	require.Eventually(t, func() bool { return b.Members(CommentCreatedTopic) == 1 },
		2*time.Second, 10*time.Millisecond)

	b.mu.Lock()
	var c Conn
	for _, m := range b.members {
		c = m.conn
	}
	b.mu.Unlock()

	require.NoError(t, c.Ping())
	require.NoError(t, c.Close())
	assert.False(t, c.Open())
	assert.ErrorIs(t, c.Send([]byte("x")), ErrConnClosed)
	assert.ErrorIs(t, c.Ping(), ErrConnClosed)
}
