package gateway

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// RegisterRoutes mounts the four WebSocket endpoints.
func RegisterRoutes(mux *http.ServeMux, b *Broker, cfg ConnConfig, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ws")

	fixed := map[string]Topic{
		"/ws/create-fun":      TokenCreatedTopic,
		"/ws/trade-call":      TradeCallTopic,
		"/ws/comment-created": CommentCreatedTopic,
	}
	for path, topic := range fixed {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				log.Warn("upgrade failed", "path", r.URL.Path, "err", err)
				return
			}
			b.serve(newWSConn(ws, cfg, log), nil, topic)
		})
	}

	mux.HandleFunc("/ws/candle-1m", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", "path", r.URL.Path, "err", err)
			return
		}
		b.serve(newWSConn(ws, cfg, log), b.HandleMessage)
	})
}

// serve registers c and runs its pumps. It blocks until the peer is gone.
// Messages on fixed channels are read only to keep pongs flowing.
func (b *Broker) serve(c *wsConn, handle func(Conn, []byte), topics ...Topic) {
	if err := b.Register(c, topics...); err != nil {
		return
	}
	go c.writePump()
	c.readPump(handle, func(c Conn) { b.Remove(c) })
}
