package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var (
	ErrConnClosed     = errors.New("gateway: connection closed")
	ErrSendBufferFull = errors.New("gateway: send buffer full")
)

// Conn is the broker's view of a subscriber. Send must not block.
type Conn interface {
	ID() string
	Open() bool
	Send(msg []byte) error
	Ping() error
	Close() error
}

type ConnConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	// PongWait bounds the silence tolerated between pongs. It must exceed
	// the broker's sweep interval.
	PongWait     time.Duration
	ReadLimit    int64
	MessageRate  float64
	MessageBurst int
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 75 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4096
	}
	if c.MessageRate <= 0 {
		c.MessageRate = 10
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 20
	}
	return c
}

// wsConn adapts a gorilla connection to Conn. Writes go through a buffered
// channel drained by writePump; pings use WriteControl, which gorilla allows
// concurrently with the pump.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	cfg     ConnConfig
	send    chan []byte
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
	limiter *rate.Limiter
	log     *slog.Logger
}

func newWSConn(ws *websocket.Conn, cfg ConnConfig, log *slog.Logger) *wsConn {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &wsConn{
		id:      id,
		ws:      ws,
		cfg:     cfg,
		send:    make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst),
		log:     log.With("conn", id, "remote", ws.RemoteAddr().String()),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Open() bool { return !c.closed.Load() }

func (c *wsConn) Send(msg []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) Ping() error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) writePump() {
	defer c.Close()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed", "err", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump runs until the peer goes away. Every inbound message is passed
// to handle; onClose runs once the read side fails.
func (c *wsConn) readPump(handle func(Conn, []byte), onClose func(Conn)) {
	defer func() {
		onClose(c)
		c.Close()
	}()

	c.ws.SetReadLimit(c.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read failed", "err", err)
			}
			return
		}
		if !c.limiter.Allow() {
			sendError(c, errRateLimited)
			continue
		}
		if handle != nil {
			handle(c, msg)
		}
	}
}
