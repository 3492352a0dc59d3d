package gateway

import (
	"encoding/json"
	"strings"

	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
)

// Client → server message types on the candle channel.
const (
	MsgSubscribeCandle   = "SUBSCRIBE_CANDLE"
	MsgUnsubscribeCandle = "UNSUBSCRIBE_CANDLE"
)

const (
	errInvalidFormat = "Invalid message format"
	errMissingToken  = "Missing token_address"
	errInvalidType   = "Invalid message type"
	errRateLimited   = "Rate limit exceeded"
)

// Server → client envelope types on the fixed channels.
const (
	TypeTokenCreated   = "funCreated"
	TypeTradeCall      = "tradeCall"
	TypeCommentCreated = "commentCreated"
)

type ClientMessage struct {
	Type         string `json:"type"`
	TokenAddress string `json:"token_address,omitempty"`
}

type ErrorMessage struct {
	Error string `json:"error"`
}

// Envelope wraps fixed-channel payloads.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type CandleMessage struct {
	Type         model.UpdateKind `json:"type"`
	TokenAddress string           `json:"token_address"`
	Candle       model.CandleJSON `json:"candle"`
}

func NewCandleMessage(u model.CandleUpdate) CandleMessage {
	return CandleMessage{
		Type:         u.Kind,
		TokenAddress: model.NormalizeAddress(u.Token),
		Candle:       u.Candle.Wire(),
	}
}

// HandleMessage applies one inbound candle-channel message from c. Bad
// messages get an error reply; the connection stays open.
func (b *Broker) HandleMessage(c Conn, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		sendError(c, errInvalidFormat)
		return
	}

	switch msg.Type {
	case MsgSubscribeCandle:
		token := strings.TrimSpace(msg.TokenAddress)
		if token == "" {
			sendError(c, errMissingToken)
			return
		}
		if err := b.SubscribeCandle(c, token); err != nil {
			b.log.Warn("subscribe failed", "conn", c.ID(), "err", err)
		}
	case MsgUnsubscribeCandle:
		if err := b.UnsubscribeCandle(c); err != nil {
			b.log.Warn("unsubscribe failed", "conn", c.ID(), "err", err)
		}
	default:
		sendError(c, errInvalidType)
	}
}

func sendError(c Conn, text string) {
	b, _ := json.Marshal(ErrorMessage{Error: text})
	_ = c.Send(b)
}
