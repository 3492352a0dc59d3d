package gateway

import (
	"context"

	"github.com/taraxa-fun/taraxa-fun-server/internal/marketdata/bus"
)

// Run forwards router events to subscribers until ctx is done or events
// is closed. Each event kind maps to exactly one topic.
func (b *Broker) Run(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.Dispatch(ev)
		}
	}
}

// Dispatch builds the wire message for ev and broadcasts it. Events
// without a payload are ignored.
func (b *Broker) Dispatch(ev bus.Event) int {
	var (
		t   Topic
		msg any
	)
	switch ev.Kind {
	case bus.KindTokenCreated:
		if ev.TokenCreated == nil {
			return 0
		}
		t, msg = TokenCreatedTopic, Envelope{Type: TypeTokenCreated, Data: ev.TokenCreated}
	case bus.KindTradeExecuted:
		if ev.TradeExecuted == nil {
			return 0
		}
		t, msg = TradeCallTopic, Envelope{Type: TypeTradeCall, Data: ev.TradeExecuted}
	case bus.KindCommentCreated:
		if ev.CommentCreated == nil {
			return 0
		}
		t, msg = CommentCreatedTopic, Envelope{Type: TypeCommentCreated, Data: ev.CommentCreated}
	case bus.KindCandleUpdated:
		if ev.CandleUpdated == nil {
			return 0
		}
		t = CandleTopic(ev.CandleUpdated.Token)
		// No subscribers for this token: skip the marshal.
		if b.Members(t) == 0 {
			return 0
		}
		msg = NewCandleMessage(*ev.CandleUpdated)
	default:
		return 0
	}

	n, err := b.Broadcast(t, msg)
	if err != nil {
		b.log.Error("broadcast failed", "topic", t.String(), "err", err)
	}
	return n
}
