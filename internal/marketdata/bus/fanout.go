// Package bus is the process-wide event router. Feeds publish domain events,
// the aggregator publishes candle updates, and every consumer (broker, Redis
// mirror, ClickHouse archive) receives the kinds it subscribed to on its own
// buffered channel.
package bus

import (
	"log/slog"
	"sync"

	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
)

// Kind identifies the payload carried by an Event.
type Kind int

const (
	KindTokenCreated Kind = iota + 1
	KindTradeExecuted
	KindCommentCreated
	KindCandleUpdated
)

func (k Kind) String() string {
	switch k {
	case KindTokenCreated:
		return "token_created"
	case KindTradeExecuted:
		return "trade_executed"
	case KindCommentCreated:
		return "comment_created"
	case KindCandleUpdated:
		return "candle_updated"
	default:
		return "unknown"
	}
}

// Event is a tagged union: exactly the field matching Kind is set.
type Event struct {
	Kind           Kind
	TokenCreated   *model.TokenView
	TradeExecuted  *model.TradeView
	CommentCreated *model.CommentView
	CandleUpdated  *model.CandleUpdate
}

func TokenCreated(v model.TokenView) Event {
	return Event{Kind: KindTokenCreated, TokenCreated: &v}
}

func TradeExecuted(v model.TradeView) Event {
	return Event{Kind: KindTradeExecuted, TradeExecuted: &v}
}

func CommentCreated(v model.CommentView) Event {
	return Event{Kind: KindCommentCreated, CommentCreated: &v}
}

func CandleUpdated(u model.CandleUpdate) Event {
	return Event{Kind: KindCandleUpdated, CandleUpdated: &u}
}

type subscriber struct {
	name  string
	kinds map[Kind]bool
	ch    chan Event
}

// Router fans every published event out to the subscribers interested in
// its kind. A full subscriber channel drops the event for that subscriber
// only, so a slow consumer never blocks a publisher.
type Router struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool

	// OnDrop is called when an event is dropped for a slow subscriber.
	OnDrop func(subscriber string, kind Kind)
}

// New creates an empty Router.
func New() *Router {
	return &Router{}
}

// Subscribe registers a named consumer for the given kinds (all kinds when
// none are given) and returns its channel. The channel is closed by Close.
func (r *Router) Subscribe(name string, bufSize int, kinds ...Kind) <-chan Event {
	s := &subscriber{name: name, kinds: make(map[Kind]bool, len(kinds)), ch: make(chan Event, bufSize)}
	for _, k := range kinds {
		s.kinds[k] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(s.ch)
		return s.ch
	}
	r.subs = append(r.subs, s)
	return s.ch
}

// Publish delivers ev to every interested subscriber without blocking.
func (r *Router) Publish(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	for _, s := range r.subs {
		if len(s.kinds) > 0 && !s.kinds[ev.Kind] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if r.OnDrop != nil {
				r.OnDrop(s.name, ev.Kind)
			} else {
				slog.Warn("bus subscriber full, dropping event", "subscriber", s.name, "kind", ev.Kind.String())
			}
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, s := range r.subs {
		close(s.ch)
	}
}

// ChannelStat reports the fill level of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

func (r *Router) ChannelStats() []ChannelStat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]ChannelStat, len(r.subs))
	for i, s := range r.subs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch)}
	}
	return stats
}
