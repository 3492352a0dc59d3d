package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
	"github.com/taraxa-fun/taraxa-fun-server/internal/scheduler"
)

var (
	ErrBrokerClosed = errors.New("gateway: broker closed")
	ErrUnknownConn  = errors.New("gateway: connection not registered")
)

// TopicKind names a family of topics. The three fixed kinds have exactly
// one topic each; TopicCandle topics are keyed by token.
type TopicKind string

const (
	TopicTokenCreated   TopicKind = "create-fun"
	TopicTradeCall      TopicKind = "trade-call"
	TopicCommentCreated TopicKind = "comment-created"
	TopicCandle         TopicKind = "candle-1m"
)

type Topic struct {
	Kind  TopicKind
	Token string
}

var (
	TokenCreatedTopic   = Topic{Kind: TopicTokenCreated}
	TradeCallTopic      = Topic{Kind: TopicTradeCall}
	CommentCreatedTopic = Topic{Kind: TopicCommentCreated}
)

// CandleTopic returns the dynamic topic for token, lower-cased.
func CandleTopic(token string) Topic {
	return Topic{Kind: TopicCandle, Token: model.NormalizeAddress(token)}
}

func (t Topic) Dynamic() bool { return t.Kind == TopicCandle }

func (t Topic) String() string {
	if t.Dynamic() {
		return "candle:" + t.Token
	}
	return string(t.Kind)
}

type BrokerConfig struct {
	SweepInterval time.Duration
}

func (c BrokerConfig) withDefaults() BrokerConfig {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

type member struct {
	conn    Conn
	topics  map[Topic]struct{}
	dynamic *Topic
}

// Broker owns topic membership. It never drives a connection's lifecycle
// except to close connections it evicts.
type Broker struct {
	cfg   BrokerConfig
	sched scheduler.Scheduler
	log   *slog.Logger

	mu      sync.Mutex
	topics  map[Topic]map[string]Conn
	members map[string]*member
	sweep   scheduler.Task
	closed  bool

	latency *LatencyTracker

	// Optional hooks, called without the broker lock held.
	OnSend         func(kind TopicKind, delivered int)
	OnEvict        func(kind TopicKind)
	OnSweepEvict   func()
	OnMembers      func(total int)
	OnSendDropped  func(kind TopicKind)
	OnTopicRemoved func(t Topic)
}

func NewBroker(cfg BrokerConfig, sched scheduler.Scheduler, log *slog.Logger) *Broker {
	if sched == nil {
		sched = scheduler.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Broker{
		cfg:     cfg.withDefaults(),
		sched:   sched,
		log:     log.With("component", "broker"),
		topics:  make(map[Topic]map[string]Conn),
		members: make(map[string]*member),
		latency: NewLatencyTracker(10000),
	}
	for _, t := range []Topic{TokenCreatedTopic, TradeCallTopic, CommentCreatedTopic} {
		b.topics[t] = make(map[string]Conn)
	}
	return b
}

// Latency exposes the broadcast latency samples.
func (b *Broker) Latency() *LatencyTracker { return b.latency }

// Start arms the periodic liveness sweep.
func (b *Broker) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.sweep != nil {
		return
	}
	b.sweep = b.sched.AfterFunc(b.cfg.SweepInterval, b.runSweep)
}

func (b *Broker) runSweep() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.sweep = b.sched.AfterFunc(b.cfg.SweepInterval, b.runSweep)
	b.mu.Unlock()

	if n := b.Sweep(); n > 0 {
		b.log.Info("liveness sweep evicted connections", "evicted", n)
	}
}

// Register adds c to the broker and to each of topics.
func (b *Broker) Register(c Conn, topics ...Topic) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = c.Close()
		return ErrBrokerClosed
	}
	m, ok := b.members[c.ID()]
	if !ok {
		m = &member{conn: c, topics: make(map[Topic]struct{})}
		b.members[c.ID()] = m
	}
	for _, t := range topics {
		if t.Dynamic() {
			b.leaveDynamicLocked(m)
			b.joinLocked(m, t)
			m.dynamic = &t
			continue
		}
		b.joinLocked(m, t)
	}
	// Member count of each joined topic, read after every join.
	members := make(map[string]int, len(topics))
	for _, t := range topics {
		members[t.String()] = len(b.topics[t])
	}
	total := len(b.members)
	b.mu.Unlock()

	b.log.Debug("connection registered", "conn", c.ID(), "members", members, "total", total)
	b.notifyMembers(total)
	return nil
}

// SubscribeCandle moves c to the candle topic for token. A connection holds
// at most one candle topic; the previous one is left first.
func (b *Broker) SubscribeCandle(c Conn, token string) error {
	t := CandleTopic(token)

	b.mu.Lock()
	m, ok := b.members[c.ID()]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownConn
	}
	if m.dynamic != nil && *m.dynamic == t {
		b.mu.Unlock()
		return nil
	}
	removed := b.leaveDynamicLocked(m)
	b.joinLocked(m, t)
	m.dynamic = &t
	n := len(b.topics[t])
	b.mu.Unlock()

	b.notifyTopicRemoved(removed)
	b.log.Debug("candle subscription", "conn", c.ID(), "topic", t.String(), "subscribers", n)
	return nil
}

// UnsubscribeCandle drops c from its candle topic, if any.
func (b *Broker) UnsubscribeCandle(c Conn) error {
	b.mu.Lock()
	m, ok := b.members[c.ID()]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownConn
	}
	removed := b.leaveDynamicLocked(m)
	b.mu.Unlock()

	b.notifyTopicRemoved(removed)
	return nil
}

// Remove drops c from every topic it belongs to. It reports whether c was
// registered.
func (b *Broker) Remove(c Conn) bool {
	b.mu.Lock()
	m, ok := b.members[c.ID()]
	if !ok {
		b.mu.Unlock()
		return false
	}
	removed := b.removeLocked(m)
	total := len(b.members)
	b.mu.Unlock()

	b.notifyTopicRemoved(removed)
	b.notifyMembers(total)
	return true
}

// Broadcast serializes v once and sends it to every member of t.
func (b *Broker) Broadcast(t Topic, v any) (int, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal %s message: %w", t, err)
	}
	return b.BroadcastRaw(t, payload), nil
}

// BroadcastRaw sends payload to every member of t and returns how many
// connections accepted it. Members found closed or failing are evicted
// after the loop.
func (b *Broker) BroadcastRaw(t Topic, payload []byte) int {
	start := time.Now()

	b.mu.Lock()
	set := b.topics[t]
	conns := make([]Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	if len(conns) == 0 {
		return 0
	}

	var dead []Conn
	delivered := 0
	for _, c := range conns {
		if !c.Open() {
			dead = append(dead, c)
			continue
		}
		switch err := c.Send(payload); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSendBufferFull):
			b.log.Warn("send buffer full, message dropped", "conn", c.ID(), "topic", t.String())
			if b.OnSendDropped != nil {
				b.OnSendDropped(t.Kind)
			}
		default:
			dead = append(dead, c)
		}
	}

	for _, c := range dead {
		b.evict(c)
		if b.OnEvict != nil {
			b.OnEvict(t.Kind)
		}
	}

	b.latency.Record(time.Since(start))
	if b.OnSend != nil {
		b.OnSend(t.Kind, delivered)
	}
	return delivered
}

// Sweep pings every registered connection and evicts the ones that are
// closed or fail the ping. Empty candle topics are dropped.
func (b *Broker) Sweep() int {
	b.mu.Lock()
	conns := make([]Conn, 0, len(b.members))
	for _, m := range b.members {
		conns = append(conns, m.conn)
	}
	b.mu.Unlock()

	evicted := 0
	for _, c := range conns {
		if c.Open() {
			if err := c.Ping(); err == nil {
				continue
			}
		}
		b.evict(c)
		evicted++
		if b.OnSweepEvict != nil {
			b.OnSweepEvict()
		}
	}

	b.mu.Lock()
	var removed []Topic
	for t, set := range b.topics {
		if t.Dynamic() && len(set) == 0 {
			delete(b.topics, t)
			removed = append(removed, t)
		}
	}
	b.mu.Unlock()
	b.notifyTopicRemoved(removed)

	return evicted
}

// Close stops the sweep, forgets every member and closes their connections.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.sweep != nil {
		b.sweep.Stop()
		b.sweep = nil
	}
	conns := make([]Conn, 0, len(b.members))
	for _, m := range b.members {
		conns = append(conns, m.conn)
	}
	b.members = make(map[string]*member)
	for t := range b.topics {
		if t.Dynamic() {
			delete(b.topics, t)
			continue
		}
		b.topics[t] = make(map[string]Conn)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	b.notifyMembers(0)
	b.log.Info("broker closed", "connections", len(conns))
}

// Members returns the member count of t.
func (b *Broker) Members(t Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[t])
}

// HasTopic reports whether t currently has an entry in the topic map.
func (b *Broker) HasTopic(t Topic) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[t]
	return ok
}

// CandleTopicOf returns the candle topic c is subscribed to.
func (b *Broker) CandleTopicOf(c Conn) (Topic, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.members[c.ID()]
	if !ok || m.dynamic == nil {
		return Topic{}, false
	}
	return *m.dynamic, true
}

type Stats struct {
	Connections       int `json:"connections"`
	TokenCreated      int `json:"funClientsCount"`
	TradeCall         int `json:"tradeClientsCount"`
	CommentCreated    int `json:"replyClientsCount"`
	CandleTopics      int `json:"candle1MClientsCount"`
	CandleSubscribers int `json:"candle1MSubscribers"`
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Connections:    len(b.members),
		TokenCreated:   len(b.topics[TokenCreatedTopic]),
		TradeCall:      len(b.topics[TradeCallTopic]),
		CommentCreated: len(b.topics[CommentCreatedTopic]),
	}
	for t, set := range b.topics {
		if t.Dynamic() {
			s.CandleTopics++
			s.CandleSubscribers += len(set)
		}
	}
	return s
}

func (b *Broker) evict(c Conn) {
	b.Remove(c)
	_ = c.Close()
	b.log.Debug("connection evicted", "conn", c.ID())
}

func (b *Broker) joinLocked(m *member, t Topic) {
	set, ok := b.topics[t]
	if !ok {
		set = make(map[string]Conn)
		b.topics[t] = set
	}
	set[m.conn.ID()] = m.conn
	m.topics[t] = struct{}{}
}

// leaveDynamicLocked returns the dropped topic, if leaving emptied it.
func (b *Broker) leaveDynamicLocked(m *member) []Topic {
	if m.dynamic == nil {
		return nil
	}
	t := *m.dynamic
	m.dynamic = nil
	delete(m.topics, t)
	return b.leaveLocked(m.conn.ID(), t)
}

func (b *Broker) leaveLocked(id string, t Topic) []Topic {
	set, ok := b.topics[t]
	if !ok {
		return nil
	}
	delete(set, id)
	if t.Dynamic() && len(set) == 0 {
		delete(b.topics, t)
		return []Topic{t}
	}
	return nil
}

func (b *Broker) removeLocked(m *member) []Topic {
	var removed []Topic
	for t := range m.topics {
		removed = append(removed, b.leaveLocked(m.conn.ID(), t)...)
	}
	delete(b.members, m.conn.ID())
	return removed
}

func (b *Broker) notifyMembers(total int) {
	if b.OnMembers != nil {
		b.OnMembers(total)
	}
}

func (b *Broker) notifyTopicRemoved(ts []Topic) {
	if b.OnTopicRemoved == nil {
		return
	}
	for _, t := range ts {
		b.OnTopicRemoved(t)
	}
}
