package agg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/taraxa-fun/taraxa-fun-server/internal/fixedpoint"
	"github.com/taraxa-fun/taraxa-fun-server/internal/logger"
	"github.com/taraxa-fun/taraxa-fun-server/internal/marketdata/bus"
	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
	"github.com/taraxa-fun/taraxa-fun-server/internal/scheduler"
)

var (
	// ErrInvalidTrade is returned for trades with non-positive amounts or an
	// unknown side. Nothing is mutated or persisted.
	ErrInvalidTrade = errors.New("invalid trade")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("aggregator closed")
)

const finalizeTimeout = 5 * time.Second

// Publisher receives one CandleUpdated event per processed trade.
type Publisher interface {
	Publish(ev bus.Event)
}

// candleState holds the live candle for one (token, bucket) and its
// pending finalize timer.
type candleState struct {
	candle   model.Candle
	finalize scheduler.Task
}

// Aggregator builds 1-minute candles from trades. Every mutation is
// persisted before ProcessTrade returns; the in-memory candle only advances
// when that persist succeeded, so memory never runs ahead of the store.
//
// A single mutex serializes trades and finalize timers: the
// lookup-persist-commit sequence for a key can never interleave with a
// finalize of the same key. Hooks run after the mutex is released.
type Aggregator struct {
	mu       sync.Mutex
	states   map[model.CandleKey]*candleState
	lastSeen map[string]time.Time // token -> latest trade time processed
	closed   bool

	store model.CandleStore
	pub   Publisher
	sched scheduler.Scheduler
	log   *slog.Logger

	// Metrics hooks (optional, set externally). live is the number of
	// in-memory candles right after the change.
	OnUpdate     func(kind model.UpdateKind, live int)
	OnPersist    func(err error)
	OnFinalize   func(live int)
	OnOutOfOrder func()
}

// hooks collects callbacks to run once the mutex is released.
type hooks []func()

func (h *hooks) add(f func()) { *h = append(*h, f) }

func (h hooks) run() {
	for _, f := range h {
		f()
	}
}

// New creates an Aggregator. pub may be nil when the caller only wants the
// returned updates.
func New(store model.CandleStore, pub Publisher, sched scheduler.Scheduler, log *slog.Logger) *Aggregator {
	if sched == nil {
		sched = scheduler.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		states:   make(map[model.CandleKey]*candleState),
		lastSeen: make(map[string]time.Time),
		store:    store,
		pub:      pub,
		sched:    sched,
		log:      log.With(slog.String("component", "agg")),
	}
}

// Price returns the quote-per-base price of a trade scaled by 10^18.
func Price(side model.Side, in, out *big.Int) (*big.Int, error) {
	if side == model.SideBuy {
		return fixedpoint.MulDiv(in, out)
	}
	return fixedpoint.MulDiv(out, in)
}

// Volume returns the base leg of a trade.
func Volume(side model.Side, in, out *big.Int) *big.Int {
	if side == model.SideBuy {
		return fixedpoint.Copy(out)
	}
	return fixedpoint.Copy(in)
}

func validate(t model.Trade) error {
	if t.InAmount == nil || t.InAmount.Sign() <= 0 {
		return fmt.Errorf("%w: inAmount must be positive", ErrInvalidTrade)
	}
	if t.OutAmount == nil || t.OutAmount.Sign() <= 0 {
		return fmt.Errorf("%w: outAmount must be positive", ErrInvalidTrade)
	}
	if !t.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidTrade, t.Side)
	}
	return nil
}

// ProcessTrade folds one trade into its bucket, persists the snapshot and
// publishes the resulting update. A persistence error is returned as is and
// leaves the in-memory state untouched.
//
// A trade for a bucket that was already finalized continues the persisted
// candle of that bucket instead of opening a fresh one over it.
func (a *Aggregator) ProcessTrade(ctx context.Context, t model.Trade) (model.CandleUpdate, error) {
	if err := validate(t); err != nil {
		return model.CandleUpdate{}, err
	}
	price, err := Price(t.Side, t.InAmount, t.OutAmount)
	if err != nil {
		return model.CandleUpdate{}, fmt.Errorf("%w: %v", ErrInvalidTrade, err)
	}
	volume := Volume(t.Side, t.InAmount, t.OutAmount)

	var h hooks
	update, err := a.process(ctx, t, price, volume, &h)
	h.run()
	return update, err
}

func (a *Aggregator) process(ctx context.Context, t model.Trade, price, volume *big.Int, h *hooks) (model.CandleUpdate, error) {
	key := model.KeyFor(t.Token, t.Time)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return model.CandleUpdate{}, ErrClosed
	}
	if a.outOfOrder(ctx, key.Token, t.Time) && a.OnOutOfOrder != nil {
		h.add(a.OnOutOfOrder)
	}

	st, live := a.states[key]
	kind := model.UpdateExists
	var next model.Candle
	if live {
		next = st.candle.Clone()
		next.Apply(price, volume, t.Side, t.Time)
	} else {
		prev, err := a.store.FindCandle(ctx, key)
		switch {
		case err == nil:
			a.log.Info("trade for finalized bucket, continuing persisted candle",
				append(logger.LogWithTrace(ctx),
					slog.String("token", key.Token),
					slog.Int64("bucket", key.Bucket),
					slog.Int64("trades", prev.Trades))...)
			next = prev
			next.Apply(price, volume, t.Side, t.Time)
		case errors.Is(err, model.ErrNotFound):
			open, err := a.openFor(ctx, key, price)
			if err != nil {
				return model.CandleUpdate{}, err
			}
			next = model.NewCandle(key, open, price, volume, t.Side, t.Time)
			kind = model.UpdateNew
		default:
			return model.CandleUpdate{}, fmt.Errorf("agg: candle %s@%d: %w", key.Token, key.Bucket, err)
		}
	}

	if err := a.persist(ctx, next, h); err != nil {
		return model.CandleUpdate{}, err
	}
	if live {
		st.candle = next
	} else {
		a.states[key] = &candleState{
			candle:   next,
			finalize: a.scheduleFinalize(key),
		}
	}
	update := model.CandleUpdate{Kind: kind, Token: key.Token, Candle: next.Clone()}

	if fn := a.OnUpdate; fn != nil {
		n := len(a.states)
		h.add(func() { fn(kind, n) })
	}
	// Published under the lock so subscribers see updates in commit order.
	if a.pub != nil {
		a.pub.Publish(bus.CandleUpdated(update))
	}
	return update, nil
}

// openFor resolves the open of a fresh bucket: the previous persisted close,
// else the token's launch price, else the trade's own price.
func (a *Aggregator) openFor(ctx context.Context, key model.CandleKey, price *big.Int) (*big.Int, error) {
	prev, err := a.store.LatestCandleBefore(ctx, key.Token, key.Start())
	switch {
	case err == nil:
		return prev.Close, nil
	case !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("agg: previous candle for %s: %w", key.Token, err)
	}

	initial, err := a.store.InitialPrice(ctx, key.Token)
	switch {
	case err == nil:
		return initial, nil
	case errors.Is(err, model.ErrNotFound):
		a.log.Warn("no initial price registered, opening at trade price",
			append(logger.LogWithTrace(ctx), slog.String("token", key.Token))...)
		return price, nil
	default:
		return nil, fmt.Errorf("agg: initial price for %s: %w", key.Token, err)
	}
}

func (a *Aggregator) persist(ctx context.Context, c model.Candle, h *hooks) error {
	err := a.store.UpsertCandle(ctx, c)
	if fn := a.OnPersist; fn != nil {
		h.add(func() { fn(err) })
	}
	if err != nil {
		return fmt.Errorf("agg: persist candle %s@%d: %w", c.Token, c.StartTime.UnixMilli(), err)
	}
	return nil
}

func (a *Aggregator) scheduleFinalize(key model.CandleKey) scheduler.Task {
	delay := key.Start().Add(model.CandleInterval).Sub(a.sched.Now())
	if delay < 0 {
		delay = 0
	}
	return a.sched.AfterFunc(delay, func() { a.Finalize(key) })
}

// outOfOrder reports trades older than the last one seen for the same
// token. They are still applied; bucket assignment only depends on event
// time.
func (a *Aggregator) outOfOrder(ctx context.Context, token string, at time.Time) bool {
	last, ok := a.lastSeen[token]
	if ok && at.Before(last) {
		a.log.Warn("out-of-order trade",
			append(logger.LogWithTrace(ctx),
				slog.String("token", token),
				slog.Time("trade_time", at),
				slog.Time("last_seen", last))...)
		return true
	}
	a.lastSeen[token] = at
	return false
}

// forgetIfIdle drops the order watermark of a token with no live candle.
func (a *Aggregator) forgetIfIdle(token string) {
	for key := range a.states {
		if key.Token == token {
			return
		}
	}
	delete(a.lastSeen, token)
}

// Finalize persists the final snapshot of key and evicts it from memory. It
// only ever touches the exact key given and never publishes.
func (a *Aggregator) Finalize(key model.CandleKey) {
	var h hooks
	a.finalize(key, &h)
	h.run()
}

func (a *Aggregator) finalize(key model.CandleKey, h *hooks) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[key]
	if !ok || a.closed {
		return
	}
	delete(a.states, key)
	a.forgetIfIdle(key.Token)

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := a.persist(ctx, st.candle, h); err != nil {
		// The store already holds this snapshot from the last mutation.
		a.log.Error("final persist failed", slog.String("token", key.Token),
			slog.Int64("bucket", key.Bucket), slog.Any("error", err))
	}
	if fn := a.OnFinalize; fn != nil {
		n := len(a.states)
		h.add(func() { fn(n) })
	}
}

// Live returns a copy of the in-memory candle for key.
func (a *Aggregator) Live(key model.CandleKey) (model.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	if !ok {
		return model.Candle{}, false
	}
	return st.candle.Clone(), true
}

// Len returns the number of in-memory candles.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

// Close cancels every pending finalize and drops all in-memory candles
// without a final flush.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	for key, st := range a.states {
		if st.finalize != nil {
			st.finalize.Stop()
		}
		delete(a.states, key)
	}
	a.lastSeen = make(map[string]time.Time)
	a.log.Info("aggregator closed")
}
