package agg

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/taraxa-fun/taraxa-fun-server/internal/marketdata/bus"
	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
	"github.com/taraxa-fun/taraxa-fun-server/internal/scheduler"
)

const tok = "0xabc"

// memStore is an in-memory model.CandleStore.
type memStore struct {
	mu       sync.Mutex
	candles  map[model.CandleKey]model.Candle
	initial  map[string]*big.Int
	upserts  int
	failWith error
}

func newMemStore() *memStore {
	return &memStore{
		candles: make(map[model.CandleKey]model.Candle),
		initial: make(map[string]*big.Int),
	}
}

func (s *memStore) UpsertCandle(_ context.Context, c model.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.upserts++
	s.candles[c.Key()] = c.Clone()
	return nil
}

func (s *memStore) FindCandle(_ context.Context, key model.CandleKey) (model.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candles[key]
	if !ok {
		return model.Candle{}, model.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *memStore) LatestCandleBefore(_ context.Context, token string, before time.Time) (model.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []model.CandleKey
	for k := range s.candles {
		if k.Token == token && k.Bucket < before.UnixMilli() {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return model.Candle{}, model.ErrNotFound
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Bucket > keys[j].Bucket })
	return s.candles[keys[0]].Clone(), nil
}

func (s *memStore) InitialPrice(_ context.Context, token string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.initial[token]
	if !ok {
		return nil, model.ErrNotFound
	}
	return new(big.Int).Set(p), nil
}

func (s *memStore) get(k model.CandleKey) (model.Candle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candles[k]
	return c, ok
}

type recordingPub struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *recordingPub) Publish(ev bus.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// bucket0 is aligned on a minute boundary.
var bucket0 = time.Unix(1700000040, 0).UTC()

func trade(side model.Side, in, out int64, at time.Time) model.Trade {
	return model.Trade{
		Token:     tok,
		InAmount:  big.NewInt(in),
		OutAmount: big.NewInt(out),
		Side:      side,
		Time:      at,
	}
}

func setup(t *testing.T) (*Aggregator, *memStore, *recordingPub, *scheduler.Manual) {
	t.Helper()
	store := newMemStore()
	store.initial[tok] = e18(2)
	pub := &recordingPub{}
	clock := scheduler.NewManual(bucket0.Add(5 * time.Second))
	a := New(store, pub, clock, nil)
	t.Cleanup(a.Close)
	return a, store, pub, clock
}

func TestProcessTrade_FirstTradeUsesInitialPrice(t *testing.T) {
	a, store, pub, _ := setup(t)

	up, err := a.ProcessTrade(context.Background(), trade(model.SideBuy, 1000, 500, bucket0.Add(5*time.Second)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if up.Kind != model.UpdateNew {
		t.Errorf("expected NEW_CANDLE, got %s", up.Kind)
	}
	c := up.Candle
	for name, v := range map[string]*big.Int{"open": c.Open, "high": c.High, "low": c.Low, "close": c.Close} {
		if v.Cmp(e18(2)) != 0 {
			t.Errorf("%s: got %s, want 2e18", name, v)
		}
	}
	if c.Volume.Int64() != 500 || c.BuyVolume.Int64() != 500 || c.SellVolume.Sign() != 0 {
		t.Errorf("unexpected volumes: %s/%s/%s", c.Volume, c.BuyVolume, c.SellVolume)
	}
	if c.Trades != 1 || c.BuyTrades != 1 || c.SellTrades != 0 {
		t.Errorf("unexpected counts: %d/%d/%d", c.Trades, c.BuyTrades, c.SellTrades)
	}
	if !c.StartTime.Equal(bucket0) {
		t.Errorf("start time: got %v, want %v", c.StartTime, bucket0)
	}

	if _, ok := store.get(c.Key()); !ok {
		t.Error("candle was not persisted")
	}
	if pub.count() != 1 {
		t.Errorf("expected 1 published event, got %d", pub.count())
	}
}

func TestProcessTrade_HighLowCommutative(t *testing.T) {
	trades := []model.Trade{
		trade(model.SideBuy, 3000, 1000, bucket0.Add(1*time.Second)), // 3e18
		trade(model.SideSell, 1000, 1000, bucket0.Add(2*time.Second)), // 1e18
		trade(model.SideBuy, 500, 100, bucket0.Add(3*time.Second)),    // 5e18
	}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}

	for _, order := range orders {
		a, _, _, _ := setup(t)
		var last model.CandleUpdate
		for _, i := range order {
			var err error
			last, err = a.ProcessTrade(context.Background(), trades[i])
			if err != nil {
				t.Fatalf("order %v: %v", order, err)
			}
		}
		c := last.Candle
		if c.High.Cmp(e18(5)) != 0 || c.Low.Cmp(e18(1)) != 0 {
			t.Errorf("order %v: high=%s low=%s", order, c.High, c.Low)
		}
		// buys contribute out, sells contribute in
		if c.Volume.Int64() != 1000+1000+100 {
			t.Errorf("order %v: volume=%s", order, c.Volume)
		}
		if c.Trades != 3 || c.BuyTrades+c.SellTrades != 3 || c.SellTrades != 1 {
			t.Errorf("order %v: counts %d/%d/%d", order, c.Trades, c.BuyTrades, c.SellTrades)
		}
		if c.Open.Cmp(e18(2)) != 0 {
			t.Errorf("order %v: open changed to %s", order, c.Open)
		}
	}
}

func TestProcessTrade_NewBucketOpensAtPreviousClose(t *testing.T) {
	a, _, _, _ := setup(t)
	ctx := context.Background()

	if _, err := a.ProcessTrade(ctx, trade(model.SideBuy, 3000, 1000, bucket0.Add(10*time.Second))); err != nil {
		t.Fatal(err)
	}
	up, err := a.ProcessTrade(ctx, trade(model.SideBuy, 4000, 1000, bucket0.Add(70*time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	if up.Kind != model.UpdateNew {
		t.Fatalf("expected NEW_CANDLE for next bucket, got %s", up.Kind)
	}
	if up.Candle.Open.Cmp(e18(3)) != 0 {
		t.Errorf("open: got %s, want previous close 3e18", up.Candle.Open)
	}
	if up.Candle.Low.Cmp(e18(3)) != 0 || up.Candle.High.Cmp(e18(4)) != 0 {
		t.Errorf("unexpected low/high %s/%s", up.Candle.Low, up.Candle.High)
	}
}

func TestProcessTrade_MissingInitialPriceOpensAtTradePrice(t *testing.T) {
	store := newMemStore()
	a := New(store, nil, scheduler.NewManual(bucket0), nil)
	defer a.Close()

	up, err := a.ProcessTrade(context.Background(), trade(model.SideBuy, 1000, 100, bucket0))
	if err != nil {
		t.Fatal(err)
	}
	if up.Candle.Open.Cmp(e18(10)) != 0 {
		t.Errorf("open: got %s, want 10e18", up.Candle.Open)
	}
}

func TestFinalize_FiresAtBucketEndAndEvictsOnlyItsKey(t *testing.T) {
	a, store, pub, clock := setup(t)
	ctx := context.Background()

	if _, err := a.ProcessTrade(ctx, trade(model.SideBuy, 1000, 500, bucket0.Add(5*time.Second))); err != nil {
		t.Fatal(err)
	}
	other := trade(model.SideBuy, 1000, 500, bucket0.Add(6*time.Second))
	other.Token = "0xother"
	if _, err := a.ProcessTrade(ctx, other); err != nil {
		t.Fatal(err)
	}
	if a.Len() != 2 {
		t.Fatalf("expected 2 live candles, got %d", a.Len())
	}

	// Trade for the next bucket arrives before the first timer fires.
	clock.Advance(50 * time.Second)
	if _, err := a.ProcessTrade(ctx, trade(model.SideSell, 10, 10, bucket0.Add(61*time.Second))); err != nil {
		t.Fatal(err)
	}
	published := pub.count()
	upsertsBefore := store.upserts

	clock.Advance(4 * time.Second) // now bucket0+59s, nothing due
	if a.Len() != 3 {
		t.Fatalf("finalize fired early: %d live", a.Len())
	}

	clock.Advance(time.Second) // bucket0+60s: both bucket0 candles finalize
	if a.Len() != 1 {
		t.Fatalf("expected 1 live candle after finalize, got %d", a.Len())
	}
	next := model.KeyFor(tok, bucket0.Add(61*time.Second))
	if _, ok := a.Live(next); !ok {
		t.Error("finalize evicted the next bucket's candle")
	}
	if pub.count() != published {
		t.Errorf("finalize must not publish: %d -> %d", published, pub.count())
	}
	if store.upserts != upsertsBefore+2 {
		t.Errorf("expected 2 final persists, got %d", store.upserts-upsertsBefore)
	}
}

func TestFinalize_LateTradeFiresImmediately(t *testing.T) {
	a, _, _, clock := setup(t)

	// clock is at bucket0+5s; a trade from two minutes earlier is overdue.
	if _, err := a.ProcessTrade(context.Background(), trade(model.SideBuy, 1, 1, bucket0.Add(-2*time.Minute))); err != nil {
		t.Fatal(err)
	}
	clock.Advance(0)
	if a.Len() != 0 {
		t.Errorf("expected overdue bucket finalized, %d live", a.Len())
	}
}

func TestProcessTrade_PersistFailureLeavesMemoryUntouched(t *testing.T) {
	a, store, pub, clock := setup(t)
	ctx := context.Background()
	boom := errors.New("disk full")

	first, err := a.ProcessTrade(ctx, trade(model.SideBuy, 1000, 500, bucket0.Add(time.Second)))
	if err != nil {
		t.Fatal(err)
	}

	store.failWith = boom
	_, err = a.ProcessTrade(ctx, trade(model.SideBuy, 9000, 1000, bucket0.Add(2*time.Second)))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped persist error, got %v", err)
	}

	live, ok := a.Live(first.Candle.Key())
	if !ok {
		t.Fatal("candle evicted on persist failure")
	}
	if live.Trades != 1 || live.Volume.Int64() != 500 || live.High.Cmp(first.Candle.High) != 0 {
		t.Errorf("memory advanced past store: trades=%d volume=%s high=%s", live.Trades, live.Volume, live.High)
	}
	if pub.count() != 1 {
		t.Errorf("failed trade must not publish, got %d events", pub.count())
	}

	// A failure on creation leaves no entry and no timer behind.
	pending := clock.Pending()
	if _, err := a.ProcessTrade(ctx, trade(model.SideBuy, 1, 1, bucket0.Add(3*time.Minute))); !errors.Is(err, boom) {
		t.Fatalf("expected persist error on create, got %v", err)
	}
	if a.Len() != 1 || clock.Pending() != pending {
		t.Errorf("create failure leaked state: live=%d pending=%d", a.Len(), clock.Pending())
	}
}

func TestProcessTrade_RejectsInvalidTrades(t *testing.T) {
	a, store, _, _ := setup(t)
	bad := []model.Trade{
		trade(model.SideBuy, 0, 10, bucket0),
		trade(model.SideSell, 10, 0, bucket0),
		trade("hold", 10, 10, bucket0),
		{Token: tok, Side: model.SideBuy, Time: bucket0},
	}
	for i, tr := range bad {
		if _, err := a.ProcessTrade(context.Background(), tr); !errors.Is(err, ErrInvalidTrade) {
			t.Errorf("case %d: expected ErrInvalidTrade, got %v", i, err)
		}
	}
	if store.upserts != 0 || a.Len() != 0 {
		t.Errorf("invalid trades mutated state: upserts=%d live=%d", store.upserts, a.Len())
	}
}

func TestProcessTrade_OutOfOrderIsFlagged(t *testing.T) {
	a, _, _, _ := setup(t)
	flagged := 0
	a.OnOutOfOrder = func() { flagged++ }
	ctx := context.Background()

	a.ProcessTrade(ctx, trade(model.SideBuy, 10, 10, bucket0.Add(10*time.Second)))
	a.ProcessTrade(ctx, trade(model.SideBuy, 10, 10, bucket0.Add(10*time.Second)))
	if flagged != 0 {
		t.Fatalf("equal timestamps flagged as out of order")
	}
	if _, err := a.ProcessTrade(ctx, trade(model.SideBuy, 10, 10, bucket0.Add(5*time.Second))); err != nil {
		t.Fatalf("out-of-order trade should still apply: %v", err)
	}
	if flagged != 1 {
		t.Errorf("expected 1 out-of-order trade, got %d", flagged)
	}
}

func TestClose_DropsStateWithoutFlush(t *testing.T) {
	a, store, _, clock := setup(t)
	a.ProcessTrade(context.Background(), trade(model.SideBuy, 10, 10, bucket0.Add(time.Second)))
	upserts := store.upserts

	a.Close()
	if a.Len() != 0 || clock.Pending() != 0 {
		t.Errorf("close left state: live=%d pending=%d", a.Len(), clock.Pending())
	}
	clock.Advance(2 * time.Minute)
	if store.upserts != upserts {
		t.Errorf("close flushed candles: %d extra upserts", store.upserts-upserts)
	}
	if _, err := a.ProcessTrade(context.Background(), trade(model.SideBuy, 1, 1, bucket0)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestPrice(t *testing.T) {
	buy, _ := Price(model.SideBuy, big.NewInt(1000), big.NewInt(500))
	sell, _ := Price(model.SideSell, big.NewInt(500), big.NewInt(1000))
	if buy.Cmp(e18(2)) != 0 || sell.Cmp(e18(2)) != 0 {
		t.Errorf("buy=%s sell=%s, want 2e18 for both", buy, sell)
	}
	if v := Volume(model.SideSell, big.NewInt(7), big.NewInt(9)); v.Int64() != 7 {
		t.Errorf("sell volume should be inAmount, got %s", v)
	}
}

// within fails the test if f does not return in time.
func within(t *testing.T, what string, f func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s did not return", what)
	}
}

func TestHooks_MayCallBackIntoAggregator(t *testing.T) {
	a, _, _, clock := setup(t)
	var updates, persists, finalizes []int
	a.OnUpdate = func(_ model.UpdateKind, live int) { updates = append(updates, live, a.Len()) }
	a.OnPersist = func(error) { persists = append(persists, a.Len()) }
	a.OnFinalize = func(live int) { finalizes = append(finalizes, live, a.Len()) }
	a.OnOutOfOrder = func() { _ = a.Len() }

	within(t, "ProcessTrade", func() {
		a.ProcessTrade(context.Background(), trade(model.SideBuy, 1000, 500, bucket0.Add(10*time.Second)))
		a.ProcessTrade(context.Background(), trade(model.SideBuy, 1000, 500, bucket0.Add(9*time.Second)))
	})
	within(t, "Finalize", func() { clock.Advance(time.Minute) })

	if len(updates) != 4 || updates[0] != 1 || updates[1] != 1 {
		t.Errorf("unexpected update hook calls: %v", updates)
	}
	if len(persists) != 3 {
		t.Errorf("expected 3 persist hook calls, got %v", persists)
	}
	if len(finalizes) != 2 || finalizes[0] != 0 || finalizes[1] != 0 {
		t.Errorf("unexpected finalize hook calls: %v", finalizes)
	}
}

func TestProcessTrade_LateTradeContinuesFinalizedBucket(t *testing.T) {
	a, store, _, clock := setup(t)
	ctx := context.Background()

	for _, sec := range []int{10, 11, 12} {
		if _, err := a.ProcessTrade(ctx, trade(model.SideBuy, 1000, 500, bucket0.Add(time.Duration(sec)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}
	clock.Advance(56 * time.Second) // bucket0+61s, bucket0 finalized
	if a.Len() != 0 {
		t.Fatalf("expected bucket finalized, %d live", a.Len())
	}

	up, err := a.ProcessTrade(ctx, trade(model.SideBuy, 3000, 500, bucket0.Add(58*time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	if up.Kind != model.UpdateExists {
		t.Errorf("expected CANDLE_EXISTS for a known bucket, got %s", up.Kind)
	}

	c, _ := store.get(model.KeyFor(tok, bucket0))
	if c.Trades != 4 || c.Volume.Int64() != 2000 {
		t.Errorf("persisted bucket after 4 trades: trades=%d volume=%s", c.Trades, c.Volume)
	}
	if c.Open.Cmp(e18(2)) != 0 || c.Close.Cmp(e18(6)) != 0 || c.High.Cmp(e18(6)) != 0 {
		t.Errorf("unexpected open/close/high %s/%s/%s", c.Open, c.Close, c.High)
	}

	// The reopened bucket is overdue and finalizes again right away.
	clock.Advance(0)
	if a.Len() != 0 {
		t.Errorf("reopened bucket not finalized, %d live", a.Len())
	}
	c, _ = store.get(model.KeyFor(tok, bucket0))
	if c.Trades != 4 {
		t.Errorf("final persist lost trades: %d", c.Trades)
	}
}

func TestFinalize_ForgetsIdleTokenWatermark(t *testing.T) {
	a, _, _, clock := setup(t)
	ctx := context.Background()

	a.ProcessTrade(ctx, trade(model.SideBuy, 10, 10, bucket0.Add(10*time.Second)))
	other := trade(model.SideBuy, 10, 10, bucket0.Add(70*time.Second))
	other.Token = "0xother"
	a.ProcessTrade(ctx, other)

	clock.Advance(56 * time.Second) // bucket0 ends, 0xother's next bucket still live
	a.mu.Lock()
	_, kept := a.lastSeen["0xother"]
	_, dropped := a.lastSeen[tok]
	n := len(a.lastSeen)
	a.mu.Unlock()
	if !kept || dropped || n != 1 {
		t.Errorf("watermarks after finalize: other=%v finalized=%v len=%d", kept, dropped, n)
	}

	clock.Advance(time.Minute)
	a.mu.Lock()
	n = len(a.lastSeen)
	a.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no watermarks with no live candles, got %d", n)
	}
}
