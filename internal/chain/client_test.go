package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closingSub closes its error channel on Unsubscribe, like go-ethereum's.
type closingSub struct {
	errCh chan error
	once  sync.Once
}

func newClosingSub() *closingSub { return &closingSub{errCh: make(chan error, 1)} }

func (s *closingSub) Unsubscribe()      { s.once.Do(func() { close(s.errCh) }) }
func (s *closingSub) Err() <-chan error { return s.errCh }

type fakeBackend struct {
	mu      sync.Mutex
	subs    []*closingSub
	callErr error
	subErr  error
	closed  bool
}

func (b *fakeBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return nil, b.subErr
	}
	s := newClosingSub()
	b.subs = append(b.subs, s)
	return s, nil
}

func (b *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, b.callErr
}

func (b *fakeBackend) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *fakeBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// scriptedDialer fails the first failFirst dials and then hands out fresh
// backends.
type scriptedDialer struct {
	mu        sync.Mutex
	failFirst int
	dials     int
	backends  []*fakeBackend
}

func (d *scriptedDialer) dial(context.Context, string) (Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	b := &fakeBackend{}
	d.backends = append(d.backends, b)
	return b, nil
}

func (d *scriptedDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type codedErr struct{}

func (codedErr) Error() string  { return "execution reverted" }
func (codedErr) ErrorCode() int { return 3 }

func TestClient_DialsLazilyAndRetriesAfterFailure(t *testing.T) {
	d := &scriptedDialer{failFirst: 1}
	c := NewClient("ws://node", d.dial, nil)
	defer c.Close()

	assert.Equal(t, 0, d.count(), "no dial before first use")
	assert.False(t, c.Connected())

	_, err := c.SubscribeFilterLogs(context.Background(), ethereum.FilterQuery{}, make(chan types.Log))
	require.Error(t, err)
	assert.False(t, c.Connected())

	sub, err := c.SubscribeFilterLogs(context.Background(), ethereum.FilterQuery{}, make(chan types.Log))
	require.NoError(t, err)
	defer sub.Unsubscribe()
	assert.True(t, c.Connected())
	assert.Equal(t, 2, d.count())

	sub2, err := c.SubscribeFilterLogs(context.Background(), ethereum.FilterQuery{}, make(chan types.Log))
	require.NoError(t, err)
	defer sub2.Unsubscribe()
	assert.Equal(t, 2, d.count(), "connection shared")
}

func TestClient_SubscriptionErrorDropsConnection(t *testing.T) {
	d := &scriptedDialer{}
	c := NewClient("ws://node", d.dial, nil)
	defer c.Close()

	sub, err := c.SubscribeFilterLogs(context.Background(), ethereum.FilterQuery{}, make(chan types.Log))
	require.NoError(t, err)

	first := d.backends[0]
	first.subs[0].errCh <- errors.New("websocket: close 1006")

	select {
	case err := <-sub.Err():
		assert.EqualError(t, err, "websocket: close 1006")
	case <-time.After(2 * time.Second):
		t.Fatal("error not forwarded")
	}
	assert.True(t, first.isClosed())
	assert.False(t, c.Connected())

	sub2, err := c.SubscribeFilterLogs(context.Background(), ethereum.FilterQuery{}, make(chan types.Log))
	require.NoError(t, err)
	defer sub2.Unsubscribe()
	assert.Equal(t, 2, d.count(), "redialed")
}

func TestClient_UnsubscribeKeepsConnection(t *testing.T) {
	d := &scriptedDialer{}
	c := NewClient("ws://node", d.dial, nil)
	defer c.Close()

	sub, err := c.SubscribeFilterLogs(context.Background(), ethereum.FilterQuery{}, make(chan types.Log))
	require.NoError(t, err)
	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case _, ok := <-sub.Err():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("error channel not closed")
	}
	assert.True(t, c.Connected())
	assert.False(t, d.backends[0].isClosed())
}

func TestClient_CallErrors(t *testing.T) {
	d := &scriptedDialer{}
	c := NewClient("ws://node", d.dial, nil)
	defer c.Close()

	_, err := c.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	require.NoError(t, err)

	d.backends[0].callErr = codedErr{}
	_, err = c.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	require.Error(t, err)
	assert.True(t, c.Connected(), "node-side errors keep the connection")

	d.backends[0].callErr = errors.New("broken pipe")
	_, err = c.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	require.Error(t, err)
	assert.False(t, c.Connected())
}

func TestClient_Close(t *testing.T) {
	d := &scriptedDialer{}
	c := NewClient("ws://node", d.dial, nil)
	_, err := c.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	require.NoError(t, err)

	c.Close()
	assert.True(t, d.backends[0].isClosed())
	_, err = c.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}
