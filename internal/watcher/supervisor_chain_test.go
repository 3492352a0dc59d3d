package watcher

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

	"github.com/taraxa-fun/taraxa-fun-server/internal/chain"
)

type nodeSub struct {
	errCh chan error
	once  sync.Once
}

func (s *nodeSub) Unsubscribe()      { s.once.Do(func() { close(s.errCh) }) }
func (s *nodeSub) Err() <-chan error { return s.errCh }

type fakeNode struct {
	mu   sync.Mutex
	subs []*nodeSub
}

func (n *fakeNode) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := &nodeSub{errCh: make(chan error, 1)}
	n.subs = append(n.subs, s)
	return s, nil
}

func (n *fakeNode) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (n *fakeNode) Close() {}

func (n *fakeNode) lastSub() *nodeSub {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subs[len(n.subs)-1]
}

type nodeDialer struct {
	mu       sync.Mutex
	down     int
	dials    int
	lastNode *fakeNode
}

func (d *nodeDialer) dial(context.Context, string) (chain.Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.down {
		return nil, errors.New("dial tcp: connection refused")
	}
	d.lastNode = &fakeNode{}
	return d.lastNode, nil
}

func (d *nodeDialer) node() *fakeNode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastNode
}

func chainFeedOver(t *testing.T, client *chain.Client) *ChainFeed {
	t.Helper()
	pool, err := chain.NewContract("pool", "0x1000000000000000000000000000000000000001", chain.PoolABI)
	require.NoError(t, err)
	return NewChainFeed("trade-call", ChainSource(chain.NewSource(client, nil)), pool, chain.EventTradeCall,
		func(context.Context, chain.Log) error { return nil }, nil)
}

func TestSupervisor_NodeDownAtBootIsRetried(t *testing.T) {
	d := &nodeDialer{down: 2}
	client := chain.NewClient("ws://node:8546", d.dial, nil)
	defer client.Close()

	feed := chainFeedOver(t, client)
	s, clk := newTestSupervisor(Config{RetryDelay: 5 * time.Second}, feed)

	var failures []int
	s.OnStartError = func(_ string, _ error, n int) { failures = append(failures, n) }

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Equal(t, StateStarting, mustState(t, s, "trade-call"))

	clk.Advance(5 * time.Second)
	assert.Equal(t, StateStarting, mustState(t, s, "trade-call"))

	clk.Advance(5 * time.Second)
	assert.Equal(t, StateRunning, mustState(t, s, "trade-call"))
	assert.Equal(t, []int{1, 2}, failures)
	assert.True(t, s.Status()[0].Alive)
}

func TestSupervisor_TransportDeathRedialsOnCheck(t *testing.T) {
	d := &nodeDialer{}
	client := chain.NewClient("ws://node:8546", d.dial, nil)
	defer client.Close()

	feed := chainFeedOver(t, client)
	s, clk := newTestSupervisor(Config{CheckInterval: 30 * time.Second}, feed)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Equal(t, StateRunning, mustState(t, s, "trade-call"))

	d.node().lastSub().errCh <- errors.New("websocket: close 1006")
	require.Eventually(t, func() bool { return !s.Status()[0].Alive }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !client.Connected() }, 2*time.Second, 5*time.Millisecond)

	clk.Advance(30 * time.Second)
	assert.Equal(t, StateRunning, mustState(t, s, "trade-call"))
	assert.True(t, s.Status()[0].Alive)

	d.mu.Lock()
	assert.Equal(t, 2, d.dials)
	d.mu.Unlock()
}
