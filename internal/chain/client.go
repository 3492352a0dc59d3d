package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrClientClosed is returned by a Client after Close.
var ErrClientClosed = errors.New("chain client closed")

const defaultDialTimeout = 10 * time.Second

// Backend is the JSON-RPC surface used by the feeds and the market-cap
// reader. *ethclient.Client satisfies it.
type Backend interface {
	LogSubscriber
	Caller
	Close()
}

// DialFunc opens a Backend.
type DialFunc func(ctx context.Context, url string) (Backend, error)

// DialBackend is the production DialFunc.
func DialBackend(ctx context.Context, url string) (Backend, error) {
	c, err := Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Client dials the node on first use and drops the connection when it
// fails, so the next call dials again. An unreachable node therefore
// surfaces as a failed subscribe or call, which the watcher retries.
type Client struct {
	url         string
	dial        DialFunc
	dialTimeout time.Duration
	log         *slog.Logger

	mu      sync.Mutex
	backend Backend
	closed  bool

	// OnDial is called after every dial attempt.
	OnDial func(err error)
}

func NewClient(url string, dial DialFunc, log *slog.Logger) *Client {
	if dial == nil {
		dial = DialBackend
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		url:         url,
		dial:        dial,
		dialTimeout: defaultDialTimeout,
		log:         log.With("component", "chain_client"),
	}
}

// Connected reports whether a connection is currently held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend != nil
}

func (c *Client) get(ctx context.Context) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.backend != nil {
		return c.backend, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	b, err := c.dial(dialCtx, c.url)
	if c.OnDial != nil {
		c.OnDial(err)
	}
	if err != nil {
		c.log.Warn("chain node unreachable", "url", c.url, "error", err)
		return nil, err
	}
	c.backend = b
	c.log.Info("connected to chain node", "url", c.url)
	return b, nil
}

// reset forgets b if it is still the current connection.
func (c *Client) reset(b Backend, cause error) {
	c.mu.Lock()
	if c.backend != b {
		c.mu.Unlock()
		return
	}
	c.backend = nil
	c.mu.Unlock()

	c.log.Warn("dropping chain connection", "error", cause)
	b.Close()
}

// SubscribeFilterLogs implements LogSubscriber.
func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	b, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := b.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		if transportError(err) {
			c.reset(b, err)
		}
		return nil, err
	}
	return c.watch(b, sub), nil
}

// CallContract implements Caller.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	out, err := b.CallContract(ctx, msg, blockNumber)
	if err != nil && transportError(err) {
		c.reset(b, err)
	}
	return out, err
}

// Close drops the connection. Later calls fail with ErrClientClosed.
func (c *Client) Close() {
	c.mu.Lock()
	b := c.backend
	c.backend = nil
	c.closed = true
	c.mu.Unlock()
	if b != nil {
		b.Close()
	}
}

// transportError is false for errors the node itself answered with
// (reverts, bad params) and for caller cancellation.
func transportError(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// watchedSub forwards a subscription's error and resets the client when
// the transport reports one.
type watchedSub struct {
	inner ethereum.Subscription
	errc  chan error
	quit  chan struct{}
	once  sync.Once
}

func (c *Client) watch(b Backend, sub ethereum.Subscription) *watchedSub {
	w := &watchedSub{
		inner: sub,
		errc:  make(chan error, 1),
		quit:  make(chan struct{}),
	}
	go func() {
		defer close(w.errc)
		select {
		case <-w.quit:
		case err, ok := <-sub.Err():
			select {
			case <-w.quit:
				return
			default:
			}
			if !ok || err == nil {
				err = ErrSubscriptionClosed
			}
			c.reset(b, err)
			w.errc <- err
		}
	}()
	return w
}

func (w *watchedSub) Err() <-chan error { return w.errc }

func (w *watchedSub) Unsubscribe() {
	w.once.Do(func() {
		close(w.quit)
		w.inner.Unsubscribe()
	})
}
