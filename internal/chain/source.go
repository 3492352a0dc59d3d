// Package chain turns contract event logs into decoded batches and reads
// contract state, on top of go-ethereum's JSON-RPC client.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrSubscriptionClosed is reported when the transport ends a
// subscription without an error.
var ErrSubscriptionClosed = errors.New("log subscription closed")

// LogSubscriber is the part of ethclient.Client used for event streams.
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Caller is the part of ethclient.Client used for view calls.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial connects to a JSON-RPC endpoint. Log subscriptions need ws:// or
// wss://.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return c, nil
}

// Source opens filtered log subscriptions.
type Source struct {
	client LogSubscriber
	log    *slog.Logger

	// OnDecodeError is called for every log that fails to decode. The log
	// is skipped.
	OnDecodeError func(contract, event string, err error)
}

func NewSource(client LogSubscriber, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{client: client, log: log.With("component", "chain_source")}
}

// Subscribe streams every event of the given name emitted by c. Logs that
// arrive together are delivered as one batch, in arrival order. onError is
// called once if the transport subscription dies; the subscription is then
// no longer alive.
func (s *Source) Subscribe(ctx context.Context, c Contract, event string, onBatch func([]Log), onError func(error)) (*Subscription, error) {
	ev, ok := c.ABI.Events[event]
	if !ok {
		return nil, fmt.Errorf("%s: unknown event %q", c.Name, event)
	}

	logs := make(chan types.Log, 128)
	q := ethereum.FilterQuery{
		Addresses: []common.Address{c.Address},
		Topics:    [][]common.Hash{{ev.ID}},
	}
	sub, err := s.client.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.%s: %w", c.Name, event, err)
	}

	out := &Subscription{sub: sub, done: make(chan struct{})}
	out.alive.Store(true)
	out.wg.Add(1)
	go func() {
		defer out.wg.Done()
		for {
			select {
			case <-out.done:
				return
			case err, ok := <-sub.Err():
				out.alive.Store(false)
				select {
				case <-out.done:
					return
				default:
				}
				if !ok || err == nil {
					err = ErrSubscriptionClosed
				}
				s.log.Warn("log subscription ended", "contract", c.Name, "event", event, "error", err)
				if onError != nil {
					onError(err)
				}
				return
			case first := <-logs:
				batch := s.collect(c.Name, ev, first, logs)
				if len(batch) > 0 && onBatch != nil {
					onBatch(batch)
				}
			}
		}
	}()
	return out, nil
}

// collect decodes first plus whatever is already queued behind it.
func (s *Source) collect(contract string, ev abi.Event, first types.Log, logs <-chan types.Log) []Log {
	raw := []types.Log{first}
drain:
	for {
		select {
		case l := <-logs:
			raw = append(raw, l)
		default:
			break drain
		}
	}

	batch := make([]Log, 0, len(raw))
	for _, l := range raw {
		decoded, err := Decode(ev, l)
		if err != nil {
			s.log.Warn("skipping undecodable log",
				"contract", contract,
				"event", ev.Name,
				"tx", l.TxHash.Hex(),
				"error", err,
			)
			if s.OnDecodeError != nil {
				s.OnDecodeError(contract, ev.Name, err)
			}
			continue
		}
		batch = append(batch, decoded)
	}
	return batch
}

// Subscription is a live event stream.
type Subscription struct {
	sub   ethereum.Subscription
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	alive atomic.Bool
}

// Cancel stops the stream. No callback runs after Cancel returns.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.sub.Unsubscribe()
	})
	s.wg.Wait()
	s.alive.Store(false)
}

// Alive reports whether the transport subscription is still up.
func (s *Subscription) Alive() bool {
	return s.alive.Load()
}

// Reader performs view calls on the pool contract.
type Reader struct {
	caller Caller
	pool   Contract
}

func NewReader(caller Caller, pool Contract) *Reader {
	return &Reader{caller: caller, pool: pool}
}

// MarketCap returns getCurrentCap(token) at the latest block.
func (r *Reader) MarketCap(ctx context.Context, token string) (*big.Int, error) {
	data, err := r.pool.ABI.Pack("getCurrentCap", common.HexToAddress(token))
	if err != nil {
		return nil, fmt.Errorf("pack getCurrentCap: %w", err)
	}
	to := r.pool.Address
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getCurrentCap(%s): %w", token, err)
	}
	vals, err := r.pool.ABI.Unpack("getCurrentCap", out)
	if err != nil {
		return nil, fmt.Errorf("unpack getCurrentCap: %w", err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("getCurrentCap: want 1 output, got %d", len(vals))
	}
	mc, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getCurrentCap: unexpected output %T", vals[0])
	}
	return mc, nil
}
