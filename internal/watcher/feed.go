package watcher

import (
	"context"
	"log/slog"

	"github.com/taraxa-fun/taraxa-fun-server/internal/chain"
)

// LogSource opens an event subscription on a contract.
type LogSource interface {
	Subscribe(ctx context.Context, c chain.Contract, event string, onBatch func([]chain.Log), onError func(error)) (Handle, error)
}

type chainSource struct{ src *chain.Source }

func (c chainSource) Subscribe(ctx context.Context, ct chain.Contract, event string, onBatch func([]chain.Log), onError func(error)) (Handle, error) {
	sub, err := c.src.Subscribe(ctx, ct, event, onBatch, onError)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ChainSource adapts a chain.Source to LogSource.
func ChainSource(src *chain.Source) LogSource { return chainSource{src: src} }

// LogHandler applies one decoded log.
type LogHandler func(ctx context.Context, l chain.Log) error

// ChainFeed is a Feed over one contract event. Every log of a batch is
// handled in order; a failing log is logged and counted and the rest of
// the batch still runs.
type ChainFeed struct {
	name     string
	src      LogSource
	contract chain.Contract
	event    string
	handle   LogHandler
	log      *slog.Logger

	OnLog          func(feed string)
	OnLogError     func(feed string, err error)
	OnTransportErr func(feed string, err error)
}

func NewChainFeed(name string, src LogSource, contract chain.Contract, event string, handle LogHandler, log *slog.Logger) *ChainFeed {
	if log == nil {
		log = slog.Default()
	}
	return &ChainFeed{
		name:     name,
		src:      src,
		contract: contract,
		event:    event,
		handle:   handle,
		log:      log.With("component", "feed", "feed", name),
	}
}

func (f *ChainFeed) Name() string { return f.name }

// Start subscribes. Batches are handled with ctx, which the supervisor
// cancels on shutdown.
func (f *ChainFeed) Start(ctx context.Context) (Handle, error) {
	return f.src.Subscribe(ctx, f.contract, f.event,
		func(batch []chain.Log) { f.HandleBatch(ctx, batch) },
		func(err error) {
			f.log.Error("upstream subscription error", "error", err)
			if f.OnTransportErr != nil {
				f.OnTransportErr(f.name, err)
			}
		},
	)
}

// HandleBatch runs the handler over every log in batch.
func (f *ChainFeed) HandleBatch(ctx context.Context, batch []chain.Log) {
	for _, l := range batch {
		if ctx.Err() != nil {
			return
		}
		if l.Removed {
			f.log.Warn("skipping removed log", "tx", l.TxHash, "log_index", l.LogIndex)
			continue
		}
		if f.OnLog != nil {
			f.OnLog(f.name)
		}
		if err := f.handle(ctx, l); err != nil {
			f.log.Error("log handling failed",
				"tx", l.TxHash,
				"log_index", l.LogIndex,
				"block", l.Block,
				"error", err,
			)
			if f.OnLogError != nil {
				f.OnLogError(f.name, err)
			}
		}
	}
}
