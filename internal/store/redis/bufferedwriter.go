package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
	"github.com/taraxa-fun/taraxa-fun-server/internal/ringbuf"
)

const defaultBufferSize = 4096

// BufferedMirror routes writes through a circuit breaker. While the circuit
// is open, updates are kept in a bounded ring (oldest dropped first) and
// replayed when the circuit closes again.
type BufferedMirror struct {
	writer candleWriter
	cb     *CircuitBreaker
	ctx    context.Context
	log    *slog.Logger

	mu      sync.Mutex
	pending *ringbuf.Ring[model.CandleUpdate]
	dropped uint64

	OnBuffer func()
	OnFlush  func(count int)
}

// NewBufferedMirror wraps w. The breaker's OnStateChange is chained so a
// close transition triggers a flush.
func NewBufferedMirror(ctx context.Context, w candleWriter, cb *CircuitBreaker, bufferSize int, log *slog.Logger) *BufferedMirror {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		log = slog.Default()
	}
	bm := &BufferedMirror{
		writer:  w,
		cb:      cb,
		ctx:     ctx,
		log:     log.With("component", "redis_buffer"),
		pending: ringbuf.New[model.CandleUpdate](bufferSize),
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		bm.log.Info("redis circuit state change", "from", from.String(), "to", to.String())
		if to == StateClosed {
			go bm.flush()
		}
	}
	return bm
}

// Write mirrors u, or buffers it if the circuit is open. Buffered writes
// return nil.
func (bm *BufferedMirror) Write(u model.CandleUpdate) error {
	u.Candle = u.Candle.Clone()
	err := bm.cb.Execute(func() error {
		return bm.writer.Write(bm.ctx, u)
	})
	if errors.Is(err, ErrCircuitOpen) {
		bm.buffer(u)
		return nil
	}
	return err
}

func (bm *BufferedMirror) buffer(u model.CandleUpdate) {
	bm.mu.Lock()
	if !bm.pending.Push(u) {
		bm.pending.Pop()
		bm.pending.Push(u)
		bm.dropped++
	}
	bm.mu.Unlock()

	if bm.OnBuffer != nil {
		bm.OnBuffer()
	}
}

func (bm *BufferedMirror) flush() {
	bm.mu.Lock()
	toFlush := bm.pending.Drain()
	bm.mu.Unlock()
	if len(toFlush) == 0 {
		return
	}

	flushed := 0
	for _, u := range toFlush {
		if err := bm.writer.Write(bm.ctx, u); err != nil {
			bm.log.Warn("flush write failed", "token", u.Token, "error", err)
			continue
		}
		flushed++
	}

	bm.log.Info("flushed buffered candle writes", "count", flushed, "buffered", len(toFlush))
	if bm.OnFlush != nil {
		bm.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered updates.
func (bm *BufferedMirror) PendingCount() int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.pending.Len()
}

// Dropped returns how many buffered updates were discarded to make room.
func (bm *BufferedMirror) Dropped() uint64 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.dropped
}
