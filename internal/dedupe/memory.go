package dedupe

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type memEntry struct {
	expireAt int64 // unix nano
}

// MemoryDedupe is a single-instance deduper with per-id TTL.
type MemoryDedupe struct {
	log     *slog.Logger
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	items   map[string]memEntry
	stopCh  chan struct{}
	stopped bool
}

// NewMemoryDedupe keeps ids for ttl. A janitor sweeps expired ids every
// janitorEvery; 0 disables it.
func NewMemoryDedupe(log *slog.Logger, ttl, janitorEvery time.Duration) *MemoryDedupe {
	if log == nil {
		log = slog.Default()
	}
	m := &MemoryDedupe{
		log:    log.With("component", "dedupe"),
		ttl:    ttl,
		now:    time.Now,
		items:  make(map[string]memEntry, 1024),
		stopCh: make(chan struct{}),
	}
	if janitorEvery > 0 {
		go m.janitor(janitorEvery)
	}
	return m
}

func (m *MemoryDedupe) Seen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixNano()
	if e, ok := m.items[id]; ok && e.expireAt > now {
		return true, nil
	}
	m.items[id] = memEntry{expireAt: now + m.ttl.Nanoseconds()}
	return false, nil
}

// Len returns the number of tracked ids, expired or not.
func (m *MemoryDedupe) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *MemoryDedupe) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

func (m *MemoryDedupe) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UnixNano()
	removed := 0
	for k, e := range m.items {
		if e.expireAt <= now {
			delete(m.items, k)
			removed++
		}
	}
	if removed > 0 {
		m.log.Debug("expired dedupe ids removed", "count", removed)
	}
}

// Close stops the janitor.
func (m *MemoryDedupe) Close() {
	m.mu.Lock()
	if !m.stopped {
		close(m.stopCh)
		m.stopped = true
	}
	m.mu.Unlock()
}
