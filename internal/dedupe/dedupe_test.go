package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogID(t *testing.T) {
	assert.Equal(t, "0xabc:7", LogID("0xabc", 7))
}

func TestMemoryDedupe_FirstSeenThenDuplicate(t *testing.T) {
	m := NewMemoryDedupe(nil, time.Minute, 0)
	defer m.Close()
	ctx := context.Background()

	seen, err := m.Seen(ctx, "0x1:0")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = m.Seen(ctx, "0x1:0")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, _ = m.Seen(ctx, "0x1:1")
	assert.False(t, seen, "different log index is a different id")
}

func TestMemoryDedupe_ExpiresAfterTTL(t *testing.T) {
	m := NewMemoryDedupe(nil, time.Minute, 0)
	defer m.Close()
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Seen(ctx, "id")
	now = now.Add(2 * time.Minute)

	seen, err := m.Seen(ctx, "id")
	require.NoError(t, err)
	assert.False(t, seen, "expired id counts as new")
}

func TestMemoryDedupe_SweepRemovesExpired(t *testing.T) {
	m := NewMemoryDedupe(nil, time.Minute, 0)
	defer m.Close()
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }

	m.Seen(context.Background(), "a")
	m.Seen(context.Background(), "b")
	now = now.Add(2 * time.Minute)
	m.sweep()

	assert.Equal(t, 0, m.Len())
}

func TestMemoryDedupe_ConcurrentSingleWinner(t *testing.T) {
	m := NewMemoryDedupe(nil, time.Minute, 0)
	defer m.Close()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if seen, _ := m.Seen(context.Background(), "same"); !seen {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh.Load())
}

func TestMemoryDedupe_CloseTwice(t *testing.T) {
	m := NewMemoryDedupe(nil, time.Minute, time.Millisecond)
	m.Close()
	m.Close()
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisDedupe_Constructor(t *testing.T) {
	_, err := NewRedisDedupe(nil, time.Minute, "")
	assert.Error(t, err)

	_, client := setupRedis(t)
	d, err := NewRedisDedupe(client, time.Minute, "")
	require.NoError(t, err)
	assert.Equal(t, "dedupe:", d.prefix)
}

func TestRedisDedupe_SeenAndTTL(t *testing.T) {
	mr, client := setupRedis(t)
	d, err := NewRedisDedupe(client, time.Minute, "feed:dedupe:")
	require.NoError(t, err)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "0xabc:1")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.True(t, mr.Exists("feed:dedupe:0xabc:1"))
	assert.Equal(t, time.Minute, mr.TTL("feed:dedupe:0xabc:1"))

	seen, err = d.Seen(ctx, "0xabc:1")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Minute)
	seen, err = d.Seen(ctx, "0xabc:1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisDedupe_ServerDown(t *testing.T) {
	mr, client := setupRedis(t)
	d, _ := NewRedisDedupe(client, time.Minute, "")
	mr.Close()

	_, err := d.Seen(context.Background(), "x")
	assert.Error(t, err)
}
