package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

var _ Deduper = (*RedisDedupe)(nil)

// RedisDedupe shares seen ids across instances with SETNX + TTL.
type RedisDedupe struct {
	rdb    *goredis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisDedupe builds a deduper. An empty prefix defaults to "dedupe:".
func NewRedisDedupe(rdb *goredis.Client, ttl time.Duration, prefix string) (*RedisDedupe, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required for the redis deduper")
	}
	if prefix == "" {
		prefix = "dedupe:"
	}
	return &RedisDedupe{rdb: rdb, ttl: ttl, prefix: prefix}, nil
}

func (d *RedisDedupe) Seen(ctx context.Context, id string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.prefix+id, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", id, err)
	}
	return !ok, nil
}
