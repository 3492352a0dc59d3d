package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
)

// Reader serves mirrored candles back out of Redis.
type Reader struct {
	client *goredis.Client
}

func NewReader(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// Latest returns the newest snapshot for token, or model.ErrNotFound.
func (r *Reader) Latest(ctx context.Context, token string) (model.CandleJSON, error) {
	var c model.CandleJSON
	raw, err := r.client.Get(ctx, LatestKey(token)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return c, model.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("get latest %s: %w", token, err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("decode latest %s: %w", token, err)
	}
	return c, nil
}

// Recent returns up to n stream entries, newest first.
func (r *Reader) Recent(ctx context.Context, token string, n int64) ([]model.CandleJSON, error) {
	msgs, err := r.client.XRevRangeN(ctx, StreamKey(token), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", token, err)
	}
	out := make([]model.CandleJSON, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var c model.CandleJSON
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
		}
		out = append(out, c)
	}
	return out, nil
}
