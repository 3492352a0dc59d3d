// Package redis mirrors the live 1-minute candles into Redis so other
// processes can read the latest bar, replay recent history from a stream,
// or follow updates over Redis pub/sub.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/taraxa-fun/taraxa-fun-server/internal/marketdata/bus"
	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
)

const (
	// Snapshots kept per token stream (approximate trim).
	defaultStreamMaxLen = 200
	defaultLatestTTL    = 30 * time.Minute
)

// Config configures the Redis mirror.
type Config struct {
	Addr         string
	Password     string
	DB           int
	StreamMaxLen int64
	LatestTTL    time.Duration
}

// LatestKey holds the most recent snapshot of a token's forming candle.
func LatestKey(token string) string { return "candle:1m:latest:" + token }

// StreamKey is the bounded stream of every snapshot written for a token.
func StreamKey(token string) string { return "candle:1m:" + token }

// PubSubChannel carries every snapshot as it is written.
func PubSubChannel(token string) string { return "pub:candle:1m:" + token }

// Mirror writes candle updates to Redis.
type Mirror struct {
	client    *goredis.Client
	maxLen    int64
	latestTTL time.Duration
	log       *slog.Logger
}

// New creates a Mirror and pings the server.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Mirror, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	m := NewWithClient(client, cfg, log)
	m.log.Info("redis connected", "addr", cfg.Addr)
	return m, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, cfg Config, log *slog.Logger) *Mirror {
	if log == nil {
		log = slog.Default()
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = defaultStreamMaxLen
	}
	if cfg.LatestTTL <= 0 {
		cfg.LatestTTL = defaultLatestTTL
	}
	return &Mirror{
		client:    client,
		maxLen:    cfg.StreamMaxLen,
		latestTTL: cfg.LatestTTL,
		log:       log.With("component", "redis_mirror"),
	}
}

// Client returns the underlying client for health checks and readers.
func (m *Mirror) Client() *goredis.Client { return m.client }

// Write stores one snapshot: SET latest, XADD to the stream and PUBLISH, in
// one pipeline round trip.
func (m *Mirror) Write(ctx context.Context, u model.CandleUpdate) error {
	data := string(u.Candle.JSON())
	token := u.Token

	pipe := m.client.Pipeline()
	pipe.Set(ctx, LatestKey(token), data, m.latestTTL)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(token),
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": data,
			"kind": string(u.Kind),
		},
	})
	pipe.Publish(ctx, PubSubChannel(token), data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis candle pipeline %s: %w", token, err)
	}
	return nil
}

// Close closes the client.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// candleWriter is what the buffered mirror writes through.
type candleWriter interface {
	Write(ctx context.Context, u model.CandleUpdate) error
}

// Run consumes candle events from the router until ctx is cancelled or the
// channel closes.
func Run(ctx context.Context, w *BufferedMirror, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != bus.KindCandleUpdated || ev.CandleUpdated == nil {
				continue
			}
			if err := w.Write(*ev.CandleUpdated); err != nil {
				w.log.Warn("candle mirror write failed",
					"token", ev.CandleUpdated.Token,
					"error", err,
				)
			}
		}
	}
}
