package main

import (
	"context"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/taraxa-fun/taraxa-fun-server/config"
	"github.com/taraxa-fun/taraxa-fun-server/internal/gateway"
	"github.com/taraxa-fun/taraxa-fun-server/internal/marketdata/agg"
	"github.com/taraxa-fun/taraxa-fun-server/internal/metrics"
	"github.com/taraxa-fun/taraxa-fun-server/internal/model"
	"github.com/taraxa-fun/taraxa-fun-server/internal/notification"
	redisstore "github.com/taraxa-fun/taraxa-fun-server/internal/store/redis"
	"github.com/taraxa-fun/taraxa-fun-server/internal/watcher"
)

func wireAggregator(a *agg.Aggregator, m *metrics.Metrics) {
	a.OnUpdate = func(kind model.UpdateKind, live int) {
		m.TradesTotal.Inc()
		m.CandleUpdates.WithLabelValues(string(kind)).Inc()
		m.LiveCandles.Set(float64(live))
	}
	a.OnPersist = func(err error) {
		m.CandlePersists.WithLabelValues(metrics.Result(err)).Inc()
	}
	a.OnFinalize = func(live int) {
		m.CandlesFinalized.Inc()
		m.LiveCandles.Set(float64(live))
	}
	a.OnOutOfOrder = m.OutOfOrderTrades.Inc
}

func wireFeed(f *watcher.ChainFeed, m *metrics.Metrics) {
	f.OnLog = func(feed string) { m.FeedLogs.WithLabelValues(feed).Inc() }
	f.OnLogError = func(feed string, _ error) { m.FeedLogErrors.WithLabelValues(feed).Inc() }
}

func wireSupervisor(ctx context.Context, sup *watcher.Supervisor, m *metrics.Metrics, n notification.Notifier, log *slog.Logger) {
	sup.OnStateChange = func(feed string, _, to watcher.State) {
		m.FeedState.WithLabelValues(feed).Set(float64(to))
		if to == watcher.StateRunning {
			m.FeedStarts.WithLabelValues(feed).Inc()
		}
	}
	sup.OnStartError = func(feed string, _ error, _ int) {
		m.FeedStartFailures.WithLabelValues(feed).Inc()
	}
	sup.OnRestart = func(feed string) { m.FeedRestarts.WithLabelValues(feed).Inc() }
	sup.OnAlert = func(feed string, err error, consecutive int) {
		alert := notification.FeedFailing(feed, consecutive, err)
		go func() {
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := n.Send(sendCtx, alert); err != nil {
				log.Warn("alert delivery failed", "feed", feed, "err", err)
			}
		}()
	}
}

func wireBroker(b *gateway.Broker, m *metrics.Metrics) {
	b.OnSend = func(kind gateway.TopicKind, delivered int) {
		m.BroadcastSends.WithLabelValues(string(kind)).Add(float64(delivered))
	}
	b.OnEvict = func(kind gateway.TopicKind) { m.BroadcastEvictions.WithLabelValues(string(kind)).Inc() }
	b.OnSendDropped = func(kind gateway.TopicKind) { m.BroadcastDropped.WithLabelValues(string(kind)).Inc() }
	b.OnSweepEvict = m.SweepEvictions.Inc
	b.OnMembers = func(total int) { m.BrokerConnections.Set(float64(total)) }
}

// newBreaker builds the Redis circuit breaker. Its hook runs under the
// breaker lock, so it only touches metrics and the logger.
func newBreaker(m *metrics.Metrics, log *slog.Logger) *redisstore.CircuitBreaker {
	cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to redisstore.State) {
		m.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			m.RedisCircuitBreakerTrips.Inc()
		}
		log.Warn("redis circuit breaker state change", "from", from.String(), "to", to.String())
	}
	return cb
}

func newNotifier(cfg *config.Config, log *slog.Logger) notification.Notifier {
	multi := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.Notify.TelegramToken != "" {
		multi = append(multi, notification.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChat, log))
	}
	if cfg.Notify.WebhookURL != "" {
		multi = append(multi, notification.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.App.Service, log))
	}
	return multi
}

func feedHealth(status []watcher.FeedStatus) []metrics.FeedHealth {
	out := make([]metrics.FeedHealth, 0, len(status))
	for _, s := range status {
		out = append(out, metrics.FeedHealth{
			Name:     s.Name,
			State:    s.State,
			Running:  s.State == watcher.StateRunning.String() && s.Alive,
			Failures: s.Failures,
		})
	}
	return out
}

func redisClientOf(m *redisstore.Mirror) *goredis.Client {
	if m == nil {
		return nil
	}
	return m.Client()
}
