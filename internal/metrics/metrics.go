package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the feed engine exports.
type Metrics struct {
	// Candle aggregation
	TradesTotal      prometheus.Counter
	CandleUpdates    *prometheus.CounterVec // labels: kind=NEW_CANDLE|CANDLE_UPDATE
	CandlePersists   *prometheus.CounterVec // labels: result=ok|error
	CandlesFinalized prometheus.Counter
	OutOfOrderTrades prometheus.Counter
	LiveCandles      prometheus.Gauge

	// Subscription broker
	BroadcastSends     *prometheus.CounterVec // labels: topic
	BroadcastEvictions *prometheus.CounterVec // labels: topic
	BroadcastDropped   *prometheus.CounterVec // labels: topic
	SweepEvictions     prometheus.Counter
	BrokerConnections  prometheus.Gauge

	// Watcher supervision
	FeedStarts        *prometheus.CounterVec // labels: feed
	FeedStartFailures *prometheus.CounterVec // labels: feed
	FeedRestarts      *prometheus.CounterVec // labels: feed
	FeedState         *prometheus.GaugeVec   // labels: feed; 0=stopped, 1=starting, 2=running
	FeedLogs          *prometheus.CounterVec // labels: feed
	FeedLogErrors     *prometheus.CounterVec // labels: feed
	DuplicateLogs     prometheus.Counter
	DecodeErrors      *prometheus.CounterVec // labels: event

	// Event router backpressure
	FanoutDropsTotal *prometheus.CounterVec // labels: subscriber

	// Redis mirror
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
	RedisFlushedWrites       prometheus.Counter

	// ClickHouse archive
	ArchiveRows *prometheus.CounterVec // labels: result=ok|error
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// means the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_trades_total",
			Help: "Trades folded into candles",
		}),
		CandleUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_candle_updates_total",
			Help: "Candle update events emitted (by kind)",
		}, []string{"kind"}),
		CandlePersists: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_candle_persists_total",
			Help: "Write-through candle persists (by result)",
		}, []string{"result"}),
		CandlesFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_candles_finalized_total",
			Help: "Candles persisted and evicted by their finalize timer",
		}),
		OutOfOrderTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_out_of_order_trades_total",
			Help: "Trades older than the last trade seen for the same token",
		}),
		LiveCandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedengine_live_candles",
			Help: "Candles currently held in memory",
		}),

		BroadcastSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_broadcast_sends_total",
			Help: "Messages accepted by subscriber connections (by topic kind)",
		}, []string{"topic"}),
		BroadcastEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_broadcast_evictions_total",
			Help: "Dead connections removed during broadcast (by topic kind)",
		}, []string{"topic"}),
		BroadcastDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_broadcast_dropped_total",
			Help: "Messages dropped because a send buffer was full (by topic kind)",
		}, []string{"topic"}),
		SweepEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_sweep_evictions_total",
			Help: "Connections evicted by the liveness sweep",
		}),
		BrokerConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedengine_broker_connections",
			Help: "Registered subscriber connections",
		}),

		FeedStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_feed_starts_total",
			Help: "Successful feed starts (by feed)",
		}, []string{"feed"}),
		FeedStartFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_feed_start_failures_total",
			Help: "Failed feed start attempts (by feed)",
		}, []string{"feed"}),
		FeedRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_feed_restarts_total",
			Help: "Restarts triggered by the reconciliation check (by feed)",
		}, []string{"feed"}),
		FeedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feedengine_feed_state",
			Help: "Feed state (0=stopped, 1=starting, 2=running)",
		}, []string{"feed"}),
		FeedLogs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_feed_logs_total",
			Help: "Chain logs handled (by feed)",
		}, []string{"feed"}),
		FeedLogErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_feed_log_errors_total",
			Help: "Chain logs whose handler failed (by feed)",
		}, []string{"feed"}),
		DuplicateLogs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_duplicate_logs_total",
			Help: "Redelivered trade logs skipped",
		}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_decode_errors_total",
			Help: "Chain logs that could not be ABI-decoded (by event)",
		}, []string{"event"}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_fanout_drops_total",
			Help: "Events dropped by the router per subscriber",
		}, []string{"subscriber"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_redis_buffered_writes_total",
			Help: "Candle writes buffered while the Redis circuit was open",
		}),
		RedisFlushedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_redis_flushed_writes_total",
			Help: "Buffered candle writes replayed after the circuit closed",
		}),

		ArchiveRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_archive_rows_total",
			Help: "Trade rows sent to ClickHouse (by result)",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.TradesTotal,
		m.CandleUpdates,
		m.CandlePersists,
		m.CandlesFinalized,
		m.OutOfOrderTrades,
		m.LiveCandles,
		m.BroadcastSends,
		m.BroadcastEvictions,
		m.BroadcastDropped,
		m.SweepEvictions,
		m.BrokerConnections,
		m.FeedStarts,
		m.FeedStartFailures,
		m.FeedRestarts,
		m.FeedState,
		m.FeedLogs,
		m.FeedLogErrors,
		m.DuplicateLogs,
		m.DecodeErrors,
		m.FanoutDropsTotal,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.RedisFlushedWrites,
		m.ArchiveRows,
	)

	return m
}

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
