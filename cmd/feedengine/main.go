package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/taraxa-fun/taraxa-fun-server/config"
	"github.com/taraxa-fun/taraxa-fun-server/internal/api"
	"github.com/taraxa-fun/taraxa-fun-server/internal/chain"
	"github.com/taraxa-fun/taraxa-fun-server/internal/dedupe"
	"github.com/taraxa-fun/taraxa-fun-server/internal/gateway"
	"github.com/taraxa-fun/taraxa-fun-server/internal/logger"
	"github.com/taraxa-fun/taraxa-fun-server/internal/marketdata/agg"
	"github.com/taraxa-fun/taraxa-fun-server/internal/marketdata/bus"
	"github.com/taraxa-fun/taraxa-fun-server/internal/metrics"
	"github.com/taraxa-fun/taraxa-fun-server/internal/scheduler"
	chstore "github.com/taraxa-fun/taraxa-fun-server/internal/store/clickhouse"
	redisstore "github.com/taraxa-fun/taraxa-fun-server/internal/store/redis"
	sqlitestore "github.com/taraxa-fun/taraxa-fun-server/internal/store/sqlite"
	"github.com/taraxa-fun/taraxa-fun-server/internal/watcher"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "feedengine: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "feedengine: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init(cfg.App.Service, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("feedengine exited with error", "err", err)
		os.Exit(1)
	}
	log.Info("feedengine stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("feedengine starting", "http", cfg.App.HTTPAddr, "metrics", cfg.App.MetricsAddr)

	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	sched := scheduler.Real{}

	// ---- Durable store ----
	if dir := filepath.Dir(cfg.Stores.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.Stores.SQLitePath}, log)
	if err != nil {
		return err
	}
	defer store.Close()

	// ---- Event router ----
	router := bus.New()
	router.OnDrop = func(subscriber string, kind bus.Kind) {
		prom.FanoutDropsTotal.WithLabelValues(subscriber).Inc()
		log.Warn("router subscriber full, event dropped", "subscriber", subscriber, "kind", kind.String())
	}
	defer router.Close()

	// ---- Redis mirror (optional) ----
	var mirror *redisstore.Mirror
	if cfg.RedisEnabled() {
		health.SetRedisEnabled(true)
		mirror, err = redisstore.New(ctx, redisstore.Config{
			Addr:         cfg.Stores.Redis.Addr,
			Password:     cfg.Stores.Redis.Password,
			DB:           cfg.Stores.Redis.DB,
			StreamMaxLen: cfg.Stores.Redis.StreamMaxLen,
			LatestTTL:    cfg.Stores.Redis.LatestTTL,
		}, log)
		if err != nil {
			log.Warn("redis unavailable, continuing without candle mirror", "err", err)
			mirror = nil
		} else {
			defer mirror.Close()
			buffered := redisstore.NewBufferedMirror(ctx, mirror, newBreaker(prom, log), cfg.Stores.Redis.BufferSize, log)
			buffered.OnBuffer = prom.RedisBufferedWrites.Inc
			buffered.OnFlush = func(n int) { prom.RedisFlushedWrites.Add(float64(n)) }
			go redisstore.Run(ctx, buffered, router.Subscribe("redis", 4096, bus.KindCandleUpdated))
		}
	}

	// ---- Dedupe ----
	dd, closeDedupe := newDeduper(cfg, mirror, log)
	defer closeDedupe()

	// ---- ClickHouse archive (optional) ----
	var archive *chstore.Writer
	if cfg.ClickHouseEnabled() {
		conn, err := chstore.Open(ctx, cfg.Stores.ClickHouse.DSN)
		if err != nil {
			log.Warn("clickhouse unavailable, continuing without trade archive", "err", err)
		} else {
			defer conn.Close()
			archive = chstore.NewWriter(conn, chstore.WriterConfig{
				BatchMaxRows:     cfg.Stores.ClickHouse.BatchMaxRows,
				BatchMaxInterval: cfg.Stores.ClickHouse.BatchMaxInterval,
				MaxRetries:       cfg.Stores.ClickHouse.MaxRetries,
				RetryBackoff:     cfg.Stores.ClickHouse.RetryBackoff,
			}, log)
			archive.OnFlush = func(rows int, err error) {
				prom.ArchiveRows.WithLabelValues(metrics.Result(err)).Add(float64(rows))
			}
			go archive.Run(ctx, router.Subscribe("clickhouse", 4096, bus.KindTradeExecuted))
		}
	}

	// ---- Candle aggregator ----
	aggregator := agg.New(store, router, sched, log)
	wireAggregator(aggregator, prom)

	// ---- Chain ----
	// Dialed on first subscribe; an unreachable node leaves the feeds
	// Starting and the supervisor retries them.
	client := chain.NewClient(cfg.Chain.WSURL, chain.DialBackend, log)
	defer client.Close()

	contracts, err := buildContracts(cfg.Chain)
	if err != nil {
		return err
	}
	src := chain.NewSource(client, log)
	src.OnDecodeError = func(contract, event string, err error) {
		prom.DecodeErrors.WithLabelValues(event).Inc()
	}

	handlers := watcher.NewHandlers(store, chain.NewReader(client, contracts.Pool), aggregator, router, dd, cfg.Chain.Deployer, log)
	handlers.OnDuplicate = prom.DuplicateLogs.Inc

	chainFeeds := handlers.Feeds(watcher.ChainSource(src), contracts, log)
	feeds := make([]watcher.Feed, 0, len(chainFeeds))
	for _, f := range chainFeeds {
		wireFeed(f, prom)
		feeds = append(feeds, f)
	}

	sup := watcher.NewSupervisor(watcher.Config{
		RetryDelay:    cfg.Watcher.RetryDelay,
		CheckInterval: cfg.Watcher.CheckInterval,
		AlertAfter:    cfg.Watcher.AlertAfter,
	}, sched, log, feeds...)
	wireSupervisor(ctx, sup, prom, newNotifier(cfg, log), log)
	health.SetFeedSource(func() []metrics.FeedHealth { return feedHealth(sup.Status()) })

	// ---- Subscription broker ----
	broker := gateway.NewBroker(gateway.BrokerConfig{SweepInterval: cfg.Broker.PingInterval}, sched, log)
	wireBroker(broker, prom)
	broker.Start()
	go broker.Run(ctx, router.Subscribe("broker", 4096))

	// ---- HTTP: WebSocket routes + REST ----
	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, broker, gateway.ConnConfig{
		SendBuffer:   cfg.Broker.SendBuffer,
		WriteTimeout: cfg.Broker.WriteTimeout,
		PongWait:     cfg.PongWait(),
		ReadLimit:    cfg.Broker.ReadLimit,
		MessageRate:  cfg.Broker.MessageRate,
		MessageBurst: cfg.Broker.MessageBurst,
	}, log)

	restAPI := api.NewHandler(store, router, broker, log)
	restAPI.SetBusStats(router.ChannelStats)
	if mirror != nil {
		restAPI.SetLatestReader(redisstore.NewReader(mirror.Client()))
	}
	restAPI.RegisterRoutes(mux)

	httpSrv := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           api.WithRequestLog(mux, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.App.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	// ---- Metrics + health ----
	var metricsSrv *metrics.Server
	if cfg.App.MetricsAddr != "" {
		metricsSrv = metrics.NewServer(cfg.App.MetricsAddr, health, nil, log)
		metricsSrv.Start()
	}
	redisClient := redisClientOf(mirror)
	health.StartLivenessChecker(ctx, redisClient, store.DB(), 10*time.Second)

	// ---- Feeds ----
	if err := sup.Start(ctx); err != nil {
		return err
	}
	log.Info("feedengine running", "feeds", len(feeds))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-httpErr:
		log.Error("http server failed", "err", runErr)
	}

	// ---- Shutdown ----
	sup.Stop()
	aggregator.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	broker.Close()
	if metricsSrv != nil {
		if err := metricsSrv.Stop(shutdownCtx); err != nil {
			log.Warn("metrics shutdown", "err", err)
		}
	}
	router.Close()
	if archive != nil {
		if err := archive.Close(shutdownCtx); err != nil {
			log.Warn("clickhouse writer shutdown", "err", err)
		}
	}
	return runErr
}

func buildContracts(c config.ChainConfig) (watcher.Contracts, error) {
	tracker, err := chain.NewContract("event-tracker", c.EventTracker, chain.EventTrackerABI)
	if err != nil {
		return watcher.Contracts{}, err
	}
	pool, err := chain.NewContract("pool", c.Pool, chain.PoolABI)
	if err != nil {
		return watcher.Contracts{}, err
	}
	deployer, err := chain.NewContract("deployer", c.Deployer, chain.DeployerABI)
	if err != nil {
		return watcher.Contracts{}, err
	}
	return watcher.Contracts{EventTracker: tracker, Pool: pool, Deployer: deployer}, nil
}

func newDeduper(cfg *config.Config, mirror *redisstore.Mirror, log *slog.Logger) (dedupe.Deduper, func()) {
	if cfg.Dedupe.Backend == "redis" {
		if mirror != nil {
			d, err := dedupe.NewRedisDedupe(mirror.Client(), cfg.Dedupe.TTL, "")
			if err == nil {
				return d, func() {}
			}
			log.Warn("redis dedupe unavailable", "err", err)
		}
		log.Warn("falling back to in-memory dedupe")
	}
	m := dedupe.NewMemoryDedupe(log, cfg.Dedupe.TTL, time.Minute)
	return m, m.Close
}
