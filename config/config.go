package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from an optional
// YAML file, then environment variables, then defaults.
type Config struct {
	App     AppConfig     `yaml:"app"`
	Chain   ChainConfig   `yaml:"chain"`
	Candles CandlesConfig `yaml:"candles"`
	Broker  BrokerConfig  `yaml:"broker"`
	Watcher WatcherConfig `yaml:"watcher"`
	Stores  StoresConfig  `yaml:"stores"`
	Dedupe  DedupeConfig  `yaml:"dedupe"`
	Notify  NotifyConfig  `yaml:"notify"`
}

type AppConfig struct {
	Service         string        `yaml:"service" validate:"required"`
	LogLevel        string        `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type ChainConfig struct {
	WSURL        string `yaml:"ws_url" validate:"required,url"`
	EventTracker string `yaml:"event_tracker" validate:"required,eth_addr"`
	Pool         string `yaml:"pool" validate:"required,eth_addr"`
	Deployer     string `yaml:"deployer" validate:"required,eth_addr"`
}

// CandlesConfig is informational; the bucket width is fixed at one minute.
type CandlesConfig struct {
	Interval time.Duration `yaml:"interval" validate:"eq=1m"`
}

type BrokerConfig struct {
	PingInterval time.Duration `yaml:"ping_interval" validate:"gt=0"`
	SendBuffer   int           `yaml:"send_buffer" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ReadLimit    int64         `yaml:"read_limit" validate:"gt=0"`
	MessageRate  float64       `yaml:"message_rate" validate:"gt=0"`
	MessageBurst int           `yaml:"message_burst" validate:"gt=0"`
}

type WatcherConfig struct {
	RetryDelay    time.Duration `yaml:"retry_delay" validate:"gt=0"`
	CheckInterval time.Duration `yaml:"check_interval" validate:"gt=0"`
	AlertAfter    int           `yaml:"alert_after" validate:"gte=0"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	StreamMaxLen int64         `yaml:"stream_max_len" validate:"gte=0"`
	LatestTTL    time.Duration `yaml:"latest_ttl"`
	BufferSize   int           `yaml:"buffer_size" validate:"gte=0"`
}

type ClickHouseConfig struct {
	DSN              string        `yaml:"dsn"`
	BatchMaxRows     int           `yaml:"batch_max_rows" validate:"gte=0"`
	BatchMaxInterval time.Duration `yaml:"batch_max_interval"`
	MaxRetries       int           `yaml:"max_retries" validate:"gte=0"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
}

type StoresConfig struct {
	SQLitePath string           `yaml:"sqlite_path" validate:"required"`
	Redis      RedisConfig      `yaml:"redis"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

type DedupeConfig struct {
	Backend string        `yaml:"backend" validate:"oneof=memory redis"`
	TTL     time.Duration `yaml:"ttl" validate:"gt=0"`
}

type NotifyConfig struct {
	TelegramToken string `yaml:"telegram_token"`
	TelegramChat  string `yaml:"telegram_chat" validate:"required_with=TelegramToken"`
	WebhookURL    string `yaml:"webhook_url" validate:"omitempty,url"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Service:         "feedengine",
			LogLevel:        "info",
			HTTPAddr:        ":8080",
			MetricsAddr:     ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Candles: CandlesConfig{Interval: time.Minute},
		Broker: BrokerConfig{
			PingInterval: 30 * time.Second,
			SendBuffer:   256,
			WriteTimeout: 10 * time.Second,
			ReadLimit:    4096,
			MessageRate:  10,
			MessageBurst: 20,
		},
		Watcher: WatcherConfig{
			RetryDelay:    5 * time.Second,
			CheckInterval: 30 * time.Second,
			AlertAfter:    3,
		},
		Stores: StoresConfig{
			SQLitePath: "data/feedengine.db",
			Redis: RedisConfig{
				StreamMaxLen: 200,
				LatestTTL:    30 * time.Minute,
				BufferSize:   4096,
			},
			ClickHouse: ClickHouseConfig{
				BatchMaxRows:     1000,
				BatchMaxInterval: 200 * time.Millisecond,
				MaxRetries:       3,
				RetryBackoff:     200 * time.Millisecond,
			},
		},
		Dedupe: DedupeConfig{Backend: "memory", TTL: 24 * time.Hour},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules tags cannot
// express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Dedupe.Backend == "redis" && c.Stores.Redis.Addr == "" {
		return errors.New("invalid config: dedupe backend redis needs stores.redis.addr")
	}
	if c.Broker.PingInterval >= c.PongWait() {
		return errors.New("invalid config: broker ping interval must be shorter than the pong wait")
	}
	return nil
}

// PongWait is how long a connection may stay silent before its read side
// gives up: two and a half ping intervals.
func (c *Config) PongWait() time.Duration {
	return c.Broker.PingInterval * 5 / 2
}

func (c *Config) RedisEnabled() bool      { return c.Stores.Redis.Addr != "" }
func (c *Config) ClickHouseEnabled() bool { return c.Stores.ClickHouse.DSN != "" }

func (c *Config) applyEnv() error {
	c.App.Service = getEnv("SERVICE_NAME", c.App.Service)
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)
	c.App.HTTPAddr = getEnv("HTTP_ADDR", c.App.HTTPAddr)
	c.App.MetricsAddr = getEnv("METRICS_ADDR", c.App.MetricsAddr)

	c.Chain.WSURL = getEnv("CHAIN_WS_URL", c.Chain.WSURL)
	c.Chain.EventTracker = getEnv("EVENT_TRACKER_ADDRESS", c.Chain.EventTracker)
	c.Chain.Pool = getEnv("POOL_ADDRESS", c.Chain.Pool)
	c.Chain.Deployer = getEnv("DEPLOYER_ADDRESS", c.Chain.Deployer)

	c.Stores.SQLitePath = getEnv("SQLITE_PATH", c.Stores.SQLitePath)
	c.Stores.Redis.Addr = getEnv("REDIS_ADDR", c.Stores.Redis.Addr)
	c.Stores.Redis.Password = getEnv("REDIS_PASSWORD", c.Stores.Redis.Password)
	c.Stores.ClickHouse.DSN = getEnv("CLICKHOUSE_DSN", c.Stores.ClickHouse.DSN)

	c.Dedupe.Backend = getEnv("DEDUPE_BACKEND", c.Dedupe.Backend)

	c.Notify.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.Notify.TelegramToken)
	c.Notify.TelegramChat = getEnv("TELEGRAM_CHAT_ID", c.Notify.TelegramChat)
	c.Notify.WebhookURL = getEnv("ALERT_WEBHOOK_URL", c.Notify.WebhookURL)

	var err error
	if c.Stores.Redis.DB, err = getEnvInt("REDIS_DB", c.Stores.Redis.DB); err != nil {
		return err
	}
	if c.Watcher.AlertAfter, err = getEnvInt("WATCHER_ALERT_AFTER", c.Watcher.AlertAfter); err != nil {
		return err
	}
	if c.App.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", c.App.ShutdownTimeout); err != nil {
		return err
	}
	if c.Watcher.RetryDelay, err = getEnvDuration("WATCHER_RETRY_DELAY", c.Watcher.RetryDelay); err != nil {
		return err
	}
	if c.Watcher.CheckInterval, err = getEnvDuration("WATCHER_CHECK_INTERVAL", c.Watcher.CheckInterval); err != nil {
		return err
	}
	if c.Dedupe.TTL, err = getEnvDuration("DEDUPE_TTL", c.Dedupe.TTL); err != nil {
		return err
	}
	return nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("env %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("env %s: %w", key, err)
	}
	return d, nil
}
