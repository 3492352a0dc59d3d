package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
app:
  service: feedengine-test
  log_level: debug
chain:
  ws_url: ws://localhost:8546
  event_tracker: "0x1111111111111111111111111111111111111111"
  pool: "0x2222222222222222222222222222222222222222"
  deployer: "0x3333333333333333333333333333333333333333"
watcher:
  retry_delay: 2s
stores:
  redis:
    addr: localhost:6379
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "feedengine-test", cfg.App.Service)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.Watcher.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Watcher.CheckInterval, "default kept")
	assert.Equal(t, 30*time.Second, cfg.Broker.PingInterval)
	assert.Equal(t, time.Minute, cfg.Candles.Interval)
	assert.True(t, cfg.RedisEnabled())
	assert.False(t, cfg.ClickHouseEnabled())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("WATCHER_RETRY_DELAY", "7s")
	t.Setenv("CLICKHOUSE_DSN", "clickhouse://localhost:9000/default")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.App.LogLevel)
	assert.Equal(t, 7*time.Second, cfg.Watcher.RetryDelay)
	assert.True(t, cfg.ClickHouseEnabled())
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("CHAIN_WS_URL", "wss://rpc.example.org/ws")
	t.Setenv("EVENT_TRACKER_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("POOL_ADDRESS", "0x2222222222222222222222222222222222222222")
	t.Setenv("DEPLOYER_ADDRESS", "0x3333333333333333333333333333333333333333")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "feedengine", cfg.App.Service)
	assert.Equal(t, "memory", cfg.Dedupe.Backend)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]struct {
		yaml string
		env  map[string]string
	}{
		"missing chain": {yaml: "app:\n  service: x\n"},
		"bad address": {
			yaml: validYAML,
			env:  map[string]string{"POOL_ADDRESS": "not-an-address"},
		},
		"bad log level": {
			yaml: validYAML,
			env:  map[string]string{"LOG_LEVEL": "loud"},
		},
		"candle interval is fixed": {yaml: validYAML + "candles:\n  interval: 5m\n"},
		"redis dedupe without redis": {
			yaml: strings.Replace(validYAML, "    addr: localhost:6379\n", "", 1),
			env:  map[string]string{"DEDUPE_BACKEND": "redis"},
		},
		"bad duration env": {
			yaml: validYAML,
			env:  map[string]string{"DEDUPE_TTL": "forever"},
		},
		"telegram token without chat": {
			yaml: validYAML,
			env:  map[string]string{"TELEGRAM_BOT_TOKEN": "123:abc"},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestPongWaitExceedsPing(t *testing.T) {
	cfg := Default()
	assert.Greater(t, cfg.PongWait(), cfg.Broker.PingInterval)
}
