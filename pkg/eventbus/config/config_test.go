package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventbus/pkg/eventbus/config"
	"github.com/randalmurphal/eventbus/pkg/eventbus/publisher"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("", "EBTEST_DEFAULTS")
	require.NoError(t, err)

	def := config.Default()
	assert.Equal(t, def.Publisher, cfg.Publisher)
	assert.Equal(t, def.Dispatcher.HandlerTimeout, cfg.Dispatcher.HandlerTimeout)
	assert.Equal(t, def.Dispatcher.Pattern, cfg.Dispatcher.Pattern)
	assert.Equal(t, config.BackendMemory, cfg.Ledger.Backend)
	assert.Equal(t, config.BackendNone, cfg.Store.Backend)
	assert.Equal(t, config.BackendMemory, cfg.Transport.Kind)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Transport.Kafka.Brokers)
	assert.Equal(t, "@every 5m", cfg.Maintenance.SweepSchedule)
	assert.Empty(t, cfg.Maintenance.RedriveSchedule)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "bus.yaml", `
publisher:
  max_events_per_second: 250
  rate_limit_mode: block
  retry_backoff: 500ms
dispatcher:
  handler_timeout: 10s
  tenants: [acme, globex]
ledger:
  backend: redis
  redis:
    addr: redis:6379
    db: 2
store:
  backend: sqlite
  path: /tmp/events.db
transport:
  kind: nats
  nats:
    url: nats://nats:4222
    conn_timeout: 3s
handlers:
  notifications:
    high_value_minor: 50000
    quiet_period: 2m
`)

	cfg, err := config.Load(path, "EBTEST_FILE")
	require.NoError(t, err)

	assert.Equal(t, 250.0, cfg.Publisher.MaxEventsPerSecond)
	assert.Equal(t, publisher.RateLimitBlock, cfg.Publisher.RateLimitMode)
	assert.Equal(t, 500*time.Millisecond, cfg.Publisher.RetryBackoff)
	assert.Equal(t, 3, cfg.Publisher.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Dispatcher.HandlerTimeout)
	assert.Equal(t, []string{"acme", "globex"}, cfg.Dispatcher.Tenants)
	assert.Equal(t, config.BackendRedis, cfg.Ledger.Backend)
	assert.Equal(t, "redis:6379", cfg.Ledger.Redis.Addr)
	assert.Equal(t, 2, cfg.Ledger.Redis.DB)
	assert.Equal(t, "/tmp/events.db", cfg.Store.Path)
	assert.Equal(t, "nats://nats:4222", cfg.Transport.NATS.URL)
	assert.Equal(t, 3*time.Second, cfg.Transport.NATS.ConnTimeout)

	settings := cfg.HandlerSettings("notifications")
	assert.Equal(t, 50000, settings.Int("high_value_minor", 0))
	assert.Equal(t, 2*time.Minute, settings.Duration("quiet_period", 0))
	assert.Equal(t, "x", cfg.HandlerSettings("unknown").String("missing", "x"))
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("EBTEST_ENV_PUBLISHER_MAX_RETRIES", "7")
	t.Setenv("EBTEST_ENV_DISPATCHER_GRACE_PERIOD", "45s")
	t.Setenv("EBTEST_ENV_TRANSPORT_KIND", "kafka")
	t.Setenv("EBTEST_ENV_TRANSPORT_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := config.Load("", "EBTEST_ENV")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Publisher.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Dispatcher.GracePeriod)
	assert.Equal(t, config.BackendKafka, cfg.Transport.Kind)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Transport.Kafka.Brokers)
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), "EBTEST_ERR")
	assert.Error(t, err)

	path := writeFile(t, "bad.yaml", "transport:\n  kind: carrier-pigeon\n")
	_, err = config.Load(path, "EBTEST_ERR")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestLoad_HandlersFile(t *testing.T) {
	settings := writeFile(t, "handlers.json", `{
  "notifications": {"high_value_minor": 100, "quiet_period": "30s"},
  "Search": {"index": "orders"}
}`)
	path := writeFile(t, "bus.yaml", `
handlers_file: `+settings+`
handlers:
  notifications:
    high_value_minor: 500
`)

	cfg, err := config.Load(path, "EBTEST_HANDLERS_FILE")
	require.NoError(t, err)

	notifications := cfg.HandlerSettings("notifications")
	assert.Equal(t, 500, notifications.Int("high_value_minor", 0), "inline keys win")
	assert.Equal(t, 30*time.Second, notifications.Duration("quiet_period", 0))
	assert.Equal(t, "orders", cfg.HandlerSettings("search").String("index", ""))

	missing := writeFile(t, "bus.yaml", "handlers_file: /nonexistent/handlers.yaml\n")
	_, err = config.Load(missing, "EBTEST_HANDLERS_FILE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handlers_file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.BusConfig)
		errMsg string
	}{
		{"defaults", func(*config.BusConfig) {}, ""},
		{"unknown ledger", func(c *config.BusConfig) { c.Ledger.Backend = "etcd" }, "ledger.backend"},
		{"empty ledger is memory", func(c *config.BusConfig) { c.Ledger.Backend = "" }, ""},
		{"unknown store", func(c *config.BusConfig) { c.Store.Backend = "s3" }, "store.backend"},
		{"sqlite without path", func(c *config.BusConfig) {
			c.Store.Backend = config.BackendSQLite
			c.Store.Path = ""
		}, "store.path"},
		{"kafka without brokers", func(c *config.BusConfig) {
			c.Transport.Kind = config.BackendKafka
			c.Transport.Kafka.Brokers = nil
		}, "brokers"},
		{"bad rate mode", func(c *config.BusConfig) { c.Publisher.RateLimitMode = "drop" }, "rate_limit_mode"},
		{"backoff above max", func(c *config.BusConfig) {
			c.Dispatcher.RetryBackoff = time.Minute
			c.Dispatcher.MaxRetryBackoff = time.Second
		}, "retry_backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
