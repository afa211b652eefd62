package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "node:\n  name: tablet-1\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Node.HTTP.Port)
	assert.Equal(t, 10, cfg.Cluster.JoinTimeout)
	assert.Equal(t, "offlineQueue", cfg.Sync.QueueKey)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, time.Minute}, cfg.Sync.Backoff)
	assert.Equal(t, 3, cfg.Sync.BreakerThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Sync.BreakerCooldown)
	assert.Equal(t, 30*time.Second, cfg.Sync.FlushInterval)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_Overrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
node:
  name: tablet-2
  serf:
    bind_addr: 10.1.2.3:7946
  http:
    port: 9090
  database:
    path: /var/lib/sync/device.db
    quota_bytes: 5242880
cluster:
  seeds: ["10.1.2.1:7946"]
sync:
  max_retries: 8
  backoff: [500ms, 2s]
  breaker_cooldown: 30s
  flush_interval: 1m
remote:
  url: http://store:8080
log_level: debug
log_file: /var/log/sync.log
`))
	require.NoError(t, err)

	assert.Equal(t, "tablet-2", cfg.Node.Name)
	assert.Equal(t, int64(5242880), cfg.Node.Database.QuotaBytes)
	assert.Equal(t, []string{"10.1.2.1:7946"}, cfg.Cluster.Seeds)
	assert.Equal(t, 8, cfg.Sync.MaxRetries)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 2 * time.Second}, cfg.Sync.Backoff)
	assert.Equal(t, 30*time.Second, cfg.Sync.BreakerCooldown)
	assert.Equal(t, time.Minute, cfg.Sync.FlushInterval)
	assert.Equal(t, "http://store:8080", cfg.Remote.URL)
	assert.Equal(t, "/var/log/sync.log", cfg.LogFile)
	assert.Equal(t, "http://10.1.2.3:9090", cfg.HTTPURL())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "node: [unclosed"))
	assert.Error(t, err)

	cfg, err := LoadConfig(writeConfig(t, "node:\n  name: x\nsync:\n  max_retries: -1\n"))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "max_retries")

	cfg, err = LoadConfig(writeConfig(t, "sync:\n  backoff: [1s, 0s]\n"))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "node.name")

	cfg.Node.Name = "from-flag"
	assert.ErrorContains(t, cfg.Validate(), "backoff[1]")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "node-1", cfg.Node.Name)
	assert.Equal(t, "0.0.0.0:7946", cfg.Node.Serf.BindAddr)
}

func TestHTTPURL(t *testing.T) {
	cfg := Default()
	cfg.Node.HTTP.AdvertiseURL = "http://store.local:8080/"
	assert.Equal(t, "http://store.local:8080", cfg.HTTPURL())

	cfg.Node.HTTP.AdvertiseURL = ""
	cfg.Node.Serf.AdvertiseAddr = "192.168.1.5:7946"
	assert.Equal(t, "http://192.168.1.5:8080", cfg.HTTPURL())
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel("bogus"))
}

func TestNewLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	logger, closer := NewLogger(&Config{LogLevel: "warn", LogFile: path})

	logger.Info("dropped")
	logger.Warn("kept", "pending", 3)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "msg=kept pending=3")
}
