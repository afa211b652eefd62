package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Node     NodeConfig    `yaml:"node"`
	Cluster  ClusterConfig `yaml:"cluster"`
	Sync     SyncConfig    `yaml:"sync"`
	Remote   RemoteConfig  `yaml:"remote"`
	LogLevel string        `yaml:"log_level,omitempty"` // debug, info, warn, error
	LogFile  string        `yaml:"log_file,omitempty"`  // rotated; stdout only when empty
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	Name     string     `yaml:"name"`
	Serf     SerfConfig `yaml:"serf"`
	HTTP     HTTPConfig `yaml:"http"`
	Database DBConfig   `yaml:"database"`
}

// SerfConfig contains Serf-specific configuration
type SerfConfig struct {
	BindAddr      string `yaml:"bind_addr"`
	AdvertiseAddr string `yaml:"advertise_addr,omitempty"`
}

// HTTPConfig contains HTTP server configuration
type HTTPConfig struct {
	Port int `yaml:"port"`
	// AdvertiseURL is published to the cluster so devices can reach a
	// store node. Derived from the serf address when empty.
	AdvertiseURL string `yaml:"advertise_url,omitempty"`
}

// DBConfig contains database configuration
type DBConfig struct {
	Path       string `yaml:"path"`
	QuotaBytes int64  `yaml:"quota_bytes,omitempty"` // device local store only, 0 = unlimited
}

// ClusterConfig contains cluster configuration
type ClusterConfig struct {
	Seeds       []string `yaml:"seeds"`
	EncryptKey  string   `yaml:"encrypt_key,omitempty"`
	JoinTimeout int      `yaml:"join_timeout,omitempty"` // seconds
}

// SyncConfig tunes the device sync engine
type SyncConfig struct {
	QueueKey         string          `yaml:"queue_key,omitempty"`
	MaxRetries       int             `yaml:"max_retries,omitempty"`
	Backoff          []time.Duration `yaml:"backoff,omitempty"`
	BreakerThreshold int             `yaml:"breaker_threshold,omitempty"`
	BreakerCooldown  time.Duration   `yaml:"breaker_cooldown,omitempty"`
	FlushInterval    time.Duration   `yaml:"flush_interval,omitempty"`
	RemoteTimeout    time.Duration   `yaml:"remote_timeout,omitempty"`
}

// RemoteConfig points a device at a store node without cluster discovery
type RemoteConfig struct {
	URL string `yaml:"url,omitempty"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{
		Node: NodeConfig{
			Name: "node-1",
			Serf: SerfConfig{
				BindAddr: "0.0.0.0:7946",
			},
		},
		Cluster: ClusterConfig{
			Seeds: []string{},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Node.HTTP.Port == 0 {
		c.Node.HTTP.Port = 8080
	}
	if c.Node.Database.Path == "" {
		c.Node.Database.Path = "./offline-sync.db"
	}
	if c.Cluster.JoinTimeout == 0 {
		c.Cluster.JoinTimeout = 10
	}
	if c.Sync.QueueKey == "" {
		c.Sync.QueueKey = "offlineQueue"
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 5
	}
	if len(c.Sync.Backoff) == 0 {
		c.Sync.Backoff = []time.Duration{
			1 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second,
		}
	}
	if c.Sync.BreakerThreshold == 0 {
		c.Sync.BreakerThreshold = 3
	}
	if c.Sync.BreakerCooldown == 0 {
		c.Sync.BreakerCooldown = 2 * time.Minute
	}
	if c.Sync.FlushInterval == 0 {
		c.Sync.FlushInterval = 30 * time.Second
	}
	if c.Sync.RemoteTimeout == 0 {
		c.Sync.RemoteTimeout = 15 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects settings the engine cannot run with. Call it after
// command line overrides are applied.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1, got %d", c.Sync.MaxRetries)
	}
	for i, d := range c.Sync.Backoff {
		if d <= 0 {
			return fmt.Errorf("sync.backoff[%d] must be positive, got %v", i, d)
		}
	}
	if c.Sync.BreakerThreshold < 1 {
		return fmt.Errorf("sync.breaker_threshold must be at least 1, got %d", c.Sync.BreakerThreshold)
	}
	if c.Node.Database.QuotaBytes < 0 {
		return fmt.Errorf("node.database.quota_bytes cannot be negative")
	}
	return nil
}

// HTTPURL returns the URL other nodes use to reach this node's HTTP API
func (c *Config) HTTPURL() string {
	if c.Node.HTTP.AdvertiseURL != "" {
		return strings.TrimRight(c.Node.HTTP.AdvertiseURL, "/")
	}

	addr := c.Node.Serf.AdvertiseAddr
	if addr == "" {
		addr = c.Node.Serf.BindAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		host, err = os.Hostname()
		if err != nil {
			host = "localhost"
		}
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(c.Node.HTTP.Port)))
}

// ParseLogLevel converts a log level string to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
