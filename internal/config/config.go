package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
	DriverRedis  = "redis"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Remote API
	APIBaseURL string        `envconfig:"API_BASE_URL" default:"http://localhost:8080/api/"`
	APITimeout time.Duration `envconfig:"API_TIMEOUT" default:"15s"`
	// Calls slower than this are logged as warnings. 0 disables.
	APISlowThreshold time.Duration `envconfig:"API_SLOW_THRESHOLD" default:"1s"`

	// Real-time channel
	WSURL            string        `envconfig:"WS_URL" default:"ws://localhost:8080/ws"`
	WSEnabled        bool          `envconfig:"WS_ENABLED" default:"true"`
	WSMaxReconnect   int           `envconfig:"WS_MAX_RECONNECT" default:"5"`
	WSReconnectDelay time.Duration `envconfig:"WS_RECONNECT_DELAY" default:"3s"`

	// Local storage
	StoreDriver      string `envconfig:"STORE_DRIVER" default:"sqlite"`
	StorePath        string `envconfig:"STORE_PATH" default:"domainsync.db"`
	StoreQuotaBytes  int64  `envconfig:"STORE_QUOTA_BYTES" default:"5242880"`
	RedisAddr        string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword    string `envconfig:"REDIS_PASSWORD"`
	RedisDB          int    `envconfig:"REDIS_DB" default:"0"`
	StorageNamespace string `envconfig:"STORAGE_NAMESPACE" default:"domain_"`

	// Cache + queue
	CacheTTL          time.Duration `envconfig:"CACHE_TTL" default:"60s"`
	QueueSyncInterval time.Duration `envconfig:"QUEUE_SYNC_INTERVAL" default:"60s"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey         string `envconfig:"MGMT_API_KEY"`
	MgmtReadOnlyKey    string `envconfig:"MGMT_READONLY_KEY"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"20"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"40"`
	MgmtTLSCert        string `envconfig:"MGMT_TLS_CERT"`
	MgmtTLSKey         string `envconfig:"MGMT_TLS_KEY"`

	// Slack (optional, notifications go to the log only when unset)
	SlackBotToken string `envconfig:"SLACK_BOT_TOKEN"`
	SlackChannel  string `envconfig:"SLACK_CHANNEL"`

	// Optional YAML file seeding the scheduler settings on first start.
	SchedulerSeedFile string `envconfig:"SCHEDULER_SEED_FILE"`
}

// SlackEnabled returns true if Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// IsDevelopment reports whether console logging should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite, DriverBadger, DriverRedis:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if (c.StoreDriver == DriverSQLite || c.StoreDriver == DriverBadger) && c.StorePath == "" {
		return fmt.Errorf("STORE_PATH is required for driver %s", c.StoreDriver)
	}
	if c.StoreDriver == DriverMemory && c.StoreQuotaBytes <= 0 {
		return fmt.Errorf("STORE_QUOTA_BYTES must be positive")
	}
	if c.WSMaxReconnect < 0 {
		return fmt.Errorf("WS_MAX_RECONNECT must not be negative")
	}
	if c.QueueSyncInterval <= 0 {
		return fmt.Errorf("QUEUE_SYNC_INTERVAL must be positive")
	}
	switch c.MgmtAuthMode {
	case "none":
	case "api-key":
		if c.MgmtAPIKey == "" && !c.IsDevelopment() {
			return fmt.Errorf("MGMT_API_KEY is required when MGMT_AUTH_MODE=api-key")
		}
	default:
		return fmt.Errorf("unknown MGMT_AUTH_MODE %q", c.MgmtAuthMode)
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
