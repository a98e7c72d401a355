// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all client configuration.
type Config struct {
	Transport TransportConfig
	Reconnect ReconnectConfig
	Heartbeat HeartbeatConfig
	Pool      PoolConfig
	Notify    NotifyConfig
	Logging   LogConfig
	Admin     AdminConfig
}

// TransportConfig holds socket and collaborator API origins.
type TransportConfig struct {
	WSOrigin   string        `envconfig:"WS_ORIGIN" default:"wss://localhost:8443"`
	APIOrigin  string        `envconfig:"API_ORIGIN" default:"https://localhost:8443"`
	AckTimeout time.Duration `envconfig:"ACK_TIMEOUT" default:"5s"`
}

// ReconnectConfig tunes the backoff policy.
type ReconnectConfig struct {
	BaseDelay   time.Duration `envconfig:"RECONNECT_BASE" default:"1s"`
	Growth      float64       `envconfig:"RECONNECT_GROWTH" default:"2.0"`
	MaxDelay    time.Duration `envconfig:"RECONNECT_CAP" default:"60s"`
	MaxAttempts int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"8"`
}

// HeartbeatConfig tunes liveness probing.
type HeartbeatConfig struct {
	StaleAfter time.Duration `envconfig:"HEARTBEAT_STALE_AFTER" default:"40s"`
	PongWindow time.Duration `envconfig:"HEARTBEAT_PONG_WINDOW" default:"5s"`
}

// PoolConfig bounds the connection registry.
type PoolConfig struct {
	Capacity int `envconfig:"POOL_CAPACITY" default:"8"`
}

// NotifyConfig bounds the notification dedup set.
type NotifyConfig struct {
	DedupeCapacity int `envconfig:"NOTIFY_DEDUPE_CAPACITY" default:"50"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// AdminConfig holds the local metrics/health endpoint configuration.
type AdminConfig struct {
	Addr    string `envconfig:"ADMIN_ADDR" default:"127.0.0.1:9190"`
	Enabled bool   `envconfig:"ADMIN_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			WSOrigin:   "wss://localhost:8443",
			APIOrigin:  "https://localhost:8443",
			AckTimeout: 5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   time.Second,
			Growth:      2.0,
			MaxDelay:    60 * time.Second,
			MaxAttempts: 8,
		},
		Heartbeat: HeartbeatConfig{
			StaleAfter: 40 * time.Second,
			PongWindow: 5 * time.Second,
		},
		Pool:   PoolConfig{Capacity: 8},
		Notify: NotifyConfig{DedupeCapacity: 50},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Admin: AdminConfig{
			Addr:    "127.0.0.1:9190",
			Enabled: true,
		},
	}
}
