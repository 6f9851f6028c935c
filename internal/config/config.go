package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"bookrelay/internal/exchange"

	"gopkg.in/yaml.v3"
)

// staleHeartbeats is the default staleness window in heartbeat intervals
const staleHeartbeats = 2

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Fallback   FallbackConfig   `yaml:"fallback"`
	Log        LogConfig        `yaml:"log"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig holds the relay listener configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig holds feed connection settings
type UpstreamConfig struct {
	Exchange          exchange.ExchangeName `yaml:"exchange"`
	WSURL             string                `yaml:"ws_url"`
	RESTURL           string                `yaml:"rest_url"`
	ConnectTimeout    time.Duration         `yaml:"connect_timeout"`
	HeartbeatInterval time.Duration         `yaml:"heartbeat_interval"`
	FirstFrameTimeout time.Duration         `yaml:"first_frame_timeout"`
	// StaleTimeout of zero means two heartbeat intervals
	StaleTimeout time.Duration `yaml:"stale_timeout"`
}

// ReconnectConfig holds backoff settings
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// DownstreamConfig holds subscriber-facing settings
type DownstreamConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxDepth     int           `yaml:"max_depth"`
}

// FallbackConfig holds REST snapshot fallback settings
type FallbackConfig struct {
	Enabled       bool          `yaml:"enabled"`
	OnFailure     bool          `yaml:"on_failure"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the default configuration for the Polymarket CLOB feed
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8086",
			ShutdownTimeout: 5 * time.Second,
		},
		Upstream: UpstreamConfig{
			Exchange:          exchange.Polymarket,
			WSURL:             "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			RESTURL:           "https://clob.polymarket.com",
			ConnectTimeout:    10 * time.Second,
			HeartbeatInterval: 25 * time.Second,
			FirstFrameTimeout: 10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			MaxRetries: 5,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
		},
		Downstream: DownstreamConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
			MaxDepth:     0,
		},
		Fallback: FallbackConfig{
			Enabled:       true,
			OnFailure:     true,
			Timeout:       10 * time.Second,
			RatePerSecond: 5,
			Burst:         5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides and validates
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from BOOKRELAY_* environment variables
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("BOOKRELAY_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("BOOKRELAY_WS_URL"); v != "" {
		c.Upstream.WSURL = v
	}
	if v := os.Getenv("BOOKRELAY_REST_URL"); v != "" {
		c.Upstream.RESTURL = v
	}
	if v := os.Getenv("BOOKRELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("BOOKRELAY_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("BOOKRELAY_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BOOKRELAY_MAX_RETRIES: %w", err)
		}
		c.Reconnect.MaxRetries = n
	}
	if v := os.Getenv("BOOKRELAY_TRACING"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BOOKRELAY_TRACING: %w", err)
		}
		c.Tracing.Enabled = enabled
	}
	return nil
}

// Validate checks the configuration for values the relay cannot run with
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Upstream.WSURL == "" {
		return fmt.Errorf("upstream.ws_url must not be empty")
	}
	if c.Upstream.ConnectTimeout <= 0 {
		return fmt.Errorf("upstream.connect_timeout must be positive, got %s", c.Upstream.ConnectTimeout)
	}
	if c.Upstream.HeartbeatInterval <= 0 {
		return fmt.Errorf("upstream.heartbeat_interval must be positive, got %s", c.Upstream.HeartbeatInterval)
	}
	if c.Upstream.FirstFrameTimeout <= 0 {
		return fmt.Errorf("upstream.first_frame_timeout must be positive, got %s", c.Upstream.FirstFrameTimeout)
	}
	if c.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("reconnect.max_retries must be >= 0, got %d", c.Reconnect.MaxRetries)
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect delays invalid: base=%s max=%s", c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	if c.Downstream.MaxDepth < 0 {
		return fmt.Errorf("downstream.max_depth must be >= 0, got %d", c.Downstream.MaxDepth)
	}
	if c.Fallback.Enabled && c.Upstream.RESTURL == "" {
		return fmt.Errorf("fallback enabled but upstream.rest_url is empty")
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'console' or 'json', got '%s'", c.Log.Format)
	}
	return nil
}

// StaleAfter returns the staleness window used once the first frame has arrived.
// It defaults to two heartbeat intervals, so one missed pong is tolerated.
func (u UpstreamConfig) StaleAfter() time.Duration {
	if u.StaleTimeout > 0 {
		return u.StaleTimeout
	}
	return staleHeartbeats * u.HeartbeatInterval
}
