// Package config loads and validates the tapgate configuration from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the tapgate gateway.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Backend configures the upstream daemon connection.
	Backend BackendConfig `yaml:"backend"`

	// WebSocket configures the proxy subsystem.
	WebSocket WebSocketConfig `yaml:"websocket"`

	// Mailbox configures challenge-response authentication and polling.
	Mailbox MailboxConfig `yaml:"mailbox"`

	// Storage configures receiver persistence.
	Storage StorageConfig `yaml:"storage"`

	// Telemetry configures logging and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the gateway HTTP listener.
type ServerConfig struct {
	// Host is the listen address.
	Host string `yaml:"host"`

	// Port is the listen port.
	Port int `yaml:"port"`

	// ReadTimeout bounds reading a request including the body.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writes of a response.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BackendConfig configures the connection to the upstream daemon.
type BackendConfig struct {
	// URL is the base URL of the backend REST API.
	URL string `yaml:"url"`

	// WebSocketURL is the base URL for WebSocket connections. Derived
	// from URL when empty (https becomes wss, http becomes ws).
	WebSocketURL string `yaml:"websocket_url"`

	// MacaroonPath is the path to the hex-encoded macaroon credential
	// file presented to the backend.
	MacaroonPath string `yaml:"macaroon_path"`

	// TLSSkipVerify disables TLS certificate verification for backend
	// connections. Intended for self-signed development backends only.
	TLSSkipVerify bool `yaml:"tls_skip_verify"`

	// RequestTimeout bounds individual REST requests to the backend.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// WebSocketConfig configures the WebSocket proxy subsystem.
type WebSocketConfig struct {
	// IdleReadTimeout closes a connection after this long without
	// inbound traffic.
	IdleReadTimeout time.Duration `yaml:"idle_read_timeout"`

	// WriteTimeout bounds each outbound message write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxMessageSize caps proxied message payloads in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// ReconnectMaxAttempts caps backend reconnection attempts.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`

	// ReconnectBaseDelay is the first reconnection delay.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`

	// ReconnectMaxDelay caps the exponential reconnection delay.
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`

	// HealthInterval is the registry health check cadence.
	HealthInterval time.Duration `yaml:"health_interval"`

	// StaleAfter is the inactivity threshold for the staleness sweep.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// MailboxConfig configures mailbox authentication and message polling.
type MailboxConfig struct {
	// MaxMessageSize caps mailbox WebSocket payloads in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// ChallengeTTL is how long an issued challenge stays valid.
	ChallengeTTL time.Duration `yaml:"challenge_ttl"`

	// ChallengeCapacity caps outstanding challenges.
	ChallengeCapacity int `yaml:"challenge_capacity"`

	// TimestampSkew is the allowed clock skew for auth timestamps.
	TimestampSkew time.Duration `yaml:"timestamp_skew"`

	// PollInterval is the backend mailbox poll cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// HeartbeatEvery sends a heartbeat after this many consecutive
	// empty polls.
	HeartbeatEvery int `yaml:"heartbeat_every"`

	// MaxEmptyPolls ends the stream after this many consecutive empty
	// polls.
	MaxEmptyPolls int `yaml:"max_empty_polls"`

	// RateLimitPerMinute caps client messages per connection per minute.
	RateLimitPerMinute int64 `yaml:"rate_limit_per_minute"`
}

// StorageConfig configures receiver persistence.
type StorageConfig struct {
	// SQLitePath is the receiver database file. Empty selects the
	// in-memory store.
	SQLitePath string `yaml:"sqlite_path"`

	// RedisURL enables the Redis receiver cache when set.
	RedisURL string `yaml:"redis_url"`
}

// TelemetryConfig configures logging and metrics.
type TelemetryConfig struct {
	// LogLevel is the minimum log level ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level"`

	// LogFormat is the log output format ("json", "text", "console").
	LogFormat string `yaml:"log_format"`

	// MetricsEnabled toggles the Prometheus /metrics endpoint.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Backend: BackendConfig{
			URL:            "https://localhost:8089",
			RequestTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			IdleReadTimeout:      300 * time.Second,
			WriteTimeout:         30 * time.Second,
			MaxMessageSize:       10 * 1024 * 1024,
			ReconnectMaxAttempts: 3,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    60 * time.Second,
			HealthInterval:       30 * time.Second,
			StaleAfter:           300 * time.Second,
		},
		Mailbox: MailboxConfig{
			MaxMessageSize:     64 * 1024,
			ChallengeTTL:       300 * time.Second,
			ChallengeCapacity:  10000,
			TimestampSkew:      30 * time.Second,
			PollInterval:       time.Second,
			HeartbeatEvery:     10,
			MaxEmptyPolls:      300,
			RateLimitPerMinute: 60,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
		},
	}
}

// Load reads the configuration file at path, applies environment variable
// overrides, and validates the result. An empty path loads defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides configuration fields from TAPGATE_* environment
// variables.
func (c *Config) applyEnv() {
	envString("TAPGATE_SERVER_HOST", &c.Server.Host)
	envInt("TAPGATE_SERVER_PORT", &c.Server.Port)
	envString("TAPGATE_BACKEND_URL", &c.Backend.URL)
	envString("TAPGATE_BACKEND_WS_URL", &c.Backend.WebSocketURL)
	envString("TAPGATE_MACAROON_PATH", &c.Backend.MacaroonPath)
	envBool("TAPGATE_TLS_SKIP_VERIFY", &c.Backend.TLSSkipVerify)
	envString("TAPGATE_SQLITE_PATH", &c.Storage.SQLitePath)
	envString("TAPGATE_REDIS_URL", &c.Storage.RedisURL)
	envString("TAPGATE_LOG_LEVEL", &c.Telemetry.LogLevel)
	envString("TAPGATE_LOG_FORMAT", &c.Telemetry.LogFormat)
	envBool("TAPGATE_METRICS_ENABLED", &c.Telemetry.MetricsEnabled)
}

// Validate checks field ranges and required settings.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("websocket.max_message_size must be positive, got %d", c.WebSocket.MaxMessageSize)
	}
	if c.WebSocket.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("websocket.reconnect_max_attempts must not be negative, got %d", c.WebSocket.ReconnectMaxAttempts)
	}
	if c.WebSocket.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("websocket.reconnect_base_delay must be positive, got %s", c.WebSocket.ReconnectBaseDelay)
	}
	if c.WebSocket.ReconnectMaxDelay < c.WebSocket.ReconnectBaseDelay {
		return fmt.Errorf("websocket.reconnect_max_delay must be at least the base delay")
	}
	if c.Mailbox.MaxMessageSize <= 0 {
		return fmt.Errorf("mailbox.max_message_size must be positive, got %d", c.Mailbox.MaxMessageSize)
	}
	if c.Mailbox.MaxMessageSize > c.WebSocket.MaxMessageSize {
		return fmt.Errorf("mailbox.max_message_size must not exceed websocket.max_message_size")
	}
	if c.Mailbox.ChallengeTTL <= 0 {
		return fmt.Errorf("mailbox.challenge_ttl must be positive, got %s", c.Mailbox.ChallengeTTL)
	}
	if c.Mailbox.ChallengeCapacity <= 0 {
		return fmt.Errorf("mailbox.challenge_capacity must be positive, got %d", c.Mailbox.ChallengeCapacity)
	}
	if c.Mailbox.PollInterval <= 0 {
		return fmt.Errorf("mailbox.poll_interval must be positive, got %s", c.Mailbox.PollInterval)
	}
	if c.Mailbox.MaxEmptyPolls <= 0 {
		return fmt.Errorf("mailbox.max_empty_polls must be positive, got %d", c.Mailbox.MaxEmptyPolls)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
