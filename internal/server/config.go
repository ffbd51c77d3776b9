// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay.
package server

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Host            string        `env:"HOST"`
	Port            string        `env:"PORT"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE"`
	ExclusiveRooms  bool          `env:"EXCLUSIVE_ROOMS"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
	RateLimit       RateLimitConfig
}

const (
	defaultPort           = "3001"
	defaultMaxMessageSize = 4096
	defaultBurst          = 20
)

func defaultConfig() Config {
	return Config{
		Host: "0.0.0.0",
		Port: defaultPort,
		// Any origin is accepted unless narrowed; not a production setting.
		AllowedOrigins:  []string{"*"},
		MaxMessageSize:  defaultMaxMessageSize,
		ShutdownTimeout: 10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from environment variables. Variables
// that are not set keep their default value.
func NewConfigFromEnv() (*Config, error) {
	cfg := defaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	sanitized := cfg.sanitized()
	return &sanitized, nil
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strings.TrimPrefix(c.Port, ":"))
}

func (c Config) sanitized() Config {
	if strings.TrimPrefix(c.Port, ":") == "" {
		c.Port = defaultPort
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultBurst
	}

	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}
