// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

var ErrInvalidConfiguration = errors.New("config: invalid configuration")

// Config holds the settings of a bridge process
type Config struct {
	PollInterval  time.Duration `env:"TIEBRIDGE_POLL_INTERVAL" envDefault:"1s"`
	BatchSize     int           `env:"TIEBRIDGE_BATCH_SIZE" envDefault:"10"`
	CacheCapacity int           `env:"TIEBRIDGE_CACHE_CAPACITY" envDefault:"100"`

	HTTPAddr string `env:"TIEBRIDGE_HTTP_ADDR" envDefault:"127.0.0.1:7768"`

	AMQPURL      string `env:"TIEBRIDGE_AMQP_URL"`
	AMQPQueue    string `env:"TIEBRIDGE_AMQP_QUEUE" envDefault:"tiebridge.requests"`
	AMQPPrefetch int    `env:"TIEBRIDGE_AMQP_PREFETCH" envDefault:"10"`

	// Consecutive operation failures that open the breaker; 0 disables it
	BreakerThreshold int           `env:"TIEBRIDGE_BREAKER_THRESHOLD" envDefault:"0"`
	BreakerCooldown  time.Duration `env:"TIEBRIDGE_BREAKER_COOLDOWN" envDefault:"30s"`

	LogLevel  string `env:"TIEBRIDGE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"TIEBRIDGE_LOG_FORMAT" envDefault:"text"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment and validates the result
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every setting is usable
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %s", ErrInvalidConfiguration, c.PollInterval)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be at least 1, got %d", ErrInvalidConfiguration, c.BatchSize)
	}
	if c.CacheCapacity < 1 {
		return fmt.Errorf("%w: cache capacity must be at least 1, got %d", ErrInvalidConfiguration, c.CacheCapacity)
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("%w: http address is required", ErrInvalidConfiguration)
	}
	if c.AMQPURL != "" && c.AMQPQueue == "" {
		return fmt.Errorf("%w: amqp queue is required when amqp url is set", ErrInvalidConfiguration)
	}
	if c.BreakerThreshold < 0 {
		return fmt.Errorf("%w: breaker threshold must not be negative, got %d", ErrInvalidConfiguration, c.BreakerThreshold)
	}
	if c.BreakerThreshold > 0 && c.BreakerCooldown <= 0 {
		return fmt.Errorf("%w: breaker cooldown must be positive, got %s", ErrInvalidConfiguration, c.BreakerCooldown)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format must be text or json, got %q", ErrInvalidConfiguration, c.LogFormat)
	}
	return nil
}

// AMQPEnabled reports whether the AMQP ingress should run
func (c Config) AMQPEnabled() bool {
	return c.AMQPURL != ""
}

// ParseLevel converts a level name into a slog level
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfiguration, name)
	}
}
