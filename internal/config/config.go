// Package config loads engine settings from the environment. All
// variables carry the TUTORLINK_ prefix.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

var (
	ErrMissingAuthSecret = errors.New("TUTORLINK_AUTH_SECRET is required")
	ErrInvalidPort       = errors.New("TUTORLINK_PORT must be between 1 and 65535")
	ErrInvalidLogLevel   = errors.New("TUTORLINK_LOG_LEVEL must be debug, info, warn or error")
)

type Config struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"PORT" envDefault:"8080"`
	DatabasePath    string        `env:"DATABASE_PATH" envDefault:"tutorlink.db"`
	AuthSecret      string        `env:"AUTH_SECRET"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "TUTORLINK_"}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		return ErrMissingAuthSecret
	}
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
