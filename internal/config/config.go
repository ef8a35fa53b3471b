// Package config loads CLI/daemon configuration from environment variables
// and an optional .env file, in the style of the teacher's ws/config.go:
// caarlos0/env for struct parsing, joho/godotenv for local overrides, and a
// validate-then-log flow.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the settings a nimbus client program (the bench CLI, or any
// future service embedding the client) reads from its environment.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Connection
	Servers        string        `env:"NIMBUS_SERVERS" envDefault:"nimbus://127.0.0.1:4222"`
	ConnectTimeout time.Duration `env:"NIMBUS_CONNECT_TIMEOUT" envDefault:"2s"`
	PingInterval   time.Duration `env:"NIMBUS_PING_INTERVAL" envDefault:"2m"`
	MaxReconnect   int           `env:"NIMBUS_MAX_RECONNECT" envDefault:"60"`

	// Auth
	User     string `env:"NIMBUS_USER" envDefault:""`
	Password string `env:"NIMBUS_PASSWORD" envDefault:""`
	Token    string `env:"NIMBUS_TOKEN" envDefault:""`

	// Bench workload
	Subject           string        `env:"NIMBUS_BENCH_SUBJECT" envDefault:"bench.subject"`
	Connections       int           `env:"NIMBUS_BENCH_CONNECTIONS" envDefault:"10"`
	RampRate          int           `env:"NIMBUS_BENCH_RAMP_RATE" envDefault:"5"`
	PublishersPerConn int           `env:"NIMBUS_BENCH_PUBLISHERS" envDefault:"1"`
	PublishRate       int           `env:"NIMBUS_BENCH_PUBLISH_RATE" envDefault:"100"`
	PayloadBytes      int           `env:"NIMBUS_BENCH_PAYLOAD_BYTES" envDefault:"128"`
	Duration          time.Duration `env:"NIMBUS_BENCH_DURATION" envDefault:"30s"`
	ReportInterval    time.Duration `env:"NIMBUS_BENCH_REPORT_INTERVAL" envDefault:"5s"`

	// Telemetry
	MetricsAddr string `env:"NIMBUS_METRICS_ADDR" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
}

// Load reads configuration from a .env file (if present) and the process
// environment, then validates it. Priority: env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration overrides from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internally-inconsistent or out-of-range
// values that env.Parse's type conversion alone cannot catch.
func (c *Config) Validate() error {
	if c.Servers == "" {
		return fmt.Errorf("NIMBUS_SERVERS is required")
	}
	if c.Connections < 1 {
		return fmt.Errorf("NIMBUS_BENCH_CONNECTIONS must be > 0, got %d", c.Connections)
	}
	if c.RampRate < 1 {
		return fmt.Errorf("NIMBUS_BENCH_RAMP_RATE must be > 0, got %d", c.RampRate)
	}
	if c.PayloadBytes < 0 {
		return fmt.Errorf("NIMBUS_BENCH_PAYLOAD_BYTES must be >= 0, got %d", c.PayloadBytes)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console (got: %s)", c.LogFormat)
	}
	return nil
}

// LogFields logs the loaded configuration as structured fields.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("servers", c.Servers).
		Dur("connect_timeout", c.ConnectTimeout).
		Int("max_reconnect", c.MaxReconnect).
		Str("subject", c.Subject).
		Int("connections", c.Connections).
		Int("ramp_rate", c.RampRate).
		Int("publish_rate", c.PublishRate).
		Int("payload_bytes", c.PayloadBytes).
		Dur("duration", c.Duration).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
