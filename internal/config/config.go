// Package config loads the broker's process-wide configuration from
// environment variables (with an optional .env file for local
// development), grounded on the teacher's config.go: struct tags read by
// caarlos0/env, godotenv as the optional local override, and a
// zerolog-based validation/logging pass.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/smpbroker/broker/internal/monitoring"
)

// Config holds every process-wide setting named in §6 of the broker's
// command surface, plus the ambient logging knobs the teacher always
// carries alongside them.
type Config struct {
	// TCPAddr is the listener address (§6 tcpPort).
	TCPAddr string `env:"SMP_TCP_ADDR" envDefault:":5223"`

	// TBQSize bounds every bounded queue: session rcvQ/sndQ, the
	// registry's displacement buffer, and each recipient's message FIFO
	// (§6 tbqSize).
	TBQSize int `env:"SMP_TBQ_SIZE" envDefault:"128"`

	// QueueIDBytes sizes freshly generated recipientId/senderId values
	// (§6 queueIdBytes).
	QueueIDBytes int `env:"SMP_QUEUE_ID_BYTES" envDefault:"24"`

	// MsgIDBytes sizes freshly generated msgId values (§6 msgIdBytes).
	MsgIDBytes int `env:"SMP_MSG_ID_BYTES" envDefault:"24"`

	LogLevel  string `env:"SMP_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SMP_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a local .env file (if present) and then
// the process environment, which always takes precedence. logger may be
// nil during early startup before a structured logger exists.
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
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that would make the broker's
// invariants unsatisfiable (a zero-capacity queue can never deliver a
// message; a zero-length id can't be unique).
func (c *Config) Validate() error {
	if c.TCPAddr == "" {
		return fmt.Errorf("SMP_TCP_ADDR is required")
	}
	if c.TBQSize < 1 {
		return fmt.Errorf("SMP_TBQ_SIZE must be > 0, got %d", c.TBQSize)
	}
	if c.QueueIDBytes < 1 {
		return fmt.Errorf("SMP_QUEUE_ID_BYTES must be > 0, got %d", c.QueueIDBytes)
	}
	if c.MsgIDBytes < 1 {
		return fmt.Errorf("SMP_MSG_ID_BYTES must be > 0, got %d", c.MsgIDBytes)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("SMP_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("SMP_LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}
	return nil
}

// LoggerConfig adapts c's logging knobs to monitoring.LoggerConfig.
func (c *Config) LoggerConfig() monitoring.LoggerConfig {
	return monitoring.LoggerConfig{
		Level:  monitoring.LogLevel(c.LogLevel),
		Format: monitoring.LogFormat(c.LogFormat),
	}
}

// Log emits the loaded configuration as a structured entry, mirroring
// the teacher's LogConfig.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Str("tcp_addr", c.TCPAddr).
		Int("tbq_size", c.TBQSize).
		Int("queue_id_bytes", c.QueueIDBytes).
		Int("msg_id_bytes", c.MsgIDBytes).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("broker configuration loaded")
}
