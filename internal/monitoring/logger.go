// Package monitoring wires the broker's structured logging, grounded on
// the teacher's zerolog setup (internal/shared/monitoring/logger.go of
// the reference tree): JSON output by default, a pretty console writer
// for local development, and panic-recovery helpers for goroutines that
// must never take the process down with them.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel is the minimum severity a Logger emits.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat selects the Logger's output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // machine-readable, for log aggregation
	LogFormatPretty LogFormat = "pretty" // human-readable, for local dev
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  LogLevel
	Format LogFormat
}

// NewLogger returns a zerolog.Logger configured per config: JSON to
// stdout by default, or a colorized console writer when Format is
// pretty. Every entry carries a timestamp and caller location.
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "smp-broker").
		Logger()
}

// LogError logs err with msg and any extra context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic recovers a panic in the calling goroutine, logs it with a
// stack trace under fiberName, and lets the goroutine's own cleanup
// proceed rather than crashing the process. Callers that only need to
// swallow the panic (not also report it as an error to a supervising
// errgroup) defer this directly.
func RecoverPanic(logger zerolog.Logger, fiberName string, fields map[string]any) {
	if r := recover(); r != nil {
		logPanic(logger, fiberName, fields, r)
	}
}

// RecoverPanicValue logs an already-recovered panic value r under
// fiberName. Used by callers (session.guardFiber) that must also turn the
// panic into a returned error, and so call recover() themselves rather
// than through RecoverPanic.
func RecoverPanicValue(logger zerolog.Logger, fiberName string, fields map[string]any, r any) {
	logPanic(logger, fiberName, fields, r)
}

func logPanic(logger zerolog.Logger, fiberName string, fields map[string]any, r any) {
	event := logger.Error().
		Str("fiber", fiberName).
		Interface("panic", r).
		Str("stack", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("recovered panic in fiber")
}
