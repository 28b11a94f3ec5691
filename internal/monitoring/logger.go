// Package monitoring provides the structured logging conventions shared
// by the client core and the example binary: a zerolog logger
// configured for either machine-readable JSON or a human console, plus
// helpers for attaching error context and recovering from panics in
// background goroutines (the dispatch loop and the transport read loop
// both run off the caller's goroutine and must not take the process
// down with them).
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is the minimum severity a logger emits.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat selects the logger's output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  LogLevel
	Format LogFormat
}

// NewLogger creates a structured logger for the client core and the
// example binary.
//
// Example:
//
//	logger := monitoring.NewLogger(monitoring.LoggerConfig{
//	    Level:  monitoring.LogLevelInfo,
//	    Format: monitoring.LogFormatPretty,
//	})
//	logger.Info().Str("component", "transport").Msg("connected")
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	case LogLevelFatal:
		level = zerolog.FatalLevel
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
		Str("component", "spacetimedb-client").
		Logger()
}

// LogError logs an error with contextual fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// LogErrorWithStack logs an error together with the current goroutine's
// stack trace. Use for unexpected protocol violations and invariant
// failures where the call path matters.
func LogErrorWithStack(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err).Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is meant to be deferred first in any goroutine the client
// core spawns (the dispatch loop, the transport read loop): it logs a
// recovered panic with its stack trace instead of letting it crash the
// host process.
func RecoverPanic(logger zerolog.Logger, where string, fields map[string]any) {
	r := recover()
	if r == nil {
		return
	}
	event := logger.Error().
		Interface("panic_value", r).
		Str("goroutine", where).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("recovered panic")
}

// InitGlobalLogger initializes the zerolog global logger. Call once at
// application startup.
func InitGlobalLogger(config LoggerConfig) {
	log.Logger = NewLogger(config)
}
