// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// TabID, when set, is attached to every line so interleaved output of
	// several tabs can be told apart.
	TabID string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	level, _ := ParseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.TabID != "" {
		ctx = ctx.Str("tab_id", cfg.TabID)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// ParseLevel converts level to a zerolog.Level. Unknown levels map to Info
// and report false.
func ParseLevel(level LogLevel) (zerolog.Level, bool) {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	default:
		return zerolog.InfoLevel, false
	}
}

// NewLogger creates a logger for component from the global logger.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: cache hits and misses, request flow, replayed peer events,
// realtime messages nobody listens for.
//
// Info: connection state changes, offline/online transitions, prefetch
// progress, agent startup and shutdown.
//
// Warn: retries, throttling, dropped or malformed messages, queue overflow,
// storage failures the client degrades around.
//
// Error: requests that exhausted their retries, abandoned reconnection,
// configuration errors.
//
// Context Fields:
//   - component: emitting package (client, cache, realtime, crosstab, ...)
//   - tab_id: tab identifier
//   - endpoint: request path
//   - status: HTTP status code
//   - kind: fault kind (network, timeout, http, offline, parse, connection)
//   - attempt: retry or reconnect attempt number
//   - delay: backoff before the next attempt
//   - key: cache key
