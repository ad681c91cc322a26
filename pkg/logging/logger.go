// Package logging configures structured logging for the SDK and CLI using zerolog.
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
	// LevelDebug logs per-attempt request flow and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs completed operations and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs retries, rate-limit pauses and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs failures only.
	LevelError LogLevel = "error"

	// LevelDisabled turns logging off. The CLI default, so stderr stays
	// reserved for error output and progress.
	LevelDisabled LogLevel = "disabled"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
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
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to a zerolog.Level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger derived from the global logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Component returns base scoped to component, or the global component logger when base is nil.
func Component(base *zerolog.Logger, component string) zerolog.Logger {
	if base == nil {
		return NewLogger(component)
	}
	return base.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: request attempts, page fetches, poll ticks, cache hits and misses.
// Info: order/asset reached a terminal state, download completed.
// Warn: retry scheduled, rate-limit pause, cache errors (request proceeds uncached).
// Error: retries exhausted, download failed, checksum mismatch.
//
// Context Fields:
//   - method, url: request line
//   - attempt: 1-based attempt number
//   - status: HTTP status code
//   - error_class: client, server, rate_limit, network
//   - backoff: delay before the next attempt
//   - page: 1-based page number in a pagination run
//   - state: polled resource state
//   - path, bytes: download destination and size
