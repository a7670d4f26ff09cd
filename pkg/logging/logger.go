// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
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
	// Ignored when FilePath is set.
	Output io.Writer

	// FilePath enables a size-rotated log file instead of Output.
	FilePath string

	// MaxSizeMB is the size in megabytes at which the log file is rotated.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Pretty:     false,
		Output:     os.Stderr,
		MaxSizeMB:  100,
		MaxBackups: 3,
	}
}

// Setup configures the global zerolog logger.
// If the log file cannot be prepared it falls back to Output and returns the error
// alongside a usable logger.
func Setup(cfg Config) (zerolog.Logger, error) {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	output, outErr := buildOutput(cfg)
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, NoColor: cfg.FilePath != "" && outErr == nil}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	if outErr != nil {
		logger.Warn().Err(outErr).Str("path", cfg.FilePath).Msg("Log file unavailable, using fallback output")
	}
	return logger, outErr
}

// buildOutput returns the rotating file writer or the plain output.
func buildOutput(cfg Config) (io.Writer, error) {
	fallback := cfg.Output
	if fallback == nil {
		fallback = os.Stderr
	}
	if cfg.FilePath == "" {
		return fallback, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return fallback, fmt.Errorf("create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache lookups (key, status, tier)
//   - Stores, evictions and spills
//   - Conditional requests (validators sent)
//
// Info: Normal operation events
//   - Fetched responses (status, X-Cache)
//   - Tier usage before and after fetches
//   - Disk tier recovery summary
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Spill tier errors (degraded to miss)
//   - Corrupt records skipped
//   - Retry attempts
//   - Stale responses served on origin failure
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries)
//   - Configuration errors
//
// Context Fields:
//   - component: package emitting the event
//   - key: cache key
//   - tier: memory, disk or redis
//   - url: request URL
//   - status_code: HTTP status code
//   - duration: Request duration
//   - error_class: Error classification (client, server, rate_limit, network)
//   - cache: X-Cache value (HIT, MISS, REVALIDATED, STALE)
