package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogLevelEnv overrides the configured log level when set.
const LogLevelEnv = "COFFER_LOG_LEVEL"

// NewLogger creates a structured JSON logger writing to stdout.
// The level comes from COFFER_LOG_LEVEL, defaulting to info.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, ParseLogLevel(os.Getenv(LogLevelEnv)))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return NewLoggerTo(os.Stdout, component, level)
}

// NewLoggerTo is NewLoggerWithLevel writing to w.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps debug, info, warn and error to zerolog levels.
// Anything else is info.
func ParseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
