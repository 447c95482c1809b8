package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a zerolog logger with the given level and format.
// Format "console" or "pretty" selects human-readable output; anything
// else produces JSON.
func NewLogger(level string, format string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if format == "console" || format == "pretty" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// WithComponent returns a logger with a component field.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
