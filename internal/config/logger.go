package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the global logger
func InitLogger(level, format string) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Set time format
	zerolog.TimeFieldFormat = time.RFC3339Nano

	// Configure output format
	var output io.Writer = os.Stdout
	if format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	}

	// Set global logger
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	log.Info().
		Str("level", logLevel.String()).
		Str("format", format).
		Msg("Logger initialized")
}

// NewLogger creates a new logger with a component name
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// NewExecutionLogger creates a logger scoped to one pipeline execution
func NewExecutionLogger(component, executionID string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("execution_id", executionID).
		Logger()
}

// NewTaskLogger creates a logger for a worker handling one analysis task
func NewTaskLogger(executionID, symbol, strategy, timeframe string) zerolog.Logger {
	return log.With().
		Str("component", "worker").
		Str("execution_id", executionID).
		Str("symbol", symbol).
		Str("strategy", strategy).
		Str("timeframe", timeframe).
		Logger()
}
