// Package log wraps zerolog for the engine's internal logging.
//
// The engine is an embedded library, so the default level is Warn and output
// goes to stderr. Hosts that want structured engine logs call Init with their
// own configuration before opening a database.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger all components derive from.
var Logger = zerolog.New(os.Stderr).
	With().Timestamp().Logger().
	Level(zerolog.WarnLevel)

// Config holds logging configuration.
type Config struct {
	Level      zerolog.Level
	JSONOutput bool
	Output     io.Writer
}

// Init replaces the root logger.
func Init(cfg Config) {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger().Level(cfg.Level)
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithCollection creates a child logger with a collection field.
func WithCollection(name string) zerolog.Logger {
	return Logger.With().Str("component", "collection").Str("collection", name).Logger()
}
