// Package logging provides structured logging with zerolog, with scoped
// helpers for this domain's identifiers (component, task, segment,
// provider session).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global zerolog logger.
func Init(cfg Config) {
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	return log.Logger
}

// WithComponent returns a logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithTask returns a logger with task context.
func WithTask(textID string) zerolog.Logger {
	return log.With().Str("textId", textID).Logger()
}

// WithSegment returns a logger with task and segment context.
func WithSegment(textID string, segmentIndex int) zerolog.Logger {
	return log.With().
		Str("textId", textID).
		Int("segmentIndex", segmentIndex).
		Logger()
}

// WithProvider returns a logger with task, segment, and provider-session
// context.
func WithProvider(textID string, segmentIndex int, sessionID string) zerolog.Logger {
	return log.With().
		Str("textId", textID).
		Int("segmentIndex", segmentIndex).
		Str("sessionId", sessionID).
		Logger()
}
