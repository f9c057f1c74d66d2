// Package logging configures the structured logger used by the command
// line tools.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a logger writing structured events to the given writer.
func New(writer io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// NewConsole returns a logger writing human-readable output to stderr.
// Verbose enables debug-level events.
func NewConsole(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
	return New(consoleWriter, level)
}
