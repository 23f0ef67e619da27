// Package logging provides slog helpers shared by all components.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New builds the root logger. Verbose enables debug level.
func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return NewWithWriter(os.Stderr, level)
}

// NewWithWriter is split out so tests can capture output.
func NewWithWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewComponentLogger tags every record with the owning component.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = New(false)
	}
	return base.With(slog.String("component", component))
}

// Error attaches an error under the conventional "error" key.
func Error(err error) slog.Attr { return slog.Any("error", err) }
