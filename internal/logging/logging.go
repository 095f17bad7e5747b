// Package logging wires up the slog.Logger used throughout the mesh core,
// per SPEC_FULL.md §10.1. No package-level global: every component takes a
// *slog.Logger at construction.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// Options controls handler selection.
type Options struct {
	// Writer defaults to os.Stderr.
	Writer io.Writer
	// Level defaults to slog.LevelInfo.
	Level slog.Level
	// ForceJSON bypasses TTY detection and always emits JSON, for
	// production deployments where stderr is captured by a log shipper.
	ForceJSON bool
}

// New builds the root logger. When the destination is a terminal it uses
// tint for readable, colorized output; otherwise it emits JSON lines.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	if !opts.ForceJSON && isTerminal(w) {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      opts.Level,
			TimeFormat: "15:04:05.000",
		}))
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// Component returns a child logger scoped to a single component, per the
// "component" field convention in SPEC_FULL.md §10.1.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}
