// Package logging configures the process-wide slog handler.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Options controls handler selection.
type Options struct {
	// Level is the minimum level emitted.
	Level slog.Level
	// JSON forces the JSON handler even on a TTY.
	JSON bool
	// Writer overrides the destination; defaults to os.Stderr.
	Writer io.Writer
}

// New builds a *slog.Logger appropriate for the current output stream: a
// colorized line-oriented handler on a terminal, JSON otherwise.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	if !opts.JSON {
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			return slog.New(tint.NewHandler(colorable.NewColorable(f), &tint.Options{
				Level:      opts.Level,
				TimeFormat: "15:04:05.000",
			}))
		}
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level}))
}

// Default installs a logger built from opts as the slog package default and
// returns it.
func Default(opts Options) *slog.Logger {
	l := New(opts)
	slog.SetDefault(l)
	return l
}
