// Package logging builds the zerolog logger handed to every component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Options configures New.
type Options struct {
	Level zerolog.Level

	// Out defaults to os.Stderr.
	Out io.Writer

	// Console forces human-readable output. When nil, console output is
	// used only if Out is a terminal.
	Console *bool

	NoColor bool
}

// New returns a logger writing JSON lines, or console output on a
// terminal.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	console := isTerminal(out)
	if opts.Console != nil {
		console = *opts.Console
	}
	if console {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    opts.NoColor,
		}
	}

	return zerolog.New(out).Level(opts.Level).With().Timestamp().Logger()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
