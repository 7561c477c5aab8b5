// Package applog constructs the engine's structured logger: a level and
// a handler, following the `Logger *slog.Logger` / `slog.Default()`
// fallback idiom used throughout the teacher's own agent package.
package applog

import (
	"io"
	"log/slog"
	"os"
)

// Options configures New.
type Options struct {
	Level  slog.Level
	Writer io.Writer // defaults to os.Stderr
	JSON   bool       // structured JSON instead of the default text handler
}

// New builds a *slog.Logger from opts. A zero Options value yields the
// same info-level text logger the CLI uses by default.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

// TeeWriter returns an io.Writer that also appends everything written to
// it into the named log file, for callers that want process output
// mirrored both to the terminal and to a persistent log (distinct from
// the backend's own log-tee, which is the job's own stdout/stderr, not
// the engine's own diagnostic log).
func TeeWriter(primary io.Writer, logPath string) (io.Writer, func() error, error) {
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec
	if err != nil {
		return nil, nil, err
	}
	return io.MultiWriter(primary, f), f.Close, nil
}
