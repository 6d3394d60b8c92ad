package internal

import (
	"context"
	"log/slog"
	"os"

	charm "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-isatty"
)

var _handler = newHandler()

func newHandler() *charm.Logger {
	opts := charm.Options{
		ReportTimestamp: true,
		Level:           charm.InfoLevel,
	}
	l := charm.NewWithOptions(os.Stderr, opts)
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		l.SetFormatter(charm.LogfmtFormatter)
	}
	return l
}

// SetLogLevel adjusts global verbosity.
func SetLogLevel(level slog.Level) {
	_handler.SetLevel(charm.Level(level))
}

// SetLogLevelName adjusts global verbosity from a config string. Unknown
// names keep the default.
func SetLogLevelName(name string) {
	if level, err := charm.ParseLevel(name); err == nil {
		_handler.SetLevel(level)
	}
}

// Log returns a logger scoped to the request, if the context carries one.
func Log(ctx context.Context) *slog.Logger {
	l := slog.New(_handler)
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok && id != "" {
		l = l.With("requestID", id)
	}
	return l
}
