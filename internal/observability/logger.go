package observability

import (
	"log/slog"
	"os"
)

// default logger, JSON to stdout.
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

func Logger() *slog.Logger {
	return logger
}

// Component returns a logger tagged with the owning component name.
func Component(name string) *slog.Logger {
	return logger.With("component", name)
}

// SetLevel replaces the default logger with one filtered at the given level.
func SetLevel(level slog.Level) {
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
