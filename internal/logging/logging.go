// Package logging builds the structured logger shared by every component.
package logging

import (
	"log/slog"
	"os"
)

// New creates a JSON structured logger with the service name bound to every
// record, honoring LOG_LEVEL (DEBUG, INFO, WARN, ERROR; default INFO).
func New(serviceName string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: levelFromEnv(os.Getenv("LOG_LEVEL")),
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler).With(slog.String("service", serviceName))
}

// Component returns a child logger bound to a component name. cmd/worker
// uses it for the output backends' logger; the consumer roles tag their
// own log lines with a "role" attribute instead.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With(slog.String("component", name))
}

func levelFromEnv(levelStr string) slog.Level {
	switch levelStr {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
