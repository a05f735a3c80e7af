package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func NewLogger(level string) *slog.Logger {
	return New(os.Stdout, level)
}

// New builds the JSON logger shared by all components. Its level follows SetLevel.
func New(w io.Writer, level string) *slog.Logger {
	levelVar.Set(ParseLevel(level))
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: &levelVar})
	return slog.New(h).With("service", "spacewatch")
}

var levelVar slog.LevelVar

// SetLevel adjusts the level of loggers built by New, used on config reload.
func SetLevel(level string) {
	levelVar.Set(ParseLevel(level))
}

func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", name)
}
