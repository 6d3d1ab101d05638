package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs a JSON logger tagged with workerID as the process default.
func Init(workerID string) *slog.Logger {
	logger := New(os.Stdout, ParseLevel(os.Getenv("LOG_LEVEL"))).With("worker_id", workerID)
	slog.SetDefault(logger)
	return logger
}

// New builds a redacting JSON logger writing to w.
func New(w io.Writer, level slog.Level) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(newRedactingHandler(handler))
}

func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
