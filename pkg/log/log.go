// Package log configures the process-wide slog logger.
package log

import (
	"log/slog"
	"os"
)

func Setup(logLevel string) {
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

// WithJob returns a logger carrying the correlation fields every job-scoped
// log line must have.
func WithJob(logger *slog.Logger, queue string, planID int64, index int32, activityID string) *slog.Logger {
	return logger.With(
		"queue", queue,
		"plan_id", planID,
		"index", index,
		"activity_id", activityID,
	)
}
