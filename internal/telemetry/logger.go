// Package telemetry provides the structured logger and the Prometheus
// metrics shared across the cluster manager's components.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured JSON logger. level is one of
// DEBUG|INFO|WARNING|ERROR|CRITICAL (case-insensitive), matching the
// --log-level CLI flag. slog has no CRITICAL level, so it is mapped to
// Error; unrecognized values fall back to Info.
func NewLogger(level string) *slog.Logger {
	lvl, recognized := mapLevel(level)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	if !recognized && level != "" {
		logger.Warn("unrecognized log level, defaulting to INFO", "level", level)
	}
	return logger
}

func mapLevel(level string) (slog.Level, bool) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARNING", "WARN":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	case "CRITICAL":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
