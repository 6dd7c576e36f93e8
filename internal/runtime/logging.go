package runtime

import (
	"log/slog"
	"strings"
)

// LogLevel maps telemetry.log_level to a slog level. Unknown names mean info.
func LogLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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
