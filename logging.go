package chronicle

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLogLevel maps a config string to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewLogger builds the daemon logger. When hub is non-nil every record is
// also published on the hub's log feed.
func NewLogger(w io.Writer, level string, hub *StatusHub) *slog.Logger {
	var handler slog.Handler = slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLogLevel(level),
	})
	if hub != nil {
		handler = NewHubLogHandler(handler, hub)
	}
	return slog.New(handler)
}
