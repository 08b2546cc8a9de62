package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupLogger installs the process-wide slog logger the audit service writes
// through. Format "json" emits one object per line for log shippers; anything
// else is key=value text for terminals. Level accepts debug, info, warn
// (or warning) and error, defaulting to info. Runs once at startup, before
// the registry or any background job logs.
func SetupLogger(format, level string) {
	lvl := ParseLevel(level)
	slog.SetDefault(slog.New(newLogHandler(os.Stdout, format, lvl)))
	slog.Info("logging configured", "format", strings.ToLower(format), "level", lvl.String())
}

// ParseLevel maps a configuration string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// newLogHandler builds the handler SetupLogger installs. Source attribution
// is included only at debug level.
func newLogHandler(w io.Writer, format string, lvl slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
