package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupLogger installs the process-wide slog default logger.
//
// format: "json" selects the JSON handler; anything else selects the text handler.
// level: "debug", "info", "warn", "error" (case-insensitive); defaults to "info".
//
// Tenancy code logs through slog.Default() with "tenant_id", "namespace" and
// "entity" attributes rather than carrying a logger around.
func SetupLogger(format, level string) {
	slog.SetDefault(newLogger(os.Stdout, format, level))
	slog.Info("logger initialised", "format", format, "level", parseLevel(level).String())
}

func newLogger(w io.Writer, format, level string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
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
