// Package logging configures the process-wide slog handler.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/agentfoundry/proactor/internal/config"
)

// Setup installs the default handler from config. Verbose forces debug level
// regardless of the configured one.
func Setup(cfg config.LoggingConfig, verbose bool) {
	level := parseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
