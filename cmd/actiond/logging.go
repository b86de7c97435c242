package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/strophon/actionserver/pkg/config"
	"github.com/strophon/actionserver/pkg/executor"
)

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "TRACE":
		return executor.LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", "actiond")
}
