package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/setevik/diagwatch/internal/config"
)

func setupLogging(lc config.LogConfig) {
	slog.SetDefault(newLogger(os.Stderr, lc))
}

func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	var logLevel slog.Level
	switch lc.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
