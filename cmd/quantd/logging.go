package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"quantd/internal/config"
)

// newLogger builds the process logger from the LOG section: console=true
// writes a text handler to stdout, path+name add a rotated JSON file.
// With neither set, console text is the fallback so the process is never
// mute.
func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var handlers []slog.Handler
	if cfg.Console {
		handlers = append(handlers, slog.NewTextHandler(os.Stdout, opts))
	}
	if cfg.Path != "" && cfg.Name != "" {
		file := filepath.Join(cfg.Path, cfg.Name)
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		if cfg.Clear {
			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("clear log file: %w", err)
			}
		}
		w := &lumberjack.Logger{
			Filename:   file,
			MaxBackups: cfg.BackupCount,
		}
		handlers = append(handlers, slog.NewJSONHandler(w, opts))
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	case 1:
		return slog.New(handlers[0]), nil
	default:
		return slog.New(multiHandler(handlers)), nil
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// multiHandler fans one record out to every handler, console and file.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
