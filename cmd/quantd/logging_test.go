package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"quantd/internal/config"
)

func TestNewLoggerWritesRotatedJSONFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := newLogger(config.LogConfig{
		Level: "info",
		Path:  dir,
		Name:  "quantd.log",
	})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}

	logger.Info("adapter started", "platform", "binance")

	data, err := os.ReadFile(filepath.Join(dir, "quantd.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var line struct {
		Msg      string `json:"msg"`
		Platform string `json:"platform"`
	}
	if err := json.Unmarshal(data, &line); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, data)
	}
	if line.Msg != "adapter started" || line.Platform != "binance" {
		t.Errorf("got line %+v", line)
	}
}

func TestNewLoggerClearRemovesPreviousFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "quantd.log")
	if err := os.WriteFile(file, []byte("stale\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	logger, err := newLogger(config.LogConfig{
		Path:  dir,
		Name:  "quantd.log",
		Clear: true,
	})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}

	logger.Info("fresh start")

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "stale") {
		t.Errorf("old content survived clear: %s", data)
	}
	if !strings.Contains(string(data), "fresh start") {
		t.Errorf("new line missing: %s", data)
	}
}

func TestNewLoggerLevelFiltersRecords(t *testing.T) {
	dir := t.TempDir()
	logger, err := newLogger(config.LogConfig{
		Level: "error",
		Path:  dir,
		Name:  "quantd.log",
	})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}

	logger.Info("chatty line")
	logger.Error("broken line")

	data, err := os.ReadFile(filepath.Join(dir, "quantd.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "chatty line") {
		t.Errorf("info line written at error level: %s", data)
	}
	if !strings.Contains(string(data), "broken line") {
		t.Errorf("error line missing: %s", data)
	}
}

func TestNewLoggerDefaultsToConsole(t *testing.T) {
	logger, err := newLogger(config.LogConfig{})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	if logger == nil {
		t.Fatal("newLogger returned nil logger")
	}
}

func TestMultiHandlerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	logger := slog.New(multiHandler{
		slog.NewJSONHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	})

	logger = logger.With("component", "test")
	logger.Debug("only for the verbose sink")
	logger.Error("for both sinks")

	if got := a.String(); !strings.Contains(got, "only for the verbose sink") ||
		!strings.Contains(got, "for both sinks") {
		t.Errorf("verbose sink missing lines:\n%s", got)
	}
	if got := b.String(); strings.Contains(got, "only for the verbose sink") {
		t.Errorf("quiet sink got a debug line:\n%s", got)
	}
	if got := b.String(); !strings.Contains(got, "for both sinks") {
		t.Errorf("quiet sink missing the error line:\n%s", got)
	}
	if !strings.Contains(a.String(), `"component":"test"`) {
		t.Errorf("WithAttrs not propagated:\n%s", a.String())
	}
}
