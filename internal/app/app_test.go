package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"quantd/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunReturnsAfterStop(t *testing.T) {
	a := New(&config.Config{ServerID: "stop-test"}, discardLogger())

	done := make(chan error, 1)
	go func() { done <- a.Run(nil) }()

	a.Stop()
	a.Stop() // second call must be harmless

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestEntranceSeesRuntimeHandles(t *testing.T) {
	cfg := &config.Config{ServerID: "handles-test"}
	a := New(cfg, discardLogger())

	called := false
	err := a.Run(func(ctx context.Context, got *App) error {
		called = true
		if got.Scheduler() == nil {
			t.Error("entrance got nil scheduler")
		}
		if got.Bus() != nil {
			t.Error("entrance got a bus without RABBITMQ configured")
		}
		if got.Config() != cfg {
			t.Error("entrance got a different config")
		}
		if ctx.Err() != nil {
			t.Errorf("entrance context already done: %v", ctx.Err())
		}
		got.Stop()
		return nil
	})
	if err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	if !called {
		t.Fatal("entrance never ran")
	}
}

func TestEntranceErrorAbortsRun(t *testing.T) {
	a := New(&config.Config{ServerID: "abort-test"}, discardLogger())

	boom := errors.New("no accounts configured")
	done := make(chan error, 1)
	go func() {
		done <- a.Run(func(ctx context.Context, _ *App) error { return boom })
	}()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("Run returned %v, want the entrance error", err)
		}
		if !strings.Contains(err.Error(), "entrance") {
			t.Fatalf("error %q does not name the entrance", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after entrance failure")
	}
}

func TestHeartbeatDrivesRegisteredTasks(t *testing.T) {
	a := New(&config.Config{ServerID: "ticker-test"}, discardLogger())

	fired := make(chan uint64, 1)
	a.Scheduler().Register(func(ctx context.Context, taskID string, count uint64) {
		select {
		case fired <- count:
		default:
		}
	}, 1)

	done := make(chan error, 1)
	go func() { done <- a.Run(nil) }()
	defer func() {
		a.Stop()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("Run did not return after Stop")
		}
	}()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler task never fired after boot")
	}
}
