// Package app assembles the runtime: the shared scheduler, the event bus,
// the metrics endpoint and the caller's entrance function, and owns their
// lifecycle as one unit.
//
// Lifecycle: New() → Run(entrance) → [runs until SIGINT] → Stop()
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quantd/internal/bus"
	"quantd/internal/config"
	"quantd/internal/metrics"
	"quantd/internal/scheduler"
)

// heartbeatDelay is how long after boot the scheduler starts ticking.
// The gap gives the entrance time to register its periodic tasks before
// the first beat.
const heartbeatDelay = 500 * time.Millisecond

// Entrance is the caller's boot hook. It runs once after the bus and the
// metrics endpoint are up; returning an error aborts the runtime.
type Entrance func(ctx context.Context, a *App) error

// App owns the process-wide runtime. The bus and the metrics server are
// optional, driven by their config sections; the scheduler always exists
// because every subsystem hangs its periodic work on it.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	sched   *scheduler.Scheduler
	bus     *bus.Bus
	metrics *metrics.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the runtime from config: the scheduler always, the bus when
// RABBITMQ is set, the metrics server when METRICS is.
func New(cfg *config.Config, logger *slog.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:    cfg,
		logger: logger.With("component", "app"),
		sched:  scheduler.New(logger, cfg.Heartbeat.Interval),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.RabbitMQ != nil {
		a.bus = bus.New(cfg.ServerID, bus.Config{
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			Username: cfg.RabbitMQ.Username,
			Password: cfg.RabbitMQ.Password,
		}, a.sched, logger)
	}
	if cfg.Metrics != nil {
		addr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
		a.metrics = metrics.NewServer(addr, logger)
	}
	return a
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Scheduler returns the shared heartbeat scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.sched
}

// Bus returns the event bus, or nil when RABBITMQ is not configured.
func (a *App) Bus() *bus.Bus {
	return a.bus
}

// Run boots the runtime and blocks until Stop is called or the entrance
// fails. The first bus connect happens inline so subscriptions made by
// the entrance all land inside the bind grace window; a failed first
// connect is logged and left to the bus health check, which keeps
// redialing until the broker shows up.
func (a *App) Run(entrance Entrance) error {
	if a.bus != nil {
		if err := a.bus.Connect(false); err != nil {
			a.logger.Error("initial rabbitmq connect failed", "error", err)
		}
	}

	if a.metrics != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.metrics.Start(); err != nil {
				a.logger.Error("metrics server error", "error", err)
			}
		}()
	}

	a.wg.Add(1)
	a.sched.CallLater(heartbeatDelay, func() {
		defer a.wg.Done()
		a.sched.Run(a.ctx)
	})

	var entranceErr error
	if entrance != nil {
		if err := entrance(a.ctx, a); err != nil {
			entranceErr = fmt.Errorf("entrance: %w", err)
			a.cancel()
		}
	}
	if entranceErr == nil {
		a.logger.Info("runtime started", "server_id", a.cfg.ServerID)
	}

	<-a.ctx.Done()

	if a.metrics != nil {
		if err := a.metrics.Stop(); err != nil {
			a.logger.Error("metrics server stop failed", "error", err)
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	a.wg.Wait()
	a.logger.Info("runtime stopped")
	return entranceErr
}

// Stop cancels the root context. A blocked Run unwinds and shuts the
// subsystems down; calling Stop more than once is harmless.
func (a *App) Stop() {
	a.cancel()
}
