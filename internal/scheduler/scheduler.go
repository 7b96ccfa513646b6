// Package scheduler drives the one-second heartbeat that every component
// hangs its periodic work on: WebSocket health checks, listen-key renewal,
// bus reconnect probes. One ticker goroutine serves the whole process, so
// registering a task is cheap and tasks never hold the loop.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskFunc is a periodic callback. It receives the id it was registered
// under and the heartbeat count that fired it.
type TaskFunc func(ctx context.Context, taskID string, count uint64)

type task struct {
	fn       TaskFunc
	interval uint64
}

// Scheduler runs registered tasks off a single one-second ticker. A task
// with interval k fires on every count divisible by k, each dispatch in its
// own goroutine, so a slow task never delays the tick. Missed ticks are not
// made up.
type Scheduler struct {
	logger     *slog.Logger
	tick       time.Duration
	printEvery uint64

	mu    sync.Mutex
	tasks map[string]task
	count uint64
}

// New constructs a scheduler. printEvery > 0 logs a heartbeat line every
// that many ticks.
func New(logger *slog.Logger, printEvery int) *Scheduler {
	if printEvery < 0 {
		printEvery = 0
	}
	return &Scheduler{
		logger:     logger.With("component", "scheduler"),
		tick:       time.Second,
		printEvery: uint64(printEvery),
		tasks:      make(map[string]task),
	}
}

// Register adds fn to the tick loop. interval is in seconds; values below
// one are raised to one. Returns the task id for Unregister.
func (s *Scheduler) Register(fn TaskFunc, interval int) string {
	if interval < 1 {
		interval = 1
	}
	id := newTaskID()

	s.mu.Lock()
	s.tasks[id] = task{fn: fn, interval: uint64(interval)}
	s.mu.Unlock()
	return id
}

// Unregister removes a task. Unknown ids are ignored.
func (s *Scheduler) Unregister(taskID string) {
	s.mu.Lock()
	delete(s.tasks, taskID)
	s.mu.Unlock()
}

// Count returns the current heartbeat count.
func (s *Scheduler) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Run blocks driving the ticker until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.advance(ctx)
		}
	}
}

// advance moves the count forward one beat and dispatches due tasks.
func (s *Scheduler) advance(ctx context.Context) {
	type due struct {
		id string
		fn TaskFunc
	}

	s.mu.Lock()
	s.count++
	count := s.count
	var fire []due
	for id, t := range s.tasks {
		if count%t.interval == 0 {
			fire = append(fire, due{id: id, fn: t.fn})
		}
	}
	s.mu.Unlock()

	if s.printEvery > 0 && count%s.printEvery == 0 {
		s.logger.Info("server heartbeat", "count", count)
	}

	for _, d := range fire {
		go d.fn(ctx, d.id, count)
	}
}

// CallLater runs fn once after delay on its own goroutine. The returned
// timer can cancel the call while it is still pending.
func (s *Scheduler) CallLater(delay time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(delay, fn)
}

func newTaskID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
