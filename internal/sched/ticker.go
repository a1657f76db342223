package sched

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Ticker drives the guarded tasks on a fixed interval. A tick runs the
// tasks sequentially; if the previous tick is still in flight the whole
// tick is skipped rather than piled up.
type Ticker struct {
	runner   *Runner
	tasks    []Task
	interval time.Duration
	logger   *slog.Logger
	busy     atomic.Bool
	stop     chan struct{}
}

// NewTicker creates a scheduler tick loop.
func NewTicker(runner *Runner, tasks []Task, interval time.Duration, logger *slog.Logger) *Ticker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Ticker{
		runner:   runner,
		tasks:    tasks,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the tick loop. Call in a goroutine.
func (t *Ticker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Stop signals the ticker to stop.
func (t *Ticker) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// Tick runs one scheduler pass. Exported so tests and admin endpoints
// can drive the loop manually.
func (t *Ticker) Tick(ctx context.Context) {
	if !t.busy.CompareAndSwap(false, true) {
		t.logger.Warn("scheduler tick skipped, previous tick still running")
		return
	}
	defer t.busy.Store(false)

	for _, task := range t.tasks {
		// Each task is isolated: a failure is recorded in its own state
		// and never stops the remaining tasks.
		if _, err := t.runner.RunTask(ctx, task); err != nil {
			t.logger.Error("scheduler task state error", "task", task.Name, "error", err)
		}
	}
}
