package sched

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/sikafo/trustpay/internal/alerts"
)

// jitterFraction randomizes backoff by ±15% so failing tasks don't
// thundering-herd the database on recovery.
const jitterFraction = 0.15

// Runner executes guarded tasks against their persisted state.
type Runner struct {
	store  Store
	alerts *alerts.Service
	logger *slog.Logger
	now    func() time.Time
	jitter func() float64 // uniform in [-1, 1]
}

// NewRunner creates a task runner. alerts may be nil.
func NewRunner(store Store, alertSvc *alerts.Service, logger *slog.Logger) *Runner {
	return &Runner{
		store:  store,
		alerts: alertSvc,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		jitter: func() float64 { return rand.Float64()*2 - 1 },
	}
}

// RunTask runs one guarded task if it is due. Skipped runs (still
// backing off or cooling down) return (false, nil). The task's own error
// is recorded in its state, not returned; only store failures surface.
func (r *Runner) RunTask(ctx context.Context, task Task) (ran bool, err error) {
	opts := task.Options.withDefaults()

	state, err := r.store.GetOrCreate(ctx, task.Name)
	if err != nil {
		return false, fmt.Errorf("load task state: %w", err)
	}
	now := r.now()
	if now.Before(state.NextRunAt) {
		recordSkip(task.Name)
		return false, nil
	}

	state.LastRunAt = &now
	taskErr := r.invoke(ctx, task)
	if taskErr == nil {
		state.ConsecutiveFailures = 0
		state.LastError = ""
		state.LastSuccessAt = &now
		state.NextRunAt = now.Add(opts.Cooldown)
		recordRun(task.Name, "success")
		if r.alerts != nil {
			if aerr := r.alerts.ResolveByKey(ctx, "task_failing", task.Name); aerr != nil {
				r.logger.Warn("resolve task alert", "task", task.Name, "error", aerr)
			}
		}
		return true, r.store.Save(ctx, state)
	}

	state.ConsecutiveFailures++
	state.LastError = taskErr.Error()
	state.NextRunAt = now.Add(r.backoff(opts, state.ConsecutiveFailures))
	recordRun(task.Name, "failure")
	r.logger.Warn("guarded task failed",
		"task", task.Name,
		"failures", state.ConsecutiveFailures,
		"next_run_at", state.NextRunAt,
		"error", taskErr)

	r.maybeAlert(ctx, task.Name, opts, state)
	return true, r.store.Save(ctx, state)
}

// invoke shields the runner from task panics.
func (r *Runner) invoke(ctx context.Context, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panic: %v", rec)
		}
	}()
	return task.Run(ctx)
}

// backoff is min(maxDelay, baseDelay * 2^(failures-1)), jittered ±15%.
func (r *Runner) backoff(opts Options, failures int) time.Duration {
	delay := opts.BaseDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= opts.MaxDelay {
			delay = opts.MaxDelay
			break
		}
	}
	if delay > opts.MaxDelay {
		delay = opts.MaxDelay
	}
	jittered := float64(delay) * (1 + jitterFraction*r.jitter())
	return time.Duration(jittered)
}

func (r *Runner) maybeAlert(ctx context.Context, name string, opts Options, state *TaskState) {
	if r.alerts == nil || opts.AlertThreshold <= 0 || state.ConsecutiveFailures < opts.AlertThreshold {
		return
	}
	severity := alerts.SeverityWarning
	if opts.EscalateThreshold > 0 && state.ConsecutiveFailures >= opts.EscalateThreshold {
		severity = alerts.SeverityCritical
	}
	_, err := r.alerts.Fire(ctx, "task_failing", name, severity,
		fmt.Sprintf("task %s has failed %d times in a row: %s",
			name, state.ConsecutiveFailures, state.LastError))
	if err != nil {
		r.logger.Error("fire task alert", "task", name, "error", err)
	}
}

// States lists the persisted guard state of every known task.
func (r *Runner) States(ctx context.Context) ([]*TaskState, error) {
	return r.store.List(ctx)
}
