// Package sched is a guarded task scheduler for reconciliation jobs.
//
// Every periodic job is wrapped the same way: persisted per-task state
// with a consecutive failure count, exponential backoff with jitter on
// failure, a cooldown after success, and alerting once failures cross a
// threshold. A single tick loop runs the tasks sequentially; a busy flag
// keeps ticks from overlapping, and each task is isolated so one failure
// never blocks its siblings.
package sched

import (
	"context"
	"errors"
	"time"
)

var ErrTaskNotFound = errors.New("task state not found")

// TaskState is the persisted guard state for one named task.
type TaskState struct {
	Name                string     `json:"name"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	NextRunAt           time.Time  `json:"nextRunAt"`
	LastError           string     `json:"lastError,omitempty"`
	LastRunAt           *time.Time `json:"lastRunAt,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Store persists task states.
type Store interface {
	// GetOrCreate returns the state for name, creating a due-now default
	// when none exists.
	GetOrCreate(ctx context.Context, name string) (*TaskState, error)
	Save(ctx context.Context, state *TaskState) error
	List(ctx context.Context) ([]*TaskState, error)
}

// Options tune one guarded task.
type Options struct {
	// BaseDelay seeds the exponential backoff. Zero means 1 minute.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Zero means 1 hour.
	MaxDelay time.Duration
	// Cooldown delays the next run after a success, so fast-ticking
	// loops don't re-run a job immediately.
	Cooldown time.Duration
	// AlertThreshold fires a warning alert once consecutive failures
	// reach it. Zero disables alerting.
	AlertThreshold int
	// EscalateThreshold upgrades the alert to critical. Zero disables
	// escalation.
	EscalateThreshold int
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Minute
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = time.Hour
	}
	return o
}

// Task is one idempotent reconciliation function under guard.
type Task struct {
	Name    string
	Run     func(ctx context.Context) error
	Options Options
}
