// Package alerts is the ops alerting collaborator: stuck-money detectors
// and guarded-task failures write here; an external admin surface reads.
// Strictly one-way: nothing in the core reads alerts back into decisions.
package alerts

import (
	"context"
	"errors"
	"time"
)

var ErrAlertNotFound = errors.New("alert not found")

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one deduplicated operational alert. While unresolved, repeated
// fires for the same (type, key) update the existing row instead of
// creating a new one.
type Alert struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"` // e.g. task_failing, webhook_dead, stuck_escrow, ledger_drift
	Key        string     `json:"key"`  // task name, escrow id, owner id...
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Count      int        `json:"count"` // times fired while unresolved
	Resolved   bool       `json:"resolved"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastSeenAt time.Time  `json:"lastSeenAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists alerts.
type Store interface {
	// Fire creates the alert, or bumps count/severity/message on the
	// unresolved alert with the same (type, key).
	Fire(ctx context.Context, alertType, key string, severity Severity, message string) (*Alert, error)
	Resolve(ctx context.Context, id string) error
	ResolveByKey(ctx context.Context, alertType, key string) error
	List(ctx context.Context, includeResolved bool, limit int) ([]*Alert, error)
}

// Service wraps the store; failures to record alerts are the caller's to
// log, never to propagate into money paths.
type Service struct {
	store Store
}

// NewService creates an alert service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Fire records an alert, deduplicated by (type, key) while unresolved.
func (s *Service) Fire(ctx context.Context, alertType, key string, severity Severity, message string) (*Alert, error) {
	return s.store.Fire(ctx, alertType, key, severity, message)
}

// Resolve marks an alert resolved.
func (s *Service) Resolve(ctx context.Context, id string) error {
	return s.store.Resolve(ctx, id)
}

// ResolveByKey resolves the unresolved alert for (type, key), if any.
// Used by detectors when a previously-flagged condition clears.
func (s *Service) ResolveByKey(ctx context.Context, alertType, key string) error {
	return s.store.ResolveByKey(ctx, alertType, key)
}

// List returns recent alerts for the admin surface.
func (s *Service) List(ctx context.Context, includeResolved bool, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.List(ctx, includeResolved, limit)
}
