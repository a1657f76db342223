// Package webhookqueue is a durable, retrying queue for payment-provider
// callbacks. Events are deduplicated by (provider, event id), drained by
// a worker that claims rows with FOR UPDATE SKIP LOCKED, and retried on
// a fixed backoff escalation until processed or dead-lettered.
package webhookqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrItemNotFound = errors.New("webhook queue item not found")

// Status of a queue item. processed, ignored and dead are settled; a
// settled item is never resurrected by a re-delivery.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetry      Status = "retry"
	StatusProcessed  Status = "processed"
	StatusIgnored    Status = "ignored"
	StatusDead       Status = "dead"
)

// Settled reports whether the item is done for good.
func (s Status) Settled() bool {
	return s == StatusProcessed || s == StatusIgnored || s == StatusDead
}

// Item is one queued provider event.
type Item struct {
	ID          string          `json:"id"`
	Provider    string          `json:"provider"`
	EventID     string          `json:"eventId"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	NextRetryAt time.Time       `json:"nextRetryAt"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// backoffMinutes is the retry escalation by attempt number. Attempts
// past the end reuse the last entry.
var backoffMinutes = []int{1, 5, 15, 60, 360, 1440, 2880}

// backoffDelay returns how long to wait after the given attempt count.
func backoffDelay(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffMinutes) {
		idx = len(backoffMinutes) - 1
	}
	return time.Duration(backoffMinutes[idx]) * time.Minute
}

// deadParkDuration pushes a dead item's next_retry_at far enough out
// that no due-item query ever selects it again.
const deadParkDuration = 365 * 24 * time.Hour

// claimStaleAfter is the claim visibility timeout. A processing item
// untouched for this long belongs to a drainer that died before
// settling; it becomes claimable again.
const claimStaleAfter = 15 * time.Minute

// Store persists queue items.
type Store interface {
	// Upsert inserts the item or, when (provider, eventId) already
	// exists, refreshes the stored payload. A settled item keeps its
	// status; an unsettled one returns to pending with a fresh attempt
	// budget, so provider redelivery revives a claim lost to a crashed
	// drainer.
	Upsert(ctx context.Context, provider, eventID string, payload json.RawMessage) (*Item, error)

	// ClaimDue atomically selects up to limit due items, skipping rows
	// locked by concurrent drainers, marks each processing and
	// increments its attempt counter. An item is due when its status is
	// pending or retry, next_retry_at has passed and attempts are below
	// maxAttempts, or when a processing claim has gone untouched past
	// claimStaleAfter. Stale claims bypass the attempts cap; the drain
	// pass dead-letters them if the extra attempt fails too.
	ClaimDue(ctx context.Context, limit, maxAttempts int, now time.Time) ([]*Item, error)

	// Settle records a drain outcome for a claimed item.
	Settle(ctx context.Context, id string, status Status, lastError string, nextRetryAt time.Time) error

	Get(ctx context.Context, provider, eventID string) (*Item, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Item, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
