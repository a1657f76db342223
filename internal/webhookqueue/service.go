package webhookqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sikafo/trustpay/internal/alerts"
	"github.com/sikafo/trustpay/internal/traces"
)

// Outcome is what a handler reports for one event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
)

// Handler processes one queued event. It must be idempotent: the queue
// may invoke it twice for the same event after a crash between handling
// and settling.
type Handler func(ctx context.Context, item *Item) (Outcome, error)

// Service drains the webhook queue.
type Service struct {
	store       Store
	handler     Handler
	alerts      *alerts.Service
	maxAttempts int
	logger      *slog.Logger
}

// NewService creates a queue service. alerts may be nil.
func NewService(store Store, handler Handler, alertSvc *alerts.Service, maxAttempts int, logger *slog.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = len(backoffMinutes)
	}
	return &Service{
		store:       store,
		handler:     handler,
		alerts:      alertSvc,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Enqueue records a provider event for draining. Duplicate deliveries
// update the stored payload without resurrecting settled items.
func (s *Service) Enqueue(ctx context.Context, provider, eventID string, payload []byte) (*Item, error) {
	if provider == "" || eventID == "" {
		return nil, fmt.Errorf("provider and eventId are required")
	}
	item, err := s.store.Upsert(ctx, provider, eventID, payload)
	if err != nil {
		return nil, err
	}
	recordEnqueued(provider)
	return item, nil
}

// Stats summarizes one drain pass.
type Stats struct {
	Claimed   int `json:"claimed"`
	Processed int `json:"processed"`
	Ignored   int `json:"ignored"`
	Retried   int `json:"retried"`
	Dead      int `json:"dead"`
}

// ProcessQueue claims up to limit due items and runs the handler on
// each. Handler failures back off on the fixed escalation table; an item
// that exhausts its attempts is dead-lettered and alerted, never
// silently dropped.
func (s *Service) ProcessQueue(ctx context.Context, limit int) (Stats, error) {
	ctx, span := traces.StartSpan(ctx, "webhookqueue.ProcessQueue")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()
	items, err := s.store.ClaimDue(ctx, limit, s.maxAttempts, now)
	if err != nil {
		return Stats{}, fmt.Errorf("claim due items: %w", err)
	}

	stats := Stats{Claimed: len(items)}
	for _, item := range items {
		s.drainOne(ctx, item, &stats)
	}
	return stats, nil
}

func (s *Service) drainOne(ctx context.Context, item *Item, stats *Stats) {
	outcome, err := s.invoke(ctx, item)
	if err == nil {
		status := StatusProcessed
		if outcome == OutcomeIgnored {
			status = StatusIgnored
		}
		if serr := s.store.Settle(ctx, item.ID, status, "", item.NextRetryAt); serr != nil {
			s.logger.Error("settle webhook item", "item", item.ID, "error", serr)
			return
		}
		recordSettled(item.Provider, string(status))
		if status == StatusProcessed {
			stats.Processed++
		} else {
			stats.Ignored++
		}
		return
	}

	if item.Attempts >= s.maxAttempts {
		parkUntil := time.Now().UTC().Add(deadParkDuration)
		if serr := s.store.Settle(ctx, item.ID, StatusDead, err.Error(), parkUntil); serr != nil {
			s.logger.Error("dead-letter webhook item", "item", item.ID, "error", serr)
			return
		}
		recordSettled(item.Provider, string(StatusDead))
		stats.Dead++
		s.logger.Error("webhook item dead-lettered",
			"provider", item.Provider, "event", item.EventID, "attempts", item.Attempts, "error", err)
		if s.alerts != nil {
			_, aerr := s.alerts.Fire(ctx, "webhook_dead", item.Provider+":"+item.EventID,
				alerts.SeverityCritical,
				fmt.Sprintf("webhook event %s from %s failed %d times: %v",
					item.EventID, item.Provider, item.Attempts, err))
			if aerr != nil {
				s.logger.Error("fire webhook alert", "error", aerr)
			}
		}
		return
	}

	delay := backoffDelay(item.Attempts)
	retryAt := time.Now().UTC().Add(delay)
	if serr := s.store.Settle(ctx, item.ID, StatusRetry, err.Error(), retryAt); serr != nil {
		s.logger.Error("reschedule webhook item", "item", item.ID, "error", serr)
		return
	}
	recordSettled(item.Provider, string(StatusRetry))
	stats.Retried++
	s.logger.Warn("webhook item retry scheduled",
		"provider", item.Provider, "event", item.EventID,
		"attempt", item.Attempts, "delay", delay, "error", err)
}

// invoke shields the drain from handler panics; a panic counts as a
// failure and backs off like any other error.
func (s *Service) invoke(ctx context.Context, item *Item) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, item)
}

// Depth returns queue depth by status, for metrics and the admin surface.
func (s *Service) Depth(ctx context.Context) (map[Status]int, error) {
	return s.store.CountByStatus(ctx)
}

// ListDead returns dead-lettered items for inspection.
func (s *Service) ListDead(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, StatusDead, limit)
}
