// Package notify fans user notifications out to delivery sinks: the
// WebSocket hub for connected clients, Redis pub/sub for other
// processes, and the SMS gateway. Delivery is fire-and-forget; a sink
// failure is logged and counted, never surfaced into the money paths
// that emit the notification.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/sikafo/trustpay/internal/idgen"
)

// Notification is one message for one user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Kind      string    `json:"kind"` // e.g. escrow_held, escrow_released, dispute_opened
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sink delivers a notification over one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Service fans notifications out to every configured sink.
type Service struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewService(logger *slog.Logger, sinks ...Sink) *Service {
	return &Service{sinks: sinks, logger: logger}
}

// Notify delivers to all sinks. It never returns an error and never
// panics the caller; notifications are best-effort by contract.
func (s *Service) Notify(ctx context.Context, userID, kind, message string) {
	if userID == "" {
		return
	}
	n := Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Kind:      kind,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	for _, sink := range s.sinks {
		if err := sink.Deliver(ctx, n); err != nil {
			deliveriesTotal.WithLabelValues(sink.Name(), "error").Inc()
			s.logger.Warn("notification delivery failed",
				"sink", sink.Name(), "user", userID, "kind", kind, "error", err)
			continue
		}
		deliveriesTotal.WithLabelValues(sink.Name(), "ok").Inc()
	}
}
