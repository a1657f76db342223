package trust

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store persists raw signals and computed snapshots.
type Store interface {
	UpsertSignals(ctx context.Context, sig Signals) error
	GetSignals(ctx context.Context, userID string) (*Signals, error)
	// ListSignalsStale returns up to limit signal rows whose snapshot is
	// missing or older than the cutoff.
	ListSignalsStale(ctx context.Context, cutoff time.Time, limit int) ([]Signals, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, userID string) (*Snapshot, error)
	GetSnapshots(ctx context.Context, userIDs []string) (map[string]*Snapshot, error)
}

// Service recomputes and serves trust snapshots. Reads never trigger a
// recompute; the scheduler drives RecomputeStale.
type Service struct {
	store  Store
	logger *slog.Logger
	// maxAge is how old a snapshot may get before the batch recompute
	// picks its user up again.
	maxAge time.Duration
}

func NewService(store Store, maxAge time.Duration, logger *slog.Logger) *Service {
	if maxAge <= 0 {
		maxAge = 6 * time.Hour
	}
	return &Service{store: store, logger: logger, maxAge: maxAge}
}

// UpsertSignals records a user's raw inputs without recomputing.
func (s *Service) UpsertSignals(ctx context.Context, sig Signals) error {
	if sig.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if sig.Tier == "" {
		sig.Tier = TierNone
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	return s.store.UpsertSignals(ctx, sig)
}

// Get returns the stored snapshot for a user.
func (s *Service) Get(ctx context.Context, userID string) (*Snapshot, error) {
	return s.store.GetSnapshot(ctx, userID)
}

// GetMany fetches snapshots for a set of users in one call. Missing
// users simply have no entry in the result.
func (s *Service) GetMany(ctx context.Context, userIDs []string) (map[string]*Snapshot, error) {
	if len(userIDs) == 0 {
		return map[string]*Snapshot{}, nil
	}
	return s.store.GetSnapshots(ctx, userIDs)
}

// Recompute scores one user immediately from stored signals.
func (s *Service) Recompute(ctx context.Context, userID string) (*Snapshot, error) {
	sig, err := s.store.GetSignals(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap := Compute(*sig, time.Now().UTC())
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}
	recomputesTotal.WithLabelValues(string(snap.Band)).Inc()
	return &snap, nil
}

// RecomputeStale scores every user whose snapshot is missing or older
// than maxAge, up to limit rows, and returns how many it refreshed.
func (s *Service) RecomputeStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	now := time.Now().UTC()
	rows, err := s.store.ListSignalsStale(ctx, now.Add(-s.maxAge), limit)
	if err != nil {
		return 0, fmt.Errorf("listing stale signals: %w", err)
	}

	refreshed := 0
	for _, sig := range rows {
		snap := Compute(sig, now)
		if err := s.store.SaveSnapshot(ctx, snap); err != nil {
			return refreshed, fmt.Errorf("saving snapshot for %s: %w", sig.UserID, err)
		}
		recomputesTotal.WithLabelValues(string(snap.Band)).Inc()
		refreshed++
	}
	if refreshed > 0 {
		s.logger.Info("trust snapshots refreshed", "count", refreshed)
	}
	return refreshed, nil
}
