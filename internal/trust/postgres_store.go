package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists signals and snapshots in Postgres.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const signalColumns = `user_id, id_verified, tier, phone_verified, has_location,
	completed_jobs, no_shows, cancellations, rating_avg, rating_count,
	policy_flags, last_active_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSignals(s scanner) (*Signals, error) {
	var sig Signals
	var lastActive sql.NullTime
	err := s.Scan(
		&sig.UserID, &sig.IDVerified, &sig.Tier, &sig.PhoneVerified, &sig.HasLocation,
		&sig.CompletedJobs, &sig.NoShows, &sig.Cancellations, &sig.RatingAvg, &sig.RatingCount,
		&sig.PolicyFlags, &lastActive, &sig.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastActive.Valid {
		t := lastActive.Time
		sig.LastActiveAt = &t
	}
	return &sig, nil
}

func (p *PostgresStore) UpsertSignals(ctx context.Context, sig Signals) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trust_signals (`+signalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id) DO UPDATE SET
			id_verified = EXCLUDED.id_verified,
			tier = EXCLUDED.tier,
			phone_verified = EXCLUDED.phone_verified,
			has_location = EXCLUDED.has_location,
			completed_jobs = EXCLUDED.completed_jobs,
			no_shows = EXCLUDED.no_shows,
			cancellations = EXCLUDED.cancellations,
			rating_avg = EXCLUDED.rating_avg,
			rating_count = EXCLUDED.rating_count,
			policy_flags = EXCLUDED.policy_flags,
			last_active_at = EXCLUDED.last_active_at`,
		sig.UserID, sig.IDVerified, sig.Tier, sig.PhoneVerified, sig.HasLocation,
		sig.CompletedJobs, sig.NoShows, sig.Cancellations, sig.RatingAvg, sig.RatingCount,
		sig.PolicyFlags, nullTime(sig.LastActiveAt), sig.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting trust signals: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSignals(ctx context.Context, userID string) (*Signals, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM trust_signals WHERE user_id = $1`, userID)
	sig, err := scanSignals(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSignalsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading trust signals: %w", err)
	}
	return sig, nil
}

func (p *PostgresStore) ListSignalsStale(ctx context.Context, cutoff time.Time, limit int) ([]Signals, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.user_id, s.id_verified, s.tier, s.phone_verified, s.has_location,
			s.completed_jobs, s.no_shows, s.cancellations, s.rating_avg, s.rating_count,
			s.policy_flags, s.last_active_at, s.created_at
		FROM trust_signals s
		LEFT JOIN trust_snapshots snap ON snap.user_id = s.user_id
		WHERE snap.user_id IS NULL OR snap.computed_at <= $1
		ORDER BY snap.computed_at ASC NULLS FIRST
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale trust signals: %w", err)
	}
	defer rows.Close()

	var out []Signals
	for rows.Next() {
		sig, err := scanSignals(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trust signals: %w", err)
		}
		out = append(out, *sig)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trust_snapshots (user_id, score, band, simple_score, tier,
			identity, reliability, quality, integrity, responsiveness, tenure, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id) DO UPDATE SET
			score = EXCLUDED.score,
			band = EXCLUDED.band,
			simple_score = EXCLUDED.simple_score,
			tier = EXCLUDED.tier,
			identity = EXCLUDED.identity,
			reliability = EXCLUDED.reliability,
			quality = EXCLUDED.quality,
			integrity = EXCLUDED.integrity,
			responsiveness = EXCLUDED.responsiveness,
			tenure = EXCLUDED.tenure,
			computed_at = EXCLUDED.computed_at`,
		snap.UserID, snap.Score, snap.Band, snap.SimpleScore, snap.Tier,
		snap.Components.Identity, snap.Components.Reliability, snap.Components.Quality,
		snap.Components.Integrity, snap.Components.Responsiveness, snap.Components.Tenure,
		snap.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("saving trust snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = `user_id, score, band, simple_score, tier,
	identity, reliability, quality, integrity, responsiveness, tenure, computed_at`

func scanSnapshot(s scanner) (*Snapshot, error) {
	var snap Snapshot
	err := s.Scan(
		&snap.UserID, &snap.Score, &snap.Band, &snap.SimpleScore, &snap.Tier,
		&snap.Components.Identity, &snap.Components.Reliability, &snap.Components.Quality,
		&snap.Components.Integrity, &snap.Components.Responsiveness, &snap.Components.Tenure,
		&snap.ComputedAt,
	)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (p *PostgresStore) GetSnapshot(ctx context.Context, userID string) (*Snapshot, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM trust_snapshots WHERE user_id = $1`, userID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading trust snapshot: %w", err)
	}
	return snap, nil
}

func (p *PostgresStore) GetSnapshots(ctx context.Context, userIDs []string) (map[string]*Snapshot, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM trust_snapshots WHERE user_id = ANY($1)`,
		pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("loading trust snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Snapshot, len(userIDs))
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trust snapshot: %w", err)
		}
		out[snap.UserID] = snap
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
