package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. The one-active-dispute
// rule is a partial unique index on (escrow_id) WHERE status IN
// ('open', 'under_review'), so concurrent opens for the same escrow
// cannot slip past each other.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, escrow_id, raiser_id, COALESCE(scope, ''), reason,
	       COALESCE(details, ''), evidence, status, COALESCE(resolution, ''),
	       COALESCE(resolved_by, ''), created_at, updated_at, resolved_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var resolvedAt sql.NullTime
	err := s.Scan(
		&d.ID, &d.EscrowID, &d.RaiserID, &d.Scope, &d.Reason,
		&d.Details, pq.Array(&d.Evidence), &d.Status, &d.Resolution,
		&d.ResolvedBy, &d.CreatedAt, &d.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Evidence == nil {
		// pq.Array maps a nil slice to SQL NULL; the column is NOT NULL.
		d.Evidence = []string{}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, raiser_id, scope, reason, details, evidence,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, $8, $9, $9)
	`, d.ID, d.EscrowID, d.RaiserID, string(d.Scope), d.Reason, d.Details,
		pq.Array(d.Evidence), d.Status, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrActiveExists, d.EscrowID)
		}
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	d.UpdatedAt = time.Now().UTC()
	if d.Evidence == nil {
		d.Evidence = []string{}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			reason = $2, details = NULLIF($3, ''), evidence = $4, status = $5,
			resolution = NULLIF($6, ''), resolved_by = NULLIF($7, ''),
			resolved_at = $8, updated_at = $9
		WHERE id = $1
	`, d.ID, d.Reason, d.Details, pq.Array(d.Evidence), d.Status,
		d.Resolution, d.ResolvedBy, d.ResolvedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) FindActiveByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1 AND status IN ($2, $3)
	`, escrowID, StatusOpen, StatusUnderReview)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	return p.queryMany(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
}

func (p *PostgresStore) ListByRaiser(ctx context.Context, raiserID string, limit int) ([]*Dispute, error) {
	return p.queryMany(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE raiser_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, raiserID, limit)
}

func (p *PostgresStore) queryMany(ctx context.Context, query string, args ...any) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
