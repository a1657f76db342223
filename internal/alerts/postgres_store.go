package alerts

import (
	"context"
	"database/sql"

	"github.com/sikafo/trustpay/internal/idgen"
)

// PostgresStore persists alerts in PostgreSQL. Deduplication relies on a
// partial unique index on (type, key) WHERE NOT resolved.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Fire(ctx context.Context, alertType, key string, severity Severity, message string) (*Alert, error) {
	a := &Alert{
		ID:       idgen.WithPrefix("alrt_"),
		Type:     alertType,
		Key:      key,
		Severity: severity,
		Message:  message,
	}
	// The ON CONFLICT target is the partial unique index, so resolved
	// alerts never block a fresh fire.
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO ops_alerts (id, type, key, severity, message, count, resolved, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, 1, FALSE, NOW(), NOW())
		ON CONFLICT (type, key) WHERE NOT resolved DO UPDATE SET
			count        = ops_alerts.count + 1,
			severity     = EXCLUDED.severity,
			message      = EXCLUDED.message,
			last_seen_at = NOW()
		RETURNING id, count, created_at, last_seen_at
	`, a.ID, alertType, key, string(severity), message).Scan(&a.ID, &a.Count, &a.CreatedAt, &a.LastSeenAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresStore) Resolve(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ops_alerts SET resolved = TRUE, resolved_at = NOW()
		WHERE id = $1 AND NOT resolved
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAlertNotFound
	}
	return nil
}

func (p *PostgresStore) ResolveByKey(ctx context.Context, alertType, key string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE ops_alerts SET resolved = TRUE, resolved_at = NOW()
		WHERE type = $1 AND key = $2 AND NOT resolved
	`, alertType, key)
	return err
}

func (p *PostgresStore) List(ctx context.Context, includeResolved bool, limit int) ([]*Alert, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, key, severity, message, count, resolved, created_at, last_seen_at, resolved_at
		FROM ops_alerts
		WHERE ($1 OR NOT resolved)
		ORDER BY last_seen_at DESC
		LIMIT $2
	`, includeResolved, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Alert
	for rows.Next() {
		a := &Alert{}
		var severity string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.Type, &a.Key, &severity, &a.Message, &a.Count,
			&a.Resolved, &a.CreatedAt, &a.LastSeenAt, &resolvedAt); err != nil {
			return nil, err
		}
		a.Severity = Severity(severity)
		if resolvedAt.Valid {
			t := resolvedAt.Time
			a.ResolvedAt = &t
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
