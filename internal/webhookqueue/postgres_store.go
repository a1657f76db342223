package webhookqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sikafo/trustpay/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. ClaimDue relies on
// FOR UPDATE SKIP LOCKED so concurrent drainers partition the due set
// instead of double-processing it.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed queue store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const itemColumns = `id, provider, event_id, payload, status, attempts,
	       next_retry_at, COALESCE(last_error, ''), created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*Item, error) {
	item := &Item{}
	var payload []byte
	err := s.Scan(
		&item.ID, &item.Provider, &item.EventID, &payload, &item.Status,
		&item.Attempts, &item.NextRetryAt, &item.LastError,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Payload = payload
	return item, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, provider, eventID string, payload json.RawMessage) (*Item, error) {
	// Redelivery refreshes the payload. Settled items keep their status;
	// an unsettled one returns to pending with attempts reset, so a
	// claim stranded by a crashed drainer is revived by the provider's
	// next delivery.
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO webhook_queue (
			id, provider, event_id, payload, status, attempts,
			next_retry_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, NOW(), NOW(), NOW())
		ON CONFLICT (provider, event_id) DO UPDATE SET
			payload       = EXCLUDED.payload,
			status        = CASE WHEN webhook_queue.status IN ($5, $6, $7)
			                     THEN $5 ELSE webhook_queue.status END,
			attempts      = CASE WHEN webhook_queue.status IN ($5, $6, $7)
			                     THEN 0 ELSE webhook_queue.attempts END,
			next_retry_at = CASE WHEN webhook_queue.status IN ($5, $6, $7)
			                     THEN NOW() ELSE webhook_queue.next_retry_at END,
			updated_at    = NOW()
		RETURNING `+itemColumns+`
	`, idgen.WithPrefix("whk_"), provider, eventID, []byte(payload),
		StatusPending, StatusRetry, StatusProcessing)
	item, err := scanItem(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert webhook item: %w", err)
	}
	return item, nil
}

func (p *PostgresStore) ClaimDue(ctx context.Context, limit, maxAttempts int, now time.Time) ([]*Item, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE webhook_queue SET
			status = $1, attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM webhook_queue
			WHERE (status IN ($2, $3) AND next_retry_at <= $4 AND attempts < $5)
			   OR (status = $1 AND updated_at <= $6)
			ORDER BY next_retry_at ASC
			LIMIT $7
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+itemColumns+`
	`, StatusProcessing, StatusPending, StatusRetry, now, maxAttempts,
		now.Add(-claimStaleAfter), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var claimed []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, item)
	}
	return claimed, rows.Err()
}

func (p *PostgresStore) Settle(ctx context.Context, id string, status Status, lastError string, nextRetryAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_queue SET
			status = $2, last_error = NULLIF($3, ''), next_retry_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, status, lastError, nextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to settle webhook item: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, provider, eventID string) (*Item, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM webhook_queue
		WHERE provider = $1 AND event_id = $2
	`, provider, eventID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	return item, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Item, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM webhook_queue
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM webhook_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
