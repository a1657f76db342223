package sched

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists task states in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed task state store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const stateColumns = `name, consecutive_failures, next_run_at, COALESCE(last_error, ''),
	       last_run_at, last_success_at, updated_at`

func scanState(row interface{ Scan(...any) error }) (*TaskState, error) {
	s := &TaskState{}
	var lastRun, lastSuccess sql.NullTime
	err := row.Scan(&s.Name, &s.ConsecutiveFailures, &s.NextRunAt, &s.LastError,
		&lastRun, &lastSuccess, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		s.LastRunAt = &t
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		s.LastSuccessAt = &t
	}
	return s, nil
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, name string) (*TaskState, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO ops_task_states (name, consecutive_failures, next_run_at, updated_at)
		VALUES ($1, 0, to_timestamp(0), NOW())
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING `+stateColumns+`
	`, name)
	state, err := scanState(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load task state: %w", err)
	}
	return state, nil
}

func (p *PostgresStore) Save(ctx context.Context, state *TaskState) error {
	state.UpdatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		UPDATE ops_task_states SET
			consecutive_failures = $2, next_run_at = $3, last_error = NULLIF($4, ''),
			last_run_at = $5, last_success_at = $6, updated_at = $7
		WHERE name = $1
	`, state.Name, state.ConsecutiveFailures, state.NextRunAt, state.LastError,
		state.LastRunAt, state.LastSuccessAt, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save task state: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*TaskState, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM ops_task_states ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*TaskState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, state)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
