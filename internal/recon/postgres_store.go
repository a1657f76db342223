package recon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresJobStore persists the job read model.
type PostgresJobStore struct {
	db *sql.DB
}

var _ JobStore = (*PostgresJobStore)(nil)

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

func (p *PostgresJobStore) Upsert(ctx context.Context, job *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (id, buyer_id, worker_id, status, completed_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			buyer_id = EXCLUDED.buyer_id,
			worker_id = EXCLUDED.worker_id,
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			updated_at = NOW()`,
		job.ID, job.BuyerID, job.WorkerID, job.Status, nullableTime(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("upserting job: %w", err)
	}
	return nil
}

func (p *PostgresJobStore) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	var workerID sql.NullString
	var completedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, worker_id, status, completed_at, updated_at
		FROM jobs WHERE id = $1`, id).Scan(
		&job.ID, &job.BuyerID, &workerID, &job.Status, &completedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	job.WorkerID = workerID.String
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

// PostgresDeliveryStore persists the delivery read model.
type PostgresDeliveryStore struct {
	db *sql.DB
}

var _ DeliveryStore = (*PostgresDeliveryStore)(nil)

func NewPostgresDeliveryStore(db *sql.DB) *PostgresDeliveryStore {
	return &PostgresDeliveryStore{db: db}
}

const deliveryColumns = `id, order_id, buyer_id, driver_id, status,
	delivered_at, confirmed_at, auto_confirmed, updated_at`

func scanDelivery(row interface{ Scan(...any) error }) (*Delivery, error) {
	var d Delivery
	var driverID sql.NullString
	var deliveredAt, confirmedAt sql.NullTime
	err := row.Scan(&d.ID, &d.OrderID, &d.BuyerID, &driverID, &d.Status,
		&deliveredAt, &confirmedAt, &d.AutoConfirmed, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.DriverID = driverID.String
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		d.ConfirmedAt = &t
	}
	return &d, nil
}

func (p *PostgresDeliveryStore) Upsert(ctx context.Context, d *Delivery) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deliveries (id, order_id, buyer_id, driver_id, status,
			delivered_at, auto_confirmed, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			order_id = EXCLUDED.order_id,
			buyer_id = EXCLUDED.buyer_id,
			driver_id = EXCLUDED.driver_id,
			status = EXCLUDED.status,
			delivered_at = EXCLUDED.delivered_at,
			updated_at = NOW()`,
		d.ID, d.OrderID, d.BuyerID, d.DriverID, d.Status,
		nullableTime(d.DeliveredAt), d.AutoConfirmed)
	if err != nil {
		return fmt.Errorf("upserting delivery: %w", err)
	}
	return nil
}

func (p *PostgresDeliveryStore) Get(ctx context.Context, id string) (*Delivery, error) {
	d, err := scanDelivery(p.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading delivery: %w", err)
	}
	return d, nil
}

func (p *PostgresDeliveryStore) GetByOrder(ctx context.Context, orderID string) (*Delivery, error) {
	d, err := scanDelivery(p.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE order_id = $1
		 ORDER BY updated_at DESC LIMIT 1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading delivery by order: %w", err)
	}
	return d, nil
}

func (p *PostgresDeliveryStore) ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Delivery, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE status = 'delivered' AND delivered_at < $1
		ORDER BY delivered_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("listing delivered deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresDeliveryStore) MarkConfirmed(ctx context.Context, id string, auto bool, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = 'confirmed', confirmed_at = $2, auto_confirmed = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'delivered'`, id, at, auto)
	if err != nil {
		return fmt.Errorf("confirming delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
