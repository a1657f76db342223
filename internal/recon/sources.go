// Package recon runs the money-safety sweeps: auto-release of aged
// confirmed escrows, auto-confirm of aged deliveries, and detection of
// stuck balances. It also owns the job and delivery read models those
// sweeps consume.
package recon

import (
	"context"
	"errors"
	"time"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrNotDelivered     = errors.New("delivery is not in delivered")
)

// JobStatus tracks a job through its read-model lifecycle.
type JobStatus string

const (
	JobOpen       JobStatus = "open"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
)

// Job is the read model for a service job funded by escrow.
type Job struct {
	ID          string     `json:"id"`
	BuyerID     string     `json:"buyerId"`
	WorkerID    string     `json:"workerId,omitempty"`
	Status      JobStatus  `json:"status"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// DeliveryStatus tracks a delivery leg of an order.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryInTransit DeliveryStatus = "in_transit"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryConfirmed DeliveryStatus = "confirmed"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is the read model for an order's delivery.
type Delivery struct {
	ID            string         `json:"id"`
	OrderID       string         `json:"orderId"`
	BuyerID       string         `json:"buyerId"`
	DriverID      string         `json:"driverId,omitempty"`
	Status        DeliveryStatus `json:"status"`
	DeliveredAt   *time.Time     `json:"deliveredAt,omitempty"`
	ConfirmedAt   *time.Time     `json:"confirmedAt,omitempty"`
	AutoConfirmed bool           `json:"autoConfirmed,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// JobStore persists the job read model.
type JobStore interface {
	Upsert(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
}

// DeliveryStore persists the delivery read model.
type DeliveryStore interface {
	Upsert(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	GetByOrder(ctx context.Context, orderID string) (*Delivery, error)
	// ListDeliveredBefore returns deliveries still in delivered whose
	// delivered_at is older than the cutoff, oldest first.
	ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Delivery, error)
	// MarkConfirmed flips a delivered delivery to confirmed. Returns
	// ErrDeliveryNotFound if the row is missing or not in delivered.
	MarkConfirmed(ctx context.Context, id string, auto bool, at time.Time) error
}

// Completion adapts the read models to the escrow service's question
// "is the work this escrow funds done".
type Completion struct {
	Jobs       JobStore
	Deliveries DeliveryStore
}

func (c *Completion) IsCompleted(ctx context.Context, refType, refID string) (bool, error) {
	switch refType {
	case "job":
		job, err := c.Jobs.Get(ctx, refID)
		if errors.Is(err, ErrJobNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return job.Status == JobCompleted, nil
	case "order":
		d, err := c.Deliveries.GetByOrder(ctx, refID)
		if errors.Is(err, ErrDeliveryNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return d.Status == DeliveryDelivered || d.Status == DeliveryConfirmed, nil
	default:
		return false, nil
	}
}
