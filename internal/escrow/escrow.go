// Package escrow manages held payments for marketplace jobs and orders.
//
// Flow:
//  1. Buyer deposits → transaction created in pending_payment, provider
//     session opened
//  2. Provider confirms (webhook or manual verify) → held
//  3. Work completes → completed_pending_confirmation
//  4. Buyer releases (or a reconciliation sweep does) → counterparty
//     credited net of the platform fee, transaction released
//
// Cancellation refunds held legs in full; disputes freeze a transaction
// until an admin resolves them.
package escrow

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotFound        = errors.New("escrow transaction not found")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidCurrency = errors.New("unsupported currency")
	ErrDisputeActive   = errors.New("operation blocked by an active dispute")
	ErrJobNotCompleted = errors.New("job is not marked completed")
	ErrNoCounterparty  = errors.New("no counterparty assigned")
)

// TransitionError reports an attempted move the state machine forbids.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move escrow %s from %s to %s", e.ID, e.From, e.To)
}

// Type distinguishes job escrow from order-leg escrow.
type Type string

const (
	TypeJob   Type = "job"
	TypeOrder Type = "order"
)

// LegKind tags which leg of a multi-leg order a transaction funds.
// Empty for job escrow.
type LegKind string

const (
	LegProduce  LegKind = "produce"
	LegDelivery LegKind = "delivery"
)

// Status is the escrow state machine.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusHeld           Status = "held"
	StatusCompleted      Status = "completed_pending_confirmation"
	StatusReleased       Status = "released"
	StatusRefunded       Status = "refunded"
	StatusCancelled      Status = "cancelled"
	StatusFailed         Status = "failed"
	StatusDisputed       Status = "disputed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded || s == StatusCancelled
}

// validTransitions is the one place the state machine is defined. Every
// mutation path goes through CanTransition instead of re-deriving the
// rules inline.
var validTransitions = map[Status]map[Status]bool{
	StatusPendingPayment: {
		StatusHeld:      true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusDisputed:  true,
	},
	StatusFailed: {
		StatusPendingPayment: true,
		StatusHeld:           true,
		StatusCancelled:      true,
		StatusDisputed:       true,
	},
	StatusHeld: {
		StatusCompleted: true,
		StatusReleased:  true,
		StatusRefunded:  true,
		StatusDisputed:  true,
	},
	StatusCompleted: {
		StatusReleased: true,
		StatusRefunded: true,
		StatusDisputed: true,
	},
	StatusDisputed: {
		StatusHeld:      true,
		StatusCompleted: true,
		StatusReleased:  true,
		StatusRefunded:  true,
		StatusCancelled: true,
	},
}

// CanTransition validates a state machine move. Returns a
// *TransitionError naming both states when the move is forbidden.
func CanTransition(id string, from, to Status) error {
	if validTransitions[from][to] {
		return nil
	}
	return &TransitionError{ID: id, From: from, To: to}
}

// Releasable reports whether a release may be attempted from s. The
// dispute guard is checked separately.
func Releasable(s Status) bool {
	return s == StatusHeld || s == StatusCompleted
}

// Transaction is one held payment: a job, or one leg of an order.
type Transaction struct {
	ID             string  `json:"id"`
	Type           Type    `json:"type"`
	LegKind        LegKind `json:"legKind,omitempty"`
	BuyerID        string  `json:"buyerId"`
	CounterpartyID string  `json:"counterpartyId,omitempty"` // empty until assigned
	Amount         string  `json:"amount"`
	Currency       string  `json:"currency"`
	Status         Status  `json:"status"`
	PlatformFee    string  `json:"platformFee,omitempty"` // set at release

	// External payment correlation.
	Provider         string `json:"provider,omitempty"`
	ProviderRef      string `json:"providerRef,omitempty"`
	PaymentGroupID   string `json:"paymentGroupId,omitempty"` // shared by order legs funded together
	AuthorizationURL string `json:"authorizationUrl,omitempty"`

	// What this escrow funds: ("job", jobID) or ("order", orderID).
	ReferenceType string `json:"referenceType"`
	ReferenceID   string `json:"referenceId"`

	CancelledBy  string `json:"cancelledBy,omitempty"`
	AutoReleased bool   `json:"autoReleased,omitempty"`

	// Status held before a dispute froze the transaction, restored on
	// resolution.
	PriorStatus Status `json:"-"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	HeldAt     *time.Time `json:"heldAt,omitempty"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
}

// FeeBps returns the platform fee in basis points for this transaction's
// kind, from the given fee schedule.
func (t *Transaction) FeeBps(fees FeeSchedule) int64 {
	if t.Type == TypeJob {
		return fees.JobBps
	}
	if t.LegKind == LegDelivery {
		return fees.DeliveryBps
	}
	return fees.ProduceBps
}

// FeeSchedule holds per-kind platform fees in basis points. Each is
// clamped at configuration time, never here.
type FeeSchedule struct {
	JobBps      int64
	ProduceBps  int64
	DeliveryBps int64
}
