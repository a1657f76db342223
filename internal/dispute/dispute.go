// Package dispute freezes escrow transactions pending admin review. One
// active dispute per escrow transaction; opening one forces the linked
// transaction into disputed, resolving it restores the prior status and
// unblocks release and refund paths.
package dispute

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound           = errors.New("dispute not found")
	ErrNoApplicableEscrow = errors.New("no escrow transaction is in a disputable state")
	ErrActiveExists       = errors.New("an active dispute already exists for this escrow")
	ErrInvalidReason      = errors.New("invalid dispute reason")
	ErrInvalidScope       = errors.New("invalid dispute scope")
	ErrInvalidOutcome     = errors.New("invalid resolution outcome")
	ErrAlreadyClosed      = errors.New("dispute is already closed")
)

// Status of a dispute. open and under_review are active; resolved and
// rejected are terminal.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusRejected    Status = "rejected"
)

// Active reports whether the dispute still freezes its escrow.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusUnderReview
}

// Reason a dispute was raised.
type Reason string

const (
	ReasonQualityIssue Reason = "quality_issue"
	ReasonNonDelivery  Reason = "non_delivery"
	ReasonWrongItem    Reason = "wrong_item"
	ReasonDamage       Reason = "damage"
	ReasonNoShow       Reason = "no_show"
	ReasonPaymentIssue Reason = "payment_issue"
	ReasonOther        Reason = "other"
)

var validReasons = map[Reason]bool{
	ReasonQualityIssue: true,
	ReasonNonDelivery:  true,
	ReasonWrongItem:    true,
	ReasonDamage:       true,
	ReasonNoShow:       true,
	ReasonPaymentIssue: true,
	ReasonOther:        true,
}

// Scope selects which escrow legs of an order a dispute freezes.
type Scope string

const (
	ScopeOrder    Scope = "order"    // every leg
	ScopeProduce  Scope = "produce"  // produce leg only
	ScopeDelivery Scope = "delivery" // delivery leg only
)

// Dispute is one freeze request on an escrow transaction.
type Dispute struct {
	ID         string     `json:"id"`
	EscrowID   string     `json:"escrowId"`
	RaiserID   string     `json:"raiserId"`
	Scope      Scope      `json:"scope,omitempty"`
	Reason     Reason     `json:"reason"`
	Details    string     `json:"details,omitempty"`
	Evidence   []string   `json:"evidence,omitempty"`
	Status     Status     `json:"status"`
	Resolution string     `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists disputes. Implementations must enforce at most one
// active dispute per escrow transaction.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Update(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// FindActiveByEscrow returns the open or under_review dispute for an
	// escrow transaction, or ErrNotFound.
	FindActiveByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	List(ctx context.Context, status Status, limit int) ([]*Dispute, error)
	ListByRaiser(ctx context.Context, raiserID string, limit int) ([]*Dispute, error)
}
