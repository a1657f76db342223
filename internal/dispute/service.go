package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sikafo/trustpay/internal/escrow"
	"github.com/sikafo/trustpay/internal/idgen"
	"github.com/sikafo/trustpay/internal/traces"
)

// Notifier delivers fire-and-forget events.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, message string)
}

// Service implements the dispute business logic on top of the escrow
// service. It also implements escrow.DisputeGuard.
type Service struct {
	store    Store
	escrows  *escrow.Service
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates a new dispute service and wires itself in as the
// escrow service's dispute guard.
func NewService(store Store, escrows *escrow.Service, logger *slog.Logger) *Service {
	s := &Service{store: store, escrows: escrows, logger: logger}
	escrows.SetDisputeGuard(s)
	return s
}

// SetNotifier wires the notification collaborator in.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// HasActiveDispute implements escrow.DisputeGuard.
func (s *Service) HasActiveDispute(ctx context.Context, escrowID string) (bool, error) {
	_, err := s.store.FindActiveByEscrow(ctx, escrowID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// OpenRequest raises or updates a dispute.
type OpenRequest struct {
	RaiserID string   `json:"raiserId" binding:"required"`
	Scope    Scope    `json:"scope"`
	Reason   Reason   `json:"reason" binding:"required"`
	Details  string   `json:"details"`
	Evidence []string `json:"evidence"`
}

// OpenForJob raises a dispute on a job's escrow. If one is already
// active it is updated in place rather than duplicated.
func (s *Service) OpenForJob(ctx context.Context, jobID string, req OpenRequest) ([]*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.OpenForJob", traces.Reference(jobID))
	defer span.End()

	if !validReasons[req.Reason] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, req.Reason)
	}
	legs, err := s.escrows.ListByReference(ctx, "job", jobID)
	if err != nil {
		return nil, err
	}
	return s.openForLegs(ctx, legs, req)
}

// OpenForOrder raises a dispute on an order. The scope picks which legs
// freeze: the whole order, the produce leg, or the delivery leg. A scope
// with no matching disputable leg is ErrNoApplicableEscrow, never a
// guessed fallback.
func (s *Service) OpenForOrder(ctx context.Context, orderID string, req OpenRequest) ([]*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.OpenForOrder", traces.Reference(orderID))
	defer span.End()

	if !validReasons[req.Reason] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, req.Reason)
	}
	if req.Scope == "" {
		req.Scope = ScopeOrder
	}

	legs, err := s.escrows.ListByReference(ctx, "order", orderID)
	if err != nil {
		return nil, err
	}

	var selected []*escrow.Transaction
	switch req.Scope {
	case ScopeOrder:
		selected = legs
	case ScopeProduce:
		selected = filterLegs(legs, escrow.LegProduce)
	case ScopeDelivery:
		selected = filterLegs(legs, escrow.LegDelivery)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, req.Scope)
	}
	return s.openForLegs(ctx, selected, req)
}

func filterLegs(legs []*escrow.Transaction, kind escrow.LegKind) []*escrow.Transaction {
	var out []*escrow.Transaction
	for _, leg := range legs {
		if leg.LegKind == kind {
			out = append(out, leg)
		}
	}
	return out
}

// openForLegs opens or updates one dispute per disputable leg. Legs that
// already reached released, refunded or cancelled cannot be disputed.
func (s *Service) openForLegs(ctx context.Context, legs []*escrow.Transaction, req OpenRequest) ([]*Dispute, error) {
	var disputes []*Dispute
	for _, leg := range legs {
		if leg.Status.Terminal() {
			continue
		}
		d, err := s.openOrUpdate(ctx, leg, req)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	if len(disputes) == 0 {
		return nil, ErrNoApplicableEscrow
	}
	return disputes, nil
}

func (s *Service) openOrUpdate(ctx context.Context, leg *escrow.Transaction, req OpenRequest) (*Dispute, error) {
	existing, err := s.store.FindActiveByEscrow(ctx, leg.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		existing.Reason = req.Reason
		if req.Details != "" {
			existing.Details = req.Details
		}
		existing.Evidence = append(existing.Evidence, req.Evidence...)
		if err := s.store.Update(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	d := &Dispute{
		ID:       idgen.WithPrefix("dsp_"),
		EscrowID: leg.ID,
		RaiserID: req.RaiserID,
		Scope:    req.Scope,
		Reason:   req.Reason,
		Details:  req.Details,
		Evidence: req.Evidence,
		Status:   StatusOpen,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}

	if leg.Status != escrow.StatusDisputed {
		if _, err := s.escrows.MarkDisputed(ctx, leg.ID); err != nil {
			return nil, fmt.Errorf("freeze escrow %s: %w", leg.ID, err)
		}
	}
	recordOpened(req.Reason)
	s.logger.Info("dispute opened", "dispute", d.ID, "escrow", leg.ID, "reason", req.Reason)
	s.notify(ctx, leg.BuyerID, "dispute_opened",
		fmt.Sprintf("A dispute was opened on escrow %s.", leg.ID))
	if leg.CounterpartyID != "" && leg.CounterpartyID != req.RaiserID {
		s.notify(ctx, leg.CounterpartyID, "dispute_opened",
			fmt.Sprintf("A dispute was opened on escrow %s.", leg.ID))
	}
	return d, nil
}

// StartReview moves an open dispute to under_review.
func (s *Service) StartReview(ctx context.Context, disputeID string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.Status.Active() {
		return nil, ErrAlreadyClosed
	}
	d.Status = StatusUnderReview
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ResolveRequest closes a dispute.
type ResolveRequest struct {
	ResolvedBy string `json:"resolvedBy" binding:"required"`
	// Outcome is resolved or rejected.
	Outcome    Status `json:"outcome" binding:"required"`
	Resolution string `json:"resolution"`
}

// Resolve ends a dispute and restores the escrow transaction to the
// status it held before the freeze, unblocking release and refund.
func (s *Service) Resolve(ctx context.Context, disputeID string, req ResolveRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve")
	defer span.End()

	if req.Outcome != StatusResolved && req.Outcome != StatusRejected {
		return nil, fmt.Errorf("%w: outcome must be resolved or rejected", ErrInvalidOutcome)
	}
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.Status.Active() {
		return nil, ErrAlreadyClosed
	}

	now := time.Now().UTC()
	d.Status = req.Outcome
	d.Resolution = req.Resolution
	d.ResolvedBy = req.ResolvedBy
	d.ResolvedAt = &now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	if _, err := s.escrows.RestoreFromDispute(ctx, d.EscrowID); err != nil {
		s.logger.Error("restore escrow after dispute", "escrow", d.EscrowID, "error", err)
	}
	recordResolved(req.Outcome)
	s.notify(ctx, d.RaiserID, "dispute_"+string(req.Outcome),
		fmt.Sprintf("Your dispute %s was %s.", d.ID, req.Outcome))
	return d, nil
}

// Get returns one dispute.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// List returns disputes, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, status, limit)
}

// ListByRaiser returns a user's disputes.
func (s *Service) ListByRaiser(ctx context.Context, raiserID string, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByRaiser(ctx, raiserID, limit)
}

func (s *Service) notify(ctx context.Context, userID, kind, message string) {
	if s.notifier == nil || userID == "" {
		return
	}
	s.notifier.Notify(ctx, userID, kind, message)
}
