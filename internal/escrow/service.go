package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sikafo/trustpay/internal/idgen"
	"github.com/sikafo/trustpay/internal/ledger"
	"github.com/sikafo/trustpay/internal/money"
	"github.com/sikafo/trustpay/internal/provider"
	"github.com/sikafo/trustpay/internal/traces"
)

// DisputeGuard answers whether an escrow transaction has a dispute in
// open or under_review. Implemented by the dispute service.
type DisputeGuard interface {
	HasActiveDispute(ctx context.Context, escrowID string) (bool, error)
}

// CompletionSource answers whether the work an escrow funds is done.
// Implemented against the jobs/deliveries read models.
type CompletionSource interface {
	IsCompleted(ctx context.Context, refType, refID string) (bool, error)
}

// Notifier delivers fire-and-forget events. Failures never propagate
// into money paths.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, message string)
}

// Service implements the escrow business logic.
type Service struct {
	store      Store
	ledger     *ledger.Ledger
	providers  *provider.Registry
	fees       FeeSchedule
	disputes   DisputeGuard
	completion CompletionSource
	notifier   Notifier
	logger     *slog.Logger
}

// NewService creates a new escrow service. disputes, completion and
// notifier may be nil; the corresponding guards then pass.
func NewService(store Store, led *ledger.Ledger, providers *provider.Registry, fees FeeSchedule, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		ledger:    led,
		providers: providers,
		fees:      fees,
		logger:    logger,
	}
}

// SetDisputeGuard wires the dispute service in after construction, since
// disputes are built on top of escrow.
func (s *Service) SetDisputeGuard(g DisputeGuard) { s.disputes = g }

// SetCompletionSource wires the job/delivery read model in.
func (s *Service) SetCompletionSource(c CompletionSource) { s.completion = c }

// SetNotifier wires the notification collaborator in.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// DepositRequest initiates funding for a job.
type DepositRequest struct {
	BuyerID        string `json:"buyerId" binding:"required"`
	CounterpartyID string `json:"counterpartyId"`
	JobID          string `json:"jobId" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	Currency       string `json:"currency"`
	Email          string `json:"email"`
	Provider       string `json:"provider"`
}

// OrderDepositRequest initiates funding for both legs of an order with a
// single gateway payment.
type OrderDepositRequest struct {
	BuyerID        string `json:"buyerId" binding:"required"`
	OrderID        string `json:"orderId" binding:"required"`
	FarmerID       string `json:"farmerId"`
	DriverID       string `json:"driverId"`
	ProduceAmount  string `json:"produceAmount" binding:"required"`
	DeliveryAmount string `json:"deliveryAmount" binding:"required"`
	Currency       string `json:"currency"`
	Email          string `json:"email"`
	Provider       string `json:"provider"`
}

// DepositResult is what the buyer needs to complete payment.
type DepositResult struct {
	Transactions     []*Transaction `json:"transactions"`
	AuthorizationURL string         `json:"authorizationUrl,omitempty"`
	Reference        string         `json:"reference"`
	Existing         bool           `json:"existing,omitempty"`
}

// DepositJob creates escrow for a job and opens a payment session.
// Re-initiating while a pending_payment transaction already exists for
// the job returns that transaction instead of opening a second session.
func (s *Service) DepositJob(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.DepositJob",
		traces.OwnerID(req.BuyerID), traces.Amount(req.Amount))
	defer span.End()

	if err := validateFunding(req.Amount, &req.Currency); err != nil {
		return nil, err
	}

	open, err := s.store.FindOpenByReference(ctx, "job", req.JobID)
	if err != nil {
		return nil, fmt.Errorf("deposit lookup: %w", err)
	}
	if len(open) > 0 {
		tx := open[0]
		return &DepositResult{
			Transactions:     []*Transaction{tx},
			AuthorizationURL: tx.AuthorizationURL,
			Reference:        tx.ProviderRef,
			Existing:         true,
		}, nil
	}

	tx := &Transaction{
		ID:             idgen.WithPrefix("esc_"),
		Type:           TypeJob,
		BuyerID:        req.BuyerID,
		CounterpartyID: req.CounterpartyID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         StatusPendingPayment,
		ReferenceType:  "job",
		ReferenceID:    req.JobID,
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	init, err := s.initializeSession(ctx, req.Provider, provider.InitParams{
		Reference: tx.ID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Email:     req.Email,
	}, tx.ID)
	if err != nil {
		return nil, err
	}
	tx.Provider = init.provider
	tx.ProviderRef = init.result.Reference
	tx.AuthorizationURL = init.result.AuthorizationURL

	return &DepositResult{
		Transactions:     []*Transaction{tx},
		AuthorizationURL: init.result.AuthorizationURL,
		Reference:        init.result.Reference,
	}, nil
}

// DepositOrder creates the produce and delivery legs of an order, linked
// by a payment group, and opens one payment session for the total.
func (s *Service) DepositOrder(ctx context.Context, req OrderDepositRequest) (*DepositResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.DepositOrder", traces.OwnerID(req.BuyerID))
	defer span.End()

	if err := validateFunding(req.ProduceAmount, &req.Currency); err != nil {
		return nil, err
	}
	if !money.IsPositive(req.DeliveryAmount) {
		return nil, fmt.Errorf("%w: deliveryAmount %q", ErrInvalidAmount, req.DeliveryAmount)
	}

	open, err := s.store.FindOpenByReference(ctx, "order", req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("deposit lookup: %w", err)
	}
	if len(open) > 0 {
		return &DepositResult{
			Transactions:     open,
			AuthorizationURL: open[0].AuthorizationURL,
			Reference:        open[0].ProviderRef,
			Existing:         true,
		}, nil
	}

	group := idgen.PaymentGroup()
	legs := []*Transaction{
		{
			ID:             idgen.WithPrefix("esc_"),
			Type:           TypeOrder,
			LegKind:        LegProduce,
			BuyerID:        req.BuyerID,
			CounterpartyID: req.FarmerID,
			Amount:         req.ProduceAmount,
			Currency:       req.Currency,
			Status:         StatusPendingPayment,
			PaymentGroupID: group,
			ReferenceType:  "order",
			ReferenceID:    req.OrderID,
		},
		{
			ID:             idgen.WithPrefix("esc_"),
			Type:           TypeOrder,
			LegKind:        LegDelivery,
			BuyerID:        req.BuyerID,
			CounterpartyID: req.DriverID,
			Amount:         req.DeliveryAmount,
			Currency:       req.Currency,
			Status:         StatusPendingPayment,
			PaymentGroupID: group,
			ReferenceType:  "order",
			ReferenceID:    req.OrderID,
		},
	}
	for _, leg := range legs {
		if err := s.store.Create(ctx, leg); err != nil {
			return nil, fmt.Errorf("create escrow leg: %w", err)
		}
	}

	total := money.Add(req.ProduceAmount, req.DeliveryAmount)
	init, err := s.initializeSession(ctx, req.Provider, provider.InitParams{
		Reference: group,
		Amount:    total,
		Currency:  req.Currency,
		Email:     req.Email,
	}, legs[0].ID, legs[1].ID)
	if err != nil {
		return nil, err
	}
	for _, leg := range legs {
		leg.Provider = init.provider
		leg.ProviderRef = init.result.Reference
		leg.AuthorizationURL = init.result.AuthorizationURL
	}

	return &DepositResult{
		Transactions:     legs,
		AuthorizationURL: init.result.AuthorizationURL,
		Reference:        group,
	}, nil
}

type sessionInit struct {
	provider string
	result   *provider.InitResult
}

// initializeSession opens a gateway session and records it on the given
// transactions. A gateway failure marks them failed but keeps them
// retriable; the error is returned as-is so handlers can distinguish
// not-configured from upstream failure.
func (s *Service) initializeSession(ctx context.Context, providerName string, params provider.InitParams, txIDs ...string) (*sessionInit, error) {
	p, err := s.providers.Get(providerName)
	if err != nil {
		s.failTransactions(ctx, txIDs)
		return nil, err
	}
	res, err := p.Initialize(ctx, params)
	if err != nil {
		s.logger.Warn("provider initialize failed", "provider", p.Name(), "reference", params.Reference, "error", err)
		s.failTransactions(ctx, txIDs)
		return nil, err
	}
	for _, id := range txIDs {
		if err := s.store.UpdateProviderSession(ctx, id, p.Name(), res.Reference, res.AuthorizationURL); err != nil {
			return nil, fmt.Errorf("record provider session: %w", err)
		}
	}
	return &sessionInit{provider: p.Name(), result: res}, nil
}

func (s *Service) failTransactions(ctx context.Context, ids []string) {
	for _, id := range ids {
		if _, err := s.store.Transition(ctx, id, StatusFailed, nil); err != nil {
			s.logger.Error("mark escrow failed", "escrow", id, "error", err)
		}
	}
}

// Confirm moves every leg matching (provider, reference) that is still
// awaiting payment to held. Duplicate confirmations are no-ops; the
// returned slice holds only legs transitioned by this call.
func (s *Service) Confirm(ctx context.Context, providerName, reference string) ([]*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Confirm",
		traces.ProviderName(providerName), traces.Reference(reference))
	defer span.End()

	moved, err := s.store.ConfirmByProviderRef(ctx, providerName, reference)
	if err != nil {
		return nil, err
	}
	for _, tx := range moved {
		recordTransition(tx.Type, StatusPendingPayment, StatusHeld)
		s.notify(ctx, tx.BuyerID, "escrow_held",
			fmt.Sprintf("Payment of %s %s received; funds are held in escrow.", tx.Currency, tx.Amount))
	}
	return moved, nil
}

// Verify polls the payment provider for a transaction's reference and
// confirms the escrow when the provider reports it paid.
func (s *Service) Verify(ctx context.Context, escrowID string) (*Transaction, *provider.VerifyResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Verify", traces.EscrowID(escrowID))
	defer span.End()

	tx, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, nil, err
	}
	if tx.ProviderRef == "" {
		return tx, nil, fmt.Errorf("%w: escrow %s has no provider session", provider.ErrNotConfigured, escrowID)
	}
	p, err := s.providers.Get(tx.Provider)
	if err != nil {
		return tx, nil, err
	}
	vr, err := p.Verify(ctx, tx.ProviderRef)
	if err != nil {
		return tx, nil, err
	}
	if vr.Paid {
		if _, err := s.Confirm(ctx, tx.Provider, tx.ProviderRef); err != nil {
			return tx, vr, err
		}
		tx, err = s.store.Get(ctx, escrowID)
		if err != nil {
			return nil, vr, err
		}
	}
	return tx, vr, nil
}

// MarkCompleted records that the funded work is done, moving held to
// completed_pending_confirmation. The auto-release sweep picks it up if
// the buyer never confirms.
func (s *Service) MarkCompleted(ctx context.Context, escrowID string) (*Transaction, error) {
	return s.store.Transition(ctx, escrowID, StatusCompleted, nil)
}

// ReleaseParams controls a release.
type ReleaseParams struct {
	EscrowID string
	// ActorID releases; when it equals the buyer the funded job must be
	// marked completed first.
	ActorID string
	Auto    bool
}

// Release pays the counterparty net of the platform fee and marks the
// transaction released. The ledger credit is keyed escrow_release:<id>,
// so a retried release after a crash cannot double-pay.
func (s *Service) Release(ctx context.Context, p ReleaseParams) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(p.EscrowID))
	defer span.End()

	tx, err := s.store.Get(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}
	if !Releasable(tx.Status) {
		return nil, &TransitionError{ID: tx.ID, From: tx.Status, To: StatusReleased}
	}
	if err := s.checkDispute(ctx, tx.ID); err != nil {
		return nil, err
	}
	if tx.CounterpartyID == "" {
		return nil, ErrNoCounterparty
	}
	if !p.Auto && p.ActorID == tx.BuyerID && tx.Type == TypeJob {
		done, err := s.workCompleted(ctx, tx)
		if err != nil {
			return nil, err
		}
		if !done {
			return nil, ErrJobNotCompleted
		}
	}

	fee, net, ok := money.Fee(tx.Amount, tx.FeeBps(s.fees))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, tx.Amount)
	}

	meta := map[string]string{"platform_fee": fee}
	if p.Auto {
		meta["auto_release"] = "true"
	}
	if _, err := s.ledger.Credit(ctx, ledger.MovementParams{
		OwnerID:        tx.CounterpartyID,
		Amount:         net,
		Currency:       tx.Currency,
		Kind:           ledger.KindEscrowRelease,
		IdempotencyKey: "escrow_release:" + tx.ID,
		RefType:        "escrow",
		RefID:          tx.ID,
		Metadata:       meta,
	}); err != nil {
		return nil, fmt.Errorf("release credit: %w", err)
	}

	from := tx.Status
	now := time.Now().UTC()
	released, err := s.store.Transition(ctx, tx.ID, StatusReleased, func(t *Transaction) {
		t.PlatformFee = fee
		t.AutoReleased = p.Auto
		t.ReleasedAt = &now
	})
	if err != nil {
		return nil, err
	}
	recordTransition(tx.Type, from, StatusReleased)
	recordRelease(tx.Type, p.Auto)

	s.logger.Info("escrow released",
		"escrow", tx.ID, "amount", tx.Amount, "fee", fee, "net", net, "auto", p.Auto)
	s.notify(ctx, tx.CounterpartyID, "escrow_released",
		fmt.Sprintf("You have been paid %s %s.", tx.Currency, net))
	s.notify(ctx, tx.BuyerID, "escrow_released",
		fmt.Sprintf("Escrow %s released to the counterparty.", tx.ID))
	return released, nil
}

// CancelResult summarizes a cancellation sweep over an order's legs.
type CancelResult struct {
	Refunded      []*Transaction `json:"refunded"`
	Cancelled     []*Transaction `json:"cancelled"`
	TotalRefunded string         `json:"totalRefunded"`
}

// CancelOrder refunds an order's held legs in full and cancels legs that
// never collected money. Blocked entirely while any leg has an active
// dispute. Refund credits are keyed escrow_refund:<legId>.
func (s *Service) CancelOrder(ctx context.Context, orderID, cancelledBy string) (*CancelResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CancelOrder", traces.Reference(orderID))
	defer span.End()

	legs, err := s.store.ListByReference(ctx, "order", orderID)
	if err != nil {
		return nil, err
	}
	if len(legs) == 0 {
		return nil, ErrNotFound
	}
	for _, leg := range legs {
		if leg.Status == StatusDisputed {
			return nil, ErrDisputeActive
		}
		if err := s.checkDispute(ctx, leg.ID); err != nil {
			return nil, err
		}
	}

	result := &CancelResult{TotalRefunded: "0.00"}
	for _, leg := range legs {
		switch leg.Status {
		case StatusHeld, StatusCompleted:
			if _, err := s.ledger.Credit(ctx, ledger.MovementParams{
				OwnerID:        leg.BuyerID,
				Amount:         leg.Amount,
				Currency:       leg.Currency,
				Kind:           ledger.KindEscrowRefund,
				IdempotencyKey: "escrow_refund:" + leg.ID,
				RefType:        "escrow",
				RefID:          leg.ID,
			}); err != nil {
				return nil, fmt.Errorf("refund credit for %s: %w", leg.ID, err)
			}
			from := leg.Status
			refunded, err := s.store.Transition(ctx, leg.ID, StatusRefunded, func(t *Transaction) {
				t.CancelledBy = cancelledBy
			})
			if err != nil {
				return nil, err
			}
			recordTransition(leg.Type, from, StatusRefunded)
			result.Refunded = append(result.Refunded, refunded)
			result.TotalRefunded = money.Add(result.TotalRefunded, leg.Amount)
		case StatusPendingPayment, StatusFailed:
			from := leg.Status
			cancelled, err := s.store.Transition(ctx, leg.ID, StatusCancelled, func(t *Transaction) {
				t.CancelledBy = cancelledBy
			})
			if err != nil {
				return nil, err
			}
			recordTransition(leg.Type, from, StatusCancelled)
			result.Cancelled = append(result.Cancelled, cancelled)
		}
	}

	if len(result.Refunded) > 0 {
		s.notify(ctx, legs[0].BuyerID, "order_cancelled",
			fmt.Sprintf("Order %s cancelled; %s %s refunded to your wallet.",
				orderID, legs[0].Currency, result.TotalRefunded))
	}
	return result, nil
}

// MarkDisputed freezes a transaction, remembering the status it held so
// resolution can restore it. Called by the dispute service.
func (s *Service) MarkDisputed(ctx context.Context, escrowID string) (*Transaction, error) {
	return s.store.Transition(ctx, escrowID, StatusDisputed, func(t *Transaction) {
		if t.Status != StatusDisputed {
			t.PriorStatus = t.Status
		}
	})
}

// RestoreFromDispute returns a transaction to the status it held before
// the dispute froze it.
func (s *Service) RestoreFromDispute(ctx context.Context, escrowID string) (*Transaction, error) {
	tx, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	to := tx.PriorStatus
	if to == "" {
		to = StatusHeld
	}
	return s.store.Transition(ctx, escrowID, to, func(t *Transaction) {
		t.PriorStatus = ""
	})
}

// Get returns one transaction.
func (s *Service) Get(ctx context.Context, escrowID string) (*Transaction, error) {
	return s.store.Get(ctx, escrowID)
}

// ListByReference returns every leg funding a job or order.
func (s *Service) ListByReference(ctx context.Context, refType, refID string) ([]*Transaction, error) {
	return s.store.ListByReference(ctx, refType, refID)
}

func (s *Service) checkDispute(ctx context.Context, escrowID string) error {
	if s.disputes == nil {
		return nil
	}
	active, err := s.disputes.HasActiveDispute(ctx, escrowID)
	if err != nil {
		return fmt.Errorf("dispute check: %w", err)
	}
	if active {
		return fmt.Errorf("%w: escrow %s", ErrDisputeActive, escrowID)
	}
	return nil
}

func (s *Service) workCompleted(ctx context.Context, tx *Transaction) (bool, error) {
	if s.completion == nil {
		return true, nil
	}
	done, err := s.completion.IsCompleted(ctx, tx.ReferenceType, tx.ReferenceID)
	if err != nil {
		return false, fmt.Errorf("completion check: %w", err)
	}
	return done, nil
}

func (s *Service) notify(ctx context.Context, userID, kind, message string) {
	if s.notifier == nil || userID == "" {
		return
	}
	s.notifier.Notify(ctx, userID, kind, message)
}

func validateFunding(amount string, currency *string) error {
	if !money.IsPositive(amount) {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if *currency == "" {
		*currency = "GHS"
	}
	if !money.ValidCurrency(*currency) {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, *currency)
	}
	return nil
}

// IsProviderError reports whether err is a transient upstream gateway
// failure rather than a configuration problem.
func IsProviderError(err error) bool {
	var perr *provider.Error
	return errors.As(err, &perr)
}
