package dispute

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sikafo/trustpay/internal/escrow"
	"github.com/sikafo/trustpay/internal/ledger"
	"github.com/sikafo/trustpay/internal/provider"
)

type stubProvider struct{}

func (stubProvider) Name() string { return "fake" }
func (stubProvider) Initialize(_ context.Context, p provider.InitParams) (*provider.InitResult, error) {
	return &provider.InitResult{Reference: p.Reference, AuthorizationURL: "https://pay.example/" + p.Reference}, nil
}
func (stubProvider) Verify(_ context.Context, ref string) (*provider.VerifyResult, error) {
	return &provider.VerifyResult{Reference: ref, Paid: true}, nil
}
func (stubProvider) VerifyWebhookSignature([]byte, string) bool { return true }
func (stubProvider) ParseWebhook([]byte) (*provider.WebhookEvent, error) {
	return &provider.WebhookEvent{}, nil
}

func newTestServices(t *testing.T) (*Service, *escrow.Service) {
	t.Helper()
	led := ledger.New(ledger.NewMemoryStore())
	reg := provider.NewRegistry("fake", stubProvider{})
	fees := escrow.FeeSchedule{JobBps: 800, ProduceBps: 500, DeliveryBps: 1000}
	escrows := escrow.NewService(escrow.NewMemoryStore(), led, reg, fees, slog.Default())
	svc := NewService(NewMemoryStore(), escrows, slog.Default())
	return svc, escrows
}

func fundJob(t *testing.T, escrows *escrow.Service, jobID string) *escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	res, err := escrows.DepositJob(ctx, escrow.DepositRequest{
		BuyerID: "buyer_1", CounterpartyID: "artisan_1",
		JobID: jobID, Amount: "100.00", Provider: "fake",
	})
	require.NoError(t, err)
	_, err = escrows.Confirm(ctx, "fake", res.Reference)
	require.NoError(t, err)
	tx, err := escrows.Get(ctx, res.Transactions[0].ID)
	require.NoError(t, err)
	return tx
}

func fundOrder(t *testing.T, escrows *escrow.Service, orderID string) []*escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	res, err := escrows.DepositOrder(ctx, escrow.OrderDepositRequest{
		BuyerID: "buyer_1", OrderID: orderID,
		FarmerID: "farmer_1", DriverID: "driver_1",
		ProduceAmount: "60.00", DeliveryAmount: "40.00", Provider: "fake",
	})
	require.NoError(t, err)
	_, err = escrows.Confirm(ctx, "fake", res.Reference)
	require.NoError(t, err)
	legs, err := escrows.ListByReference(ctx, "order", orderID)
	require.NoError(t, err)
	return legs
}

func TestOpenForJobFreezesEscrow(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	tx := fundJob(t, escrows, "job_1")

	disputes, err := svc.OpenForJob(ctx, "job_1", OpenRequest{
		RaiserID: "buyer_1", Reason: ReasonQualityIssue, Details: "cracked tiles",
	})
	require.NoError(t, err)
	require.Len(t, disputes, 1)
	assert.Equal(t, StatusOpen, disputes[0].Status)
	assert.Equal(t, tx.ID, disputes[0].EscrowID)

	frozen, err := escrows.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusDisputed, frozen.Status)

	active, err := svc.HasActiveDispute(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestOpenTwiceUpdatesInPlace(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	fundJob(t, escrows, "job_1")

	first, err := svc.OpenForJob(ctx, "job_1", OpenRequest{
		RaiserID: "buyer_1", Reason: ReasonQualityIssue,
		Evidence: []string{"photo1.jpg"},
	})
	require.NoError(t, err)

	second, err := svc.OpenForJob(ctx, "job_1", OpenRequest{
		RaiserID: "buyer_1", Reason: ReasonDamage,
		Details:  "worse than it looked",
		Evidence: []string{"photo2.jpg"},
	})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, ReasonDamage, second[0].Reason)
	assert.Equal(t, []string{"photo1.jpg", "photo2.jpg"}, second[0].Evidence)
}

func TestDisputeBlocksReleaseUntilResolved(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	tx := fundJob(t, escrows, "job_1")

	disputes, err := svc.OpenForJob(ctx, "job_1", OpenRequest{
		RaiserID: "buyer_1", Reason: ReasonNonDelivery,
	})
	require.NoError(t, err)

	_, err = escrows.Release(ctx, escrow.ReleaseParams{EscrowID: tx.ID, ActorID: "admin", Auto: true})
	require.Error(t, err)

	_, err = svc.Resolve(ctx, disputes[0].ID, ResolveRequest{
		ResolvedBy: "admin_1", Outcome: StatusRejected, Resolution: "work was delivered",
	})
	require.NoError(t, err)

	restored, err := escrows.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, restored.Status)

	released, err := escrows.Release(ctx, escrow.ReleaseParams{EscrowID: tx.ID, ActorID: "admin", Auto: true})
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, released.Status)
}

func TestOrderScopeFreezesSelectedLegs(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	legs := fundOrder(t, escrows, "order_1")

	disputes, err := svc.OpenForOrder(ctx, "order_1", OpenRequest{
		RaiserID: "buyer_1", Scope: ScopeDelivery, Reason: ReasonDamage,
	})
	require.NoError(t, err)
	require.Len(t, disputes, 1)

	for _, leg := range legs {
		got, err := escrows.Get(ctx, leg.ID)
		require.NoError(t, err)
		if leg.LegKind == escrow.LegDelivery {
			assert.Equal(t, escrow.StatusDisputed, got.Status)
		} else {
			assert.Equal(t, escrow.StatusHeld, got.Status)
		}
	}
}

func TestOrderScopeOrderFreezesAllLegs(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	fundOrder(t, escrows, "order_1")

	disputes, err := svc.OpenForOrder(ctx, "order_1", OpenRequest{
		RaiserID: "buyer_1", Reason: ReasonWrongItem,
	})
	require.NoError(t, err)
	assert.Len(t, disputes, 2)
}

func TestNoApplicableEscrow(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()

	// No escrow at all for the job.
	_, err := svc.OpenForJob(ctx, "job_missing", OpenRequest{
		RaiserID: "buyer_1", Reason: ReasonOther,
	})
	assert.ErrorIs(t, err, ErrNoApplicableEscrow)

	// Delivery scope on an order with no delivery escrow in a disputable
	// state: the order here was fully released first.
	tx := fundJob(t, escrows, "job_done")
	_, err = escrows.Release(ctx, escrow.ReleaseParams{EscrowID: tx.ID, ActorID: "admin", Auto: true})
	require.NoError(t, err)
	_, err = svc.OpenForJob(ctx, "job_done", OpenRequest{
		RaiserID: "buyer_1", Reason: ReasonOther,
	})
	assert.ErrorIs(t, err, ErrNoApplicableEscrow)
}

func TestResolveValidation(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	fundJob(t, escrows, "job_1")

	disputes, err := svc.OpenForJob(ctx, "job_1", OpenRequest{
		RaiserID: "buyer_1", Reason: ReasonNoShow,
	})
	require.NoError(t, err)
	id := disputes[0].ID

	_, err = svc.Resolve(ctx, id, ResolveRequest{ResolvedBy: "admin", Outcome: StatusOpen})
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = svc.Resolve(ctx, id, ResolveRequest{ResolvedBy: "admin", Outcome: StatusResolved})
	require.NoError(t, err)

	// Closing twice is a conflict.
	_, err = svc.Resolve(ctx, id, ResolveRequest{ResolvedBy: "admin", Outcome: StatusResolved})
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestInvalidReasonRejected(t *testing.T) {
	svc, escrows := newTestServices(t)
	fundJob(t, escrows, "job_1")

	_, err := svc.OpenForJob(context.Background(), "job_1", OpenRequest{
		RaiserID: "buyer_1", Reason: "vibes",
	})
	assert.ErrorIs(t, err, ErrInvalidReason)
}

func TestStartReviewKeepsEscrowFrozen(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	tx := fundJob(t, escrows, "job_1")

	disputes, err := svc.OpenForJob(ctx, "job_1", OpenRequest{
		RaiserID: "buyer_1", Reason: ReasonQualityIssue,
	})
	require.NoError(t, err)

	reviewed, err := svc.StartReview(ctx, disputes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, reviewed.Status)

	active, err := svc.HasActiveDispute(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestStoreRejectsSecondActiveDispute(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := &Dispute{
		ID: "dsp_1", EscrowID: "esc_1", RaiserID: "buyer_1",
		Reason: ReasonQualityIssue, Status: StatusOpen,
	}
	require.NoError(t, store.Create(ctx, first))

	dup := &Dispute{
		ID: "dsp_2", EscrowID: "esc_1", RaiserID: "artisan_1",
		Reason: ReasonPaymentIssue, Status: StatusOpen,
	}
	err := store.Create(ctx, dup)
	assert.ErrorIs(t, err, ErrActiveExists)

	// Closing the first dispute frees the escrow for a new one.
	first.Status = StatusResolved
	require.NoError(t, store.Update(ctx, first))
	require.NoError(t, store.Create(ctx, dup))
}
