package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sikafo/trustpay/internal/ledger"
	"github.com/sikafo/trustpay/internal/provider"
)

// fakeProvider is a scripted payment gateway for tests.
type fakeProvider struct {
	name     string
	initErr  error
	paid     bool
	inits    int
	verifies int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Initialize(_ context.Context, params provider.InitParams) (*provider.InitResult, error) {
	f.inits++
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &provider.InitResult{
		Reference:        params.Reference,
		AuthorizationURL: "https://pay.example/" + params.Reference,
	}, nil
}

func (f *fakeProvider) Verify(_ context.Context, reference string) (*provider.VerifyResult, error) {
	f.verifies++
	return &provider.VerifyResult{Reference: reference, Paid: f.paid, RawStatus: "scripted"}, nil
}

func (f *fakeProvider) VerifyWebhookSignature([]byte, string) bool { return true }

func (f *fakeProvider) ParseWebhook([]byte) (*provider.WebhookEvent, error) {
	return nil, fmt.Errorf("not used")
}

type fakeDisputes struct{ active map[string]bool }

func (f *fakeDisputes) HasActiveDispute(_ context.Context, escrowID string) (bool, error) {
	return f.active[escrowID], nil
}

type fakeCompletion struct{ done map[string]bool }

func (f *fakeCompletion) IsCompleted(_ context.Context, _, refID string) (bool, error) {
	return f.done[refID], nil
}

func testFees() FeeSchedule {
	return FeeSchedule{JobBps: 800, ProduceBps: 500, DeliveryBps: 1000}
}

func newTestService(p provider.Provider) (*Service, *ledger.Ledger) {
	led := ledger.New(ledger.NewMemoryStore())
	reg := provider.NewRegistry("fake", p)
	svc := NewService(NewMemoryStore(), led, reg, testFees(), slog.Default())
	return svc, led
}

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPendingPayment, StatusHeld},
		{StatusPendingPayment, StatusFailed},
		{StatusPendingPayment, StatusCancelled},
		{StatusFailed, StatusHeld},
		{StatusHeld, StatusCompleted},
		{StatusHeld, StatusReleased},
		{StatusHeld, StatusRefunded},
		{StatusHeld, StatusDisputed},
		{StatusCompleted, StatusReleased},
		{StatusCompleted, StatusDisputed},
		{StatusDisputed, StatusHeld},
	}
	for _, tc := range allowed {
		assert.NoError(t, CanTransition("esc_x", tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	forbidden := []struct{ from, to Status }{
		{StatusPendingPayment, StatusReleased},
		{StatusPendingPayment, StatusCompleted},
		{StatusReleased, StatusRefunded},
		{StatusRefunded, StatusHeld},
		{StatusCancelled, StatusPendingPayment},
		{StatusHeld, StatusPendingPayment},
	}
	for _, tc := range forbidden {
		err := CanTransition("esc_x", tc.from, tc.to)
		var terr *TransitionError
		require.ErrorAs(t, err, &terr, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.from, terr.From)
		assert.Equal(t, tc.to, terr.To)
	}
}

func TestDepositJobOpensSession(t *testing.T) {
	fp := &fakeProvider{name: "fake"}
	svc, _ := newTestService(fp)

	res, err := svc.DepositJob(context.Background(), DepositRequest{
		BuyerID: "buyer_1", CounterpartyID: "artisan_1",
		JobID: "job_1", Amount: "100.00", Provider: "fake",
	})
	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)

	tx := res.Transactions[0]
	assert.Equal(t, StatusPendingPayment, tx.Status)
	assert.Equal(t, "GHS", tx.Currency)
	assert.Equal(t, tx.ID, tx.ProviderRef)
	assert.Contains(t, res.AuthorizationURL, tx.ID)
	assert.False(t, res.Existing)
}

func TestDepositJobIdempotentWhilePending(t *testing.T) {
	fp := &fakeProvider{name: "fake"}
	svc, _ := newTestService(fp)
	ctx := context.Background()

	req := DepositRequest{BuyerID: "buyer_1", JobID: "job_1", Amount: "100.00", Provider: "fake"}
	first, err := svc.DepositJob(ctx, req)
	require.NoError(t, err)

	second, err := svc.DepositJob(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.Transactions[0].ID, second.Transactions[0].ID)
	assert.Equal(t, 1, fp.inits, "no second gateway session for a pending deposit")
}

func TestDepositProviderFailureMarksFailedButRetriable(t *testing.T) {
	fp := &fakeProvider{name: "fake", initErr: &provider.Error{Provider: "fake", Op: "initialize", Status: 502, Message: "down"}}
	svc, _ := newTestService(fp)
	ctx := context.Background()

	req := DepositRequest{BuyerID: "buyer_1", JobID: "job_1", Amount: "100.00", Provider: "fake"}
	_, err := svc.DepositJob(ctx, req)
	require.Error(t, err)
	assert.True(t, IsProviderError(err))

	legs, err := svc.ListByReference(ctx, "job", "job_1")
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, StatusFailed, legs[0].Status)

	// Gateway recovers; a retry opens a fresh session.
	fp.initErr = nil
	res, err := svc.DepositJob(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.Equal(t, StatusPendingPayment, res.Transactions[0].Status)
}

func TestDepositUnconfiguredProvider(t *testing.T) {
	svc, _ := newTestService(&fakeProvider{name: "fake"})
	_, err := svc.DepositJob(context.Background(), DepositRequest{
		BuyerID: "buyer_1", JobID: "job_1", Amount: "100.00", Provider: "paystack",
	})
	assert.ErrorIs(t, err, provider.ErrNotConfigured)
}

func TestConfirmHoldsExactlyOnce(t *testing.T) {
	fp := &fakeProvider{name: "fake"}
	svc, _ := newTestService(fp)
	ctx := context.Background()

	res, err := svc.DepositJob(ctx, DepositRequest{
		BuyerID: "buyer_1", JobID: "job_1", Amount: "100.00", Provider: "fake",
	})
	require.NoError(t, err)
	ref := res.Reference

	moved, err := svc.Confirm(ctx, "fake", ref)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, StatusHeld, moved[0].Status)
	assert.NotNil(t, moved[0].HeldAt)

	// Duplicate webhook delivery: no-op.
	again, err := svc.Confirm(ctx, "fake", ref)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestConfirmUpdatesBothOrderLegs(t *testing.T) {
	fp := &fakeProvider{name: "fake"}
	svc, _ := newTestService(fp)
	ctx := context.Background()

	res, err := svc.DepositOrder(ctx, OrderDepositRequest{
		BuyerID: "buyer_1", OrderID: "order_1",
		FarmerID: "farmer_1", DriverID: "driver_1",
		ProduceAmount: "60.00", DeliveryAmount: "40.00", Provider: "fake",
	})
	require.NoError(t, err)
	require.Len(t, res.Transactions, 2)
	assert.Equal(t, res.Transactions[0].PaymentGroupID, res.Transactions[1].PaymentGroupID)
	assert.Equal(t, res.Transactions[0].ProviderRef, res.Transactions[1].ProviderRef)

	moved, err := svc.Confirm(ctx, "fake", res.Reference)
	require.NoError(t, err)
	assert.Len(t, moved, 2, "one confirmation event updates both legs")
}

func TestReleaseFullScenario(t *testing.T) {
	// 100 GHS job at 8%: counterparty gets 92.00, fee recorded as 8.00.
	fp := &fakeProvider{name: "fake"}
	svc, led := newTestService(fp)
	completion := &fakeCompletion{done: map[string]bool{"job_1": true}}
	svc.SetCompletionSource(completion)
	ctx := context.Background()

	res, err := svc.DepositJob(ctx, DepositRequest{
		BuyerID: "buyer_1", CounterpartyID: "artisan_1",
		JobID: "job_1", Amount: "100.00", Provider: "fake",
	})
	require.NoError(t, err)
	escrowID := res.Transactions[0].ID

	_, err = svc.Confirm(ctx, "fake", res.Reference)
	require.NoError(t, err)

	released, err := svc.Release(ctx, ReleaseParams{EscrowID: escrowID, ActorID: "buyer_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)
	assert.Equal(t, "8.00", released.PlatformFee)
	assert.NotNil(t, released.ReleasedAt)

	wallet, err := led.GetWallet(ctx, "artisan_1")
	require.NoError(t, err)
	assert.Equal(t, "92.00", wallet.Balance)
}

func TestReleaseRetryDoesNotDoublePay(t *testing.T) {
	fp := &fakeProvider{name: "fake"}
	svc, led := newTestService(fp)
	ctx := context.Background()

	res, err := svc.DepositJob(ctx, DepositRequest{
		BuyerID: "buyer_1", CounterpartyID: "artisan_1",
		JobID: "job_1", Amount: "100.00", Provider: "fake",
	})
	require.NoError(t, err)
	escrowID := res.Transactions[0].ID
	_, err = svc.Confirm(ctx, "fake", res.Reference)
	require.NoError(t, err)

	_, err = svc.Release(ctx, ReleaseParams{EscrowID: escrowID, ActorID: "admin", Auto: true})
	require.NoError(t, err)

	// Second release attempt: state conflict, and even if the credit were
	// retried its idempotency key makes it a no-op.
	_, err = svc.Release(ctx, ReleaseParams{EscrowID: escrowID, ActorID: "admin", Auto: true})
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)

	wallet, err := led.GetWallet(ctx, "artisan_1")
	require.NoError(t, err)
	assert.Equal(t, "92.00", wallet.Balance)
}

func TestReleaseBlockedFromPendingPayment(t *testing.T) {
	fp := &fakeProvider{name: "fake"}
	svc, _ := newTestService(fp)
	ctx := context.Background()

	res, err := svc.DepositJob(ctx, DepositRequest{
		BuyerID: "buyer_1", CounterpartyID: "artisan_1",
		JobID: "job_1", Amount: "100.00", Provider: "fake",
	})
	require.NoError(t, err)

	_, err = svc.Release(ctx, ReleaseParams{EscrowID: res.Transactions[0].ID, ActorID: "buyer_1"})
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StatusPendingPayment, terr.From)
}

func TestReleaseBlockedByDispute(t *testing.T) {
	fp := &fakeProvider{name: "fake"}
	svc, _ := newTestService(fp)
	disputes := &fakeDisputes{active: map[string]bool{}}
	svc.SetDisputeGuard(disputes)
	ctx := context.Background()

	res, err := svc.DepositJob(ctx, DepositRequest{
		BuyerID: "buyer_1", CounterpartyID: "artisan_1",
		JobID: "job_1", Amount: "100.00", Provider: "fake",
	})
	require.NoError(t, err)
	escrowID := res.Transactions[0].ID
	_, err = svc.Confirm(ctx, "fake", res.Reference)
	require.NoError(t, err)

	disputes.active[escrowID] = true
	_, err = svc.Release(ctx, ReleaseParams{EscrowID: escrowID, ActorID: "admin", Auto: true})
	assert.ErrorIs(t, err, ErrDisputeActive)

	// Dispute resolved: release goes through.
	disputes.active[escrowID] = false
	released, err := svc.Release(ctx, ReleaseParams{EscrowID: escrowID, ActorID: "admin", Auto: true})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)
}

func TestBuyerReleaseRequiresCompletedJob(t *testing.T) {
	fp := &fakeProvider{name: "fake"}
	svc, _ := newTestService(fp)
	completion := &fakeCompletion{done: map[string]bool{}}
	svc.SetCompletionSource(completion)
	ctx := context.Background()

	res, err := svc.DepositJob(ctx, DepositRequest{
		BuyerID: "buyer_1", CounterpartyID: "artisan_1",
		JobID: "job_1", Amount: "50.00", Provider: "fake",
	})
	require.NoError(t, err)
	escrowID := res.Transactions[0].ID
	_, err = svc.Confirm(ctx, "fake", res.Reference)
	require.NoError(t, err)

	_, err = svc.Release(ctx, ReleaseParams{EscrowID: escrowID, ActorID: "buyer_1"})
	assert.ErrorIs(t, err, ErrJobNotCompleted)

	completion.done["job_1"] = true
	_, err = svc.Release(ctx, ReleaseParams{EscrowID: escrowID, ActorID: "buyer_1"})
	assert.NoError(t, err)
}

func TestCancelOrderRefundsHeldLegs(t *testing.T) {
	fp := &fakeProvider{name: "fake"}
	svc, led := newTestService(fp)
	ctx := context.Background()

	res, err := svc.DepositOrder(ctx, OrderDepositRequest{
		BuyerID: "buyer_1", OrderID: "order_1",
		FarmerID: "farmer_1", DriverID: "driver_1",
		ProduceAmount: "60.00", DeliveryAmount: "40.00", Provider: "fake",
	})
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, "fake", res.Reference)
	require.NoError(t, err)

	result, err := svc.CancelOrder(ctx, "order_1", "buyer_1")
	require.NoError(t, err)
	assert.Len(t, result.Refunded, 2)
	assert.Empty(t, result.Cancelled)
	assert.Equal(t, "100.00", result.TotalRefunded)

	wallet, err := led.GetWallet(ctx, "buyer_1")
	require.NoError(t, err)
	assert.Equal(t, "100.00", wallet.Balance)

	for _, tx := range result.Refunded {
		assert.Equal(t, StatusRefunded, tx.Status)
		assert.Equal(t, "buyer_1", tx.CancelledBy)
	}
}

func TestCancelOrderBeforePaymentMovesNoMoney(t *testing.T) {
	fp := &fakeProvider{name: "fake"}
	svc, led := newTestService(fp)
	ctx := context.Background()

	_, err := svc.DepositOrder(ctx, OrderDepositRequest{
		BuyerID: "buyer_1", OrderID: "order_1",
		FarmerID: "farmer_1", DriverID: "driver_1",
		ProduceAmount: "60.00", DeliveryAmount: "40.00", Provider: "fake",
	})
	require.NoError(t, err)

	result, err := svc.CancelOrder(ctx, "order_1", "farmer_1")
	require.NoError(t, err)
	assert.Empty(t, result.Refunded)
	assert.Len(t, result.Cancelled, 2)
	assert.Equal(t, "0.00", result.TotalRefunded)

	wallet, err := led.GetWallet(ctx, "buyer_1")
	require.NoError(t, err)
	assert.Equal(t, "0.00", wallet.Balance)
}

func TestCancelOrderBlockedByDispute(t *testing.T) {
	fp := &fakeProvider{name: "fake"}
	svc, _ := newTestService(fp)
	disputes := &fakeDisputes{active: map[string]bool{}}
	svc.SetDisputeGuard(disputes)
	ctx := context.Background()

	res, err := svc.DepositOrder(ctx, OrderDepositRequest{
		BuyerID: "buyer_1", OrderID: "order_1",
		FarmerID: "farmer_1", DriverID: "driver_1",
		ProduceAmount: "60.00", DeliveryAmount: "40.00", Provider: "fake",
	})
	require.NoError(t, err)
	disputes.active[res.Transactions[1].ID] = true

	_, err = svc.CancelOrder(ctx, "order_1", "buyer_1")
	assert.ErrorIs(t, err, ErrDisputeActive)
}

func TestVerifyConfirmsWhenProviderReportsPaid(t *testing.T) {
	fp := &fakeProvider{name: "fake", paid: false}
	svc, _ := newTestService(fp)
	ctx := context.Background()

	res, err := svc.DepositJob(ctx, DepositRequest{
		BuyerID: "buyer_1", JobID: "job_1", Amount: "25.00", Provider: "fake",
	})
	require.NoError(t, err)
	escrowID := res.Transactions[0].ID

	tx, vr, err := svc.Verify(ctx, escrowID)
	require.NoError(t, err)
	assert.False(t, vr.Paid)
	assert.Equal(t, StatusPendingPayment, tx.Status)

	fp.paid = true
	tx, vr, err = svc.Verify(ctx, escrowID)
	require.NoError(t, err)
	assert.True(t, vr.Paid)
	assert.Equal(t, StatusHeld, tx.Status)
}

func TestDisputeFreezeAndRestore(t *testing.T) {
	fp := &fakeProvider{name: "fake"}
	svc, _ := newTestService(fp)
	ctx := context.Background()

	res, err := svc.DepositJob(ctx, DepositRequest{
		BuyerID: "buyer_1", CounterpartyID: "artisan_1",
		JobID: "job_1", Amount: "30.00", Provider: "fake",
	})
	require.NoError(t, err)
	escrowID := res.Transactions[0].ID
	_, err = svc.Confirm(ctx, "fake", res.Reference)
	require.NoError(t, err)
	_, err = svc.MarkCompleted(ctx, escrowID)
	require.NoError(t, err)

	frozen, err := svc.MarkDisputed(ctx, escrowID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, frozen.Status)

	restored, err := svc.RestoreFromDispute(ctx, escrowID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, restored.Status, "restored to pre-dispute status")
}

func TestFeeScheduleByKind(t *testing.T) {
	fees := testFees()
	job := &Transaction{Type: TypeJob}
	produce := &Transaction{Type: TypeOrder, LegKind: LegProduce}
	delivery := &Transaction{Type: TypeOrder, LegKind: LegDelivery}

	assert.Equal(t, int64(800), job.FeeBps(fees))
	assert.Equal(t, int64(500), produce.FeeBps(fees))
	assert.Equal(t, int64(1000), delivery.FeeBps(fees))
}
