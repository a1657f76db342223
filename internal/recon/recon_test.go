package recon

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sikafo/trustpay/internal/alerts"
	"github.com/sikafo/trustpay/internal/escrow"
	"github.com/sikafo/trustpay/internal/ledger"
	"github.com/sikafo/trustpay/internal/provider"
	"github.com/sikafo/trustpay/internal/trust"
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

type fixture struct {
	svc        *Service
	escrows    *escrow.Service
	escrowMem  *escrow.MemoryStore
	ledger     *ledger.Ledger
	alerts     *alerts.Service
	trustStore *trust.MemoryStore
	jobs       *MemoryJobStore
	deliveries *MemoryDeliveryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	led := ledger.New(ledger.NewMemoryStore())
	reg := provider.NewRegistry("fake", stubProvider{})
	fees := escrow.FeeSchedule{JobBps: 800, ProduceBps: 500, DeliveryBps: 1000}
	escrowMem := escrow.NewMemoryStore()
	escrows := escrow.NewService(escrowMem, led, reg, fees, logger)

	trustStore := trust.NewMemoryStore()
	trustSvc := trust.NewService(trustStore, time.Hour, logger)
	alertSvc := alerts.NewService(alerts.NewMemoryStore())
	jobs := NewMemoryJobStore()
	deliveries := NewMemoryDeliveryStore()
	escrows.SetCompletionSource(&Completion{Jobs: jobs, Deliveries: deliveries})

	svc := NewService(escrows, escrowMem, trustSvc, led, alertSvc,
		jobs, deliveries, Thresholds{}, logger)

	return &fixture{
		svc: svc, escrows: escrows, escrowMem: escrowMem, ledger: led,
		alerts: alertSvc, trustStore: trustStore, jobs: jobs, deliveries: deliveries,
	}
}

// advance makes the sweeps see the given duration as having elapsed.
func (f *fixture) advance(d time.Duration) {
	f.svc.now = func() time.Time { return time.Now().UTC().Add(d) }
}

func (f *fixture) markHighTrust(t *testing.T, userIDs ...string) {
	t.Helper()
	for _, id := range userIDs {
		require.NoError(t, f.trustStore.SaveSnapshot(context.Background(), trust.Snapshot{
			UserID: id, Score: 90, Band: trust.BandExcellent,
			SimpleScore: 0.9, Tier: trust.TierGold, ComputedAt: time.Now().UTC(),
		}))
	}
}

func fundCompletedJob(t *testing.T, f *fixture, jobID string) *escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	res, err := f.escrows.DepositJob(ctx, escrow.DepositRequest{
		BuyerID: "buyer_1", CounterpartyID: "artisan_1",
		JobID: jobID, Amount: "100.00", Provider: "fake",
	})
	require.NoError(t, err)
	_, err = f.escrows.Confirm(ctx, "fake", res.Reference)
	require.NoError(t, err)
	tx, err := f.escrows.MarkCompleted(ctx, res.Transactions[0].ID)
	require.NoError(t, err)
	return tx
}

func fundOrder(t *testing.T, f *fixture, orderID string) []*escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	res, err := f.escrows.DepositOrder(ctx, escrow.OrderDepositRequest{
		BuyerID: "buyer_1", OrderID: orderID,
		FarmerID: "farmer_1", DriverID: "driver_1",
		ProduceAmount: "60.00", DeliveryAmount: "40.00", Provider: "fake",
	})
	require.NoError(t, err)
	_, err = f.escrows.Confirm(ctx, "fake", res.Reference)
	require.NoError(t, err)
	legs, err := f.escrows.ListByReference(ctx, "order", orderID)
	require.NoError(t, err)
	return legs
}

func TestAutoReleasePaysAgedConfirmedEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := fundCompletedJob(t, f, "job_1")
	f.advance(80 * time.Hour)

	stats, err := f.svc.AutoRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Released)
	assert.Equal(t, 0, stats.Skipped)

	released, err := f.escrows.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, released.Status)
	assert.True(t, released.AutoReleased)

	wallet, err := f.ledger.GetWallet(ctx, "artisan_1")
	require.NoError(t, err)
	assert.Equal(t, "92.00", wallet.Balance)
}

func TestAutoReleaseWaitsBelowDefaultThreshold(t *testing.T) {
	f := newFixture(t)
	fundCompletedJob(t, f, "job_1")
	f.advance(30 * time.Hour)

	stats, err := f.svc.AutoRelease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scanned)
	assert.Equal(t, 0, stats.Released)
	assert.Equal(t, 1, stats.Skipped)
}

func TestAutoReleaseHighTrustShortensThreshold(t *testing.T) {
	f := newFixture(t)
	fundCompletedJob(t, f, "job_1")
	f.markHighTrust(t, "artisan_1")
	f.advance(30 * time.Hour)

	stats, err := f.svc.AutoRelease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Released)
}

func TestAutoReleaseIgnoresDisputedEscrows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := fundCompletedJob(t, f, "job_1")
	_, err := f.escrows.MarkDisputed(ctx, tx.ID)
	require.NoError(t, err)
	f.advance(80 * time.Hour)

	stats, err := f.svc.AutoRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Scanned)
	assert.Equal(t, 0, stats.Released)
}

func deliveredAgo(t *testing.T, f *fixture, orderID string, ago time.Duration) *Delivery {
	t.Helper()
	at := time.Now().UTC().Add(-ago)
	d := &Delivery{
		ID: "dlv_" + orderID, OrderID: orderID,
		BuyerID: "buyer_1", DriverID: "driver_1",
		Status: DeliveryDelivered, DeliveredAt: &at,
	}
	require.NoError(t, f.deliveries.Upsert(context.Background(), d))
	return d
}

func TestAutoConfirmMovesHeldLegs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	legs := fundOrder(t, f, "order_1")
	deliveredAgo(t, f, "order_1", 50*time.Hour)

	stats, err := f.svc.AutoConfirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Confirmed)

	for _, leg := range legs {
		got, err := f.escrows.Get(ctx, leg.ID)
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusCompleted, got.Status)
	}

	d, err := f.deliveries.Get(ctx, "dlv_order_1")
	require.NoError(t, err)
	assert.Equal(t, DeliveryConfirmed, d.Status)
	assert.True(t, d.AutoConfirmed)
	require.NotNil(t, d.ConfirmedAt)
}

func TestAutoConfirmHighTrustShortensThreshold(t *testing.T) {
	f := newFixture(t)
	fundOrder(t, f, "order_1")
	deliveredAgo(t, f, "order_1", 30*time.Hour)

	// Below 48h with default trust: nothing happens.
	stats, err := f.svc.AutoConfirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Confirmed)
	assert.Equal(t, 1, stats.Skipped)

	// Both parties high-trust drops the threshold to the floor.
	f.markHighTrust(t, "buyer_1", "driver_1")
	stats, err = f.svc.AutoConfirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Confirmed)
}

func TestAutoConfirmFrozenByDisputeOnAnyLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	legs := fundOrder(t, f, "order_1")
	_, err := f.escrows.MarkDisputed(ctx, legs[0].ID)
	require.NoError(t, err)
	deliveredAgo(t, f, "order_1", 50*time.Hour)

	stats, err := f.svc.AutoConfirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Confirmed)
	assert.Equal(t, 1, stats.Skipped)

	// The clean leg stays held and the delivery stays open.
	other, err := f.escrows.Get(ctx, legs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, other.Status)

	d, err := f.deliveries.Get(ctx, "dlv_order_1")
	require.NoError(t, err)
	assert.Equal(t, DeliveryDelivered, d.Status)
}

func TestConfirmDeliveryManual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	legs := fundOrder(t, f, "order_1")
	deliveredAgo(t, f, "order_1", time.Minute)

	d, err := f.svc.ConfirmDelivery(ctx, "dlv_order_1")
	require.NoError(t, err)
	assert.Equal(t, DeliveryConfirmed, d.Status)
	assert.False(t, d.AutoConfirmed)

	for _, leg := range legs {
		got, err := f.escrows.Get(ctx, leg.ID)
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusCompleted, got.Status)
	}

	// A second confirmation has nothing left to confirm.
	_, err = f.svc.ConfirmDelivery(ctx, "dlv_order_1")
	assert.ErrorIs(t, err, ErrNotDelivered)
}

func TestCheckStuckMoneyFlagsAgedHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.escrows.DepositJob(ctx, escrow.DepositRequest{
		BuyerID: "buyer_1", CounterpartyID: "artisan_1",
		JobID: "job_1", Amount: "100.00", Provider: "fake",
	})
	require.NoError(t, err)
	_, err = f.escrows.Confirm(ctx, "fake", res.Reference)
	require.NoError(t, err)
	f.advance(8 * 24 * time.Hour)

	stats, err := f.svc.CheckStuckMoney(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.StuckEscrows)
	assert.Equal(t, 0, stats.WalletsDrift)

	fired, err := f.alerts.List(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "stuck_escrow", fired[0].Type)
	assert.Equal(t, alerts.SeverityWarning, fired[0].Severity)

	// Twice the threshold escalates to critical on the next sweep.
	f.advance(15 * 24 * time.Hour)
	_, err = f.svc.CheckStuckMoney(ctx)
	require.NoError(t, err)
	fired, err = f.alerts.List(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, alerts.SeverityCritical, fired[0].Severity)
}

func TestCompletionAdapter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	comp := &Completion{Jobs: f.jobs, Deliveries: f.deliveries}

	done, err := comp.IsCompleted(ctx, "job", "missing")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, f.jobs.Upsert(ctx, &Job{ID: "job_1", BuyerID: "buyer_1", Status: JobInProgress}))
	done, err = comp.IsCompleted(ctx, "job", "job_1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, f.jobs.Upsert(ctx, &Job{ID: "job_1", BuyerID: "buyer_1", Status: JobCompleted}))
	done, err = comp.IsCompleted(ctx, "job", "job_1")
	require.NoError(t, err)
	assert.True(t, done)

	deliveredAgo(t, f, "order_1", time.Minute)
	done, err = comp.IsCompleted(ctx, "order", "order_1")
	require.NoError(t, err)
	assert.True(t, done)
}
