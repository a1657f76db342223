package webhookqueue

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sikafo/trustpay/internal/alerts"
)

func TestBackoffEscalation(t *testing.T) {
	assert.Equal(t, 1*time.Minute, backoffDelay(1))
	assert.Equal(t, 5*time.Minute, backoffDelay(2))
	assert.Equal(t, 15*time.Minute, backoffDelay(3))
	assert.Equal(t, 60*time.Minute, backoffDelay(4))
	assert.Equal(t, 360*time.Minute, backoffDelay(5))
	assert.Equal(t, 1440*time.Minute, backoffDelay(6))
	assert.Equal(t, 2880*time.Minute, backoffDelay(7))
	// Past the table end the last entry repeats.
	assert.Equal(t, 2880*time.Minute, backoffDelay(12))
}

func TestEnqueueDeduplicatesByEventID(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil, 7, slog.Default())
	ctx := context.Background()

	a, err := svc.Enqueue(ctx, "paystack", "evt_1", []byte(`{"v":1}`))
	require.NoError(t, err)
	b, err := svc.Enqueue(ctx, "paystack", "evt_1", []byte(`{"v":2}`))
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.JSONEq(t, `{"v":2}`, string(b.Payload))

	depth, err := svc.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth[StatusPending])
}

func TestProcessQueueSuccess(t *testing.T) {
	var handled []string
	handler := func(_ context.Context, item *Item) (Outcome, error) {
		handled = append(handled, item.EventID)
		return OutcomeProcessed, nil
	}
	svc := NewService(NewMemoryStore(), handler, nil, 7, slog.Default())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "paystack", "evt_1", []byte(`{}`))
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, "paystack", "evt_2", []byte(`{}`))
	require.NoError(t, err)

	stats, err := svc.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, 2, stats.Processed)
	assert.ElementsMatch(t, []string{"evt_1", "evt_2"}, handled)

	// Settled items are not claimed again.
	stats, err = svc.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed)
}

func TestProcessQueueIgnoredOutcome(t *testing.T) {
	handler := func(_ context.Context, _ *Item) (Outcome, error) {
		return OutcomeIgnored, nil
	}
	svc := NewService(NewMemoryStore(), handler, nil, 7, slog.Default())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "flutterwave", "evt_1", []byte(`{}`))
	require.NoError(t, err)

	stats, err := svc.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ignored)

	item, err := svc.store.Get(ctx, "flutterwave", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, item.Status)
}

func TestFailureBacksOffThenDeadLetters(t *testing.T) {
	handler := func(_ context.Context, _ *Item) (Outcome, error) {
		return "", fmt.Errorf("downstream boom")
	}
	store := NewMemoryStore()
	alertSvc := alerts.NewService(alerts.NewMemoryStore())
	svc := NewService(store, handler, alertSvc, 3, slog.Default())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "paystack", "evt_1", []byte(`{}`))
	require.NoError(t, err)

	// Attempt 1: retry in 1 minute.
	stats, err := svc.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	item, err := store.Get(ctx, "paystack", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Contains(t, item.LastError, "downstream boom")
	assert.True(t, item.NextRetryAt.After(time.Now().UTC()))

	// Not due yet: nothing claimed.
	stats, err = svc.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed)

	// Force due and burn the remaining attempts.
	for attempt := 2; attempt <= 3; attempt++ {
		require.NoError(t, store.Settle(ctx, item.ID, StatusRetry, item.LastError, time.Now().UTC().Add(-time.Second)))
		stats, err = svc.ProcessQueue(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Claimed, "attempt %d", attempt)
	}

	item, err = store.Get(ctx, "paystack", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, StatusDead, item.Status)
	assert.Equal(t, 3, item.Attempts)
	// Parked roughly a year out so due-item queries never see it.
	assert.True(t, item.NextRetryAt.After(time.Now().UTC().Add(360*24*time.Hour)))

	// Dead items stop being selected even when their retry time is forced.
	stats, err = svc.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed)

	open, err := alertSvc.List(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "webhook_dead", open[0].Type)
	assert.Equal(t, alerts.SeverityCritical, open[0].Severity)

	dead, err := svc.ListDead(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestRedeliveryDoesNotResurrectSettledItem(t *testing.T) {
	handler := func(_ context.Context, _ *Item) (Outcome, error) {
		return OutcomeProcessed, nil
	}
	svc := NewService(NewMemoryStore(), handler, nil, 7, slog.Default())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "paystack", "evt_1", []byte(`{"v":1}`))
	require.NoError(t, err)
	_, err = svc.ProcessQueue(ctx, 10)
	require.NoError(t, err)

	item, err := svc.Enqueue(ctx, "paystack", "evt_1", []byte(`{"v":2}`))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, item.Status)
	assert.JSONEq(t, `{"v":2}`, string(item.Payload))

	stats, err := svc.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed, "processed item must not run twice")
}

func TestRedeliveryRevivesAbandonedClaim(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Upsert(ctx, "paystack", "evt_1", []byte(`{"v":1}`))
	require.NoError(t, err)
	claimed, err := store.ClaimDue(ctx, 10, 7, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// The drainer dies before settling; the provider redelivers.
	item, err := store.Upsert(ctx, "paystack", "evt_1", []byte(`{"v":2}`))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.JSONEq(t, `{"v":2}`, string(item.Payload))

	claimed, err = store.ClaimDue(ctx, 10, 7, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, item.ID, claimed[0].ID)
}

func TestStaleClaimIsReclaimedAfterVisibilityTimeout(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Upsert(ctx, "flutterwave", "evt_9", []byte(`{}`))
	require.NoError(t, err)
	now := time.Now().UTC()
	claimed, err := store.ClaimDue(ctx, 10, 7, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Within the visibility window the claim is left alone.
	again, err := store.ClaimDue(ctx, 10, 7, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)

	// Past it the item is claimable again, without waiting for a
	// provider redelivery.
	again, err = store.ClaimDue(ctx, 10, 7, now.Add(claimStaleAfter+time.Minute))
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, claimed[0].ID, again[0].ID)
	assert.Equal(t, 2, again[0].Attempts)
}

func TestStaleClaimAtAttemptCapStillDeadLetters(t *testing.T) {
	handler := func(_ context.Context, _ *Item) (Outcome, error) {
		return "", fmt.Errorf("still failing")
	}
	store := NewMemoryStore()
	svc := NewService(store, handler, nil, 3, slog.Default())
	ctx := context.Background()

	_, err := store.Upsert(ctx, "stripe", "evt_5", []byte(`{}`))
	require.NoError(t, err)

	// Simulate a crash on the final attempt: the claim bumps the item
	// to the cap and nothing settles it.
	claim := func(now time.Time) {
		items, cerr := store.ClaimDue(ctx, 10, 3, now)
		require.NoError(t, cerr)
		require.Len(t, items, 1)
	}
	now := time.Now().UTC()
	claim(now)
	claim(now.Add(claimStaleAfter + time.Minute))
	claim(now.Add(2 * (claimStaleAfter + time.Minute)))

	item, err := store.Get(ctx, "stripe", "evt_5")
	require.NoError(t, err)
	require.Equal(t, 3, item.Attempts)
	require.Equal(t, StatusProcessing, item.Status)

	// The reclaim bypasses the attempts cap and the drain pass
	// dead-letters the final failure instead of stranding it.
	items, err := store.ClaimDue(ctx, 10, 3, now.Add(3*(claimStaleAfter+time.Minute)))
	require.NoError(t, err)
	require.Len(t, items, 1)

	var stats Stats
	svc.drainOne(ctx, items[0], &stats)
	assert.Equal(t, 1, stats.Dead)

	item, err = store.Get(ctx, "stripe", "evt_5")
	require.NoError(t, err)
	assert.Equal(t, StatusDead, item.Status)
}

func TestHandlerPanicIsContained(t *testing.T) {
	handler := func(_ context.Context, _ *Item) (Outcome, error) {
		panic("handler exploded")
	}
	store := NewMemoryStore()
	svc := NewService(store, handler, nil, 7, slog.Default())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "stripe", "evt_1", []byte(`{}`))
	require.NoError(t, err)

	stats, err := svc.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	item, err := store.Get(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.Contains(t, item.LastError, "handler exploded")
}
