package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestPayout_DebitsWallet(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	credit(t, l, "farmer-1", "200.00", "seed")

	p, err := l.RequestPayout(ctx, PayoutRequest{
		OwnerID:        "farmer-1",
		Amount:         "150.00",
		Destination:    "+233200000001",
		IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)
	assert.Equal(t, PayoutRequested, p.Status)

	w, _ := l.GetWallet(ctx, "farmer-1")
	assert.Equal(t, "50.00", w.Balance)
}

func TestRequestPayout_ReusedKeyReturnsOriginal(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	credit(t, l, "farmer-1", "200.00", "seed")

	first, err := l.RequestPayout(ctx, PayoutRequest{
		OwnerID: "farmer-1", Amount: "150.00",
		Destination: "+233200000001", IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)

	second, err := l.RequestPayout(ctx, PayoutRequest{
		OwnerID: "farmer-1", Amount: "150.00",
		Destination: "+233200000001", IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "replay must return the original payout")

	// Wallet debited exactly once.
	w, _ := l.GetWallet(ctx, "farmer-1")
	assert.Equal(t, "50.00", w.Balance)
}

func TestRequestPayout_ConcurrentSameKeyDebitsOnce(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	credit(t, l, "farmer-1", "200.00", "seed")

	type result struct {
		payout *Payout
		err    error
	}
	const callers = 8
	results := make(chan result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := l.RequestPayout(ctx, PayoutRequest{
				OwnerID: "farmer-1", Amount: "150.00",
				Destination: "+233200000001", IdempotencyKey: "wd-race",
			})
			results <- result{p, err}
		}()
	}
	wg.Wait()
	close(results)

	// Every caller sees the same payout record, never the half state
	// where the debit landed but the payout is missing.
	ids := make(map[string]bool)
	for r := range results {
		require.NoError(t, r.err)
		require.NotNil(t, r.payout)
		ids[r.payout.ID] = true
	}
	assert.Len(t, ids, 1)

	w, _ := l.GetWallet(ctx, "farmer-1")
	assert.Equal(t, "50.00", w.Balance)
	payouts, _ := l.ListPayouts(ctx, "farmer-1", 10)
	assert.Len(t, payouts, 1)
}

func TestRequestPayout_InsufficientFunds(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	credit(t, l, "farmer-1", "20.00", "seed")

	_, err := l.RequestPayout(ctx, PayoutRequest{
		OwnerID: "farmer-1", Amount: "20.01",
		Destination: "+233200000001", IdempotencyKey: "wd-1",
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	payouts, _ := l.ListPayouts(ctx, "farmer-1", 10)
	assert.Empty(t, payouts, "failed payout must leave no record")
}

func TestRequestPayout_RequiresKey(t *testing.T) {
	l := newTestLedger()
	_, err := l.RequestPayout(context.Background(), PayoutRequest{
		OwnerID: "farmer-1", Amount: "1.00", Destination: "x",
	})
	assert.ErrorIs(t, err, ErrInvalidKey)
}
