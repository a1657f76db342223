package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger() *Ledger {
	return New(NewMemoryStore())
}

func credit(t *testing.T, l *Ledger, owner, amount, key string) *Entry {
	t.Helper()
	e, err := l.Credit(context.Background(), MovementParams{
		OwnerID:        owner,
		Amount:         amount,
		Currency:       "GHS",
		Kind:           KindEscrowRelease,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return e
}

func TestCredit_CreatesWalletLazily(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	credit(t, l, "user-1", "100.00", "k1")

	w, err := l.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "100.00", w.Balance)
	assert.Equal(t, "GHS", w.Currency)
}

func TestCredit_ReplayDoesNotDoubleApply(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	first := credit(t, l, "user-1", "50.00", "k1")
	second := credit(t, l, "user-1", "50.00", "k1")

	assert.Equal(t, first.ID, second.ID, "replay must return the original entry")

	w, _ := l.GetWallet(ctx, "user-1")
	assert.Equal(t, "50.00", w.Balance)
}

func TestDebit_InsufficientFunds(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	credit(t, l, "user-1", "10.00", "k1")

	_, err := l.Debit(ctx, MovementParams{
		OwnerID:        "user-1",
		Amount:         "10.01",
		Currency:       "GHS",
		Kind:           KindWithdrawRequest,
		IdempotencyKey: "k2",
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Balance unchanged, no partial application.
	w, _ := l.GetWallet(ctx, "user-1")
	assert.Equal(t, "10.00", w.Balance)
}

func TestDebit_CurrencyMismatch(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	credit(t, l, "user-1", "10.00", "k1")

	_, err := l.Debit(ctx, MovementParams{
		OwnerID:        "user-1",
		Amount:         "1.00",
		Currency:       "USD",
		Kind:           KindWithdrawRequest,
		IdempotencyKey: "k2",
	})
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestValidation_RejectedBeforeStore(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, MovementParams{OwnerID: "u", Amount: "-1", Currency: "GHS", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Credit(ctx, MovementParams{OwnerID: "u", Amount: "1.00", Currency: "XXX", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrInvalidCurrency)

	_, err = l.Credit(ctx, MovementParams{OwnerID: "u", Amount: "1.00", Currency: "GHS"})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestConcurrentSameKey_AppliesOnce(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Credit(ctx, MovementParams{
				OwnerID:        "user-1",
				Amount:         "5.00",
				Currency:       "GHS",
				Kind:           KindReferralCredit,
				IdempotencyKey: "same-key",
			})
		}()
	}
	wg.Wait()

	w, _ := l.GetWallet(ctx, "user-1")
	assert.Equal(t, "5.00", w.Balance, "same key must apply exactly once")
}

func TestBalanceEqualsEntrySum(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	credit(t, l, "user-1", "100.00", "c1")
	credit(t, l, "user-1", "25.50", "c2")
	_, err := l.Debit(ctx, MovementParams{
		OwnerID: "user-1", Amount: "30.00", Currency: "GHS",
		Kind: KindWithdrawRequest, IdempotencyKey: "d1",
	})
	require.NoError(t, err)

	diff, ok, err := l.CheckDrift(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0.00", diff)

	w, _ := l.GetWallet(ctx, "user-1")
	assert.Equal(t, "95.50", w.Balance)
}

func TestGetWallet_UnknownOwnerIsZeroView(t *testing.T) {
	l := newTestLedger()
	w, err := l.GetWallet(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, "0.00", w.Balance)
}

func TestHistory_NewestFirst(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		credit(t, l, "user-1", "1.00", fmt.Sprintf("k%d", i))
	}

	entries, next, err := l.History(ctx, "user-1", "", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "k4", entries[0].IdempotencyKey)
	assert.NotEmpty(t, next)
}

func TestHistory_CursorWalksAllPages(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		credit(t, l, "user-1", "1.00", fmt.Sprintf("k%d", i))
	}

	var seen []string
	cursor := ""
	for {
		entries, next, err := l.History(ctx, "user-1", cursor, 2)
		require.NoError(t, err)
		for _, e := range entries {
			seen = append(seen, e.IdempotencyKey)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"k4", "k3", "k2", "k1", "k0"}, seen)
}

func TestHistory_RejectsMalformedCursor(t *testing.T) {
	l := newTestLedger()
	_, _, err := l.History(context.Background(), "user-1", "not-a-cursor", 10)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}
