package alerts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFireDeduplicatesWhileUnresolved(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	a1, err := svc.Fire(ctx, "stuck_escrow", "esc_1", SeverityWarning, "held for 14d")
	require.NoError(t, err)
	assert.Equal(t, 1, a1.Count)

	a2, err := svc.Fire(ctx, "stuck_escrow", "esc_1", SeverityCritical, "held for 21d")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, a2.ID)
	assert.Equal(t, 2, a2.Count)
	assert.Equal(t, SeverityCritical, a2.Severity)
	assert.Equal(t, "held for 21d", a2.Message)

	list, err := svc.List(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestFireAfterResolveCreatesFreshAlert(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	a1, err := svc.Fire(ctx, "task_failing", "auto_release", SeverityWarning, "3 consecutive failures")
	require.NoError(t, err)
	require.NoError(t, svc.Resolve(ctx, a1.ID))

	a2, err := svc.Fire(ctx, "task_failing", "auto_release", SeverityWarning, "failing again")
	require.NoError(t, err)
	assert.NotEqual(t, a1.ID, a2.ID)
	assert.Equal(t, 1, a2.Count)

	all, err := svc.List(ctx, true, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := svc.List(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, a2.ID, open[0].ID)
}

func TestResolveUnknownAlert(t *testing.T) {
	svc := NewService(NewMemoryStore())
	err := svc.Resolve(context.Background(), "alrt_missing")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestResolveByKeyClearsCondition(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Fire(ctx, "ledger_drift", "buyer_1", SeverityCritical, "balance drift 0.05")
	require.NoError(t, err)

	// Resolving a key with no open alert is a no-op, not an error.
	require.NoError(t, svc.ResolveByKey(ctx, "ledger_drift", "buyer_2"))
	require.NoError(t, svc.ResolveByKey(ctx, "ledger_drift", "buyer_1"))

	open, err := svc.List(ctx, false, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}
