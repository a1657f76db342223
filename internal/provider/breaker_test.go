package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sikafo/trustpay/internal/circuitbreaker"
)

// flakyProvider fails network calls until told otherwise.
type flakyProvider struct {
	failing bool
	calls   int
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) Initialize(_ context.Context, params InitParams) (*InitResult, error) {
	f.calls++
	if f.failing {
		return nil, errors.New("gateway down")
	}
	return &InitResult{Reference: params.Reference}, nil
}

func (f *flakyProvider) Verify(_ context.Context, reference string) (*VerifyResult, error) {
	f.calls++
	if f.failing {
		return nil, errors.New("gateway down")
	}
	return &VerifyResult{Reference: reference, Paid: true}, nil
}

func (f *flakyProvider) VerifyWebhookSignature([]byte, string) bool { return true }

func (f *flakyProvider) ParseWebhook([]byte) (*WebhookEvent, error) {
	return &WebhookEvent{Provider: "flaky"}, nil
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyProvider{failing: true}
	p := WithBreaker(inner, circuitbreaker.New(3, time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.Initialize(ctx, InitParams{Reference: "r"})
		require.Error(t, err)
	}

	// Circuit is open now; the gateway is no longer called.
	before := inner.calls
	_, err := p.Verify(ctx, "r")
	var open *ErrCircuitOpen
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "flaky", open.ProviderName)
	assert.Equal(t, before, inner.calls)
}

func TestBreakerRecovers(t *testing.T) {
	inner := &flakyProvider{failing: true}
	p := WithBreaker(inner, circuitbreaker.New(2, 10*time.Millisecond))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = p.Verify(ctx, "r")
	}
	_, err := p.Verify(ctx, "r")
	var open *ErrCircuitOpen
	require.ErrorAs(t, err, &open)

	// After the open window a probe goes through and closes the circuit.
	inner.failing = false
	time.Sleep(20 * time.Millisecond)
	res, err := p.Verify(ctx, "r")
	require.NoError(t, err)
	assert.True(t, res.Paid)

	_, err = p.Initialize(ctx, InitParams{Reference: "r"})
	assert.NoError(t, err)
}

func TestBreakerDoesNotGuardLocalCalls(t *testing.T) {
	inner := &flakyProvider{failing: true}
	p := WithBreaker(inner, circuitbreaker.New(1, time.Minute))

	_, _ = p.Verify(context.Background(), "r")

	// Parsing and signature checks stay available while the circuit is open.
	assert.True(t, p.VerifyWebhookSignature(nil, ""))
	ev, err := p.ParseWebhook(nil)
	require.NoError(t, err)
	assert.Equal(t, "flaky", ev.Provider)
}
