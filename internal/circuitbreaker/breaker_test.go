package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tripKey(b *Breaker, key string, failures int) {
	for i := 0; i < failures; i++ {
		b.RecordFailure(key)
	}
}

func TestBreakerClosedAllows(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	assert.True(t, b.Allow("paystack"))
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	tripKey(b, "paystack", 2)
	assert.True(t, b.Allow("paystack"), "below threshold stays closed")

	b.RecordFailure("paystack")
	assert.False(t, b.Allow("paystack"))
	assert.Equal(t, StateOpen, b.State("paystack"))
}

func TestBreakerHalfOpenAllowsOneProbe(t *testing.T) {
	b := New(2, 50*time.Millisecond)
	tripKey(b, "paystack", 2)
	require.False(t, b.Allow("paystack"))

	time.Sleep(60 * time.Millisecond)

	assert.True(t, b.Allow("paystack"), "probe after open window")
	assert.Equal(t, StateHalfOpen, b.State("paystack"))
	assert.False(t, b.Allow("paystack"), "only one in-flight probe")
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)
	tripKey(b, "paystack", 2)
	time.Sleep(60 * time.Millisecond)
	b.Allow("paystack")

	b.RecordSuccess("paystack")
	assert.Equal(t, StateClosed, b.State("paystack"))
	assert.True(t, b.Allow("paystack"))
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)
	tripKey(b, "paystack", 2)
	time.Sleep(60 * time.Millisecond)
	b.Allow("paystack")

	b.RecordFailure("paystack")
	assert.Equal(t, StateOpen, b.State("paystack"))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	tripKey(b, "paystack", 2)
	b.RecordSuccess("paystack")
	b.RecordFailure("paystack")

	assert.True(t, b.Allow("paystack"), "counter reset by success")
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	tripKey(b, "paystack", 2)

	assert.False(t, b.Allow("paystack"))
	assert.True(t, b.Allow("flutterwave"), "one failing provider must not block another")
}

func TestBreakerUnknownKeyIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	assert.Equal(t, StateClosed, b.State("stripe"))
}

func TestBreakerTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	tripKey(b, "paystack", 2)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 1)
	assert.Equal(t, StateClosed, transitions[0].from)
	assert.Equal(t, StateOpen, transitions[0].to)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
