package provider

import (
	"context"

	"github.com/sikafo/trustpay/internal/circuitbreaker"
)

// ErrCircuitOpen is returned when a gateway's circuit is open and the
// call was rejected without reaching the network.
type ErrCircuitOpen struct {
	ProviderName string
}

func (e *ErrCircuitOpen) Error() string {
	return "payment provider " + e.ProviderName + " is temporarily unavailable"
}

// guarded wraps a Provider with a circuit breaker keyed by provider
// name. Only the network-bound calls are guarded; signature checks and
// payload parsing are local and always pass through.
type guarded struct {
	Provider
	breaker *circuitbreaker.Breaker
}

// WithBreaker returns p guarded by b. A gateway that keeps failing
// stops being called until the breaker's open window elapses.
func WithBreaker(p Provider, b *circuitbreaker.Breaker) Provider {
	if b == nil {
		return p
	}
	return &guarded{Provider: p, breaker: b}
}

func (g *guarded) Initialize(ctx context.Context, params InitParams) (*InitResult, error) {
	if !g.breaker.Allow(g.Name()) {
		return nil, &ErrCircuitOpen{ProviderName: g.Name()}
	}
	res, err := g.Provider.Initialize(ctx, params)
	g.record(err)
	return res, err
}

func (g *guarded) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	if !g.breaker.Allow(g.Name()) {
		return nil, &ErrCircuitOpen{ProviderName: g.Name()}
	}
	res, err := g.Provider.Verify(ctx, reference)
	g.record(err)
	return res, err
}

func (g *guarded) record(err error) {
	if err != nil {
		g.breaker.RecordFailure(g.Name())
		return
	}
	g.breaker.RecordSuccess(g.Name())
}
