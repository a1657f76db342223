// Package provider abstracts external payment gateways behind a single
// interface. One implementation per gateway, selected at construction
// time through the Registry, never by string branching at call sites.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured indicates the requested provider has no credentials.
// Callers should treat this as a configuration error, not an upstream one.
var ErrNotConfigured = errors.New("payment provider not configured")

// Error is a transient upstream failure from a payment gateway. Escrow
// transactions hit by one stay retriable rather than terminal.
type Error struct {
	Provider string
	Op       string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s failed (status %d): %s", e.Provider, e.Op, e.Status, e.Message)
}

// InitParams describes a payment session to open with a gateway.
type InitParams struct {
	Reference   string // our escrow reference, echoed back by the gateway
	Amount      string // major units, e.g. "100.00"
	Currency    string
	Email       string
	CallbackURL string
}

// InitResult is the gateway's answer to Initialize. The buyer is sent to
// AuthorizationURL to complete payment.
type InitResult struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorizationUrl"`
	AccessCode       string `json:"accessCode,omitempty"`
}

// VerifyResult is the gateway's view of a payment after the fact.
type VerifyResult struct {
	Reference string `json:"reference"`
	Paid      bool   `json:"paid"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	RawStatus string `json:"rawStatus"`
}

// WebhookEvent is a parsed, normalized gateway callback.
type WebhookEvent struct {
	Provider  string `json:"provider"`
	EventID   string `json:"eventId"`
	Type      string `json:"type"`
	Reference string `json:"reference"`
	Paid      bool   `json:"paid"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

// Provider is one payment gateway.
type Provider interface {
	Name() string

	// Initialize opens a payment session for the given reference.
	Initialize(ctx context.Context, params InitParams) (*InitResult, error)

	// Verify polls the gateway for the state of a reference.
	Verify(ctx context.Context, reference string) (*VerifyResult, error)

	// VerifyWebhookSignature checks the gateway's signature over the raw
	// request body. Unverifiable payloads must be rejected before parsing.
	VerifyWebhookSignature(body []byte, signature string) bool

	// ParseWebhook normalizes a verified callback body.
	ParseWebhook(body []byte) (*WebhookEvent, error)
}

// Registry holds the configured providers.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

// NewRegistry builds a registry from the given providers. Nil entries are
// skipped so unconfigured gateways simply stay absent.
func NewRegistry(defaultName string, providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider), defaultName: defaultName}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

// Get returns the named provider, or the default when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, name)
	}
	return p, nil
}

// Names lists the configured provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
