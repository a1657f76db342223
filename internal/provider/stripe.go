package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/sikafo/trustpay/internal/money"
)

// Stripe wraps the official stripe-go client. Deposits open a Checkout
// Session carrying our reference as ClientReferenceID; confirmation
// arrives as checkout.session.completed.
type Stripe struct {
	webhookSecret string
	api           *client.API
}

// NewStripe creates a Stripe provider. Callers should only construct one
// when a secret is configured.
func NewStripe(secret, webhookSecret string) *Stripe {
	api := &client.API{}
	api.Init(secret, nil)
	return &Stripe{webhookSecret: webhookSecret, api: api}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) Initialize(ctx context.Context, params InitParams) (*InitResult, error) {
	minor, ok := money.Parse(params.Amount)
	if !ok {
		return nil, &Error{Provider: s.Name(), Op: "initialize", Message: "invalid amount " + params.Amount}
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Params:             stripe.Params{Context: ctx},
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID:  stripe.String(params.Reference),
		CustomerEmail:      stripe.String(params.Email),
		SuccessURL:         stripe.String(params.CallbackURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(params.Currency)),
				UnitAmount: stripe.Int64(minor.Int64()),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Escrow deposit " + params.Reference),
				},
			},
		}},
	}
	sessionParams.AddMetadata("reference", params.Reference)

	session, err := s.api.CheckoutSessions.New(sessionParams)
	if err != nil {
		return nil, s.wrap("initialize", err)
	}
	return &InitResult{
		Reference:        params.Reference,
		AuthorizationURL: session.URL,
		AccessCode:       session.ID,
	}, nil
}

func (s *Stripe) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	searchParams := &stripe.PaymentIntentSearchParams{
		SearchParams: stripe.SearchParams{
			Context: ctx,
			Query:   fmt.Sprintf("metadata['reference']:'%s'", reference),
		},
	}
	iter := s.api.PaymentIntents.Search(searchParams)
	for iter.Next() {
		pi := iter.PaymentIntent()
		return &VerifyResult{
			Reference: reference,
			Paid:      pi.Status == stripe.PaymentIntentStatusSucceeded,
			Amount:    minorToMajor(pi.Amount),
			Currency:  strings.ToUpper(string(pi.Currency)),
			RawStatus: string(pi.Status),
		}, nil
	}
	if err := iter.Err(); err != nil {
		return nil, s.wrap("verify", err)
	}
	return &VerifyResult{Reference: reference, Paid: false, RawStatus: "not_found"}, nil
}

func (s *Stripe) VerifyWebhookSignature(body []byte, signature string) bool {
	if s.webhookSecret == "" || signature == "" {
		return false
	}
	_, err := webhook.ConstructEventWithOptions(body, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	return err == nil
}

func (s *Stripe) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("stripe webhook: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("stripe webhook: missing event id or type")
	}

	evt := &WebhookEvent{
		Provider: s.Name(),
		EventID:  event.ID,
		Type:     string(event.Type),
	}
	if event.Type == "checkout.session.completed" {
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("stripe webhook: %w", err)
		}
		evt.Reference = session.ClientReferenceID
		evt.Paid = session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
		evt.Amount = minorToMajor(session.AmountTotal)
		evt.Currency = strings.ToUpper(string(session.Currency))
	}
	return evt, nil
}

func (s *Stripe) wrap(op string, err error) error {
	if stripeErr, ok := err.(*stripe.Error); ok {
		return &Error{Provider: s.Name(), Op: op, Status: stripeErr.HTTPStatusCode, Message: stripeErr.Msg}
	}
	return &Error{Provider: s.Name(), Op: op, Message: err.Error()}
}

var _ Provider = (*Stripe)(nil)
