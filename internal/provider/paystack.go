package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sikafo/trustpay/internal/money"
)

const paystackBaseURL = "https://api.paystack.co"

// Paystack talks to the Paystack REST API. Amounts cross the wire in
// pesewas (minor units); webhook signatures are HMAC-SHA512 of the raw
// body under the secret key, sent in x-paystack-signature.
type Paystack struct {
	secret  string
	baseURL string
	client  *http.Client
}

// NewPaystack creates a Paystack provider. Callers should only construct
// one when a secret is configured.
func NewPaystack(secret string) *Paystack {
	return &Paystack{
		secret:  secret,
		baseURL: paystackBaseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *Paystack) Name() string { return "paystack" }

func (p *Paystack) Initialize(ctx context.Context, params InitParams) (*InitResult, error) {
	minor, ok := money.Parse(params.Amount)
	if !ok {
		return nil, &Error{Provider: p.Name(), Op: "initialize", Message: "invalid amount " + params.Amount}
	}

	payload, _ := json.Marshal(map[string]any{
		"reference":    params.Reference,
		"amount":       minor.Int64(),
		"currency":     params.Currency,
		"email":        params.Email,
		"callback_url": params.CallbackURL,
	})

	var resp struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
		Data    struct {
			AuthorizationURL string `json:"authorization_url"`
			AccessCode       string `json:"access_code"`
			Reference        string `json:"reference"`
		} `json:"data"`
	}
	if err := p.do(ctx, http.MethodPost, "/transaction/initialize", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, &Error{Provider: p.Name(), Op: "initialize", Message: resp.Message}
	}
	return &InitResult{
		Reference:        resp.Data.Reference,
		AuthorizationURL: resp.Data.AuthorizationURL,
		AccessCode:       resp.Data.AccessCode,
	}, nil
}

func (p *Paystack) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	var resp struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
		Data    struct {
			Reference string `json:"reference"`
			Status    string `json:"status"`
			Amount    int64  `json:"amount"`
			Currency  string `json:"currency"`
		} `json:"data"`
	}
	if err := p.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, &Error{Provider: p.Name(), Op: "verify", Message: resp.Message}
	}
	return &VerifyResult{
		Reference: resp.Data.Reference,
		Paid:      resp.Data.Status == "success",
		Amount:    minorToMajor(resp.Data.Amount),
		Currency:  resp.Data.Currency,
		RawStatus: resp.Data.Status,
	}, nil
}

func (p *Paystack) VerifyWebhookSignature(body []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(p.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return signature != "" && hmac.Equal([]byte(expected), []byte(signature))
}

func (p *Paystack) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var payload struct {
		Event string `json:"event"`
		Data  struct {
			ID        int64  `json:"id"`
			Reference string `json:"reference"`
			Status    string `json:"status"`
			Amount    int64  `json:"amount"`
			Currency  string `json:"currency"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("paystack webhook: %w", err)
	}
	if payload.Event == "" || payload.Data.Reference == "" {
		return nil, fmt.Errorf("paystack webhook: missing event or reference")
	}
	return &WebhookEvent{
		Provider:  p.Name(),
		EventID:   fmt.Sprintf("%d:%s", payload.Data.ID, payload.Event),
		Type:      payload.Event,
		Reference: payload.Data.Reference,
		Paid:      payload.Event == "charge.success" && payload.Data.Status == "success",
		Amount:    minorToMajor(payload.Data.Amount),
		Currency:  payload.Data.Currency,
	}, nil
}

func (p *Paystack) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return &Error{Provider: p.Name(), Op: method + " " + path, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+p.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return &Error{Provider: p.Name(), Op: method + " " + path, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Provider: p.Name(), Op: method + " " + path, Status: resp.StatusCode, Message: err.Error()}
	}
	if resp.StatusCode >= 400 {
		return &Error{Provider: p.Name(), Op: method + " " + path, Status: resp.StatusCode, Message: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Provider: p.Name(), Op: method + " " + path, Status: resp.StatusCode, Message: "bad response: " + err.Error()}
	}
	return nil
}

// minorToMajor renders an amount in minor units as a 2-decimal string.
func minorToMajor(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

var _ Provider = (*Paystack)(nil)
