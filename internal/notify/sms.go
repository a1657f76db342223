package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sikafo/trustpay/internal/retry"
)

// smsKinds are the notification kinds worth an SMS. Everything else
// stays on the cheaper channels.
var smsKinds = map[string]bool{
	"escrow_released": true,
	"escrow_refunded": true,
	"dispute_opened":  true,
}

// SMSSink posts to an HTTP SMS gateway. Only money-moving kinds are
// forwarded, and recipients are addressed by user ID; the gateway owns
// the phone-number lookup.
type SMSSink struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

var _ Sink = (*SMSSink)(nil)

func NewSMSSink(endpoint, apiKey string) *SMSSink {
	return &SMSSink{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SMSSink) Name() string { return "sms" }

func (s *SMSSink) Deliver(ctx context.Context, n Notification) error {
	if !smsKinds[n.Kind] {
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"recipient": n.UserID,
		"message":   n.Message,
	})
	if err != nil {
		return fmt.Errorf("encoding sms: %w", err)
	}

	// Transient gateway trouble gets retried; a 4xx means the request
	// itself is bad and repeating it won't help.
	return retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return s.send(ctx, body)
	})
}

func (s *SMSSink) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("building sms request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending sms: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("sms gateway returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return retry.Permanent(fmt.Errorf("sms gateway returned %d", resp.StatusCode))
	}
	return nil
}
