package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/sikafo/trustpay/internal/idgen"
	"github.com/sikafo/trustpay/internal/money"
)

// PayoutStatus tracks a withdrawal request's lifecycle. Settlement with the
// money-transfer operator happens outside this core; only the wallet debit
// is owned here.
type PayoutStatus string

const (
	PayoutRequested PayoutStatus = "requested"
	PayoutPaid      PayoutStatus = "paid"
	PayoutRejected  PayoutStatus = "rejected"
)

// Payout is a withdrawal request. The wallet debit and the payout row are
// written in one transaction, keyed by the caller's idempotency key.
type Payout struct {
	ID             string       `json:"id"`
	OwnerID        string       `json:"ownerId"`
	Amount         string       `json:"amount"`
	Currency       string       `json:"currency"`
	Destination    string       `json:"destination"` // mobile-money number or bank reference
	Status         PayoutStatus `json:"status"`
	IdempotencyKey string       `json:"idempotencyKey"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// PayoutRequest holds the parameters for requesting a payout.
type PayoutRequest struct {
	OwnerID        string `json:"ownerId"`
	Amount         string `json:"amount" binding:"required"`
	Currency       string `json:"currency"`
	Destination    string `json:"destination" binding:"required"`
	IdempotencyKey string `json:"-"`
}

// RequestPayout debits the wallet and records the payout atomically.
// A reused idempotency key returns the original payout record and does
// not debit the wallet again.
func (l *Ledger) RequestPayout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.Currency == "" {
		req.Currency = "GHS"
	}
	if req.OwnerID == "" {
		return nil, ErrWalletNotFound
	}
	if !money.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}
	if !money.ValidCurrency(req.Currency) {
		return nil, ErrInvalidCurrency
	}
	if req.IdempotencyKey == "" {
		return nil, ErrInvalidKey
	}

	p := &Payout{
		ID:             idgen.WithPrefix("po_"),
		OwnerID:        req.OwnerID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Destination:    req.Destination,
		Status:         PayoutRequested,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now(),
	}

	stored, applied, err := l.store.CreatePayout(ctx, p)
	if err != nil {
		return nil, err
	}
	if applied {
		recordMovement(DirectionDebit, KindWithdrawRequest, true)
	}
	return stored, nil
}

// ListPayouts returns the owner's most recent payout requests.
func (l *Ledger) ListPayouts(ctx context.Context, ownerID string, limit int) ([]*Payout, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListPayouts(ctx, ownerID, limit)
}
