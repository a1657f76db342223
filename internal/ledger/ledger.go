// Package ledger is the only component allowed to mutate wallet balances.
//
// Every balance movement is an immutable credit or debit entry keyed by a
// per-owner idempotency key. A wallet's balance always equals the signed
// sum of its entries; the stores enforce this by applying the entry insert
// and the balance update in one row-locked transaction.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sikafo/trustpay/internal/money"
	"github.com/sikafo/trustpay/internal/pagination"
)

var (
	ErrInvalidAmount     = errors.New("amount must be a positive decimal with at most 2 fraction digits")
	ErrInvalidCurrency   = errors.New("unsupported currency")
	ErrInvalidKey        = errors.New("idempotency key is required")
	ErrInvalidCursor     = errors.New("invalid pagination cursor")
	ErrCurrencyMismatch  = errors.New("currency does not match wallet currency")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrEntryNotFound     = errors.New("ledger entry not found")
	ErrPayoutNotFound    = errors.New("payout not found")
)

// Direction of a balance movement.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Kind classifies why money moved.
type Kind string

const (
	KindEscrowRelease   Kind = "escrow_release"
	KindEscrowRefund    Kind = "escrow_refund"
	KindWithdrawRequest Kind = "withdraw_request"
	KindReferralCredit  Kind = "referral_credit"
)

// Wallet holds one user's balance. Created lazily on first credit or debit.
type Wallet struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Balance   string    `json:"balance"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one immutable balance movement.
type Entry struct {
	ID             string            `json:"id"`
	WalletID       string            `json:"walletId"`
	OwnerID        string            `json:"ownerId"`
	Direction      Direction         `json:"direction"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	Kind           Kind              `json:"kind"`
	RefType        string            `json:"refType,omitempty"`
	RefID          string            `json:"refId,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// MovementParams describes one credit or debit.
type MovementParams struct {
	OwnerID        string
	Amount         string
	Currency       string
	Kind           Kind
	IdempotencyKey string
	RefType        string
	RefID          string
	Metadata       map[string]string
}

// Store persists wallets and entries. Implementations must apply the entry
// insert and the balance update atomically, and must treat a duplicate
// (owner, idempotency key) as a replay: return the stored entry, applied=false,
// and leave the balance untouched.
type Store interface {
	Credit(ctx context.Context, p MovementParams) (entry *Entry, applied bool, err error)
	Debit(ctx context.Context, p MovementParams) (entry *Entry, applied bool, err error)
	GetWallet(ctx context.Context, ownerID string) (*Wallet, error)
	FindEntry(ctx context.Context, ownerID, idempotencyKey string) (*Entry, error)
	// History returns entries newest first. A non-nil cursor restricts
	// the page to entries strictly older than (CreatedAt, ID).
	History(ctx context.Context, ownerID string, cursor *pagination.Cursor, limit int) ([]*Entry, error)
	// SumEntries returns the signed sum (credits minus debits) of an
	// owner's entries, for balance-drift detection.
	SumEntries(ctx context.Context, ownerID string) (string, error)
	ListWallets(ctx context.Context, limit int) ([]*Wallet, error)

	CreatePayout(ctx context.Context, p *Payout) (*Payout, bool, error)
	FindPayoutByKey(ctx context.Context, ownerID, idempotencyKey string) (*Payout, error)
	ListPayouts(ctx context.Context, ownerID string, limit int) ([]*Payout, error)
}

// Ledger validates movements before handing them to the store.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

func validate(p *MovementParams) error {
	p.OwnerID = strings.TrimSpace(p.OwnerID)
	p.IdempotencyKey = strings.TrimSpace(p.IdempotencyKey)
	if p.OwnerID == "" {
		return ErrWalletNotFound
	}
	if !money.IsPositive(p.Amount) {
		return ErrInvalidAmount
	}
	if !money.ValidCurrency(p.Currency) {
		return ErrInvalidCurrency
	}
	if p.IdempotencyKey == "" {
		return ErrInvalidKey
	}
	return nil
}

// Credit adds funds to the owner's wallet. A replayed idempotency key
// returns the previously applied entry without touching the balance.
func (l *Ledger) Credit(ctx context.Context, p MovementParams) (*Entry, error) {
	if err := validate(&p); err != nil {
		return nil, err
	}
	entry, applied, err := l.store.Credit(ctx, p)
	if err != nil {
		return nil, err
	}
	recordMovement(DirectionCredit, p.Kind, applied)
	return entry, nil
}

// Debit removes funds from the owner's wallet. Fails with
// ErrInsufficientFunds when the balance cannot cover the amount; a
// replayed key returns the original entry.
func (l *Ledger) Debit(ctx context.Context, p MovementParams) (*Entry, error) {
	if err := validate(&p); err != nil {
		return nil, err
	}
	entry, applied, err := l.store.Debit(ctx, p)
	if err != nil {
		return nil, err
	}
	recordMovement(DirectionDebit, p.Kind, applied)
	return entry, nil
}

// GetWallet returns the owner's wallet, or a zero-balance view if none
// exists yet (wallets are created lazily).
func (l *Ledger) GetWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	w, err := l.store.GetWallet(ctx, ownerID)
	if errors.Is(err, ErrWalletNotFound) {
		return &Wallet{OwnerID: ownerID, Balance: "0.00", Currency: "GHS", UpdatedAt: time.Now()}, nil
	}
	return w, err
}

// History returns one page of the owner's entries, newest first, plus
// an opaque cursor for the next page. An empty cursor starts at the top.
func (l *Ledger) History(ctx context.Context, ownerID, cursor string, limit int) ([]*Entry, string, error) {
	if limit <= 0 {
		limit = 50
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", ErrInvalidCursor
	}
	// Fetch one extra row to learn whether another page exists.
	entries, err := l.store.History(ctx, ownerID, cur, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// CheckDrift compares the wallet balance against the signed entry sum.
// A non-zero diff means the append-only invariant was violated.
func (l *Ledger) CheckDrift(ctx context.Context, ownerID string) (diff string, ok bool, err error) {
	w, err := l.store.GetWallet(ctx, ownerID)
	if errors.Is(err, ErrWalletNotFound) {
		return "0.00", true, nil
	}
	if err != nil {
		return "", false, err
	}
	sum, err := l.store.SumEntries(ctx, ownerID)
	if err != nil {
		return "", false, err
	}
	cmp := money.Cmp(w.Balance, sum)
	if cmp == 0 {
		return "0.00", true, nil
	}
	bal, _ := money.Parse(w.Balance)
	entries, _ := money.Parse(sum)
	return money.Format(bal.Sub(bal, entries)), false, nil
}

// ListWallets returns wallets for reconciliation sweeps.
func (l *Ledger) ListWallets(ctx context.Context, limit int) ([]*Wallet, error) {
	if limit <= 0 {
		limit = 500
	}
	return l.store.ListWallets(ctx, limit)
}
