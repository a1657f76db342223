package escrow

import (
	"context"
	"time"
)

// Store persists escrow transactions. Implementations must row-lock a
// transaction before mutating it and must go through CanTransition for
// every status change.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)

	// ListByReference returns every leg funding ("job", jobID) or
	// ("order", orderID), oldest first.
	ListByReference(ctx context.Context, refType, refID string) ([]*Transaction, error)

	// FindOpenByReference returns legs still in pending_payment for a
	// reference, used for deposit idempotency.
	FindOpenByReference(ctx context.Context, refType, refID string) ([]*Transaction, error)

	// Transition locks the row, validates the move, applies mutate (may
	// be nil) and persists. Returns *TransitionError on a forbidden move.
	Transition(ctx context.Context, id string, to Status, mutate func(*Transaction)) (*Transaction, error)

	// ConfirmByProviderRef moves every leg matching (provider, reference)
	// that is still pending_payment or failed to held, in one database
	// transaction. Already-held legs are skipped, so duplicate
	// confirmations are no-ops. Returns the legs it transitioned.
	ConfirmByProviderRef(ctx context.Context, providerName, reference string) ([]*Transaction, error)

	// UpdateProviderSession records the gateway session opened for a
	// deposit without touching status.
	UpdateProviderSession(ctx context.Context, id, providerName, providerRef, authURL string) error

	// ListAged returns transactions in the given status last updated
	// before the cutoff, oldest first. Reconciliation sweeps feed on it.
	ListAged(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]*Transaction, error)

	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Transaction, error)
}
