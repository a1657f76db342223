package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/sikafo/trustpay/internal/idgen"
	"github.com/sikafo/trustpay/internal/money"
	"github.com/sikafo/trustpay/internal/pagination"
)

// MemoryStore implements Store in memory for demo mode and unit tests.
// Balances are kept as big.Int in smallest units to mirror the NUMERIC
// arithmetic of the Postgres store.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*memWallet // by owner id
	byKey   map[string]*Entry     // owner + "\x00" + idempotency key
	entries map[string][]*Entry   // by owner id, newest last
	payouts map[string][]*Payout  // by owner id, newest last
}

type memWallet struct {
	wallet  Wallet
	balance *big.Int
}

// NewMemoryStore creates an in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*memWallet),
		byKey:   make(map[string]*Entry),
		entries: make(map[string][]*Entry),
		payouts: make(map[string][]*Payout),
	}
}

func keyOf(ownerID, idemKey string) string { return ownerID + "\x00" + idemKey }

func (m *MemoryStore) walletFor(ownerID, currency string) (*memWallet, error) {
	w, ok := m.wallets[ownerID]
	if !ok {
		now := time.Now()
		w = &memWallet{
			wallet: Wallet{
				ID:        idgen.WithPrefix("wal_"),
				OwnerID:   ownerID,
				Currency:  currency,
				CreatedAt: now,
				UpdatedAt: now,
			},
			balance: big.NewInt(0),
		}
		m.wallets[ownerID] = w
	}
	if w.wallet.Currency != currency {
		return nil, ErrCurrencyMismatch
	}
	return w, nil
}

func (m *MemoryStore) apply(dir Direction, p MovementParams) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(dir, p)
}

// applyLocked is apply for callers already holding m.mu, so compound
// operations like CreatePayout stay atomic.
func (m *MemoryStore) applyLocked(dir Direction, p MovementParams) (*Entry, bool, error) {
	if existing, ok := m.byKey[keyOf(p.OwnerID, p.IdempotencyKey)]; ok {
		cp := *existing
		return &cp, false, nil
	}

	w, err := m.walletFor(p.OwnerID, p.Currency)
	if err != nil {
		return nil, false, err
	}

	amt, _ := money.Parse(p.Amount)
	if dir == DirectionDebit && w.balance.Cmp(amt) < 0 {
		return nil, false, ErrInsufficientFunds
	}

	e := &Entry{
		ID:             idgen.WithPrefix("le_"),
		WalletID:       w.wallet.ID,
		OwnerID:        p.OwnerID,
		Direction:      dir,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Kind:           p.Kind,
		RefType:        p.RefType,
		RefID:          p.RefID,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       p.Metadata,
		CreatedAt:      time.Now(),
	}

	if dir == DirectionCredit {
		w.balance.Add(w.balance, amt)
	} else {
		w.balance.Sub(w.balance, amt)
	}
	w.wallet.Balance = money.Format(w.balance)
	w.wallet.UpdatedAt = e.CreatedAt

	m.byKey[keyOf(p.OwnerID, p.IdempotencyKey)] = e
	m.entries[p.OwnerID] = append(m.entries[p.OwnerID], e)

	cp := *e
	return &cp, true, nil
}

func (m *MemoryStore) Credit(_ context.Context, p MovementParams) (*Entry, bool, error) {
	return m.apply(DirectionCredit, p)
}

func (m *MemoryStore) Debit(_ context.Context, p MovementParams) (*Entry, bool, error) {
	return m.apply(DirectionDebit, p)
}

func (m *MemoryStore) GetWallet(_ context.Context, ownerID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[ownerID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := w.wallet
	cp.Balance = money.Format(w.balance)
	return &cp, nil
}

func (m *MemoryStore) FindEntry(_ context.Context, ownerID, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byKey[keyOf(ownerID, key)]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, ErrEntryNotFound
}

func (m *MemoryStore) History(_ context.Context, ownerID string, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Entries append in creation order, so the cursor ID pins the exact
	// resume position even when neighboring timestamps collide.
	all := m.entries[ownerID]
	start := len(all) - 1
	if cursor != nil {
		start = -1
		for i := len(all) - 1; i >= 0; i-- {
			if all[i].ID == cursor.ID {
				start = i - 1
				break
			}
		}
	}
	var result []*Entry
	for i := start; i >= 0 && len(result) < limit; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) SumEntries(_ context.Context, ownerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := big.NewInt(0)
	for _, e := range m.entries[ownerID] {
		amt, _ := money.Parse(e.Amount)
		if e.Direction == DirectionCredit {
			sum.Add(sum, amt)
		} else {
			sum.Sub(sum, amt)
		}
	}
	return money.Format(sum), nil
}

func (m *MemoryStore) ListWallets(_ context.Context, limit int) ([]*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Wallet
	for _, w := range m.wallets {
		cp := w.wallet
		cp.Balance = money.Format(w.balance)
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CreatePayout(_ context.Context, po *Payout) (*Payout, bool, error) {
	// The dedup check, the debit, and the payout append happen under
	// one lock so a concurrent same-key call never observes the entry
	// without the payout.
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.payouts[po.OwnerID] {
		if existing.IdempotencyKey == po.IdempotencyKey {
			cp := *existing
			return &cp, false, nil
		}
	}

	_, applied, err := m.applyLocked(DirectionDebit, MovementParams{
		OwnerID:        po.OwnerID,
		Amount:         po.Amount,
		Currency:       po.Currency,
		Kind:           KindWithdrawRequest,
		IdempotencyKey: po.IdempotencyKey,
		RefType:        "payout",
		RefID:          po.ID,
	})
	if err != nil {
		return nil, false, err
	}
	if !applied {
		// The key was consumed by a non-payout movement.
		return nil, false, ErrPayoutNotFound
	}

	cp := *po
	m.payouts[po.OwnerID] = append(m.payouts[po.OwnerID], &cp)

	out := cp
	return &out, true, nil
}

func (m *MemoryStore) FindPayoutByKey(_ context.Context, ownerID, key string) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, po := range m.payouts[ownerID] {
		if po.IdempotencyKey == key {
			cp := *po
			return &cp, nil
		}
	}
	return nil, ErrPayoutNotFound
}

func (m *MemoryStore) ListPayouts(_ context.Context, ownerID string, limit int) ([]*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.payouts[ownerID]
	var result []*Payout
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
