package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for tests and DB-less runs.
type MemoryStore struct {
	mu  sync.Mutex
	txs map[string]*Transaction
}

// NewMemoryStore creates an in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	cp := *tx
	m.txs[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) ListByReference(_ context.Context, refType, refID string) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.ReferenceType == refType && tx.ReferenceID == refID {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sortByCreated(result)
	return result, nil
}

func (m *MemoryStore) FindOpenByReference(_ context.Context, refType, refID string) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.ReferenceType == refType && tx.ReferenceID == refID && tx.Status == StatusPendingPayment {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sortByCreated(result)
	return result, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to Status, mutate func(*Transaction)) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := CanTransition(tx.ID, tx.Status, to); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(tx)
	}
	now := time.Now().UTC()
	tx.Status = to
	tx.UpdatedAt = now
	if to == StatusHeld && tx.HeldAt == nil {
		tx.HeldAt = &now
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) ConfirmByProviderRef(_ context.Context, providerName, reference string) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var moved []*Transaction
	now := time.Now().UTC()
	for _, tx := range m.txs {
		if tx.Provider != providerName || tx.ProviderRef != reference {
			continue
		}
		if tx.Status != StatusPendingPayment && tx.Status != StatusFailed {
			continue
		}
		tx.Status = StatusHeld
		tx.UpdatedAt = now
		if tx.HeldAt == nil {
			tx.HeldAt = &now
		}
		cp := *tx
		moved = append(moved, &cp)
	}
	sortByCreated(moved)
	return moved, nil
}

func (m *MemoryStore) UpdateProviderSession(_ context.Context, id, providerName, providerRef, authURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrNotFound
	}
	tx.Provider = providerName
	tx.ProviderRef = providerRef
	tx.AuthorizationURL = authURL
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListAged(_ context.Context, status Status, updatedBefore time.Time, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.Status == status && tx.UpdatedAt.Before(updatedBefore) {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByBuyer(_ context.Context, buyerID string, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.BuyerID == buyerID {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortByCreated(txs []*Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
