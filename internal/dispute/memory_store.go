package dispute

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for tests and DB-less runs.
type MemoryStore struct {
	mu       sync.Mutex
	disputes map[string]*Dispute
}

// NewMemoryStore creates an in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.EscrowID == d.EscrowID && existing.Status.Active() {
			return fmt.Errorf("%w: %s", ErrActiveExists, d.EscrowID)
		}
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	cp := cloneDispute(d)
	m.disputes[d.ID] = cp
	return nil
}

func (m *MemoryStore) Update(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; !ok {
		return ErrNotFound
	}
	d.UpdatedAt = time.Now().UTC()
	m.disputes[d.ID] = cloneDispute(d)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDispute(d), nil
}

func (m *MemoryStore) FindActiveByEscrow(_ context.Context, escrowID string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.disputes {
		if d.EscrowID == escrowID && d.Status.Active() {
			return cloneDispute(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if status != "" && d.Status != status {
			continue
		}
		result = append(result, cloneDispute(d))
	}
	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByRaiser(_ context.Context, raiserID string, limit int) ([]*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.RaiserID == raiserID {
			result = append(result, cloneDispute(d))
		}
	}
	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneDispute(d *Dispute) *Dispute {
	cp := *d
	cp.Evidence = append([]string(nil), d.Evidence...)
	return &cp
}

func sortNewestFirst(ds []*Dispute) {
	sort.Slice(ds, func(i, j int) bool {
		return ds[i].CreatedAt.After(ds[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
