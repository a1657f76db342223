package recon

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryJobStore is an in-memory JobStore for tests and local runs.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

var _ JobStore = (*MemoryJobStore)(nil)

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]Job)}
}

func (m *MemoryJobStore) Upsert(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = *job
	return nil
}

func (m *MemoryJobStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := job
	return &cp, nil
}

// MemoryDeliveryStore is an in-memory DeliveryStore.
type MemoryDeliveryStore struct {
	mu         sync.RWMutex
	deliveries map[string]Delivery
}

var _ DeliveryStore = (*MemoryDeliveryStore)(nil)

func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{deliveries: make(map[string]Delivery)}
}

func (m *MemoryDeliveryStore) Upsert(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.UpdatedAt = time.Now().UTC()
	m.deliveries[d.ID] = *d
	return nil
}

func (m *MemoryDeliveryStore) Get(_ context.Context, id string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	cp := d
	return &cp, nil
}

func (m *MemoryDeliveryStore) GetByOrder(_ context.Context, orderID string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.deliveries {
		if d.OrderID == orderID {
			cp := d
			return &cp, nil
		}
	}
	return nil, ErrDeliveryNotFound
}

func (m *MemoryDeliveryStore) ListDeliveredBefore(_ context.Context, cutoff time.Time, limit int) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Delivery
	for _, d := range m.deliveries {
		if d.Status != DeliveryDelivered || d.DeliveredAt == nil || !d.DeliveredAt.Before(cutoff) {
			continue
		}
		cp := d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliveredAt.Before(*out[j].DeliveredAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDeliveryStore) MarkConfirmed(_ context.Context, id string, auto bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Status != DeliveryDelivered {
		return ErrDeliveryNotFound
	}
	d.Status = DeliveryConfirmed
	d.ConfirmedAt = &at
	d.AutoConfirmed = auto
	d.UpdatedAt = at
	m.deliveries[id] = d
	return nil
}
