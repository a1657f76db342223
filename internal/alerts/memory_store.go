package alerts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sikafo/trustpay/internal/idgen"
)

// MemoryStore is an in-memory alert store for tests and DB-less runs.
type MemoryStore struct {
	mu     sync.Mutex
	alerts []*Alert
}

// NewMemoryStore creates an in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Fire(_ context.Context, alertType, key string, severity Severity, message string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, a := range m.alerts {
		if !a.Resolved && a.Type == alertType && a.Key == key {
			a.Count++
			a.Severity = severity
			a.Message = message
			a.LastSeenAt = now
			cp := *a
			return &cp, nil
		}
	}
	a := &Alert{
		ID:         idgen.WithPrefix("alrt_"),
		Type:       alertType,
		Key:        key,
		Severity:   severity,
		Message:    message,
		Count:      1,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	m.alerts = append(m.alerts, a)
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.alerts {
		if a.ID == id && !a.Resolved {
			now := time.Now().UTC()
			a.Resolved = true
			a.ResolvedAt = &now
			return nil
		}
	}
	return ErrAlertNotFound
}

func (m *MemoryStore) ResolveByKey(_ context.Context, alertType, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.alerts {
		if !a.Resolved && a.Type == alertType && a.Key == key {
			now := time.Now().UTC()
			a.Resolved = true
			a.ResolvedAt = &now
		}
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, includeResolved bool, limit int) ([]*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Alert
	for _, a := range m.alerts {
		if !includeResolved && a.Resolved {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastSeenAt.After(result[j].LastSeenAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
