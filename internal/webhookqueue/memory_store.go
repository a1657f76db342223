package webhookqueue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sikafo/trustpay/internal/idgen"
)

// MemoryStore is an in-memory queue store for tests and DB-less runs.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item // provider + "\x00" + eventID
}

// NewMemoryStore creates an in-memory queue store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

func itemKey(provider, eventID string) string {
	return provider + "\x00" + eventID
}

func (m *MemoryStore) Upsert(_ context.Context, provider, eventID string, payload json.RawMessage) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	key := itemKey(provider, eventID)
	if existing, ok := m.items[key]; ok {
		// Redelivery refreshes the payload. An unsettled item returns
		// to pending with attempts reset; settled ones keep their
		// status.
		existing.Payload = append(json.RawMessage(nil), payload...)
		switch existing.Status {
		case StatusPending, StatusRetry, StatusProcessing:
			existing.Status = StatusPending
			existing.Attempts = 0
			existing.NextRetryAt = now
		}
		existing.UpdatedAt = now
		return cloneItem(existing), nil
	}

	item := &Item{
		ID:          idgen.WithPrefix("whk_"),
		Provider:    provider,
		EventID:     eventID,
		Payload:     append(json.RawMessage(nil), payload...),
		Status:      StatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.items[key] = item
	return cloneItem(item), nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, limit, maxAttempts int, now time.Time) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	staleBefore := now.Add(-claimStaleAfter)
	var due []*Item
	for _, item := range m.items {
		switch item.Status {
		case StatusPending, StatusRetry:
			if item.NextRetryAt.After(now) || item.Attempts >= maxAttempts {
				continue
			}
		case StatusProcessing:
			// An abandoned claim is reclaimable after the visibility
			// timeout, attempts cap notwithstanding.
			if item.UpdatedAt.After(staleBefore) {
				continue
			}
		default:
			continue
		}
		due = append(due, item)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(due[j].NextRetryAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Item, 0, len(due))
	for _, item := range due {
		item.Status = StatusProcessing
		item.Attempts++
		item.UpdatedAt = now
		claimed = append(claimed, cloneItem(item))
	}
	return claimed, nil
}

func (m *MemoryStore) Settle(_ context.Context, id string, status Status, lastError string, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.items {
		if item.ID == id {
			item.Status = status
			item.LastError = lastError
			item.NextRetryAt = nextRetryAt
			item.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrItemNotFound
}

func (m *MemoryStore) Get(_ context.Context, provider, eventID string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemKey(provider, eventID)]
	if !ok {
		return nil, ErrItemNotFound
	}
	return cloneItem(item), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Item
	for _, item := range m.items {
		if item.Status == status {
			result = append(result, cloneItem(item))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[Status]int)
	for _, item := range m.items {
		counts[item.Status]++
	}
	return counts, nil
}

func cloneItem(item *Item) *Item {
	cp := *item
	cp.Payload = append(json.RawMessage(nil), item.Payload...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
