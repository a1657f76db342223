package trust

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	signals   map[string]Signals
	snapshots map[string]Snapshot
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals:   make(map[string]Signals),
		snapshots: make(map[string]Snapshot),
	}
}

func (m *MemoryStore) UpsertSignals(_ context.Context, sig Signals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[sig.UserID] = sig
	return nil
}

func (m *MemoryStore) GetSignals(_ context.Context, userID string) (*Signals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.signals[userID]
	if !ok {
		return nil, ErrSignalsNotFound
	}
	cp := sig
	return &cp, nil
}

func (m *MemoryStore) ListSignalsStale(_ context.Context, cutoff time.Time, limit int) ([]Signals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Signals
	for id, sig := range m.signals {
		snap, ok := m.snapshots[id]
		if ok && snap.ComputedAt.After(cutoff) {
			continue
		}
		out = append(out, sig)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.UserID] = snap
	return nil
}

func (m *MemoryStore) GetSnapshot(_ context.Context, userID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[userID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	cp := snap
	return &cp, nil
}

func (m *MemoryStore) GetSnapshots(_ context.Context, userIDs []string) (map[string]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Snapshot, len(userIDs))
	for _, id := range userIDs {
		if snap, ok := m.snapshots[id]; ok {
			cp := snap
			out[id] = &cp
		}
	}
	return out, nil
}
