package sched

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory task state store for tests and DB-less
// runs.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*TaskState
}

// NewMemoryStore creates an in-memory task state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*TaskState)}
}

func (m *MemoryStore) GetOrCreate(_ context.Context, name string) (*TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.states[name]; ok {
		cp := *state
		return &cp, nil
	}
	state := &TaskState{Name: name, UpdatedAt: time.Now().UTC()}
	m.states[name] = state
	cp := *state
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, state *TaskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state.UpdatedAt = time.Now().UTC()
	cp := *state
	m.states[state.Name] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*TaskState, 0, len(m.states))
	for _, state := range m.states {
		cp := *state
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
