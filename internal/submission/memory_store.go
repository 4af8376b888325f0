package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps submissions in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]Submission
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]Submission)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[sub.ID]; exists {
		return fmt.Errorf("submission %s already exists", sub.ID)
	}
	m.subs[sub.ID] = *sub
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &sub, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status, raw string, result json.RawMessage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sub.Status != from {
		return ErrStaleStatus
	}
	sub.Status = to
	sub.StatusRaw = raw
	sub.Result = result
	sub.UpdatedAt = at
	m.subs[id] = sub
	return nil
}
