package search

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default cache backend: a bounded in-process map. Set
// reports ErrStoreFull when inserting a new key would exceed the entry cap;
// overwriting an existing key is always allowed.
type MemoryStore struct {
	mu         sync.RWMutex
	maxEntries int
	values     map[string][]byte
}

func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = defaultCacheMaxEntries
	}
	return &MemoryStore{
		maxEntries: maxEntries,
		values:     make(map[string][]byte),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.values[key]; !exists && len(m.values) >= m.maxEntries {
		return ErrStoreFull
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryStore) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for key := range m.values {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
