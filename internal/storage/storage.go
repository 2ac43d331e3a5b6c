package storage

import (
	"context"
	"errors"
	"sync"
)

// Well-known keys shared with the UI layer. Only the task map and client
// identity are owned by the sync core; the pref keys are written through the
// relay on behalf of consumers.
const (
	KeyActiveTasks          = "activeTasks"
	KeyClientID             = "clientID"
	KeyTaskManagerVisible   = "taskManagerVisible"
	KeyTaskManagerCollapsed = "taskManagerCollapsed"
)

var ErrNotFound = errors.New("storage key not found")

// Store is the durable key-value substrate the sync core persists through.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryStore is the default non-durable backend, also used in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
