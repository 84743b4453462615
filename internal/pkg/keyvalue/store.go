// Package keyvalue models the device-local key-value store used for
// caching lifecycle snapshots. It is a convenience cache, never a
// correctness dependency of the sync engine.
package keyvalue

import "sync"

// Store is the opaque local store contract
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Remove(key string)
}

// MemoryStore is a goroutine-safe in-memory Store
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MemoryStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

func (s *MemoryStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}
