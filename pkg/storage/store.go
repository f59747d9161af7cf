// Package storage provides the durable key-value collaborator used for
// best-effort persistence of replicated state. Failures here are logged
// by callers, never treated as fatal.
package storage

import (
	"context"
	"sync"
)

// Store is a string-keyed key-value store
type Store interface {
	// Get returns the values for the given keys; missing keys are absent
	// from the result
	Get(ctx context.Context, keys []string) (map[string][]byte, error)

	// Set writes all items
	Set(ctx context.Context, items map[string][]byte) error

	// Remove deletes the given keys; missing keys are ignored
	Remove(ctx context.Context, keys []string) error

	// Clear deletes everything
	Clear(ctx context.Context) error

	// Close releases resources held by the store
	Close() error
}

// MemoryStore is an in-memory Store used in tests and as the default driver
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.items[k]; ok {
			cp := make([]byte, len(v))
			copy(cp, v)
			result[k] = cp
		}
	}
	return result, nil
}

// Set implements Store
func (s *MemoryStore) Set(ctx context.Context, items map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range items {
		cp := make([]byte, len(v))
		copy(cp, v)
		s.items[k] = cp
	}
	return nil
}

// Remove implements Store
func (s *MemoryStore) Remove(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

// Clear implements Store
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string][]byte)
	return nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}

// Keys returns all stored keys, for tests
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	return keys
}
