package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps documents as serialized JSON in process memory. It is
// the default back-end; documents are copied on the way in and out so
// callers never alias store-owned state.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

// Put upserts the value under key in collection.
func (s *MemoryStore) Put(_ context.Context, key string, value map[string]interface{}, collection string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.data[collection]
	if !ok {
		coll = make(map[string][]byte)
		s.data[collection] = coll
	}
	coll[key] = raw
	return nil
}

// Get returns the value under key, or nil when absent.
func (s *MemoryStore) Get(_ context.Context, key, collection string) (map[string]interface{}, error) {
	s.mu.RLock()
	raw, ok := s.data[collection][key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	var value map[string]interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return value, nil
}

// GetAll returns every key/value pair in collection.
func (s *MemoryStore) GetAll(_ context.Context, collection string) (map[string]map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]interface{}, len(s.data[collection]))
	for key, raw := range s.data[collection] {
		var value map[string]interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("decode value for %q: %w", key, err)
		}
		out[key] = value
	}
	return out, nil
}

// Delete removes key from collection.
func (s *MemoryStore) Delete(_ context.Context, key, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[collection], key)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
