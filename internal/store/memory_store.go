package store

import (
	"context"
	"sync"
)

// MemoryStore keeps encoded state in process memory. State does not survive
// the silo.
type MemoryStore struct {
	mu    sync.RWMutex
	codec Codec
	data  map[string][]byte
}

// NewMemoryStore creates an in-memory state store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codec: NewCodec(true, 0),
		data:  make(map[string][]byte),
	}
}

// Load decodes the state stored under key
func (s *MemoryStore) Load(ctx context.Context, key string, state interface{}) error {
	s.mu.RLock()
	data, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	return s.codec.Unmarshal(data, state)
}

// Save encodes and stores state under key
func (s *MemoryStore) Save(ctx context.Context, key string, state interface{}) error {
	data, err := s.codec.Marshal(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.data[key] = data
	s.mu.Unlock()
	return nil
}

// Clear removes the state stored under key
func (s *MemoryStore) Clear(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Keys returns the stored keys
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
