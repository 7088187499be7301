package idempotency

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// memoryStore is an in-process Store for tests and single-node development.
type memoryStore struct {
	mu sync.Mutex
	m  map[string]entry
}

// NewMemoryStore returns an in-memory Store with the same semantics as the
// Redis implementation, including TTL expiry.
func NewMemoryStore() Store {
	return &memoryStore{m: make(map[string]entry)}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(s.m, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *memoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *memoryStore) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[key]; ok && time.Now().Before(e.expiresAt) {
		return false, nil
	}
	s.m[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
