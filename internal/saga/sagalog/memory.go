package sagalog

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRepository keeps entries in order, for tests.
type MemoryRepository struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Save(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *e)
	return nil
}

func (r *MemoryRepository) Latest(_ context.Context, sagaID string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].SagaID == sagaID {
			e := r.entries[i]
			return &e, nil
		}
	}
	return nil, fmt.Errorf("sagalog: saga %q not found", sagaID)
}

// Entries returns a copy of everything saved for a saga, oldest first.
func (r *MemoryRepository) Entries(sagaID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.SagaID == sagaID {
			out = append(out, e)
		}
	}
	return out
}
