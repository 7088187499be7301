package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wakala/fulfillment/internal/inventory"
	"github.com/wakala/fulfillment/internal/order"
	"github.com/wakala/fulfillment/internal/payment"
)

// MemoryStore is a map-backed Store for tests and single-node development.
// Copies go in and out via JSON so callers never share pointers with the
// store's internal state.
type MemoryStore struct {
	mu           sync.Mutex
	orders       map[string]*order.Order
	intents      map[string]*payment.Intent // by idempotency key
	reservations map[string]*Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]*order.Order),
		intents:      make(map[string]*payment.Intent),
		reservations: make(map[string]*Reservation),
	}
}

func clone[T any](src *T) *T {
	raw, _ := json.Marshal(src)
	dst := new(T)
	_ = json.Unmarshal(raw, dst)
	return dst
}

func (s *MemoryStore) SaveOrder(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = clone(o)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(o), nil
}

func (s *MemoryStore) SaveIntent(_ context.Context, in *payment.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[in.IdempotencyKey] = clone(in)
	return nil
}

func (s *MemoryStore) GetIntentByKey(_ context.Context, key string) (*payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(in), nil
}

func (s *MemoryStore) GetIntentByProviderRef(_ context.Context, ref string) (*payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.intents {
		if in.ProviderRef == ref && ref != "" {
			return clone(in), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetIntentByOrderID(_ context.Context, orderID string) (*payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *payment.Intent
	for _, in := range s.intents {
		if in.OrderID != orderID {
			continue
		}
		if latest == nil || in.CreatedAt.After(latest.CreatedAt) {
			latest = in
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return clone(latest), nil
}

func (s *MemoryStore) ListIntentsByDay(_ context.Context, tenantID string, day time.Time) ([]*payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	var out []*payment.Intent
	for _, in := range s.intents {
		if in.TenantID != tenantID {
			continue
		}
		if in.CreatedAt.Before(start) || !in.CreatedAt.Before(end) {
			continue
		}
		out = append(out, clone(in))
	}
	return out, nil
}

func (s *MemoryStore) SaveReservation(_ context.Context, r Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r
	s.reservations[r.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateReservationStatus(_ context.Context, id string, status inventory.ReservationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	return nil
}

func (s *MemoryStore) ListExpiredActiveReservations(_ context.Context, now time.Time) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reservation
	for _, r := range s.reservations {
		if r.Status == inventory.ReservationActive && now.After(r.ExpiresAt) {
			out = append(out, *r)
		}
	}
	return out, nil
}

// Reservation returns a copy of a stored reservation, for assertions.
func (s *MemoryStore) Reservation(id string) (Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}
