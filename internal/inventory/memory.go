package inventory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultReservationTTL bounds how long an uncommitted hold survives.
const DefaultReservationTTL = 15 * time.Minute

// MemoryClient is an in-process Client holding stock levels in a map.
// The invariant it maintains: the sum of ACTIVE reservations for a product
// never exceeds the stock that was available at reserve time.
type MemoryClient struct {
	ttl time.Duration

	mu           sync.Mutex
	stock        map[string]int
	reservations map[string]*Reservation
}

// NewMemoryClient seeds the client with initial stock levels.
func NewMemoryClient(stock map[string]int, ttl time.Duration) *MemoryClient {
	s := make(map[string]int, len(stock))
	for k, v := range stock {
		s[k] = v
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &MemoryClient{
		ttl:          ttl,
		stock:        s,
		reservations: make(map[string]*Reservation),
	}
}

func (c *MemoryClient) Reserve(_ context.Context, items []Item, orderID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Check availability for the whole set before holding anything, so a
	// shortfall on the last item never leaks holds on the first.
	for _, it := range items {
		if avail := c.stock[it.ProductID]; avail < it.Quantity {
			return nil, &InsufficientStockError{
				ProductID: it.ProductID,
				Requested: it.Quantity,
				Available: avail,
			}
		}
	}

	ids := make([]string, 0, len(items))
	expiry := time.Now().Add(c.ttl)
	for _, it := range items {
		c.stock[it.ProductID] -= it.Quantity
		r := &Reservation{
			ID:        uuid.NewString(),
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			OrderID:   orderID,
			ExpiresAt: expiry,
			Status:    ReservationActive,
		}
		c.reservations[r.ID] = r
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (c *MemoryClient) Commit(_ context.Context, reservationIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range reservationIDs {
		r, ok := c.reservations[id]
		if !ok || r.Status != ReservationActive {
			continue // idempotent on reservation ID
		}
		r.Status = ReservationCommitted
	}
	return nil
}

func (c *MemoryClient) Release(_ context.Context, reservationIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range reservationIDs {
		c.releaseLocked(id)
	}
	return nil
}

func (c *MemoryClient) releaseLocked(id string) {
	r, ok := c.reservations[id]
	if !ok || r.Status != ReservationActive {
		return
	}
	r.Status = ReservationReleased
	c.stock[r.ProductID] += r.Quantity
}

// SweepExpired releases every ACTIVE reservation past its expiry and
// returns how many were released. Run it on a timer, not per request.
func (c *MemoryClient) SweepExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	released := 0
	for id, r := range c.reservations {
		if r.Status == ReservationActive && now.After(r.ExpiresAt) {
			c.releaseLocked(id)
			released++
		}
	}
	return released
}

// Stock returns the currently available quantity for a product.
func (c *MemoryClient) Stock(productID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stock[productID]
}

// Get returns a copy of a reservation, for assertions and status queries.
func (c *MemoryClient) Get(id string) (Reservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reservations[id]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}
