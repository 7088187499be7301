// Package inventory defines the reservation client consumed by the order
// saga: reserve/commit/release semantics with an expiry. The production
// implementation talks to the external inventory service; the in-memory
// implementation backs tests and single-node development.
package inventory

import (
	"context"
	"fmt"
	"time"
)

// ReservationStatus is the lifecycle state of a stock hold.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Reservation is a temporary hold on stock. A reservation neither committed
// nor released by ExpiresAt is automatically released by the expiry sweep.
type Reservation struct {
	ID        string            `json:"id"`
	ProductID string            `json:"product_id"`
	Quantity  int               `json:"quantity"`
	OrderID   string            `json:"order_id"`
	ExpiresAt time.Time         `json:"expires_at"`
	Status    ReservationStatus `json:"status"`
}

// Item is one product/quantity pair to reserve.
type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Client is the interface boundary to the inventory service. All three
// operations are idempotent on reservation ID.
type Client interface {
	// Reserve holds stock for every item, atomically from the caller's
	// point of view: on any shortfall it releases holds taken in the same
	// call and returns an *InsufficientStockError.
	Reserve(ctx context.Context, items []Item, orderID string) ([]string, error)

	// Commit finalises the holds; committed stock leaves the pool for good.
	Commit(ctx context.Context, reservationIDs []string) error

	// Release returns held stock to the pool. Releasing a committed or
	// already-released reservation is a no-op.
	Release(ctx context.Context, reservationIDs []string) error
}

// InsufficientStockError reports the first item that could not be held.
// It is a business condition: the saga aborts without retrying.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Code() string { return "insufficient_inventory" }
