// Package ledger persists the engine's financial records: orders, payment
// intents and the mirror of inventory reservations. Rows are keyed by
// tenant to preserve isolation.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/wakala/fulfillment/internal/inventory"
	"github.com/wakala/fulfillment/internal/order"
	"github.com/wakala/fulfillment/internal/payment"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("ledger: not found")

// Reservation mirrors an inventory hold so conservation can be audited
// locally even though the hold itself lives in the inventory service.
type Reservation struct {
	inventory.Reservation
	TenantID string `json:"tenant_id"`
}

// Store is the persistence port. It includes payment.IntentStore so the
// orchestrator can depend on just the slice it needs.
type Store interface {
	payment.IntentStore

	SaveOrder(ctx context.Context, o *order.Order) error
	GetOrder(ctx context.Context, id string) (*order.Order, error)

	// GetIntentByOrderID returns the most recent intent for an order.
	GetIntentByOrderID(ctx context.Context, orderID string) (*payment.Intent, error)

	ListIntentsByDay(ctx context.Context, tenantID string, day time.Time) ([]*payment.Intent, error)

	SaveReservation(ctx context.Context, r Reservation) error
	UpdateReservationStatus(ctx context.Context, id string, status inventory.ReservationStatus) error
	ListExpiredActiveReservations(ctx context.Context, now time.Time) ([]Reservation, error)
}
