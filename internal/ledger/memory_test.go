package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakala/fulfillment/internal/inventory"
	"github.com/wakala/fulfillment/internal/order"
	"github.com/wakala/fulfillment/internal/payment"
)

func TestOrderRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	o := order.New("tenant-1", "cust-1", "ZAR", []order.LineItem{
		{ProductID: "prod_1", Quantity: 2, UnitPriceCents: 5000},
	}, 0, 0, 0)
	require.NoError(t, o.Apply(order.StatusInventoryReserved, "inventory.reserved", "saga"))
	require.NoError(t, s.SaveOrder(ctx, o))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Status, got.Status)
	assert.Equal(t, o.Totals, got.Totals)
	require.Len(t, got.History, 1)

	// The stored copy must not alias the caller's order.
	o.Status = order.StatusCancelled
	got2, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusInventoryReserved, got2.Status)

	_, err = s.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIntentLookups(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	in := &payment.Intent{
		ID:             "intent-1",
		OrderID:        "order-1",
		TenantID:       "tenant-1",
		IdempotencyKey: "key-1",
		Gateway:        "card-a",
		ProviderRef:    "ref-1",
		AmountCents:    20000,
		Currency:       "ZAR",
		Status:         payment.IntentCaptured,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.SaveIntent(ctx, in))

	byKey, err := s.GetIntentByKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "intent-1", byKey.ID)

	byRef, err := s.GetIntentByProviderRef(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "intent-1", byRef.ID)

	_, err = s.GetIntentByProviderRef(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound, "empty provider ref must never match")

	day, err := s.ListIntentsByDay(ctx, "tenant-1", now)
	require.NoError(t, err)
	assert.Len(t, day, 1)

	other, err := s.ListIntentsByDay(ctx, "tenant-2", now)
	require.NoError(t, err)
	assert.Empty(t, other, "tenant isolation on day listing")
}

func TestReservationExpiryListing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	active := Reservation{
		Reservation: inventory.Reservation{
			ID: "res-1", ProductID: "prod_1", Quantity: 2, OrderID: "order-1",
			ExpiresAt: now.Add(-time.Minute), Status: inventory.ReservationActive,
		},
		TenantID: "tenant-1",
	}
	committed := Reservation{
		Reservation: inventory.Reservation{
			ID: "res-2", ProductID: "prod_1", Quantity: 1, OrderID: "order-2",
			ExpiresAt: now.Add(-time.Minute), Status: inventory.ReservationCommitted,
		},
		TenantID: "tenant-1",
	}
	require.NoError(t, s.SaveReservation(ctx, active))
	require.NoError(t, s.SaveReservation(ctx, committed))

	expired, err := s.ListExpiredActiveReservations(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "res-1", expired[0].ID)

	require.NoError(t, s.UpdateReservationStatus(ctx, "res-1", inventory.ReservationReleased))
	expired, err = s.ListExpiredActiveReservations(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, expired)

	assert.ErrorIs(t, s.UpdateReservationStatus(ctx, "missing", inventory.ReservationReleased), ErrNotFound)
}
