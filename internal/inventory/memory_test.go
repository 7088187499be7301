package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveHoldsStock(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(map[string]int{"prod_1": 5, "prod_2": 3}, time.Minute)

	ids, err := c.Reserve(ctx, []Item{
		{ProductID: "prod_1", Quantity: 2},
		{ProductID: "prod_2", Quantity: 1},
	}, "order-1")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, 3, c.Stock("prod_1"))
	assert.Equal(t, 2, c.Stock("prod_2"))
}

func TestReserveAllOrNothing(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(map[string]int{"prod_1": 5, "prod_2": 0}, time.Minute)

	_, err := c.Reserve(ctx, []Item{
		{ProductID: "prod_1", Quantity: 2},
		{ProductID: "prod_2", Quantity: 1},
	}, "order-1")

	var ise *InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "prod_2", ise.ProductID)
	assert.Equal(t, 5, c.Stock("prod_1"), "no hold may leak from a failed reserve")
}

func TestReleaseRestoresStockOnce(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(map[string]int{"prod_1": 5}, time.Minute)

	ids, err := c.Reserve(ctx, []Item{{ProductID: "prod_1", Quantity: 4}}, "order-1")
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, ids))
	assert.Equal(t, 5, c.Stock("prod_1"))

	// Idempotent on reservation ID.
	require.NoError(t, c.Release(ctx, ids))
	assert.Equal(t, 5, c.Stock("prod_1"))

	r, ok := c.Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, ReservationReleased, r.Status)
}

func TestCommitIsFinal(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(map[string]int{"prod_1": 5}, time.Minute)

	ids, err := c.Reserve(ctx, []Item{{ProductID: "prod_1", Quantity: 2}}, "order-1")
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, ids))

	// Releasing a committed reservation must not restore stock.
	require.NoError(t, c.Release(ctx, ids))
	assert.Equal(t, 3, c.Stock("prod_1"))

	r, ok := c.Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, ReservationCommitted, r.Status)
}

func TestSweepExpiredReleases(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(map[string]int{"prod_1": 5}, time.Minute)

	ids, err := c.Reserve(ctx, []Item{{ProductID: "prod_1", Quantity: 5}}, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Stock("prod_1"))

	assert.Equal(t, 0, c.SweepExpired(time.Now()), "unexpired holds stay")

	released := c.SweepExpired(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 1, released)
	assert.Equal(t, 5, c.Stock("prod_1"))

	r, ok := c.Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, ReservationReleased, r.Status)
}
