package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyDeterministic(t *testing.T) {
	a := Key("order-1", "card", "0")
	b := Key("order-1", "card", "0")
	c := Key("order-1", "card", "1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	// Separator prevents boundary ambiguity between parts.
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
}

func TestMemoryStorePutIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	won, err := s.PutIfAbsent(ctx, "k", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.PutIfAbsent(ctx, "k", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, won, "second writer must lose the key")

	val, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("first"), val)
}

func TestMemoryStoreDeleteReleasesKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	won, err := s.PutIfAbsent(ctx, "k", []byte("claim"), time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, s.Delete(ctx, "k"))

	won, err = s.PutIfAbsent(ctx, "k", []byte("again"), time.Minute)
	require.NoError(t, err)
	assert.True(t, won, "deleted key is claimable again")

	assert.NoError(t, s.Delete(ctx, "never-set"))
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must not be returned")

	won, err := s.PutIfAbsent(ctx, "k", []byte("v2"), time.Minute)
	require.NoError(t, err)
	assert.True(t, won, "expired key is reclaimable")
}
