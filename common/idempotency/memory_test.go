package idempotency

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ReserveOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)

	ok, err := store.Reserve(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Reserve(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	processed, err := store.IsProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestMemoryStore_Release(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)

	_, _ = store.Reserve(ctx, "evt_1", time.Hour)
	require.NoError(t, store.Release(ctx, "evt_1"))

	ok, err := store.Reserve(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(3)

	for i := 0; i < 5; i++ {
		_, err := store.Reserve(ctx, fmt.Sprintf("evt_%d", i), 0)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, store.Len())
	processed, _ := store.IsProcessed(ctx, "evt_0")
	assert.False(t, processed)
	processed, _ = store.IsProcessed(ctx, "evt_4")
	assert.True(t, processed)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	_, _ = store.Reserve(ctx, "evt_1", time.Minute)
	now = now.Add(2 * time.Minute)

	processed, _ := store.IsProcessed(ctx, "evt_1")
	assert.False(t, processed)
	assert.Equal(t, 0, store.Len())
}
