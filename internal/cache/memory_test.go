package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/gazetteer/internal/cache"
)

func TestCache_Memory_RoundTripAndTTL(t *testing.T) {
	t.Parallel()

	m := cache.NewMemory()
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 50*time.Millisecond))

	val, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), val)

	require.Eventually(t, func() bool {
		_, found, err := m.Get(ctx, "k")
		return err == nil && !found
	}, time.Second, 10*time.Millisecond, "entry must expire with its TTL")

	_, found, err = m.Get(ctx, "absent")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, m.Healthy(ctx))
}

func TestCache_Memory_Delete(t *testing.T) {
	t.Parallel()

	m := cache.NewMemory()
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, m.Delete(ctx, "a", "b"))

	for _, key := range []string{"a", "b"} {
		_, found, err := m.Get(ctx, key)
		require.NoError(t, err)
		require.False(t, found)
	}
}

func TestCache_Memory_PublishReachesSubscribers(t *testing.T) {
	t.Parallel()

	m := cache.NewMemory()
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan cache.Invalidation, 16)
	subDone := make(chan error, 1)
	go func() {
		subDone <- m.Subscribe(ctx, func(inv cache.Invalidation) {
			received <- inv
		})
	}()

	id := uuid.New()
	want := cache.Invalidation{Origin: "peer", Kind: cache.InvalidationEntity, EntityID: id, Path: "world"}

	// Delivery is synchronous once the subscription is registered; retry
	// publishing until the subscriber goroutine has signed up.
	require.Eventually(t, func() bool {
		require.NoError(t, m.Publish(ctx, want))
		select {
		case got := <-received:
			require.Equal(t, want, got)
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-subDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop with its context")
	}
}
