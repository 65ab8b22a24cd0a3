package billing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*ReservationCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewReservationCache(rdb, 15*time.Minute), mr
}

func mrGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestReserveSeedsBalanceAndHolds(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Reserve(ctx, "u1", "r1", 2.0, 10.0))

	require.Equal(t, "8", mrGet(t, mr, "billing:balance:u1"))
	require.Equal(t, "2", mrGet(t, mr, "billing:hold:r1"))
}

func TestReserveFailsWhenHoldExceedsBalance(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	err := cache.Reserve(ctx, "u1", "r1", 12.0, 10.0)
	require.ErrorIs(t, err, ErrReservationInsufficientBalance)
	require.False(t, mr.Exists("billing:hold:r1"))
}

func TestConcurrentReservesShareCachedBalance(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	// First reserve seeds the cached balance at 10; the second sees the
	// remainder, not the stale snapshot its caller read from Postgres.
	require.NoError(t, cache.Reserve(ctx, "u1", "r1", 6.0, 10.0))
	err := cache.Reserve(ctx, "u1", "r2", 6.0, 10.0)
	require.ErrorIs(t, err, ErrReservationInsufficientBalance)

	require.NoError(t, cache.Reserve(ctx, "u1", "r3", 4.0, 10.0))
}

func TestReleaseRestoresBalance(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Reserve(ctx, "u1", "r1", 3.0, 10.0))
	require.NoError(t, cache.Release(ctx, "u1", "r1"))

	require.Equal(t, "10", mrGet(t, mr, "billing:balance:u1"))
	require.False(t, mr.Exists("billing:hold:r1"))

	// Releasing again (or after TTL expiry) is a no-op, not an error.
	require.NoError(t, cache.Release(ctx, "u1", "r1"))
	require.Equal(t, "10", mrGet(t, mr, "billing:balance:u1"))
}

func TestAdjustHoldMovesDifference(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Reserve(ctx, "u1", "r1", 3.0, 10.0))
	require.NoError(t, cache.AdjustHold(ctx, "u1", "r1", 5.0))

	require.Equal(t, "5", mrGet(t, mr, "billing:balance:u1"))
	require.Equal(t, "5", mrGet(t, mr, "billing:hold:r1"))

	require.ErrorIs(t, cache.AdjustHold(ctx, "u1", "missing", 1.0), ErrReservationNotFound)
}

func TestInvalidateDropsCachedBalance(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Reserve(ctx, "u1", "r1", 1.0, 10.0))
	require.NoError(t, cache.Invalidate(ctx, "u1"))
	require.False(t, mr.Exists("billing:balance:u1"))

	// Next reserve reseeds from the authoritative balance.
	require.NoError(t, cache.Reserve(ctx, "u1", "r2", 1.0, 20.0))
	require.Equal(t, "19", mrGet(t, mr, "billing:balance:u1"))
}
