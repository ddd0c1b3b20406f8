package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*BalanceCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewBalanceCache(client, time.Minute), mr
}

func TestBalanceCacheReadThrough(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	loads := 0
	loader := func(ctx context.Context) (int64, error) {
		loads++
		return 42, nil
	}

	val, err := cache.ProductBalance(ctx, 1, 7, loader)
	require.NoError(t, err)
	require.Equal(t, int64(42), val)

	val, err = cache.ProductBalance(ctx, 1, 7, loader)
	require.NoError(t, err)
	require.Equal(t, int64(42), val)
	require.Equal(t, 1, loads)
}

func TestBalanceCacheInvalidate(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	serial := int64(0)
	loader := func(ctx context.Context) (int64, error) {
		serial++
		return serial, nil
	}

	val, err := cache.ProductBalance(ctx, 1, 7, loader)
	require.NoError(t, err)
	require.Equal(t, int64(1), val)

	loc := int64(3)
	locVal, err := cache.LocationBalance(ctx, 1, 7, loc, loader)
	require.NoError(t, err)
	require.Equal(t, int64(2), locVal)

	cache.Invalidate(ctx, 1, 7, &loc)

	val, err = cache.ProductBalance(ctx, 1, 7, loader)
	require.NoError(t, err)
	require.Equal(t, int64(3), val)
	locVal, err = cache.LocationBalance(ctx, 1, 7, loc, loader)
	require.NoError(t, err)
	require.Equal(t, int64(4), locVal)
}

func TestBalanceCacheLoaderError(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	wantErr := errors.New("boom")
	_, err := cache.ProductBalance(ctx, 1, 7, func(ctx context.Context) (int64, error) {
		return 0, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}
