package rediscache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSetDel(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "shipment:S1:snapshot", []byte(`{"status":"ACTIVE"}`), time.Minute))

	b, ok, err := c.Get(ctx, "shipment:S1:snapshot")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"status":"ACTIVE"}`), b)

	require.NoError(t, c.Del(ctx, "shipment:S1:snapshot"))
	_, ok, err = c.Get(ctx, "shipment:S1:snapshot")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())

	ctx := context.Background()
	ok, n, err := rl.Allow(ctx, "rl:ping:tok", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	ok, n, _ = rl.Allow(ctx, "rl:ping:tok", 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	ok, n, _ = rl.Allow(ctx, "rl:ping:tok", 2, time.Minute)
	require.False(t, ok)
	require.Equal(t, int64(3), n)
}
