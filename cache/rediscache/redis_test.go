package rediscache_test

import (
	"context"
	"os"
	"testing"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/rtsync/cache"
	"github.com/autom8ter/rtsync/cache/rediscache"
)

func testCache(t *testing.T) *rediscache.Cache {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	c, err := rediscache.Open(context.Background(), rediscache.Config{
		URL:       url,
		Namespace: "rtsync-test-" + ksuid.New().String(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	c := testCache(t)
	t.Run("set get remove", func(t *testing.T) {
		key := cache.DetailKey("items", "5")
		require.NoError(t, c.SetData(ctx, key, map[string]any{"id": "5", "stock": 3}))
		v, ok, err := c.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, float64(3), v.(map[string]any)["stock"])
		require.NoError(t, c.RemoveData(ctx, key))
		_, ok, err = c.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})
	t.Run("invalidate prefix", func(t *testing.T) {
		require.NoError(t, c.SetData(ctx, cache.ListKey("items"), []any{1}))
		require.NoError(t, c.SetData(ctx, cache.ListKey("items", "page-2"), []any{2}))
		require.NoError(t, c.SetData(ctx, cache.Key{"items", "listing"}, []any{3}))
		require.NoError(t, c.Invalidate(ctx, cache.Key{"items", "list"}))
		_, ok, _ := c.Get(ctx, cache.ListKey("items"))
		assert.False(t, ok)
		_, ok, _ = c.Get(ctx, cache.ListKey("items", "page-2"))
		assert.False(t, ok)
		_, ok, _ = c.Get(ctx, cache.Key{"items", "listing"})
		assert.True(t, ok)
	})
}

func TestOpenValidation(t *testing.T) {
	_, err := rediscache.Open(context.Background(), rediscache.Config{})
	assert.Error(t, err)
}
