package cache_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/rtsync/cache"
	"github.com/autom8ter/rtsync/errors"
)

func TestKey(t *testing.T) {
	t.Run("string", func(t *testing.T) {
		assert.Equal(t, "items/detail/5", cache.DetailKey("items", 5).String())
		assert.Equal(t, "items/list", cache.ListKey("items").String())
		assert.Equal(t, `items/list/{"q":"para"}`, cache.ListKey("items", map[string]any{"q": "para"}).String())
	})
	t.Run("prefix respects segments", func(t *testing.T) {
		list := cache.ListKey("items", map[string]any{"page": 1})
		assert.True(t, list.HasPrefix(cache.Key{"items", "list"}))
		assert.True(t, list.HasPrefix(cache.Key{"items"}))
		assert.False(t, cache.Key{"items", "listing"}.HasPrefix(cache.Key{"items", "list"}))
		assert.False(t, cache.Key{"items"}.HasPrefix(cache.Key{"items", "list"}))
	})
	t.Run("parse", func(t *testing.T) {
		assert.Equal(t, cache.Key{"dashboard", "stats"}, cache.ParseKey("/dashboard/stats/"))
		assert.Nil(t, cache.ParseKey(""))
		assert.Equal(t, "sales", cache.ParseKey("sales/list").Entity())
	})
	t.Run("slashes inside segments are escaped", func(t *testing.T) {
		joined := cache.Key{"items/list"}
		split := cache.Key{"items", "list"}
		assert.NotEqual(t, joined.String(), split.String())
		assert.Equal(t, "items%2Flist", joined.String())
		assert.Equal(t, "a%25b/c", cache.Key{"a%b", "c"}.String())
		assert.Equal(t, joined, cache.ParseKey(joined.String()))
		assert.Equal(t, cache.Key{"a%b", "c"}, cache.ParseKey(cache.Key{"a%b", "c"}.String()))
		filtered := cache.ListKey("items", map[string]any{"path": "a/b"})
		assert.Equal(t, `items/list/{"path":"a%2Fb"}`, filtered.String())
		assert.Equal(t, cache.Key{"items", "list", `{"path":"a/b"}`}, cache.ParseKey(filtered.String()))
		assert.False(t, joined.HasPrefix(cache.Key{"items"}))
	})
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	t.Run("set get remove", func(t *testing.T) {
		m := cache.NewMemory()
		key := cache.DetailKey("items", "5")
		require.NoError(t, m.SetData(ctx, key, map[string]any{"id": "5"}))
		e, ok := m.Get(key)
		require.True(t, ok)
		assert.Equal(t, map[string]any{"id": "5"}, e.Data)
		assert.False(t, e.Stale)
		require.NoError(t, m.RemoveData(ctx, key))
		_, ok = m.Get(key)
		assert.False(t, ok)
		assert.NoError(t, m.RemoveData(ctx, key))
	})
	t.Run("invalidate prefix", func(t *testing.T) {
		m := cache.NewMemory()
		require.NoError(t, m.SetData(ctx, cache.ListKey("items"), []any{}))
		require.NoError(t, m.SetData(ctx, cache.ListKey("items", map[string]any{"page": 2}), []any{}))
		require.NoError(t, m.SetData(ctx, cache.Key{"items", "listing"}, []any{}))
		require.NoError(t, m.SetData(ctx, cache.DetailKey("items", "5"), map[string]any{}))
		require.NoError(t, m.Invalidate(ctx, cache.Key{"items", "list"}))
		for _, key := range m.Keys() {
			e, _ := m.Get(key)
			assert.Equal(t, key.HasPrefix(cache.Key{"items", "list"}), e.Stale, key.String())
		}
	})
	t.Run("keys with slashes in a segment stay distinct", func(t *testing.T) {
		m := cache.NewMemory()
		require.NoError(t, m.SetData(ctx, cache.Key{"items/list"}, "joined"))
		require.NoError(t, m.SetData(ctx, cache.Key{"items", "list"}, "split"))
		joined, ok := m.Get(cache.Key{"items/list"})
		require.True(t, ok)
		assert.Equal(t, "joined", joined.Data)
		split, ok := m.Get(cache.Key{"items", "list"})
		require.True(t, ok)
		assert.Equal(t, "split", split.Data)
		require.NoError(t, m.Invalidate(ctx, cache.Key{"items"}))
		joined, _ = m.Get(cache.Key{"items/list"})
		assert.False(t, joined.Stale)
	})
	t.Run("observers", func(t *testing.T) {
		m := cache.NewMemory()
		var events []cache.Event
		cancel := m.Observe(func(e cache.Event) {
			events = append(events, e)
		})
		key := cache.DetailKey("suppliers", "9")
		require.NoError(t, m.SetData(ctx, key, "x"))
		require.NoError(t, m.Invalidate(ctx, cache.Key{"suppliers"}))
		require.NoError(t, m.RemoveData(ctx, key))
		cancel()
		require.NoError(t, m.SetData(ctx, key, "y"))
		require.Len(t, events, 3)
		assert.Equal(t, cache.Updated, events[0].Kind)
		assert.Equal(t, cache.Invalidated, events[1].Kind)
		assert.Equal(t, cache.Removed, events[2].Kind)
	})
	t.Run("fetch refetches stale entries once", func(t *testing.T) {
		m := cache.NewMemory()
		key := cache.ListKey("items")
		var calls int32
		release := make(chan struct{})
		fetch := func(ctx context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return fmt.Sprint("page-", atomic.LoadInt32(&calls)), nil
		}
		wg := sync.WaitGroup{}
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := m.Fetch(ctx, key, fetch)
				assert.NoError(t, err)
				assert.Equal(t, "page-1", v)
			}()
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

		// fresh entries are served from memory
		v, err := m.Fetch(ctx, key, fetch)
		require.NoError(t, err)
		assert.Equal(t, "page-1", v)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

		require.NoError(t, m.Invalidate(ctx, cache.Key{"items"}))
		v, err = m.Fetch(ctx, key, fetch)
		require.NoError(t, err)
		assert.Equal(t, "page-2", v)
		assert.Equal(t, int64(2), m.Fetches())
	})
	t.Run("fetch error", func(t *testing.T) {
		m := cache.NewMemory()
		_, err := m.Fetch(ctx, cache.ListKey("items"), func(ctx context.Context) (any, error) {
			return nil, fmt.Errorf("offline")
		})
		assert.Error(t, err)
		_, ok := m.Get(cache.ListKey("items"))
		assert.False(t, ok)
	})
}

func TestOpen(t *testing.T) {
	c, err := cache.Open("memory", nil)
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Contains(t, cache.Backends(), "memory")
	_, err = cache.Open("nope", nil)
	assert.True(t, errors.Is(err, errors.NotFound))
}
