package rtsync_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/rtsync"
	"github.com/autom8ter/rtsync/cache"
	"github.com/autom8ter/rtsync/errors"
)

func TestRelations(t *testing.T) {
	t.Run("default table", func(t *testing.T) {
		r := rtsync.DefaultRelations()
		assert.Equal(t, []cache.Key{{"items", "list"}, {"dashboard"}}, r.Keys("items"))
		assert.Equal(t, []cache.Key{{"suppliers", "list"}, {"purchases", "list"}}, r.Keys("suppliers"))
		assert.Contains(t, r.Names(), "stock_movements")
		assert.NotEmpty(t, r.Template("sales"))
		assert.Empty(t, r.Template("items"))
	})
	t.Run("unknown table falls back to its list", func(t *testing.T) {
		assert.Equal(t, []cache.Key{{"widgets", "list"}}, rtsync.DefaultRelations().Keys("widgets"))
	})
	t.Run("keys are copies", func(t *testing.T) {
		r := rtsync.DefaultRelations()
		keys := r.Keys("items")
		keys[0][0] = "mutated"
		assert.Equal(t, "items", r.Keys("items")[0].Entity())
	})
	t.Run("load yaml", func(t *testing.T) {
		r, err := rtsync.LoadRelations([]byte(`
tables:
  orders:
    invalidates:
      - [orders, list]
      - [reports, monthly]
    notify: "order {{ .ID }} {{ .Action }}"
`))
		require.NoError(t, err)
		assert.Equal(t, "orders/list,reports/monthly", keyStrings(r.Keys("orders")))
		assert.Equal(t, "order {{ .ID }} {{ .Action }}", r.Template("orders"))
	})
	t.Run("load json", func(t *testing.T) {
		r, err := rtsync.LoadRelations([]byte(`{"tables":{"orders":{"invalidates":[["orders","list"]]}}}`))
		require.NoError(t, err)
		assert.Equal(t, "orders/list", keyStrings(r.Keys("orders")))
	})
	t.Run("invalid", func(t *testing.T) {
		for _, content := range []string{
			"tables: [",
			"tables:\n  orders:\n    invalidates:\n      - []\n",
			"tables:\n  orders:\n    notify: '{{ .ID '\n",
		} {
			_, err := rtsync.LoadRelations([]byte(content))
			require.Error(t, err, content)
			assert.True(t, errors.Is(err, errors.Validation))
		}
	})
}

func keyStrings(keys []cache.Key) string {
	var s string
	for i, k := range keys {
		if i > 0 {
			s += ","
		}
		s += k.String()
	}
	return s
}
