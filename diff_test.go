package rtsync_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/rtsync"
	"github.com/autom8ter/rtsync/jsondiff"
	"github.com/autom8ter/rtsync/testutil"
)

func TestComputeDiff(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t.Run("insert reports every new field as added", func(t *testing.T) {
		row := testutil.NewItem("1")
		diff := rtsync.ComputeDiff(testutil.NewEvent(rtsync.Insert, "items", nil, row, ts), "id")
		require.Len(t, diff, len(row))
		for _, c := range diff {
			assert.Equal(t, jsondiff.Added, c.Kind)
			assert.Nil(t, c.OldValue)
			assert.Equal(t, row[c.Field()], c.Value)
		}
	})
	t.Run("delete reports every old field as removed", func(t *testing.T) {
		row := testutil.NewSupplier("9")
		diff := rtsync.ComputeDiff(testutil.NewEvent(rtsync.Delete, "suppliers", row, nil, ts), "id")
		require.Len(t, diff, len(row))
		for _, c := range diff {
			assert.Equal(t, jsondiff.Removed, c.Kind)
			assert.Nil(t, c.Value)
			assert.Equal(t, row[c.Field()], c.OldValue)
		}
	})
	t.Run("update reports only changed fields", func(t *testing.T) {
		old := rtsync.Row{"id": "5", "name": "gauze", "stock": 10, "price": 2.5}
		new := rtsync.Row{"id": "5", "name": "gauze", "stock": 3, "price": 2.5}
		diff := rtsync.ComputeDiff(testutil.NewEvent(rtsync.Update, "items", old, new, ts), "id")
		require.Len(t, diff, 1)
		assert.Equal(t, "stock", diff[0].Field())
		assert.Equal(t, jsondiff.Modified, diff[0].Kind)
		assert.Equal(t, 10, diff[0].OldValue)
		assert.Equal(t, 3, diff[0].Value)
	})
	t.Run("update with equal rows is empty", func(t *testing.T) {
		row := testutil.NewItem("5")
		diff := rtsync.ComputeDiff(testutil.NewEvent(rtsync.Update, "items", row, row, ts), "id")
		assert.Empty(t, diff)
	})
	t.Run("redacted update", func(t *testing.T) {
		e := testutil.NewEvent(rtsync.Update, "items", rtsync.Row{"id": "5"}, rtsync.Row{"id": "5", "stock": 3}, ts)
		diff := rtsync.ComputeDiff(e, "id")
		require.Len(t, diff, 1)
		assert.Equal(t, "stock", diff[0].Field())
		assert.Equal(t, jsondiff.Modified, diff[0].Kind)
		assert.Equal(t, jsondiff.Hidden, diff[0].OldValue)
		assert.Equal(t, 3, diff[0].Value)
	})
	t.Run("custom primary key", func(t *testing.T) {
		e := testutil.NewEvent(rtsync.Update, "sales", rtsync.Row{"sale_id": 7}, rtsync.Row{"sale_id": 7, "total": 12.5}, ts)
		diff := rtsync.ComputeDiff(e, "sale_id")
		require.Len(t, diff, 1)
		assert.Equal(t, jsondiff.Hidden, diff[0].OldValue)
	})
	t.Run("missing rows never panic", func(t *testing.T) {
		assert.Empty(t, rtsync.ComputeDiff(rtsync.ChangeEvent{Type: rtsync.Update, Table: "items"}, ""))
		assert.Empty(t, rtsync.ComputeDiff(rtsync.ChangeEvent{Type: rtsync.Insert, Table: "items"}, ""))
		assert.Empty(t, rtsync.ComputeDiff(rtsync.ChangeEvent{Type: "TRUNCATE", Table: "items"}, ""))
	})
}

func TestFormatForDisplay(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t.Run("redacted update", func(t *testing.T) {
		e := testutil.NewEvent(rtsync.Update, "items", rtsync.Row{"id": "5"}, rtsync.Row{"id": "5", "stock": 3}, ts)
		out := rtsync.FormatForDisplay(rtsync.ComputeDiff(e, "id"), e.Type, e.Table, e.CommitTimestamp)
		assert.Equal(t, "[UPDATE] items\nat 2024-03-01T12:00:00Z\n~ stock:\n    old: <hidden by access control>\n    new: 3", out)
	})
	t.Run("insert", func(t *testing.T) {
		e := testutil.NewEvent(rtsync.Insert, "suppliers", nil, rtsync.Row{"id": "9", "name": "Acme"}, ts)
		out := rtsync.FormatForDisplay(rtsync.ComputeDiff(e, "id"), e.Type, e.Table, e.CommitTimestamp)
		assert.Equal(t, "[INSERT] suppliers\nat 2024-03-01T12:00:00Z\n+ id: \"9\"\n+ name: \"Acme\"", out)
	})
	t.Run("no changes", func(t *testing.T) {
		assert.Equal(t, "[DELETE] items\nat 2024-03-01T12:00:00Z", rtsync.FormatForDisplay(nil, rtsync.Delete, "items", ts))
	})
}
