package jsondiff_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/rtsync/jsondiff"
)

func TestInserted(t *testing.T) {
	row := map[string]any{"id": "1", "name": "Paracetamol", "stock": 10}
	diff := jsondiff.Inserted(row)
	require.Len(t, diff, 3)
	for _, c := range diff {
		assert.Equal(t, jsondiff.Added, c.Kind)
		assert.Nil(t, c.OldValue)
		assert.Equal(t, row[c.Field()], c.Value)
	}
	assert.Equal(t, []string{"id", "name", "stock"}, diff.Fields())
}

func TestDeleted(t *testing.T) {
	row := map[string]any{"id": "9", "name": "Acme"}
	diff := jsondiff.Deleted(row)
	require.Len(t, diff, 2)
	for _, c := range diff {
		assert.Equal(t, jsondiff.Removed, c.Kind)
		assert.Nil(t, c.Value)
		assert.Equal(t, row[c.Field()], c.OldValue)
	}
}

func TestCompare(t *testing.T) {
	t.Run("only differing fields", func(t *testing.T) {
		diff := jsondiff.Compare(
			map[string]any{"id": "5", "stock": 5, "name": "Ibuprofen", "price": 2.5},
			map[string]any{"id": "5", "stock": 3, "name": "Ibuprofen", "price": 2.5},
		)
		require.Len(t, diff, 1)
		assert.Equal(t, jsondiff.Modified, diff[0].Kind)
		assert.Equal(t, []string{"stock"}, diff[0].Path)
		assert.Equal(t, 5, diff[0].OldValue)
		assert.Equal(t, 3, diff[0].Value)
	})
	t.Run("numbers compare by value", func(t *testing.T) {
		diff := jsondiff.Compare(map[string]any{"stock": 3}, map[string]any{"stock": float64(3)})
		assert.Empty(t, diff)
	})
	t.Run("key union", func(t *testing.T) {
		diff := jsondiff.Compare(map[string]any{"a": 1}, map[string]any{"b": 2})
		require.Len(t, diff, 2)
		assert.Equal(t, []string{"a", "b"}, diff.Fields())
		assert.Nil(t, diff[0].Value)
		assert.Nil(t, diff[1].OldValue)
	})
	t.Run("nested objects", func(t *testing.T) {
		diff := jsondiff.Compare(
			map[string]any{"meta": map[string]any{"batch": "A1", "expiry": "2025-01"}},
			map[string]any{"meta": map[string]any{"batch": "A1", "expiry": "2026-01"}},
		)
		require.Len(t, diff, 1)
		assert.Equal(t, []string{"meta", "expiry"}, diff[0].Path)
		assert.Equal(t, "meta.expiry", diff[0].Field())
	})
	t.Run("slices", func(t *testing.T) {
		diff := jsondiff.Compare(map[string]any{"tags": []any{"a"}}, map[string]any{"tags": []any{"a"}})
		assert.Empty(t, diff)
		diff = jsondiff.Compare(map[string]any{"tags": []any{"a"}}, map[string]any{"tags": []any{"a", "b"}})
		assert.Len(t, diff, 1)
	})
	t.Run("nil rows", func(t *testing.T) {
		assert.Empty(t, jsondiff.Compare(nil, nil))
	})
}

func TestRedacted(t *testing.T) {
	assert.True(t, jsondiff.IsRedacted(map[string]any{"id": "5"}, "id"))
	assert.False(t, jsondiff.IsRedacted(map[string]any{"sku": "5"}, "id"))
	assert.False(t, jsondiff.IsRedacted(map[string]any{"id": "5", "stock": 1}, "id"))

	diff := jsondiff.Redacted(map[string]any{"id": "5", "stock": 3}, "id")
	require.Len(t, diff, 1)
	assert.Equal(t, jsondiff.Modified, diff[0].Kind)
	assert.Equal(t, jsondiff.Hidden, diff[0].OldValue)
	assert.Equal(t, 3, diff[0].Value)
}

func TestLines(t *testing.T) {
	diff := jsondiff.Diff{
		{Kind: jsondiff.Added, Path: []string{"name"}, Value: "Acme"},
		{Kind: jsondiff.Removed, Path: []string{"phone"}, OldValue: "555"},
		{Kind: jsondiff.Modified, Path: []string{"stock"}, OldValue: jsondiff.Hidden, Value: 3},
	}
	assert.Equal(t, []string{
		`+ name: "Acme"`,
		`- phone: "555"`,
		`~ stock:`,
		`    old: <hidden by access control>`,
		`    new: 3`,
	}, diff.Lines())
	assert.Contains(t, diff[2].String(), `"oldValue":"<hidden by access control>"`)
}

func TestRenderWithoutHTMLEscaping(t *testing.T) {
	t.Run("lines", func(t *testing.T) {
		diff := jsondiff.Diff{
			{Kind: jsondiff.Added, Path: []string{"name"}, Value: "Smith & <Sons>"},
		}
		assert.Equal(t, []string{`+ name: "Smith & <Sons>"`}, diff.Lines())
	})
	t.Run("change", func(t *testing.T) {
		c := jsondiff.Change{Kind: jsondiff.Modified, Path: []string{"name"}, OldValue: jsondiff.Hidden, Value: "a<b"}
		assert.Equal(t, `{"kind":"modified","path":["name"],"value":"a<b","oldValue":"<hidden by access control>"}`, c.String())
		assert.NotContains(t, c.String(), `\u003c`)
	})
}
