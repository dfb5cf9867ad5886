package jsondiff

import (
	"reflect"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cast"
)

// Inserted reports every field of row as added
func Inserted(row map[string]any) Diff {
	diff := Diff{}
	for k, v := range row {
		diff = append(diff, Change{Kind: Added, Path: []string{k}, Value: v})
	}
	return sorted(diff)
}

// Deleted reports every field of row as removed
func Deleted(row map[string]any) Diff {
	diff := Diff{}
	for k, v := range row {
		diff = append(diff, Change{Kind: Removed, Path: []string{k}, OldValue: v})
	}
	return sorted(diff)
}

// IsRedacted reports whether old only carries the primary key field, which is what the
// backend sends when access control hides the previous row values.
func IsRedacted(old map[string]any, primaryKey string) bool {
	if len(old) != 1 {
		return false
	}
	_, ok := old[primaryKey]
	return ok
}

// Redacted reports every non primary key field of row as modified from a hidden value
func Redacted(row map[string]any, primaryKey string) Diff {
	diff := Diff{}
	for k, v := range row {
		if k == primaryKey {
			continue
		}
		diff = append(diff, Change{Kind: Modified, Path: []string{k}, Value: v, OldValue: Hidden})
	}
	return sorted(diff)
}

// Compare reports every field whose value differs between old and new as modified.
// Fields holding objects on both sides are compared recursively.
func Compare(old, new map[string]any) Diff {
	return sorted(compare(nil, old, new))
}

func compare(path []string, old, new map[string]any) Diff {
	diff := Diff{}
	keys := lo.Uniq(append(lo.Keys(old), lo.Keys(new)...))
	for _, k := range keys {
		before, after := old[k], new[k]
		fieldPath := append(append([]string{}, path...), k)
		beforeObj, beforeIsObj := before.(map[string]any)
		afterObj, afterIsObj := after.(map[string]any)
		if beforeIsObj && afterIsObj {
			diff = append(diff, compare(fieldPath, beforeObj, afterObj)...)
			continue
		}
		if equal(before, after) {
			continue
		}
		diff = append(diff, Change{Kind: Modified, Path: fieldPath, Value: after, OldValue: before})
	}
	return diff
}

func equal(a, b any) bool {
	if isNumber(a) && isNumber(b) {
		return cast.ToFloat64(a) == cast.ToFloat64(b)
	}
	return reflect.DeepEqual(a, b)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}

func sorted(diff Diff) Diff {
	sort.SliceStable(diff, func(i, j int) bool {
		return strings.Join(diff[i].Path, "\x00") < strings.Join(diff[j].Path, "\x00")
	})
	return diff
}
