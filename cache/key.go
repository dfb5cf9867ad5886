package cache

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// Key is a hierarchical query cache key such as [items, list, {"q":"para"}] or [items, detail, 5].
// Views of the same entity share the entity segment so invalidating a prefix reaches all of them.
type Key []any

// ListKey returns the key of a list view of entity
func ListKey(entity string, filters ...any) Key {
	return append(Key{entity, "list"}, filters...)
}

// DetailKey returns the key of a single entity
func DetailKey(entity string, id any) Key {
	return Key{entity, "detail", cast.ToString(id)}
}

var (
	escaper   = strings.NewReplacer("%", "%25", "/", "%2F")
	unescaper = strings.NewReplacer("%2F", "/", "%2f", "/", "%25", "%")
)

// ParseKey splits a slash separated key produced by String. Every segment is kept as a string.
func ParseKey(s string) Key {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	var key Key
	for _, seg := range strings.Split(s, "/") {
		key = append(key, unescaper.Replace(seg))
	}
	return key
}

// Segments returns the string form of each segment with slashes and percent signs escaped
func (k Key) Segments() []string {
	segs := make([]string, 0, len(k))
	for _, s := range k {
		segs = append(segs, escaper.Replace(segment(s)))
	}
	return segs
}

// String joins the escaped segments with a slash, e.g. items/detail/5.
// [items/list] renders as items%2Flist and never collides with [items list].
func (k Key) String() string {
	return strings.Join(k.Segments(), "/")
}

// Entity returns the first segment
func (k Key) Entity() string {
	if len(k) == 0 {
		return ""
	}
	return segment(k[0])
}

// HasPrefix reports whether every segment of prefix equals the corresponding segment of k
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if segment(prefix[i]) != segment(k[i]) {
			return false
		}
	}
	return true
}

func segment(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return cast.ToString(v)
	default:
		bits, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(bits)
	}
}
