// Package cache is the query cache the realtime layer reconciles: structured keys, the
// QueryCache contract and an in-memory implementation with lazy refetch.
package cache

import (
	"context"

	"github.com/autom8ter/rtsync/errors"
	"github.com/autom8ter/rtsync/internal/safe"
)

// QueryCache is the subset of a query cache the realtime layer writes to
type QueryCache interface {
	// Invalidate marks every entry under each key prefix stale so its next read refetches
	Invalidate(ctx context.Context, keys ...Key) error
	// SetData overwrites the entry at key
	SetData(ctx context.Context, key Key, value any) error
	// RemoveData removes the entry at key
	RemoveData(ctx context.Context, key Key) error
}

// Opener opens a named cache backend from its parameters
type Opener func(params map[string]any) (QueryCache, error)

var openers = safe.NewMap[Opener](nil)

func init() {
	Register("memory", func(_ map[string]any) (QueryCache, error) {
		return NewMemory(), nil
	})
}

// Register registers a cache backend opener by name
func Register(name string, opener Opener) {
	openers.Set(name, opener)
}

// Open opens a registered cache backend
func Open(name string, params map[string]any) (QueryCache, error) {
	opener, ok := openers.Load(name)
	if !ok {
		return nil, errors.New(errors.NotFound, "cache backend %s is not registered", name)
	}
	return opener(params)
}

// Backends returns the names of the registered cache backends
func Backends() []string {
	var names []string
	openers.Range(func(key string, _ Opener) bool {
		names = append(names, key)
		return true
	})
	return names
}
