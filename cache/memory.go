package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/singleflight"

	"github.com/autom8ter/rtsync/internal/safe"
)

// Entry is a cached query result
type Entry struct {
	Key       Key       `json:"key"`
	Data      any       `json:"data"`
	Stale     bool      `json:"stale"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EventKind is the type of change an observer is told about
type EventKind string

const (
	Updated     EventKind = "updated"
	Removed     EventKind = "removed"
	Invalidated EventKind = "invalidated"
)

// Event tells an observer that an entry changed
type Event struct {
	Kind EventKind `json:"kind"`
	Key  Key       `json:"key"`
}

// Observer is notified of cache changes, typically to re-render a view
type Observer func(Event)

// MemoryOpt configures a Memory cache
type MemoryOpt func(m *Memory)

// WithClock sets the clock used to stamp entries
func WithClock(clk clock.Clock) MemoryOpt {
	return func(m *Memory) {
		m.clock = clk
	}
}

var _ QueryCache = (*Memory)(nil)

// Memory is an in-process query cache. Invalidated entries keep their data but are
// refetched by the next Fetch.
type Memory struct {
	entries   *safe.Map[Entry]
	observers *safe.Map[Observer]
	group     singleflight.Group
	clock     clock.Clock
	fetches   int64
}

// NewMemory returns an empty in-memory cache
func NewMemory(opts ...MemoryOpt) *Memory {
	m := &Memory{
		entries:   safe.NewMap[Entry](nil),
		observers: safe.NewMap[Observer](nil),
		clock:     clock.WallClock,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Get returns the entry at key
func (m *Memory) Get(key Key) (Entry, bool) {
	return m.entries.Load(key.String())
}

// Keys returns the keys of every cached entry
func (m *Memory) Keys() []Key {
	var keys []Key
	m.entries.Range(func(_ string, e Entry) bool {
		keys = append(keys, e.Key)
		return true
	})
	return keys
}

// Fetch returns the fresh entry at key, calling fetch when the entry is missing or stale.
// Concurrent fetches of one key share a single call.
func (m *Memory) Fetch(ctx context.Context, key Key, fetch func(ctx context.Context) (any, error)) (any, error) {
	if e, ok := m.Get(key); ok && !e.Stale {
		return e.Data, nil
	}
	v, err, _ := m.group.Do(key.String(), func() (any, error) {
		atomic.AddInt64(&m.fetches, 1)
		data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.SetData(ctx, key, data); err != nil {
			return nil, err
		}
		return data, nil
	})
	return v, err
}

// Fetches returns the number of fetch calls made by Fetch
func (m *Memory) Fetches() int64 {
	return atomic.LoadInt64(&m.fetches)
}

// Observe registers fn for change events and returns a function that unregisters it
func (m *Memory) Observe(fn Observer) func() {
	id := ksuid.New().String()
	m.observers.Set(id, fn)
	return func() {
		m.observers.Del(id)
	}
}

func (m *Memory) Invalidate(ctx context.Context, keys ...Key) error {
	var events []Event
	m.entries.Range(func(k string, e Entry) bool {
		for _, prefix := range keys {
			if !e.Key.HasPrefix(prefix) {
				continue
			}
			m.entries.SetFunc(k, func(current Entry, exists bool) (Entry, bool) {
				if !exists {
					return current, false
				}
				current.Stale = true
				return current, true
			})
			events = append(events, Event{Kind: Invalidated, Key: e.Key})
			break
		}
		return true
	})
	m.notify(events...)
	return nil
}

func (m *Memory) SetData(ctx context.Context, key Key, value any) error {
	m.entries.Set(key.String(), Entry{
		Key:       key,
		Data:      value,
		UpdatedAt: m.clock.Now(),
	})
	m.notify(Event{Kind: Updated, Key: key})
	return nil
}

func (m *Memory) RemoveData(ctx context.Context, key Key) error {
	if !m.entries.Exists(key.String()) {
		return nil
	}
	m.entries.Del(key.String())
	m.notify(Event{Kind: Removed, Key: key})
	return nil
}

func (m *Memory) notify(events ...Event) {
	if len(events) == 0 {
		return
	}
	m.observers.Range(func(_ string, fn Observer) bool {
		for _, e := range events {
			fn(e)
		}
		return true
	})
}
