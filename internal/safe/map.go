package safe

import (
	"sort"
	"sync"
)

// Map is a concurrency & type safe map
type Map[T any] struct {
	mu   sync.RWMutex
	data map[string]T
}

func NewMap[T any](data map[string]T) *Map[T] {
	if data == nil {
		data = map[string]T{}
	}
	return &Map[T]{
		data: data,
	}
}

func (m *Map[T]) Get(key string) T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key]
}

// Load returns the value and whether it was present
func (m *Map[T]) Load(key string) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *Map[T]) Exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok
}

func (m *Map[T]) Set(key string, value T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]T{}
	}
	m.data[key] = value
}

// SetFunc replaces the value under key with the result of fn while holding the write lock.
// If fn returns false the key is deleted.
func (m *Map[T]) SetFunc(key string, fn func(current T, exists bool) (T, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]T{}
	}
	current, exists := m.data[key]
	next, keep := fn(current, exists)
	if !keep {
		delete(m.data, key)
		return
	}
	m.data[key] = next
}

func (m *Map[T]) Del(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

func (m *Map[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Range iterates over a copy of the map in key order so fn may mutate the map
func (m *Map[T]) Range(fn func(key string, t T) bool) {
	data := m.AsMap()
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !fn(key, data[key]) {
			break
		}
	}
}

func (m *Map[T]) AsMap() map[string]T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data := make(map[string]T, len(m.data))
	for key, entry := range m.data {
		data[key] = entry
	}
	return data
}
