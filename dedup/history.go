// Package dedup recognizes redelivered change events and coalesces bursts of them.
package dedup

import "sync"

// DefaultHistorySize is the number of event identities remembered per subscription
const DefaultHistorySize = 10

// History is a bounded, oldest-evicted set of recently processed event identities
type History struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

// NewHistory returns a History remembering up to capacity identities
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// ShouldProcess returns false if identity was already seen. Otherwise it records identity,
// evicting the oldest entry when full, and returns true.
func (h *History) ShouldProcess(identity string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.seen[identity]; ok {
		return false
	}
	if len(h.order) >= h.capacity {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.seen, oldest)
	}
	h.order = append(h.order, identity)
	h.seen[identity] = struct{}{}
	return true
}

// Len returns the number of remembered identities
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}

// Reset forgets every identity
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.order = nil
	h.seen = make(map[string]struct{}, h.capacity)
}
