package rtsync

import (
	"context"
)

// Handler takes full control of reconciling a change event
type Handler func(ctx context.Context, event ChangeEvent, diff []FieldChange) error

// Strategy selects how a subscription reconciles the cache. It is fixed at construction.
type Strategy struct {
	handler Handler
}

// Default patches and invalidates the query cache according to the relation table
func Default() Strategy {
	return Strategy{}
}

// Custom hands every event to handler and leaves the cache alone. A nil handler is Default.
func Custom(handler Handler) Strategy {
	return Strategy{handler: handler}
}

// IsCustom reports whether the strategy delegates to a caller handler
func (s Strategy) IsCustom() bool {
	return s.handler != nil
}

func (s Strategy) String() string {
	if s.IsCustom() {
		return "custom"
	}
	return "default"
}
