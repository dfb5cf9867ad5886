package rtsync

import (
	"time"

	"github.com/segmentio/ksuid"

	"github.com/autom8ter/rtsync/cache"
	"github.com/autom8ter/rtsync/registry"
	"github.com/autom8ter/rtsync/util"
)

const (
	// DefaultDebounce is how long a subscription waits for a burst of events to settle
	DefaultDebounce = 300 * time.Millisecond
	// DefaultRetryAttempts is how many times a failed channel is reconnected
	DefaultRetryAttempts = 3
)

// SubscribeOptions configures a single subscription
type SubscribeOptions struct {
	// Enabled set to false makes Subscribe return an inert subscription
	Enabled bool `json:"enabled"`
	// Strategy selects default cache reconciliation or a caller handler
	Strategy Strategy `json:"-"`
	// QueryKey is invalidated on inserts in addition to the table's relations
	QueryKey cache.Key `json:"queryKey,omitempty"`
	// Instance distinguishes subscriptions of the same table and query key
	Instance string `json:"instance" validate:"required"`
	// Debounce coalesces bursts of events. Zero reconciles every event immediately.
	Debounce time.Duration `json:"debounce" validate:"min=0"`
	// RetryAttempts bounds reconnects after channel errors and timeouts
	RetryAttempts int `json:"retryAttempts" validate:"min=0"`
	// SilentMode suppresses user notifications
	SilentMode bool `json:"silentMode"`
	// DetailedLogging logs every received event
	DetailedLogging bool `json:"detailedLogging"`
	// ShowDiff logs the rendered field diff of every processed event
	ShowDiff bool `json:"showDiff"`
	// Schema is the database schema of the table
	Schema string `json:"schema" validate:"required"`
	// Events restricts the event types processed. Empty means all.
	Events []EventType `json:"events,omitempty" validate:"dive,oneof=INSERT UPDATE DELETE"`
}

// SubscribeOpt is an option for configuring a subscription
type SubscribeOpt func(o *SubscribeOptions)

// DefaultSubscribeOptions returns enabled options with the default debounce and retry bound
func DefaultSubscribeOptions() SubscribeOptions {
	return SubscribeOptions{
		Enabled:       true,
		Strategy:      Default(),
		Instance:      ksuid.New().String(),
		Debounce:      DefaultDebounce,
		RetryAttempts: DefaultRetryAttempts,
		Schema:        DefaultSchema,
	}
}

// NewSubscribeOptions applies opts on top of the defaults and validates the result
func NewSubscribeOptions(opts ...SubscribeOpt) (SubscribeOptions, error) {
	o := DefaultSubscribeOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := util.ValidateStruct(o); err != nil {
		return o, err
	}
	return o, nil
}

// Key returns the registry key of a subscription on table
func (o SubscribeOptions) Key(table string) registry.Key {
	scope := registry.CallbackScope
	if !o.Strategy.IsCustom() {
		scope = o.QueryKey.String()
		if scope == "" {
			scope = cache.ListKey(table).String()
		}
	}
	return registry.Key{Table: table, Scope: scope, Instance: o.Instance}
}

// WithEnabled enables or disables the subscription
func WithEnabled(enabled bool) SubscribeOpt {
	return func(o *SubscribeOptions) {
		o.Enabled = enabled
	}
}

// WithStrategy sets the reconciliation strategy
func WithStrategy(strategy Strategy) SubscribeOpt {
	return func(o *SubscribeOptions) {
		o.Strategy = strategy
	}
}

// WithHandler hands every event to handler instead of reconciling the cache
func WithHandler(handler Handler) SubscribeOpt {
	return WithStrategy(Custom(handler))
}

// WithQueryKey sets the query key owned by the subscription
func WithQueryKey(key cache.Key) SubscribeOpt {
	return func(o *SubscribeOptions) {
		o.QueryKey = key
	}
}

// WithInstance sets the instance id shared by subscriptions that should reuse one channel
func WithInstance(instance string) SubscribeOpt {
	return func(o *SubscribeOptions) {
		o.Instance = instance
	}
}

// WithDebounce sets the quiet window that batches bursts of events before reconciling. 0 flushes every event.
func WithDebounce(d time.Duration) SubscribeOpt {
	return func(o *SubscribeOptions) {
		o.Debounce = d
	}
}

// WithRetryAttempts sets how many reconnects follow a retryable channel failure
func WithRetryAttempts(n int) SubscribeOpt {
	return func(o *SubscribeOptions) {
		o.RetryAttempts = n
	}
}

// WithSilentMode suppresses change notifications for the subscription
func WithSilentMode(silent bool) SubscribeOpt {
	return func(o *SubscribeOptions) {
		o.SilentMode = silent
	}
}

// WithDetailedLogging logs every received change event
func WithDetailedLogging(enabled bool) SubscribeOpt {
	return func(o *SubscribeOptions) {
		o.DetailedLogging = enabled
	}
}

// WithShowDiff logs a readable field diff for every change
func WithShowDiff(enabled bool) SubscribeOpt {
	return func(o *SubscribeOptions) {
		o.ShowDiff = enabled
	}
}

// WithSchema sets the database schema of the subscribed table
func WithSchema(schema string) SubscribeOpt {
	return func(o *SubscribeOptions) {
		o.Schema = schema
	}
}

// WithEvents restricts the processed event types
func WithEvents(events ...EventType) SubscribeOpt {
	return func(o *SubscribeOptions) {
		o.Events = events
	}
}
