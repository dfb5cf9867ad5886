package rtsync

import (
	"context"
)

// Status is the lifecycle state of a transport channel
type Status int

const (
	// Connecting is reported while the channel handshake is in flight
	Connecting Status = iota
	// Subscribed is reported once the handshake completed and events flow
	Subscribed
	// ChannelError is a retryable channel failure
	ChannelError
	// TimedOut is a retryable handshake or heartbeat timeout
	TimedOut
	// Closed is reported after an explicit teardown and is terminal
	Closed
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Subscribed:
		return "SUBSCRIBED"
	case ChannelError:
		return "CHANNEL_ERROR"
	case TimedOut:
		return "TIMED_OUT"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether the supervisor should reconnect after s
func (s Status) Retryable() bool {
	return s == ChannelError || s == TimedOut
}

// ChannelSpec describes the change feed a channel listens to
type ChannelSpec struct {
	// Topic is the unique channel name, usually the subscription key
	Topic string `json:"topic" validate:"required"`
	// Schema is the database schema of the table
	Schema string `json:"schema"`
	// Table is the table whose row changes are delivered
	Table string `json:"table" validate:"required"`
	// Events restricts delivery to the given event types. Empty means all.
	Events []EventType `json:"events,omitempty"`
}

// Accepts reports whether an event on the spec's table passes its event filter
func (c ChannelSpec) Accepts(e ChangeEvent) bool {
	if e.Table != c.Table {
		return false
	}
	if c.Schema != "" && e.Schema != "" && e.Schema != c.Schema {
		return false
	}
	if len(c.Events) == 0 {
		return true
	}
	for _, t := range c.Events {
		if t == e.Type {
			return true
		}
	}
	return false
}

// EventHandler receives change events in transport order
type EventHandler func(event ChangeEvent)

// StatusHandler receives channel status transitions. err is set for ChannelError and TimedOut.
type StatusHandler func(status Status, err error)

// Channel is a single live change feed subscription
type Channel interface {
	// Subscribe starts the handshake. Statuses and events are delivered through the handlers,
	// never returned.
	Subscribe(ctx context.Context, onEvent EventHandler, onStatus StatusHandler) error
	// Close tears the channel down and reports Closed. It is idempotent.
	Close() error
}

// Transport opens change feed channels
type Transport interface {
	Open(ctx context.Context, spec ChannelSpec) (Channel, error)
}
