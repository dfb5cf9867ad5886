package rtsync

import (
	"time"

	"github.com/spf13/cast"

	"github.com/autom8ter/rtsync/errors"
)

// EventType is the kind of row mutation a change event describes
type EventType string

const (
	// Insert is a newly created row
	Insert EventType = "INSERT"
	// Update is a modified row
	Update EventType = "UPDATE"
	// Delete is a removed row
	Delete EventType = "DELETE"
)

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	switch t {
	case Insert, Update, Delete:
		return true
	default:
		return false
	}
}

const (
	// DefaultPrimaryKey is the primary key field of every table unless configured otherwise
	DefaultPrimaryKey = "id"
	// DefaultSchema is the database schema subscriptions listen on
	DefaultSchema = "public"
)

// Row is a row snapshot
type Row map[string]any

// ChangeEvent is a single row mutation delivered by a transport.
// Old may be redacted to only the primary key; New is absent on delete.
type ChangeEvent struct {
	Type            EventType `json:"eventType"`
	Schema          string    `json:"schema"`
	Table           string    `json:"table"`
	Old             Row       `json:"old,omitempty"`
	New             Row       `json:"new,omitempty"`
	CommitTimestamp time.Time `json:"commit_timestamp"`
}

// Validate checks the invariants every change event must hold
func (e ChangeEvent) Validate() error {
	if !e.Type.Valid() {
		return errors.New(errors.Validation, "unknown event type %q", e.Type)
	}
	if e.Table == "" {
		return errors.New(errors.Validation, "change event is missing its table")
	}
	if len(e.Old) == 0 && len(e.New) == 0 {
		return errors.New(errors.Validation, "%s event on %s carries neither an old nor a new row", e.Type, e.Table)
	}
	if e.CommitTimestamp.IsZero() {
		return errors.New(errors.Validation, "%s event on %s is missing its commit timestamp", e.Type, e.Table)
	}
	return nil
}

// PrimaryKey returns the affected row's primary key as a string, preferring the new row
func (e ChangeEvent) PrimaryKey(field string) string {
	if field == "" {
		field = DefaultPrimaryKey
	}
	if v, ok := e.New[field]; ok && v != nil {
		return cast.ToString(v)
	}
	if v, ok := e.Old[field]; ok && v != nil {
		return cast.ToString(v)
	}
	return ""
}

// Identity is the deduplication key of the event: its type, commit timestamp and primary key
func (e ChangeEvent) Identity(field string) string {
	return string(e.Type) + "|" + e.CommitTimestamp.UTC().Format(time.RFC3339Nano) + "|" + e.PrimaryKey(field)
}
