package rtsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/autom8ter/rtsync/jsondiff"
)

// FieldChange is a change to a single row field
type FieldChange = jsondiff.Change

// ComputeDiff returns the field level changes an event describes. It never fails: missing rows
// and fields are treated as absent.
func ComputeDiff(event ChangeEvent, primaryKey string) []FieldChange {
	if primaryKey == "" {
		primaryKey = DefaultPrimaryKey
	}
	switch event.Type {
	case Insert:
		return jsondiff.Inserted(event.New)
	case Delete:
		return jsondiff.Deleted(event.Old)
	case Update:
		if jsondiff.IsRedacted(event.Old, primaryKey) {
			return jsondiff.Redacted(event.New, primaryKey)
		}
		return jsondiff.Compare(event.Old, event.New)
	default:
		return []FieldChange{}
	}
}

// FormatForDisplay renders changes as a multi line, human readable block:
//
//	[UPDATE] items
//	at 2024-01-02T15:04:05Z
//	~ stock:
//	    old: <hidden by access control>
//	    new: 3
func FormatForDisplay(changes []FieldChange, eventType EventType, table string, ts time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", eventType, table)
	fmt.Fprintf(&b, "at %s", ts.UTC().Format(time.RFC3339))
	for _, line := range jsondiff.Diff(changes).Lines() {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}
