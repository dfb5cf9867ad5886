package rtsync

import (
	_ "embed"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/autom8ter/rtsync/errors"
	"github.com/autom8ter/rtsync/util"
)

//go:embed change_event.yaml
var changeEventSchema string

var (
	schemaOnce   sync.Once
	loadedSchema *gojsonschema.Schema
	schemaErr    error
)

func changeEventJSONSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		jsonContent, err := util.YAMLToJSON([]byte(changeEventSchema))
		if err != nil {
			schemaErr = err
			return
		}
		loadedSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(jsonContent))
	})
	return loadedSchema, schemaErr
}

// wireEvent accepts both the flat change feed shape (eventType/old/new) and the realtime
// channel shape (type/old_record/record).
type wireEvent struct {
	EventType       EventType `json:"eventType"`
	Type            EventType `json:"type"`
	Schema          string    `json:"schema"`
	Table           string    `json:"table"`
	Old             Row       `json:"old"`
	New             Row       `json:"new"`
	OldRecord       Row       `json:"old_record"`
	Record          Row       `json:"record"`
	CommitTimestamp string    `json:"commit_timestamp"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
}

// ParseCommitTimestamp parses the commit timestamp formats emitted by postgres backed feeds
func ParseCommitTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, errors.New(errors.Validation, "unparseable commit timestamp %q", s)
}

// DecodeChangeEvent validates raw against the change event schema and decodes it
func DecodeChangeEvent(raw []byte) (ChangeEvent, error) {
	schema, err := changeEventJSONSchema()
	if err != nil {
		return ChangeEvent{}, errors.Wrap(err, errors.Internal, "failed to load change event schema")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return ChangeEvent{}, errors.Wrap(err, errors.Validation, "malformed change event")
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return ChangeEvent{}, errors.New(errors.Validation, "invalid change event: %s", strings.Join(problems, ", "))
	}
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return ChangeEvent{}, errors.Wrap(err, errors.Validation, "malformed change event")
	}
	ts, err := ParseCommitTimestamp(w.CommitTimestamp)
	if err != nil {
		return ChangeEvent{}, err
	}
	e := ChangeEvent{
		Type:            w.EventType,
		Schema:          w.Schema,
		Table:           w.Table,
		Old:             w.Old,
		New:             w.New,
		CommitTimestamp: ts,
	}
	if e.Type == "" {
		e.Type = w.Type
	}
	if len(e.Old) == 0 {
		e.Old = w.OldRecord
	}
	if len(e.New) == 0 {
		e.New = w.Record
	}
	if e.Schema == "" {
		e.Schema = DefaultSchema
	}
	// realtime feeds send an empty record on delete
	if e.Type == Delete {
		e.New = nil
	}
	if err := e.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return e, nil
}

// EncodeChangeEvent encodes e in the flat change feed shape
func EncodeChangeEvent(e ChangeEvent) ([]byte, error) {
	if e.Schema == "" {
		e.Schema = DefaultSchema
	}
	bits, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, errors.Validation, "failed to encode change event")
	}
	return bits, nil
}
