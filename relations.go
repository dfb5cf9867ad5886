package rtsync

import (
	_ "embed"
	"encoding/json"
	"sort"

	"github.com/autom8ter/rtsync/cache"
	"github.com/autom8ter/rtsync/errors"
	"github.com/autom8ter/rtsync/util"
)

//go:embed relations.yaml
var defaultRelations []byte

// Relation is the explicit list of cache keys a table's changes invalidate
type Relation struct {
	// Invalidates are key prefixes invalidated on every change to the table
	Invalidates []cache.Key `json:"invalidates"`
	// Notify optionally overrides the notification template for the table
	Notify string `json:"notify,omitempty"`
}

// Relations maps table names to the cache keys their changes invalidate. Tables missing from the
// map invalidate only their own list key.
type Relations struct {
	Tables map[string]Relation `json:"tables"`
}

// DefaultRelations returns the inventory relation table bundled with the module
func DefaultRelations() Relations {
	r, err := LoadRelations(defaultRelations)
	if err != nil {
		panic(err)
	}
	return r
}

// LoadRelations parses a yaml (or json) relation table
func LoadRelations(content []byte) (Relations, error) {
	jsonContent, err := util.YAMLToJSON(content)
	if err != nil {
		return Relations{}, errors.Wrap(err, errors.Validation, "invalid relations")
	}
	var r Relations
	if err := json.Unmarshal(jsonContent, &r); err != nil {
		return Relations{}, errors.Wrap(err, errors.Validation, "invalid relations")
	}
	for table, rel := range r.Tables {
		for _, key := range rel.Invalidates {
			if len(key) == 0 {
				return Relations{}, errors.New(errors.Validation, "table %s declares an empty invalidation key", table)
			}
		}
		if rel.Notify != "" {
			if _, err := parseSummaryTemplate(table, rel.Notify); err != nil {
				return Relations{}, errors.Wrap(err, errors.Validation, "table %s declares an invalid notify template", table)
			}
		}
	}
	return r, nil
}

// Keys returns the invalidation keys for table
func (r Relations) Keys(table string) []cache.Key {
	rel, ok := r.Tables[table]
	if !ok || len(rel.Invalidates) == 0 {
		return []cache.Key{cache.ListKey(table)}
	}
	keys := make([]cache.Key, 0, len(rel.Invalidates))
	for _, k := range rel.Invalidates {
		keys = append(keys, append(cache.Key{}, k...))
	}
	return keys
}

// Template returns the notify template override for table, if any
func (r Relations) Template(table string) string {
	return r.Tables[table].Notify
}

// Names returns the sorted table names declared in the relation table
func (r Relations) Names() []string {
	var names []string
	for name := range r.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
