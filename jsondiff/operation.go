package jsondiff

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Kind is the type of change made to a row field
type Kind string

const (
	// Added indicates that a field was added
	Added Kind = "added"
	// Removed indicates that a field was removed
	Removed Kind = "removed"
	// Modified indicates that a field value was replaced
	Modified Kind = "modified"
)

// HiddenValue marks a value that the backend withheld due to access control.
type HiddenValue struct{}

// Hidden is the old value reported for fields of a redacted row.
var Hidden = HiddenValue{}

func (HiddenValue) String() string {
	return "<hidden by access control>"
}

// MarshalJSON implements the json.Marshaler interface.
func (h HiddenValue) MarshalJSON() ([]byte, error) {
	return marshal(h.String())
}

// Change is a change to a single (possibly nested) row field
type Change struct {
	Kind     Kind     `json:"kind"`
	Path     []string `json:"path"`
	Value    any      `json:"value"`
	OldValue any      `json:"oldValue"`
}

// Field returns the dotted path of the change
func (c Change) Field() string {
	return strings.Join(c.Path, ".")
}

// String implements the fmt.Stringer interface.
func (c Change) String() string {
	b, err := marshal(c)
	if err != nil {
		return "<invalid change>"
	}
	return string(b)
}

// Diff is an ordered list of field changes
type Diff []Change

// Fields returns the dotted paths of every change in the diff
func (d Diff) Fields() []string {
	fields := make([]string, 0, len(d))
	for _, c := range d {
		fields = append(fields, c.Field())
	}
	return fields
}

// Lines renders the diff one entry per line: `+ field: value` for added fields,
// `- field: value` for removed fields and a three line `~ field:` block for modified fields.
func (d Diff) Lines() []string {
	var lines []string
	for _, c := range d {
		switch c.Kind {
		case Added:
			lines = append(lines, "+ "+c.Field()+": "+render(c.Value))
		case Removed:
			lines = append(lines, "- "+c.Field()+": "+render(c.OldValue))
		default:
			lines = append(lines,
				"~ "+c.Field()+":",
				"    old: "+render(c.OldValue),
				"    new: "+render(c.Value),
			)
		}
	}
	return lines
}

// String implements the fmt.Stringer interface.
func (d Diff) String() string {
	return strings.Join(d.Lines(), "\n")
}

func render(value any) string {
	if h, ok := value.(HiddenValue); ok {
		return h.String()
	}
	b, err := marshal(value)
	if err != nil {
		return "<unrenderable>"
	}
	return string(b)
}

// marshal encodes v as json without escaping html characters
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
