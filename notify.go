package rtsync

import (
	"bytes"
	"context"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/huandu/xstrings"

	"github.com/autom8ter/rtsync/internal/safe"
	"github.com/autom8ter/rtsync/jsondiff"
)

// DefaultSummaryTemplate renders notification messages for tables without an override
const DefaultSummaryTemplate = `{{ humanize .Table }} {{ .ID }} {{ .Action }}{{ with .Fields }}: {{ join ", " . }}{{ end }}`

// Notification is a best effort, user visible summary of a change
type Notification struct {
	Level   string    `json:"level"`
	Table   string    `json:"table"`
	Type    EventType `json:"type"`
	ID      string    `json:"id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier surfaces notifications to the user
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to the Notifier interface
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

// LogNotifier writes notifications to a logger
type LogNotifier struct {
	Logger Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) {
	l.Logger.Info(ctx, n.Message, map[string]any{
		"table": n.Table,
		"type":  n.Type,
		"id":    n.ID,
	})
}

// SummaryData is the data passed to summary templates
type SummaryData struct {
	Table   string
	Type    EventType
	Action  string
	ID      string
	Row     Row
	Changes []FieldChange
}

// Get returns a field of the affected row
func (s SummaryData) Get(field string) any {
	return s.Row[field]
}

// Fields returns the changed field paths of an update, or nothing for inserts and deletes
func (s SummaryData) Fields() []string {
	if s.Type != Update {
		return nil
	}
	return jsondiff.Diff(s.Changes).Fields()
}

func humanize(s string) string {
	return xstrings.FirstRuneToUpper(strings.ReplaceAll(xstrings.ToSnakeCase(s), "_", " "))
}

func parseSummaryTemplate(name, text string) (*template.Template, error) {
	return template.New(name).
		Funcs(sprig.TxtFuncMap()).
		Funcs(template.FuncMap{"humanize": humanize}).
		Option("missingkey=zero").
		Parse(text)
}

// summarizer renders notification messages, caching parsed templates per table
type summarizer struct {
	relations Relations
	fallback  *template.Template
	templates *safe.Map[*template.Template]
}

func newSummarizer(relations Relations) *summarizer {
	fallback, err := parseSummaryTemplate("default", DefaultSummaryTemplate)
	if err != nil {
		panic(err)
	}
	return &summarizer{
		relations: relations,
		fallback:  fallback,
		templates: safe.NewMap(map[string]*template.Template{}),
	}
}

func (s *summarizer) template(table string) *template.Template {
	text := s.relations.Template(table)
	if text == "" {
		return s.fallback
	}
	if t, ok := s.templates.Load(table); ok {
		return t
	}
	t, err := parseSummaryTemplate(table, text)
	if err != nil {
		t = s.fallback
	}
	s.templates.Set(table, t)
	return t
}

func (s *summarizer) summarize(event ChangeEvent, primaryKey string, diff []FieldChange) string {
	row := event.New
	if event.Type == Delete || len(row) == 0 {
		row = event.Old
	}
	data := SummaryData{
		Table:   event.Table,
		Type:    event.Type,
		Action:  action(event.Type),
		ID:      event.PrimaryKey(primaryKey),
		Row:     row,
		Changes: diff,
	}
	var buf bytes.Buffer
	if err := s.template(event.Table).Execute(&buf, data); err != nil {
		buf.Reset()
		_ = s.fallback.Execute(&buf, data)
	}
	return strings.TrimSpace(buf.String())
}

func action(t EventType) string {
	switch t {
	case Insert:
		return "created"
	case Update:
		return "updated"
	case Delete:
		return "deleted"
	default:
		return "changed"
	}
}
