// Package validate checks an extraction document against the static schema
// before reconciliation. The report is informational: callers log it and
// carry on, leaving hard failures to the reconciler.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/brunobiangulo/emrsync/schema"
)

// Issue is one problem with one record. Index is nil for problems with the
// section as a whole.
type Issue struct {
	Index   *int   `json:"index"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// SectionReport lists the record indexes that passed and the issues found.
type SectionReport struct {
	Valid  []int   `json:"valid"`
	Errors []Issue `json:"errors"`
}

// Report is the result of validating one document.
type Report struct {
	Sections map[string]*SectionReport `json:"sections"`
	// Unknown lists top-level keys that are not entity sections.
	Unknown []string `json:"unknown,omitempty"`
}

// OK reports whether no issue was found.
func (r *Report) OK() bool { return r.ErrorCount() == 0 }

// ErrorCount is the number of issues across all sections.
func (r *Report) ErrorCount() int {
	n := 0
	for _, s := range r.Sections {
		n += len(s.Errors)
	}
	return n
}

// ValidateJSON decodes and validates a document.
func ValidateJSON(data []byte) (*Report, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("validate: decoding document: %w", err)
	}
	return Validate(raw), nil
}

// Validate checks every extraction section present in raw. Sections that are
// absent get an empty report.
func Validate(raw map[string]any) *Report {
	rep := &Report{Sections: make(map[string]*SectionReport)}
	for _, s := range schema.ExtractionSections() {
		rep.Sections[string(s)] = validateSection(s, raw[string(s)])
	}

	known := make(map[string]bool)
	for _, e := range schema.Entities() {
		known[string(e.Section)] = true
	}
	for k := range raw {
		if !known[k] {
			rep.Unknown = append(rep.Unknown, k)
		}
	}
	sort.Strings(rep.Unknown)
	return rep
}

func validateSection(s schema.Section, v any) *SectionReport {
	sr := &SectionReport{Valid: []int{}, Errors: []Issue{}}
	if v == nil {
		return sr
	}

	var items []any
	switch x := v.(type) {
	case []any:
		items = x
		if !schema.IsList(s) && len(x) > 1 {
			sr.Errors = append(sr.Errors, Issue{Message: fmt.Sprintf("expected one %s object, got %d", s, len(x))})
			return sr
		}
	case map[string]any:
		if schema.IsList(s) {
			sr.Errors = append(sr.Errors, Issue{Message: fmt.Sprintf("expected a list of objects for section %q, got an object", s)})
			return sr
		}
		items = []any{x}
	default:
		sr.Errors = append(sr.Errors, Issue{Message: fmt.Sprintf("expected a list of objects for section %q, got %s", s, kindOf(v))})
		return sr
	}

	for i, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			sr.Errors = append(sr.Errors, Issue{Index: index(i), Message: "expected an object, got " + kindOf(item)})
			continue
		}
		issues := checkRecord(s, rec, "")
		if len(issues) == 0 {
			sr.Valid = append(sr.Valid, i)
			continue
		}
		for _, is := range issues {
			is.Index = index(i)
			sr.Errors = append(sr.Errors, is)
		}
	}
	return sr
}

// extras are fields the extraction shape carries beyond the table columns.
var extras = map[schema.Section][]schema.Column{
	schema.Patient: {{Name: "patient_id", Type: schema.Integer}},
}

// checkRecord validates one record. prefix names the enclosing field for
// nested objects ("primary_provider.").
func checkRecord(s schema.Section, rec map[string]any, prefix string) []Issue {
	e := schema.MustLookup(s)
	var issues []Issue

	nested := make(map[string]schema.Section)
	for _, r := range schema.ReferencesFor(s) {
		if len(r.Path) == 1 {
			nested[r.Field()] = r.Kind
		}
	}
	if s == schema.Visit {
		nested["visit_notes"] = schema.VisitNotes
	}

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := rec[k]
		if kind, ok := nested[k]; ok {
			switch x := v.(type) {
			case nil:
			case map[string]any:
				issues = append(issues, checkRecord(kind, x, prefix+k+".")...)
			default:
				issues = append(issues, Issue{Field: prefix + k, Message: "expected an object, got " + kindOf(v)})
			}
			continue
		}

		if k == "visit_id" {
			// temp ids may be numbers or strings
			switch v.(type) {
			case map[string]any, []any:
				issues = append(issues, Issue{Field: prefix + k, Message: "expected a visit temp id, got " + kindOf(v)})
			}
			continue
		}

		col, ok := e.Column(k)
		if !ok {
			col, ok = extraColumn(s, k)
		}
		if !ok {
			continue
		}
		if msg := checkValue(col, v); msg != "" {
			issues = append(issues, Issue{Field: prefix + k, Message: msg})
		}
	}

	for _, c := range e.Columns {
		if c.Required && rec[c.Name] == nil {
			issues = append(issues, Issue{Field: prefix + c.Name, Message: "field required"})
		}
	}
	return issues
}

func extraColumn(s schema.Section, name string) (schema.Column, bool) {
	for _, c := range extras[s] {
		if c.Name == name {
			return c, true
		}
	}
	return schema.Column{}, false
}

// checkValue returns a message describing why v does not fit c, or "".
func checkValue(c schema.Column, v any) string {
	if v == nil {
		return ""
	}
	out, err := c.Coerce(v)
	if err != nil {
		return err.Error()
	}
	switch x := out.(type) {
	case string:
		if c.Type == schema.String && c.Size > 0 && utf8.RuneCountInString(x) > c.Size {
			return fmt.Sprintf("longer than %d characters", c.Size)
		}
	case int64:
		return checkBounds(c, float64(x))
	case float64:
		return checkBounds(c, x)
	}
	return ""
}

func checkBounds(c schema.Column, n float64) string {
	if c.Min != nil && n < *c.Min {
		return fmt.Sprintf("%v is below the minimum %v", n, *c.Min)
	}
	if c.Max != nil && n > *c.Max {
		return fmt.Sprintf("%v is above the maximum %v", n, *c.Max)
	}
	return ""
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "an object"
	case []any:
		return "a list"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case json.Number, float64:
		return "a number"
	}
	return fmt.Sprintf("%T", v)
}

func index(i int) *int { return &i }
