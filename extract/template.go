package extract

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/brunobiangulo/emrsync/schema"
)

// object is a JSON object that keeps its keys in declaration order, so the
// template reads like the table definitions it is built from.
type object []member

type member struct {
	key   string
	value any
}

func (o object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(m.key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(m.value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (o object) lookup(key string) (any, bool) {
	for _, m := range o {
		if m.key == key {
			return m.value, true
		}
	}
	return nil, false
}

// field describes one scalar in the template.
type field struct {
	Type     string `json:"type"`
	Optional bool   `json:"optional"`
}

func typeName(t schema.Type) string {
	switch t {
	case schema.String, schema.Text:
		return "str"
	case schema.DateTime:
		return "datetime (YYYY-MM-DDTHH:MM:SS)"
	default:
		return t.String()
	}
}

// Template returns the JSON skeleton the model is asked to fill. Foreign
// keys are left out except patient_id and visit_id; embedded providers and
// departments appear as nested objects; list sections are wrapped in a
// one-element array. A known patient id is written in as a value.
func Template(patientID *int64) object {
	var out object
	for _, s := range schema.ExtractionSections() {
		rec := sectionTemplate(s, patientID)
		if schema.IsList(s) {
			out = append(out, member{string(s), []any{rec}})
		} else {
			out = append(out, member{string(s), rec})
		}
	}
	return out
}

// TemplateJSON is Template rendered with indentation.
func TemplateJSON(patientID *int64) (string, error) {
	b, err := json.MarshalIndent(Template(patientID), "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sectionTemplate(s schema.Section, patientID *int64) object {
	e := schema.MustLookup(s)

	embedded := make(map[string]schema.Reference)
	for _, r := range schema.ReferencesFor(s) {
		if len(r.Path) == 1 {
			embedded[r.Target()] = r
		}
	}

	var o object
	switch s {
	case schema.Patient:
		o = append(o, member{"patient_id", patientValue(patientID)})
	case schema.Visit:
		// provisional id other records point at
		o = append(o, member{"visit_id", field{Type: "int"}})
	}

	for _, c := range e.Columns {
		switch {
		case c.Name == "created_date":
			continue
		case c.Name == "patient_id":
			o = append(o, member{c.Name, patientValue(patientID)})
			continue
		}
		if r, ok := embedded[c.Name]; ok {
			o = append(o, member{r.Field(), sectionTemplate(r.Kind, patientID)})
			continue
		}
		if strings.HasSuffix(c.Name, "_id") && c.Name != "visit_id" {
			continue
		}
		o = append(o, member{c.Name, field{Type: typeName(c.Type), Optional: !c.Required}})
	}

	if s == schema.Visit {
		o = append(o, member{"visit_notes", sectionTemplate(schema.VisitNotes, patientID)})
	}
	return o
}

func patientValue(patientID *int64) any {
	if patientID != nil {
		return *patientID
	}
	return field{Type: "int", Optional: true}
}
