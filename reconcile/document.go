package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/brunobiangulo/emrsync/schema"
)

// Record is one entity record as it appears in an extraction document.
type Record map[string]any

// asRecord accepts both Record and the plain maps json.Decoder produces for
// nested objects.
func asRecord(v any) (Record, bool) {
	switch m := v.(type) {
	case Record:
		return m, m != nil
	case map[string]any:
		return Record(m), m != nil
	}
	return nil, false
}

// Document is a parsed extraction document. Stages never modify a Document
// they receive; each returns a new one.
type Document struct {
	Patient  Record
	Sections map[schema.Section][]Record
	// Ignored lists top-level keys that are not entity sections.
	Ignored []string
}

// Records returns the records of one section.
func (d Document) Records(s schema.Section) []Record {
	return d.Sections[s]
}

// Len returns the number of records across all sections, patient included.
func (d Document) Len() int {
	n := 0
	if d.Patient != nil {
		n++
	}
	for _, recs := range d.Sections {
		n += len(recs)
	}
	return n
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := Document{
		Sections: make(map[schema.Section][]Record, len(d.Sections)),
	}
	if d.Patient != nil {
		out.Patient = cloneRecord(d.Patient)
	}
	for s, recs := range d.Sections {
		cp := make([]Record, len(recs))
		for i, r := range recs {
			cp[i] = cloneRecord(r)
		}
		out.Sections[s] = cp
	}
	if len(d.Ignored) > 0 {
		out.Ignored = append([]string(nil), d.Ignored...)
	}
	return out
}

func cloneRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Record:
		return cloneRecord(x)
	case map[string]any:
		return map[string]any(cloneRecord(Record(x)))
	case []any:
		cp := make([]any, len(x))
		for i, e := range x {
			cp[i] = cloneValue(e)
		}
		return cp
	}
	return v
}

// DecodeDocument reads an extraction document. Numbers are kept as
// json.Number so large identifiers survive intact.
func DecodeDocument(r io.Reader) (Document, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return FromMap(raw)
}

// ParseDocument is DecodeDocument over a byte slice.
func ParseDocument(data []byte) (Document, error) {
	return DecodeDocument(bytes.NewReader(data))
}

// FromMap builds a Document from a decoded JSON object. A single mapping
// where a list is expected is treated as a one-element list, and a null
// section as an empty one.
func FromMap(raw map[string]any) (Document, error) {
	doc := Document{Sections: make(map[schema.Section][]Record)}
	for key, v := range raw {
		s := schema.Section(key)
		if s == schema.Patient {
			p, err := patientRecord(v)
			if err != nil {
				return Document{}, err
			}
			doc.Patient = p
			continue
		}
		if _, ok := schema.Lookup(s); !ok {
			doc.Ignored = append(doc.Ignored, key)
			continue
		}
		recs, err := sectionRecords(s, v)
		if err != nil {
			return Document{}, err
		}
		if len(recs) > 0 {
			doc.Sections[s] = recs
		}
	}
	sort.Strings(doc.Ignored)
	return doc, nil
}

func patientRecord(v any) (Record, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []any:
		// tolerate a one-element list
		if len(x) == 1 {
			return patientRecord(x[0])
		}
		if len(x) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: patient holds %d records", ErrMalformedDocument, len(x))
	}
	rec, ok := asRecord(v)
	if !ok {
		return nil, fmt.Errorf("%w: patient is a %T", ErrMalformedDocument, v)
	}
	return rec, nil
}

func sectionRecords(s schema.Section, v any) ([]Record, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]Record, 0, len(x))
		for i, e := range x {
			rec, ok := asRecord(e)
			if !ok {
				return nil, &RecordError{Section: s, Index: i, Err: fmt.Errorf("%w: record is a %T", ErrMalformedDocument, e)}
			}
			out = append(out, rec)
		}
		return out, nil
	}
	rec, ok := asRecord(v)
	if !ok {
		return nil, fmt.Errorf("%w: section %s is a %T", ErrMalformedDocument, s, v)
	}
	return []Record{rec}, nil
}

// Map converts the document back to a plain JSON-shaped object.
func (d Document) Map() map[string]any {
	out := make(map[string]any, len(d.Sections)+1)
	if d.Patient != nil {
		out[string(schema.Patient)] = map[string]any(d.Patient)
	}
	for s, recs := range d.Sections {
		list := make([]any, len(recs))
		for i, r := range recs {
			list[i] = map[string]any(r)
		}
		out[string(s)] = list
	}
	return out
}

// MarshalJSON encodes the document in the extraction shape.
func (d Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Map())
}

// UnmarshalJSON decodes the extraction shape.
func (d *Document) UnmarshalJSON(data []byte) error {
	doc, err := ParseDocument(data)
	if err != nil {
		return err
	}
	*d = doc
	return nil
}
