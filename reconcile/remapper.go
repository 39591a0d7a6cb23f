package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/brunobiangulo/emrsync/schema"
)

// RemapTable maps visit temp ids to the surrogate ids the store assigned.
type RemapTable map[string]int64

// Lookup resolves a raw visit_id value.
func (t RemapTable) Lookup(v any) (int64, bool) {
	key, ok := TempKey(v)
	if !ok {
		return 0, false
	}
	id, ok := t[key]
	return id, ok
}

// TempKey normalises a visit temp id so that 1, 1.0, "1" and "01" name the
// same visit. Non-numeric strings are kept as written, trimmed.
func TempKey(v any) (string, bool) {
	var f float64
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return "", false
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return s, true
		}
		f = n
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return x.String(), true
		}
		f = n
	case float64:
		f = x
	case int64:
		return strconv.FormatInt(x, 10), true
	case int:
		return strconv.Itoa(x), true
	default:
		return "", false
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), true
	}
	return strconv.FormatFloat(f, 'g', -1, 64), true
}

// PersistVisits inserts every visit in input order, one at a time, and
// returns a copy of doc without the visit section in which each dependent
// record's visit_id holds a surrogate id. Visits must already have been
// through Rewrite.
func PersistVisits(ctx context.Context, q Querier, opts Options, doc Document) (Document, RemapTable, error) {
	opts = opts.withDefaults()
	out := doc.Clone()
	e := schema.MustLookup(schema.Visit)
	remap := make(RemapTable, len(out.Sections[schema.Visit]))

	var hoisted []Record
	for i, v := range out.Sections[schema.Visit] {
		row, err := buildRow(e, v)
		if err != nil {
			return Document{}, nil, at(schema.Visit, i, "", err)
		}
		id, err := q.Insert(ctx, e.Table, row)
		if err != nil {
			return Document{}, nil, at(schema.Visit, i, "", err)
		}

		if raw := v["visit_id"]; raw != nil {
			key, ok := TempKey(raw)
			if !ok {
				return Document{}, nil, &RecordError{Section: schema.Visit, Index: i, Field: "visit_id",
					Err: fmt.Errorf("%w: temp id is a %T", ErrInvalidValue, raw)}
			}
			if _, dup := remap[key]; dup {
				return Document{}, nil, &RecordError{Section: schema.Visit, Index: i, Field: "visit_id",
					Err: fmt.Errorf("%w: %q", ErrDuplicateTempID, key)}
			}
			remap[key] = id
		}

		if opts.HoistVisitNotes {
			if note, ok := asRecord(v["visit_notes"]); ok {
				hoisted = append(hoisted, hoistNote(note, v, id))
			}
		}
	}
	delete(out.Sections, schema.Visit)

	for _, s := range schema.DependentSections() {
		for i, rec := range out.Sections[s] {
			if err := remapVisitID(rec, remap, opts.UnresolvedVisit); err != nil {
				return Document{}, nil, at(s, i, "visit_id", err)
			}
		}
	}

	// hoisted notes already carry a surrogate id, so they join after the remap
	if len(hoisted) > 0 {
		out.Sections[schema.VisitNotes] = append(out.Sections[schema.VisitNotes], hoisted...)
	}
	return out, remap, nil
}

// hoistNote turns a note embedded in a visit into a standalone visit note
// attached to the visit's surrogate id.
func hoistNote(note, visit Record, visitID int64) Record {
	n := cloneRecord(note)
	n["visit_id"] = visitID
	if n["patient_id"] == nil {
		n["patient_id"] = visit["patient_id"]
	}
	return n
}

func remapVisitID(rec Record, remap RemapTable, policy UnresolvedVisitPolicy) error {
	raw, ok := rec["visit_id"]
	if !ok || raw == nil {
		return nil
	}
	key, ok := TempKey(raw)
	if !ok {
		return fmt.Errorf("%w: temp id is a %T", ErrInvalidValue, raw)
	}
	if id, found := remap[key]; found {
		rec["visit_id"] = id
		return nil
	}

	switch policy {
	case UnresolvedKeep:
		slog.Warn("reconcile: visit_id has no matching visit, keeping it", "visit_id", key)
	case UnresolvedNull:
		slog.Warn("reconcile: visit_id has no matching visit, clearing it", "visit_id", key)
		rec["visit_id"] = nil
	default:
		return fmt.Errorf("%w: no visit with temp id %q", ErrUnresolvedReference, key)
	}
	return nil
}
