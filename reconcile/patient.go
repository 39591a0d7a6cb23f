package reconcile

import (
	"context"
	"time"

	"github.com/brunobiangulo/emrsync/schema"
	"github.com/brunobiangulo/emrsync/store"
)

// ResolvePatient finds or creates the document's patient and returns its
// id together with a copy of doc that no longer holds the patient record.
//
// The caller-supplied patient_id is looked up first; without one the
// medical record number is used. A new patient keeps the caller's id when
// there is one.
func ResolvePatient(ctx context.Context, q Querier, doc Document, now func() time.Time) (int64, Document, bool, error) {
	if doc.Patient == nil {
		return 0, Document{}, false, ErrMissingPatient
	}
	e := schema.MustLookup(schema.Patient)
	p := doc.Patient

	var pid any
	if raw := p["patient_id"]; raw != nil {
		v, err := schema.Column{Name: "patient_id", Type: schema.Integer}.Coerce(raw)
		if err != nil {
			return 0, Document{}, false, &RecordError{Section: schema.Patient, Index: -1, Field: "patient_id", Err: err}
		}
		pid = v
	}

	vals, err := patientValues(e, p)
	if err != nil {
		return 0, Document{}, false, err
	}
	mrn := vals["medical_record_number"]

	var cond *store.Cond
	switch {
	case pid != nil:
		cond = &store.Cond{Column: "id", Value: pid}
	case mrn != nil:
		cond = &store.Cond{Column: "medical_record_number", Value: mrn}
	}

	out := doc.Clone()
	out.Patient = nil

	if cond != nil {
		ids, err := q.FindIDs(ctx, e.Table, []store.Cond{*cond}, 1)
		if err != nil {
			return 0, Document{}, false, err
		}
		if len(ids) > 0 {
			return ids[0], out, false, nil
		}
	}

	var row store.Row
	if pid != nil {
		row = append(row, store.Field{Name: "id", Value: pid})
	}
	if mrn != nil {
		row = append(row, store.Field{Name: "medical_record_number", Value: mrn})
	}
	created := vals["created_date"]
	if created == nil {
		created = now().UTC()
	}
	row = append(row, store.Field{Name: "created_date", Value: created})
	if u := vals["updated_date"]; u != nil {
		row = append(row, store.Field{Name: "updated_date", Value: u})
	}

	id, err := q.Insert(ctx, e.Table, row)
	if err != nil {
		return 0, Document{}, false, &RecordError{Section: schema.Patient, Index: -1, Err: err}
	}
	return id, out, true, nil
}

func patientValues(e *schema.Entity, p Record) (Record, error) {
	out := make(Record, len(e.Columns))
	for _, c := range e.Columns {
		v, err := c.Coerce(p[c.Name])
		if err != nil {
			return nil, &RecordError{Section: schema.Patient, Index: -1, Field: c.Name, Err: err}
		}
		if v != nil {
			out[c.Name] = v
		}
	}
	return out, nil
}

// StampPatient returns a copy of doc in which every visit and dependent
// record belongs to patient id.
func StampPatient(doc Document, id int64) Document {
	out := doc.Clone()
	for _, s := range rewriteOrder() {
		for _, rec := range out.Sections[s] {
			rec["patient_id"] = id
		}
	}
	for _, v := range out.Sections[schema.Visit] {
		if note, ok := asRecord(v["visit_notes"]); ok {
			note["patient_id"] = id
		}
	}
	return out
}
