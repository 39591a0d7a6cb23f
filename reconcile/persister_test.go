package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brunobiangulo/emrsync/schema"
)

// ---------------------------------------------------------------------------
// Batch persister
// ---------------------------------------------------------------------------

func TestPersistAllFiltersAndCoerces(t *testing.T) {
	doc := mustParse(t, `{
		"vitalsigns": [{
			"patient_id": 5,
			"visit_id": 3,
			"measurement_datetime": "2024-03-01 09:00",
			"pulse_bpm": "72",
			"weight_kg": 81.5,
			"bmi": null,
			"made_up_field": "dropped"
		}]
	}`)
	q := newMemQuerier()
	counts, err := PersistAll(context.Background(), q, doc)
	if err != nil {
		t.Fatalf("persist all: %v", err)
	}
	if counts["vital_signs"] != 1 {
		t.Fatalf("counts: got %v", counts)
	}
	row := q.row(t, "vital_signs", 1)
	if _, ok := row["made_up_field"]; ok {
		t.Error("undeclared field should be dropped")
	}
	if _, ok := row["bmi"]; ok {
		t.Error("null column should be omitted")
	}
	if row["pulse_bpm"] != int64(72) {
		t.Errorf("pulse_bpm: got %#v", row["pulse_bpm"])
	}
	if row["weight_kg"] != 81.5 {
		t.Errorf("weight_kg: got %#v", row["weight_kg"])
	}
	if row["patient_id"] != int64(5) || row["visit_id"] != int64(3) {
		t.Errorf("foreign keys: got %#v / %#v", row["patient_id"], row["visit_id"])
	}
}

func TestPersistAllOrderAndCounts(t *testing.T) {
	doc := mustParse(t, `{
		"proceduretreatment": [],
		"symptom": [{"patient_id": 1, "symptom_name": "a"}, {"patient_id": 1, "symptom_name": "b"}],
		"diagnosis": [{"patient_id": 1, "diagnosis_name": "x"}],
		"visitnotes": [{"patient_id": 1}]
	}`)
	counts, err := PersistAll(context.Background(), newMemQuerier(), doc)
	if err != nil {
		t.Fatalf("persist all: %v", err)
	}
	want := Counts{"symptoms": 2, "diagnoses": 1, "visit_notes": 1}
	for table, n := range want {
		if counts[table] != n {
			t.Errorf("%s: got %d, want %d", table, counts[table], n)
		}
	}
}

func TestPersistAllMissingPatientID(t *testing.T) {
	doc := mustParse(t, `{"diagnosis": [{"patient_id": 1, "diagnosis_name": "x"}, {"diagnosis_name": "y"}]}`)
	_, err := PersistAll(context.Background(), newMemQuerier(), doc)
	if !errors.Is(err, ErrMissingRequiredField) {
		t.Fatalf("expected ErrMissingRequiredField, got %v", err)
	}
	var re *RecordError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RecordError, got %T", err)
	}
	if re.Section != schema.Diagnosis || re.Index != 1 || re.Field != "patient_id" {
		t.Errorf("location: got %s[%d].%s", re.Section, re.Index, re.Field)
	}
}

func TestPersistAllRejectsEmbeddedObject(t *testing.T) {
	doc := mustParse(t, `{"medication": [{"patient_id": 1, "medication_name": "x", "prescribing_provider_id": {"provider_name": "Dr. Ruiz"}}]}`)
	_, err := PersistAll(context.Background(), newMemQuerier(), doc)
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestPersistAllStopsOnInsertFailure(t *testing.T) {
	doc := mustParse(t, `{
		"diagnosis": [{"patient_id": 1, "diagnosis_name": "x"}],
		"symptom": [{"patient_id": 1, "symptom_name": "a"}]
	}`)
	q := newMemQuerier()
	q.failTable = "symptoms"
	counts, err := PersistAll(context.Background(), q, doc)
	if !errors.Is(err, errInsertFailed) {
		t.Fatalf("expected insert failure, got %v", err)
	}
	if counts["diagnoses"] != 1 {
		t.Errorf("diagnoses written before the failure: got %d", counts["diagnoses"])
	}
}

func TestCheckRequired(t *testing.T) {
	ok := mustParse(t, `{"visit": [{"patient_id": 1}], "symptom": [{"patient_id": 1}]}`)
	if err := CheckRequired(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := mustParse(t, `{"visit": [{"patient_id": 1}, {"visit_type": "ER"}]}`)
	err := CheckRequired(bad)
	var re *RecordError
	if !errors.As(err, &re) || re.Section != schema.Visit || re.Index != 1 {
		t.Fatalf("expected error at visit[1], got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Patient resolution
// ---------------------------------------------------------------------------

var fixedNow = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

func TestResolvePatientByID(t *testing.T) {
	q := newMemQuerier()
	doc := mustParse(t, `{"patient": {"patient_id": 123456}, "symptom": [{"symptom_name": "a"}]}`)

	id, out, created, err := ResolvePatient(context.Background(), q, doc, fixedNow)
	if err != nil {
		t.Fatalf("resolve patient: %v", err)
	}
	if id != 123456 || !created {
		t.Fatalf("got id %d, created %v", id, created)
	}
	if out.Patient != nil {
		t.Error("patient should be removed from the returned document")
	}
	if len(out.Records(schema.Symptom)) != 1 {
		t.Error("other sections should be kept")
	}
	if got, _ := q.row(t, "patients", 123456)["created_date"].(time.Time); !got.Equal(fixedNow()) {
		t.Error("created_date should default to now")
	}

	id2, _, created, err := ResolvePatient(context.Background(), q, doc, fixedNow)
	if err != nil {
		t.Fatalf("resolve patient again: %v", err)
	}
	if id2 != id || created {
		t.Fatalf("second resolve: got id %d, created %v", id2, created)
	}
	if q.count("patients") != 1 {
		t.Fatalf("expected 1 patient row, got %d", q.count("patients"))
	}
}

func TestResolvePatientByMRN(t *testing.T) {
	q := newMemQuerier()
	first := mustParse(t, `{"patient": {"medical_record_number": "MRN-9"}}`)
	id, _, created, err := ResolvePatient(context.Background(), q, first, fixedNow)
	if err != nil || !created {
		t.Fatalf("first resolve: id %d, created %v, err %v", id, created, err)
	}

	again := mustParse(t, `{"patient": {"medical_record_number": "MRN-9", "created_date": "2020-01-01"}}`)
	id2, _, created, err := ResolvePatient(context.Background(), q, again, fixedNow)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if id2 != id || created {
		t.Fatalf("expected existing patient %d, got %d (created %v)", id, id2, created)
	}
}

func TestResolvePatientKeepsGivenCreatedDate(t *testing.T) {
	q := newMemQuerier()
	doc := mustParse(t, `{"patient": {"patient_id": 7, "created_date": "2020-01-02"}}`)
	if _, _, _, err := ResolvePatient(context.Background(), q, doc, fixedNow); err != nil {
		t.Fatalf("resolve patient: %v", err)
	}
	want := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
	if got, _ := q.row(t, "patients", 7)["created_date"].(time.Time); !got.Equal(want) {
		t.Errorf("created_date: got %v, want %v", got, want)
	}
}

func TestResolvePatientErrors(t *testing.T) {
	q := newMemQuerier()
	if _, _, _, err := ResolvePatient(context.Background(), q, mustParse(t, `{"symptom": []}`), fixedNow); !errors.Is(err, ErrMissingPatient) {
		t.Errorf("expected ErrMissingPatient, got %v", err)
	}
	_, _, _, err := ResolvePatient(context.Background(), q, mustParse(t, `{"patient": {"patient_id": "abc"}}`), fixedNow)
	if !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}

func TestStampPatient(t *testing.T) {
	doc := mustParse(t, `{
		"visit": [{"patient_id": 99, "visit_notes": {"note_type": "x"}}],
		"diagnosis": [{"diagnosis_name": "Asthma"}]
	}`)
	out := StampPatient(doc, 7)
	if out.Records(schema.Visit)[0]["patient_id"] != int64(7) {
		t.Error("visit patient_id should be overwritten")
	}
	if out.Records(schema.Diagnosis)[0]["patient_id"] != int64(7) {
		t.Error("diagnosis patient_id should be set")
	}
	note, _ := asRecord(out.Records(schema.Visit)[0]["visit_notes"])
	if note["patient_id"] != int64(7) {
		t.Error("embedded note patient_id should be set")
	}
	if doc.Records(schema.Diagnosis)[0]["patient_id"] != nil {
		t.Error("stamp mutated its input")
	}
}
