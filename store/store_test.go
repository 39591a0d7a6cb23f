//go:build cgo

package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brunobiangulo/emrsync/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestOpen(t *testing.T) {
	s := newTestStore(t)
	if s.Dialect() != SQLite {
		t.Fatalf("expected sqlite dialect, got %q", s.Dialect())
	}
	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), v)
	}
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dir", "test.db")
	s, err := Open(context.Background(), Config{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("opening store in nested dir: %v", err)
	}
	s.Close()
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	if !errors.Is(err, ErrUnknownDialect) {
		t.Fatalf("expected ErrUnknownDialect, got %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestStatsCoversEveryEntityTable(t *testing.T) {
	s := newTestStore(t)
	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != len(schema.Entities()) {
		t.Fatalf("expected %d tables, got %d", len(schema.Entities()), len(stats))
	}
	for table, n := range stats {
		if n != 0 {
			t.Errorf("%s: expected empty table, got %d rows", table, n)
		}
	}
}

func TestCountRowsRejectsUnknownTable(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CountRows(context.Background(), "patients; DROP TABLE patients"); err == nil {
		t.Fatal("expected error for unknown table")
	}
}

// ---------------------------------------------------------------------------
// DDL
// ---------------------------------------------------------------------------

func TestEntityDDLPerDialect(t *testing.T) {
	e := schema.MustLookup(schema.Provider)

	sqlite := strings.Join(entityDDL(SQLite, e), "\n")
	if !strings.Contains(sqlite, "id INTEGER PRIMARY KEY") {
		t.Errorf("sqlite DDL missing integer primary key:\n%s", sqlite)
	}
	if !strings.Contains(sqlite, "CREATE INDEX IF NOT EXISTS idx_providers_natural_key") {
		t.Errorf("sqlite DDL missing natural key index:\n%s", sqlite)
	}

	mysql := strings.Join(entityDDL(MySQL, e), "\n")
	if !strings.Contains(mysql, "AUTO_INCREMENT") || !strings.Contains(mysql, "INDEX idx_providers_natural_key") {
		t.Errorf("mysql DDL missing auto increment or inline index:\n%s", mysql)
	}
	if strings.Contains(mysql, "CREATE INDEX") {
		t.Errorf("mysql DDL must not use CREATE INDEX:\n%s", mysql)
	}

	pg := strings.Join(entityDDL(Postgres, e), "\n")
	if !strings.Contains(pg, "GENERATED BY DEFAULT AS IDENTITY") {
		t.Errorf("postgres DDL missing identity column:\n%s", pg)
	}
	if !strings.Contains(pg, "FOREIGN KEY (department_id) REFERENCES departments(id)") {
		t.Errorf("postgres DDL missing foreign key:\n%s", pg)
	}
}

func TestPatientIDNotNullOnDependents(t *testing.T) {
	ddl := strings.Join(entityDDL(SQLite, schema.MustLookup(schema.Diagnosis)), "\n")
	if !strings.Contains(ddl, "patient_id INTEGER NOT NULL") {
		t.Fatalf("expected NOT NULL patient_id:\n%s", ddl)
	}
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

func TestInsertAndFindIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	id1, err := tx.Insert(ctx, "departments", Row{
		{"department_name", "Cardiology"},
		{"system_name", "General Hospital"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id2, err := tx.Insert(ctx, "departments", Row{
		{"department_name", "Cardiology"},
		{"system_name", "Other Hospital"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id1 == 0 || id1 == id2 {
		t.Fatalf("expected distinct non-zero ids, got %d and %d", id1, id2)
	}

	ids, err := tx.FindIDs(ctx, "departments", []Cond{
		{Column: "department_name", Value: "Cardiology"},
		{Column: "department_type", Value: nil},
		{Column: "system_name", Value: "General Hospital"},
	}, 0)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(ids) != 1 || ids[0] != id1 {
		t.Fatalf("expected [%d], got %v", id1, ids)
	}

	all, err := tx.FindIDs(ctx, "departments", []Cond{{Column: "department_name", Value: "Cardiology"}}, 0)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(all) != 2 || all[0] != id1 {
		t.Fatalf("expected both ids lowest first, got %v", all)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	n, _ := s.CountRows(ctx, "departments")
	if n != 2 {
		t.Fatalf("expected 2 committed rows, got %d", n)
	}
}

func TestInsertExplicitID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	id, err := tx.Insert(ctx, "patients", Row{{"id", int64(123456)}, {"medical_record_number", "MRN-1"}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != 123456 {
		t.Fatalf("expected explicit id 123456, got %d", id)
	}

	next, err := tx.Insert(ctx, "patients", Row{{"medical_record_number", "MRN-2"}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if next <= id {
		t.Fatalf("generated id %d should follow the explicit id %d", next, id)
	}
}

func TestRollbackDiscardsRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Insert(ctx, "patients", Row{{"medical_record_number", "MRN-9"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	// a second rollback after the first is harmless
	if err := tx.Rollback(); err != nil {
		t.Fatalf("second rollback: %v", err)
	}

	n, _ := s.CountRows(ctx, "patients")
	if n != 0 {
		t.Fatalf("expected no patients after rollback, got %d", n)
	}
}

func TestInsertEnforcesForeignKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	_, err = tx.Insert(ctx, "diagnoses", Row{{"patient_id", int64(999)}, {"diagnosis_name", "Asthma"}})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestInsertEmptyRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := tx.Insert(ctx, "patients", nil); err == nil {
		t.Fatal("expected error for empty row")
	}
}

// ---------------------------------------------------------------------------
// Source documents
// ---------------------------------------------------------------------------

func sampleSource(path string) SourceDocument {
	return SourceDocument{
		Path:        path,
		Filename:    "discharge.pdf",
		Format:      "pdf",
		ContentHash: "abc123",
		ParseMethod: "native",
	}
}

func TestUpsertAndGetSourceDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertSourceDocument(ctx, sampleSource("/scans/discharge.pdf"))
	if err != nil {
		t.Fatalf("upserting: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	got, err := s.GetSourceDocument(ctx, id)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status: got %q, want %q", got.Status, StatusPending)
	}
	if got.Filename != "discharge.pdf" {
		t.Errorf("filename: got %q", got.Filename)
	}

	doc := sampleSource("/scans/discharge.pdf")
	doc.ContentHash = "def456"
	id2, err := s.UpsertSourceDocument(ctx, doc)
	if err != nil {
		t.Fatalf("re-upserting: %v", err)
	}
	if id2 != id {
		t.Fatalf("expected same id on re-upsert, got %d and %d", id, id2)
	}
	got, _ = s.GetSourceDocumentByPath(ctx, "/scans/discharge.pdf")
	if got.ContentHash != "def456" {
		t.Errorf("content hash not refreshed: %q", got.ContentHash)
	}
}

func TestGetSourceDocumentByPathNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSourceDocumentByPath(context.Background(), "/nonexistent")
	if !errors.Is(err, sql.ErrNoRows) || !IsNotFound(err) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestExtractionAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertSourceDocument(ctx, sampleSource("/scans/a.pdf"))
	if err != nil {
		t.Fatalf("upserting: %v", err)
	}
	if err := s.SetExtraction(ctx, id, `{"patient":{"patient_id":1}}`); err != nil {
		t.Fatalf("set extraction: %v", err)
	}
	got, _ := s.GetSourceDocument(ctx, id)
	if got.Status != StatusExtracted || !strings.Contains(got.Extraction, "patient_id") {
		t.Fatalf("unexpected document after extraction: %+v", got)
	}

	if err := s.InsertRun(ctx, "run-1", &id, time.Now()); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if err := s.SetSourceDocumentStatus(ctx, id, StatusReconciled, "run-1"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ = s.GetSourceDocument(ctx, id)
	if got.Status != StatusReconciled || got.LastRunID != "run-1" {
		t.Fatalf("unexpected document after reconcile: %+v", got)
	}

	docs, err := s.ListSourceDocuments(ctx)
	if err != nil || len(docs) != 1 {
		t.Fatalf("list: %v, %d docs", err, len(docs))
	}
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertRun(ctx, "run-a", nil, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if err := s.InsertRun(ctx, "run-b", nil, time.Now()); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	pid := int64(42)
	if err := s.FinishRun(ctx, "run-a", RunCommitted, "", `{"diagnoses":2}`, &pid); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if err := s.FinishRun(ctx, "run-b", RunFailed, "boom", "{}", nil); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	a, err := s.GetRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if a.Status != RunCommitted || a.PatientID == nil || *a.PatientID != 42 || a.FinishedAt == nil {
		t.Fatalf("unexpected run: %+v", a)
	}
	if a.Stats != `{"diagnoses":2}` {
		t.Errorf("stats: got %q", a.Stats)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-b" {
		t.Fatalf("expected newest run first, got %+v", runs)
	}
	if runs[0].Error != "boom" {
		t.Errorf("error text: got %q", runs[0].Error)
	}

	if _, err := s.GetRun(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
