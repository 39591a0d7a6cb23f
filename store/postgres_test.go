package store

import (
	"context"
	"os"
	"testing"
)

// newPostgresStore opens the database named by EMRSYNC_TEST_POSTGRES_DSN,
// skipping the test when it is unset.
func newPostgresStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("EMRSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EMRSYNC_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), Config{Driver: "pgx", DSN: dsn})
	if err != nil {
		t.Fatalf("opening postgres store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresExplicitIDAdvancesIdentity(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	var maxID int64
	if err := s.DB().GetContext(ctx, &maxID, "SELECT COALESCE(MAX(id), 0) FROM patients"); err != nil {
		t.Fatalf("max id: %v", err)
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	explicit := maxID + 2
	if _, err := tx.Insert(ctx, "patients", Row{{"id", explicit}, {"medical_record_number", "PG-EXPLICIT"}}); err != nil {
		t.Fatalf("explicit insert: %v", err)
	}
	// without the sequence moving, one of these would collide with explicit
	for i, mrn := range []string{"PG-AUTO-1", "PG-AUTO-2"} {
		id, err := tx.Insert(ctx, "patients", Row{{"medical_record_number", mrn}})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if id <= explicit {
			t.Errorf("insert %d: id %d should follow %d", i, id, explicit)
		}
	}
}
