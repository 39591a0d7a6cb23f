package store

import (
	"context"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCommitted = "committed"
	RunFailed    = "failed"
)

// Run is a row in the reconcile_runs table.
type Run struct {
	ID               string  `db:"id" json:"id"`
	SourceDocumentID *int64  `db:"source_document_id" json:"source_document_id,omitempty"`
	PatientID        *int64  `db:"patient_id" json:"patient_id,omitempty"`
	Status           string  `db:"status" json:"status"`
	Error            string  `db:"error" json:"error,omitempty"`
	Stats            string  `db:"stats" json:"stats"` // JSON object
	StartedAt        string  `db:"started_at" json:"started_at"`
	FinishedAt       *string `db:"finished_at" json:"finished_at,omitempty"`
}

const selectRun = `
	SELECT id, source_document_id, patient_id, status,
		COALESCE(error, '') AS error,
		COALESCE(stats, '{}') AS stats,
		started_at, finished_at
	FROM reconcile_runs`

// InsertRun records the start of a reconcile run.
func (s *Store) InsertRun(ctx context.Context, id string, sourceDocumentID *int64, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO reconcile_runs (id, source_document_id, status, started_at) VALUES (?, ?, ?, ?)"),
		id, sourceDocumentID, RunRunning, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a reconcile run.
func (s *Store) FinishRun(ctx context.Context, id, status, errText, stats string, patientID *int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE reconcile_runs
		SET status = ?, error = ?, stats = ?, patient_id = ?, finished_at = ?
		WHERE id = ?`),
		status, nullIfEmpty(errText), stats, patientID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return nil
}

// GetRun returns one run, or sql.ErrNoRows.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	if err := s.db.GetContext(ctx, &r, s.db.Rebind(selectRun+" WHERE id = ?"), id); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := selectRun + " ORDER BY started_at DESC, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var runs []Run
	if err := s.db.SelectContext(ctx, &runs, query); err != nil {
		return nil, err
	}
	return runs, nil
}
