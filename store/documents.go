package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SourceDocument is a row in the source_documents table: one scanned file
// and the extraction produced from it.
type SourceDocument struct {
	ID          int64  `db:"id" json:"id"`
	Path        string `db:"path" json:"path"`
	Filename    string `db:"filename" json:"filename"`
	Format      string `db:"format" json:"format"`
	ContentHash string `db:"content_hash" json:"content_hash"`
	ParseMethod string `db:"parse_method" json:"parse_method"`
	Status      string `db:"status" json:"status"`
	PatientHint string `db:"patient_hint" json:"patient_hint,omitempty"`
	Extraction  string `db:"extraction" json:"-"`
	LastRunID   string `db:"last_run_id" json:"last_run_id,omitempty"`
	CreatedAt   string `db:"created_at" json:"created_at"`
	UpdatedAt   string `db:"updated_at" json:"updated_at"`
}

// Source document statuses.
const (
	StatusPending    = "pending"
	StatusExtracted  = "extracted"
	StatusReconciled = "reconciled"
	StatusError      = "error"
)

const selectSourceDocument = `
	SELECT id, path, filename, format, content_hash, parse_method,
		COALESCE(status, '') AS status,
		COALESCE(patient_hint, '') AS patient_hint,
		COALESCE(extraction, '') AS extraction,
		COALESCE(last_run_id, '') AS last_run_id,
		created_at, updated_at
	FROM source_documents`

// UpsertSourceDocument inserts a document or refreshes the row registered
// under the same path. Returns the document ID.
func (s *Store) UpsertSourceDocument(ctx context.Context, doc SourceDocument) (int64, error) {
	if doc.Status == "" {
		doc.Status = StatusPending
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	ids, err := tx.FindIDs(ctx, "source_documents", []Cond{{Column: "path", Value: doc.Path}}, 1)
	if err != nil {
		return 0, err
	}

	var id int64
	if len(ids) > 0 {
		id = ids[0]
		_, err = tx.tx.ExecContext(ctx, tx.tx.Rebind(`
			UPDATE source_documents SET
				filename = ?, format = ?, content_hash = ?, parse_method = ?,
				status = ?, patient_hint = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`),
			doc.Filename, doc.Format, doc.ContentHash, doc.ParseMethod,
			doc.Status, nullIfEmpty(doc.PatientHint), id)
		if err != nil {
			return 0, fmt.Errorf("updating source document: %w", err)
		}
	} else {
		id, err = tx.Insert(ctx, "source_documents", Row{
			{"path", doc.Path},
			{"filename", doc.Filename},
			{"format", doc.Format},
			{"content_hash", doc.ContentHash},
			{"parse_method", doc.ParseMethod},
			{"status", doc.Status},
			{"patient_hint", nullIfEmpty(doc.PatientHint)},
		})
		if err != nil {
			return 0, err
		}
	}

	return id, tx.Commit()
}

// GetSourceDocument returns the document with the given id, or
// sql.ErrNoRows.
func (s *Store) GetSourceDocument(ctx context.Context, id int64) (*SourceDocument, error) {
	var d SourceDocument
	err := s.db.GetContext(ctx, &d, s.db.Rebind(selectSourceDocument+" WHERE id = ?"), id)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetSourceDocumentByPath returns the document registered under path, or
// sql.ErrNoRows.
func (s *Store) GetSourceDocumentByPath(ctx context.Context, path string) (*SourceDocument, error) {
	var d SourceDocument
	err := s.db.GetContext(ctx, &d, s.db.Rebind(selectSourceDocument+" WHERE path = ?"), path)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListSourceDocuments returns every registered document, newest first.
func (s *Store) ListSourceDocuments(ctx context.Context) ([]SourceDocument, error) {
	var docs []SourceDocument
	if err := s.db.SelectContext(ctx, &docs, selectSourceDocument+" ORDER BY id DESC"); err != nil {
		return nil, err
	}
	return docs, nil
}

// SetSourceDocumentStatus records the outcome of processing a document.
// An empty runID leaves last_run_id untouched.
func (s *Store) SetSourceDocumentStatus(ctx context.Context, id int64, status, runID string) error {
	var err error
	if runID == "" {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(
			"UPDATE source_documents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?"),
			status, id)
	} else {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(
			"UPDATE source_documents SET status = ?, last_run_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?"),
			status, runID, id)
	}
	return err
}

// SetExtraction stores the raw extraction JSON produced for a document.
func (s *Store) SetExtraction(ctx context.Context, id int64, extraction string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE source_documents SET extraction = ?, status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?"),
		extraction, StatusExtracted, id)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
