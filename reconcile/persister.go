package reconcile

import (
	"context"
	"fmt"

	"github.com/brunobiangulo/emrsync/schema"
	"github.com/brunobiangulo/emrsync/store"
)

// Counts holds the number of rows inserted per table.
type Counts map[string]int

// buildRow filters rec to the entity's declared columns, drops nulls so
// store defaults apply, and coerces what is left. Unknown keys are
// discarded without comment.
func buildRow(e *schema.Entity, rec Record) (store.Row, error) {
	row := make(store.Row, 0, len(e.Columns))
	for _, c := range e.Columns {
		v := rec[c.Name]
		if v == nil {
			continue
		}
		cv, err := c.Coerce(v)
		if err != nil {
			return nil, &RecordError{Field: c.Name, Err: err}
		}
		row = append(row, store.Field{Name: c.Name, Value: cv})
	}
	if err := checkRequired(e, rec); err != nil {
		return nil, err
	}
	return row, nil
}

func checkRequired(e *schema.Entity, rec Record) error {
	for _, c := range e.RequiredColumns() {
		if rec[c.Name] == nil {
			return &RecordError{Field: c.Name, Err: ErrMissingRequiredField}
		}
	}
	return nil
}

// CheckRequired verifies, before anything is written, that every visit and
// dependent record carries the columns its table cannot default.
func CheckRequired(doc Document) error {
	for _, s := range rewriteOrder() {
		e := schema.MustLookup(s)
		for i, rec := range doc.Sections[s] {
			if err := checkRequired(e, rec); err != nil {
				return at(s, i, "", err)
			}
		}
	}
	return nil
}

// PersistAll inserts every dependent record of a fully rewritten and
// remapped document. It stops at the first failure; the caller's
// transaction decides whether anything written so far survives.
func PersistAll(ctx context.Context, q Querier, doc Document) (Counts, error) {
	counts := make(Counts)
	for _, s := range schema.DependentSections() {
		e := schema.MustLookup(s)
		for i, rec := range doc.Sections[s] {
			row, err := buildRow(e, rec)
			if err != nil {
				return counts, at(s, i, "", err)
			}
			if _, err := q.Insert(ctx, e.Table, row); err != nil {
				return counts, at(s, i, "", fmt.Errorf("persisting: %w", err))
			}
			counts[e.Table]++
		}
	}
	return counts, nil
}
