package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/brunobiangulo/emrsync/store"
)

// memQuerier is an in-memory stand-in for a store transaction.
type memQuerier struct {
	tables map[string][]map[string]any
	next   map[string]int64
	finds  int
	// failTable makes every insert into that table fail.
	failTable string
}

func newMemQuerier() *memQuerier {
	return &memQuerier{
		tables: make(map[string][]map[string]any),
		next:   make(map[string]int64),
	}
}

var errInsertFailed = errors.New("insert failed")

func (m *memQuerier) Insert(_ context.Context, table string, row store.Row) (int64, error) {
	if table == m.failTable {
		return 0, errInsertFailed
	}
	r := make(map[string]any, len(row)+1)
	for _, f := range row {
		r[f.Name] = f.Value
	}
	id, explicit := r["id"].(int64)
	if !explicit {
		m.next[table]++
		id = m.next[table]
		r["id"] = id
	} else if id > m.next[table] {
		m.next[table] = id
	}
	m.tables[table] = append(m.tables[table], r)
	return id, nil
}

func (m *memQuerier) FindIDs(_ context.Context, table string, conds []store.Cond, limit int) ([]int64, error) {
	m.finds++
	var ids []int64
	for _, r := range m.tables[table] {
		match := true
		for _, c := range conds {
			v, ok := r[c.Column]
			if c.Value == nil {
				match = match && (!ok || v == nil)
			} else {
				match = match && ok && v == c.Value
			}
		}
		if match {
			ids = append(ids, r["id"].(int64))
		}
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (m *memQuerier) count(table string) int { return len(m.tables[table]) }

func (m *memQuerier) row(t *testing.T, table string, id int64) map[string]any {
	t.Helper()
	for _, r := range m.tables[table] {
		if r["id"] == id {
			return r
		}
	}
	t.Fatalf("%s: no row with id %d", table, id)
	return nil
}

// mustParse builds a Document from a JSON literal.
func mustParse(t *testing.T, js string) Document {
	t.Helper()
	doc, err := ParseDocument([]byte(js))
	if err != nil {
		t.Fatalf("parsing document: %v", err)
	}
	return doc
}
