package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brunobiangulo/emrsync/schema"
	"github.com/brunobiangulo/emrsync/store"
)

// Querier is the slice of a store transaction the reconciler needs.
type Querier interface {
	Insert(ctx context.Context, table string, row store.Row) (int64, error)
	FindIDs(ctx context.Context, table string, conds []store.Cond, limit int) ([]int64, error)
}

// Resolver maps sub-entity records to persisted surrogate ids, creating a
// row the first time a natural key is seen. Its cache lives for one run.
type Resolver struct {
	q       Querier
	opts    Options
	metrics *Metrics
	now     func() time.Time

	cache   map[schema.Section]map[Key]int64
	created map[string]int
}

// NewResolver returns a Resolver writing through q.
func NewResolver(q Querier, opts Options, m *Metrics) *Resolver {
	return &Resolver{
		q:       q,
		opts:    opts.withDefaults(),
		metrics: m,
		now:     time.Now,
		cache:   make(map[schema.Section]map[Key]int64),
		created: make(map[string]int),
	}
}

// Created returns the number of rows inserted so far, per table.
func (r *Resolver) Created() map[string]int {
	out := make(map[string]int, len(r.created))
	for k, v := range r.created {
		out[k] = v
	}
	return out
}

// Resolve returns the surrogate id of the sub-entity described by rec.
// A Provider's embedded department is resolved first and its id becomes
// part of the Provider's key; an empty one leaves department_id unset.
func (r *Resolver) Resolve(ctx context.Context, kind schema.Section, rec Record) (int64, error) {
	e, ok := schema.Lookup(kind)
	if !ok || len(e.NaturalKey) == 0 {
		return 0, fmt.Errorf("reconcile: %q is not a deduplicated kind", kind)
	}

	if kind == schema.Provider {
		if dep, ok := asRecord(rec["department"]); ok && len(dep) == 0 {
			rec = cloneRecord(rec)
			delete(rec, "department")
		} else if ok {
			id, err := r.Resolve(ctx, schema.Department, dep)
			if err != nil {
				return 0, fmt.Errorf("department: %w", err)
			}
			rec = cloneRecord(rec)
			rec["department_id"] = id
			delete(rec, "department")
		}
	}

	vals, err := keyValues(e, rec)
	if err != nil {
		return 0, err
	}
	key := KeyOf(vals, e.NaturalKey)

	// Under NullsDistinct a key with a null never matches anything,
	// including itself, so it bypasses both the cache and the lookup.
	shared := r.opts.NullKeys == NullsMatch || !keyHasNull(vals, e.NaturalKey)

	if shared {
		if id, ok := r.cache[kind][key]; ok {
			r.metrics.lookup(kind, outcomeCache)
			return id, nil
		}

		id, found, err := r.lookup(ctx, e, vals)
		if err != nil {
			return 0, err
		}
		if found {
			r.remember(kind, key, id)
			r.metrics.lookup(kind, outcomeStore)
			return id, nil
		}
	}

	row := make(store.Row, 0, len(e.Columns))
	for _, c := range e.Columns {
		if v := vals[c.Name]; v != nil {
			row = append(row, store.Field{Name: c.Name, Value: v})
		}
	}
	row = append(row, store.Field{Name: "created_date", Value: r.now().UTC()})

	id, err := r.q.Insert(ctx, e.Table, row)
	if err != nil {
		return 0, err
	}
	r.created[e.Table]++
	r.metrics.lookup(kind, outcomeCreated)
	slog.Debug("reconcile: sub-entity created", "kind", kind, "id", id)

	if shared {
		r.remember(kind, key, id)
	}
	return id, nil
}

func (r *Resolver) remember(kind schema.Section, key Key, id int64) {
	m := r.cache[kind]
	if m == nil {
		m = make(map[Key]int64)
		r.cache[kind] = m
	}
	m[key] = id
}

// lookup searches the store for a row matching every natural-key field.
func (r *Resolver) lookup(ctx context.Context, e *schema.Entity, vals Record) (int64, bool, error) {
	conds := make([]store.Cond, len(e.NaturalKey))
	for i, f := range e.NaturalKey {
		conds[i] = store.Cond{Column: f, Value: vals[f]}
	}
	ids, err := r.q.FindIDs(ctx, e.Table, conds, 2)
	if err != nil {
		return 0, false, err
	}
	switch len(ids) {
	case 0:
		return 0, false, nil
	case 1:
		return ids[0], true, nil
	}
	if r.opts.AmbiguousMatch == MatchFail {
		return 0, false, fmt.Errorf("%w: %s has several rows for one key", ErrAmbiguousNaturalKey, e.Table)
	}
	slog.Warn("reconcile: natural key matches several rows, using the lowest id",
		"table", e.Table, "id", ids[0])
	return ids[0], true, nil
}

// keyValues coerces the declared columns of rec to their storage types and
// applies boolean column defaults, so the key and the inserted row agree
// with what the store will hold.
func keyValues(e *schema.Entity, rec Record) (Record, error) {
	out := make(Record, len(e.Columns))
	for _, c := range e.Columns {
		if c.Name == "created_date" {
			continue
		}
		v, err := c.Coerce(rec[c.Name])
		if err != nil {
			return nil, &RecordError{Section: e.Section, Index: -1, Field: c.Name, Err: err}
		}
		if v == nil && c.Type == schema.Boolean && c.HasDefault() {
			v = c.Default == "TRUE"
		}
		if v != nil {
			out[c.Name] = v
		}
	}
	return out, nil
}
