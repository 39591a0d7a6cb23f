// Package reconcile turns a nested extraction document into normalized rows.
//
// A run resolves the patient, deduplicates embedded providers and
// departments by natural key, persists visits and remaps their temp ids,
// then writes every dependent record. All of it happens inside one
// transaction: a run either commits every derived row or none.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/emrsync/schema"
	"github.com/brunobiangulo/emrsync/store"
)

// Result describes a committed run.
type Result struct {
	RunID          string         `json:"run_id"`
	PatientID      int64          `json:"patient_id"`
	PatientCreated bool           `json:"patient_created"`
	VisitIDs       RemapTable     `json:"visit_ids"`
	Rows           map[string]int `json:"rows"`
	Elapsed        time.Duration  `json:"elapsed_ns"`
	// Document is the normalized document as persisted.
	Document Document `json:"-"`
}

// Reconciler runs reconciliation against a store.
type Reconciler struct {
	store   *store.Store
	opts    Options
	metrics *Metrics
	now     func() time.Time
}

// New returns a Reconciler. m may be nil.
func New(s *store.Store, opts Options, m *Metrics) (*Reconciler, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Reconciler{store: s, opts: opts.withDefaults(), metrics: m, now: time.Now}, nil
}

// Options returns the reconciler's effective options.
func (r *Reconciler) Options() Options { return r.opts }

// RunOption configures a single run.
type RunOption func(*runConfig)

type runConfig struct {
	sourceDocumentID *int64
}

// WithSourceDocument links the run to the source document it came from.
func WithSourceDocument(id int64) RunOption {
	return func(c *runConfig) { c.sourceDocumentID = &id }
}

// Run reconciles doc. The run is recorded in the run log whether it
// commits or not.
func (r *Reconciler) Run(ctx context.Context, doc Document, opts ...RunOption) (*Result, error) {
	var rc runConfig
	for _, o := range opts {
		o(&rc)
	}

	runID := uuid.NewString()
	start := r.now()
	if err := r.store.InsertRun(ctx, runID, rc.sourceDocumentID, start); err != nil {
		return nil, err
	}
	if len(doc.Ignored) > 0 {
		slog.Warn("reconcile: ignoring unknown sections", "run_id", runID, "sections", doc.Ignored)
	}

	res, err := r.run(ctx, doc)
	elapsed := time.Since(start)

	// the run log outlives a cancelled request
	logCtx := context.WithoutCancel(ctx)
	if err != nil {
		r.metrics.run(store.RunFailed, elapsed)
		if ferr := r.store.FinishRun(logCtx, runID, store.RunFailed, err.Error(), "{}", nil); ferr != nil {
			slog.Error("reconcile: recording failed run", "run_id", runID, "error", ferr)
		}
		slog.Error("reconcile: run rolled back", "run_id", runID, "error", err, "elapsed", elapsed)
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}

	res.RunID = runID
	res.Elapsed = elapsed
	r.metrics.run(store.RunCommitted, elapsed)
	r.metrics.committed(res.Rows)

	stats, _ := json.Marshal(res.Rows)
	pid := res.PatientID
	if ferr := r.store.FinishRun(logCtx, runID, store.RunCommitted, "", string(stats), &pid); ferr != nil {
		slog.Error("reconcile: recording committed run", "run_id", runID, "error", ferr)
	}

	slog.Info("reconcile: run committed",
		"run_id", runID,
		"patient_id", res.PatientID,
		"visits", len(res.VisitIDs),
		"rows", res.Rows,
		"elapsed", elapsed)
	return res, nil
}

func (r *Reconciler) run(ctx context.Context, doc Document) (*Result, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := reconcileTx(ctx, tx, r.opts, r.metrics, r.now, doc)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// reconcileTx runs every stage against q in dependency order: patient,
// sub-entities, visits, dependents.
func reconcileTx(ctx context.Context, q Querier, opts Options, m *Metrics, now func() time.Time, doc Document) (*Result, error) {
	pid, doc, created, err := ResolvePatient(ctx, q, doc, now)
	if err != nil {
		return nil, err
	}
	if opts.StampPatientID {
		doc = StampPatient(doc, pid)
	}
	if err := CheckRequired(doc); err != nil {
		return nil, err
	}

	resolver := NewResolver(q, opts, m)
	resolver.now = now
	doc, err = Rewrite(ctx, resolver, doc)
	if err != nil {
		return nil, err
	}

	visits := len(doc.Sections[schema.Visit])
	doc, remap, err := PersistVisits(ctx, q, opts, doc)
	if err != nil {
		return nil, err
	}

	counts, err := PersistAll(ctx, q, doc)
	if err != nil {
		return nil, err
	}

	rows := resolver.Created()
	if created {
		rows["patients"] = 1
	}
	if visits > 0 {
		rows["visits"] = visits
	}
	for table, n := range counts {
		rows[table] += n
	}

	return &Result{
		PatientID:      pid,
		PatientCreated: created,
		VisitIDs:       remap,
		Rows:           rows,
		Document:       doc,
	}, nil
}
