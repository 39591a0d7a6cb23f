// Package emrsync turns scanned medical documents into normalized relational
// rows: a document is parsed, chunked, read by a chat model into one nested
// extraction document, validated, and reconciled into the store.
package emrsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/brunobiangulo/emrsync/chunker"
	"github.com/brunobiangulo/emrsync/extract"
	"github.com/brunobiangulo/emrsync/llm"
	"github.com/brunobiangulo/emrsync/parser"
	"github.com/brunobiangulo/emrsync/reconcile"
	"github.com/brunobiangulo/emrsync/store"
	"github.com/brunobiangulo/emrsync/validate"
)

// Engine is the main entry point for document ingestion and reconciliation.
type Engine interface {
	// Ingest runs a document through the whole pipeline. Skips documents
	// whose content hash was already reconciled.
	Ingest(ctx context.Context, path string, opts ...IngestOption) (*IngestResult, error)

	// Extract parses a document and stores the model's extraction without
	// reconciling it.
	Extract(ctx context.Context, path string, opts ...IngestOption) (*ExtractResult, error)

	// Reconcile persists an extraction document that came from elsewhere.
	Reconcile(ctx context.Context, doc reconcile.Document) (*reconcile.Result, error)

	// ReconcileSource reconciles the extraction stored for a source
	// document again, without calling the model.
	ReconcileSource(ctx context.Context, sourceID int64) (*reconcile.Result, error)

	// Validate checks an extraction document against the schema.
	Validate(data []byte) (*validate.Report, error)

	// Documents lists the source documents, newest first.
	Documents(ctx context.Context) ([]store.SourceDocument, error)

	// Document returns one source document.
	Document(ctx context.Context, id int64) (*store.SourceDocument, error)

	// Runs lists the most recent reconcile runs.
	Runs(ctx context.Context, limit int) ([]store.Run, error)

	// Run returns one reconcile run.
	Run(ctx context.Context, id string) (*store.Run, error)

	// Stats returns the row count of every entity table.
	Stats(ctx context.Context) (map[string]int64, error)

	// Metrics returns the registry holding the engine's collectors.
	Metrics() prometheus.Gatherer

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// IngestResult reports the outcome of Ingest.
type IngestResult struct {
	SourceID   int64             `json:"source_id"`
	Skipped    bool              `json:"skipped"`
	Status     string            `json:"status"`
	Extraction *ExtractResult    `json:"extraction,omitempty"`
	Run        *reconcile.Result `json:"run,omitempty"`
}

// ExtractResult reports the outcome of Extract.
type ExtractResult struct {
	SourceID         int64              `json:"source_id"`
	Sections         int                `json:"sections"`
	Chunks           int                `json:"chunks"`
	Windows          int                `json:"windows"`
	FailedWindows    []int              `json:"failed_windows,omitempty"`
	Model            string             `json:"model"`
	PromptTokens     int                `json:"prompt_tokens"`
	CompletionTokens int                `json:"completion_tokens"`
	Validation       *validate.Report   `json:"validation"`
	Document         reconcile.Document `json:"-"`
}

// IngestOption configures ingestion behavior.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	force     bool
	patientID *int64
}

// WithForce re-runs the pipeline even if the file hash hasn't changed.
func WithForce() IngestOption {
	return func(o *ingestOptions) { o.force = true }
}

// WithPatientID tells the model which patient the document belongs to. The
// id is also used when the extraction names no patient.
func WithPatientID(id int64) IngestOption {
	return func(o *ingestOptions) { o.patientID = &id }
}

// Option configures New.
type Option func(*engineOptions)

type engineOptions struct {
	chat llm.Provider
	reg  *prometheus.Registry
}

// WithChatProvider uses p instead of the provider named in Config.Chat.
func WithChatProvider(p llm.Provider) Option {
	return func(o *engineOptions) { o.chat = p }
}

// WithRegistry registers the engine's collectors with reg instead of a
// private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *engineOptions) { o.reg = reg }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg        Config
	store      *store.Store
	parsers    *parser.Registry
	chunkr     *chunker.Chunker
	extractor  *extract.Extractor
	reconciler *reconcile.Reconciler
	reg        *prometheus.Registry
	stages     *prometheus.HistogramVec
}

// New creates a new engine with the given configuration.
func New(cfg Config, opts ...Option) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &engineOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.reg == nil {
		o.reg = prometheus.NewRegistry()
	}

	chat := o.chat
	if chat == nil {
		var err error
		chat, err = llm.NewProvider(cfg.Chat)
		if err != nil {
			return nil, fmt.Errorf("%w: creating chat provider: %v", ErrInvalidConfig, err)
		}
	}

	s, err := store.Open(context.Background(), cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	rec, err := reconcile.New(s, cfg.Reconcile, reconcile.NewMetrics(o.reg))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	stages := promauto.With(o.reg).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "emrsync",
		Name:      "ingest_stage_duration_seconds",
		Help:      "Wall time of each ingest pipeline stage.",
		Buckets:   []float64{.01, .1, .5, 1, 5, 15, 60, 180, 600},
	}, []string{"stage"})

	return &engine{
		cfg:        cfg,
		store:      s,
		parsers:    parser.NewRegistry(),
		chunkr:     chunker.New(cfg.Chunking),
		extractor:  extract.New(chat, cfg.Extraction),
		reconciler: rec,
		reg:        o.reg,
		stages:     stages,
	}, nil
}

// Ingest processes a document through the full pipeline.
func (e *engine) Ingest(ctx context.Context, path string, opts ...IngestOption) (*IngestResult, error) {
	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	hash, err := fileHash(absPath)
	if err != nil {
		return nil, fmt.Errorf("hashing file: %w", err)
	}

	if !options.force {
		existing, err := e.store.GetSourceDocumentByPath(ctx, absPath)
		if err == nil && existing.ContentHash == hash {
			switch existing.Status {
			case store.StatusReconciled:
				slog.Info("ingest: unchanged document already reconciled", "file", existing.Filename, "doc_id", existing.ID)
				return &IngestResult{SourceID: existing.ID, Skipped: true, Status: existing.Status}, nil
			case store.StatusExtracted, store.StatusError:
				// reuse the stored extraction instead of paying for another model call
				if existing.Extraction != "" {
					slog.Info("ingest: reconciling stored extraction", "file", existing.Filename, "doc_id", existing.ID)
					run, err := e.ReconcileSource(ctx, existing.ID)
					if err != nil {
						return nil, err
					}
					return &IngestResult{SourceID: existing.ID, Status: store.StatusReconciled, Run: run}, nil
				}
			}
		}
	}

	ex, err := e.extract(ctx, absPath, hash, options)
	if err != nil {
		return nil, err
	}

	run, err := e.reconcileSource(ctx, ex.SourceID, ex.Document, options.patientID)
	if err != nil {
		return nil, err
	}
	return &IngestResult{SourceID: ex.SourceID, Status: store.StatusReconciled, Extraction: ex, Run: run}, nil
}

// Extract parses, chunks and extracts a document and stores the result.
func (e *engine) Extract(ctx context.Context, path string, opts ...IngestOption) (*ExtractResult, error) {
	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	hash, err := fileHash(absPath)
	if err != nil {
		return nil, fmt.Errorf("hashing file: %w", err)
	}
	return e.extract(ctx, absPath, hash, options)
}

func (e *engine) extract(ctx context.Context, absPath, hash string, options *ingestOptions) (*ExtractResult, error) {
	format := parser.FormatOf(absPath)
	filename := filepath.Base(absPath)

	var hint string
	if options.patientID != nil {
		hint = strconv.FormatInt(*options.patientID, 10)
	}
	docID, err := e.store.UpsertSourceDocument(ctx, store.SourceDocument{
		Path:        absPath,
		Filename:    filename,
		Format:      format,
		ContentHash: hash,
		ParseMethod: "pending",
		Status:      store.StatusPending,
		PatientHint: hint,
	})
	if err != nil {
		return nil, fmt.Errorf("upserting document: %w", err)
	}

	fail := func(err error) (*ExtractResult, error) {
		if serr := e.store.SetSourceDocumentStatus(context.WithoutCancel(ctx), docID, store.StatusError, ""); serr != nil {
			slog.Error("ingest: recording document error", "doc_id", docID, "error", serr)
		}
		return nil, err
	}

	// Parse
	slog.Info("ingest: parsing document", "file", filename, "format", format, "doc_id", docID)
	parseStart := time.Now()
	p, err := e.parsers.Get(format)
	if err != nil {
		return fail(fmt.Errorf("%w: %s", ErrUnsupportedFormat, format))
	}
	parsed, err := p.Parse(ctx, absPath)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrParsingFailed, err))
	}
	if len(parsed.Sections) == 0 {
		return fail(fmt.Errorf("%w: no text in %s", ErrParsingFailed, filename))
	}
	e.observe("parse", parseStart)
	slog.Info("ingest: parsing complete",
		"file", filename, "method", parsed.Method, "pages", parsed.Pages,
		"sections", len(parsed.Sections), "elapsed", time.Since(parseStart).Round(time.Millisecond))

	// Chunk
	chunkStart := time.Now()
	chunks := e.chunkr.Chunk(parsed.Sections)
	windows := e.chunkr.Windows(chunks)
	e.observe("chunk", chunkStart)
	cc := e.chunkr.Config()
	slog.Info("ingest: chunking complete",
		"file", filename, "chunks", len(chunks), "windows", len(windows),
		"chunk_size", cc.ChunkSize, "overlap", cc.Overlap, "max_tokens", cc.MaxTokens,
		"elapsed", time.Since(chunkStart).Round(time.Millisecond))

	// Extract
	slog.Info("ingest: extracting records", "file", filename, "windows", len(windows))
	extractStart := time.Now()
	out, err := e.extractor.Extract(ctx, windows, options.patientID)
	if err != nil {
		if errors.Is(err, llm.ErrRequestFailed) {
			return fail(fmt.Errorf("%w: %v", ErrLLMRequestFailed, err))
		}
		return fail(fmt.Errorf("%w: %v", ErrExtractionFailed, err))
	}
	e.observe("extract", extractStart)
	slog.Info("ingest: extraction complete",
		"file", filename, "records", out.Document.Len(), "model", out.Model,
		"prompt_tokens", out.PromptTokens, "completion_tokens", out.CompletionTokens,
		"elapsed", time.Since(extractStart).Round(time.Millisecond))

	raw, err := json.Marshal(out.Document)
	if err != nil {
		return fail(fmt.Errorf("encoding extraction: %w", err))
	}
	if err := e.store.SetExtraction(ctx, docID, string(raw)); err != nil {
		return fail(fmt.Errorf("storing extraction: %w", err))
	}
	if err := e.store.SetSourceDocumentStatus(ctx, docID, store.StatusExtracted, ""); err != nil {
		return nil, fmt.Errorf("updating document status: %w", err)
	}

	// Validate
	validateStart := time.Now()
	report := validate.Validate(out.Document.Map())
	e.observe("validate", validateStart)
	if !report.OK() {
		slog.Warn("ingest: extraction has validation issues", "file", filename, "errors", report.ErrorCount())
	}

	return &ExtractResult{
		SourceID:         docID,
		Sections:         len(parsed.Sections),
		Chunks:           len(chunks),
		Windows:          len(windows),
		FailedWindows:    out.Failed,
		Model:            out.Model,
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
		Validation:       report,
		Document:         out.Document,
	}, nil
}

// Reconcile persists an extraction document.
func (e *engine) Reconcile(ctx context.Context, doc reconcile.Document) (*reconcile.Result, error) {
	return e.run(ctx, doc, nil)
}

// ReconcileSource reconciles the stored extraction of a source document.
func (e *engine) ReconcileSource(ctx context.Context, sourceID int64) (*reconcile.Result, error) {
	src, err := e.Document(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src.Extraction == "" {
		return nil, fmt.Errorf("%w: %d", ErrNoExtraction, sourceID)
	}
	doc, err := reconcile.ParseDocument([]byte(src.Extraction))
	if err != nil {
		return nil, fmt.Errorf("%w: stored extraction: %v", ErrExtractionFailed, err)
	}

	var hint *int64
	if src.PatientHint != "" {
		if id, err := strconv.ParseInt(src.PatientHint, 10, 64); err == nil {
			hint = &id
		}
	}
	return e.reconcileSource(ctx, sourceID, doc, hint)
}

func (e *engine) reconcileSource(ctx context.Context, sourceID int64, doc reconcile.Document, hint *int64) (*reconcile.Result, error) {
	start := time.Now()
	res, err := e.run(ctx, doc, hint, reconcile.WithSourceDocument(sourceID))
	e.observe("reconcile", start)

	status, runID := store.StatusReconciled, ""
	if err != nil {
		status = store.StatusError
	} else {
		runID = res.RunID
	}
	if serr := e.store.SetSourceDocumentStatus(context.WithoutCancel(ctx), sourceID, status, runID); serr != nil {
		slog.Error("ingest: recording document status", "doc_id", sourceID, "error", serr)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("ingest: document reconciled", "doc_id", sourceID, "run_id", res.RunID,
		"patient_id", res.PatientID, "elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (e *engine) run(ctx context.Context, doc reconcile.Document, hint *int64, opts ...reconcile.RunOption) (*reconcile.Result, error) {
	doc = applyPatientHint(doc, hint)
	res, err := e.reconciler.Run(ctx, doc, opts...)
	if errors.Is(err, reconcile.ErrMissingPatient) {
		return nil, fmt.Errorf("%w: %v", ErrNoPatient, err)
	}
	return res, err
}

// applyPatientHint supplies the caller's patient id when the extraction
// does not identify the patient itself.
func applyPatientHint(doc reconcile.Document, hint *int64) reconcile.Document {
	if hint == nil {
		return doc
	}
	p := doc.Patient
	if p != nil && (p["patient_id"] != nil || p["medical_record_number"] != nil) {
		return doc
	}
	out := doc.Clone()
	if out.Patient == nil {
		out.Patient = reconcile.Record{}
	}
	out.Patient["patient_id"] = *hint
	return out
}

// Validate checks a raw extraction document.
func (e *engine) Validate(data []byte) (*validate.Report, error) {
	return validate.ValidateJSON(data)
}

// Documents returns all registered source documents.
func (e *engine) Documents(ctx context.Context) ([]store.SourceDocument, error) {
	return e.store.ListSourceDocuments(ctx)
}

// Document returns one source document.
func (e *engine) Document(ctx context.Context, id int64) (*store.SourceDocument, error) {
	d, err := e.store.GetSourceDocument(ctx, id)
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %d", ErrDocumentNotFound, id)
	}
	return d, err
}

// Runs returns the most recent reconcile runs.
func (e *engine) Runs(ctx context.Context, limit int) ([]store.Run, error) {
	return e.store.ListRuns(ctx, limit)
}

// Run returns one reconcile run.
func (e *engine) Run(ctx context.Context, id string) (*store.Run, error) {
	r, err := e.store.GetRun(ctx, id)
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// Stats returns row counts per entity table.
func (e *engine) Stats(ctx context.Context) (map[string]int64, error) {
	return e.store.Stats(ctx)
}

// Metrics returns the engine's metric registry.
func (e *engine) Metrics() prometheus.Gatherer {
	return e.reg
}

// Store returns the underlying store for diagnostic access.
func (e *engine) Store() *store.Store {
	return e.store
}

// Close shuts down the engine.
func (e *engine) Close() error {
	return e.store.Close()
}

func (e *engine) observe(stage string, start time.Time) {
	e.stages.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// fileHash computes the SHA-256 hash of a file's content.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
