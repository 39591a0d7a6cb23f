package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/brunobiangulo/emrsync"
	"github.com/brunobiangulo/emrsync/reconcile"
)

type handler struct {
	engine    emrsync.Engine
	uploadDir string
	maxUpload int64
}

func newHandler(e emrsync.Engine, cfg emrsync.ServerConfig) *handler {
	maxUpload := cfg.MaxUploadMB << 20
	if maxUpload <= 0 {
		maxUpload = 50 << 20
	}
	return &handler{engine: e, uploadDir: cfg.UploadDir, maxUpload: maxUpload}
}

type ingestRequest struct {
	Path      string `json:"path"`
	PatientID *int64 `json:"patient_id,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

func (req ingestRequest) options() []emrsync.IngestOption {
	var opts []emrsync.IngestOption
	if req.PatientID != nil {
		opts = append(opts, emrsync.WithPatientID(*req.PatientID))
	}
	if req.Force {
		opts = append(opts, emrsync.WithForce())
	}
	return opts
}

// POST /ingest
// Accepts multipart file upload or JSON with file path.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req ingestRequest

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err == nil {
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "multipart upload needs a 'file' field")
			return
		}
		defer file.Close()

		if v := r.FormValue("patient_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid patient_id")
				return
			}
			req.PatientID = &id
		}
		req.Force, _ = strconv.ParseBool(r.FormValue("force"))

		path, err := h.saveUpload(file, filepath.Base(header.Filename))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save file")
			slog.Error("server: saving uploaded file", "error", err)
			return
		}
		req.Path = path
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
			return
		}
		if req.Path == "" {
			writeError(w, http.StatusBadRequest, "path is required")
			return
		}
		absPath, err := filepath.Abs(req.Path)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		info, err := os.Stat(absPath)
		if err != nil || info.IsDir() {
			writeError(w, http.StatusBadRequest, "path must be an existing file")
			return
		}
		req.Path = absPath
	}

	res, err := h.engine.Ingest(ctx, req.Path, req.options()...)
	if err != nil {
		writeEngineError(w, "ingestion failed", err)
		slog.Error("server: ingest error", "path", req.Path, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// saveUpload keeps the uploaded file under its own name so that uploading
// the same document again is recognized by its path and hash.
func (h *handler) saveUpload(src io.Reader, name string) (string, error) {
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", err
	}
	path, err := filepath.Abs(filepath.Join(h.uploadDir, name))
	if err != nil {
		return "", err
	}
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	return path, dst.Close()
}

// POST /reconcile
func (h *handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	doc, err := reconcile.DecodeDocument(http.MaxBytesReader(w, r.Body, h.maxUpload))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.engine.Reconcile(ctx, doc)
	if err != nil {
		writeEngineError(w, "reconcile failed", err)
		slog.Error("server: reconcile error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /documents/{id}/reconcile
func (h *handler) handleReconcileSource(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	res, err := h.engine.ReconcileSource(ctx, id)
	if err != nil {
		writeEngineError(w, "reconcile failed", err)
		slog.Error("server: reconcile source error", "document_id", id, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /validate
func (h *handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUpload))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	report, err := h.engine.Validate(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     report.OK(),
		"errors": report.ErrorCount(),
		"report": report,
	})
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.Documents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		slog.Error("server: list documents error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// GET /documents/{id}
func (h *handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	doc, err := h.engine.Document(r.Context(), id)
	if err != nil {
		writeEngineError(w, "failed to load document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GET /runs
func (h *handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	runs, err := h.engine.Runs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		slog.Error("server: list runs error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GET /runs/{id}
func (h *handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.Run(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, "failed to load run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GET /stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count rows")
		slog.Error("server: stats error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Store().DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var recErr *reconcile.RecordError
	switch {
	case errors.Is(err, emrsync.ErrDocumentNotFound), errors.Is(err, emrsync.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, emrsync.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, emrsync.ErrLLMRequestFailed):
		return http.StatusBadGateway
	case errors.Is(err, emrsync.ErrNoPatient),
		errors.Is(err, emrsync.ErrNoExtraction),
		errors.Is(err, emrsync.ErrParsingFailed),
		errors.Is(err, emrsync.ErrExtractionFailed),
		errors.Is(err, reconcile.ErrMalformedDocument),
		errors.Is(err, reconcile.ErrUnresolvedReference),
		errors.Is(err, reconcile.ErrDuplicateTempID),
		errors.As(err, &recErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, reconcile.ErrAmbiguousNaturalKey):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeEngineError reports err with its mapped status. Server errors get
// the generic message; client errors carry the cause.
func writeEngineError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
