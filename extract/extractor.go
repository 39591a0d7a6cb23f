// Package extract asks a chat model to turn document text into an
// extraction document: one nested JSON object per window of chunks, merged
// into a single reconcile.Document.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brunobiangulo/emrsync/chunker"
	"github.com/brunobiangulo/emrsync/llm"
	"github.com/brunobiangulo/emrsync/reconcile"
)

// ErrNoWindows is returned when there is no text to extract from.
var ErrNoWindows = errors.New("extract: nothing to extract")

const (
	defaultConcurrency   = 2
	defaultTemperature   = 0.1
	defaultWindowTimeout = 5 * time.Minute
)

// Config controls extraction.
type Config struct {
	Temperature   float64       `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	Concurrency   int           `json:"concurrency" yaml:"concurrency" mapstructure:"concurrency"`
	WindowTimeout time.Duration `json:"window_timeout" yaml:"window_timeout" mapstructure:"window_timeout"`
	// AllowPartial keeps the windows that succeeded when others fail.
	AllowPartial bool `json:"allow_partial" yaml:"allow_partial" mapstructure:"allow_partial"`
}

// Extractor runs the extraction prompt over chunk windows.
type Extractor struct {
	chat llm.Provider
	cfg  Config
}

// New creates an extractor. Zero config fields take defaults.
func New(chat llm.Provider, cfg Config) *Extractor {
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.WindowTimeout <= 0 {
		cfg.WindowTimeout = defaultWindowTimeout
	}
	return &Extractor{chat: chat, cfg: cfg}
}

// Result is the merged outcome of one extraction.
type Result struct {
	Document reconcile.Document
	Model    string
	Windows  int
	// Failed lists the indexes of windows that produced nothing. Only
	// non-empty with AllowPartial.
	Failed           []int
	PromptTokens     int
	CompletionTokens int
}

type windowResult struct {
	doc  reconcile.Document
	resp *llm.ChatResponse
	err  error
}

// Extract sends every window to the model and merges the answers in window
// order.
func (e *Extractor) Extract(ctx context.Context, windows []chunker.Window, patientID *int64) (*Result, error) {
	if len(windows) == 0 {
		return nil, ErrNoWindows
	}

	slog.Info("extract: processing windows", "total", len(windows), "concurrency", e.cfg.Concurrency)

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		sem       = make(chan struct{}, e.cfg.Concurrency)
		results   = make([]windowResult, len(windows))
		completed int
		start     = time.Now()
	)

	for i, w := range windows {
		wg.Add(1)
		go func(i int, w chunker.Window) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i].err = ctx.Err()
				return
			}

			winCtx, cancel := context.WithTimeout(ctx, e.cfg.WindowTimeout)
			defer cancel()

			winStart := time.Now()
			doc, resp, err := e.extractWindow(winCtx, w, patientID)
			results[i] = windowResult{doc: doc, resp: resp, err: err}
			if err != nil {
				slog.Warn("extract: window failed", "window", i, "error", err,
					"elapsed", time.Since(winStart).Round(time.Millisecond))
				return
			}

			mu.Lock()
			completed++
			n := completed
			mu.Unlock()
			slog.Info("extract: window processed",
				"progress", fmt.Sprintf("%d/%d", n, len(windows)),
				"window", i,
				"tokens", w.TokenCount,
				"records", doc.Len(),
				"elapsed", time.Since(winStart).Round(time.Millisecond),
				"total_elapsed", time.Since(start).Round(time.Millisecond))
		}(i, w)
	}
	wg.Wait()

	res := &Result{Windows: len(windows)}
	var parts []reconcile.Document
	var firstErr error
	for i, r := range results {
		if r.err != nil {
			res.Failed = append(res.Failed, i)
			if firstErr == nil {
				firstErr = fmt.Errorf("window %d: %w", i, r.err)
			}
			continue
		}
		parts = append(parts, r.doc)
		if r.resp != nil {
			if res.Model == "" {
				res.Model = r.resp.Model
			}
			res.PromptTokens += r.resp.PromptTokens
			res.CompletionTokens += r.resp.CompletionTokens
		}
	}

	if len(parts) == 0 || (firstErr != nil && !e.cfg.AllowPartial) {
		return nil, firstErr
	}
	if firstErr != nil {
		slog.Warn("extract: completed with failures",
			"succeeded", len(parts), "failed", len(res.Failed), "total", len(windows))
	}

	res.Document = Merge(parts)
	return res, nil
}

// ExtractText runs a single window over raw text.
func (e *Extractor) ExtractText(ctx context.Context, text string, patientID *int64) (*Result, error) {
	w := chunker.Window{Chunks: []chunker.Chunk{{Content: text}}}
	return e.Extract(ctx, []chunker.Window{w}, patientID)
}

func (e *Extractor) extractWindow(ctx context.Context, w chunker.Window, patientID *int64) (reconcile.Document, *llm.ChatResponse, error) {
	prompt, err := BuildPrompt(w.Text(), patientID)
	if err != nil {
		return reconcile.Document{}, nil, err
	}

	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: prompt},
		},
		Temperature:    e.cfg.Temperature,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return reconcile.Document{}, nil, fmt.Errorf("extraction llm chat: %w", err)
	}

	jsonStr, err := extractJSON(resp.Content)
	if err != nil {
		return reconcile.Document{}, resp, err
	}
	doc, err := reconcile.ParseDocument([]byte(jsonStr))
	if err != nil {
		return reconcile.Document{}, resp, fmt.Errorf("parsing extraction result: %w", err)
	}
	return doc, resp, nil
}
