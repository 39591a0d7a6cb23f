// Package eval measures extraction quality against hand-checked gold
// extraction documents.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/brunobiangulo/emrsync"
	"github.com/brunobiangulo/emrsync/schema"
)

// Evaluator runs a dataset through an engine's extraction step.
type Evaluator struct {
	engine emrsync.Engine
}

// NewEvaluator creates an evaluator over engine.
func NewEvaluator(engine emrsync.Engine) *Evaluator {
	return &Evaluator{engine: engine}
}

// Report summarizes an evaluation run.
type Report struct {
	Dataset    string                   `json:"dataset"`
	Results    []CaseResult             `json:"results"`
	Sections   map[string]*SectionScore `json:"sections"`
	TokenUsage TokenUsage               `json:"token_usage"`
	Errors     int                      `json:"errors"`
	RunTime    time.Duration            `json:"run_time"`
}

// TokenUsage tracks tokens spent across all cases.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// CaseResult is the outcome of one case.
type CaseResult struct {
	Name             string                   `json:"name"`
	Sections         map[string]*SectionScore `json:"sections,omitempty"`
	ValidationErrors int                      `json:"validation_errors"`
	Windows          int                      `json:"windows"`
	PromptTokens     int                      `json:"prompt_tokens"`
	CompletionTokens int                      `json:"completion_tokens"`
	ElapsedMs        int64                    `json:"elapsed_ms"`
	Error            string                   `json:"error,omitempty"`
}

// Overall sums the section scores.
func (r *Report) Overall() SectionScore {
	var total SectionScore
	for _, s := range r.Sections {
		total.add(*s)
	}
	return total
}

// Run extracts every case and scores it. A failing case is recorded and
// does not stop the run; only context cancellation does.
func (e *Evaluator) Run(ctx context.Context, ds Dataset) (*Report, error) {
	start := time.Now()
	report := &Report{
		Dataset:  ds.Name,
		Sections: make(map[string]*SectionScore),
	}

	for i, c := range ds.Cases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := e.runCase(ctx, c)
		report.Results = append(report.Results, res)
		report.TokenUsage.PromptTokens += res.PromptTokens
		report.TokenUsage.CompletionTokens += res.CompletionTokens

		if res.Error != "" {
			report.Errors++
			slog.Warn("eval: case failed",
				"progress", fmt.Sprintf("%d/%d", i+1, len(ds.Cases)),
				"case", c.Name, "error", res.Error)
			continue
		}
		var total SectionScore
		for sec, s := range res.Sections {
			if report.Sections[sec] == nil {
				report.Sections[sec] = &SectionScore{}
			}
			report.Sections[sec].add(*s)
			total.add(*s)
		}
		slog.Info("eval: case complete",
			"progress", fmt.Sprintf("%d/%d", i+1, len(ds.Cases)),
			"case", c.Name,
			"f1", fmt.Sprintf("%.2f", total.F1()),
			"field_accuracy", fmt.Sprintf("%.2f", total.FieldAccuracy()),
			"elapsed_ms", res.ElapsedMs)
	}

	report.RunTime = time.Since(start)
	return report, nil
}

func (e *Evaluator) runCase(ctx context.Context, c Case) CaseResult {
	start := time.Now()
	res := CaseResult{Name: c.Name}

	gold, err := loadGold(c.Gold)
	if err != nil {
		res.Error = fmt.Sprintf("loading gold: %v", err)
		return res
	}

	var opts []emrsync.IngestOption
	if c.PatientID != nil {
		opts = append(opts, emrsync.WithPatientID(*c.PatientID))
	}
	ex, err := e.engine.Extract(ctx, c.Document, opts...)
	res.ElapsedMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Windows = ex.Windows
	res.PromptTokens = ex.PromptTokens
	res.CompletionTokens = ex.CompletionTokens
	if ex.Validation != nil {
		res.ValidationErrors = ex.Validation.ErrorCount()
	}
	res.Sections = make(map[string]*SectionScore)
	for sec, s := range Compare(gold, ex.Document) {
		s := s
		res.Sections[string(sec)] = &s
	}
	return res
}

// FormatReport renders a report as plain text.
func FormatReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Extraction Report: %s ===\n", r.Dataset)
	fmt.Fprintf(&b, "Cases: %d | Errors: %d\n", len(r.Results), r.Errors)
	fmt.Fprintf(&b, "Run time: %s\n\n", r.RunTime.Round(time.Millisecond))

	overall := r.Overall()
	fmt.Fprintf(&b, "Overall:\n")
	fmt.Fprintf(&b, "  Precision:       %.2f\n", overall.Precision())
	fmt.Fprintf(&b, "  Recall:          %.2f\n", overall.Recall())
	fmt.Fprintf(&b, "  F1:              %.2f\n", overall.F1())
	fmt.Fprintf(&b, "  Field accuracy:  %.2f\n\n", overall.FieldAccuracy())

	fmt.Fprintf(&b, "Token Usage:\n")
	fmt.Fprintf(&b, "  Prompt:     %d\n", r.TokenUsage.PromptTokens)
	fmt.Fprintf(&b, "  Completion: %d\n\n", r.TokenUsage.CompletionTokens)

	if len(r.Sections) > 0 {
		fmt.Fprintf(&b, "Per-Section Metrics:\n")
		for _, sec := range sortedSections(r.Sections) {
			s := r.Sections[sec]
			fmt.Fprintf(&b, "  %-20s exp=%-4d got=%-4d P=%.2f R=%.2f F1=%.2f Fields=%.2f\n",
				sec, s.Expected, s.Extracted, s.Precision(), s.Recall(), s.F1(), s.FieldAccuracy())
		}
		fmt.Fprintln(&b)
	}

	for i, res := range r.Results {
		if res.Error != "" {
			fmt.Fprintf(&b, "[ERROR] %d. %s\n  Error: %s\n", i+1, res.Name, res.Error)
			continue
		}
		var total SectionScore
		for _, s := range res.Sections {
			total.add(*s)
		}
		fmt.Fprintf(&b, "[OK] %d. %s\n  F1=%.2f Fields=%.2f Invalid=%d Windows=%d  (%dms)\n",
			i+1, res.Name, total.F1(), total.FieldAccuracy(), res.ValidationErrors, res.Windows, res.ElapsedMs)
	}
	return b.String()
}

// sortedSections orders section names as they appear in the extraction
// document.
func sortedSections(m map[string]*SectionScore) []string {
	order := make(map[string]int)
	for i, s := range schema.ExtractionSections() {
		order[string(s)] = i
	}
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	return out
}
