// Package parser turns source documents (PDF, spreadsheets, plain text) into
// ordered text sections ready for chunking.
package parser

import (
	"context"
	"errors"
	"strings"
)

// ErrNoParser is returned by the registry for an unregistered format.
var ErrNoParser = errors.New("parser: no parser for format")

// ParseResult is what a parser produces from a document file.
type ParseResult struct {
	Sections []Section // Ordered sections extracted from the document
	Method   string    // "native"
	Pages    int
	Metadata map[string]string
}

// Section represents a logical section of a parsed document.
type Section struct {
	Heading    string
	Content    string
	Level      int // Heading level (1=top, 2=sub, etc.)
	PageNumber int
	Type       string // "vitals", "medications", "labs", "imaging", "assessment", "history", "table", "section"
	Metadata   map[string]string
}

// Parser can parse a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
	SupportedFormats() []string
}

// Text renders the sections as markdown, one heading per section.
func (r *ParseResult) Text() string {
	var b strings.Builder
	for _, s := range r.Sections {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if s.Heading != "" {
			b.WriteString("## ")
			b.WriteString(s.Heading)
			b.WriteString("\n")
		}
		b.WriteString(s.Content)
	}
	return b.String()
}
