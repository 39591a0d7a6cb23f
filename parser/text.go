package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TextParser handles plain text and markdown exports of clinical notes.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt", "md"} }

func (p *TextParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return &ParseResult{Method: "native"}, nil
	}

	var sections []Section
	if FormatOf(path) == "md" {
		sections = splitMarkdown(content)
	} else {
		sections = splitPageIntoSections(content, 1)
	}
	if len(sections) == 0 {
		sections = []Section{{
			Heading: filepath.Base(path),
			Content: content,
			Level:   1,
			Type:    "section",
		}}
	}

	return &ParseResult{Sections: sections, Method: "native", Pages: 1}, nil
}

// splitMarkdown cuts a markdown document at its ATX headings.
func splitMarkdown(text string) []Section {
	var sections []Section
	var cur Section
	var body strings.Builder

	flush := func() {
		content := strings.TrimSpace(body.String())
		if content != "" {
			cur.Content = content
			cur.Type = classifySectionType(cur.Heading, content)
			cur.PageNumber = 1
			sections = append(sections, cur)
		}
		body.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if level := markdownLevel(trimmed); level > 0 {
			flush()
			cur = Section{Heading: strings.TrimSpace(trimmed[level:]), Level: level}
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	return sections
}

func markdownLevel(line string) int {
	n := 0
	for n < len(line) && n < 6 && line[n] == '#' {
		n++
	}
	if n == 0 || n >= len(line) || line[n] != ' ' {
		return 0
	}
	return n
}
