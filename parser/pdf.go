package parser

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// PDFParser extracts the text layer of a PDF page by page. Scanned PDFs
// without a text layer produce no sections.
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	sections := make([]Section, 0)

	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}
		sections = append(sections, splitPageIntoSections(text, i)...)
	}

	if len(sections) == 0 {
		return nil, fmt.Errorf("no text layer in %d page(s)", totalPages)
	}

	return &ParseResult{
		Sections: sections,
		Method:   "native",
		Pages:    totalPages,
	}, nil
}

// splitPageIntoSections breaks page text into sections at heading lines.
func splitPageIntoSections(text string, pageNum int) []Section {
	var sections []Section
	var body strings.Builder
	var heading string
	level := 0

	flush := func() {
		content := strings.TrimSpace(body.String())
		if content == "" {
			return
		}
		sections = append(sections, Section{
			Heading:    heading,
			Content:    content,
			Level:      level,
			PageNumber: pageNum,
			Type:       classifySectionType(heading, content),
		})
		body.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if body.Len() > 0 {
				body.WriteString("\n")
			}
			continue
		}

		if isLikelyHeading(trimmed) {
			flush()
			heading = strings.TrimSuffix(trimmed, ":")
			level = detectHeadingLevel(trimmed)
			continue
		}

		if body.Len() > 0 {
			body.WriteString("\n")
		}
		body.WriteString(trimmed)
	}
	flush()

	return sections
}

// clinicalHeadings are section titles found in visit notes and discharge
// summaries, matched case-insensitively with an optional trailing colon.
var clinicalHeadings = map[string]bool{
	"chief complaint":            true,
	"history of present illness": true,
	"hpi":                        true,
	"past medical history":       true,
	"review of systems":          true,
	"ros":                        true,
	"physical exam":              true,
	"physical examination":       true,
	"vital signs":                true,
	"vitals":                     true,
	"medications":                true,
	"current medications":        true,
	"allergies":                  true,
	"assessment":                 true,
	"plan":                       true,
	"assessment and plan":        true,
	"impression":                 true,
	"findings":                   true,
	"diagnoses":                  true,
	"discharge diagnoses":        true,
	"procedures":                 true,
	"laboratory results":         true,
	"labs":                       true,
	"imaging":                    true,
	"hospital course":            true,
	"discharge instructions":     true,
	"follow-up":                  true,
	"social history":             true,
	"family history":             true,
}

func isLikelyHeading(line string) bool {
	if line == "" || len(line) > 80 {
		return false
	}
	label := strings.ToLower(strings.TrimSuffix(line, ":"))
	if clinicalHeadings[label] {
		return true
	}
	// All caps and short, without digits so "BP 120/80" stays content
	letters := 0
	for _, r := range line {
		switch {
		case unicode.IsDigit(r), unicode.IsLower(r):
			return false
		case unicode.IsLetter(r):
			letters++
		}
	}
	return letters >= 3
}

func detectHeadingLevel(heading string) int {
	// All-caps = top level
	if heading == strings.ToUpper(heading) {
		return 1
	}
	return 2
}

// sectionKinds maps heading keywords to section types, checked in order.
var sectionKinds = []struct {
	kind     string
	keywords []string
}{
	{"vitals", []string{"vital", "blood pressure", "pulse"}},
	{"medications", []string{"medication", "prescription", "rx"}},
	{"labs", []string{"lab", "panel", "result"}},
	{"imaging", []string{"imaging", "radiology", "x-ray", "ct ", "mri", "ultrasound"}},
	{"procedures", []string{"procedure", "surgery", "therapy"}},
	{"assessment", []string{"assessment", "impression", "diagnos", "plan"}},
	{"history", []string{"history", "hpi", "complaint", "review of systems"}},
}

func classifySectionType(heading, content string) string {
	h := strings.ToLower(heading) + " "
	for _, k := range sectionKinds {
		for _, kw := range k.keywords {
			if strings.Contains(h, kw) {
				return k.kind
			}
		}
	}
	// Structural table detection via content: tabs/pipes indicate actual table formatting
	if strings.Count(content, "\t") > 3 || strings.Count(content, "|") > 3 {
		return "table"
	}
	return "section"
}
