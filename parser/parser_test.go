package parser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

// ---------------------------------------------------------------------------
// Registry tests
// ---------------------------------------------------------------------------

func TestRegistryBuiltInParsers(t *testing.T) {
	reg := NewRegistry()

	formats := []string{"pdf", "xlsx", "xlsm", "txt", "md"}
	for _, format := range formats {
		t.Run(format, func(t *testing.T) {
			p, err := reg.Get(format)
			if err != nil {
				t.Fatalf("Get(%q) returned error: %v", format, err)
			}
			found := false
			for _, f := range p.SupportedFormats() {
				if f == format {
					found = true
				}
			}
			if !found {
				t.Errorf("parser for %q does not list it in SupportedFormats(): %v", format, p.SupportedFormats())
			}
		})
	}

	if got := strings.Join(reg.Formats(), ","); got != "md,pdf,txt,xlsm,xlsx" {
		t.Errorf("Formats() = %s", got)
	}
}

func TestRegistryUnknown(t *testing.T) {
	reg := NewRegistry()
	for _, format := range []string{"docx", "csv", "xls", ""} {
		t.Run("format_"+format, func(t *testing.T) {
			p, err := reg.Get(format)
			if !errors.Is(err, ErrNoParser) {
				t.Errorf("Get(%q) expected ErrNoParser, got %v", format, err)
			}
			if p != nil {
				t.Errorf("Get(%q) expected nil parser", format)
			}
		})
	}
}

func TestRegistryCustomParser(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Get("rtf"); err == nil {
		t.Fatal("expected error for unregistered format")
	}
	reg.Register("rtf", &TextParser{})
	if _, err := reg.Get("rtf"); err != nil {
		t.Fatalf("Get(\"rtf\") after Register returned error: %v", err)
	}
}

func TestFormatOf(t *testing.T) {
	if got := FormatOf("/tmp/Discharge Summary.PDF"); got != "pdf" {
		t.Errorf("FormatOf = %q", got)
	}
	if got := FormatOf("notes"); got != "" {
		t.Errorf("FormatOf without extension = %q", got)
	}
}

// ---------------------------------------------------------------------------
// splitPageIntoSections tests
// ---------------------------------------------------------------------------

const dischargeNote = `DISCHARGE SUMMARY
Patient seen on 02/01/2024 in the emergency department.

Chief Complaint:
Shortness of breath for two days.

Vital Signs
BP 132/84, pulse 96, SpO2 93% on room air.

ASSESSMENT AND PLAN:
Asthma exacerbation. Start albuterol.`

func TestSplitPageIntoSections(t *testing.T) {
	sections := splitPageIntoSections(dischargeNote, 2)
	if len(sections) != 4 {
		for _, s := range sections {
			t.Logf("%q: %q", s.Heading, s.Content)
		}
		t.Fatalf("expected 4 sections, got %d", len(sections))
	}

	want := []struct {
		heading string
		typ     string
	}{
		{"DISCHARGE SUMMARY", "section"},
		{"Chief Complaint", "history"},
		{"Vital Signs", "vitals"},
		{"ASSESSMENT AND PLAN", "assessment"},
	}
	for i, w := range want {
		if sections[i].Heading != w.heading {
			t.Errorf("section[%d].Heading = %q, want %q", i, sections[i].Heading, w.heading)
		}
		if sections[i].Type != w.typ {
			t.Errorf("section[%d].Type = %q, want %q", i, sections[i].Type, w.typ)
		}
		if sections[i].PageNumber != 2 {
			t.Errorf("section[%d].PageNumber = %d, want 2", i, sections[i].PageNumber)
		}
	}
	if !strings.Contains(sections[2].Content, "BP 132/84") {
		t.Errorf("vitals content = %q", sections[2].Content)
	}
}

func TestSplitPageIntoSectionsEmptyText(t *testing.T) {
	if got := splitPageIntoSections("   \n\n   \n  ", 1); len(got) != 0 {
		t.Errorf("expected 0 sections for whitespace-only text, got %d", len(got))
	}
}

func TestSplitPageIntoSectionsNoHeadings(t *testing.T) {
	sections := splitPageIntoSections("Patient is a 45 year old male with a cough.", 5)
	if len(sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(sections))
	}
	if sections[0].Heading != "" || sections[0].Type != "section" || sections[0].PageNumber != 5 {
		t.Errorf("unexpected section: %+v", sections[0])
	}
}

func TestIsLikelyHeading(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"HISTORY OF PRESENT ILLNESS", true},
		{"Physical Exam:", true},
		{"medications", true},
		{"IMPRESSION:", true},
		{"BP 120/80", false},
		{"MRN 0012345", false},
		{"CT", false},
		{"Patient denies chest pain.", false},
		{"Plan: follow up in two weeks", false},
		{"", false},
		{strings.Repeat("A", 81), false},
	}
	for _, tt := range tests {
		if got := isLikelyHeading(tt.line); got != tt.want {
			t.Errorf("isLikelyHeading(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestClassifySectionType(t *testing.T) {
	tests := []struct {
		heading string
		content string
		want    string
	}{
		{"Vitals", "", "vitals"},
		{"Current Medications", "", "medications"},
		{"Laboratory Results", "", "labs"},
		{"Radiology", "", "imaging"},
		{"Procedures", "", "procedures"},
		{"Discharge Diagnoses", "", "assessment"},
		{"Past Medical History", "", "history"},
		{"Sheet1", "a | b | c | d | e", "table"},
		{"Hospital Course", "Uneventful.", "section"},
	}
	for _, tt := range tests {
		if got := classifySectionType(tt.heading, tt.content); got != tt.want {
			t.Errorf("classifySectionType(%q) = %q, want %q", tt.heading, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Format parsers
// ---------------------------------------------------------------------------

func TestTextParser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(path, []byte(dischargeNote), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := (&TextParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(res.Sections) != 4 || res.Method != "native" {
		t.Fatalf("got %d sections, method %q", len(res.Sections), res.Method)
	}
	text := res.Text()
	if !strings.HasPrefix(text, "## DISCHARGE SUMMARY\n") || !strings.Contains(text, "## Vital Signs\nBP 132/84") {
		t.Errorf("Text() = %q", text)
	}
}

func TestTextParserMarkdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.md")
	md := "Intro line\n\n# Visit 1\nER visit.\n\n## Medications\nAlbuterol 90mcg\n"
	if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := (&TextParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(res.Sections) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(res.Sections))
	}
	if res.Sections[2].Heading != "Medications" || res.Sections[2].Level != 2 || res.Sections[2].Type != "medications" {
		t.Errorf("section[2] = %+v", res.Sections[2])
	}
}

func TestTextParserEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	os.WriteFile(path, nil, 0o644)
	res, err := (&TextParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(res.Sections) != 0 {
		t.Errorf("expected no sections, got %d", len(res.Sections))
	}
}

func TestXLSXParser(t *testing.T) {
	f := excelize.NewFile()
	sheet := "Lab Results"
	f.SetSheetName("Sheet1", sheet)
	f.SetSheetRow(sheet, "A1", &[]any{"Test", "Value", "Unit"})
	f.SetSheetRow(sheet, "A2", &[]any{"Hemoglobin", 13.2, "g/dL"})
	f.SetSheetRow(sheet, "A3", &[]any{"WBC", 7.1})
	path := filepath.Join(t.TempDir(), "labs.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("saving workbook: %v", err)
	}
	f.Close()

	res, err := (&XLSXParser{}).Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(res.Sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(res.Sections))
	}
	s := res.Sections[0]
	if s.Heading != sheet || s.Type != "labs" {
		t.Errorf("section = %+v", s)
	}
	wantLines := []string{
		"| Test | Value | Unit |",
		"| --- | --- | --- |",
		"| Hemoglobin | 13.2 | g/dL |",
		"| WBC | 7.1 |  |",
	}
	if got := strings.TrimSpace(s.Content); got != strings.Join(wantLines, "\n") {
		t.Errorf("content =\n%s", got)
	}
}

func TestRenderTablePipes(t *testing.T) {
	got := renderTable([][]string{{"a|b"}})
	if !strings.HasPrefix(got, "| a/b |") {
		t.Errorf("renderTable = %q", got)
	}
}
