package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/brunobiangulo/emrsync/parser"
)

// ---------------------------------------------------------------------------
// Core chunker tests
// ---------------------------------------------------------------------------

func TestNewDefaults(t *testing.T) {
	c := New(Config{})
	if c.cfg != DefaultConfig() {
		t.Errorf("cfg = %+v, want %+v", c.cfg, DefaultConfig())
	}
}

func TestNewClampsConfig(t *testing.T) {
	c := New(Config{ChunkSize: 50, Overlap: 80, MaxTokens: 10})
	if c.cfg.Overlap != 5 {
		t.Errorf("Overlap = %d, want 5", c.cfg.Overlap)
	}
	if c.cfg.MaxTokens != 50 {
		t.Errorf("MaxTokens = %d, want 50", c.cfg.MaxTokens)
	}
}

func TestChunkSimple(t *testing.T) {
	c := New(Config{})
	sections := []parser.Section{
		{Heading: "Chief Complaint", Content: "Cough for three days.", PageNumber: 1, Type: "history"},
		{Heading: "Empty", Content: "   ", PageNumber: 1},
		{Heading: "Vitals", Content: "BP 120/80, pulse 72.", PageNumber: 2, Type: "vitals"},
	}

	chunks := c.Chunk(sections)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunks[%d].Index = %d", i, ch.Index)
		}
	}
	if chunks[1].Heading != "Vitals" || chunks[1].PageNumber != 2 || chunks[1].SectionType != "vitals" {
		t.Errorf("chunks[1] = %+v", chunks[1])
	}
	if chunks[0].TokenCount != estimateTokens("Cough for three days.") {
		t.Errorf("chunks[0].TokenCount = %d", chunks[0].TokenCount)
	}
}

func TestChunkEmptySections(t *testing.T) {
	if got := New(Config{}).Chunk(nil); len(got) != 0 {
		t.Errorf("expected no chunks, got %d", len(got))
	}
}

// ---------------------------------------------------------------------------
// Splitting
// ---------------------------------------------------------------------------

func paragraph(n int) string {
	words := make([]string, 10)
	for i := range words {
		words[i] = fmt.Sprintf("p%dw%d", n, i+1)
	}
	return strings.Join(words, " ")
}

func TestSplitParagraphsWithOverlap(t *testing.T) {
	c := New(Config{ChunkSize: 20, Overlap: 5})
	text := paragraph(1) + "\n\n" + paragraph(2) + "\n\n" + paragraph(3)

	frags := c.splitContent(text)
	if len(frags) != 3 {
		t.Fatalf("expected 3 fragments, got %d: %q", len(frags), frags)
	}
	if frags[0] != paragraph(1) {
		t.Errorf("frags[0] = %q", frags[0])
	}
	if !strings.HasPrefix(frags[1], "p1w8 p1w9 p1w10\n\n") || !strings.HasSuffix(frags[1], paragraph(2)) {
		t.Errorf("frags[1] = %q", frags[1])
	}
	if !strings.HasPrefix(frags[2], "p2w8 p2w9 p2w10\n\n") {
		t.Errorf("frags[2] = %q", frags[2])
	}
	for i, f := range frags {
		if estimateTokens(f) > 20 {
			t.Errorf("frags[%d] has %d tokens", i, estimateTokens(f))
		}
	}
}

func TestSplitBySentences(t *testing.T) {
	c := New(Config{ChunkSize: 10, Overlap: 2})
	frags := c.splitContent("One two three. Four five six. Seven eight nine. Ten eleven twelve.")

	want := []string{
		"One two three. Four five six.",
		"six. Seven eight nine. Ten eleven twelve.",
	}
	if len(frags) != len(want) {
		t.Fatalf("got %q", frags)
	}
	for i := range want {
		if frags[i] != want[i] {
			t.Errorf("frags[%d] = %q, want %q", i, frags[i], want[i])
		}
	}
}

func TestSplitLongSentenceByWords(t *testing.T) {
	c := New(Config{ChunkSize: 10, Overlap: 2})
	words := make([]string, 20)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	text := strings.Join(words, " ")

	frags := c.splitContent(text)
	if len(frags) != 3 {
		t.Fatalf("expected 3 fragments, got %d: %q", len(frags), frags)
	}
	if got := strings.Join(frags, " "); got != text {
		t.Errorf("rejoined fragments lost words: %q", got)
	}
	for i, f := range frags {
		if estimateTokens(f) > 10 {
			t.Errorf("frags[%d] has %d tokens", i, estimateTokens(f))
		}
	}
}

func TestSplitTableRepeatsHeader(t *testing.T) {
	c := New(Config{ChunkSize: 40, Overlap: 4})
	lines := []string{"| Test | Value | Unit |", "| --- | --- | --- |"}
	for i := 1; i <= 5; i++ {
		lines = append(lines, fmt.Sprintf("| T%d | %d.0 | mg |", i, i))
	}

	frags := c.splitContent(strings.Join(lines, "\n"))
	if len(frags) != 3 {
		t.Fatalf("expected 3 fragments, got %d: %q", len(frags), frags)
	}
	for i, f := range frags {
		if !strings.HasPrefix(f, lines[0]+"\n"+lines[1]+"\n") {
			t.Errorf("frags[%d] lacks header: %q", i, f)
		}
	}
	if !strings.HasSuffix(frags[2], "| T5 | 5.0 | mg |") {
		t.Errorf("last fragment = %q", frags[2])
	}
}

func TestSplitTableBlocks(t *testing.T) {
	text := "Intro text\n| a | b |\n| 1 | 2 |\nTrailing note\n| lone |"
	blocks := splitTableBlocks(text)
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %+v", blocks)
	}
	if blocks[0].table || blocks[0].text != "Intro text" {
		t.Errorf("blocks[0] = %+v", blocks[0])
	}
	if !blocks[1].table || blocks[1].text != "| a | b |\n| 1 | 2 |" {
		t.Errorf("blocks[1] = %+v", blocks[1])
	}
	if blocks[2].table || blocks[2].text != "Trailing note\n| lone |" {
		t.Errorf("blocks[2] = %+v", blocks[2])
	}
}

func TestIsHeaderSeparator(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"| --- | --- |", true},
		{"| :---: | ---: |", true},
		{"| a | b |", false},
		{"||", false},
	}
	for _, tt := range tests {
		if got := isHeaderSeparator(tt.line); got != tt.want {
			t.Errorf("isHeaderSeparator(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Windows
// ---------------------------------------------------------------------------

func TestWindows(t *testing.T) {
	c := New(Config{ChunkSize: 1000, MaxTokens: 1000})
	var chunks []Chunk
	for i, n := range []int{400, 500, 300, 900, 1500} {
		chunks = append(chunks, Chunk{Index: i, TokenCount: n})
	}

	windows := c.Windows(chunks)
	wantSizes := [][]int{{0, 1}, {2}, {3}, {4}}
	if len(windows) != len(wantSizes) {
		t.Fatalf("expected %d windows, got %d", len(wantSizes), len(windows))
	}
	for i, w := range windows {
		if w.Index != i {
			t.Errorf("windows[%d].Index = %d", i, w.Index)
		}
		if len(w.Chunks) != len(wantSizes[i]) || w.Chunks[0].Index != wantSizes[i][0] {
			t.Errorf("windows[%d] chunks = %+v", i, w.Chunks)
		}
	}
	if windows[0].TokenCount != 900 {
		t.Errorf("windows[0].TokenCount = %d", windows[0].TokenCount)
	}
}

func TestWindowText(t *testing.T) {
	w := Window{Chunks: []Chunk{
		{Heading: "Vitals", Content: "A"},
		{Heading: "Vitals", Content: "B"},
		{Heading: "Medications", Content: "C"},
		{Content: "D"},
	}}
	want := "## Vitals\nA\n\nB\n\n## Medications\nC\n\nD"
	if got := w.Text(); got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"one", 2},
		{"one two three four five six seven eight nine ten", 13},
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.text); got != tt.want {
			t.Errorf("estimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestExtractOverlap(t *testing.T) {
	if got := extractOverlap("a b c d e", 3); got != "d e" {
		t.Errorf("extractOverlap = %q", got)
	}
	if got := extractOverlap("a", 0); got != "" {
		t.Errorf("extractOverlap with zero budget = %q", got)
	}
}
