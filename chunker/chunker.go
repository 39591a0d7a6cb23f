// Package chunker splits parsed document sections into overlapping
// fragments and groups them into extraction windows sized for one LLM call.
package chunker

import (
	"math"
	"strings"

	"github.com/brunobiangulo/emrsync/parser"
)

// Config controls the chunking behaviour. All sizes are estimated tokens.
type Config struct {
	ChunkSize int `json:"chunk_size" yaml:"chunk_size" mapstructure:"chunk_size"` // Maximum tokens per chunk.
	Overlap   int `json:"overlap" yaml:"overlap" mapstructure:"overlap"`          // Overlap between consecutive chunks of a section.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"` // Maximum tokens per extraction window.
}

// DefaultConfig returns the default chunk sizes.
func DefaultConfig() Config {
	return Config{ChunkSize: 1000, Overlap: 100, MaxTokens: 8000}
}

// Chunk is one fragment of a section.
type Chunk struct {
	Index       int
	Heading     string
	Content     string
	PageNumber  int
	SectionType string
	TokenCount  int
}

// Window is a run of consecutive chunks sent to the model together.
type Window struct {
	Index      int
	Chunks     []Chunk
	TokenCount int
}

// Chunker converts parsed document sections into chunks and windows.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with defaults.
func New(cfg Config) *Chunker {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = def.Overlap
	}
	if cfg.Overlap >= cfg.ChunkSize {
		cfg.Overlap = cfg.ChunkSize / 10
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxTokens < cfg.ChunkSize {
		cfg.MaxTokens = cfg.ChunkSize
	}
	return &Chunker{cfg: cfg}
}

// Config returns the effective configuration.
func (c *Chunker) Config() Config { return c.cfg }

// Chunk splits every section into fragments that fit within ChunkSize.
// Chunk indices run across the whole document.
func (c *Chunker) Chunk(sections []parser.Section) []Chunk {
	var chunks []Chunk
	for _, sec := range sections {
		if strings.TrimSpace(sec.Content) == "" {
			continue
		}
		for _, frag := range c.splitContent(sec.Content) {
			chunks = append(chunks, Chunk{
				Index:       len(chunks),
				Heading:     sec.Heading,
				Content:     frag,
				PageNumber:  sec.PageNumber,
				SectionType: sec.Type,
				TokenCount:  estimateTokens(frag),
			})
		}
	}
	return chunks
}

// Windows groups consecutive chunks so that each window stays within
// MaxTokens. A window always holds at least one chunk.
func (c *Chunker) Windows(chunks []Chunk) []Window {
	var windows []Window
	var cur Window
	for _, ch := range chunks {
		if len(cur.Chunks) > 0 && cur.TokenCount+ch.TokenCount > c.cfg.MaxTokens {
			windows = append(windows, cur)
			cur = Window{Index: len(windows)}
		}
		cur.Chunks = append(cur.Chunks, ch)
		cur.TokenCount += ch.TokenCount
	}
	if len(cur.Chunks) > 0 {
		windows = append(windows, cur)
	}
	return windows
}

// Text renders the window as markdown. A heading is written whenever it
// changes from the previous chunk.
func (w Window) Text() string {
	var b strings.Builder
	prev := ""
	for i, ch := range w.Chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if ch.Heading != "" && ch.Heading != prev {
			b.WriteString("## ")
			b.WriteString(ch.Heading)
			b.WriteString("\n")
		}
		prev = ch.Heading
		b.WriteString(ch.Content)
	}
	return b.String()
}

// splitContent breaks a long text into fragments that each fit within
// ChunkSize. Tables are split by rows; prose at paragraph, then sentence,
// then word boundaries.
func (c *Chunker) splitContent(text string) []string {
	text = strings.TrimSpace(text)
	if estimateTokens(text) <= c.cfg.ChunkSize {
		return []string{text}
	}

	var fragments []string
	for _, b := range splitTableBlocks(text) {
		if b.table {
			fragments = append(fragments, splitTable(b.text, c.cfg.ChunkSize)...)
			continue
		}
		fragments = append(fragments, c.splitProse(b.text)...)
	}
	return fragments
}

// splitProse packs paragraphs into fragments. Consecutive fragments share
// an overlap of c.cfg.Overlap tokens worth of trailing text.
func (c *Chunker) splitProse(text string) []string {
	if estimateTokens(text) <= c.cfg.ChunkSize {
		return []string{text}
	}

	var fragments []string
	var current strings.Builder
	currentTokens := 0
	overlapText := ""

	for _, para := range splitParagraphs(text) {
		paraTokens := estimateTokens(para)

		// If a single paragraph exceeds ChunkSize, split it by sentences.
		if paraTokens > c.cfg.ChunkSize {
			if current.Len() > 0 {
				fragments = append(fragments, strings.TrimSpace(current.String()))
				overlapText = extractOverlap(current.String(), c.cfg.Overlap)
				current.Reset()
				currentTokens = 0
			}
			sentenceFragments := c.splitBySentences(para, overlapText)
			fragments = append(fragments, sentenceFragments...)
			if len(sentenceFragments) > 0 {
				overlapText = extractOverlap(sentenceFragments[len(sentenceFragments)-1], c.cfg.Overlap)
			}
			continue
		}

		if currentTokens+paraTokens > c.cfg.ChunkSize && current.Len() > 0 {
			fragments = append(fragments, strings.TrimSpace(current.String()))
			overlapText = extractOverlap(current.String(), c.cfg.Overlap)
			current.Reset()
			currentTokens = 0

			if overlapText != "" {
				current.WriteString(overlapText)
				current.WriteString("\n\n")
				currentTokens = estimateTokens(overlapText)
			}
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentTokens += paraTokens
	}

	if current.Len() > 0 {
		fragments = append(fragments, strings.TrimSpace(current.String()))
	}
	return fragments
}

// splitBySentences breaks a paragraph into fragments at sentence
// boundaries, prepending overlap from the previous fragment. A sentence
// longer than ChunkSize is cut at word boundaries.
func (c *Chunker) splitBySentences(text string, initialOverlap string) []string {
	var fragments []string
	var current strings.Builder
	currentTokens := 0
	// pending is true once current holds text beyond the carried overlap.
	pending := false

	carry := func(overlap string) {
		current.Reset()
		currentTokens = 0
		if overlap != "" {
			current.WriteString(overlap)
			currentTokens = estimateTokens(overlap)
		}
	}
	flush := func() {
		fragments = append(fragments, strings.TrimSpace(current.String()))
		carry(extractOverlap(current.String(), c.cfg.Overlap))
		pending = false
	}

	carry(initialOverlap)
	for _, sent := range splitSentences(text) {
		sentTokens := estimateTokens(sent)

		if sentTokens > c.cfg.ChunkSize {
			if pending {
				flush()
			}
			pieces := splitWords(sent, c.cfg.ChunkSize)
			fragments = append(fragments, pieces...)
			carry(extractOverlap(pieces[len(pieces)-1], c.cfg.Overlap))
			continue
		}

		if currentTokens+sentTokens > c.cfg.ChunkSize && pending {
			flush()
		}

		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
		currentTokens += sentTokens
		pending = true
	}

	if pending {
		fragments = append(fragments, strings.TrimSpace(current.String()))
	}
	return fragments
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// estimateTokens approximates the token count of text using a simple
// word-based heuristic: tokens ~ words * 1.3.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// wordsFor is the number of words that fit in maxTokens.
func wordsFor(maxTokens int) int {
	return int(float64(maxTokens) / 1.3)
}

// splitWords cuts text into runs of whole words within maxTokens.
func splitWords(text string, maxTokens int) []string {
	words := strings.Fields(text)
	per := max(wordsFor(maxTokens), 1)
	var out []string
	for start := 0; start < len(words); start += per {
		end := min(start+per, len(words))
		out = append(out, strings.Join(words[start:end], " "))
	}
	return out
}

// splitParagraphs splits text on blank-line boundaries.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences splits on period/question-mark/exclamation followed by
// whitespace or end of string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				if s := strings.TrimSpace(cur.String()); s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// extractOverlap returns the trailing words of text whose estimated token
// count is at most maxTokens.
func extractOverlap(text string, maxTokens int) string {
	words := strings.Fields(text)
	n := min(wordsFor(maxTokens), len(words))
	if n <= 0 {
		return ""
	}
	return strings.Join(words[len(words)-n:], " ")
}
