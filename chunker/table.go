package chunker

import "strings"

// block is a run of lines that is either a table or prose.
type block struct {
	text  string
	table bool
}

// splitTableBlocks cuts text into alternating prose and table blocks, in
// document order. A table needs at least two consecutive table lines.
func splitTableBlocks(text string) []block {
	lines := strings.Split(text, "\n")
	var blocks []block
	cursor := 0

	addProse := func(end int) {
		if cursor >= end {
			return
		}
		if prose := strings.TrimSpace(strings.Join(lines[cursor:end], "\n")); prose != "" {
			blocks = append(blocks, block{text: prose})
		}
	}

	i := 0
	for i < len(lines) {
		if !isTableLine(lines[i]) {
			i++
			continue
		}
		start := i
		for i < len(lines) && isTableLine(lines[i]) {
			i++
		}
		if i-start < 2 {
			continue
		}
		addProse(start)
		blocks = append(blocks, block{text: strings.Join(lines[start:i], "\n"), table: true})
		cursor = i
	}
	addProse(len(lines))
	return blocks
}

// splitTable breaks a table into row groups that fit within maxTokens.
// Every group repeats the header row (and its separator) so the model
// always sees column names next to values.
func splitTable(table string, maxTokens int) []string {
	lines := strings.Split(strings.TrimSpace(table), "\n")
	if len(lines) == 0 {
		return nil
	}

	header := lines[:1]
	rows := lines[1:]
	if len(rows) > 0 && isHeaderSeparator(rows[0]) {
		header = lines[:2]
		rows = lines[2:]
	}
	prefix := strings.Join(header, "\n")
	if len(rows) == 0 {
		return []string{prefix}
	}

	var fragments []string
	var group []string
	tokens := estimateTokens(prefix)
	for _, row := range rows {
		rowTokens := estimateTokens(row)
		if len(group) > 0 && tokens+rowTokens > maxTokens {
			fragments = append(fragments, prefix+"\n"+strings.Join(group, "\n"))
			group = group[:0]
			tokens = estimateTokens(prefix)
		}
		group = append(group, row)
		tokens += rowTokens
	}
	fragments = append(fragments, prefix+"\n"+strings.Join(group, "\n"))
	return fragments
}

// isTableLine reports whether a line looks like part of a table.
func isTableLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	// Markdown-style pipe tables.
	if strings.HasPrefix(trimmed, "|") && strings.Count(trimmed, "|") >= 2 {
		return true
	}
	// Tab-delimited columns (at least two tabs).
	return strings.Count(trimmed, "\t") >= 2
}

// isHeaderSeparator detects markdown header separators like "| --- | --- |".
func isHeaderSeparator(line string) bool {
	cleaned := strings.NewReplacer("|", "", " ", "", ":", "").Replace(strings.TrimSpace(line))
	if len(cleaned) < 3 {
		return false
	}
	return strings.Trim(cleaned, "-") == ""
}
