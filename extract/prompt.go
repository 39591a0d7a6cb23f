package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when a model response holds no JSON object.
var ErrNoJSON = errors.New("extract: no JSON object in response")

const extractionPrompt = `Extract medical information and return as valid JSON matching the expected schema structure.

IMPORTANT INSTRUCTIONS:
1. Only extract information that is explicitly present in the document
2. Do not create, invent, or hallucinate any medical data
3. If a section/table has no information in the document, return an empty array []
4. If specific fields are not mentioned, leave them as null
5. Be conservative - only include data you can clearly identify from the text
6. Return valid JSON format only
7. %s
8. Use string format for all dates (e.g., "2013-12-30" or "12/30/2013")
9. Give each visit a visit_id that is unique in your answer, and set that visit_id on every record that belongs to the visit

Expected JSON structure with exact field names:
%s

Use these EXACT field names.

Context:
%s
`

// BuildPrompt renders the extraction prompt for one window of text.
func BuildPrompt(text string, patientID *int64) (string, error) {
	tmpl, err := TemplateJSON(patientID)
	if err != nil {
		return "", fmt.Errorf("rendering template: %w", err)
	}
	rule := "Leave patient_id null; the patient is identified by medical_record_number"
	if patientID != nil {
		rule = fmt.Sprintf("For patient_id fields, use the provided patient_id: %d", *patientID)
	}
	return fmt.Sprintf(extractionPrompt, rule, tmpl, text), nil
}

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON cuts the JSON object out of a model response: code fences
// are stripped, then everything from the first '{' to the last '}' is kept.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return "", ErrNoJSON
	}
	return raw[start : end+1], nil
}
