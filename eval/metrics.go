package eval

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/brunobiangulo/emrsync/reconcile"
	"github.com/brunobiangulo/emrsync/schema"
)

// SectionScore compares the records of one section.
type SectionScore struct {
	Expected  int `json:"expected"`
	Extracted int `json:"extracted"`
	Matched   int `json:"matched"`
	// FieldsChecked counts gold values on matched records; FieldsCorrect
	// those the extraction reproduced.
	FieldsChecked int `json:"fields_checked"`
	FieldsCorrect int `json:"fields_correct"`
}

// Precision is the share of extracted records found in the gold document.
func (s SectionScore) Precision() float64 { return ratio(s.Matched, s.Extracted) }

// Recall is the share of gold records the extraction found.
func (s SectionScore) Recall() float64 { return ratio(s.Matched, s.Expected) }

// F1 is the harmonic mean of precision and recall.
func (s SectionScore) F1() float64 {
	p, r := s.Precision(), s.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// FieldAccuracy is the share of gold field values reproduced on matched records.
func (s SectionScore) FieldAccuracy() float64 { return ratio(s.FieldsCorrect, s.FieldsChecked) }

func (s *SectionScore) add(o SectionScore) {
	s.Expected += o.Expected
	s.Extracted += o.Extracted
	s.Matched += o.Matched
	s.FieldsChecked += o.FieldsChecked
	s.FieldsCorrect += o.FieldsCorrect
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Compare scores an extraction against the gold document, per section.
// Patient is scored as a single record; list sections match records by
// their identifying fields.
func Compare(gold, got reconcile.Document) map[schema.Section]SectionScore {
	scores := make(map[schema.Section]SectionScore)

	var p SectionScore
	if gold.Patient != nil {
		p.Expected = 1
	}
	if got.Patient != nil {
		p.Extracted = 1
	}
	if gold.Patient != nil && got.Patient != nil {
		p.Matched = 1
		p.FieldsChecked, p.FieldsCorrect = compareFields(schema.Patient, gold.Patient, got.Patient)
	}
	if p.Expected+p.Extracted > 0 {
		scores[schema.Patient] = p
	}

	for _, sec := range schema.ExtractionSections() {
		if !schema.IsList(sec) {
			continue
		}
		s := compareSection(sec, gold.Records(sec), got.Records(sec))
		if s.Expected+s.Extracted > 0 {
			scores[sec] = s
		}
	}
	return scores
}

// compareSection pairs gold and extracted records greedily on match keys.
// Each extracted record is used at most once.
func compareSection(sec schema.Section, gold, got []reconcile.Record) SectionScore {
	s := SectionScore{Expected: len(gold), Extracted: len(got)}
	fields := matchFields(sec)

	pool := make(map[string][]reconcile.Record)
	for _, r := range got {
		k := matchKey(sec, r, fields)
		pool[k] = append(pool[k], r)
	}
	for _, g := range gold {
		k := matchKey(sec, g, fields)
		cands := pool[k]
		if len(cands) == 0 {
			continue
		}
		pool[k] = cands[1:]
		s.Matched++
		checked, correct := compareFields(sec, g, cands[0])
		s.FieldsChecked += checked
		s.FieldsCorrect += correct
	}
	return s
}

// matchFields lists the fields identifying a record of sec.
func matchFields(sec schema.Section) []string {
	if sec == schema.Visit {
		return []string{"visit_date"}
	}
	e := schema.MustLookup(sec)
	if len(e.NaturalKey) > 0 {
		return e.NaturalKey
	}
	var out []string
	for _, c := range e.Columns {
		if c.Required {
			out = append(out, c.Name)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, c := range e.Columns {
		if c.Type == schema.String && !strings.HasSuffix(c.Name, "_id") {
			return []string{c.Name}
		}
	}
	return nil
}

func matchKey(sec schema.Section, rec reconcile.Record, fields []string) string {
	e := schema.MustLookup(sec)
	parts := make([]string, len(fields))
	for i, f := range fields {
		col, _ := e.Column(f)
		parts[i] = normalizeValue(col, rec[f])
	}
	return strings.Join(parts, "\x1f")
}

// compareFields counts the gold scalar values and how many the extraction
// matches. Temp ids and nested objects are not compared.
func compareFields(sec schema.Section, gold, got reconcile.Record) (checked, correct int) {
	e := schema.MustLookup(sec)
	for name, gv := range gold {
		if gv == nil || name == "visit_id" {
			continue
		}
		if _, nested := gv.(map[string]any); nested {
			continue
		}
		if _, nested := gv.(reconcile.Record); nested {
			continue
		}
		col, ok := e.Column(name)
		if !ok {
			if sec != schema.Patient || name != "patient_id" {
				continue
			}
			col = schema.Column{Name: name, Type: schema.Integer}
		}
		checked++
		if normalizeValue(col, gv) == normalizeValue(col, got[name]) {
			correct++
		}
	}
	return checked, correct
}

// normalizeValue renders v in a form that compares equal across formatting
// differences: coerced to the column type, strings case-folded, dates
// without a time of day printed as dates. Date-like string columns
// (visit_date, onset_date) are compared as dates when they parse.
func normalizeValue(col schema.Column, v any) string {
	if v == nil {
		return ""
	}
	if cv, err := col.Coerce(v); err == nil && cv != nil {
		v = cv
	}
	if s, ok := v.(string); ok && isDateField(col.Name) {
		if t, err := schema.ParseTime(s); err == nil {
			v = t
		}
	}
	switch x := v.(type) {
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.DateTime)
	case string:
		return strings.Join(strings.Fields(strings.ToLower(normalizeLLMText(x))), " ")
	default:
		return fmt.Sprint(x)
	}
}

func isDateField(name string) bool {
	return strings.HasSuffix(name, "_date") || strings.HasSuffix(name, "_datetime")
}

// normalizeLLMText normalizes Unicode characters commonly inserted by LLMs
// so that string comparison works reliably. Unicode spaces become ASCII
// spaces, Unicode hyphens become "-" and zero-width characters are dropped.
func normalizeLLMText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case r == '\u2010' || r == '\u2011' || r == '\u2012' || r == '\u2013' || r == '\u2014':
			b.WriteByte('-')
		case r == '\u200B' || r == '\u200C' || r == '\u200D' || r == '\uFEFF':
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
