package extract

import (
	"fmt"
	"sort"

	"github.com/brunobiangulo/emrsync/reconcile"
	"github.com/brunobiangulo/emrsync/schema"
)

// Merge combines the documents extracted from consecutive windows. Sections
// are concatenated in window order. Visit temp ids defined by window n > 1
// are rewritten to "w<n>:<id>" together with the visit_id fields that point
// at them, so visits from different windows never collide. A visit_id a
// window uses without defining is left alone and may resolve against an
// earlier window. The first patient record wins; later ones only fill in
// fields it lacks.
func Merge(parts []reconcile.Document) reconcile.Document {
	out := reconcile.Document{Sections: make(map[schema.Section][]reconcile.Record)}
	ignored := make(map[string]bool)

	for i, part := range parts {
		if i > 0 {
			namespaceVisits(part, i+1)
		}
		if part.Patient != nil {
			if out.Patient == nil {
				out.Patient = reconcile.Record{}
			}
			for k, v := range part.Patient {
				if cur, ok := out.Patient[k]; !ok || cur == nil {
					out.Patient[k] = v
				}
			}
		}
		for s, recs := range part.Sections {
			out.Sections[s] = append(out.Sections[s], recs...)
		}
		for _, k := range part.Ignored {
			ignored[k] = true
		}
	}

	for k := range ignored {
		out.Ignored = append(out.Ignored, k)
	}
	sort.Strings(out.Ignored)
	return out
}

func namespaceVisits(doc reconcile.Document, window int) {
	defined := make(map[string]bool)
	for _, v := range doc.Sections[schema.Visit] {
		if key, ok := reconcile.TempKey(v["visit_id"]); ok {
			defined[key] = true
		}
	}
	if len(defined) == 0 {
		return
	}

	rewrite := func(rec map[string]any) {
		if key, ok := reconcile.TempKey(rec["visit_id"]); ok && defined[key] {
			rec["visit_id"] = fmt.Sprintf("w%d:%s", window, key)
		}
	}
	for _, v := range doc.Sections[schema.Visit] {
		rewrite(v)
		switch notes := v["visit_notes"].(type) {
		case map[string]any:
			rewrite(notes)
		case reconcile.Record:
			rewrite(notes)
		}
	}
	for _, s := range schema.DependentSections() {
		for _, rec := range doc.Sections[s] {
			rewrite(rec)
		}
	}
}
