package reconcile

import "fmt"

// NullKeyPolicy decides whether natural keys containing nulls can match.
type NullKeyPolicy string

const (
	// NullsMatch treats null as a value: two sub-entities that differ only
	// in fields that are null on both sides are the same entity.
	NullsMatch NullKeyPolicy = "match"
	// NullsDistinct never matches a key that contains a null, so every
	// such sub-entity gets its own row.
	NullsDistinct NullKeyPolicy = "distinct"
)

// AmbiguityPolicy decides what happens when several stored rows match one
// natural key.
type AmbiguityPolicy string

const (
	// MatchLowestID picks the oldest row and logs a warning.
	MatchLowestID AmbiguityPolicy = "lowest"
	// MatchFail aborts the run with ErrAmbiguousNaturalKey.
	MatchFail AmbiguityPolicy = "fail"
)

// UnresolvedVisitPolicy decides what happens to a dependent record whose
// visit_id names no visit in the document.
type UnresolvedVisitPolicy string

const (
	// UnresolvedFail aborts the run with ErrUnresolvedReference.
	UnresolvedFail UnresolvedVisitPolicy = "fail"
	// UnresolvedKeep leaves the temp id in place.
	UnresolvedKeep UnresolvedVisitPolicy = "keep"
	// UnresolvedNull clears visit_id.
	UnresolvedNull UnresolvedVisitPolicy = "null"
)

// Options tunes a Reconciler.
type Options struct {
	NullKeys        NullKeyPolicy         `json:"null_keys" yaml:"null_keys" mapstructure:"null_keys"`
	AmbiguousMatch  AmbiguityPolicy       `json:"ambiguous_match" yaml:"ambiguous_match" mapstructure:"ambiguous_match"`
	UnresolvedVisit UnresolvedVisitPolicy `json:"unresolved_visit" yaml:"unresolved_visit" mapstructure:"unresolved_visit"`

	// StampPatientID writes the resolved patient id onto every visit and
	// dependent record, replacing whatever the extraction put there.
	StampPatientID bool `json:"stamp_patient_id" yaml:"stamp_patient_id" mapstructure:"stamp_patient_id"`

	// HoistVisitNotes persists a note embedded in a visit as a visit_notes
	// row attached to that visit.
	HoistVisitNotes bool `json:"hoist_visit_notes" yaml:"hoist_visit_notes" mapstructure:"hoist_visit_notes"`
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		NullKeys:        NullsMatch,
		AmbiguousMatch:  MatchLowestID,
		UnresolvedVisit: UnresolvedFail,
		StampPatientID:  true,
		HoistVisitNotes: true,
	}
}

// withDefaults fills empty policies.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.NullKeys == "" {
		o.NullKeys = d.NullKeys
	}
	if o.AmbiguousMatch == "" {
		o.AmbiguousMatch = d.AmbiguousMatch
	}
	if o.UnresolvedVisit == "" {
		o.UnresolvedVisit = d.UnresolvedVisit
	}
	return o
}

// Validate rejects unknown policy names.
func (o Options) Validate() error {
	o = o.withDefaults()
	switch o.NullKeys {
	case NullsMatch, NullsDistinct:
	default:
		return fmt.Errorf("unknown null key policy %q", o.NullKeys)
	}
	switch o.AmbiguousMatch {
	case MatchLowestID, MatchFail:
	default:
		return fmt.Errorf("unknown ambiguous match policy %q", o.AmbiguousMatch)
	}
	switch o.UnresolvedVisit {
	case UnresolvedFail, UnresolvedKeep, UnresolvedNull:
	default:
		return fmt.Errorf("unknown unresolved visit policy %q", o.UnresolvedVisit)
	}
	return nil
}
