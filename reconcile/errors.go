package reconcile

import (
	"errors"
	"fmt"

	"github.com/brunobiangulo/emrsync/schema"
)

var (
	// ErrMissingRequiredField is returned when a record lacks a value for a
	// non-nullable column.
	ErrMissingRequiredField = errors.New("reconcile: missing required field")

	// ErrAmbiguousNaturalKey is returned when more than one stored row
	// matches a natural key and the ambiguity policy is "fail".
	ErrAmbiguousNaturalKey = errors.New("reconcile: ambiguous natural key match")

	// ErrUnresolvedReference is returned when a dependent record's visit_id
	// names a temp id no visit in the document carries.
	ErrUnresolvedReference = errors.New("reconcile: unresolved reference")

	// ErrDuplicateTempID is returned when two visits share a temp id.
	ErrDuplicateTempID = errors.New("reconcile: duplicate visit temp id")

	// ErrMissingPatient is returned when the document has no patient record.
	ErrMissingPatient = errors.New("reconcile: document has no patient")

	// ErrMalformedDocument is returned when a section does not have the
	// shape the extraction contract requires.
	ErrMalformedDocument = errors.New("reconcile: malformed document")

	// ErrInvalidValue is returned when a value cannot be stored in its column.
	ErrInvalidValue = schema.ErrInvalidValue
)

// RecordError locates a failure inside the extraction document.
type RecordError struct {
	Section schema.Section
	// Index is the record's position in its section, or -1 for the patient.
	Index int
	Field string
	Err   error
}

func (e *RecordError) Error() string {
	loc := string(e.Section)
	if e.Index >= 0 {
		loc = fmt.Sprintf("%s[%d]", e.Section, e.Index)
	}
	if e.Field != "" {
		loc += "." + e.Field
	}
	return loc + ": " + e.Err.Error()
}

func (e *RecordError) Unwrap() error { return e.Err }

// at fills in the position of a RecordError produced without one, or wraps
// any other error.
func at(section schema.Section, index int, field string, err error) error {
	var re *RecordError
	if errors.As(err, &re) && re.Section == "" {
		re.Section, re.Index = section, index
		return re
	}
	return &RecordError{Section: section, Index: index, Field: field, Err: err}
}
