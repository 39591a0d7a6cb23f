package emrsync

import "errors"

var (
	// ErrDocumentNotFound is returned when a source document ID does not exist.
	ErrDocumentNotFound = errors.New("emrsync: document not found")

	// ErrRunNotFound is returned when a reconcile run ID does not exist.
	ErrRunNotFound = errors.New("emrsync: run not found")

	// ErrUnsupportedFormat is returned for unrecognized file formats.
	ErrUnsupportedFormat = errors.New("emrsync: unsupported document format")

	// ErrParsingFailed is returned when document parsing fails.
	ErrParsingFailed = errors.New("emrsync: parsing failed")

	// ErrExtractionFailed is returned when the model output cannot be
	// turned into an extraction document.
	ErrExtractionFailed = errors.New("emrsync: extraction failed")

	// ErrLLMRequestFailed is returned when an LLM request fails.
	ErrLLMRequestFailed = errors.New("emrsync: LLM request failed")

	// ErrNoExtraction is returned when a source document has no stored
	// extraction to reconcile.
	ErrNoExtraction = errors.New("emrsync: document has no extraction")

	// ErrNoPatient is returned when neither the document nor the caller
	// identifies a patient.
	ErrNoPatient = errors.New("emrsync: no patient identified")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("emrsync: invalid configuration")
)
