// Package schema declares the relational shape of every entity emrsync
// persists. The declarations are static: the reconciler, the store DDL, the
// extraction prompt and the validator all read the same tables instead of
// discovering fields at runtime.
package schema

import "strings"

// Section is the lowercase entity-type name used as a top-level key in an
// extraction document.
type Section string

const (
	Patient            Section = "patient"
	Provider           Section = "provider"
	Department         Section = "department"
	Visit              Section = "visit"
	VisitNotes         Section = "visitnotes"
	Diagnosis          Section = "diagnosis"
	Symptom            Section = "symptom"
	Medication         Section = "medication"
	VitalSigns         Section = "vitalsigns"
	LabResult          Section = "labresult"
	ImagingStudy       Section = "imagingstudy"
	ProcedureTreatment Section = "proceduretreatment"
)

// Type is the storage type of a column.
type Type int

const (
	String Type = iota
	Text
	Integer
	Float
	Boolean
	DateTime
)

func (t Type) String() string {
	switch t {
	case String:
		return "str"
	case Text:
		return "text"
	case Integer:
		return "int"
	case Float:
		return "float"
	case Boolean:
		return "bool"
	case DateTime:
		return "datetime"
	default:
		return "unknown"
	}
}

// Column describes one persisted field.
type Column struct {
	Name string
	Type Type
	// Size is the VARCHAR length for String columns.
	Size int
	// Nullable reports whether the store accepts NULL for this column.
	Nullable bool
	// Default is the store-side default, as a SQL literal ("TRUE",
	// "CURRENT_TIMESTAMP"). Empty means none.
	Default string
	// References names the table this column is a foreign key into.
	References string
	Unique     bool
	// Required marks fields the extraction step must always supply. It is
	// only consulted by the structural validator.
	Required bool
	// Min and Max bound numeric values for the validator.
	Min, Max *float64
}

// HasDefault reports whether the store fills this column when it is omitted.
func (c Column) HasDefault() bool { return c.Default != "" }

// Entity is the static declaration of one table.
type Entity struct {
	Section Section
	Table   string
	// Columns excludes the surrogate "id" primary key.
	Columns []Column
	// NaturalKey lists the fields whose values identify a sub-entity. Empty
	// for entities that are never deduplicated.
	NaturalKey []string
}

// Column returns the named column.
func (e *Entity) Column(name string) (Column, bool) {
	for _, c := range e.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether name is a declared column. The surrogate id
// counts as declared.
func (e *Entity) HasColumn(name string) bool {
	if name == "id" {
		return true
	}
	_, ok := e.Column(name)
	return ok
}

// RequiredColumns returns the columns an insert must supply: non-nullable
// and without a store default.
func (e *Entity) RequiredColumns() []Column {
	var out []Column
	for _, c := range e.Columns {
		if !c.Nullable && !c.HasDefault() {
			out = append(out, c)
		}
	}
	return out
}

// Reference is one location in an extraction document where an embedded
// Provider or Department object may appear instead of a foreign key.
type Reference struct {
	Section Section
	// Path walks nested mappings; the last element is the embedded field.
	// Visit.visit_notes.author_provider is {"visit_notes", "author_provider"}.
	Path []string
	Kind Section
}

// Field returns the embedded field name.
func (r Reference) Field() string { return r.Path[len(r.Path)-1] }

// Parent returns the mapping path that holds the embedded field.
func (r Reference) Parent() []string { return r.Path[:len(r.Path)-1] }

// Target returns the foreign key column the field is rewritten to.
func (r Reference) Target() string { return r.Field() + "_id" }

func (r Reference) String() string {
	return string(r.Section) + "." + strings.Join(r.Path, ".")
}

// Lookup returns the entity declared for a section.
func Lookup(s Section) (*Entity, bool) {
	e, ok := bySection[s]
	return e, ok
}

// MustLookup is Lookup for sections known at compile time.
func MustLookup(s Section) *Entity {
	e, ok := bySection[s]
	if !ok {
		panic("schema: unknown section " + string(s))
	}
	return e
}

// Entities returns every declared entity in foreign-key dependency order.
func Entities() []*Entity {
	out := make([]*Entity, len(all))
	copy(out, all)
	return out
}

// ReferencesFor returns the allow-listed reference locations of a section.
// Nested locations come before the section's own fields.
func ReferencesFor(s Section) []Reference {
	var nested, own []Reference
	for _, r := range references {
		if r.Section != s {
			continue
		}
		if len(r.Path) > 1 {
			nested = append(nested, r)
		} else {
			own = append(own, r)
		}
	}
	return append(nested, own...)
}

// AllReferences returns the whole allow-list.
func AllReferences() []Reference {
	out := make([]Reference, len(references))
	copy(out, references)
	return out
}

// DependentSections are the sections that hold records keyed to a visit, in
// the order they are persisted.
func DependentSections() []Section {
	return []Section{
		VisitNotes, Diagnosis, Symptom, Medication,
		VitalSigns, LabResult, ImagingStudy, ProcedureTreatment,
	}
}

// ExtractionSections are the top-level keys an extraction document carries.
func ExtractionSections() []Section {
	return append([]Section{Patient, Visit}, DependentSections()...)
}

// IsList reports whether a section holds a list of records.
func IsList(s Section) bool { return s != Patient }
