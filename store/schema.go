package store

import (
	"fmt"
	"strings"

	"github.com/brunobiangulo/emrsync/schema"
)

// typeNames holds the dialect spelling of the column types the DDL needs.
type typeNames struct {
	pk       string
	ref      string
	integer  string
	float    string
	boolean  string
	datetime string
	longText string
	suffix   string
}

func (d Dialect) types() typeNames {
	switch d {
	case MySQL:
		return typeNames{
			pk:       "BIGINT AUTO_INCREMENT PRIMARY KEY",
			ref:      "BIGINT",
			integer:  "INT",
			float:    "DOUBLE",
			boolean:  "BOOLEAN",
			datetime: "DATETIME",
			longText: "LONGTEXT",
			suffix:   " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		}
	case Postgres:
		return typeNames{
			pk:       "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY",
			ref:      "BIGINT",
			integer:  "INTEGER",
			float:    "DOUBLE PRECISION",
			boolean:  "BOOLEAN",
			datetime: "TIMESTAMP",
			longText: "TEXT",
		}
	default:
		return typeNames{
			pk:       "INTEGER PRIMARY KEY",
			ref:      "INTEGER",
			integer:  "INTEGER",
			float:    "REAL",
			boolean:  "BOOLEAN",
			datetime: "DATETIME",
			longText: "TEXT",
		}
	}
}

func (d Dialect) columnType(c schema.Column) string {
	t := d.types()
	if c.References != "" {
		return t.ref
	}
	switch c.Type {
	case schema.String:
		return fmt.Sprintf("VARCHAR(%d)", c.Size)
	case schema.Text:
		return "TEXT"
	case schema.Integer:
		return t.integer
	case schema.Float:
		return t.float
	case schema.Boolean:
		return t.boolean
	case schema.DateTime:
		return t.datetime
	}
	return "TEXT"
}

// index is a secondary index on one table.
type index struct {
	name    string
	columns []string
}

func entityIndexes(e *schema.Entity) []index {
	var out []index
	// patients are already covered by the unique medical record number
	if len(e.NaturalKey) > 0 && e.Section != schema.Patient {
		out = append(out, index{name: "idx_" + e.Table + "_natural_key", columns: e.NaturalKey})
	}
	if _, ok := e.Column("patient_id"); ok {
		out = append(out, index{name: "idx_" + e.Table + "_patient", columns: []string{"patient_id"}})
	}
	if _, ok := e.Column("visit_id"); ok {
		out = append(out, index{name: "idx_" + e.Table + "_visit", columns: []string{"visit_id"}})
	}
	return out
}

// entityDDL returns the statements creating one entity table. MySQL has no
// CREATE INDEX IF NOT EXISTS, so its indexes are declared inline.
func entityDDL(d Dialect, e *schema.Entity) []string {
	t := d.types()
	defs := []string{"id " + t.pk}
	var constraints []string

	for _, c := range e.Columns {
		def := c.Name + " " + d.columnType(c)
		if !c.Nullable {
			def += " NOT NULL"
		}
		if c.Unique {
			def += " UNIQUE"
		}
		if c.HasDefault() {
			def += " DEFAULT " + c.Default
		}
		defs = append(defs, def)
		if c.References != "" {
			constraints = append(constraints,
				fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(id)", c.Name, c.References))
		}
	}

	indexes := entityIndexes(e)
	if d == MySQL {
		for _, ix := range indexes {
			constraints = append(constraints,
				fmt.Sprintf("INDEX %s (%s)", ix.name, strings.Join(ix.columns, ", ")))
		}
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)%s",
		e.Table, strings.Join(append(defs, constraints...), ",\n    "), t.suffix)}

	if d != MySQL {
		for _, ix := range indexes {
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
				ix.name, e.Table, strings.Join(ix.columns, ", ")))
		}
	}
	return stmts
}

// entitySchema returns the DDL for every entity table in dependency order.
func entitySchema(d Dialect) []string {
	var stmts []string
	for _, e := range schema.Entities() {
		stmts = append(stmts, entityDDL(d, e)...)
	}
	return stmts
}

// bookkeepingSchema returns the DDL for the source document registry and
// the reconcile run log.
func bookkeepingSchema(d Dialect) []string {
	t := d.types()
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS source_documents (
    id %s,
    path VARCHAR(512) NOT NULL UNIQUE,
    filename VARCHAR(255) NOT NULL,
    format VARCHAR(16) NOT NULL,
    content_hash VARCHAR(64) NOT NULL,
    parse_method VARCHAR(32) NOT NULL,
    status VARCHAR(20) DEFAULT 'pending',
    patient_hint VARCHAR(64),
    extraction %s,
    last_run_id VARCHAR(36),
    created_at %s DEFAULT CURRENT_TIMESTAMP,
    updated_at %s DEFAULT CURRENT_TIMESTAMP
)%s`, t.pk, t.longText, t.datetime, t.datetime, t.suffix),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS reconcile_runs (
    id VARCHAR(36) PRIMARY KEY,
    source_document_id %s,
    patient_id %s,
    status VARCHAR(20) NOT NULL,
    error TEXT,
    stats TEXT,
    started_at %s NOT NULL,
    finished_at %s,
    FOREIGN KEY (source_document_id) REFERENCES source_documents(id)
)%s`, t.ref, t.ref, t.datetime, t.datetime, t.suffix),
	}
}
