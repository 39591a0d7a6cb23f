package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// migration represents a single schema migration.
type migration struct {
	version     int
	description string
	statements  func(d Dialect) []string
}

// migrations is the ordered list of all schema migrations.
// New migrations are appended at the end; never modify existing entries.
var migrations = []migration{
	{
		version:     1,
		description: "entity tables",
		statements:  entitySchema,
	},
	{
		version:     2,
		description: "source document registry and reconcile run log",
		statements:  bookkeepingSchema,
	},
}

// Migrate runs all pending schema migrations. MySQL commits DDL implicitly,
// so there a failed migration can leave earlier statements applied; every
// statement is idempotent for that reason.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at %s DEFAULT CURRENT_TIMESTAMP
		)`, s.dialect.types().datetime)); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		slog.Info("applying migration", "version", m.version, "description", m.description, "dialect", s.dialect)

		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}

	if err := execAll(ctx, tx, m.statements(s.dialect)); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d failed: %w", m.version, err)
	}

	if _, err := tx.ExecContext(ctx,
		tx.Rebind("INSERT INTO schema_version (version, description) VALUES (?, ?)"),
		m.version, m.description); err != nil {
		tx.Rollback()
		return fmt.Errorf("recording migration %d: %w", m.version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", m.version, err)
	}
	return nil
}

// execAll runs statements one at a time; not every driver accepts several
// statements in one Exec.
func execAll(ctx context.Context, tx *sqlx.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			slog.Debug("migration statement failed", "sql", stmt, "error", err)
			return err
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var current int
	if err := s.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return current, nil
}
