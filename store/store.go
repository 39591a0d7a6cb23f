package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/emrsync/schema"
)

// Dialect names the SQL driver a Store talks to. The values are the
// database/sql driver names.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	MySQL    Dialect = "mysql"
	Postgres Dialect = "pgx"
)

// ErrUnknownDialect is returned for an unsupported driver name.
var ErrUnknownDialect = errors.New("store: unknown dialect")

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDialect, name)
}

// Config selects and tunes the backing database.
type Config struct {
	Driver string `json:"driver" yaml:"driver" mapstructure:"driver"`
	// DSN is passed to the driver as is. For SQLite it may be left empty,
	// in which case Path is used.
	DSN          string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`
	Path         string `json:"path" yaml:"path" mapstructure:"path"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns" mapstructure:"max_open_conns"`
}

// Store wraps the relational database holding reconciled records and the
// bookkeeping tables around them.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if d == SQLite && dsn == "" {
		if cfg.Path == "" {
			return nil, errors.New("store: sqlite needs a dsn or a path")
		}
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating db directory: %w", err)
			}
		}
		dsn = cfg.Path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000"
	}

	db, err := sqlx.Open(string(d), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if d == SQLite {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	} else {
		n := cfg.MaxOpenConns
		if n <= 0 {
			n = 10
		}
		db.SetMaxOpenConns(n)
		db.SetMaxIdleConns(n / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, dialect: d}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle for advanced queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect the store was opened with.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// --- Transactions ---

// Field is one column value of a row to insert.
type Field struct {
	Name  string
	Value any
}

// Row is an ordered set of column values.
type Row []Field

// Cond is an equality condition. A nil Value matches NULL.
type Cond struct {
	Column string
	Value  any
}

// Tx is a write transaction. Statements are prepared once per distinct SQL
// text and reused for the lifetime of the transaction.
type Tx struct {
	tx      *sqlx.Tx
	dialect Dialect
	stmts   map[string]*sqlx.Stmt
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{tx: tx, dialect: s.dialect, stmts: make(map[string]*sqlx.Stmt)}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	t.stmts = nil
	return t.tx.Commit()
}

// Rollback aborts the transaction. Calling it after Commit is harmless.
func (t *Tx) Rollback() error {
	t.stmts = nil
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *Tx) prepare(ctx context.Context, query string) (*sqlx.Stmt, error) {
	if stmt, ok := t.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := t.tx.PreparexContext(ctx, query)
	if err != nil {
		return nil, err
	}
	if t.stmts != nil {
		t.stmts[query] = stmt
	}
	return stmt, nil
}

// Insert adds one row to table and returns its surrogate id. When the row
// carries an explicit "id" that value is returned, and later rows without
// one are numbered after it.
func (t *Tx) Insert(ctx context.Context, table string, row Row) (int64, error) {
	if len(row) == 0 {
		return 0, fmt.Errorf("insert into %s: empty row", table)
	}
	cols := make([]string, len(row))
	args := make([]any, len(row))
	var explicit *int64
	for i, f := range row {
		cols[i] = f.Name
		args[i] = f.Value
		if f.Name == "id" {
			if id, ok := f.Value.(int64); ok {
				explicit = &id
			}
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), repeatPlaceholders(len(row)))
	if t.dialect == Postgres {
		query += " RETURNING id"
	}
	stmt, err := t.prepare(ctx, t.tx.Rebind(query))
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}

	var id int64
	if t.dialect == Postgres {
		if err := stmt.QueryRowxContext(ctx, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert into %s: %w", table, err)
		}
	} else {
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, fmt.Errorf("insert into %s: %w", table, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	if explicit != nil {
		if t.dialect == Postgres {
			if err := t.advanceIdentity(ctx, table, *explicit); err != nil {
				return 0, err
			}
		}
		return *explicit, nil
	}
	return id, nil
}

// advanceIdentity moves a Postgres identity sequence past an explicitly
// inserted id. SQLite and MySQL advance their counters on their own.
func (t *Tx) advanceIdentity(ctx context.Context, table string, id int64) error {
	query := fmt.Sprintf(
		"SELECT setval(pg_get_serial_sequence('%s', 'id'), GREATEST($1::bigint, (SELECT MAX(id) FROM %s)))",
		table, table)
	stmt, err := t.prepare(ctx, query)
	if err != nil {
		return fmt.Errorf("advancing %s id sequence: %w", table, err)
	}
	var next int64
	if err := stmt.QueryRowxContext(ctx, id).Scan(&next); err != nil {
		return fmt.Errorf("advancing %s id sequence: %w", table, err)
	}
	return nil
}

// FindIDs returns the ids of rows matching every condition, lowest first.
// limit <= 0 means no limit.
func (t *Tx) FindIDs(ctx context.Context, table string, conds []Cond, limit int) ([]int64, error) {
	var (
		where []string
		args  []any
	)
	for _, c := range conds {
		if c.Value == nil {
			where = append(where, c.Column+" IS NULL")
			continue
		}
		where = append(where, c.Column+" = ?")
		args = append(args, c.Value)
	}

	query := "SELECT id FROM " + table
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var ids []int64
	if err := t.tx.SelectContext(ctx, &ids, t.tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	return ids, nil
}

// --- Stats ---

// Stats returns the row count of every entity table.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, e := range schema.Entities() {
		n, err := s.CountRows(ctx, e.Table)
		if err != nil {
			return nil, err
		}
		out[e.Table] = n
	}
	return out, nil
}

// CountRows returns the number of rows in a known table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	if !knownTable(table) {
		return 0, fmt.Errorf("store: unknown table %q", table)
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

func knownTable(table string) bool {
	switch table {
	case "source_documents", "reconcile_runs":
		return true
	}
	for _, e := range schema.Entities() {
		if e.Table == table {
			return true
		}
	}
	return false
}

// repeatPlaceholders returns "?, ?, ?" for n=3.
func repeatPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
