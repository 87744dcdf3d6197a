package db

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Backend names. The embedded backend is a file (or in-memory) SQLite
// database; the networked backend is PostgreSQL via the pgx stdlib driver.
const (
	BackendSQLite     = "sqlite"
	BackendPostgreSQL = "postgresql"
)

// Adapter hides dialect differences behind a narrow surface. Every other
// component talks to the database only through it.
type Adapter struct {
	db      *sql.DB
	backend string
	log     zerolog.Logger

	mu      sync.Mutex
	columns map[string][]string // per-table introspection cache
}

// Open connects to the configured backend and verifies the connection.
func Open(ctx context.Context, backend, databaseURL string, maxConns, minConns int, log zerolog.Logger) (*Adapter, error) {
	var driver string
	switch backend {
	case BackendSQLite:
		driver = "sqlite"
	case BackendPostgreSQL:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}

	sqldb, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", backend, err)
	}

	sqldb.SetMaxOpenConns(maxConns)
	sqldb.SetMaxIdleConns(minConns)
	sqldb.SetConnMaxIdleTime(5 * time.Minute)
	if backend == BackendSQLite {
		// The embedded backend serializes writers; a single connection keeps
		// in-memory databases on one underlying handle as well.
		sqldb.SetMaxOpenConns(1)
	}

	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("ping %s database: %w", backend, err)
	}

	return &Adapter{
		db:      sqldb,
		backend: backend,
		log:     log,
		columns: make(map[string][]string),
	}, nil
}

// Backend returns the configured backend name.
func (a *Adapter) Backend() string {
	return a.backend
}

// Close releases the underlying pool.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Exec runs a statement. Placeholders use the $n positional style, which both
// backends accept.
func (a *Adapter) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := a.db.ExecContext(ctx, query, args...)
	return err
}

// Query runs a multi-row read.
func (a *Adapter) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return a.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row read.
func (a *Adapter) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return a.db.QueryRowContext(ctx, query, args...)
}

// TableColumns returns the live column list of a table, in the case the
// schema declares. Results are cached per table; the whole entry is replaced
// on a miss.
func (a *Adapter) TableColumns(ctx context.Context, table string) ([]string, error) {
	a.mu.Lock()
	if cols, ok := a.columns[table]; ok {
		a.mu.Unlock()
		return cols, nil
	}
	a.mu.Unlock()

	var query string
	switch a.backend {
	case BackendSQLite:
		query = `SELECT name FROM pragma_table_info($1) ORDER BY cid`
	default:
		query = `SELECT column_name FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1
			ORDER BY ordinal_position`
	}

	rows, err := a.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("introspect columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column name: %w", err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s has no columns (does it exist?)", table)
	}

	a.mu.Lock()
	a.columns[table] = cols
	a.mu.Unlock()
	return cols, nil
}

// AllTables lists every table in the current schema.
func (a *Adapter) AllTables(ctx context.Context) ([]string, error) {
	var query string
	switch a.backend {
	case BackendSQLite:
		query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`
	default:
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'`
	}
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

// BlobText returns a SQL expression that reads a blob column as text, for
// substring matching against the stored document.
func (a *Adapter) BlobText(column string) string {
	if a.backend == BackendSQLite {
		return "CAST(" + column + " AS TEXT)"
	}
	return "convert_from(" + column + ", 'UTF8')"
}

// HasTable reports whether the named table exists.
func (a *Adapter) HasTable(ctx context.Context, table string) bool {
	cols, err := a.TableColumns(ctx, table)
	return err == nil && len(cols) > 0
}

// InvalidateColumns drops the cached column list for a table.
func (a *Adapter) InvalidateColumns(table string) {
	a.mu.Lock()
	delete(a.columns, table)
	a.mu.Unlock()
}

// BinaryLiteral renders a byte blob as a SQL literal accepted by the current
// backend: a hex literal for SQLite, a decoder call for PostgreSQL.
func (a *Adapter) BinaryLiteral(b []byte) string {
	h := hex.EncodeToString(b)
	if a.backend == BackendSQLite {
		return "X'" + h + "'"
	}
	return "decode('" + h + "', 'hex')"
}

// ClearTables wipes all rows from the given tables: cascade-truncate on
// PostgreSQL, serial deletes on SQLite.
func (a *Adapter) ClearTables(ctx context.Context, tables []string) error {
	if len(tables) == 0 {
		return nil
	}
	if a.backend == BackendPostgreSQL {
		quoted := make([]string, len(tables))
		for i, t := range tables {
			quoted[i] = `"` + t + `"`
		}
		if err := a.Exec(ctx, "TRUNCATE TABLE "+strings.Join(quoted, ", ")+" CASCADE"); err != nil {
			return fmt.Errorf("truncate tables: %w", err)
		}
		return nil
	}
	for _, t := range tables {
		if err := a.Exec(ctx, `DELETE FROM "`+t+`"`); err != nil {
			return fmt.Errorf("clear table %s: %w", t, err)
		}
	}
	return nil
}

// Bootstrap applies the bundled schema DDL for the current backend. Every
// statement is idempotent (CREATE TABLE IF NOT EXISTS), so calling it on an
// initialized database is a no-op.
func (a *Adapter) Bootstrap(ctx context.Context) error {
	ddl := schemaSQLite
	if a.backend == BackendPostgreSQL {
		ddl = schemaPostgres
	}
	for _, stmt := range splitStatements(ddl) {
		if err := a.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	a.log.Info().Str("backend", a.backend).Msg("schema bootstrapped")
	return nil
}

// splitStatements breaks a DDL file into individual statements. The bundled
// schemas never contain semicolons inside literals.
func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
