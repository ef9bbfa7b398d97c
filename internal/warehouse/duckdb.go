package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/jackc/pgx/v5"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
)

var duckdbTypes = map[ColumnType]string{
	Integer:   "BIGINT",
	Float:     "DOUBLE",
	String:    "VARCHAR",
	Date:      "DATE",
	Timestamp: "TIMESTAMP",
}

// DuckDB loads files with DuckDB's read_csv using the fixed column types,
// so nothing is inferred from the data.
type DuckDB struct {
	db      *sql.DB
	schema  string
	opener  ObjectOpener
	owns    bool
	logger  *slog.Logger
}

// OpenDuckDB opens the database file at path ("" for in-memory).
func OpenDuckDB(path, schema string, opener ObjectOpener) (*DuckDB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb %q: %w", path, err)
	}
	d := NewDuckDB(db, schema, opener)
	d.owns = true
	return d, nil
}

// NewDuckDB uses an already opened database. The caller keeps ownership.
func NewDuckDB(db *sql.DB, schema string, opener ObjectOpener) *DuckDB {
	return &DuckDB{
		db:     db,
		schema: schema,
		opener: opener,
		logger: slog.With("component", "warehouse", "backend", "duckdb"),
	}
}

// DB exposes the underlying database so the ledger can share it.
func (d *DuckDB) DB() *sql.DB { return d.db }

func (d *DuckDB) qualified(table string) string {
	if d.schema == "" {
		return pgx.Identifier{table}.Sanitize()
	}
	return pgx.Identifier{d.schema, table}.Sanitize()
}

// EnsureTables implements Provisioner.
func (d *DuckDB) EnsureTables(ctx context.Context, schemas []TableSchema) error {
	if d.schema != "" {
		if _, err := d.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{d.schema}.Sanitize()); err != nil {
			return fmt.Errorf("create schema %s: %w", d.schema, err)
		}
	}
	for _, ts := range schemas {
		if _, err := d.db.ExecContext(ctx, createTableSQL(d.qualified(ts.Name), ts, duckdbTypes)); err != nil {
			return fmt.Errorf("create table %s: %w", ts.Name, err)
		}
	}
	return nil
}

// LoadAppend implements Loader.
func (d *DuckDB) LoadAppend(ctx context.Context, ts TableSchema, file source.FileIdentity) (Result, error) {
	start := time.Now()

	path, size, err := fetchToTemp(ctx, d.opener, file)
	if err != nil {
		return Result{}, loadFailed(file, err)
	}
	defer os.Remove(path)

	header, err := readHeader(path)
	if err != nil {
		return Result{}, loadFailed(file, fmt.Errorf("read header: %w", err))
	}
	check := ValidateHeader(ts, header)
	if err := check.Err(); err != nil {
		return Result{}, loadFailed(file, err)
	}
	for _, w := range check.Warnings {
		d.logger.Debug("header warning", "object_path", file.ObjectPath, "warning", w)
	}

	res, err := d.db.ExecContext(ctx, readCSVInsertSQL(d.qualified(ts.Name), ts, path))
	if err != nil {
		return Result{}, loadFailed(file, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Result{}, loadFailed(file, fmt.Errorf("rows affected: %w", err))
	}

	d.logger.Debug("loaded file",
		"object_path", file.ObjectPath,
		"table", ts.Name,
		"rows", rows,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Result{Rows: rows, Bytes: size}, nil
}

// Close closes the database if this loader opened it.
func (d *DuckDB) Close() error {
	if d.owns {
		return d.db.Close()
	}
	return nil
}

// readCSVInsertSQL builds the append statement. read_csv is a table
// function whose path cannot be a bound parameter, so it is inlined as an
// escaped literal.
func readCSVInsertSQL(table string, ts TableSchema, path string) string {
	cols := make([]string, len(ts.Columns))
	types := make([]string, len(ts.Columns))
	for i, c := range ts.Columns {
		cols[i] = pgx.Identifier{c.Name}.Sanitize()
		types[i] = fmt.Sprintf("%s: %s", sqlLiteral(c.Name), sqlLiteral(duckdbTypes[c.Type]))
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT * FROM read_csv(%s, header = true, delim = ',', quote = '\"', "+
			"auto_detect = false, dateformat = '%%Y-%%m-%%d', columns = {%s})",
		table,
		strings.Join(cols, ", "),
		sqlLiteral(path),
		strings.Join(types, ", "),
	)
}

func createTableSQL(table string, ts TableSchema, types map[ColumnType]string) string {
	defs := make([]string, len(ts.Columns))
	for i, c := range ts.Columns {
		defs[i] = pgx.Identifier{c.Name}.Sanitize() + " " + types[c.Type]
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))
}

func sqlLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var (
	_ Loader      = (*DuckDB)(nil)
	_ Provisioner = (*DuckDB)(nil)
)
