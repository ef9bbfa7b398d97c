package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
)

//go:embed duckdb_schema.sql
var duckdbSchemaSQL string

// DuckDB stores the ledger in a DuckDB table, typically inside the same
// database file as the warehouse tables.
type DuckDB struct {
	db     *sql.DB
	table  string
	owns   bool
	logger *slog.Logger
}

// OpenDuckDB opens the database at path ("" for in-memory) and provisions
// the ledger table.
func OpenDuckDB(ctx context.Context, path, table string) (*DuckDB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open duckdb %q: %w", ErrLedgerUnavailable, path, err)
	}
	d, err := NewDuckDB(ctx, db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	d.owns = true
	return d, nil
}

// NewDuckDB uses an already opened database. The caller keeps ownership.
func NewDuckDB(ctx context.Context, db *sql.DB, table string) (*DuckDB, error) {
	if table == "" {
		table = "loaded_files"
	}
	d := &DuckDB{
		db:     db,
		table:  table,
		logger: slog.With("component", "ledger", "backend", "duckdb"),
	}
	if err := d.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	d.logger.Info("ledger ready", "table", table)
	return d, nil
}

func (d *DuckDB) initSchema(ctx context.Context) error {
	parts := strings.Split(d.table, ".")
	if len(parts) > 1 {
		schema := quoteQualified(strings.Join(parts[:len(parts)-1], "."))
		if _, err := d.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
			return fmt.Errorf("%w: create schema: %w", ErrLedgerUnavailable, err)
		}
	}

	seqName := strings.ReplaceAll(d.table, ".", "_") + "_id_seq"
	ddl := strings.NewReplacer(
		"{{table}}", quoteQualified(d.table),
		"{{sequence}}", quoteQualified(seqName),
		"{{sequence_name}}", seqName,
	).Replace(duckdbSchemaSQL)

	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: execute schema: %w", ErrLedgerUnavailable, err)
		}
	}
	return nil
}

// Loaded implements Ledger.
func (d *DuckDB) Loaded(ctx context.Context, scope source.PartitionScope) (KeySet, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT bucket, object_path, generation, last_modified FROM `+quoteQualified(d.table)+
			` WHERE table_name = ? AND producer = ?`,
		scope.Table, scope.Producer,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", ErrLedgerUnavailable, scope, err)
	}
	defer rows.Close()

	keys := make(KeySet)
	for rows.Next() {
		var k source.LoadKey
		var lastModified sql.NullTime
		if err := rows.Scan(&k.Bucket, &k.ObjectPath, &k.Generation, &lastModified); err != nil {
			return nil, fmt.Errorf("%w: scan key: %w", ErrLedgerUnavailable, err)
		}
		k.LastModified = source.NormalizeTime(lastModified.Time).UnixMicro()
		keys.Add(k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read keys: %w", ErrLedgerUnavailable, err)
	}
	return keys, nil
}

// Append implements Ledger. All entries commit in one transaction.
func (d *DuckDB) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrLedgerUnavailable, err)
	}
	defer tx.Rollback()

	duplicates, err := appendChained(ctx, &sqlTx{tx: tx, table: quoteQualified(d.table)}, entries)
	if err != nil {
		return fmt.Errorf("%w: append: %w", ErrLedgerUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrLedgerUnavailable, err)
	}

	logDuplicates(d.logger, duplicates)
	return nil
}

// Entries implements Reader.
func (d *DuckDB) Entries(ctx context.Context, scope source.PartitionScope) ([]Entry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT bucket, object_path, generation, checksum, last_modified,
		       table_name, producer, loaded_at, run_id, prev_hash, entry_hash
		FROM `+quoteQualified(d.table)+`
		WHERE table_name = ? AND producer = ?
		ORDER BY id`,
		scope.Table, scope.Producer,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query entries %s: %w", ErrLedgerUnavailable, scope, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Bucket, &e.ObjectPath, &e.Generation, &e.Checksum, &e.LastModified,
			&e.Table, &e.Producer, &e.LoadedAt, &e.RunID, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("%w: scan entry: %w", ErrLedgerUnavailable, err)
		}
		e.LastModified = source.NormalizeTime(e.LastModified)
		e.LoadedAt = source.NormalizeTime(e.LoadedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read entries: %w", ErrLedgerUnavailable, err)
	}
	return entries, nil
}

// Close closes the database if this ledger opened it.
func (d *DuckDB) Close() error {
	if d.owns {
		return d.db.Close()
	}
	return nil
}

type sqlTx struct {
	tx    *sql.Tx
	table string
}

func (t *sqlTx) head(ctx context.Context, scope source.PartitionScope) (string, error) {
	var hash string
	err := t.tx.QueryRowContext(ctx,
		`SELECT entry_hash FROM `+t.table+` WHERE table_name = ? AND producer = ? ORDER BY id DESC LIMIT 1`,
		scope.Table, scope.Producer,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain head %s: %w", scope, err)
	}
	return hash, nil
}

func (t *sqlTx) insert(ctx context.Context, e Entry) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO `+t.table+` (
			bucket, object_path, generation, checksum, last_modified,
			table_name, producer, loaded_at, run_id, prev_hash, entry_hash
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		e.Bucket, e.ObjectPath, e.Generation, e.Checksum, e.LastModified,
		e.Table, e.Producer, e.LoadedAt, e.RunID, e.PrevHash, e.EntryHash,
	)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", e.ObjectPath, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert %s: rows affected: %w", e.ObjectPath, err)
	}
	return n == 1, nil
}
