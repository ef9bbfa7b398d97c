package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
)

//go:embed postgres_schema.sql
var postgresSchemaSQL string

// Postgres stores the ledger in a PostgreSQL table.
type Postgres struct {
	pool     *pgxpool.Pool
	table    string
	ownsPool bool
	logger   *slog.Logger
}

// OpenPostgres connects to dsn and provisions the ledger table.
func OpenPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	p, err := NewPostgres(ctx, pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	p.ownsPool = true
	return p, nil
}

// NewPool creates a small connection pool and checks connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: create pool: %w", ErrLedgerUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping database: %w", ErrLedgerUnavailable, err)
	}
	return pool, nil
}

// NewPostgres uses an existing pool. The caller keeps ownership of it.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, table string) (*Postgres, error) {
	if table == "" {
		table = "loaded_files"
	}
	p := &Postgres{
		pool:   pool,
		table:  table,
		logger: slog.With("component", "ledger", "backend", "postgres"),
	}
	if err := p.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	p.logger.Info("ledger ready", "table", table)
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	parts := strings.Split(p.table, ".")
	if len(parts) > 1 {
		schema := pgx.Identifier(parts[:len(parts)-1]).Sanitize()
		if _, err := p.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
			return fmt.Errorf("%w: create schema: %w", ErrLedgerUnavailable, err)
		}
	}

	ddl := strings.NewReplacer(
		"{{table}}", quoteQualified(p.table),
		"{{index}}", pgx.Identifier{parts[len(parts)-1] + "_partition_idx"}.Sanitize(),
	).Replace(postgresSchemaSQL)

	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("%w: execute schema: %w", ErrLedgerUnavailable, err)
	}
	return nil
}

// Loaded implements Ledger.
func (p *Postgres) Loaded(ctx context.Context, scope source.PartitionScope) (KeySet, error) {
	query := `
		SELECT bucket, object_path, generation, last_modified
		FROM ` + quoteQualified(p.table) + `
		WHERE table_name = $1 AND producer = $2
	`

	rows, err := p.pool.Query(ctx, query, scope.Table, scope.Producer)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", ErrLedgerUnavailable, scope, err)
	}
	defer rows.Close()

	keys := make(KeySet)
	for rows.Next() {
		var k source.LoadKey
		var lastModified time.Time
		if err := rows.Scan(&k.Bucket, &k.ObjectPath, &k.Generation, &lastModified); err != nil {
			return nil, fmt.Errorf("%w: scan key: %w", ErrLedgerUnavailable, err)
		}
		k.LastModified = source.NormalizeTime(lastModified).UnixMicro()
		keys.Add(k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read keys: %w", ErrLedgerUnavailable, err)
	}
	return keys, nil
}

// Append implements Ledger. All entries commit in one transaction.
func (p *Postgres) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrLedgerUnavailable, err)
	}
	defer tx.Rollback(ctx)

	duplicates, err := appendChained(ctx, &pgTx{tx: tx, table: quoteQualified(p.table)}, entries)
	if err != nil {
		return fmt.Errorf("%w: append: %w", ErrLedgerUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrLedgerUnavailable, err)
	}

	logDuplicates(p.logger, duplicates)
	return nil
}

// Entries implements Reader.
func (p *Postgres) Entries(ctx context.Context, scope source.PartitionScope) ([]Entry, error) {
	query := `
		SELECT bucket, object_path, generation, checksum, last_modified,
		       table_name, producer, loaded_at, run_id, prev_hash, entry_hash
		FROM ` + quoteQualified(p.table) + `
		WHERE table_name = $1 AND producer = $2
		ORDER BY id
	`

	rows, err := p.pool.Query(ctx, query, scope.Table, scope.Producer)
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

// Close releases the pool if this ledger created it.
func (p *Postgres) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}

type pgTx struct {
	tx    pgx.Tx
	table string
}

func (t *pgTx) head(ctx context.Context, scope source.PartitionScope) (string, error) {
	var hash string
	err := t.tx.QueryRow(ctx,
		`SELECT entry_hash FROM `+t.table+` WHERE table_name = $1 AND producer = $2 ORDER BY id DESC LIMIT 1`,
		scope.Table, scope.Producer,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain head %s: %w", scope, err)
	}
	return hash, nil
}

func (t *pgTx) insert(ctx context.Context, e Entry) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO `+t.table+` (
			bucket, object_path, generation, checksum, last_modified,
			table_name, producer, loaded_at, run_id, prev_hash, entry_hash
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (bucket, object_path, generation, last_modified) DO NOTHING
	`,
		e.Bucket, e.ObjectPath, e.Generation, e.Checksum, e.LastModified,
		e.Table, e.Producer, e.LoadedAt, e.RunID, e.PrevHash, e.EntryHash,
	)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", e.ObjectPath, err)
	}
	return tag.RowsAffected() == 1, nil
}

func logDuplicates(logger *slog.Logger, duplicates []Entry) {
	if len(duplicates) == 0 {
		return
	}
	paths := make([]string, 0, len(duplicates))
	for _, d := range duplicates {
		paths = append(paths, d.ObjectPath)
	}
	logger.Warn("load keys were already ledgered by a concurrent run; destination may hold duplicate rows",
		"count", len(duplicates),
		"object_paths", paths,
	)
}
