package warehouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
)

var postgresTypes = map[ColumnType]string{
	Integer:   "BIGINT",
	Float:     "DOUBLE PRECISION",
	String:    "TEXT",
	Date:      "DATE",
	Timestamp: "TIMESTAMP",
}

// Postgres loads files with COPY inside a transaction, so a file's rows
// become visible all at once or not at all.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	opener ObjectOpener
	owns   bool
	logger *slog.Logger
}

// OpenPostgres connects to dsn.
func OpenPostgres(ctx context.Context, dsn, schema string, opener ObjectOpener) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	p := NewPostgres(pool, schema, opener)
	p.owns = true
	return p, nil
}

// NewPostgres uses an existing pool. The caller keeps ownership.
func NewPostgres(pool *pgxpool.Pool, schema string, opener ObjectOpener) *Postgres {
	return &Postgres{
		pool:   pool,
		schema: schema,
		opener: opener,
		logger: slog.With("component", "warehouse", "backend", "postgres"),
	}
}

func (p *Postgres) identifier(table string) pgx.Identifier {
	if p.schema == "" {
		return pgx.Identifier{table}
	}
	return pgx.Identifier{p.schema, table}
}

// EnsureTables implements Provisioner.
func (p *Postgres) EnsureTables(ctx context.Context, schemas []TableSchema) error {
	if p.schema != "" {
		if _, err := p.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{p.schema}.Sanitize()); err != nil {
			return fmt.Errorf("create schema %s: %w", p.schema, err)
		}
	}
	for _, ts := range schemas {
		if _, err := p.pool.Exec(ctx, createTableSQL(p.identifier(ts.Name).Sanitize(), ts, postgresTypes)); err != nil {
			return fmt.Errorf("create table %s: %w", ts.Name, err)
		}
	}
	return nil
}

// LoadAppend implements Loader.
func (p *Postgres) LoadAppend(ctx context.Context, ts TableSchema, file source.FileIdentity) (Result, error) {
	start := time.Now()

	rc, err := p.opener.Open(ctx, file.ObjectPath)
	if err != nil {
		return Result{}, loadFailed(file, err)
	}
	defer rc.Close()

	counter := &countingReader{r: rc}
	rows, check, err := NewRowReader(counter, ts)
	if err != nil {
		return Result{}, loadFailed(file, err)
	}
	for _, w := range check.Warnings {
		p.logger.Debug("header warning", "object_path", file.ObjectPath, "warning", w)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Result{}, loadFailed(file, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback(ctx)

	n, err := tx.CopyFrom(ctx, p.identifier(ts.Name), ts.ColumnNames(), pgx.CopyFromFunc(func() ([]any, error) {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return row, err
	}))
	if err != nil {
		return Result{}, loadFailed(file, fmt.Errorf("copy: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, loadFailed(file, fmt.Errorf("commit: %w", err))
	}

	p.logger.Debug("loaded file",
		"object_path", file.ObjectPath,
		"table", ts.Name,
		"rows", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Result{Rows: n, Bytes: counter.n}, nil
}

// Close releases the pool if this loader created it.
func (p *Postgres) Close() error {
	if p.owns {
		p.pool.Close()
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}

var (
	_ Loader      = (*Postgres)(nil)
	_ Provisioner = (*Postgres)(nil)
)
