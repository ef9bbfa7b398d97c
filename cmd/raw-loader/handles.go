package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/config"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/storage"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/warehouse"
)

// handles are the process-wide clients shared by every partition and run.
type handles struct {
	catalog *source.Catalog
	ledger  ledger.Store
	loader  warehouse.Loader
	closers []io.Closer
}

// openHandles builds the catalog, warehouse and ledger clients. Any failure
// here is fatal for the process.
func openHandles(ctx context.Context, cfg config.Config) (_ *handles, err error) {
	h := &handles{}
	defer func() {
		if err != nil {
			h.Close()
		}
	}()

	h.catalog, err = source.OpenCatalog(ctx, source.Config{
		BucketURL:      source.WithS3Options(cfg.Source.BucketURL, cfg.Source.S3Endpoint, cfg.Source.S3Region),
		Bucket:         cfg.Source.Bucket,
		BasePath:       cfg.Source.BasePath,
		Extension:      cfg.Source.Extension,
		ProducerPrefix: cfg.Source.ProducerPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	h.closers = append(h.closers, h.catalog)

	var (
		duck *warehouse.DuckDB
		pool *pgxpool.Pool
	)

	switch cfg.Warehouse.Backend {
	case "duckdb":
		duck, err = warehouse.OpenDuckDB(cfg.Warehouse.DuckDBPath, cfg.Warehouse.Schema, h.catalog)
		if err != nil {
			return nil, fmt.Errorf("open warehouse: %w", err)
		}
		h.loader = duck
	case "postgres":
		pool, err = ledger.NewPool(ctx, cfg.Warehouse.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open warehouse: %w", err)
		}
		h.closers = append(h.closers, closerFunc(func() error { pool.Close(); return nil }))
		h.loader = warehouse.NewPostgres(pool, cfg.Warehouse.Schema, h.catalog)
	case "lake":
		store, serr := storage.Open(ctx, storage.Config{
			Backend:   cfg.Warehouse.Lake.Backend,
			LocalDir:  cfg.Warehouse.Lake.LocalDir,
			BucketURL: cfg.Warehouse.Lake.BucketURL,
			Prefix:    cfg.Warehouse.Lake.Prefix,
		})
		if serr != nil {
			return nil, fmt.Errorf("open lake storage: %w", serr)
		}
		h.loader = warehouse.NewLake(store, cfg.Warehouse.Lake.Prefix, h.catalog, storage.ProducerInfo{
			Name:    "raw-loader",
			Version: Version,
		})
	default:
		return nil, fmt.Errorf("unknown warehouse backend: %s", cfg.Warehouse.Backend)
	}
	h.closers = append(h.closers, h.loader)

	switch cfg.Ledger.Backend {
	case "duckdb":
		// Two handles on one DuckDB file conflict, so the ledger reuses the
		// warehouse's database when both point at the same file.
		if duck != nil && cfg.Ledger.DuckDBPath == cfg.Warehouse.DuckDBPath {
			slog.Info("ledger shares the warehouse database", "component", "main", "path", cfg.Ledger.DuckDBPath)
			h.ledger, err = ledger.NewDuckDB(ctx, duck.DB(), cfg.Ledger.Table)
		} else {
			h.ledger, err = ledger.OpenDuckDB(ctx, cfg.Ledger.DuckDBPath, cfg.Ledger.Table)
		}
	case "postgres":
		if pool != nil && cfg.Ledger.PostgresDSN == cfg.Warehouse.PostgresDSN {
			h.ledger, err = ledger.NewPostgres(ctx, pool, cfg.Ledger.Table)
		} else {
			h.ledger, err = ledger.OpenPostgres(ctx, cfg.Ledger.PostgresDSN, cfg.Ledger.Table)
		}
	default:
		err = fmt.Errorf("unknown ledger backend: %s", cfg.Ledger.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	h.closers = append(h.closers, h.ledger)

	return h, nil
}

// Close releases handles in reverse opening order.
func (h *handles) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
