package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
)

func fileAt(producer int64, table, name string, gen int64, ts time.Time) source.FileIdentity {
	return source.FileIdentity{
		Bucket:       "landing",
		ObjectPath:   fmt.Sprintf("data/distributor_%d/%s/%s", producer, table, name),
		Generation:   gen,
		LastModified: ts,
		Table:        table,
		Producer:     producer,
	}
}

// runLedgerSuite exercises the behaviour every backend must share.
func runLedgerSuite(t *testing.T, store Store) {
	ctx := context.Background()
	t1 := time.Date(2024, 1, 10, 8, 30, 0, 123456789, time.UTC)
	t2 := t1.Add(time.Hour)
	sales1 := source.PartitionScope{Producer: 1, Table: "sales"}
	stock1 := source.PartitionScope{Producer: 1, Table: "stock"}

	t.Run("empty partition", func(t *testing.T) {
		keys, err := store.Loaded(ctx, sales1)
		if err != nil {
			t.Fatalf("Loaded: %v", err)
		}
		if len(keys) != 0 {
			t.Errorf("got %d keys, want 0", len(keys))
		}
	})

	t.Run("empty append", func(t *testing.T) {
		if err := store.Append(ctx, nil); err != nil {
			t.Fatalf("Append(nil): %v", err)
		}
	})

	a := fileAt(1, "sales", "a.csv", 3, t1)
	b := fileAt(1, "sales", "b.csv", 1, t2)
	s := fileAt(1, "stock", "s.csv", 7, t1)

	t.Run("append and read back", func(t *testing.T) {
		now := time.Now()
		err := store.Append(ctx, []Entry{
			NewEntry(a, "run-1", now),
			NewEntry(b, "run-1", now),
			NewEntry(s, "run-1", now),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}

		keys, err := store.Loaded(ctx, sales1)
		if err != nil {
			t.Fatalf("Loaded: %v", err)
		}
		if len(keys) != 2 || !keys.Has(a.Key()) || !keys.Has(b.Key()) {
			t.Errorf("sales keys = %v, want a and b", keys)
		}
		if keys.Has(s.Key()) {
			t.Error("stock key leaked into sales partition")
		}
	})

	t.Run("new generation is a distinct key", func(t *testing.T) {
		a2 := a
		a2.Generation = 4
		a2.LastModified = t2
		if err := store.Append(ctx, []Entry{NewEntry(a2, "run-2", time.Now())}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		keys, err := store.Loaded(ctx, sales1)
		if err != nil {
			t.Fatalf("Loaded: %v", err)
		}
		if len(keys) != 3 || !keys.Has(a.Key()) || !keys.Has(a2.Key()) {
			t.Errorf("expected both versions of a.csv, got %v", keys)
		}
	})

	t.Run("duplicate key is not re-recorded", func(t *testing.T) {
		if err := store.Append(ctx, []Entry{NewEntry(b, "run-3", time.Now())}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		entries, err := store.Entries(ctx, sales1)
		if err != nil {
			t.Fatalf("Entries: %v", err)
		}
		if len(entries) != 3 {
			t.Errorf("got %d sales entries, want 3", len(entries))
		}
	})

	t.Run("chains verify per partition", func(t *testing.T) {
		for _, scope := range []source.PartitionScope{sales1, stock1} {
			n, err := Verify(ctx, store, scope)
			if err != nil {
				t.Errorf("Verify %s: %v", scope, err)
			}
			if n == 0 {
				t.Errorf("Verify %s: no entries", scope)
			}
		}
	})

	t.Run("concurrent partitions", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 4)
		for p := int64(2); p < 6; p++ {
			wg.Add(1)
			go func(p int64) {
				defer wg.Done()
				errs <- store.Append(ctx, []Entry{
					NewEntry(fileAt(p, "sales", "x.csv", 1, t1), "run-4", time.Now()),
					NewEntry(fileAt(p, "sales", "y.csv", 1, t1), "run-4", time.Now()),
				})
			}(p)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("concurrent Append: %v", err)
			}
		}
		for p := int64(2); p < 6; p++ {
			scope := source.PartitionScope{Producer: p, Table: "sales"}
			keys, err := store.Loaded(ctx, scope)
			if err != nil || len(keys) != 2 {
				t.Errorf("%s: %d keys, err %v", scope, len(keys), err)
			}
			if _, err := Verify(ctx, store, scope); err != nil {
				t.Errorf("Verify %s: %v", scope, err)
			}
		}
	})
}

func TestMemoryLedger(t *testing.T) {
	runLedgerSuite(t, NewMemory())
}

func TestDuckDBLedger(t *testing.T) {
	store, err := OpenDuckDB(context.Background(), "", "control.loaded_files")
	if err != nil {
		t.Fatalf("OpenDuckDB: %v", err)
	}
	defer store.Close()

	runLedgerSuite(t, store)
}

func TestDuckDBLedgerSchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	first, err := NewDuckDB(ctx, db, "loaded_files")
	if err != nil {
		t.Fatalf("first NewDuckDB: %v", err)
	}
	f := fileAt(1, "sales", "a.csv", 1, time.Now())
	if err := first.Append(ctx, []Entry{NewEntry(f, "run-1", time.Now())}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	second, err := NewDuckDB(ctx, db, "loaded_files")
	if err != nil {
		t.Fatalf("second NewDuckDB: %v", err)
	}
	keys, err := second.Loaded(ctx, f.Scope())
	if err != nil {
		t.Fatalf("Loaded: %v", err)
	}
	if !keys.Has(f.Key()) {
		t.Error("entry lost after re-provisioning")
	}
}

func TestDuckDBLedgerUnavailable(t *testing.T) {
	ctx := context.Background()
	store, err := OpenDuckDB(ctx, "", "loaded_files")
	if err != nil {
		t.Fatalf("OpenDuckDB: %v", err)
	}
	store.Close()

	scope := source.PartitionScope{Producer: 1, Table: "sales"}
	if _, err := store.Loaded(ctx, scope); !errors.Is(err, ErrLedgerUnavailable) {
		t.Errorf("Loaded on closed db: err = %v, want ErrLedgerUnavailable", err)
	}
	entry := NewEntry(fileAt(1, "sales", "a.csv", 1, time.Now()), "run", time.Now())
	if err := store.Append(ctx, []Entry{entry}); !errors.Is(err, ErrLedgerUnavailable) {
		t.Errorf("Append on closed db: err = %v, want ErrLedgerUnavailable", err)
	}
}

func TestDuckDBAppendIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	// Same layout the ledger provisions, plus a constraint that rejects one path.
	for _, stmt := range []string{
		`CREATE SEQUENCE loaded_files_id_seq`,
		`CREATE TABLE loaded_files (
			id            BIGINT NOT NULL DEFAULT nextval('loaded_files_id_seq'),
			bucket        VARCHAR NOT NULL,
			object_path   VARCHAR NOT NULL CHECK (object_path NOT LIKE '%bad.csv'),
			generation    BIGINT NOT NULL,
			checksum      VARCHAR NOT NULL DEFAULT '',
			last_modified TIMESTAMP NOT NULL,
			table_name    VARCHAR NOT NULL,
			producer      BIGINT NOT NULL,
			loaded_at     TIMESTAMP NOT NULL,
			run_id        VARCHAR NOT NULL,
			prev_hash     VARCHAR NOT NULL DEFAULT '',
			entry_hash    VARCHAR NOT NULL,
			PRIMARY KEY (bucket, object_path, generation, last_modified)
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	store, err := NewDuckDB(ctx, db, "loaded_files")
	if err != nil {
		t.Fatalf("NewDuckDB: %v", err)
	}

	ts := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	err = store.Append(ctx, []Entry{
		NewEntry(fileAt(1, "sales", "good.csv", 1, ts), "run-1", ts),
		NewEntry(fileAt(1, "sales", "bad.csv", 1, ts), "run-1", ts),
	})
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("Append: err = %v, want ErrLedgerUnavailable", err)
	}

	scope := source.PartitionScope{Producer: 1, Table: "sales"}
	keys, err := store.Loaded(ctx, scope)
	if err != nil {
		t.Fatalf("Loaded: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("failed append left %d keys, want 0", len(keys))
	}
	entries, err := store.Entries(ctx, scope)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("failed append left entries %v", entries)
	}
}

func TestDuckDBVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	store, err := OpenDuckDB(ctx, "", "loaded_files")
	if err != nil {
		t.Fatalf("OpenDuckDB: %v", err)
	}
	defer store.Close()

	ts := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	err = store.Append(ctx, []Entry{
		NewEntry(fileAt(1, "sales", "a.csv", 1, ts), "run-1", ts),
		NewEntry(fileAt(1, "sales", "b.csv", 1, ts), "run-1", ts),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := store.db.ExecContext(ctx,
		`UPDATE loaded_files SET checksum = 'crc32c:forged' WHERE object_path LIKE '%a.csv'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	scope := source.PartitionScope{Producer: 1, Table: "sales"}
	if _, err := Verify(ctx, store, scope); !errors.Is(err, ErrChainBroken) {
		t.Errorf("Verify after tampering: err = %v, want ErrChainBroken", err)
	}
}

func TestPostgresLedger(t *testing.T) {
	dsn := os.Getenv("RAW_LOADER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RAW_LOADER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	table := fmt.Sprintf("ledger_test.loaded_files_%d", time.Now().UnixNano())

	store, err := OpenPostgres(ctx, dsn, table)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer func() {
		store.pool.Exec(ctx, "DROP TABLE IF EXISTS "+quoteQualified(table))
		store.Close()
	}()

	runLedgerSuite(t, store)
}
