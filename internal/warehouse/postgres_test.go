package warehouse

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func TestPostgresLoadAppend(t *testing.T) {
	dsn := os.Getenv("RAW_LOADER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RAW_LOADER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	schema := fmt.Sprintf("raw_test_%d", time.Now().UnixNano())

	file := salesFile("a.csv")
	p, err := OpenPostgres(ctx, dsn, schema, mapOpener{
		file.ObjectPath:      salesCSV,
		"data/bad/sales.csv": "branch,customer\n1,2\n",
	})
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer func() {
		p.pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
		p.Close()
	}()

	ts, _ := Lookup("sales")
	if err := p.EnsureTables(ctx, []TableSchema{ts}); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}

	res, err := p.LoadAppend(ctx, ts, file)
	if err != nil {
		t.Fatalf("LoadAppend: %v", err)
	}
	if res.Rows != 2 {
		t.Errorf("Rows = %d, want 2", res.Rows)
	}

	bad := salesFile("x.csv")
	bad.ObjectPath = "data/bad/sales.csv"
	if _, err := p.LoadAppend(ctx, ts, bad); err == nil {
		t.Error("expected LoadFailed for wrong column count")
	}

	var n int64
	if err := p.pool.QueryRow(ctx, "SELECT count(*) FROM "+p.identifier("sales").Sanitize()).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("sales has %d rows, want 2", n)
	}
}
