package warehouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
)

// mapOpener serves object bodies from memory.
type mapOpener map[string]string

func (m mapOpener) Open(_ context.Context, key string) (io.ReadCloser, error) {
	body, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", source.ErrSourceUnavailable, key)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func salesFile(name string) source.FileIdentity {
	return source.FileIdentity{
		Bucket:       "landing",
		ObjectPath:   "data/distributor_1/sales/" + name,
		Generation:   1,
		LastModified: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		Table:        "sales",
		Producer:     1,
	}
}

const salesCSV = `branch,customer,closing_date,sku,units_sold,sales_amount,payment_terms,distributor
1,100,2024-03-31,SKU-1,5,12.50,cash,1
2,101,2024-03-31,SKU-2,,7.25,,1
`

func TestLookup(t *testing.T) {
	for _, name := range []string{"sales", "stock", "customers"} {
		ts, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", name, err)
		}
		if ts.Name != name || len(ts.Columns) == 0 {
			t.Errorf("Lookup(%s) = %+v", name, ts)
		}
	}
	if _, err := Lookup("invoices"); err == nil {
		t.Error("expected error for unknown table")
	}

	ts, _ := Lookup("customers")
	if len(ts.Columns) != 20 || ts.Columns[19].Name != "distributor" {
		t.Errorf("customers schema has %d columns", len(ts.Columns))
	}
}

func TestValidateHeader(t *testing.T) {
	ts, _ := Lookup("stock")

	tests := []struct {
		name         string
		header       []string
		wantPass     bool
		wantWarnings int
	}{
		{"exact", ts.ColumnNames(), true, 0},
		{"renamed columns load positionally", []string{"Sucursal", "fecha", "sku", "producto", "cantidad", "unidad", "distribuidor"}, true, 6},
		{"bom and case", []string{"\ufeffBRANCH", "closing_date", "sku", "product", "quantity", "unit", "distributor"}, true, 0},
		{"too few", []string{"branch", "closing_date"}, false, 0},
		{"too many", append(ts.ColumnNames(), "extra"), false, 0},
		{"empty", nil, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := ValidateHeader(ts, tt.header)
			if check.Passed != tt.wantPass {
				t.Errorf("Passed = %v, want %v (errors %v)", check.Passed, tt.wantPass, check.Errors)
			}
			if len(check.Warnings) != tt.wantWarnings {
				t.Errorf("warnings = %v, want %d", check.Warnings, tt.wantWarnings)
			}
			if !tt.wantPass && !errors.Is(check.Err(), ErrSchemaMismatch) {
				t.Errorf("Err() = %v, want ErrSchemaMismatch", check.Err())
			}
		})
	}
}

func TestCoerceValue(t *testing.T) {
	tests := []struct {
		typ     ColumnType
		raw     string
		want    any
		wantErr bool
	}{
		{Integer, "42", int64(42), false},
		{Integer, " 7 ", int64(7), false},
		{Integer, "4.5", nil, true},
		{Float, "3.25", 3.25, false},
		{Float, "abc", nil, true},
		{String, "hello", "hello", false},
		{Date, "2024-02-29", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), false},
		{Date, "29/02/2024", nil, true},
		{Timestamp, "2024-02-29 13:45:00", time.Date(2024, 2, 29, 13, 45, 0, 0, time.UTC), false},
		{Timestamp, "2024-02-29T13:45:00+01:00", time.Date(2024, 2, 29, 12, 45, 0, 0, time.UTC), false},
		{Integer, "", nil, false},
		{String, "", nil, false},
	}

	for _, tt := range tests {
		got, err := CoerceValue(tt.typ, tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("CoerceValue(%s, %q) err = %v, wantErr %v", tt.typ, tt.raw, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		if ts, ok := tt.want.(time.Time); ok {
			if gt, ok := got.(time.Time); !ok || !gt.Equal(ts) {
				t.Errorf("CoerceValue(%s, %q) = %v, want %v", tt.typ, tt.raw, got, tt.want)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("CoerceValue(%s, %q) = %#v, want %#v", tt.typ, tt.raw, got, tt.want)
		}
	}
}

func TestRowReader(t *testing.T) {
	ts, _ := Lookup("sales")
	rr, check, err := NewRowReader(strings.NewReader(salesCSV), ts)
	if err != nil {
		t.Fatalf("NewRowReader: %v", err)
	}
	if !check.Passed {
		t.Fatalf("header check failed: %v", check.Errors)
	}

	var rows [][]any
	for {
		row, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		rows = append(rows, row)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0][4] != int64(5) || rows[0][5] != 12.5 {
		t.Errorf("row 0 = %v", rows[0])
	}
	if rows[1][4] != nil || rows[1][6] != nil {
		t.Errorf("empty cells should be nil, row 1 = %v", rows[1])
	}
}

func TestRowReaderRejectsRaggedRow(t *testing.T) {
	ts, _ := Lookup("sales")
	body := salesCSV + "3,102,2024-03-31,SKU-3\n"
	rr, _, err := NewRowReader(strings.NewReader(body), ts)
	if err != nil {
		t.Fatalf("NewRowReader: %v", err)
	}
	for {
		_, err = rr.Next()
		if err != nil {
			break
		}
	}
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("err = %v, want ErrSchemaMismatch", err)
	}
}

func TestLoadFailedError(t *testing.T) {
	cause := errors.New("quota exceeded")
	err := loadFailed(salesFile("a.csv"), cause)

	if !errors.Is(err, ErrLoadFailed) {
		t.Error("errors.Is(err, ErrLoadFailed) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	var lf *LoadFailedError
	if !errors.As(err, &lf) || lf.File.ObjectPath != "data/distributor_1/sales/a.csv" {
		t.Errorf("errors.As = %v", lf)
	}
}
