package warehouse

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
}

// CoerceValue converts one raw cell to the Go value for the column type:
// int64, float64, string or time.Time. Empty cells become nil (NULL).
func CoerceValue(t ColumnType, raw string) (any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	switch t {
	case Integer:
		return strconv.ParseInt(trimmed, 10, 64)
	case Float:
		return strconv.ParseFloat(trimmed, 64)
	case String:
		return raw, nil
	case Date:
		d, err := time.Parse(time.DateOnly, trimmed)
		if err != nil {
			return nil, err
		}
		return d, nil
	case Timestamp:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, trimmed); err == nil {
				return ts.UTC(), nil
			}
		}
		return nil, fmt.Errorf("cannot parse %q as timestamp", trimmed)
	default:
		return nil, fmt.Errorf("unsupported column type %s", t)
	}
}

// RowReader parses a headered CSV stream into rows coerced to a schema.
type RowReader struct {
	csv    *csv.Reader
	schema TableSchema
	line   int
}

// NewRowReader consumes and validates the header row. The returned check
// carries warnings even when it passes; a failed check also returns its error.
func NewRowReader(r io.Reader, schema TableSchema) (*RowReader, HeaderCheck, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, HeaderCheck{}, fmt.Errorf("read header: %w", err)
	}

	check := ValidateHeader(schema, header)
	if err := check.Err(); err != nil {
		return nil, check, err
	}

	cr.FieldsPerRecord = len(schema.Columns)
	return &RowReader{csv: cr, schema: schema, line: 1}, check, nil
}

// Next returns the next coerced row, or io.EOF after the last one.
func (rr *RowReader) Next() ([]any, error) {
	record, err := rr.csv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, csv.ErrFieldCount) {
			return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	rr.line++

	row := make([]any, len(record))
	for i, raw := range record {
		col := rr.schema.Columns[i]
		v, err := CoerceValue(col.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d column %s (%s): %v",
				ErrSchemaMismatch, rr.line, col.Name, col.Type, err)
		}
		row[i] = v
	}
	return row, nil
}

