package warehouse

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSchemaMismatch indicates a file whose shape does not fit the table.
var ErrSchemaMismatch = errors.New("schema mismatch")

// HeaderCheck is the outcome of comparing a file's header row with the
// destination schema. Columns are positional, so only a differing column
// count fails the check; differing names are warnings.
type HeaderCheck struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

// Err returns nil when the check passed.
func (c HeaderCheck) Err() error {
	if c.Passed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSchemaMismatch, strings.Join(c.Errors, "; "))
}

// ValidateHeader compares header against the schema's columns.
func ValidateHeader(schema TableSchema, header []string) HeaderCheck {
	check := HeaderCheck{Passed: true}

	if len(header) == 0 {
		check.Passed = false
		check.Errors = append(check.Errors, "file has no header row")
		return check
	}

	if len(header) != len(schema.Columns) {
		check.Passed = false
		check.Errors = append(check.Errors,
			fmt.Sprintf("header has %d columns, table %s expects %d",
				len(header), schema.Name, len(schema.Columns)))
		return check
	}

	for i, col := range schema.Columns {
		name := normalizeHeaderName(header[i])
		if name != col.Name {
			check.Warnings = append(check.Warnings,
				fmt.Sprintf("column %d is %q in file, loading into %s", i+1, header[i], col.Name))
		}
	}
	return check
}

func normalizeHeaderName(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.ToLower(strings.TrimSpace(s))
}
