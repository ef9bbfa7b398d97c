package warehouse

import (
	"fmt"
	"sort"
)

// ColumnType is a destination column type.
type ColumnType string

const (
	Integer   ColumnType = "INTEGER"
	Float     ColumnType = "FLOAT"
	String    ColumnType = "STRING"
	Date      ColumnType = "DATE"
	Timestamp ColumnType = "TIMESTAMP"
)

// Column is one typed column of a fixed table schema.
type Column struct {
	Name string
	Type ColumnType
}

// TableSchema is the ordered, fixed schema of a destination table. Source
// files are positional: column i of the file loads into Columns[i].
type TableSchema struct {
	Name    string
	Columns []Column
}

// ColumnNames returns the column names in order.
func (s TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

var schemas = map[string]TableSchema{
	"sales": {
		Name: "sales",
		Columns: []Column{
			{"branch", Integer},
			{"customer", Integer},
			{"closing_date", Date},
			{"sku", String},
			{"units_sold", Integer},
			{"sales_amount", Float},
			{"payment_terms", String},
			{"distributor", Integer},
		},
	},
	"stock": {
		Name: "stock",
		Columns: []Column{
			{"branch", Integer},
			{"closing_date", Date},
			{"sku", String},
			{"product", String},
			{"quantity", Integer},
			{"unit", String},
			{"distributor", Integer},
		},
	},
	"customers": {
		Name: "customers",
		Columns: []Column{
			{"branch", Integer},
			{"customer", Integer},
			{"city", String},
			{"province", String},
			{"status", String},
			{"customer_name", String},
			{"tax_id", String},
			{"legal_name", String},
			{"address", String},
			{"visit_day", String},
			{"phone", String},
			{"email", String},
			{"registered_on", Date},
			{"deregistered_on", Date},
			{"latitude", Float},
			{"longitude", Float},
			{"payment_terms", String},
			{"overdue_debt", Float},
			{"business_type", String},
			{"distributor", Integer},
		},
	},
}

// Lookup returns the fixed schema of a destination table.
func Lookup(table string) (TableSchema, error) {
	s, ok := schemas[table]
	if !ok {
		return TableSchema{}, fmt.Errorf("unknown table %q (known: %v)", table, Tables())
	}
	return s, nil
}

// Tables lists the known destination tables in name order.
func Tables() []string {
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
