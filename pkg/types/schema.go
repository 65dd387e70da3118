package types

import (
	"fmt"
	"time"
)

// Limits carried by every table.
const (
	// MaxFieldByteSize bounds a single string or bytes cell.
	MaxFieldByteSize = 4096

	// MaxPartitioningDepth bounds the number of partition fields per table.
	MaxPartitioningDepth = 4

	// MaxNameLength bounds table, column and partition field names.
	MaxNameLength = 255
)

// Column defines a single column of a table.
type Column struct {
	Name     string   `json:"name" yaml:"name"`
	Type     DataType `json:"type" yaml:"type"`
	Nullable bool     `json:"nullable" yaml:"nullable"`
}

// PartitionDataType is the closed set of partition field types.
type PartitionDataType string

const (
	PartitionString          PartitionDataType = "string"
	PartitionInt64           PartitionDataType = "int64"
	PartitionBool            PartitionDataType = "bool"
	PartitionTimestampMinute PartitionDataType = "timestamp_minute"
)

// Valid reports whether t is a known partition type.
func (t PartitionDataType) Valid() bool {
	switch t {
	case PartitionString, PartitionInt64, PartitionBool, PartitionTimestampMinute:
		return true
	}
	return false
}

// ValueType is the column type used to carry a partition value.
func (t PartitionDataType) ValueType() DataType {
	switch t {
	case PartitionString:
		return TypeString
	case PartitionInt64:
		return TypeInt64
	case PartitionBool:
		return TypeBool
	case PartitionTimestampMinute:
		return TypeTimestamp
	}
	return ""
}

// PartitionField is one level of a table's partitioning.
type PartitionField struct {
	Name string            `json:"name" yaml:"name"`
	Type PartitionDataType `json:"type" yaml:"type"`
}

// Table is an immutable schema snapshot. Catalog updates produce new
// snapshots rather than mutating existing ones.
type Table struct {
	Name         string           `json:"name"`
	Columns      []Column         `json:"columns"`
	Partitioning []PartitionField `json:"partitioning"`
	Version      int              `json:"version"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Column looks up a column by name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// PartitionField looks up a partition field by name.
func (t *Table) PartitionField(name string) (PartitionField, bool) {
	for _, f := range t.Partitioning {
		if f.Name == name {
			return f, true
		}
	}
	return PartitionField{}, false
}

// ColumnNames returns the column names in schema order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	cp := *t
	cp.Columns = append([]Column(nil), t.Columns...)
	cp.Partitioning = append([]PartitionField(nil), t.Partitioning...)
	return &cp
}

// ValidateName checks table, column and partition field names: non-empty,
// at most MaxNameLength bytes, ASCII letters, digits and underscores only,
// and no leading underscore.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name %.20q... exceeds %d bytes", name, MaxNameLength)
	}
	if name[0] == '_' {
		return fmt.Errorf("name %q must not start with an underscore", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isNameChar(c) {
			return fmt.Errorf("name %q contains invalid character %q", name, c)
		}
	}
	return nil
}

func isNameChar(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// Row maps column (and partition field) names to values.
type Row map[string]Value

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	cp := make(Row, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}
