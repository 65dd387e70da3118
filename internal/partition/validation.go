package partition

import (
	"fmt"
	"sort"
	"strings"

	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// ValidationError represents a row validation error.
type ValidationError struct {
	RowIndex int
	Field    string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d, field %q: %s", e.RowIndex, e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validator checks rows against one schema snapshot and normalizes them
// to the table's columns.
type Validator struct {
	table *types.Table
}

// NewValidator creates a validator for a table snapshot.
func NewValidator(table *types.Table) *Validator {
	return &Validator{table: table}
}

// ValidateRow checks a single row. Keys naming a partition field are
// accepted even when the field is not also a column.
func (v *Validator) ValidateRow(row types.Row, rowIndex int) []*ValidationError {
	var errs []*ValidationError

	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, name := range keys {
		if _, ok := v.table.Column(name); ok {
			continue
		}
		if _, ok := v.table.PartitionField(name); ok {
			continue
		}
		errs = append(errs, &ValidationError{RowIndex: rowIndex, Field: name, Message: "unknown column"})
	}

	for _, col := range v.table.Columns {
		val, ok := row[col.Name]
		if !ok || val.IsNull() {
			if !col.Nullable {
				errs = append(errs, &ValidationError{RowIndex: rowIndex, Field: col.Name, Message: "column is not nullable"})
			}
			continue
		}
		if val.Type() != col.Type {
			errs = append(errs, &ValidationError{
				RowIndex: rowIndex,
				Field:    col.Name,
				Message:  fmt.Sprintf("expected %s, got %s", col.Type, val.Type()),
			})
			continue
		}
		if n := val.Size(); (col.Type == types.TypeString || col.Type == types.TypeBytes) && n > types.MaxFieldByteSize {
			errs = append(errs, &ValidationError{
				RowIndex: rowIndex,
				Field:    col.Name,
				Message:  fmt.Sprintf("value of %d bytes exceeds %d", n, types.MaxFieldByteSize),
			})
		}
	}
	return errs
}

// ValidateRows validates multiple rows.
func (v *Validator) ValidateRows(rows []types.Row) ValidationErrors {
	var all ValidationErrors
	for i, row := range rows {
		all = append(all, v.ValidateRow(row, i)...)
	}
	return all
}

// Normalize validates rows and returns copies holding exactly the table's
// columns, with absent nullable columns set to null. Partition-only keys
// are dropped. Any failure rejects the whole batch.
func (v *Validator) Normalize(rows []types.Row) ([]types.Row, error) {
	if errs := v.ValidateRows(rows); len(errs) > 0 {
		return nil, dberrors.NewWriteError(dberrors.CodeInvalidRow, "row validation failed", errs)
	}
	out := make([]types.Row, len(rows))
	for i, row := range rows {
		norm := make(types.Row, len(v.table.Columns))
		for _, col := range v.table.Columns {
			norm[col.Name] = row[col.Name]
		}
		out[i] = norm
	}
	return out, nil
}

// ValidateSchema checks a table definition for CreateTable.
func ValidateSchema(name string, columns []types.Column, partitioning []types.PartitionField) error {
	if err := types.ValidateName(name); err != nil {
		return invalidSchema("table: %v", err)
	}
	if len(columns) == 0 {
		return invalidSchema("table %q must have at least one column", name)
	}
	if err := validateColumns(nil, columns); err != nil {
		return err
	}
	if len(partitioning) > types.MaxPartitioningDepth {
		return invalidSchema("table %q has %d partition fields, at most %d allowed",
			name, len(partitioning), types.MaxPartitioningDepth)
	}
	seen := make(map[string]bool, len(partitioning))
	for _, f := range partitioning {
		if err := types.ValidateName(f.Name); err != nil {
			return invalidSchema("partition field: %v", err)
		}
		if seen[f.Name] {
			return invalidSchema("duplicate partition field %q", f.Name)
		}
		seen[f.Name] = true
		if !f.Type.Valid() {
			return invalidSchema("partition field %q has unknown type %q", f.Name, f.Type)
		}
		for _, c := range columns {
			if c.Name == f.Name && c.Type != f.Type.ValueType() {
				return invalidSchema("partition field %q (%s) collides with column of type %s", f.Name, f.Type, c.Type)
			}
		}
	}
	return nil
}

// ValidateAddColumns checks columns to append to an existing table. Any
// name already in use is rejected, including requests that would retype an
// existing column.
func ValidateAddColumns(table *types.Table, columns []types.Column) error {
	if len(columns) == 0 {
		return invalidSchema("no columns to add")
	}
	if err := validateColumns(table, columns); err != nil {
		return err
	}
	for _, c := range columns {
		if !c.Nullable {
			return invalidSchema("added column %q must be nullable: existing rows have no value for it", c.Name)
		}
		if f, ok := table.PartitionField(c.Name); ok && c.Type != f.Type.ValueType() {
			return invalidSchema("column %q (%s) collides with partition field of type %s", c.Name, c.Type, f.Type)
		}
	}
	return nil
}

func validateColumns(existing *types.Table, columns []types.Column) error {
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if err := types.ValidateName(c.Name); err != nil {
			return invalidSchema("column: %v", err)
		}
		if seen[c.Name] {
			return invalidSchema("duplicate column name %q", c.Name)
		}
		seen[c.Name] = true
		if !c.Type.Valid() {
			return invalidSchema("column %q has unknown type %q", c.Name, c.Type)
		}
		if existing == nil {
			continue
		}
		if old, ok := existing.Column(c.Name); ok {
			if old.Type != c.Type || old.Nullable != c.Nullable {
				return invalidSchema("column %q already exists as %s; columns cannot be retyped", c.Name, old.Type)
			}
			return invalidSchema("column %q already exists", c.Name)
		}
	}
	return nil
}

func invalidSchema(format string, args ...interface{}) error {
	return dberrors.Newf(dberrors.ErrCategorySchema, dberrors.CodeInvalidSchema, format, args...)
}
