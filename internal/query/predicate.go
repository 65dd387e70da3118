// Package query plans and runs scans over a partition's consistent view:
// its live segments in ID order followed by its buffered rows.
package query

import (
	"fmt"
	"strings"

	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// Op is the kind of a predicate.
type Op string

const (
	OpEq     Op = "eq"
	OpIn     Op = "in"
	OpRange  Op = "range"
	OpIsNull Op = "is_null"
	OpAnd    Op = "and"
)

// Predicate is a filter on a column or partition field. A nil predicate
// matches every row.
type Predicate struct {
	Op     Op
	Column string

	// Value is the operand of Eq.
	Value types.Value
	// Values are the operands of In.
	Values []types.Value
	// Min and Max bound Range; a null bound is open.
	Min, Max                   types.Value
	MinInclusive, MaxInclusive bool

	// Children are the operands of And.
	Children []*Predicate
}

// Eq matches rows whose column equals v.
func Eq(column string, v types.Value) *Predicate {
	return &Predicate{Op: OpEq, Column: column, Value: v}
}

// In matches rows whose column equals any of values.
func In(column string, values ...types.Value) *Predicate {
	return &Predicate{Op: OpIn, Column: column, Values: values}
}

// Range matches non-null values between lo and hi. A null bound is open.
func Range(column string, lo, hi types.Value, loInclusive, hiInclusive bool) *Predicate {
	return &Predicate{Op: OpRange, Column: column, Min: lo, Max: hi, MinInclusive: loInclusive, MaxInclusive: hiInclusive}
}

// Between matches values in [lo, hi].
func Between(column string, lo, hi types.Value) *Predicate {
	return Range(column, lo, hi, true, true)
}

// IsNull matches rows whose column is null.
func IsNull(column string) *Predicate {
	return &Predicate{Op: OpIsNull, Column: column}
}

// And matches rows every child matches. Nil children are ignored.
func And(children ...*Predicate) *Predicate {
	var kept []*Predicate
	for _, c := range children {
		if c != nil {
			kept = append(kept, c)
		}
	}
	return &Predicate{Op: OpAnd, Children: kept}
}

// Match evaluates the predicate against a row. Absent columns are null.
func (p *Predicate) Match(row types.Row) bool {
	if p == nil {
		return true
	}
	return p.matchValue(row[p.Column], row)
}

func (p *Predicate) matchValue(v types.Value, row types.Row) bool {
	switch p.Op {
	case OpAnd:
		for _, c := range p.Children {
			if !c.Match(row) {
				return false
			}
		}
		return true
	case OpIsNull:
		return v.IsNull()
	case OpEq:
		return !v.IsNull() && v.Equal(p.Value)
	case OpIn:
		if v.IsNull() {
			return false
		}
		for _, want := range p.Values {
			if v.Equal(want) {
				return true
			}
		}
		return false
	case OpRange:
		return p.inRange(v)
	}
	return false
}

func (p *Predicate) inRange(v types.Value) bool {
	if v.IsNull() {
		return false
	}
	if !p.Min.IsNull() {
		if v.Type() != p.Min.Type() {
			return false
		}
		c := v.Compare(p.Min)
		if c < 0 || (c == 0 && !p.MinInclusive) {
			return false
		}
	}
	if !p.Max.IsNull() {
		if v.Type() != p.Max.Type() {
			return false
		}
		c := v.Compare(p.Max)
		if c > 0 || (c == 0 && !p.MaxInclusive) {
			return false
		}
	}
	return true
}

// Columns returns every column the predicate reads, without duplicates.
func (p *Predicate) Columns() []string {
	var out []string
	seen := make(map[string]bool)
	p.walk(func(leaf *Predicate) {
		if !seen[leaf.Column] {
			seen[leaf.Column] = true
			out = append(out, leaf.Column)
		}
	})
	return out
}

// walk visits every leaf.
func (p *Predicate) walk(fn func(leaf *Predicate)) {
	if p == nil {
		return
	}
	if p.Op == OpAnd {
		for _, c := range p.Children {
			c.walk(fn)
		}
		return
	}
	fn(p)
}

// Validate checks the predicate against a table: every leaf must name a
// column or partition field and carry operands of its type.
func (p *Predicate) Validate(table *types.Table) error {
	if p == nil {
		return nil
	}
	if p.Op == OpAnd {
		for _, c := range p.Children {
			if err := c.Validate(table); err != nil {
				return err
			}
		}
		return nil
	}

	var typ types.DataType
	if col, ok := table.Column(p.Column); ok {
		typ = col.Type
	} else if f, ok := table.PartitionField(p.Column); ok {
		typ = f.Type.ValueType()
	} else {
		return invalidPredicate("unknown column %q in table %q", p.Column, table.Name)
	}

	check := func(v types.Value, allowNull bool) error {
		if v.IsNull() {
			if allowNull {
				return nil
			}
			return invalidPredicate("%s on %q needs a non-null operand; use is_null", p.Op, p.Column)
		}
		if v.Type() != typ {
			return invalidPredicate("%s on %q: operand is %s, column is %s", p.Op, p.Column, v.Type(), typ)
		}
		return nil
	}

	switch p.Op {
	case OpEq:
		return check(p.Value, false)
	case OpIn:
		if len(p.Values) == 0 {
			return invalidPredicate("in on %q needs at least one value", p.Column)
		}
		for _, v := range p.Values {
			if err := check(v, false); err != nil {
				return err
			}
		}
		return nil
	case OpRange:
		if p.Min.IsNull() && p.Max.IsNull() {
			return invalidPredicate("range on %q needs at least one bound", p.Column)
		}
		if err := check(p.Min, true); err != nil {
			return err
		}
		return check(p.Max, true)
	case OpIsNull:
		return nil
	}
	return invalidPredicate("unknown predicate op %q", p.Op)
}

// String renders the predicate for logs and warnings.
func (p *Predicate) String() string {
	if p == nil {
		return "true"
	}
	switch p.Op {
	case OpAnd:
		parts := make([]string, len(p.Children))
		for i, c := range p.Children {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, " AND ") + ")"
	case OpEq:
		return fmt.Sprintf("%s = %s", p.Column, p.Value)
	case OpIn:
		vals := make([]string, len(p.Values))
		for i, v := range p.Values {
			vals[i] = v.String()
		}
		return fmt.Sprintf("%s IN (%s)", p.Column, strings.Join(vals, ", "))
	case OpRange:
		lo, hi := "(", ")"
		if p.MinInclusive {
			lo = "["
		}
		if p.MaxInclusive {
			hi = "]"
		}
		return fmt.Sprintf("%s IN %s%s, %s%s", p.Column, lo, p.Min, p.Max, hi)
	case OpIsNull:
		return p.Column + " IS NULL"
	}
	return string(p.Op)
}

func invalidPredicate(format string, args ...interface{}) error {
	return dberrors.Newf(dberrors.ErrCategoryQuery, dberrors.CodeInvalidSchema, format, args...)
}
