// Package partition resolves the partition a row belongs to, validates rows
// against a table schema, and tracks per-column statistics while segments
// are built.
package partition

import (
	"fmt"
	"time"

	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// Batch is a group of rows sharing one partition.
type Batch struct {
	Partition types.Partition
	Rows      []types.Row
}

// Router maps rows of one table to partitions.
type Router struct {
	table *types.Table
}

// NewRouter creates a router for a table snapshot.
func NewRouter(table *types.Table) *Router {
	return &Router{table: table}
}

// RouteRow computes the partition for a single row. Every partition field
// must be present and non-null. Timestamps are truncated to the minute for
// timestamp_minute fields; other types must match exactly.
func (r *Router) RouteRow(row types.Row) (types.Partition, error) {
	if len(r.table.Partitioning) == 0 {
		return types.Partition{}, nil
	}
	values := make([]types.PartitionValue, len(r.table.Partitioning))
	for i, f := range r.table.Partitioning {
		v, ok := row[f.Name]
		if !ok || v.IsNull() {
			return types.Partition{}, invalidPartition("partition field %q is missing or null", f.Name)
		}
		pv, err := coerce(f, v)
		if err != nil {
			return types.Partition{}, err
		}
		values[i] = pv
	}
	return types.NewPartition(values...), nil
}

func coerce(f types.PartitionField, v types.Value) (types.PartitionValue, error) {
	pv := types.PartitionValue{Field: f.Name, Type: f.Type}
	switch f.Type {
	case types.PartitionString:
		if v.Type() != types.TypeString {
			break
		}
		if err := types.ValidatePartitionString(v.Str()); err != nil {
			return pv, invalidPartition("field %q: %v", f.Name, err)
		}
		pv.Value = v
		return pv, nil
	case types.PartitionInt64:
		if v.Type() != types.TypeInt64 {
			break
		}
		pv.Value = v
		return pv, nil
	case types.PartitionBool:
		if v.Type() != types.TypeBool {
			break
		}
		pv.Value = v
		return pv, nil
	case types.PartitionTimestampMinute:
		if v.Type() != types.TypeTimestamp {
			break
		}
		pv.Value = types.TimeValue(v.Time().Truncate(time.Minute))
		return pv, nil
	}
	return pv, invalidPartition("field %q: cannot use %s value as %s partition", f.Name, v.Type(), f.Type)
}

// RouteRows groups rows by partition, preserving arrival order within each
// group and first-seen order across groups.
func (r *Router) RouteRows(rows []types.Row) ([]*Batch, error) {
	var batches []*Batch
	byKey := make(map[string]*Batch)
	for i, row := range rows {
		p, err := r.RouteRow(row)
		if err != nil {
			return nil, fmt.Errorf("routing: row %d: %w", i, err)
		}
		key := p.Key()
		b, ok := byKey[key]
		if !ok {
			b = &Batch{Partition: p}
			byKey[key] = b
			batches = append(batches, b)
		}
		b.Rows = append(b.Rows, row)
	}
	return batches, nil
}

func invalidPartition(format string, args ...interface{}) error {
	return dberrors.Newf(dberrors.ErrCategoryWrite, dberrors.CodeInvalidPartition, format, args...)
}
