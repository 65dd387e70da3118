package engine

import (
	"context"
	"errors"

	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/query"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// Read scans a table, or one partition of it when partition is not nil.
// Rows come in causal order: each partition's segments by ID, then its
// buffered rows by sequence. Empty columns selects every column and
// partition field. The result holds its snapshot until closed.
func (e *Engine) Read(ctx context.Context, table string, partition *types.Partition, columns []string, pred *query.Predicate) (*query.Result, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, dberrors.New(dberrors.ErrCategoryQuery, dberrors.CodeClosed, "engine: closed")
	}
	return e.planner.Scan(ctx, e, query.ScanRequest{
		Table:     table,
		Partition: partition,
		Columns:   columns,
		Predicate: pred,
	})
}

// Snapshot captures a partition's segments and buffers for a scan.
func (e *Engine) Snapshot(table string, p types.Partition) (query.Snapshot, bool) {
	ps := e.lookup(table, p.Key())
	if ps == nil {
		return query.Snapshot{}, false
	}
	segs, views := ps.snapshot()
	return query.Snapshot{Partition: ps.partition, Segments: segs, Buffers: views}, true
}

// resolve returns the states of the partitions an operation covers: one
// when partition is set, else all of the table's.
func (e *Engine) resolve(ctx context.Context, table string, partition *types.Partition) ([]*partitionState, error) {
	tbl, err := e.catalog.GetTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if partition == nil {
		return e.tablePartitions(table), nil
	}
	if _, err := types.ParsePartitionKey(tbl.Partitioning, partition.Key()); err != nil {
		return nil, dberrors.Newf(dberrors.ErrCategoryWrite, dberrors.CodeInvalidPartition, "engine: %v", err)
	}
	if ps := e.lookup(table, partition.Key()); ps != nil {
		return []*partitionState{ps}, nil
	}
	return nil, nil
}

// Flush commits the buffered rows of a partition, or of every partition
// of the table when partition is nil, and returns once they are in
// segments. A partition without buffered rows is a no-op.
func (e *Engine) Flush(ctx context.Context, table string, partition *types.Partition) error {
	if err := e.checkOpenShared(dberrors.ErrCategoryFlush); err != nil {
		return err
	}
	parts, err := e.resolve(ctx, table, partition)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range parts {
		if err := e.flusher.FlushNow(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Compact merges the segments of a partition, or of every partition of
// the table when partition is nil, regardless of the compaction policy's
// thresholds.
func (e *Engine) Compact(ctx context.Context, table string, partition *types.Partition) error {
	if err := e.checkOpenShared(dberrors.ErrCategoryCompaction); err != nil {
		return err
	}
	parts, err := e.resolve(ctx, table, partition)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range parts {
		if _, err := e.compactor.Compact(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) checkOpenShared(cat dberrors.ErrorCategory) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkOpen(cat)
}
