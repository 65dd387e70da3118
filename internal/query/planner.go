package query

import (
	"context"
	"fmt"

	"github.com/pancakedb/pancakedb/internal/buffer"
	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/metrics"
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// Snapshot is a point-in-time view of one partition.
type Snapshot struct {
	Partition types.Partition
	// Segments are the live segments in ID order. The source has taken a
	// reader reference on each; the planner releases them.
	Segments []*segment.Segment
	// Buffers are the frozen buffers awaiting flush, oldest first, then
	// the active buffer.
	Buffers []buffer.View
}

// Source is what the planner reads from.
type Source interface {
	Schema(ctx context.Context, table string) (*types.Table, error)
	// Partitions lists the known partitions of a table in key order.
	Partitions(ctx context.Context, table string) ([]types.Partition, error)
	// Snapshot captures the segment list and buffers of a partition
	// atomically and references the segments. ok is false when the
	// partition holds no data.
	Snapshot(table string, p types.Partition) (snap Snapshot, ok bool)
}

// ScanRequest describes a scan. A nil Partition scans every partition of
// the table in key order; empty Columns selects all columns followed by
// the partition fields that are not columns.
type ScanRequest struct {
	Table     string
	Partition *types.Partition
	Columns   []string
	Predicate *Predicate
}

// Planner turns scan requests into results.
type Planner struct {
	store     *segment.Store
	reclaimer *segment.Reclaimer
	metrics   *metrics.Metrics
}

// NewPlanner creates a planner reading segments through store.
func NewPlanner(store *segment.Store, reclaimer *segment.Reclaimer, m *metrics.Metrics) *Planner {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Planner{store: store, reclaimer: reclaimer, metrics: m}
}

// Scan validates req, snapshots the partitions it covers and prunes what
// cannot match. Nothing is decoded until the result is iterated. The
// result holds segment references until it is closed or ctx ends.
func (pl *Planner) Scan(ctx context.Context, src Source, req ScanRequest) (*Result, error) {
	table, err := src.Schema(ctx, req.Table)
	if err != nil {
		return nil, err
	}
	if err := req.Predicate.Validate(table); err != nil {
		return nil, err
	}
	columns, err := outputColumns(table, req.Columns)
	if err != nil {
		return nil, err
	}

	var partitions []types.Partition
	if req.Partition != nil {
		if _, err := types.ParsePartitionKey(table.Partitioning, req.Partition.Key()); err != nil {
			return nil, dberrors.Newf(dberrors.ErrCategoryQuery, dberrors.CodeInvalidPartition,
				"query: %v", err)
		}
		partitions = []types.Partition{*req.Partition}
	} else {
		partitions, err = src.Partitions(ctx, req.Table)
		if err != nil {
			return nil, fmt.Errorf("query: failed to list partitions: %w", err)
		}
	}

	pl.metrics.Scans.WithLabelValues(table.Name).Inc()
	req.Predicate.walk(func(leaf *Predicate) {
		pl.metrics.ScanPredicates.WithLabelValues(table.Name, leaf.Column, string(leaf.Op)).Inc()
	})

	r := newResult(ctx, pl, table, columns, req.Predicate)
	r.stats.TotalPartitions = len(partitions)
	for _, p := range partitions {
		if !partitionMayMatch(req.Predicate, table, p) {
			r.stats.PrunedPartitions++
			pl.metrics.SegmentsPruned.WithLabelValues(StagePartition).Inc()
			continue
		}
		snap, ok := src.Snapshot(table.Name, p)
		if !ok {
			continue
		}
		r.add(snap)
	}
	r.watch()
	return r, nil
}

// outputColumns resolves the requested columns against the table.
func outputColumns(table *types.Table, requested []string) ([]string, error) {
	if len(requested) == 0 {
		out := table.ColumnNames()
		for _, f := range table.Partitioning {
			if _, ok := table.Column(f.Name); !ok {
				out = append(out, f.Name)
			}
		}
		return out, nil
	}
	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		if seen[name] {
			continue
		}
		seen[name] = true
		_, isColumn := table.Column(name)
		_, isField := table.PartitionField(name)
		if !isColumn && !isField {
			return nil, dberrors.Newf(dberrors.ErrCategoryQuery, dberrors.CodeInvalidSchema,
				"query: unknown column %q in table %q", name, table.Name)
		}
		out = append(out, name)
	}
	return out, nil
}
