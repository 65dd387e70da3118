package query

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"sync"

	"github.com/pancakedb/pancakedb/internal/buffer"
	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// source is one unit of a scan, in output order.
type source struct {
	partition types.Partition
	seg       *segment.Segment
	view      buffer.View
}

// Result is a finite, restartable scan over a fixed snapshot.
type Result struct {
	ctx     context.Context
	planner *Planner
	table   *types.Table
	columns []string
	pred    *Predicate

	// stored are the table columns read from segments and buffers;
	// derived are partition fields filled from the partition.
	stored  []string
	derived []string

	sources []source
	held    []*segment.Segment
	stats   PruneStats

	mu       sync.Mutex
	closed   bool
	warnings []string
	skipped  map[string]bool
	stop     func() bool
}

func newResult(ctx context.Context, pl *Planner, table *types.Table, columns []string, pred *Predicate) *Result {
	r := &Result{
		ctx:     ctx,
		planner: pl,
		table:   table,
		columns: columns,
		pred:    pred,
		skipped: make(map[string]bool),
	}
	needed := append(append([]string(nil), columns...), pred.Columns()...)
	seen := make(map[string]bool)
	for _, name := range needed {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := table.Column(name); ok {
			r.stored = append(r.stored, name)
		} else {
			r.derived = append(r.derived, name)
		}
	}
	return r
}

// add appends a partition snapshot, releasing the segments pruning
// excludes right away.
func (r *Result) add(snap Snapshot) {
	var pruned []*segment.Segment
	for _, seg := range snap.Segments {
		r.stats.TotalSegments++
		switch stage := segmentMayMatch(r.pred, r.table, seg); stage {
		case "":
			r.sources = append(r.sources, source{partition: snap.Partition, seg: seg})
			r.held = append(r.held, seg)
			continue
		case StageBloom:
			r.stats.BloomPruned++
			r.planner.metrics.SegmentsPruned.WithLabelValues(stage).Inc()
		default:
			r.stats.ZoneMapPruned++
			r.planner.metrics.SegmentsPruned.WithLabelValues(stage).Inc()
		}
		pruned = append(pruned, seg)
	}
	if len(pruned) > 0 {
		r.planner.reclaimer.Release(pruned...)
	}
	for _, v := range snap.Buffers {
		if v.Len() == 0 {
			continue
		}
		r.stats.BufferedRows += v.Len()
		r.sources = append(r.sources, source{partition: snap.Partition, view: v})
	}
}

// watch closes the result when its context ends.
func (r *Result) watch() {
	stop := context.AfterFunc(r.ctx, func() { r.Close() })
	r.mu.Lock()
	r.stop = stop
	r.mu.Unlock()
}

// Columns returns the output columns in order.
func (r *Result) Columns() []string { return r.columns }

// Stats returns what pruning removed from the scan.
func (r *Result) Stats() PruneStats { return r.stats }

// Warnings lists the segments skipped because they failed verification.
func (r *Result) Warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.warnings...)
}

// Close releases the result's segment references. Iterators created
// before Close stop with an error. Close is idempotent.
func (r *Result) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stop := r.stop
	held := r.held
	r.held = nil
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	if len(held) > 0 {
		r.planner.reclaimer.Release(held...)
	}
	return nil
}

func (r *Result) check() error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return dberrors.Newf(dberrors.ErrCategoryQuery, dberrors.CodeClosed, "query: result is closed")
	}
	return nil
}

// Iter returns a new iterator from the start of the snapshot.
func (r *Result) Iter() *Iterator {
	return &Iterator{r: r}
}

// All iterates the snapshot from the start. A failure is yielded once as
// the last pair.
func (r *Result) All() iter.Seq2[types.Row, error] {
	return func(yield func(types.Row, error) bool) {
		it := r.Iter()
		for it.Next() {
			if !yield(it.Row(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Collect reads every row of the snapshot.
func (r *Result) Collect() ([]types.Row, error) {
	var rows []types.Row
	for row, err := range r.All() {
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (r *Result) warn(seg *segment.Segment, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.skipped[seg.Dir()] {
		return
	}
	r.skipped[seg.Dir()] = true
	msg := fmt.Sprintf("segment %s of %s/%s skipped: %v", seg.ID, seg.Table, seg.Partition, err)
	r.warnings = append(r.warnings, msg)
	r.planner.metrics.CorruptSegments.Inc()
	log.Printf("query: %s", msg)
}

// load decodes one source into output rows that pass the predicate.
func (r *Result) load(src source) ([]types.Row, error) {
	if src.seg == nil {
		entries := src.view.Entries()
		rows := make([]types.Row, 0, len(entries))
		for _, e := range entries {
			if row, ok := r.emit(src.partition, func(name string) types.Value { return e.Row[name] }); ok {
				rows = append(rows, row)
			}
		}
		return rows, nil
	}

	r.planner.metrics.SegmentsScanned.Inc()
	values, err := r.planner.store.ReadColumns(r.ctx, src.seg, r.stored)
	if err != nil {
		if errors.Is(err, dberrors.ErrCorruptBlock) {
			r.warn(src.seg, err)
			return nil, nil
		}
		return nil, fmt.Errorf("query: failed to read segment %s: %w", src.seg.ID, err)
	}
	n := int(src.seg.RowCount)
	rows := make([]types.Row, 0, n)
	for i := 0; i < n; i++ {
		if row, ok := r.emit(src.partition, func(name string) types.Value { return values[name][i] }); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// emit assembles one row from its stored values and partition, filters
// it and projects it onto the output columns.
func (r *Result) emit(p types.Partition, get func(name string) types.Value) (types.Row, bool) {
	full := make(types.Row, len(r.stored)+len(r.derived))
	for _, name := range r.stored {
		full[name] = get(name)
	}
	for _, name := range r.derived {
		v, _ := p.Get(name)
		full[name] = v
	}
	if !r.pred.Match(full) {
		return nil, false
	}
	if len(full) == len(r.columns) {
		return full, true
	}
	out := make(types.Row, len(r.columns))
	for _, name := range r.columns {
		out[name] = full[name]
	}
	return out, true
}

// Iterator walks a result one row at a time. It is not safe for
// concurrent use; create one per goroutine.
type Iterator struct {
	r    *Result
	pos  int
	rows []types.Row
	i    int
	row  types.Row
	err  error
}

// Next advances to the next row. It returns false at the end or on error.
func (it *Iterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		if it.i < len(it.rows) {
			it.row = it.rows[it.i]
			it.i++
			return true
		}
		it.rows, it.i = nil, 0
		if it.pos >= len(it.r.sources) {
			return false
		}
		if err := it.r.check(); err != nil {
			it.err = err
			return false
		}
		src := it.r.sources[it.pos]
		it.pos++
		rows, err := it.r.load(src)
		if err != nil {
			it.err = err
			return false
		}
		it.rows = rows
	}
}

// Row returns the current row.
func (it *Iterator) Row() types.Row { return it.row }

// Err returns the error that stopped the iterator, if any.
func (it *Iterator) Err() error { return it.err }
