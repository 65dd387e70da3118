package engine

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/pancakedb/pancakedb/internal/buffer"
	"github.com/pancakedb/pancakedb/internal/catalog"
	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/internal/wal"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// restore rebuilds the in-memory state from the catalog, storage and the
// logs. Segment directories the catalog does not list are outputs of
// flushes or compactions interrupted before their commit, or inputs of a
// compaction whose deletion did not finish; nothing references them and
// they are removed.
func (e *Engine) restore(ctx context.Context) error {
	report, err := catalog.Reconcile(ctx, e.catalog, e.store, catalog.ReconcileOptions{RemoveOrphans: true})
	if err != nil {
		return fmt.Errorf("engine: startup reconciliation failed: %w", err)
	}
	if report.Removed > 0 {
		log.Printf("engine: removed %d unreferenced segment directories", report.Removed)
	}
	for _, dir := range report.Dangling {
		log.Printf("engine: live segment %s is missing from storage", dir)
	}
	dangling := make(map[string]bool, len(report.Dangling))
	for _, dir := range report.Dangling {
		dangling[dir] = true
	}

	tables, err := e.catalog.ListTables(ctx)
	if err != nil {
		return err
	}
	var replayed int
	for _, table := range tables {
		parts, err := e.catalog.ListPartitions(ctx, table)
		if err != nil {
			return err
		}
		for _, p := range parts {
			ps, rows, err := e.restorePartition(ctx, table, p, dangling)
			if err != nil {
				return err
			}
			e.parts[partitionID(table, ps.key)] = ps
			replayed += rows
		}
	}
	if replayed > 0 {
		log.Printf("engine: replayed %d unflushed rows from write-ahead logs", replayed)
	}
	return nil
}

func (e *Engine) restorePartition(ctx context.Context, table string, p types.Partition, dangling map[string]bool) (*partitionState, int, error) {
	key := p.Key()
	records, err := e.catalog.LiveSegments(ctx, table, key)
	if err != nil {
		return nil, 0, err
	}
	segs := make([]*segment.Segment, 0, len(records))
	for _, rec := range records {
		if dangling[rec.Dir] {
			continue
		}
		seg, err := e.store.OpenSegment(ctx, rec.Dir)
		if err != nil {
			if dberrors.GetCode(err) != dberrors.CodeCorruptBlock {
				return nil, 0, fmt.Errorf("engine: failed to open segment %s: %w", rec.Dir, err)
			}
			// Reads skip it; the catalog keeps it so its rows are not
			// replayed twice.
			log.Printf("engine: segment %s has a corrupt manifest and is excluded: %v", rec.Dir, err)
			continue
		}
		segs = append(segs, seg)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].ID.Less(segs[j].ID) })

	flushed, err := e.catalog.FlushedSeq(ctx, table, key)
	if err != nil {
		return nil, 0, err
	}
	dir := e.walDir(table, key)
	pending, stats, err := wal.Replay(dir, flushed)
	if err != nil {
		return nil, 0, dberrors.NewWriteError(dberrors.CodeDurability,
			fmt.Sprintf("engine: failed to replay log of %s/%s", table, key), err)
	}
	active := buffer.New(flushed + 1)
	rows := 0
	for _, rec := range pending {
		active.Restore(rec.FirstSeq, rec.Rows, rec.SchemaVersion)
		rows += len(rec.Rows)
	}
	if stats.Skipped > 0 {
		log.Printf("engine: %s/%s: %d log records were already flushed", table, key, stats.Skipped)
	}

	l, err := wal.Open(dir)
	if err != nil {
		return nil, 0, dberrors.NewWriteError(dberrors.CodeDurability,
			fmt.Sprintf("engine: failed to open log of %s/%s", table, key), err)
	}
	e.metrics.LiveSegments.Add(float64(len(segs)))
	e.metrics.BufferedRows.Add(float64(rows))
	return &partitionState{
		e:         e,
		table:     table,
		partition: p,
		key:       key,
		active:    active,
		log:       l,
		segments:  segs,
	}, rows, nil
}
