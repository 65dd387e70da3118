package engine

import (
	"context"
	"fmt"

	"github.com/pancakedb/pancakedb/internal/buffer"
	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/partition"
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// Write validates rows against the table's current schema, routes them to
// their partitions and returns once every row is durable in its
// partition's log. Validation failures reject the whole call. Rows of one
// partition are appended atomically and in order; a durability failure in
// one partition leaves the rows already acknowledged for others.
func (e *Engine) Write(ctx context.Context, table string, rows []types.Row) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen(dberrors.ErrCategoryWrite); err != nil {
		return err
	}
	err := e.write(ctx, table, rows)
	if err != nil {
		e.metrics.WriteRejected.WithLabelValues(codeLabel(err)).Inc()
	}
	return err
}

func (e *Engine) write(ctx context.Context, table string, rows []types.Row) error {
	tbl, err := e.catalog.GetTable(ctx, table)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	batches, err := partition.NewRouter(tbl).RouteRows(rows)
	if err != nil {
		return err
	}
	validator := partition.NewValidator(tbl)
	normalized := make([][]types.Row, len(batches))
	for i, b := range batches {
		if normalized[i], err = validator.Normalize(b.Rows); err != nil {
			return err
		}
	}

	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		ps, err := e.partitionFor(ctx, tbl.Name, b.Partition)
		if err != nil {
			return err
		}
		if err := ps.append(normalized[i], tbl.Version); err != nil {
			return err
		}
		e.metrics.RowsWritten.WithLabelValues(tbl.Name).Add(float64(len(b.Rows)))
		e.flusher.Notify(ps)
	}
	return nil
}

func codeLabel(err error) string {
	if code := dberrors.GetCode(err); code != "" {
		return code
	}
	return dberrors.CodeUnexpected
}

// writeSegment encodes a frozen buffer under the table's current schema and
// writes it as a flush segment. Columns added after a row was written are
// null for that row.
func (e *Engine) writeSegment(ctx context.Context, p *partitionState, view buffer.View) (*segment.Segment, error) {
	tbl, err := e.catalog.GetTable(ctx, p.table)
	if err != nil {
		return nil, err
	}
	if v := view.MaxSchemaVersion(); v > tbl.Version {
		return nil, dberrors.NewInternalError(
			fmt.Sprintf("engine: buffered rows of %s/%s use schema version %d, catalog has %d", p.table, p.key, v, tbl.Version), nil)
	}

	entries := view.Entries()
	columns := make(map[string][]types.Value, len(tbl.Columns))
	for _, col := range tbl.Columns {
		values := make([]types.Value, len(entries))
		for i, entry := range entries {
			values[i] = entry.Row[col.Name]
		}
		columns[col.Name] = values
	}
	enc, err := segment.EncodeColumns(tbl, columns, len(entries), e.cfg.Build)
	if err != nil {
		return nil, dberrors.NewFlushError(dberrors.CodeUnexpected,
			fmt.Sprintf("engine: failed to encode %s/%s", p.table, p.key), err)
	}
	seg, err := e.store.WriteSegment(ctx, enc, segment.Meta{
		Table:         p.table,
		Partition:     p.key,
		MinSeq:        view.MinSeq(),
		MaxSeq:        view.MaxSeq(),
		SchemaVersion: tbl.Version,
	})
	if err != nil {
		return nil, dberrors.NewFlushError(dberrors.CodeIOFailed,
			fmt.Sprintf("engine: failed to write segment of %s/%s", p.table, p.key), err)
	}
	return seg, nil
}
