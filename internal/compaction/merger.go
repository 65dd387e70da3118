package compaction

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// Merger concatenates a run of segments into one new segment.
type Merger struct {
	store *segment.Store
	opts  segment.BuildOptions
}

// NewMerger creates a merger writing through store.
func NewMerger(store *segment.Store, opts segment.BuildOptions) *Merger {
	return &Merger{store: store, opts: opts}
}

// MergeResult is the output of a merge.
type MergeResult struct {
	Segment   *segment.Segment
	TotalRows int64
	SourceIDs []segment.ID
	// Digest covers every merged value in row order, for validation.
	Digest uint64
}

// Merge decodes every input in creation order, re-encodes the rows under
// the table's current schema and writes the result. Columns an input
// predates are read as null. The output takes the last input's sequence
// number and a generation above every input, so it sorts exactly where
// the run sat and its ID was never used before.
func (m *Merger) Merge(ctx context.Context, table *types.Table, partitionKey string, inputs []*segment.Segment) (*MergeResult, error) {
	if len(inputs) < 2 {
		return nil, fmt.Errorf("compaction: need at least 2 segments to merge, got %d", len(inputs))
	}

	names := table.ColumnNames()
	columns := make(map[string][]types.Value, len(names))
	var (
		total  int64
		maxGen uint32
		ids    = make([]segment.ID, 0, len(inputs))
	)
	for _, seg := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		values, err := m.store.ReadColumns(ctx, seg, names)
		if err != nil {
			return nil, fmt.Errorf("compaction: failed to read segment %s: %w", seg.ID, err)
		}
		for _, name := range names {
			columns[name] = append(columns[name], values[name]...)
		}
		total += seg.RowCount
		if seg.ID.Gen > maxGen {
			maxGen = seg.ID.Gen
		}
		ids = append(ids, seg.ID)
	}

	enc, err := segment.EncodeColumns(table, columns, int(total), m.opts)
	if err != nil {
		return nil, fmt.Errorf("compaction: failed to encode merged segment: %w", err)
	}
	first, last := inputs[0], inputs[len(inputs)-1]
	out, err := m.store.WriteSegment(ctx, enc, segment.Meta{
		Table:         table.Name,
		Partition:     partitionKey,
		MinSeq:        first.MinSeq,
		MaxSeq:        last.MaxSeq,
		Gen:           maxGen + 1,
		SchemaVersion: table.Version,
		Sources:       ids,
	})
	if err != nil {
		return nil, fmt.Errorf("compaction: failed to write merged segment: %w", err)
	}

	return &MergeResult{
		Segment:   out,
		TotalRows: total,
		SourceIDs: ids,
		Digest:    columnDigest(names, columns),
	}, nil
}

// columnDigest hashes columns in the given order. Each value contributes
// its type, length and bytes so adjacent values cannot alias.
func columnDigest(names []string, columns map[string][]types.Value) uint64 {
	h := xxhash.New()
	var hdr []byte
	for _, name := range names {
		h.WriteString(name)
		for _, v := range columns[name] {
			key := v.HashKey()
			hdr = append(hdr[:0], string(v.Type())...)
			hdr = append(hdr, 0)
			hdr = binary.AppendUvarint(hdr, uint64(len(key)))
			h.Write(hdr)
			h.Write(key)
		}
	}
	return h.Sum64()
}
