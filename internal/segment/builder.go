package segment

import (
	"fmt"

	"github.com/pancakedb/pancakedb/internal/bloom"
	"github.com/pancakedb/pancakedb/internal/codec"
	"github.com/pancakedb/pancakedb/internal/partition"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// Encoded is a set of column blocks laid out back to back, ready to be
// written as a segment's data object.
type Encoded struct {
	Data     []byte
	Chunks   []ColumnChunk
	RowCount int64
}

// BuildOptions control segment encoding.
type BuildOptions struct {
	Codec    codec.Options
	BloomFPR float64
}

// EncodeColumns encodes every column of table. columns maps a column name
// to exactly rowCount values; a column with no entry is written as all
// nulls. Blooms are built for types that support equality pruning.
func EncodeColumns(table *types.Table, columns map[string][]types.Value, rowCount int, opts BuildOptions) (*Encoded, error) {
	fpr := opts.BloomFPR
	if fpr <= 0 || fpr >= 1 {
		fpr = bloom.DefaultFalsePositiveRate
	}
	out := &Encoded{RowCount: int64(rowCount)}
	stats := partition.NewStatsTracker()

	for _, col := range table.Columns {
		values, ok := columns[col.Name]
		if !ok {
			values = make([]types.Value, rowCount)
		}
		if len(values) != rowCount {
			return nil, fmt.Errorf("segment: column %q has %d values, want %d", col.Name, len(values), rowCount)
		}

		blk, data, err := codec.Encode(col.Type, values, opts.Codec)
		if err != nil {
			return nil, fmt.Errorf("segment: column %q: %w", col.Name, err)
		}
		stats.UpdateColumn(col.Name, values)

		chunk := chunkFor(col.Name, blk, int64(len(out.Data)), data)
		chunk.Stats, _ = stats.Column(col.Name)
		if wantsBloom(col.Type) && blk.NullCount < rowCount {
			f := bloom.NewWithEstimates(rowCount-blk.NullCount, fpr)
			for _, v := range values {
				f.AddValue(v)
			}
			if chunk.Bloom, err = f.MarshalBinary(); err != nil {
				return nil, fmt.Errorf("segment: column %q bloom: %w", col.Name, err)
			}
		}
		out.Data = append(out.Data, data...)
		out.Chunks = append(out.Chunks, chunk)
	}
	return out, nil
}

func wantsBloom(dt types.DataType) bool {
	switch dt {
	case types.TypeString, types.TypeBytes, types.TypeInt64, types.TypeTimestamp:
		return true
	}
	return false
}
