package query

import (
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// Pruning stages, in the order they run.
const (
	StagePartition = "partition"
	StageZoneMap   = "zone_map"
	StageBloom     = "bloom"
)

// PruneStats counts what each pruning stage removed from a scan.
type PruneStats struct {
	TotalPartitions  int
	PrunedPartitions int
	TotalSegments    int
	ZoneMapPruned    int
	BloomPruned      int
	BufferedRows     int
}

// PrunedSegments returns the number of segments skipped without decoding.
func (s PruneStats) PrunedSegments() int { return s.ZoneMapPruned + s.BloomPruned }

// exactPartitionValue returns the value every row of p carries in field,
// when the partition determines it. A timestamp_minute field that is also
// a column only bounds the column to one minute, so it is not exact.
func exactPartitionValue(table *types.Table, p types.Partition, field string) (types.Value, bool) {
	f, ok := table.PartitionField(field)
	if !ok {
		return types.Value{}, false
	}
	if _, isColumn := table.Column(field); isColumn && f.Type == types.PartitionTimestampMinute {
		return types.Value{}, false
	}
	return p.Get(field)
}

// partitionMayMatch evaluates the leaves on partition fields against the
// partition's values before anything is read. Other leaves may match.
func partitionMayMatch(pred *Predicate, table *types.Table, p types.Partition) bool {
	if pred == nil {
		return true
	}
	if pred.Op == OpAnd {
		for _, c := range pred.Children {
			if !partitionMayMatch(c, table, p) {
				return false
			}
		}
		return true
	}
	v, ok := exactPartitionValue(table, p, pred.Column)
	if !ok {
		return true
	}
	return pred.matchValue(v, nil)
}

// segmentMayMatch checks the stored column leaves against the segment's
// zone maps and bloom filters. It returns the stage that excluded the
// segment, or "" when the segment must be read.
func segmentMayMatch(pred *Predicate, table *types.Table, seg *segment.Segment) string {
	if pred == nil {
		return ""
	}
	if pred.Op == OpAnd {
		for _, c := range pred.Children {
			if stage := segmentMayMatch(c, table, seg); stage != "" {
				return stage
			}
		}
		return ""
	}
	if _, stored := table.Column(pred.Column); !stored {
		return ""
	}

	chunk, ok := seg.Column(pred.Column)
	if !ok {
		// The column postdates the segment: every row is null.
		if pred.Op == OpIsNull {
			return ""
		}
		return StageZoneMap
	}
	stats := chunk.Stats

	switch pred.Op {
	case OpIsNull:
		if stats.NullCount == 0 {
			return StageZoneMap
		}
		return ""
	case OpEq:
		if !stats.MayContain(pred.Value) {
			return StageZoneMap
		}
		if f, ok := seg.Bloom(pred.Column); ok && !f.MayContain(pred.Value) {
			return StageBloom
		}
		return ""
	case OpIn:
		inRange := false
		for _, v := range pred.Values {
			if stats.MayContain(v) {
				inRange = true
				break
			}
		}
		if !inRange {
			return StageZoneMap
		}
		if f, ok := seg.Bloom(pred.Column); ok {
			for _, v := range pred.Values {
				if f.MayContain(v) {
					return ""
				}
			}
			return StageBloom
		}
		return ""
	case OpRange:
		// Bound inclusivity is ignored here; the row filter applies it.
		if !stats.Overlaps(pred.Min, pred.Max) {
			return StageZoneMap
		}
		return ""
	}
	return ""
}
