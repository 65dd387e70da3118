// Package compaction merges runs of small segments of a partition into
// one, keeping reads transparent, and removes what the merges leave behind.
package compaction

import (
	"time"

	"github.com/pancakedb/pancakedb/internal/segment"
)

const (
	// DefaultMaxSegments is the live segment count at which a partition
	// becomes a compaction candidate.
	DefaultMaxSegments = 8

	// DefaultMinAvgSegmentBytes is the average segment size below which a
	// partition with at least two segments is compacted (8MB).
	DefaultMinAvgSegmentBytes int64 = 8 * 1024 * 1024

	// DefaultMaxRunSegments bounds how many segments one compaction merges.
	DefaultMaxRunSegments = 32
)

// Reason describes why segments were selected.
type Reason string

const (
	ReasonTooManySegments Reason = "too_many_segments"
	ReasonSmallSegments   Reason = "small_segments"
	ReasonManual          Reason = "manual"
)

// Policy decides when a partition is compacted and which segments.
type Policy struct {
	// MaxSegments triggers compaction once a partition has this many live
	// segments.
	MaxSegments int `json:"max_segments" yaml:"max_segments"`
	// MinAvgSegmentBytes triggers compaction when the average segment is
	// smaller.
	MinAvgSegmentBytes int64 `json:"min_avg_segment_bytes" yaml:"min_avg_segment_bytes"`
	// MaxRunSegments caps the number of segments merged at once.
	MaxRunSegments int `json:"max_run_segments" yaml:"max_run_segments"`
	// MinRowsForCompaction skips partitions holding fewer rows.
	MinRowsForCompaction int64 `json:"min_rows_for_compaction" yaml:"min_rows_for_compaction"`
	// MinInterval is the minimum time between compactions of one partition.
	MinInterval time.Duration `json:"min_interval" yaml:"min_interval"`
}

// DefaultPolicy returns the default compaction policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxSegments:        DefaultMaxSegments,
		MinAvgSegmentBytes: DefaultMinAvgSegmentBytes,
		MaxRunSegments:     DefaultMaxRunSegments,
		MinInterval:        time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxSegments < 2 {
		p.MaxSegments = d.MaxSegments
	}
	if p.MinAvgSegmentBytes < 0 {
		p.MinAvgSegmentBytes = 0
	}
	if p.MaxRunSegments < 2 {
		p.MaxRunSegments = d.MaxRunSegments
	}
	return p
}

// Selection is a run of segments chosen for one compaction.
type Selection struct {
	Start, End int // segs[Start:End]
	Reason     Reason
}

// Select picks the segments of a partition to merge. segs must be the live
// segments in ID order. Unless force is set the policy's thresholds apply;
// forced selection only needs two segments.
func (p Policy) Select(segs []*segment.Segment, force bool) (Selection, bool) {
	p = p.withDefaults()
	n := len(segs)
	if n < 2 {
		return Selection{}, false
	}

	var rows, bytes int64
	for _, s := range segs {
		rows += s.RowCount
		bytes += s.DataSize
	}
	if !force && rows < p.MinRowsForCompaction {
		return Selection{}, false
	}

	var reason Reason
	switch {
	case n >= p.MaxSegments:
		reason = ReasonTooManySegments
	case bytes/int64(n) < p.MinAvgSegmentBytes:
		reason = ReasonSmallSegments
	case force:
		reason = ReasonManual
	default:
		return Selection{}, false
	}

	start, end := longestSmallRun(segs, p.MinAvgSegmentBytes)
	if end-start < 2 {
		start, end = 0, n
	}
	if end-start > p.MaxRunSegments {
		end = start + p.MaxRunSegments
	}
	return Selection{Start: start, End: end, Reason: reason}, true
}

// longestSmallRun returns the longest contiguous run of segments smaller
// than limit; the oldest run wins ties.
func longestSmallRun(segs []*segment.Segment, limit int64) (int, int) {
	bestStart, bestEnd := 0, 0
	start := -1
	for i := 0; i <= len(segs); i++ {
		small := i < len(segs) && segs[i].DataSize < limit
		if small && start < 0 {
			start = i
		}
		if !small && start >= 0 {
			if i-start > bestEnd-bestStart {
				bestStart, bestEnd = start, i
			}
			start = -1
		}
	}
	return bestStart, bestEnd
}
