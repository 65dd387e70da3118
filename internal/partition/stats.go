package partition

import (
	"github.com/pancakedb/pancakedb/pkg/types"
)

// ColumnStats is the zone map of one column over a set of rows. Min and
// Max are null when every value is null.
type ColumnStats struct {
	Min       types.Value `json:"min"`
	Max       types.Value `json:"max"`
	NullCount int64       `json:"null_count"`
}

// StatsTracker tracks min/max statistics for every column while a segment
// is built.
type StatsTracker struct {
	rowCount int64
	columns  map[string]*ColumnStats
}

// NewStatsTracker creates a new statistics tracker.
func NewStatsTracker() *StatsTracker {
	return &StatsTracker{columns: make(map[string]*ColumnStats)}
}

// Update folds one value of a column into its statistics.
func (s *StatsTracker) Update(column string, v types.Value) {
	st, ok := s.columns[column]
	if !ok {
		st = &ColumnStats{}
		s.columns[column] = st
	}
	if v.IsNull() {
		st.NullCount++
		return
	}
	if st.Min.IsNull() || v.Compare(st.Min) < 0 {
		st.Min = v
	}
	if st.Max.IsNull() || v.Compare(st.Max) > 0 {
		st.Max = v
	}
}

// UpdateRow folds every listed column of a row and counts the row.
func (s *StatsTracker) UpdateRow(columns []string, row types.Row) {
	s.rowCount++
	for _, c := range columns {
		s.Update(c, row[c])
	}
}

// UpdateColumn folds a whole column.
func (s *StatsTracker) UpdateColumn(column string, values []types.Value) {
	for _, v := range values {
		s.Update(column, v)
	}
	if n := int64(len(values)); n > s.rowCount {
		s.rowCount = n
	}
}

// RowCount returns the number of rows seen.
func (s *StatsTracker) RowCount() int64 {
	return s.rowCount
}

// Column returns the statistics of a column.
func (s *StatsTracker) Column(name string) (ColumnStats, bool) {
	st, ok := s.columns[name]
	if !ok {
		return ColumnStats{}, false
	}
	return *st, true
}

// MayContain reports whether a value could be present given the zone map.
// Null lookups consult the null count.
func (c ColumnStats) MayContain(v types.Value) bool {
	if v.IsNull() {
		return c.NullCount > 0
	}
	if c.Min.IsNull() || c.Min.Type() != v.Type() {
		return false
	}
	return v.Compare(c.Min) >= 0 && v.Compare(c.Max) <= 0
}

// Overlaps reports whether any non-null value in [lo, hi] could be present.
// A null bound is open.
func (c ColumnStats) Overlaps(lo, hi types.Value) bool {
	if c.Min.IsNull() {
		return false
	}
	if !lo.IsNull() && (lo.Type() != c.Max.Type() || c.Max.Compare(lo) < 0) {
		return false
	}
	if !hi.IsNull() && (hi.Type() != c.Min.Type() || c.Min.Compare(hi) > 0) {
		return false
	}
	return true
}
