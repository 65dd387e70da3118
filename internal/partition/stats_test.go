package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pancakedb/pancakedb/pkg/types"
)

func TestStatsTracker(t *testing.T) {
	s := NewStatsTracker()
	cols := []string{"n", "s"}
	s.UpdateRow(cols, types.Row{"n": types.Int64Value(5), "s": types.StringValue("m")})
	s.UpdateRow(cols, types.Row{"n": types.Int64Value(-3), "s": types.Null()})
	s.UpdateRow(cols, types.Row{"n": types.Int64Value(9), "s": types.StringValue("a")})

	assert.Equal(t, int64(3), s.RowCount())

	n, ok := s.Column("n")
	assert.True(t, ok)
	assert.Equal(t, int64(-3), n.Min.Int64())
	assert.Equal(t, int64(9), n.Max.Int64())
	assert.Equal(t, int64(0), n.NullCount)

	str, _ := s.Column("s")
	assert.Equal(t, "a", str.Min.Str())
	assert.Equal(t, "m", str.Max.Str())
	assert.Equal(t, int64(1), str.NullCount)
}

func TestColumnStats_Pruning(t *testing.T) {
	s := NewStatsTracker()
	s.UpdateColumn("n", []types.Value{types.Int64Value(10), types.Int64Value(20)})
	st, _ := s.Column("n")

	assert.True(t, st.MayContain(types.Int64Value(15)))
	assert.False(t, st.MayContain(types.Int64Value(21)))
	assert.False(t, st.MayContain(types.Null()))
	assert.False(t, st.MayContain(types.StringValue("15")))

	assert.True(t, st.Overlaps(types.Int64Value(18), types.Null()))
	assert.True(t, st.Overlaps(types.Null(), types.Int64Value(10)))
	assert.False(t, st.Overlaps(types.Int64Value(21), types.Int64Value(30)))
	assert.False(t, st.Overlaps(types.Null(), types.Int64Value(9)))

	empty := ColumnStats{NullCount: 4}
	assert.True(t, empty.MayContain(types.Null()))
	assert.False(t, empty.Overlaps(types.Null(), types.Null()))
}
