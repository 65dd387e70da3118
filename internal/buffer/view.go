package buffer

import (
	"github.com/pancakedb/pancakedb/pkg/types"
)

// View is an immutable snapshot of a buffer's acknowledged rows in
// sequence order.
type View struct {
	entries []Entry
}

// Len returns the number of rows in the view.
func (v View) Len() int { return len(v.entries) }

// Entries returns the rows of the view. The slice must not be modified.
func (v View) Entries() []Entry { return v.entries }

// MinSeq returns the first sequence number, or 0 for an empty view.
func (v View) MinSeq() uint64 {
	if len(v.entries) == 0 {
		return 0
	}
	return v.entries[0].Seq
}

// MaxSeq returns the last sequence number, or 0 for an empty view.
func (v View) MaxSeq() uint64 {
	if len(v.entries) == 0 {
		return 0
	}
	return v.entries[len(v.entries)-1].Seq
}

// Columns pivots the view into column-major form for the given columns.
// Columns a row does not carry are null.
func (v View) Columns(names []string) map[string][]types.Value {
	out := make(map[string][]types.Value, len(names))
	for _, name := range names {
		col := make([]types.Value, len(v.entries))
		for i, e := range v.entries {
			col[i] = e.Row[name]
		}
		out[name] = col
	}
	return out
}

// MaxSchemaVersion returns the newest schema version among the rows.
func (v View) MaxSchemaVersion() int {
	max := 0
	for _, e := range v.entries {
		if e.SchemaVersion > max {
			max = e.SchemaVersion
		}
	}
	return max
}
