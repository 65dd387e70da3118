package compaction

import (
	"context"
	"fmt"

	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// ValidationResult holds the outcome of a compaction validation.
type ValidationResult struct {
	Valid            bool
	ExpectedRowCount int64
	ActualRowCount   int64
	ExpectedDigest   uint64
	ActualDigest     uint64
	Errors           []string
}

// Validator checks a merged segment against its inputs before it is
// allowed to replace them.
type Validator struct {
	store *segment.Store
}

// NewValidator creates a validator reading through store.
func NewValidator(store *segment.Store) *Validator {
	return &Validator{store: store}
}

// Validate verifies the row count, sequence range and identifier of the
// merged segment, then reads it back and compares its content digest with
// the one computed while merging.
func (v *Validator) Validate(ctx context.Context, table *types.Table, result *MergeResult, inputs []*segment.Segment) (*ValidationResult, error) {
	vr := &ValidationResult{Valid: true, ExpectedDigest: result.Digest}
	out := result.Segment
	fail := func(format string, args ...interface{}) {
		vr.Valid = false
		vr.Errors = append(vr.Errors, fmt.Sprintf(format, args...))
	}

	var maxGen uint32
	for _, in := range inputs {
		vr.ExpectedRowCount += in.RowCount
		if in.ID.Gen > maxGen {
			maxGen = in.ID.Gen
		}
	}
	vr.ActualRowCount = out.RowCount
	if out.RowCount != vr.ExpectedRowCount {
		fail("row count mismatch: expected %d (sum of inputs), got %d", vr.ExpectedRowCount, out.RowCount)
	}

	first, last := inputs[0], inputs[len(inputs)-1]
	if out.MinSeq != first.MinSeq || out.MaxSeq != last.MaxSeq {
		fail("sequence range mismatch: expected [%d, %d], got [%d, %d]", first.MinSeq, last.MaxSeq, out.MinSeq, out.MaxSeq)
	}
	if want := (segment.ID{Seq: last.ID.Seq, Gen: maxGen + 1}); out.ID != want {
		fail("identifier mismatch: expected %s, got %s", want, out.ID)
	}

	names := table.ColumnNames()
	columns, err := v.store.ReadColumns(ctx, out, names)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fail("failed to read merged segment: %v", err)
		return vr, nil
	}
	vr.ActualDigest = columnDigest(names, columns)
	if vr.ActualDigest != vr.ExpectedDigest {
		fail("content digest mismatch: inputs=%016x, merged=%016x", vr.ExpectedDigest, vr.ActualDigest)
	}
	return vr, nil
}
