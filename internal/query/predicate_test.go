package query

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pancakedb/pancakedb/pkg/types"
)

func TestPredicate_Match(t *testing.T) {
	row := types.Row{
		"id":   types.Int64Value(7),
		"user": types.StringValue("bob"),
		"note": types.Null(),
	}
	tests := []struct {
		name string
		pred *Predicate
		want bool
	}{
		{"nil matches", nil, true},
		{"eq", Eq("id", types.Int64Value(7)), true},
		{"eq other", Eq("id", types.Int64Value(8)), false},
		{"eq on null", Eq("note", types.StringValue("x")), false},
		{"in", In("user", types.StringValue("amy"), types.StringValue("bob")), true},
		{"in miss", In("user", types.StringValue("amy")), false},
		{"is null", IsNull("note"), true},
		{"absent column is null", IsNull("missing"), true},
		{"is null on value", IsNull("id"), false},
		{"between", Between("id", types.Int64Value(1), types.Int64Value(7)), true},
		{"exclusive upper", Range("id", types.Int64Value(1), types.Int64Value(7), true, false), false},
		{"open lower", Range("id", types.Null(), types.Int64Value(10), false, false), true},
		{"range excludes null", Range("note", types.StringValue("a"), types.Null(), true, false), false},
		{"and", And(Eq("id", types.Int64Value(7)), Eq("user", types.StringValue("bob"))), true},
		{"and short", And(Eq("id", types.Int64Value(7)), IsNull("user")), false},
		{"and skips nil", And(nil, Eq("id", types.Int64Value(7))), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pred.Match(row))
		})
	}
}

func TestPredicate_Validate(t *testing.T) {
	table := eventsTable()
	valid := []*Predicate{
		nil,
		Eq("id", types.Int64Value(1)),
		Eq("region", types.StringValue("us")),
		In("user", types.StringValue("a")),
		Range("id", types.Int64Value(1), types.Null(), true, false),
		IsNull("user"),
		And(Eq("id", types.Int64Value(1)), IsNull("user")),
	}
	for _, p := range valid {
		assert.NoError(t, p.Validate(table), p.String())
	}

	invalid := []*Predicate{
		Eq("nope", types.Int64Value(1)),
		Eq("id", types.StringValue("1")),
		Eq("id", types.Null()),
		In("user"),
		Range("id", types.Null(), types.Null(), false, false),
		Range("id", types.Int64Value(1), types.Float64Value(2), true, true),
		And(Eq("id", types.Int64Value(1)), Eq("region", types.Int64Value(1))),
		{Op: "like", Column: "user"},
	}
	for _, p := range invalid {
		assert.Error(t, p.Validate(table), p.String())
	}
}

func TestPredicate_Columns(t *testing.T) {
	p := And(Eq("id", types.Int64Value(1)), IsNull("user"), Range("id", types.Int64Value(0), types.Null(), true, false))
	assert.Equal(t, []string{"id", "user"}, p.Columns())
	assert.Nil(t, (*Predicate)(nil).Columns())
}

func TestPartitionMayMatch(t *testing.T) {
	table := eventsTable()
	us := region("us")
	assert.True(t, partitionMayMatch(Eq("region", types.StringValue("us")), table, us))
	assert.False(t, partitionMayMatch(Eq("region", types.StringValue("eu")), table, us))
	assert.True(t, partitionMayMatch(Eq("id", types.Int64Value(1)), table, us), "column leaves are left to segments")
	assert.False(t, partitionMayMatch(And(Eq("id", types.Int64Value(1)), IsNull("region")), table, us))
}
