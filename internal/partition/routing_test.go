package partition

import (
	"errors"
	"testing"
	"time"

	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/pkg/types"
)

func eventsTable() *types.Table {
	return &types.Table{
		Name: "events",
		Columns: []types.Column{
			{Name: "event_id", Type: types.TypeString},
			{Name: "user_id", Type: types.TypeInt64},
			{Name: "note", Type: types.TypeString, Nullable: true},
		},
		Partitioning: []types.PartitionField{
			{Name: "region", Type: types.PartitionString},
			{Name: "minute", Type: types.PartitionTimestampMinute},
		},
		Version: 1,
	}
}

func TestRouteRow(t *testing.T) {
	ts := time.Date(2026, 2, 6, 12, 30, 45, 0, time.UTC)
	row := types.Row{
		"event_id": types.StringValue("e1"),
		"user_id":  types.Int64Value(1),
		"region":   types.StringValue("eu-west"),
		"minute":   types.TimeValue(ts),
	}

	p, err := NewRouter(eventsTable()).RouteRow(row)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := p.Key(), "region=eu-west/minute=2026-02-06T12:30"; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	v, _ := p.Get("minute")
	if !v.Time().Equal(ts.Truncate(time.Minute)) {
		t.Errorf("timestamp not truncated to the minute: %v", v.Time())
	}
}

func TestRouteRowUnpartitioned(t *testing.T) {
	table := &types.Table{Name: "t", Columns: []types.Column{{Name: "a", Type: types.TypeInt64}}}
	p, err := NewRouter(table).RouteRow(types.Row{"a": types.Int64Value(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Key() != types.EmptyPartitionKey {
		t.Errorf("expected %q, got %q", types.EmptyPartitionKey, p.Key())
	}
}

func TestRouteRowInvalidPartition(t *testing.T) {
	now := types.TimeValue(time.Now())
	tests := []struct {
		name string
		row  types.Row
	}{
		{"missing field", types.Row{"minute": now}},
		{"null field", types.Row{"region": types.Null(), "minute": now}},
		{"wrong type", types.Row{"region": types.Int64Value(3), "minute": now}},
		{"bad characters", types.Row{"region": types.StringValue("eu/west"), "minute": now}},
		{"int as minute", types.Row{"region": types.StringValue("eu"), "minute": types.Int64Value(5)}},
	}
	router := NewRouter(eventsTable())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.RouteRow(tt.row)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, dberrors.ErrInvalidPartition) {
				t.Errorf("expected invalid partition error, got %v", err)
			}
		})
	}
}

func TestRouteRowsGroupsInArrivalOrder(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id, region string) types.Row {
		return types.Row{
			"event_id": types.StringValue(id),
			"user_id":  types.Int64Value(1),
			"region":   types.StringValue(region),
			"minute":   types.TimeValue(ts),
		}
	}
	rows := []types.Row{mk("1", "b"), mk("2", "a"), mk("3", "b"), mk("4", "a"), mk("5", "b")}

	batches, err := NewRouter(eventsTable()).RouteRows(rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	var ids []string
	for _, r := range batches[0].Rows {
		ids = append(ids, r["event_id"].Str())
	}
	if got := batches[0].Partition.Key(); got != "region=b/minute=2026-01-01T00:00" {
		t.Errorf("first batch should be the first-seen partition, got %s", got)
	}
	if len(ids) != 3 || ids[0] != "1" || ids[1] != "3" || ids[2] != "5" {
		t.Errorf("unexpected order %v", ids)
	}
	if len(batches[1].Rows) != 2 {
		t.Errorf("expected 2 rows in second batch, got %d", len(batches[1].Rows))
	}
}

func TestRouteRowsFailsWholeBatch(t *testing.T) {
	rows := []types.Row{
		{"region": types.StringValue("a"), "minute": types.TimeValue(time.Now())},
		{"region": types.StringValue("a")},
	}
	if _, err := NewRouter(eventsTable()).RouteRows(rows); !errors.Is(err, dberrors.ErrInvalidPartition) {
		t.Fatalf("expected invalid partition error, got %v", err)
	}
}
