package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pancakedb/pancakedb/internal/buffer"
	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/internal/storage"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// memSource serves partitions the way the engine does: segments are
// referenced when a snapshot is taken.
type memSource struct {
	table     *types.Table
	reclaimer *segment.Reclaimer
	parts     map[string]*memPartition
	order     []types.Partition
}

type memPartition struct {
	segs []*segment.Segment
	buf  *buffer.Buffer
}

func (s *memSource) Schema(ctx context.Context, table string) (*types.Table, error) {
	if table != s.table.Name {
		return nil, dberrors.NotFound(dberrors.ErrCategoryQuery, "table %q not found", table)
	}
	return s.table, nil
}

func (s *memSource) Partitions(ctx context.Context, table string) ([]types.Partition, error) {
	return s.order, nil
}

func (s *memSource) Snapshot(table string, p types.Partition) (Snapshot, bool) {
	mp, ok := s.parts[p.Key()]
	if !ok {
		return Snapshot{}, false
	}
	segs := append([]*segment.Segment(nil), mp.segs...)
	s.reclaimer.Acquire(segs...)
	snap := Snapshot{Partition: p, Segments: segs}
	if mp.buf != nil {
		snap.Buffers = []buffer.View{mp.buf.Snapshot()}
	}
	return snap, true
}

type scanFixture struct {
	store     *segment.Store
	reclaimer *segment.Reclaimer
	src       *memSource
	planner   *Planner
	seq       map[string]uint64
}

func eventsTable() *types.Table {
	return &types.Table{
		Name: "events",
		Columns: []types.Column{
			{Name: "id", Type: types.TypeInt64},
			{Name: "user", Type: types.TypeString, Nullable: true},
		},
		Partitioning: []types.PartitionField{{Name: "region", Type: types.PartitionString}},
		Version:      1,
	}
}

func newScanFixture(t *testing.T) *scanFixture {
	t.Helper()
	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	store := segment.NewStore(backend, 2)
	reclaimer := segment.NewReclaimer(store, 0)
	src := &memSource{table: eventsTable(), reclaimer: reclaimer, parts: map[string]*memPartition{}}
	return &scanFixture{
		store:     store,
		reclaimer: reclaimer,
		src:       src,
		planner:   NewPlanner(store, reclaimer, nil),
		seq:       map[string]uint64{},
	}
}

func region(name string) types.Partition {
	return types.NewPartition(types.StringPart("region", name))
}

func (f *scanFixture) partition(p types.Partition) *memPartition {
	mp, ok := f.src.parts[p.Key()]
	if !ok {
		mp = &memPartition{}
		f.src.parts[p.Key()] = mp
		f.src.order = append(f.src.order, p)
		f.seq[p.Key()] = 1
	}
	return mp
}

func userRows(users map[int64]string, ids ...int64) []types.Row {
	rows := make([]types.Row, len(ids))
	for i, id := range ids {
		row := types.Row{"id": types.Int64Value(id), "user": types.Null()}
		if u, ok := users[id]; ok {
			row["user"] = types.StringValue(u)
		}
		rows[i] = row
	}
	return rows
}

// flush writes rows as a segment of p.
func (f *scanFixture) flush(t *testing.T, p types.Partition, rows []types.Row) *segment.Segment {
	t.Helper()
	mp := f.partition(p)
	tbl := f.src.table
	cols := map[string][]types.Value{}
	for _, row := range rows {
		for _, c := range tbl.Columns {
			cols[c.Name] = append(cols[c.Name], row[c.Name])
		}
	}
	enc, err := segment.EncodeColumns(tbl, cols, len(rows), segment.BuildOptions{})
	require.NoError(t, err)
	first := f.seq[p.Key()]
	seg, err := f.store.WriteSegment(context.Background(), enc, segment.Meta{
		Table:         tbl.Name,
		Partition:     p.Key(),
		MinSeq:        first,
		MaxSeq:        first + uint64(len(rows)) - 1,
		SchemaVersion: tbl.Version,
	})
	require.NoError(t, err)
	f.seq[p.Key()] += uint64(len(rows))
	mp.segs = append(mp.segs, seg)
	return seg
}

// buffer adds rows to the active buffer of p.
func (f *scanFixture) buffer(p types.Partition, rows []types.Row) {
	mp := f.partition(p)
	if mp.buf == nil {
		mp.buf = buffer.New(f.seq[p.Key()])
	}
	mp.buf.Restore(f.seq[p.Key()], rows, f.src.table.Version)
	f.seq[p.Key()] += uint64(len(rows))
}

func (f *scanFixture) scan(t *testing.T, req ScanRequest) *Result {
	t.Helper()
	req.Table = "events"
	r, err := f.planner.Scan(context.Background(), f.src, req)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func ids(t *testing.T, r *Result) []int64 {
	t.Helper()
	rows, err := r.Collect()
	require.NoError(t, err)
	out := make([]int64, len(rows))
	for i, row := range rows {
		out[i] = row["id"].Int64()
	}
	return out
}

func TestScan_SegmentsThenBuffer(t *testing.T) {
	f := newScanFixture(t)
	us := region("us")
	f.flush(t, us, userRows(nil, 1, 2, 3))
	f.buffer(us, userRows(nil, 4, 5))

	r := f.scan(t, ScanRequest{Partition: &us})
	assert.Equal(t, []string{"id", "user", "region"}, r.Columns())

	rows, err := r.Collect()
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i, row := range rows {
		assert.Equal(t, int64(i+1), row["id"].Int64())
		assert.Equal(t, "us", row["region"].Str(), "partition fields are filled from the partition")
	}
	assert.Equal(t, 2, r.Stats().BufferedRows)
}

func TestScan_IsRestartable(t *testing.T) {
	f := newScanFixture(t)
	us := region("us")
	f.flush(t, us, userRows(nil, 1, 2))
	f.buffer(us, userRows(nil, 3))

	r := f.scan(t, ScanRequest{Partition: &us, Columns: []string{"id"}})
	assert.Equal(t, []int64{1, 2, 3}, ids(t, r))

	// Rows buffered after the scan started are not part of its snapshot.
	f.buffer(us, userRows(nil, 4))
	assert.Equal(t, []int64{1, 2, 3}, ids(t, r))

	var fromAll []int64
	for row, err := range r.All() {
		require.NoError(t, err)
		fromAll = append(fromAll, row["id"].Int64())
		if len(fromAll) == 2 {
			break
		}
	}
	assert.Equal(t, []int64{1, 2}, fromAll)
}

func TestScan_WholeTableInPartitionOrder(t *testing.T) {
	f := newScanFixture(t)
	eu, us := region("eu"), region("us")
	f.flush(t, eu, userRows(nil, 10, 11))
	f.flush(t, us, userRows(nil, 1))
	f.buffer(eu, userRows(nil, 12))

	r := f.scan(t, ScanRequest{})
	assert.Equal(t, []int64{10, 11, 12, 1}, ids(t, r))

	r = f.scan(t, ScanRequest{Predicate: Eq("region", types.StringValue("us"))})
	assert.Equal(t, []int64{1}, ids(t, r))
	assert.Equal(t, 2, r.Stats().TotalPartitions)
	assert.Equal(t, 1, r.Stats().PrunedPartitions)
}

func TestScan_PrunesSegments(t *testing.T) {
	f := newScanFixture(t)
	us := region("us")
	users := map[int64]string{1: "alice", 2: "bob", 3: "carol", 4: "dave", 5: "erin", 6: "frank"}
	f.flush(t, us, userRows(users, 1, 2, 3))
	second := f.flush(t, us, userRows(users, 4, 5, 6))

	// Zone maps exclude the first segment.
	r := f.scan(t, ScanRequest{Partition: &us, Predicate: Range("id", types.Int64Value(4), types.Null(), true, false)})
	assert.Equal(t, []int64{4, 5, 6}, ids(t, r))
	assert.Equal(t, 1, r.Stats().ZoneMapPruned)

	// "bz" lies inside the first segment's [alice, carol] range but not in
	// its bloom filter; "eve" lies inside [dave, frank] only.
	r = f.scan(t, ScanRequest{Partition: &us, Predicate: Eq("user", types.StringValue("bz"))})
	assert.Empty(t, ids(t, r))
	assert.Equal(t, 1, r.Stats().ZoneMapPruned)
	assert.LessOrEqual(t, r.Stats().BloomPruned, 1)

	r = f.scan(t, ScanRequest{Partition: &us, Predicate: And(
		In("user", types.StringValue("erin"), types.StringValue("alice")),
		Range("id", types.Int64Value(2), types.Int64Value(5), false, true),
	)})
	assert.Equal(t, []int64{5}, ids(t, r))

	// Pruned segments are released at once; the read segment when the
	// result closes.
	held := f.reclaimer.Refs(second)
	r = f.scan(t, ScanRequest{Partition: &us, Predicate: Eq("id", types.Int64Value(5))})
	assert.Equal(t, held+1, f.reclaimer.Refs(second))
	assert.Equal(t, []int64{5}, ids(t, r))
	require.NoError(t, r.Close())
	assert.Equal(t, held, f.reclaimer.Refs(second))
}

func TestScan_ColumnsAddedLaterReadAsNull(t *testing.T) {
	f := newScanFixture(t)
	us := region("us")
	f.flush(t, us, userRows(nil, 1, 2))

	evolved := f.src.table.Clone()
	evolved.Columns = append(evolved.Columns, types.Column{Name: "score", Type: types.TypeFloat64, Nullable: true})
	evolved.Version = 2
	f.src.table = evolved
	f.buffer(us, []types.Row{{"id": types.Int64Value(3), "user": types.Null(), "score": types.Float64Value(1.5)}})

	rows, err := f.scan(t, ScanRequest{Partition: &us, Columns: []string{"id", "score"}}).Collect()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, rows[0]["score"].IsNull())
	assert.True(t, rows[1]["score"].IsNull())
	assert.Equal(t, 1.5, rows[2]["score"].Float64())

	r := f.scan(t, ScanRequest{Partition: &us, Predicate: Eq("score", types.Float64Value(1.5))})
	assert.Equal(t, []int64{3}, ids(t, r))
	assert.Equal(t, 1, r.Stats().ZoneMapPruned, "a segment without the column holds only nulls")

	r = f.scan(t, ScanRequest{Partition: &us, Predicate: IsNull("score")})
	assert.Equal(t, []int64{1, 2}, ids(t, r))
	assert.Equal(t, 0, r.Stats().PrunedSegments())
}

func TestScan_SkipsCorruptSegments(t *testing.T) {
	f := newScanFixture(t)
	ctx := context.Background()
	us := region("us")
	bad := f.flush(t, us, userRows(nil, 1, 2))
	f.flush(t, us, userRows(nil, 3))

	data, err := f.store.Backend().GetObject(ctx, bad.DataPath())
	require.NoError(t, err)
	data[0] ^= 0xFF
	require.NoError(t, f.store.Backend().PutObject(ctx, bad.DataPath(), data))

	r := f.scan(t, ScanRequest{Partition: &us})
	assert.Equal(t, []int64{3}, ids(t, r))
	require.Len(t, r.Warnings(), 1)
	assert.Contains(t, r.Warnings()[0], bad.ID.String())

	// A second pass reports the segment once.
	assert.Equal(t, []int64{3}, ids(t, r))
	assert.Len(t, r.Warnings(), 1)
}

func TestScan_CancellationReleasesReferences(t *testing.T) {
	f := newScanFixture(t)
	us := region("us")
	seg := f.flush(t, us, userRows(nil, 1))

	ctx, cancel := context.WithCancel(context.Background())
	r, err := f.planner.Scan(ctx, f.src, ScanRequest{Table: "events", Partition: &us})
	require.NoError(t, err)
	assert.Equal(t, 1, f.reclaimer.Refs(seg))

	cancel()
	assert.Eventually(t, func() bool { return f.reclaimer.Refs(seg) == 0 }, time.Second, time.Millisecond)

	it := r.Iter()
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), context.Canceled)
}

func TestScan_ClosedResult(t *testing.T) {
	f := newScanFixture(t)
	us := region("us")
	f.flush(t, us, userRows(nil, 1))

	r := f.scan(t, ScanRequest{Partition: &us})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.Collect()
	assert.True(t, errors.Is(err, dberrors.ErrClosed), "got %v", err)
}

func TestScan_RejectsBadRequests(t *testing.T) {
	f := newScanFixture(t)
	ctx := context.Background()
	us := region("us")

	_, err := f.planner.Scan(ctx, f.src, ScanRequest{Table: "missing"})
	assert.True(t, errors.Is(err, dberrors.ErrNotFound))

	_, err = f.planner.Scan(ctx, f.src, ScanRequest{Table: "events", Columns: []string{"nope"}})
	assert.True(t, errors.Is(err, dberrors.ErrInvalidSchema))

	_, err = f.planner.Scan(ctx, f.src, ScanRequest{Table: "events", Predicate: Eq("id", types.StringValue("x"))})
	assert.True(t, errors.Is(err, dberrors.ErrInvalidSchema))

	wrong := types.NewPartition(types.Int64Part("shard", 1))
	_, err = f.planner.Scan(ctx, f.src, ScanRequest{Table: "events", Partition: &wrong})
	assert.True(t, errors.Is(err, dberrors.ErrInvalidPartition))

	// A partition that never received rows is empty.
	r, err := f.planner.Scan(ctx, f.src, ScanRequest{Table: "events", Partition: &us})
	require.NoError(t, err)
	assert.Empty(t, ids(t, r))
}
