package compaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/events"
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/pkg/types"
)

func newDaemon(f *fixture, p *fakePartition, cfg Config, bus *events.Bus) (*Daemon, *fakeSource) {
	src := &fakeSource{f: f, parts: []Partition{p}}
	return NewDaemon(cfg, f.catalog, f.store, f.reclaimer, src, bus, nil), src
}

func segmentExists(t *testing.T, f *fixture, seg *segment.Segment) bool {
	t.Helper()
	ok, err := f.store.Backend().Exists(context.Background(), seg.ManifestPath())
	require.NoError(t, err)
	return ok
}

func TestDaemon_RunOnceCompactsAtThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.flush(t, 1, 2, 3)
	second := f.flush(t, 4, 5)
	p := &fakePartition{segs: []*segment.Segment{first, second}}

	cfg := DefaultConfig()
	cfg.Policy = Policy{MaxSegments: 2}
	d, _ := newDaemon(f, p, cfg, nil)
	d.RunOnce(ctx)

	live := p.Segments()
	require.Len(t, live, 1)
	assert.Equal(t, segment.ID{Seq: 5, Gen: 1}, live[0].ID)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, f.readIDs(t, live))

	recs, err := f.catalog.LiveSegments(ctx, "events", types.EmptyPartitionKey)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, live[0].ID, recs[0].ID)

	// No reader held the inputs, so the cycle's collection deleted them.
	assert.False(t, segmentExists(t, f, first))
	assert.False(t, segmentExists(t, f, second))
	assert.True(t, segmentExists(t, f, live[0]))
}

func TestDaemon_ReadersKeepReplacedSegments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.flush(t, 1)
	second := f.flush(t, 2)
	p := &fakePartition{segs: []*segment.Segment{first, second}}

	f.reclaimer.Acquire(first, second)
	d, _ := newDaemon(f, p, DefaultConfig(), nil)
	merged, err := d.Compact(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, merged)
	d.GC().CollectGarbage(ctx)

	assert.True(t, segmentExists(t, f, first), "a held segment must survive collection")
	assert.Equal(t, []int64{1, 2}, f.readIDs(t, []*segment.Segment{first, second}))

	f.reclaimer.Release(first, second)
	d.GC().CollectGarbage(ctx)
	assert.False(t, segmentExists(t, f, first))
	assert.False(t, segmentExists(t, f, second))
}

func TestDaemon_CollectionDuringSwapKeepsHeldInputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.flush(t, 1, 2)
	second := f.flush(t, 3)
	time.Sleep(5 * time.Millisecond)
	p := &fakePartition{segs: []*segment.Segment{first, second}}

	cfg := DefaultConfig()
	cfg.StaleOutputAge = time.Nanosecond
	d, _ := newDaemon(f, p, cfg, nil)

	// A reader pinned the inputs, and a collection runs after the catalog
	// dropped them but before they were retired.
	f.reclaimer.Acquire(first, second)
	var stale []string
	p.onInstall = func() {
		res, err := d.GC().CollectGarbageWithResult(ctx)
		require.NoError(t, err)
		stale = res.StaleOutputs
	}
	merged, err := d.Compact(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, merged)

	assert.Empty(t, stale)
	assert.True(t, segmentExists(t, f, first))
	assert.True(t, segmentExists(t, f, second))
	assert.Equal(t, []int64{1, 2, 3}, f.readIDs(t, []*segment.Segment{first, second}))

	f.reclaimer.Release(first, second)
	require.NoError(t, d.GC().CollectGarbage(ctx))
	assert.False(t, segmentExists(t, f, first))
	assert.False(t, segmentExists(t, f, second))
	assert.True(t, segmentExists(t, f, merged))
}

func TestDaemon_FlushTriggeredSlotsFollowBackpressure(t *testing.T) {
	f := newFixture(t)
	d, _ := newDaemon(f, &fakePartition{}, DefaultConfig(), nil)
	require.Equal(t, 4, d.Backpressure().Concurrency())

	d.bp.current.Store(1)
	require.True(t, d.tryStart())
	assert.False(t, d.tryStart(), "backpressure width is one")
	d.finish()

	d.bp.current.Store(2)
	require.True(t, d.tryStart())
	require.True(t, d.tryStart())
	assert.False(t, d.tryStart())
	d.finish()
	d.finish()
	assert.Equal(t, int32(0), d.active.Load())
}

func TestDaemon_CompactIgnoresThresholds(t *testing.T) {
	f := newFixture(t)
	p := &fakePartition{segs: []*segment.Segment{f.flush(t, 1)}}
	d, _ := newDaemon(f, p, DefaultConfig(), nil)

	merged, err := d.Compact(context.Background(), p)
	require.NoError(t, err)
	assert.Nil(t, merged, "a single segment has nothing to merge")

	p.segs = append(p.segs, f.flush(t, 2))
	merged, err = d.Compact(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, int64(2), merged.RowCount)
}

func TestDaemon_FailedSwapRemovesOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registered := f.flush(t, 1)

	// A segment the catalog never took: the swap must fail.
	tbl := f.table(t)
	enc, err := segment.EncodeColumns(tbl, map[string][]types.Value{"id": {types.Int64Value(2)}}, 1, segment.BuildOptions{})
	require.NoError(t, err)
	stray, err := f.store.WriteSegment(ctx, enc, segment.Meta{
		Table: "events", Partition: types.EmptyPartitionKey, MinSeq: 2, MaxSeq: 2, SchemaVersion: tbl.Version,
	})
	require.NoError(t, err)

	p := &fakePartition{segs: []*segment.Segment{registered, stray}}
	d, _ := newDaemon(f, p, DefaultConfig(), nil)
	_, err = d.Compact(ctx, p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberrors.ErrNotFound))

	dirs, err := f.store.ListDirs(ctx, "tables/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{registered.Dir(), stray.Dir()}, dirs)
	assert.Len(t, p.Segments(), 2)

	recs, err := f.catalog.LiveSegments(ctx, "events", types.EmptyPartitionKey)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, registered.ID, recs[0].ID)
}

func TestDaemon_DegradesAfterRetriesAndRecoversOnFlush(t *testing.T) {
	f := newFixture(t)
	p := &fakePartition{segs: []*segment.Segment{f.flush(t, 1), f.flush(t, 2)}}
	bus := events.NewBus(16)
	sub := bus.Subscribe("test", nil, events.PartitionDegraded, events.PartitionRecovered)

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.Policy = Policy{MaxSegments: 2}
	d, src := newDaemon(f, p, cfg, bus)
	src.err = errors.New("schema unavailable")

	for i := 0; i < 2; i++ {
		_, err := d.Compact(context.Background(), p)
		require.Error(t, err)
	}
	assert.True(t, p.isDegraded())
	assert.Equal(t, []string{"events/_"}, d.Degraded())
	e := <-sub.Ch
	assert.Equal(t, events.PartitionDegraded, e.Type)

	// Degraded partitions are skipped by the periodic cycle.
	src.err = nil
	d.RunOnce(context.Background())
	assert.Len(t, p.Segments(), 2)

	d.clearFailures(p)
	assert.False(t, p.isDegraded())
	assert.Empty(t, d.Degraded())
	e = <-sub.Ch
	assert.Equal(t, events.PartitionRecovered, e.Type)

	d.RunOnce(context.Background())
	assert.Len(t, p.Segments(), 1)
}

func TestDaemon_CompactsAfterFlushEvent(t *testing.T) {
	f := newFixture(t)
	p := &fakePartition{segs: []*segment.Segment{f.flush(t, 1), f.flush(t, 2)}}
	bus := events.NewBus(16)
	done := bus.Subscribe("test", nil, events.SegmentsCompacted)

	cfg := DefaultConfig()
	cfg.CheckInterval = time.Hour
	cfg.Policy = Policy{MaxSegments: 2}
	d, _ := newDaemon(f, p, cfg, bus)
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())
	assert.Error(t, d.Start(), "a running daemon cannot be started twice")

	bus.Publish(events.Event{Type: events.SegmentFlushed, Table: "events", Partition: types.EmptyPartitionKey})

	select {
	case e := <-done.Ch:
		assert.Equal(t, "events/_", e.Key())
		assert.Equal(t, int64(2), e.Rows)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for compaction")
	}
	assert.Len(t, p.Segments(), 1)
	require.NoError(t, d.Stop(context.Background()))
}
