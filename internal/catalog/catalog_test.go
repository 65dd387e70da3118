package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/internal/storage"
	"github.com/pancakedb/pancakedb/pkg/types"
)

func openCatalog(t *testing.T, dir string) *Catalog {
	t.Helper()
	c, err := Open(context.Background(), filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	return c
}

var eventColumns = []types.Column{
	{Name: "id", Type: types.TypeInt64},
	{Name: "name", Type: types.TypeString, Nullable: true},
}

var eventPartitioning = []types.PartitionField{{Name: "region", Type: types.PartitionString}}

func TestCatalog_CreateAndGetTable(t *testing.T) {
	c := openCatalog(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()

	if err := c.CreateTable(ctx, "events", eventColumns, eventPartitioning); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	tbl, err := c.GetTable(ctx, "events")
	if err != nil {
		t.Fatalf("failed to get table: %v", err)
	}
	if tbl.Version != 1 {
		t.Errorf("version mismatch: got %d, want 1", tbl.Version)
	}
	if len(tbl.Columns) != 2 || tbl.Columns[1].Name != "name" {
		t.Errorf("columns mismatch: %+v", tbl.Columns)
	}

	err = c.CreateTable(ctx, "events", eventColumns, nil)
	if !errors.Is(err, dberrors.ErrAlreadyExists) {
		t.Errorf("expected already exists, got %v", err)
	}

	err = c.CreateTable(ctx, "bad name", eventColumns, nil)
	if !errors.Is(err, dberrors.ErrInvalidSchema) {
		t.Errorf("expected invalid schema, got %v", err)
	}

	_, err = c.GetTable(ctx, "missing")
	if !errors.Is(err, dberrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestCatalog_AddColumns(t *testing.T) {
	c := openCatalog(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()
	require.NoError(t, c.CreateTable(ctx, "events", eventColumns, nil))
	before, _ := c.GetTable(ctx, "events")

	next, err := c.AddColumns(ctx, "events", []types.Column{{Name: "score", Type: types.TypeFloat64, Nullable: true}})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, []string{"id", "name", "score"}, next.ColumnNames())

	// Earlier snapshots are not modified.
	assert.Equal(t, 1, before.Version)
	assert.Len(t, before.Columns, 2)

	_, err = c.AddColumns(ctx, "events", []types.Column{{Name: "id", Type: types.TypeString}})
	assert.True(t, errors.Is(err, dberrors.ErrInvalidSchema))

	_, err = c.AddColumns(ctx, "nope", []types.Column{{Name: "x", Type: types.TypeString}})
	assert.True(t, errors.Is(err, dberrors.ErrNotFound))

	v1, err := c.SchemaVersion(ctx, "events", 1)
	require.NoError(t, err)
	assert.Len(t, v1.Columns, 2)
}

func TestCatalog_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c := openCatalog(t, dir)
	require.NoError(t, c.CreateTable(ctx, "events", eventColumns, eventPartitioning))
	_, err := c.AddColumns(ctx, "events", []types.Column{{Name: "extra", Type: types.TypeBool, Nullable: true}})
	require.NoError(t, err)
	p := types.NewPartition(types.StringPart("region", "eu"))
	require.NoError(t, c.RegisterPartition(ctx, "events", p))
	require.NoError(t, c.AddSegment(ctx, SegmentRecord{
		Table: "events", Partition: p.Key(), ID: segment.ID{Seq: 4}, Dir: "d1",
		RowCount: 4, MinSeq: 1, MaxSeq: 4, SchemaVersion: 2, CreatedAt: time.Now(),
	}))
	require.NoError(t, c.Close())

	c = openCatalog(t, dir)
	defer c.Close()
	tbl, err := c.GetTable(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Version)
	assert.Equal(t, []string{"id", "name", "extra"}, tbl.ColumnNames())
	assert.Equal(t, eventPartitioning, tbl.Partitioning)

	parts, err := c.ListPartitions(ctx, "events")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "region=eu", parts[0].Key())

	seq, err := c.FlushedSeq(ctx, "events", p.Key())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestCatalog_PartitionsAreSorted(t *testing.T) {
	c := openCatalog(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()
	require.NoError(t, c.CreateTable(ctx, "events", eventColumns, eventPartitioning))

	for _, r := range []string{"us", "ap", "eu", "ap"} {
		require.NoError(t, c.RegisterPartition(ctx, "events", types.NewPartition(types.StringPart("region", r))))
	}
	parts, err := c.ListPartitions(ctx, "events")
	require.NoError(t, err)
	var keys []string
	for _, p := range parts {
		keys = append(keys, p.Key())
	}
	assert.Equal(t, []string{"region=ap", "region=eu", "region=us"}, keys)

	_, ok, err := c.LookupPartition(ctx, "events", "region=eu")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCatalog_ResolvePartition(t *testing.T) {
	c := openCatalog(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()
	require.NoError(t, c.CreateTable(ctx, "events", eventColumns, eventPartitioning))

	p, err := c.ResolvePartition("events", types.Row{"region": types.StringValue("eu")})
	require.NoError(t, err)
	assert.Equal(t, "region=eu", p.Key())

	_, err = c.ResolvePartition("events", types.Row{})
	assert.True(t, errors.Is(err, dberrors.ErrInvalidPartition))
}

func TestCatalog_ReplaceSegments(t *testing.T) {
	c := openCatalog(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()
	require.NoError(t, c.CreateTable(ctx, "events", eventColumns, nil))

	rec := func(seq uint64, gen uint32, min uint64) SegmentRecord {
		return SegmentRecord{Table: "events", Partition: "_", ID: segment.ID{Seq: seq, Gen: gen},
			Dir: segment.ID{Seq: seq, Gen: gen}.String(), RowCount: int64(seq - min + 1), MinSeq: min, MaxSeq: seq, CreatedAt: time.Now()}
	}
	require.NoError(t, c.AddSegment(ctx, rec(2, 0, 1)))
	require.NoError(t, c.AddSegment(ctx, rec(5, 0, 3)))
	require.NoError(t, c.AddSegment(ctx, rec(6, 0, 6)))

	merged := rec(5, 1, 1)
	require.NoError(t, c.ReplaceSegments(ctx, "events", "_", []segment.ID{{Seq: 2}, {Seq: 5}}, merged))

	live, err := c.LiveSegments(ctx, "events", "_")
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, segment.ID{Seq: 5, Gen: 1}, live[0].ID)
	assert.Equal(t, segment.ID{Seq: 6}, live[1].ID)

	// A second replacement of already removed segments is rejected atomically.
	err = c.ReplaceSegments(ctx, "events", "_", []segment.ID{{Seq: 6}, {Seq: 2}}, rec(6, 2, 1))
	assert.True(t, errors.Is(err, dberrors.ErrNotFound))
	live, err = c.LiveSegments(ctx, "events", "_")
	require.NoError(t, err)
	assert.Len(t, live, 2)

	dirs, err := c.AllSegmentDirs(ctx)
	require.NoError(t, err)
	assert.True(t, dirs[merged.Dir])
	assert.False(t, dirs[rec(2, 0, 1).Dir])
}

func TestCatalog_DropTable(t *testing.T) {
	c := openCatalog(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()
	require.NoError(t, c.CreateTable(ctx, "a", eventColumns, nil))
	require.NoError(t, c.CreateTable(ctx, "b", eventColumns, nil))
	require.NoError(t, c.AddSegment(ctx, SegmentRecord{Table: "a", Partition: "_", ID: segment.ID{Seq: 1}, Dir: "x", MinSeq: 1, MaxSeq: 1}))

	require.NoError(t, c.DropTable(ctx, "a"))
	names, err := c.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)

	n, err := c.SegmentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// The name can be reused.
	require.NoError(t, c.CreateTable(ctx, "a", eventColumns, nil))
}

func TestCatalog_ConcurrentSchemaReads(t *testing.T) {
	c := openCatalog(t, t.TempDir())
	defer c.Close()
	ctx := context.Background()
	require.NoError(t, c.CreateTable(ctx, "events", eventColumns, nil))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tbl, err := c.GetTable(ctx, "events")
				if err != nil {
					t.Errorf("GetTable: %v", err)
					return
				}
				if len(tbl.Columns) < 2 {
					t.Errorf("snapshot lost columns")
					return
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		_, err := c.AddColumns(ctx, "events", []types.Column{{Name: "c" + string(rune('a'+i)), Type: types.TypeInt64, Nullable: true}})
		require.NoError(t, err)
	}
	wg.Wait()
	tbl, _ := c.GetTable(ctx, "events")
	assert.Equal(t, 6, tbl.Version)
}

func TestReconcile(t *testing.T) {
	dir := t.TempDir()
	c := openCatalog(t, dir)
	defer c.Close()
	ctx := context.Background()

	backend, err := storage.NewLocalBackend(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	store := segment.NewStore(backend, 2)

	liveDir := segment.Dir("events", "_", segment.ID{Seq: 1}, "a")
	orphanDir := segment.Dir("events", "_", segment.ID{Seq: 2}, "b")
	danglingDir := segment.Dir("events", "_", segment.ID{Seq: 3}, "c")
	require.NoError(t, backend.PutObject(ctx, segment.ManifestObject(liveDir), []byte("{}")))
	require.NoError(t, backend.PutObject(ctx, orphanDir+"/data", []byte("partial")))

	require.NoError(t, c.CreateTable(ctx, "events", eventColumns, nil))
	for i, d := range []string{liveDir, danglingDir} {
		require.NoError(t, c.AddSegment(ctx, SegmentRecord{
			Table: "events", Partition: "_", ID: segment.ID{Seq: uint64(i*2 + 1)}, Dir: d, MinSeq: 1, MaxSeq: 1,
		}))
	}

	report, err := Reconcile(ctx, c, store, ReconcileOptions{})
	require.NoError(t, err)
	assert.True(t, report.HasIssues())
	assert.Equal(t, []string{danglingDir}, report.Dangling)
	assert.Equal(t, []string{orphanDir}, report.Orphaned)
	assert.Equal(t, 0, report.Removed)

	report, err = Reconcile(ctx, c, store, ReconcileOptions{RemoveOrphans: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)

	dirs, err := store.ListDirs(ctx, "tables/")
	require.NoError(t, err)
	assert.Equal(t, []string{liveDir}, dirs)
}
