package compaction

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pancakedb/pancakedb/internal/catalog"
	"github.com/pancakedb/pancakedb/internal/segment"
	"github.com/pancakedb/pancakedb/internal/storage"
	"github.com/pancakedb/pancakedb/pkg/types"
)

type fixture struct {
	catalog   *catalog.Catalog
	store     *segment.Store
	reclaimer *segment.Reclaimer
	nextSeq   uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(context.Background(), filepath.Join(dir, catalog.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	backend, err := storage.NewLocalBackend(filepath.Join(dir, "data"))
	require.NoError(t, err)
	store := segment.NewStore(backend, 2)

	require.NoError(t, cat.CreateTable(context.Background(), "events", []types.Column{
		{Name: "id", Type: types.TypeInt64},
		{Name: "name", Type: types.TypeString, Nullable: true},
	}, nil))
	return &fixture{
		catalog:   cat,
		store:     store,
		reclaimer: segment.NewReclaimer(store, 0),
		nextSeq:   1,
	}
}

func (f *fixture) table(t *testing.T) *types.Table {
	t.Helper()
	tbl, err := f.catalog.GetTable(context.Background(), "events")
	require.NoError(t, err)
	return tbl
}

// flush writes a live segment holding ids, as a flush would.
func (f *fixture) flush(t *testing.T, ids ...int64) *segment.Segment {
	t.Helper()
	tbl := f.table(t)
	cols := map[string][]types.Value{}
	for _, id := range ids {
		cols["id"] = append(cols["id"], types.Int64Value(id))
		cols["name"] = append(cols["name"], types.StringValue(fmt.Sprintf("row-%d", id)))
	}
	enc, err := segment.EncodeColumns(tbl, cols, len(ids), segment.BuildOptions{})
	require.NoError(t, err)
	seg, err := f.store.WriteSegment(context.Background(), enc, segment.Meta{
		Table:         "events",
		Partition:     types.EmptyPartitionKey,
		MinSeq:        f.nextSeq,
		MaxSeq:        f.nextSeq + uint64(len(ids)) - 1,
		SchemaVersion: tbl.Version,
	})
	require.NoError(t, err)
	f.nextSeq += uint64(len(ids))
	require.NoError(t, f.catalog.AddSegment(context.Background(), catalog.RecordFor(seg)))
	return seg
}

func (f *fixture) readIDs(t *testing.T, segs []*segment.Segment) []int64 {
	t.Helper()
	var out []int64
	for _, seg := range segs {
		cols, err := f.store.ReadColumns(context.Background(), seg, []string{"id"})
		require.NoError(t, err)
		for _, v := range cols["id"] {
			out = append(out, v.Int64())
		}
	}
	return out
}

// fakePartition keeps a live list the way the engine does.
type fakePartition struct {
	mu         sync.Mutex
	segs       []*segment.Segment
	degraded   bool
	installErr error
	// onInstall runs after the catalog commit, before the swap.
	onInstall func()
}

func (p *fakePartition) Table() string        { return "events" }
func (p *fakePartition) PartitionKey() string { return types.EmptyPartitionKey }

func (p *fakePartition) Segments() []*segment.Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*segment.Segment(nil), p.segs...)
}

func (p *fakePartition) InstallCompaction(merged *segment.Segment, replaced []*segment.Segment) error {
	if p.onInstall != nil {
		p.onInstall()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.installErr != nil {
		return p.installErr
	}
	var out []*segment.Segment
	done := false
	for _, s := range p.segs {
		if s.ID == replaced[0].ID {
			out = append(out, merged)
			done = true
		}
		skip := false
		for _, r := range replaced {
			if r.ID == s.ID {
				skip = true
			}
		}
		if !skip {
			out = append(out, s)
		}
	}
	if !done {
		return fmt.Errorf("run not found")
	}
	p.segs = out
	return nil
}

func (p *fakePartition) SetCompactionDegraded(degraded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.degraded = degraded
}

func (p *fakePartition) isDegraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

type fakeSource struct {
	f     *fixture
	parts []Partition
	err   error
}

func (s *fakeSource) CompactionTargets() []Partition { return s.parts }

func (s *fakeSource) Schema(ctx context.Context, table string) (*types.Table, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.f.catalog.GetTable(ctx, table)
}
