package segment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/pancakedb/pancakedb/internal/codec"
	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/storage"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// DefaultReadConcurrency bounds parallel block reads per segment.
const DefaultReadConcurrency = 8

// Meta describes the rows an encoded segment covers.
type Meta struct {
	Table         string
	Partition     string
	MinSeq        uint64
	MaxSeq        uint64
	Gen           uint32
	SchemaVersion int
	Sources       []ID
}

// Store reads and writes segment objects on a storage backend.
type Store struct {
	backend         storage.Backend
	readConcurrency int
}

// NewStore creates a segment store. concurrency <= 0 uses
// DefaultReadConcurrency.
func NewStore(backend storage.Backend, concurrency int) *Store {
	if concurrency <= 0 {
		concurrency = DefaultReadConcurrency
	}
	return &Store{backend: backend, readConcurrency: concurrency}
}

// Backend returns the underlying backend.
func (s *Store) Backend() storage.Backend { return s.backend }

// WriteSegment writes the data object and then the manifest. A segment is
// not visible to readers until it is registered in the catalog; objects
// written by a failed or abandoned attempt are removed by reconciliation.
func (s *Store) WriteSegment(ctx context.Context, enc *Encoded, meta Meta) (*Segment, error) {
	if meta.MaxSeq < meta.MinSeq {
		return nil, fmt.Errorf("segment: invalid sequence range [%d, %d]", meta.MinSeq, meta.MaxSeq)
	}
	uid, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("segment: failed to generate uuid: %w", err)
	}
	seg := &Segment{
		ID:            ID{Seq: meta.MaxSeq, Gen: meta.Gen},
		UUID:          uid.String(),
		Table:         meta.Table,
		Partition:     meta.Partition,
		RowCount:      enc.RowCount,
		MinSeq:        meta.MinSeq,
		MaxSeq:        meta.MaxSeq,
		SchemaVersion: meta.SchemaVersion,
		Columns:       enc.Chunks,
		Sources:       meta.Sources,
		DataSize:      int64(len(enc.Data)),
		CreatedAt:     time.Now().UTC(),
	}
	if err := seg.loadBlooms(); err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}
	manifest, err := EncodeManifest(seg)
	if err != nil {
		return nil, err
	}

	if err := s.backend.PutObject(ctx, seg.DataPath(), enc.Data); err != nil {
		return nil, err
	}
	if err := s.backend.PutObject(ctx, seg.ManifestPath(), manifest); err != nil {
		return nil, err
	}
	return seg, nil
}

// OpenSegment loads a segment from its directory.
func (s *Store) OpenSegment(ctx context.Context, dir string) (*Segment, error) {
	data, err := s.backend.GetObject(ctx, dir+"/"+manifestObject)
	if err != nil {
		return nil, err
	}
	seg, err := DecodeManifest(data)
	if err != nil {
		return nil, err
	}
	if seg.Dir() != dir {
		return nil, dberrors.CorruptBlock("segment: manifest at %q describes %q", dir, seg.Dir())
	}
	return seg, nil
}

// ReadBlocks fetches the raw blocks of the requested columns. Columns the
// segment does not hold are omitted from the result. Every block is
// verified against its manifest checksum.
func (s *Store) ReadBlocks(ctx context.Context, seg *Segment, columns []string) (map[string][]byte, error) {
	var (
		names []string
		reqs  []storage.RangeRequest
		sums  []uint64
	)
	for _, name := range columns {
		chunk, ok := seg.Column(name)
		if !ok {
			continue
		}
		names = append(names, name)
		sums = append(sums, chunk.Checksum)
		reqs = append(reqs, storage.RangeRequest{Path: seg.DataPath(), Offset: chunk.Offset, Length: chunk.Length})
	}
	data, err := storage.FetchRanges(ctx, s.backend, reqs, s.readConcurrency)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(names))
	for i, name := range names {
		if xxhash.Sum64(data[i]) != sums[i] {
			return nil, dberrors.CorruptBlock("segment %s: column %q checksum mismatch", seg.ID, name)
		}
		out[name] = data[i]
	}
	return out, nil
}

// ReadColumns reads and decodes the requested columns. Columns the segment
// does not hold are returned as all nulls.
func (s *Store) ReadColumns(ctx context.Context, seg *Segment, columns []string) (map[string][]types.Value, error) {
	blocks, err := s.ReadBlocks(ctx, seg, columns)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]types.Value, len(columns))
	for _, name := range columns {
		raw, ok := blocks[name]
		if !ok {
			out[name] = make([]types.Value, seg.RowCount)
			continue
		}
		blk, values, err := codec.Decode(raw)
		if err != nil {
			return nil, err
		}
		if int64(blk.RowCount) != seg.RowCount {
			return nil, dberrors.CorruptBlock("segment %s: column %q has %d rows, manifest says %d",
				seg.ID, name, blk.RowCount, seg.RowCount)
		}
		out[name] = values
	}
	return out, nil
}

// DeleteSegment removes both objects of a segment, manifest first.
func (s *Store) DeleteSegment(ctx context.Context, seg *Segment) error {
	return s.DeleteDir(ctx, seg.Dir())
}

// DeleteDir removes every object of a segment directory, including
// partial writes that never produced a manifest.
func (s *Store) DeleteDir(ctx context.Context, dir string) error {
	if err := s.backend.DeleteObject(ctx, dir+"/"+manifestObject); err != nil {
		return err
	}
	return s.backend.DeleteObject(ctx, dir+"/"+dataObject)
}

// ListDirs returns every segment directory stored under prefix, whether or
// not the catalog references it.
func (s *Store) ListDirs(ctx context.Context, prefix string) ([]string, error) {
	objects, err := s.backend.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var dirs []string
	for _, obj := range objects {
		dir, ok := SplitObjectPath(obj)
		if !ok || seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs, nil
}
