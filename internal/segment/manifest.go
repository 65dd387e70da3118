package segment

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/pancakedb/pancakedb/internal/bloom"
	"github.com/pancakedb/pancakedb/internal/codec"
	dberrors "github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/internal/partition"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// ManifestVersion is the current manifest format version.
const ManifestVersion = 1

const (
	manifestObject = "manifest"
	dataObject     = "data"
)

// ColumnChunk locates one column block inside a segment's data object.
type ColumnChunk struct {
	Name        string                `json:"name"`
	Type        types.DataType        `json:"type"`
	Offset      int64                 `json:"offset"`
	Length      int64                 `json:"length"`
	Checksum    uint64                `json:"checksum"`
	Encoding    string                `json:"encoding"`
	Compression string                `json:"compression"`
	Stats       partition.ColumnStats `json:"stats"`
	Bloom       []byte                `json:"bloom,omitempty"`
}

// Segment is the decoded manifest of an immutable segment. Segments are
// shared between readers and must not be modified.
type Segment struct {
	ID            ID            `json:"id"`
	UUID          string        `json:"uuid"`
	Table         string        `json:"table"`
	Partition     string        `json:"partition"`
	RowCount      int64         `json:"row_count"`
	MinSeq        uint64        `json:"min_seq"`
	MaxSeq        uint64        `json:"max_seq"`
	SchemaVersion int           `json:"schema_version"`
	Columns       []ColumnChunk `json:"columns"`
	Sources       []ID          `json:"sources,omitempty"`
	DataSize      int64         `json:"data_size"`
	CreatedAt     time.Time     `json:"created_at"`

	blooms map[string]*bloom.Filter
}

// Dir returns the object prefix holding the segment.
func (s *Segment) Dir() string {
	return Dir(s.Table, s.Partition, s.ID, s.UUID)
}

// ManifestPath returns the path of the manifest object.
func (s *Segment) ManifestPath() string { return s.Dir() + "/" + manifestObject }

// DataPath returns the path of the data object.
func (s *Segment) DataPath() string { return s.Dir() + "/" + dataObject }

// Column returns the chunk of a column. Columns added to the table after
// the segment was written are absent.
func (s *Segment) Column(name string) (ColumnChunk, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnChunk{}, false
}

// Bloom returns the bloom filter of a column, if one was built.
func (s *Segment) Bloom(name string) (*bloom.Filter, bool) {
	f, ok := s.blooms[name]
	return f, ok
}

func (s *Segment) loadBlooms() error {
	s.blooms = make(map[string]*bloom.Filter)
	for _, c := range s.Columns {
		if len(c.Bloom) == 0 {
			continue
		}
		f, err := bloom.Unmarshal(c.Bloom)
		if err != nil {
			return fmt.Errorf("column %q: %w", c.Name, err)
		}
		s.blooms[c.Name] = f
	}
	return nil
}

// TablePrefix is the object prefix of every segment of a table.
func TablePrefix(table string) string {
	return "tables/" + table + "/"
}

// PartitionPrefix is the object prefix of every segment of a partition.
func PartitionPrefix(table, partitionKey string) string {
	return TablePrefix(table) + "partitions/" + partitionKey + "/segments/"
}

// Dir returns the object prefix of a segment:
// tables/<table>/partitions/<partition>/segments/<seq>.<gen>-<uuid>.
func Dir(table, partitionKey string, id ID, uuid string) string {
	return PartitionPrefix(table, partitionKey) + id.String() + "-" + uuid
}

// ManifestObject returns the manifest object path of a segment directory.
func ManifestObject(dir string) string { return dir + "/" + manifestObject }

// SplitObjectPath extracts the segment directory from an object path below
// tables/. ok is false for paths outside the segment layout.
func SplitObjectPath(objectPath string) (dir string, ok bool) {
	i := strings.LastIndex(objectPath, "/segments/")
	if i < 0 || !strings.HasPrefix(objectPath, "tables/") {
		return "", false
	}
	rest := objectPath[i+len("/segments/"):]
	name, _, found := strings.Cut(rest, "/")
	if !found || name == "" {
		return "", false
	}
	return objectPath[:i+len("/segments/")] + name, true
}

// ParseDir extracts the ID and creation time encoded in a segment
// directory name.
func ParseDir(dir string) (ID, time.Time, bool) {
	name := dir[strings.LastIndex(dir, "/")+1:]
	idPart, uuidPart, ok := strings.Cut(name, "-")
	if !ok {
		return ID{}, time.Time{}, false
	}
	id, err := ParseID(idPart)
	if err != nil {
		return ID{}, time.Time{}, false
	}
	uid, err := uuid.Parse(uuidPart)
	if err != nil || uid.Version() != 7 {
		return id, time.Time{}, false
	}
	// The first 48 bits of a version 7 UUID are Unix milliseconds.
	ms := int64(binary.BigEndian.Uint64(uid[:8]) >> 16)
	return id, time.UnixMilli(ms).UTC(), true
}

type envelope struct {
	Version  int             `json:"version"`
	Checksum uint64          `json:"checksum"`
	Body     json.RawMessage `json:"body"`
}

// EncodeManifest serializes a segment manifest.
func EncodeManifest(s *Segment) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to marshal manifest: %w", err)
	}
	return json.Marshal(envelope{
		Version:  ManifestVersion,
		Checksum: xxhash.Sum64(body),
		Body:     body,
	})
}

// DecodeManifest parses and verifies a manifest.
func DecodeManifest(data []byte) (*Segment, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, dberrors.CorruptBlock("segment: unreadable manifest: %v", err)
	}
	if env.Version != ManifestVersion {
		return nil, dberrors.CorruptBlock("segment: unsupported manifest version %d", env.Version)
	}
	if xxhash.Sum64(env.Body) != env.Checksum {
		return nil, dberrors.CorruptBlock("segment: manifest checksum mismatch")
	}
	var s Segment
	if err := json.Unmarshal(env.Body, &s); err != nil {
		return nil, dberrors.CorruptBlock("segment: unreadable manifest body: %v", err)
	}
	if err := s.loadBlooms(); err != nil {
		return nil, dberrors.CorruptBlock("segment: %v", err)
	}
	return &s, nil
}

func chunkFor(name string, blk *codec.Block, offset int64, data []byte) ColumnChunk {
	return ColumnChunk{
		Name:        name,
		Type:        blk.Type,
		Offset:      offset,
		Length:      int64(len(data)),
		Checksum:    xxhash.Sum64(data),
		Encoding:    blk.Encoding.String(),
		Compression: blk.Compression.String(),
	}
}
