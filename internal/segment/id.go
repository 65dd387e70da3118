// Package segment implements the immutable columnar segments a partition's
// rows are flushed into: their identifiers, manifests, object layout,
// block reads and deferred deletion.
package segment

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// ID identifies a segment within a partition. Seq is the highest row
// sequence number the segment covers and Gen its compaction generation
// (0 for a flush). Live segments cover disjoint sequence ranges, so
// ordering by ID is causal order.
type ID struct {
	Seq uint64 `json:"seq"`
	Gen uint32 `json:"gen"`
}

// Compare orders IDs by (Seq, Gen).
func (id ID) Compare(o ID) int {
	if c := cmp.Compare(id.Seq, o.Seq); c != 0 {
		return c
	}
	return cmp.Compare(id.Gen, o.Gen)
}

// Less reports whether id sorts before o.
func (id ID) Less(o ID) bool { return id.Compare(o) < 0 }

// String renders the ID as it appears in object paths.
func (id ID) String() string {
	return fmt.Sprintf("%020d.%03d", id.Seq, id.Gen)
}

// ParseID parses the String form of an ID.
func ParseID(s string) (ID, error) {
	seq, gen, ok := strings.Cut(s, ".")
	if !ok {
		return ID{}, fmt.Errorf("segment: malformed id %q", s)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("segment: malformed id %q: %w", s, err)
	}
	g, err := strconv.ParseUint(gen, 10, 32)
	if err != nil {
		return ID{}, fmt.Errorf("segment: malformed id %q: %w", s, err)
	}
	return ID{Seq: n, Gen: uint32(g)}, nil
}
