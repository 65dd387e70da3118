// Package bloom provides the per-block membership filters stored in segment
// manifests and consulted by equality predicates before any block is read.
package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	"github.com/pancakedb/pancakedb/pkg/types"
)

// DefaultFalsePositiveRate is used when a segment is built without an
// explicit rate.
const DefaultFalsePositiveRate = 0.01

// Filter is a bloom filter over value hash keys. A filter is built once
// while a segment is written and is read-only afterwards, so it carries no
// lock. There are no false negatives.
type Filter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a filter with the given bit and hash counts. Bits round up to
// a multiple of 64.
func New(numBits, numHashes int) *Filter {
	if numBits <= 0 {
		numBits = 64
	}
	if numHashes <= 0 {
		numHashes = 1
	}
	words := (numBits + 63) / 64
	return &Filter{
		bits:      make([]uint64, words),
		numBits:   uint64(words * 64),
		numHashes: uint64(numHashes),
	}
}

// NewWithEstimates sizes a filter for n distinct items at the target false
// positive rate.
func NewWithEstimates(n int, fpr float64) *Filter {
	return New(OptimalParameters(n, fpr))
}

// OptimalParameters returns m = -n ln(p) / ln(2)^2 bits and k = (m/n) ln(2)
// hash functions.
func OptimalParameters(n int, fpr float64) (numBits, numHashes int) {
	if n <= 0 {
		n = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = DefaultFalsePositiveRate
	}
	m := -float64(n) * math.Log(fpr) / (math.Ln2 * math.Ln2)
	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil(m / float64(n) * math.Ln2))
	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// Add inserts raw bytes.
func (f *Filter) Add(item []byte) {
	h1, h2 := murmur3.Sum128(item)
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// AddValue inserts a non-null value.
func (f *Filter) AddValue(v types.Value) {
	if !v.IsNull() {
		f.Add(v.HashKey())
	}
}

// Contains reports whether item may have been added.
func (f *Filter) Contains(item []byte) bool {
	h1, h2 := murmur3.Sum128(item)
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// MayContain reports whether v may have been added. Null is never added.
func (f *Filter) MayContain(v types.Value) bool {
	if v.IsNull() {
		return false
	}
	return f.Contains(v.HashKey())
}

// Count returns the number of Add calls.
func (f *Filter) Count() uint64 { return f.count }

// NumBits returns the filter width in bits.
func (f *Filter) NumBits() int { return int(f.numBits) }

// FalsePositiveRate estimates (1 - e^(-kn/m))^k for the current fill.
func (f *Filter) FalsePositiveRate() float64 {
	if f.count == 0 {
		return 0
	}
	k := float64(f.numHashes)
	return math.Pow(1-math.Exp(-k*float64(f.count)/float64(f.numBits)), k)
}

const headerLen = 24

// MarshalBinary encodes numBits, numHashes and count as little endian u64s
// followed by the snappy-compressed bit array.
func (f *Filter) MarshalBinary() ([]byte, error) {
	raw := make([]byte, 8*len(f.bits))
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(raw[i*8:], w)
	}
	buf := make([]byte, headerLen, headerLen+snappy.MaxEncodedLen(len(raw)))
	binary.LittleEndian.PutUint64(buf[0:], f.numBits)
	binary.LittleEndian.PutUint64(buf[8:], f.numHashes)
	binary.LittleEndian.PutUint64(buf[16:], f.count)
	return append(buf, snappy.Encode(nil, raw)...), nil
}

// Unmarshal decodes a filter written by MarshalBinary.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < headerLen {
		return nil, errors.New("bloom: serialized filter too short")
	}
	numBits := binary.LittleEndian.Uint64(data[0:])
	numHashes := binary.LittleEndian.Uint64(data[8:])
	count := binary.LittleEndian.Uint64(data[16:])
	if numBits == 0 || numBits%64 != 0 || numHashes == 0 || numHashes > 64 {
		return nil, fmt.Errorf("bloom: invalid parameters bits=%d hashes=%d", numBits, numHashes)
	}
	n, err := snappy.DecodedLen(data[headerLen:])
	if err != nil {
		return nil, fmt.Errorf("bloom: %w", err)
	}
	if uint64(n) != numBits/8 {
		return nil, fmt.Errorf("bloom: bit array is %d bytes, expected %d", n, numBits/8)
	}
	raw, err := snappy.Decode(nil, data[headerLen:])
	if err != nil {
		return nil, fmt.Errorf("bloom: snappy decompress failed: %w", err)
	}
	bits := make([]uint64, numBits/64)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return &Filter{bits: bits, numBits: numBits, numHashes: numHashes, count: count}, nil
}
