// Package codec implements the columnar block format: one column's values
// for one segment, type-encoded, compressed and checksummed.
//
// Block layout (little endian):
//
//	magic "PCBK" | version u8 | dtype u8 | encoding u8 | compression u8 |
//	rowCount u32 | nullBitmapLen u32 | payloadLen u32 | rawLen u32 |
//	null bitmap | payload | xxhash64 u64
//
// The null bitmap holds one bit per row, set when the row is present. An
// empty bitmap means no row is null. The payload covers present values only
// and inflates to rawLen bytes. The trailing checksum covers every byte
// before it.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/pancakedb/pancakedb/internal/errors"
	"github.com/pancakedb/pancakedb/pkg/types"
)

// FormatVersion is the block format written by this package.
const FormatVersion uint8 = 1

var magic = [4]byte{'P', 'C', 'B', 'K'}

const (
	headerSize   = 24
	checksumSize = 8
)

// Block describes an encoded block.
type Block struct {
	Version     uint8
	Type        types.DataType
	Encoding    Encoding
	Compression Compression
	RowCount    int
	NullCount   int
	Size        int
}

// Options control encoding.
type Options struct {
	Policy CompressionPolicy
}

// Encode encodes values of type dt into a block. Every non-null value must
// have type dt. Output is deterministic for a given input and policy.
func Encode(dt types.DataType, values []types.Value, opts Options) (*Block, []byte, error) {
	if !dt.Valid() {
		return nil, nil, fmt.Errorf("codec: unknown data type %q", dt)
	}
	if uint64(len(values)) > uint64(^uint32(0)) {
		return nil, nil, fmt.Errorf("codec: %d rows exceed block capacity", len(values))
	}

	present := make([]types.Value, 0, len(values))
	var bitmap []byte
	nulls := 0
	for _, v := range values {
		if v.IsNull() {
			nulls++
			continue
		}
		if v.Type() != dt {
			return nil, nil, fmt.Errorf("codec: value of type %s in %s column", v.Type(), dt)
		}
	}
	if nulls > 0 {
		bitmap = make([]byte, (len(values)+7)/8)
	}
	for i, v := range values {
		if v.IsNull() {
			continue
		}
		present = append(present, v)
		if bitmap != nil {
			bitmap[i/8] |= 1 << (i % 8)
		}
	}

	enc := chooseEncoding(dt, present)
	raw, err := encodePayload(dt, enc, present)
	if err != nil {
		return nil, nil, err
	}
	comp := opts.Policy.For(dt)
	payload, err := compress(comp, raw)
	if err != nil {
		return nil, nil, err
	}

	size := headerSize + len(bitmap) + len(payload) + checksumSize
	buf := make([]byte, size)
	copy(buf[0:4], magic[:])
	buf[4] = FormatVersion
	buf[5] = dt.Tag()
	buf[6] = byte(enc)
	buf[7] = byte(comp)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(values)))
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(bitmap)))
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[20:], uint32(len(raw)))
	off := headerSize
	off += copy(buf[off:], bitmap)
	off += copy(buf[off:], payload)
	binary.LittleEndian.PutUint64(buf[off:], xxhash.Sum64(buf[:off]))

	return &Block{
		Version:     FormatVersion,
		Type:        dt,
		Encoding:    enc,
		Compression: comp,
		RowCount:    len(values),
		NullCount:   nulls,
		Size:        size,
	}, buf, nil
}

// DecodeHeader verifies framing and checksum and returns the block
// description without decoding values.
func DecodeHeader(data []byte) (*Block, error) {
	blk, _, _, _, err := parse(data)
	return blk, err
}

// Decode verifies and decodes a block. Any framing, checksum or payload
// problem is reported as a CORRUPT_BLOCK error.
func Decode(data []byte) (*Block, []types.Value, error) {
	blk, bitmap, payload, rawLen, err := parse(data)
	if err != nil {
		return nil, nil, err
	}

	nulls := 0
	if len(bitmap) > 0 {
		for i := 0; i < blk.RowCount; i++ {
			if bitmap[i/8]&(1<<(i%8)) == 0 {
				nulls++
			}
		}
	}
	nPresent := blk.RowCount - nulls

	raw, err := decompress(blk.Compression, payload, rawLen)
	if err != nil {
		return nil, nil, errors.CorruptBlock("codec: %s payload: %v", blk.Compression, err)
	}
	present, err := decodePayload(blk.Type, blk.Encoding, raw, nPresent)
	if err != nil {
		return nil, nil, errors.CorruptBlock("codec: %s payload: %v", blk.Encoding, err)
	}

	values := present
	if nulls > 0 {
		values = make([]types.Value, blk.RowCount)
		j := 0
		for i := range values {
			if bitmap[i/8]&(1<<(i%8)) != 0 {
				values[i] = present[j]
				j++
			}
		}
	}
	blk.NullCount = nulls
	return blk, values, nil
}

func parse(data []byte) (*Block, []byte, []byte, int, error) {
	if len(data) < headerSize+checksumSize {
		return nil, nil, nil, 0, errors.CorruptBlock("codec: block of %d bytes is truncated", len(data))
	}
	if [4]byte(data[0:4]) != magic {
		return nil, nil, nil, 0, errors.CorruptBlock("codec: bad magic %q", data[0:4])
	}
	body := len(data) - checksumSize
	if want, got := binary.LittleEndian.Uint64(data[body:]), xxhash.Sum64(data[:body]); want != got {
		return nil, nil, nil, 0, errors.CorruptBlock("codec: checksum mismatch: stored %016x, computed %016x", want, got)
	}
	if data[4] != FormatVersion {
		return nil, nil, nil, 0, errors.CorruptBlock("codec: unsupported block version %d", data[4])
	}
	dt, ok := types.DataTypeFromTag(data[5])
	if !ok {
		return nil, nil, nil, 0, errors.CorruptBlock("codec: unknown data type tag %d", data[5])
	}
	comp := Compression(data[7])
	if comp > CompressionZstd {
		return nil, nil, nil, 0, errors.CorruptBlock("codec: unknown compression %d", data[7])
	}
	rowCount := int(binary.LittleEndian.Uint32(data[8:]))
	bitmapLen := int(binary.LittleEndian.Uint32(data[12:]))
	payloadLen := int(binary.LittleEndian.Uint32(data[16:]))
	rawLen := int(binary.LittleEndian.Uint32(data[20:]))

	if headerSize+bitmapLen+payloadLen != body {
		return nil, nil, nil, 0, errors.CorruptBlock("codec: section lengths %d+%d do not match block size %d", bitmapLen, payloadLen, len(data))
	}
	if bitmapLen != 0 && bitmapLen != (rowCount+7)/8 {
		return nil, nil, nil, 0, errors.CorruptBlock("codec: null bitmap of %d bytes for %d rows", bitmapLen, rowCount)
	}
	if rawLen > maxBlockRawBytes {
		return nil, nil, nil, 0, errors.CorruptBlock("codec: raw payload of %d bytes exceeds limit", rawLen)
	}
	// Present values need at least one payload bit each, so a row count that
	// the raw payload cannot hold is rejected before allocating for it.
	if bitmapLen == 0 && rowCount > 8*rawLen {
		return nil, nil, nil, 0, errors.CorruptBlock("codec: %d rows cannot fit in %d payload bytes", rowCount, rawLen)
	}
	// The raw length is allocated up front, so it must be reachable from
	// both the stored payload and the row count.
	if limit := maxExpansion(comp, payloadLen); rawLen > limit {
		return nil, nil, nil, 0, errors.CorruptBlock("codec: %d payload bytes cannot inflate to %d with %s", payloadLen, rawLen, comp)
	}
	if limit := maxRawLen(dt, Encoding(data[6]), rowCount); limit >= 0 && rawLen > limit {
		return nil, nil, nil, 0, errors.CorruptBlock("codec: raw payload of %d bytes exceeds %d for %d rows", rawLen, limit, rowCount)
	}

	bitmap := data[headerSize : headerSize+bitmapLen]
	payload := data[headerSize+bitmapLen : body]
	return &Block{
		Version:     data[4],
		Type:        dt,
		Encoding:    Encoding(data[6]),
		Compression: comp,
		RowCount:    rowCount,
		Size:        len(data),
	}, bitmap, payload, rawLen, nil
}
