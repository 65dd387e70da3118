package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pancakedb/pancakedb/pkg/types"
)

// Encoding identifies the type-specific layout of a block payload.
type Encoding uint8

const (
	EncodingPlain      Encoding = 1
	EncodingDelta      Encoding = 2
	EncodingBitPacked  Encoding = 3
	EncodingDictionary Encoding = 4
)

func (e Encoding) String() string {
	switch e {
	case EncodingPlain:
		return "plain"
	case EncodingDelta:
		return "delta"
	case EncodingBitPacked:
		return "bitpacked"
	case EncodingDictionary:
		return "dictionary"
	}
	return fmt.Sprintf("encoding(%d)", uint8(e))
}

// maxDictionarySize bounds dictionary entries so indices fit in a uint16.
const maxDictionarySize = 65535

// chooseEncoding picks the payload layout for the present values of a
// column.
func chooseEncoding(dt types.DataType, present []types.Value) Encoding {
	switch dt {
	case types.TypeInt64, types.TypeTimestamp:
		return EncodingDelta
	case types.TypeBool:
		return EncodingBitPacked
	case types.TypeString, types.TypeBytes:
		if len(present) == 0 {
			return EncodingPlain
		}
		distinct := make(map[string]struct{})
		for _, v := range present {
			distinct[bytesKey(v)] = struct{}{}
			if len(distinct) > maxDictionarySize || len(distinct)*2 > len(present) {
				return EncodingPlain
			}
		}
		return EncodingDictionary
	}
	return EncodingPlain
}

// maxRawLen bounds the raw payload of n values, or returns -1 when the
// encoding has no per-value bound.
func maxRawLen(dt types.DataType, enc Encoding, n int) int {
	switch {
	case enc == EncodingDelta && (dt == types.TypeInt64 || dt == types.TypeTimestamp):
		return binary.MaxVarintLen64 * n
	case enc == EncodingBitPacked && dt == types.TypeBool:
		return (n + 7) / 8
	case enc == EncodingPlain && dt == types.TypeFloat64:
		return 8 * n
	}
	return -1
}

func bytesKey(v types.Value) string {
	if v.Type() == types.TypeBytes {
		return string(v.Bytes())
	}
	return v.Str()
}

func encodePayload(dt types.DataType, enc Encoding, present []types.Value) ([]byte, error) {
	switch enc {
	case EncodingDelta:
		buf := make([]byte, 0, len(present)*2)
		var prev int64
		for _, v := range present {
			cur := v.Int64()
			buf = binary.AppendVarint(buf, int64(uint64(cur)-uint64(prev)))
			prev = cur
		}
		return buf, nil
	case EncodingBitPacked:
		buf := make([]byte, (len(present)+7)/8)
		for i, v := range present {
			if v.Bool() {
				buf[i/8] |= 1 << (i % 8)
			}
		}
		return buf, nil
	case EncodingPlain:
		if dt == types.TypeFloat64 {
			buf := make([]byte, 8*len(present))
			for i, v := range present {
				binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v.Float64()))
			}
			return buf, nil
		}
		var buf []byte
		for _, v := range present {
			buf = appendBytes(buf, bytesKey(v))
		}
		return buf, nil
	case EncodingDictionary:
		index := make(map[string]int)
		var dict []string
		ids := make([]int, len(present))
		for i, v := range present {
			k := bytesKey(v)
			id, ok := index[k]
			if !ok {
				id = len(dict)
				index[k] = id
				dict = append(dict, k)
			}
			ids[i] = id
		}
		buf := binary.AppendUvarint(nil, uint64(len(dict)))
		for _, k := range dict {
			buf = appendBytes(buf, k)
		}
		for _, id := range ids {
			buf = binary.AppendUvarint(buf, uint64(id))
		}
		return buf, nil
	}
	return nil, fmt.Errorf("codec: encoding %s not valid for %s", enc, dt)
}

func appendBytes(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// payloadReader walks a decompressed payload. Every read is checked against
// the remaining bytes before anything is allocated.
type payloadReader struct {
	buf []byte
	off int
}

func (r *payloadReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("truncated uvarint at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

func (r *payloadReader) varint() (int64, error) {
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("truncated varint at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

func (r *payloadReader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.buf)-r.off) {
		return nil, fmt.Errorf("length %d overruns payload at offset %d", n, r.off)
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

func (r *payloadReader) done() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("%d trailing payload bytes", len(r.buf)-r.off)
	}
	return nil
}

func makeVarWidth(dt types.DataType, b []byte) types.Value {
	if dt == types.TypeBytes {
		cp := make([]byte, len(b))
		copy(cp, b)
		return types.BytesValue(cp)
	}
	return types.StringValue(string(b))
}

// decodePayload decodes n present values.
func decodePayload(dt types.DataType, enc Encoding, raw []byte, n int) ([]types.Value, error) {
	r := &payloadReader{buf: raw}
	// Every encoding spends at least one bit per value except an empty column.
	if n > 0 && len(raw)*8 < n {
		return nil, fmt.Errorf("payload of %d bytes cannot hold %d values", len(raw), n)
	}
	out := make([]types.Value, n)
	switch {
	case enc == EncodingDelta && (dt == types.TypeInt64 || dt == types.TypeTimestamp):
		var prev int64
		for i := range out {
			d, err := r.varint()
			if err != nil {
				return nil, err
			}
			prev = int64(uint64(prev) + uint64(d))
			if dt == types.TypeTimestamp {
				out[i] = types.TimestampValue(prev)
			} else {
				out[i] = types.Int64Value(prev)
			}
		}
	case enc == EncodingBitPacked && dt == types.TypeBool:
		if len(raw) != (n+7)/8 {
			return nil, fmt.Errorf("bool payload is %d bytes for %d values", len(raw), n)
		}
		for i := range out {
			out[i] = types.BoolValue(raw[i/8]&(1<<(i%8)) != 0)
		}
		r.off = len(raw)
	case enc == EncodingPlain && dt == types.TypeFloat64:
		if len(raw) != 8*n {
			return nil, fmt.Errorf("float payload is %d bytes for %d values", len(raw), n)
		}
		for i := range out {
			out[i] = types.Float64Value(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		r.off = len(raw)
	case enc == EncodingPlain && (dt == types.TypeString || dt == types.TypeBytes):
		for i := range out {
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			out[i] = makeVarWidth(dt, b)
		}
	case enc == EncodingDictionary && (dt == types.TypeString || dt == types.TypeBytes):
		size, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if size > maxDictionarySize || size > uint64(len(raw)) {
			return nil, fmt.Errorf("dictionary size %d out of range", size)
		}
		dict := make([]types.Value, size)
		for i := range dict {
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			dict[i] = makeVarWidth(dt, b)
		}
		for i := range out {
			id, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			if id >= size {
				return nil, fmt.Errorf("dictionary index %d out of range %d", id, size)
			}
			out[i] = dict[id]
		}
	default:
		return nil, fmt.Errorf("encoding %s not valid for %s", enc, dt)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return out, nil
}
