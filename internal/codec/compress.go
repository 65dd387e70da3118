package codec

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/pancakedb/pancakedb/pkg/types"
)

// Compression identifies the general-purpose compressor applied to a block
// payload after type-specific encoding.
type Compression uint8

const (
	CompressionNone   Compression = 0
	CompressionSnappy Compression = 1
	CompressionZstd   Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression parses "none", "snappy" or "zstd".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return 0, fmt.Errorf("codec: unknown compression %q", s)
}

// CompressionPolicy picks the compressor per column type. Types missing from
// the policy are stored uncompressed.
type CompressionPolicy map[types.DataType]Compression

// DefaultPolicy compresses variable-width data with zstd, numerics with
// snappy, and leaves bit-packed bools alone.
func DefaultPolicy() CompressionPolicy {
	return CompressionPolicy{
		types.TypeString:    CompressionZstd,
		types.TypeBytes:     CompressionZstd,
		types.TypeInt64:     CompressionSnappy,
		types.TypeTimestamp: CompressionSnappy,
		types.TypeFloat64:   CompressionSnappy,
		types.TypeBool:      CompressionNone,
	}
}

// For returns the compression for dt.
func (p CompressionPolicy) For(dt types.DataType) Compression {
	if p == nil {
		return DefaultPolicy()[dt]
	}
	return p[dt]
}

// maxBlockRawBytes caps a single decompressed payload.
const maxBlockRawBytes = 1 << 30

// Largest output per input byte: a 3-byte snappy copy emits at most 64
// bytes, and a 4-byte zstd RLE block at most 128 KiB.
const (
	snappyMaxExpansion = 22
	zstdMaxExpansion   = 32 << 10
)

// maxExpansion bounds what n compressed bytes can inflate to.
func maxExpansion(c Compression, n int) int {
	switch c {
	case CompressionSnappy:
		return snappyMaxExpansion * n
	case CompressionZstd:
		return zstdMaxExpansion * n
	}
	return n
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

// zstdCodecs returns process-wide encoder and decoder. Both are safe for
// concurrent EncodeAll/DecodeAll.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdInitErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(3)),
			zstd.WithEncoderConcurrency(1))
		if zstdInitErr != nil {
			return
		}
		zstdDecoder, zstdInitErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxBlockRawBytes),
			zstd.WithDecodeAllCapLimit(true))
	})
	return zstdEncoder, zstdDecoder, zstdInitErr
}

func compress(c Compression, raw []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return raw, nil
	case CompressionSnappy:
		return snappy.Encode(nil, raw), nil
	case CompressionZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("codec: zstd init: %w", err)
		}
		return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2+16)), nil
	}
	return nil, fmt.Errorf("codec: unknown compression %d", c)
}

// decompress inflates payload, which must expand to exactly rawLen bytes.
// Callers bound rawLen first; the output buffer is sized from it and zstd
// never writes past its capacity.
func decompress(c Compression, payload []byte, rawLen int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(payload) != rawLen {
			return nil, fmt.Errorf("payload is %d bytes, header says %d", len(payload), rawLen)
		}
		return payload, nil
	case CompressionSnappy:
		n, err := snappy.DecodedLen(payload)
		if err != nil {
			return nil, err
		}
		if n != rawLen {
			return nil, fmt.Errorf("snappy payload decodes to %d bytes, header says %d", n, rawLen)
		}
		return snappy.Decode(make([]byte, rawLen), payload)
	case CompressionZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(payload, make([]byte, 0, rawLen))
		if err != nil {
			return nil, err
		}
		if len(out) != rawLen {
			return nil, fmt.Errorf("zstd payload decodes to %d bytes, header says %d", len(out), rawLen)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown compression %d", c)
}
