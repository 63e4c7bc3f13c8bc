package codec

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies how a payload was compressed. The values are
// stored on disk.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = 0
	CompressionLZ4  CompressionTag = 1
	CompressionZstd CompressionTag = 2
)

func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// MinCompressSize is the smallest payload worth compressing.
const MinCompressSize = 64

// Encoders and decoders are pooled; building a zstd encoder allocates
// its window tables.
var (
	zstdEncoders = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(zstd.SpeedDefault),
				zstd.WithEncoderConcurrency(1),
			)
			return enc
		},
	}
	zstdDecoders = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil,
				zstd.WithDecoderConcurrency(1),
				zstd.WithDecoderMaxMemory(MaxDecodedSize),
			)
			return dec
		},
	}
	lz4Bufs = sync.Pool{
		New: func() interface{} {
			return bytes.NewBuffer(make([]byte, 0, 128*1024))
		},
	}
)

// Compress compresses data with tag. When the result would not be
// smaller than the input it returns the data unchanged with
// CompressionNone, so callers must record the returned tag.
func Compress(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	if tag == CompressionNone || len(data) < MinCompressSize {
		return data, CompressionNone, nil
	}

	var out []byte
	switch tag {
	case CompressionLZ4:
		buf := lz4Bufs.Get().(*bytes.Buffer)
		defer lz4Bufs.Put(buf)
		bound := lz4.CompressBlockBound(len(data))
		buf.Reset()
		buf.Grow(bound)
		dst := buf.Bytes()[:bound]
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return data, CompressionNone, nil
		}
		out = append([]byte(nil), dst[:n]...)
	case CompressionZstd:
		enc := zstdEncoders.Get().(*zstd.Encoder)
		defer zstdEncoders.Put(enc)
		out = enc.EncodeAll(data, nil)
	default:
		return nil, 0, fmt.Errorf("unsupported compression tag: %d", tag)
	}

	if len(out) >= len(data) {
		return data, CompressionNone, nil
	}
	return out, tag, nil
}

// MaxDecodedSize bounds the uncompressed length Decompress accepts.
const MaxDecodedSize = 1 << 30

// lz4 cannot expand a block by more than this factor.
const lz4MaxRatio = 255

// Decompress reverses Compress. size is the expected uncompressed length
// and is checked against the payload before anything is allocated.
func Decompress(data []byte, tag CompressionTag, size int) ([]byte, error) {
	if size < 0 || size > MaxDecodedSize {
		return nil, fmt.Errorf("uncompressed size %d out of range", size)
	}
	switch tag {
	case CompressionNone:
		if len(data) != size {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d", len(data), size)
		}
		return data, nil
	case CompressionLZ4:
		if size > len(data)*lz4MaxRatio+16 {
			return nil, fmt.Errorf("lz4 decompress: %d bytes cannot expand to %d", len(data), size)
		}
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil
	case CompressionZstd:
		dec := zstdDecoders.Get().(*zstd.Decoder)
		defer zstdDecoders.Put(dec)
		out, err := dec.DecodeAll(data, make([]byte, 0, min(size, 4*len(data)+4096)))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}
