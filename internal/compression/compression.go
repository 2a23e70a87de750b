// Package compression provides optional per-record compression for queue payloads.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Type represents a compression algorithm.
type Type string

const (
	// TypeNone stores payloads as-is.
	TypeNone Type = "none"
	// TypeSnappy uses the snappy block format (s2 snappy-compatible encoder).
	TypeSnappy Type = "snappy"
	// TypeS2 uses the s2 block format.
	TypeS2 Type = "s2"
	// TypeZstd uses zstd frames.
	TypeZstd Type = "zstd"
	// TypeGzip uses gzip streams.
	TypeGzip Type = "gzip"
)

// ParseType parses a compression type string.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "snappy":
		return TypeSnappy, nil
	case "s2":
		return TypeS2, nil
	case "zstd":
		return TypeZstd, nil
	case "gzip":
		return TypeGzip, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll and
// expensive to build, so one of each is shared.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress compresses data with the given algorithm.
func Compress(data []byte, t Type) ([]byte, error) {
	switch t {
	case TypeNone, "":
		return data, nil
	case TypeSnappy:
		return s2.EncodeSnappy(nil, data), nil
	case TypeS2:
		return s2.Encode(nil, data), nil
	case TypeZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc.EncodeAll(data, nil), nil
	case TypeGzip:
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write gzip data: %w", err)
		}
		if err := gw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close gzip writer: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

// Decompress reverses Compress. An empty result is a non-nil empty slice.
func Decompress(data []byte, t Type) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch t {
	case TypeNone, "":
		return data, nil
	case TypeSnappy, TypeS2:
		// s2.Decode reads both snappy and s2 blocks.
		out, err = s2.Decode(nil, data)
	case TypeZstd:
		_, dec, cerr := zstdCodec()
		if cerr != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", cerr)
		}
		out, err = dec.DecodeAll(data, nil)
	case TypeGzip:
		var gr *gzip.Reader
		gr, err = gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gr.Close()
		out, err = io.ReadAll(gr)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s payload: %w", t, err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
