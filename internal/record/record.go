// Package record encodes opaque payloads as length-prefixed records.
//
// Layout: a 4-byte big-endian unsigned length followed by exactly that many
// payload bytes. Records never carry any other framing, so a chunk file is a
// plain concatenation of records.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// HeaderSize is the width of the length prefix in bytes.
	HeaderSize = 4

	// MaxPayloadSize is the largest payload the length prefix can describe.
	MaxPayloadSize int64 = math.MaxUint32
)

var (
	// ErrRecordTooLarge is returned when a payload does not fit the length prefix.
	ErrRecordTooLarge = errors.New("record too large")
	// ErrTruncatedRecord is returned when fewer bytes are available than the prefix declares.
	ErrTruncatedRecord = errors.New("truncated record")
)

// CheckSize validates a payload length against the prefix width.
func CheckSize(n int64) error {
	if n < 0 || n > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrRecordTooLarge, n, MaxPayloadSize)
	}
	return nil
}

// EncodedSize returns the on-disk size of a payload of n bytes.
func EncodedSize(n int) int64 {
	return HeaderSize + int64(n)
}

// Encode returns the length-prefixed form of payload.
func Encode(payload []byte) ([]byte, error) {
	return AppendEncode(make([]byte, 0, EncodedSize(len(payload))), payload)
}

// AppendEncode appends the length-prefixed form of payload to dst.
func AppendEncode(dst, payload []byte) ([]byte, error) {
	if err := CheckSize(int64(len(payload))); err != nil {
		return dst, err
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// DecodeHeader reads the length prefix of the record starting at offset.
// limit is the number of readable bytes in r. It returns the payload length
// and the offset just past the record without reading the payload.
//
// io.EOF means offset has reached limit; ErrTruncatedRecord means the record
// extends past limit.
func DecodeHeader(r io.ReaderAt, offset, limit int64) (int64, int64, error) {
	if offset >= limit {
		return 0, offset, io.EOF
	}
	if limit-offset < HeaderSize {
		return 0, offset, fmt.Errorf("%w: %d header bytes at offset %d", ErrTruncatedRecord, limit-offset, offset)
	}

	var hdr [HeaderSize]byte
	if _, err := r.ReadAt(hdr[:], offset); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, offset, fmt.Errorf("%w: header at offset %d", ErrTruncatedRecord, offset)
		}
		return 0, offset, err
	}

	n := int64(binary.BigEndian.Uint32(hdr[:]))
	next := offset + HeaderSize + n
	if next > limit {
		return 0, offset, fmt.Errorf("%w: record at offset %d declares %d bytes, %d available",
			ErrTruncatedRecord, offset, n, limit-offset-HeaderSize)
	}
	return n, next, nil
}

// Decode reads the record starting at offset and returns its payload and the
// offset just past it. A zero-length record decodes to a non-nil empty slice.
func Decode(r io.ReaderAt, offset, limit int64) ([]byte, int64, error) {
	n, next, err := DecodeHeader(r, offset, limit)
	if err != nil {
		return nil, offset, err
	}

	payload := make([]byte, n)
	if n == 0 {
		return payload, next, nil
	}
	if _, err := r.ReadAt(payload, offset+HeaderSize); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, offset, fmt.Errorf("%w: payload at offset %d", ErrTruncatedRecord, offset)
		}
		return nil, offset, err
	}
	return payload, next, nil
}
