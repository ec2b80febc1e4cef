// Package wire holds the byte-level helpers shared by every protocol layer:
// checksums, buffer assembly and the device's truncated millisecond clock.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"
)

var ErrShortBuffer = errors.New("wire: buffer too short")

// CRC32 returns the standard reflected CRC-32 (polynomial 0xEDB88320) of b.
// It matches zlib, PNG and the device firmware.
func CRC32(b []byte) uint32 {
	return crc32.Checksum(b, crc32.IEEETable)
}

// Concat flattens parts into one buffer.
//
// Numbers become a single byte (floored), booleans 0 or 1, strings are
// prefixed with their UTF-8 byte length as one byte, nested []any values are
// flattened and byte slices are copied as is. Anything else, nil included, is
// dropped.
func Concat(parts ...any) []byte {
	out := make([]byte, 0, 32)
	return appendParts(out, parts)
}

func appendParts(out []byte, parts []any) []byte {
	for _, part := range parts {
		switch v := part.(type) {
		case []byte:
			out = append(out, v...)
		case string:
			out = append(out, byte(len(v)))
			out = append(out, v...)
		case bool:
			if v {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		case []any:
			out = appendParts(out, v)
		case uint8:
			out = append(out, v)
		case int:
			out = append(out, byte(v))
		case int8:
			out = append(out, byte(v))
		case int16:
			out = append(out, byte(v))
		case int32:
			out = append(out, byte(v))
		case int64:
			out = append(out, byte(v))
		case uint:
			out = append(out, byte(v))
		case uint16:
			out = append(out, byte(v))
		case uint32:
			out = append(out, byte(v))
		case uint64:
			out = append(out, byte(v))
		case float32:
			out = append(out, byte(int64(math.Floor(float64(v)))))
		case float64:
			out = append(out, byte(int64(math.Floor(v))))
		}
	}

	return out
}

// Slice returns a copy of b[offset:offset+length]. Without length the copy
// runs to the end of b. Out of range bounds are clamped.
func Slice(b []byte, offset int, length ...int) []byte {
	offset = max(0, min(offset, len(b)))
	end := len(b)
	if len(length) > 0 {
		end = max(offset, min(offset+length[0], len(b)))
	}

	out := make([]byte, end-offset)
	copy(out, b[offset:end])

	return out
}

// Uint16LE reads a little-endian uint16 at offset.
func Uint16LE(b []byte, offset int) (uint16, error) {
	if offset < 0 || len(b) < offset+2 {
		return 0, fmt.Errorf("read uint16 at %d of %d bytes: %w", offset, len(b), ErrShortBuffer)
	}

	return binary.LittleEndian.Uint16(b[offset:]), nil
}

// Uint32LE reads a little-endian uint32 at offset.
func Uint32LE(b []byte, offset int) (uint32, error) {
	if offset < 0 || len(b) < offset+4 {
		return 0, fmt.Errorf("read uint32 at %d of %d bytes: %w", offset, len(b), ErrShortBuffer)
	}

	return binary.LittleEndian.Uint32(b[offset:]), nil
}

// ReconstructTimestamp expands the low 16 bits of a millisecond clock into a
// full unix millisecond timestamp using the upper bits of now.
//
// The device counter must stay within 65.536 seconds behind now; there is no
// correction for larger drift.
func ReconstructTimestamp(now time.Time, lower uint16) int64 {
	ms := now.UnixMilli()
	return ms - ms%65536 + int64(lower)
}

// ParseTimestamp reads the device's truncated clock at offset and
// reconstructs it against the local wall clock.
func ParseTimestamp(b []byte, offset int) (int64, error) {
	lower, err := Uint16LE(b, offset)
	if err != nil {
		return 0, fmt.Errorf("parse timestamp: %w", err)
	}

	return ReconstructTimestamp(time.Now(), lower), nil
}
