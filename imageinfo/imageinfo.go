// Package imageinfo validates MCUboot firmware images and extracts the
// metadata needed before an upload.
package imageinfo

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

// Header layout, all fields little-endian.
const (
	Magic = 0x96f3b83d

	HeaderLength = 32

	offMagic        = 0
	offLoadAddr     = 4
	offHeaderSize   = 8
	offProtectedTLV = 10
	offImageSize    = 12
	offFlags        = 16
	offVersionMajor = 20
	offVersionMinor = 21
	offVersionPatch = 22

	// hashedTrailer is added to the image size to get the hashed span.
	hashedTrailer = 32

	tlvInfoMagic = 0x6907
	tlvSHA256    = 0x10
)

var (
	ErrTooShort     = errors.New("invalid image (too short for header)")
	ErrWrongMagic   = errors.New("invalid image (wrong magic bytes)")
	ErrLoadAddress  = errors.New("invalid image (wrong load address)")
	ErrProtectedTLV = errors.New("invalid image (wrong protected TLV size)")
	ErrFlags        = errors.New("invalid image (wrong flags)")
	ErrImageSize    = errors.New("invalid image (wrong image size)")
)

// Info is the metadata of a valid image.
type Info struct {
	HeaderSize uint16
	ImageSize  uint32
	Major      uint8
	Minor      uint8
	Patch      uint16
	// Version is "major.minor.patch".
	Version string
	// Hash is the hex SHA-256 of the header and image.
	Hash string
	// TLVHash is the hex SHA-256 stored in the image trailer, empty when the
	// image carries no hash TLV.
	TLVHash string
}

// Parse validates b and extracts its metadata.
func Parse(b []byte) (Info, error) {
	if len(b) < HeaderLength {
		return Info{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}

	le := binary.LittleEndian
	switch {
	case le.Uint32(b[offMagic:]) != Magic:
		return Info{}, ErrWrongMagic
	case le.Uint32(b[offLoadAddr:]) != 0:
		return Info{}, ErrLoadAddress
	case le.Uint16(b[offProtectedTLV:]) != 0:
		return Info{}, ErrProtectedTLV
	case le.Uint32(b[offFlags:]) != 0:
		return Info{}, ErrFlags
	}

	info := Info{
		HeaderSize: le.Uint16(b[offHeaderSize:]),
		ImageSize:  le.Uint32(b[offImageSize:]),
		Major:      b[offVersionMajor],
		Minor:      b[offVersionMinor],
		Patch:      le.Uint16(b[offVersionPatch:]),
	}

	if uint64(len(b)) < uint64(info.ImageSize)+uint64(info.HeaderSize) {
		return Info{}, fmt.Errorf("%w: %d bytes, header %d + image %d", ErrImageSize, len(b), info.HeaderSize, info.ImageSize)
	}

	info.Version = fmt.Sprintf("%d.%d.%d", info.Major, info.Minor, info.Patch)

	hashed := min(uint64(info.ImageSize)+hashedTrailer, uint64(len(b)))
	sum := sha256.Sum256(b[:hashed])
	info.Hash = hex.EncodeToString(sum[:])

	if h := tlvHash(b, int(info.HeaderSize)+int(info.ImageSize)); h != nil {
		info.TLVHash = hex.EncodeToString(h)
	}

	return info, nil
}

// ParseFile reads and parses the image at path.
func ParseFile(path string) (Info, []byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Info{}, nil, fmt.Errorf("read image: %w", err)
	}

	info, err := Parse(b)
	if err != nil {
		return Info{}, nil, fmt.Errorf("%s: %w", path, err)
	}

	return info, b, nil
}

// tlvHash returns the SHA-256 TLV from the trailer area starting at off.
func tlvHash(b []byte, off int) []byte {
	if off+4 > len(b) || binary.LittleEndian.Uint16(b[off:]) != tlvInfoMagic {
		return nil
	}

	end := min(off+int(binary.LittleEndian.Uint16(b[off+2:])), len(b))
	for p := off + 4; p+4 <= end; {
		typ := binary.LittleEndian.Uint16(b[p:])
		n := int(binary.LittleEndian.Uint16(b[p+2:]))
		p += 4

		if p+n > end {
			return nil
		}

		if typ == tlvSHA256 && n == sha256.Size {
			return b[p : p+n]
		}

		p += n
	}

	return nil
}
