package imageinfo

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"regexp"
	"testing"
)

func testImage(imageSize int, withTLV bool) []byte {
	b := make([]byte, HeaderLength+imageSize)
	binary.LittleEndian.PutUint32(b[0:], Magic)
	binary.LittleEndian.PutUint16(b[8:], HeaderLength)
	binary.LittleEndian.PutUint32(b[12:], uint32(imageSize))
	b[20] = 1
	b[21] = 2
	binary.LittleEndian.PutUint16(b[22:], 300)

	for i := HeaderLength; i < len(b); i++ {
		b[i] = byte(i)
	}

	if withTLV {
		sum := sha256.Sum256(b)
		b = binary.LittleEndian.AppendUint16(b, tlvInfoMagic)
		b = binary.LittleEndian.AppendUint16(b, 4+4+sha256.Size)
		b = binary.LittleEndian.AppendUint16(b, tlvSHA256)
		b = binary.LittleEndian.AppendUint16(b, sha256.Size)
		b = append(b, sum[:]...)
	}

	return b
}

func TestParse(t *testing.T) {
	t.Parallel()

	b := testImage(100, false)

	info, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %s", err.Error())
	}

	if info.Version != "1.2.300" {
		t.Fatalf("version = %q", info.Version)
	}

	if !regexp.MustCompile(`^\d+\.\d+\.\d+$`).MatchString(info.Version) {
		t.Fatalf("version %q is not major.minor.patch", info.Version)
	}

	if info.HeaderSize != HeaderLength || info.ImageSize != 100 {
		t.Fatalf("unexpected sizes %+v", info)
	}

	sum := sha256.Sum256(b[:100+32])
	if info.Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash = %s", info.Hash)
	}

	if info.TLVHash != "" {
		t.Fatalf("image without trailer must have no TLV hash")
	}
}

func TestParseTLVHash(t *testing.T) {
	t.Parallel()

	b := testImage(64, true)

	info, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %s", err.Error())
	}

	sum := sha256.Sum256(b[:HeaderLength+64])
	if info.TLVHash != hex.EncodeToString(sum[:]) {
		t.Fatalf("TLV hash = %s", info.TLVHash)
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(b []byte) []byte
		wantErr error
	}{
		{name: "short", mutate: func(b []byte) []byte { return b[:10] }, wantErr: ErrTooShort},
		{name: "magic", mutate: func(b []byte) []byte { b[0] ^= 0xff; return b }, wantErr: ErrWrongMagic},
		{name: "load address", mutate: func(b []byte) []byte { b[5] = 1; return b }, wantErr: ErrLoadAddress},
		{name: "protected tlv", mutate: func(b []byte) []byte { b[10] = 1; return b }, wantErr: ErrProtectedTLV},
		{name: "flags", mutate: func(b []byte) []byte { b[19] = 1; return b }, wantErr: ErrFlags},
		{name: "image size", mutate: func(b []byte) []byte { return b[:len(b)-1] }, wantErr: ErrImageSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Parse(tt.mutate(testImage(100, false)))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("want %v, got %v", tt.wantErr, err)
			}

			if info != (Info{}) {
				t.Fatalf("no metadata expected on failure, got %+v", info)
			}
		})
	}

	if ErrWrongMagic.Error() != "invalid image (wrong magic bytes)" {
		t.Fatalf("unexpected message %q", ErrWrongMagic.Error())
	}
}
