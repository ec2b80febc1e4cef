package cbor

import (
	"errors"
	"fmt"
	"math/big"
	"unicode/utf8"

	fxcbor "github.com/fxamacker/cbor/v2"
)

// Major types.
const (
	majorText  byte = 3
	majorArray byte = 4
	majorMap   byte = 5
	majorTag   byte = 6
)

const (
	infoIndefinite byte = 31
	breakByte      byte = 0xff
	undefinedByte  byte = 0xf7
)

const defaultMaxNestedLevels = 64

var (
	ErrUnsupportedType = errors.New("cbor: unsupported type")
	ErrIntegerRange    = errors.New("cbor: integer out of range")
	ErrReservedSimple  = errors.New("cbor: reserved simple value")
)

// encMode writes the shortest form of every integer, length and float.
var encMode = func() fxcbor.EncMode {
	em, err := fxcbor.EncOptions{
		Sort:          fxcbor.SortBytewiseLexical,
		ShortestFloat: fxcbor.ShortestFloat16,
		NaNConvert:    fxcbor.NaNConvert7e00,
		InfConvert:    fxcbor.InfConvertFloat16,
		BigIntConvert: fxcbor.BigIntConvertShortest,
		NilContainers: fxcbor.NilContainerAsEmpty,
	}.EncMode()
	if err != nil {
		panic(err)
	}

	return em
}()

// Marshal encodes v. Integers and lengths always use their shortest form.
func Marshal(v any) ([]byte, error) {
	if err := check(v, 0); err != nil {
		return nil, err
	}

	return encMode.Marshal(v)
}

// check rejects values that have no place in the value model before they
// reach the encoder.
func check(v any, depth int) error {
	if depth > defaultMaxNestedLevels {
		return fmt.Errorf("%w: %d", ErrMaxNestedLevels, defaultMaxNestedLevels)
	}

	switch val := v.(type) {
	case nil, Undefined, bool, []byte, float32, float64,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case string:
		if !utf8.ValidString(val) {
			return fmt.Errorf("%w: %q", ErrInvalidUTF8, val)
		}
	case *big.Int:
		return checkBigInt(val)
	case Simple:
		if val >= 20 && val < 32 {
			return fmt.Errorf("%w: %d", ErrReservedSimple, val)
		}
	case Tag:
		return check(val.Content, depth+1)
	case []any:
		for _, item := range val {
			if err := check(item, depth+1); err != nil {
				return err
			}
		}
	case *Map:
		for _, p := range val.Pairs() {
			if err := check(p.Key, depth+1); err != nil {
				return err
			}
			if err := check(p.Value, depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		for k, item := range val {
			if err := check(k, depth+1); err != nil {
				return err
			}
			if err := check(item, depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}

	return nil
}

// checkBigInt accepts values a CBOR integer head can carry, -2^64 to
// 2^64-1. Anything wider would need a bignum tag.
func checkBigInt(n *big.Int) error {
	if n == nil || n.IsUint64() {
		return nil
	}

	if n.Sign() < 0 {
		abs := new(big.Int).Neg(n)
		abs.Sub(abs, big.NewInt(1))
		if abs.IsUint64() {
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrIntegerRange, n)
}

// MarshalCBOR writes the undefined simple value.
func (Undefined) MarshalCBOR() ([]byte, error) {
	return []byte{undefinedByte}, nil
}

// MarshalCBOR writes s in its single valid form. Values 20 to 23 belong to
// false, true, null and undefined and 24 to 31 are reserved.
func (s Simple) MarshalCBOR() ([]byte, error) {
	if s >= 20 && s < 32 {
		return nil, fmt.Errorf("%w: %d", ErrReservedSimple, s)
	}

	return fxcbor.SimpleValue(s).MarshalCBOR()
}

// MarshalCBOR writes the tag number followed by its content.
func (t Tag) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(fxcbor.Tag{Number: t.Number, Content: t.Content})
}

// MarshalCBOR writes the pairs in wire order.
func (m *Map) MarshalCBOR() ([]byte, error) {
	// The head of an unsigned integer differs from a map head only in the
	// major type bits.
	out, err := encMode.Marshal(uint64(m.Len()))
	if err != nil {
		return nil, err
	}
	out[0] |= majorMap << 5

	for _, p := range m.Pairs() {
		for _, item := range [2]any{p.Key, p.Value} {
			b, err := encMode.Marshal(item)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
	}

	return out, nil
}
