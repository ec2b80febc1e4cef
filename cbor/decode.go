package cbor

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	fxcbor "github.com/fxamacker/cbor/v2"
)

var (
	ErrTrailingBytes   = errors.New("cbor: trailing bytes after top-level value")
	ErrTruncated       = errors.New("cbor: unexpected end of data")
	ErrMalformed       = errors.New("cbor: malformed data item")
	ErrInvalidUTF8     = errors.New("cbor: invalid UTF-8 text string")
	ErrMaxNestedLevels = errors.New("cbor: exceeded max nested levels")
)

// DecodeError reports where in the input decoding failed. Offset is the
// start of the data item that could not be decoded.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s (offset %d)", e.Err.Error(), e.Offset)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecOptions configures decoding.
type DecOptions struct {
	// TagHandler interprets tagged items. Without it tags decode to Tag.
	TagHandler func(number uint64, content any) (any, error)

	// SimpleHandler interprets simple values other than false, true, null
	// and undefined. Without it they decode to Simple.
	SimpleHandler func(value uint8) (any, error)

	// MaxNestedLevels limits array, map and tag nesting. Zero means 64.
	MaxNestedLevels int
}

var defaultDecMode = mustDecMode(defaultMaxNestedLevels)

func newDecMode(levels int) (fxcbor.DecMode, error) {
	// fxamacker accepts 4 to 65535; the walker enforces lower limits itself.
	return fxcbor.DecOptions{
		MaxNestedLevels: min(max(levels, 4), 65535),
		IntDec:          fxcbor.IntDecConvertNone,
		BigIntDec:       fxcbor.BigIntDecodePointer,
		UTF8:            fxcbor.UTF8RejectInvalid,
	}.DecMode()
}

func mustDecMode(levels int) fxcbor.DecMode {
	dm, err := newDecMode(levels)
	if err != nil {
		panic(err)
	}

	return dm
}

// Decode decodes exactly one data item from data into the Go value v,
// following fxamacker/cbor struct tag rules.
func Decode(data []byte, v any) error {
	rest, err := defaultDecMode.UnmarshalFirst(data, v)
	if err != nil {
		return &DecodeError{Err: mapError(err)}
	}

	if len(rest) > 0 {
		return &DecodeError{Offset: len(data) - len(rest), Err: ErrTrailingBytes}
	}

	return nil
}

// Unmarshal decodes exactly one data item from data using default options.
func Unmarshal(data []byte) (any, error) {
	return DecOptions{}.Unmarshal(data)
}

// Unmarshal decodes exactly one data item from data. Bytes left after the
// item are an error.
func (o DecOptions) Unmarshal(data []byte) (any, error) {
	maxDepth := o.MaxNestedLevels
	if maxDepth <= 0 {
		maxDepth = defaultMaxNestedLevels
	}

	dm := defaultDecMode
	if maxDepth != defaultMaxNestedLevels {
		var err error
		if dm, err = newDecMode(maxDepth); err != nil {
			return nil, err
		}
	}

	// Syntax only; tag contents are left to TagHandler. Extra bytes after a
	// well-formed item are reported once the item has been walked.
	var extra *fxcbor.ExtraneousDataError
	if err := dm.Wellformed(data); err != nil && !errors.As(err, &extra) {
		return nil, &DecodeError{Err: mapError(err)}
	}

	d := decoder{dm: dm, opts: o, data: data, maxDepth: maxDepth}

	v, err := d.value(0)
	if err != nil {
		return nil, err
	}

	if d.off != len(data) {
		return nil, d.fail(d.off, ErrTrailingBytes)
	}

	return v, nil
}

// mapError translates fxamacker errors to this package's sentinels. Errors
// without a counterpart are returned as they are.
func mapError(err error) error {
	var (
		extra  *fxcbor.ExtraneousDataError
		nested *fxcbor.MaxNestedLevelError
		syntax *fxcbor.SyntaxError
	)

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ErrTruncated
	case errors.As(err, &extra):
		return ErrTrailingBytes
	case errors.As(err, &nested):
		return ErrMaxNestedLevels
	case errors.As(err, &syntax):
		return fmt.Errorf("%w: %s", ErrMalformed, strings.TrimPrefix(syntax.Error(), "cbor: "))
	}

	return err
}

// decoder walks a well-formed item. Containers and tags are read here so map
// pairs keep their order; every other item is decoded by fxamacker.
type decoder struct {
	dm       fxcbor.DecMode
	opts     DecOptions
	data     []byte
	off      int
	maxDepth int
}

func (d *decoder) fail(off int, err error) error {
	return &DecodeError{Offset: off, Err: err}
}

// head reads the initial byte and argument of the item at the offset.
func (d *decoder) head() (arg uint64, indefinite bool, err error) {
	if d.off >= len(d.data) {
		return 0, false, d.fail(d.off, ErrTruncated)
	}

	info := d.data[d.off] & 0x1f
	switch {
	case info < 24:
		d.off++
		return uint64(info), false, nil
	case info == infoIndefinite:
		d.off++
		return 0, true, nil
	case info > 27:
		return 0, false, d.fail(d.off, ErrMalformed)
	}

	size := 1 << (info - 24)
	if len(d.data)-d.off-1 < size {
		return 0, false, d.fail(d.off, ErrTruncated)
	}

	for _, b := range d.data[d.off+1 : d.off+1+size] {
		arg = arg<<8 | uint64(b)
	}
	d.off += 1 + size

	return arg, false, nil
}

// atBreak consumes a break byte if one is next.
func (d *decoder) atBreak() bool {
	if d.off < len(d.data) && d.data[d.off] == breakByte {
		d.off++
		return true
	}

	return false
}

// capHint bounds preallocation by what the remaining input can hold.
func (d *decoder) capHint(n uint64, indefinite bool) int {
	if indefinite {
		return 4
	}

	return int(min(n, uint64(len(d.data)-d.off)))
}

func (d *decoder) value(depth int) (any, error) {
	if depth > d.maxDepth {
		return nil, d.fail(d.off, ErrMaxNestedLevels)
	}

	if d.off >= len(d.data) {
		return nil, d.fail(d.off, ErrTruncated)
	}

	start := d.off

	switch d.data[d.off] >> 5 {
	case majorArray:
		n, indefinite, err := d.head()
		if err != nil {
			return nil, err
		}

		arr := make([]any, 0, d.capHint(n, indefinite))
		for i := uint64(0); indefinite || i < n; i++ {
			if indefinite && d.atBreak() {
				break
			}

			item, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}

		return arr, nil
	case majorMap:
		n, indefinite, err := d.head()
		if err != nil {
			return nil, err
		}

		m := &Map{pairs: make([]Pair, 0, d.capHint(n, indefinite))}
		for i := uint64(0); indefinite || i < n; i++ {
			if indefinite && d.atBreak() {
				break
			}

			k, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}

			v, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}

			m.pairs = append(m.pairs, Pair{Key: k, Value: v})
		}

		return m, nil
	case majorTag:
		number, _, err := d.head()
		if err != nil {
			return nil, err
		}

		content, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}

		if d.opts.TagHandler == nil {
			return Tag{Number: number, Content: content}, nil
		}

		v, err := d.opts.TagHandler(number, content)
		if err != nil {
			return nil, d.fail(start, err)
		}

		return v, nil
	}

	return d.scalar()
}

func (d *decoder) scalar() (any, error) {
	start := d.off
	if d.data[start] == undefinedByte {
		d.off++
		return Undefined{}, nil
	}

	var v any
	rest, err := d.dm.UnmarshalFirst(d.data[start:], &v)
	if err != nil {
		var semantic *fxcbor.SemanticError
		if d.data[start]>>5 == majorText && errors.As(err, &semantic) {
			return nil, d.fail(start, ErrInvalidUTF8)
		}

		return nil, d.fail(start, mapError(err))
	}
	d.off = len(d.data) - len(rest)

	switch val := v.(type) {
	case uint64:
		if val <= math.MaxInt64 {
			return int64(val), nil
		}
	case []byte:
		if val == nil {
			return []byte{}, nil
		}
	case fxcbor.SimpleValue:
		if d.opts.SimpleHandler == nil {
			return Simple(val), nil
		}

		out, err := d.opts.SimpleHandler(uint8(val))
		if err != nil {
			return nil, d.fail(start, err)
		}

		return out, nil
	}

	return v, nil
}
