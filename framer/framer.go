// Package framer encodes and decodes streams of type-tagged, length-prefixed
// messages:
//
//	[type: u8][length: u8 or u16 LE][payload: length bytes] ...
//
// Messages are concatenated without separators; boundaries come only from
// the length field. Each protocol owns a closed set of message types and a
// fixed length width, described by a Protocol value.
package framer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidType     = errors.New("framer: invalid message type")
	ErrTruncated       = errors.New("framer: truncated message")
	ErrPayloadTooLarge = errors.New("framer: payload too large for length field")
)

// Type is a closed message type enum. Values from zero up to a protocol's
// Count are valid.
type Type interface {
	~uint8
	String() string
}

// Message is one framed message.
type Message[T Type] struct {
	Type T
	Data []byte
}

// Error reports a framing violation and where it happened.
type Error struct {
	Protocol string
	Offset   int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s message at offset %d: %s", e.Protocol, e.Offset, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Protocol describes one message table.
type Protocol[T Type] struct {
	// Name is used in errors.
	Name string
	// Count is the number of valid types; valid types are [0, Count).
	Count T
	// LengthSize is the width of the length field, 1 or 2 bytes.
	LengthSize int
}

// Valid reports whether t belongs to the protocol.
func (p Protocol[T]) Valid(t T) bool {
	return t < p.Count
}

// MaxPayload returns the largest payload the length field can describe.
func (p Protocol[T]) MaxPayload() int {
	if p.LengthSize == 1 {
		return 0xff
	}

	return 0xffff
}

// HeaderSize returns the number of bytes in front of every payload.
func (p Protocol[T]) HeaderSize() int {
	return 1 + p.lengthSize()
}

// FrameSize returns the encoded size of a message with n payload bytes.
func (p Protocol[T]) FrameSize(n int) int {
	return p.HeaderSize() + n
}

func (p Protocol[T]) lengthSize() int {
	if p.LengthSize == 1 {
		return 1
	}

	return 2
}

func (p Protocol[T]) fail(offset int, err error) error {
	return &Error{Protocol: p.Name, Offset: offset, Err: err}
}

// Parse walks b and calls fn for every message in order. b must hold whole
// messages only. Payload slices alias b.
//
// An unknown type or a short payload stops the parse with an *Error; an
// error returned by fn stops it as well and is returned unchanged.
func (p Protocol[T]) Parse(b []byte, fn func(Message[T]) error) error {
	lengthSize := p.lengthSize()

	for offset := 0; offset < len(b); {
		t := T(b[offset])
		if !p.Valid(t) {
			return p.fail(offset, fmt.Errorf("%w: %d", ErrInvalidType, uint8(t)))
		}

		if len(b)-offset < 1+lengthSize {
			return p.fail(offset, ErrTruncated)
		}

		var length int
		if lengthSize == 1 {
			length = int(b[offset+1])
		} else {
			length = int(binary.LittleEndian.Uint16(b[offset+1:]))
		}

		start := offset + 1 + lengthSize
		if len(b)-start < length {
			return p.fail(offset, fmt.Errorf("%w: %s wants %d bytes, %d left", ErrTruncated, t, length, len(b)-start))
		}

		if err := fn(Message[T]{Type: t, Data: b[start : start+length]}); err != nil {
			return err
		}

		offset = start + length
	}

	return nil
}

// Collect parses b into a slice of messages.
func (p Protocol[T]) Collect(b []byte) ([]Message[T], error) {
	var msgs []Message[T]
	err := p.Parse(b, func(m Message[T]) error {
		msgs = append(msgs, m)
		return nil
	})

	return msgs, err
}

// Build encodes msgs back to back.
func (p Protocol[T]) Build(msgs ...Message[T]) ([]byte, error) {
	size := 0
	for _, m := range msgs {
		size += p.FrameSize(len(m.Data))
	}

	out := make([]byte, 0, size)
	for _, m := range msgs {
		var err error
		if out, err = p.Append(out, m); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// Append encodes m onto b.
func (p Protocol[T]) Append(b []byte, m Message[T]) ([]byte, error) {
	if !p.Valid(m.Type) {
		return b, p.fail(len(b), fmt.Errorf("%w: %d", ErrInvalidType, uint8(m.Type)))
	}

	if len(m.Data) > p.MaxPayload() {
		return b, p.fail(len(b), fmt.Errorf("%w: %s has %d bytes", ErrPayloadTooLarge, m.Type, len(m.Data)))
	}

	b = append(b, byte(m.Type))
	if p.lengthSize() == 1 {
		b = append(b, byte(len(m.Data)))
	} else {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(m.Data)))
	}

	return append(b, m.Data...), nil
}
