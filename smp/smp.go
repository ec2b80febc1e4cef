// Package smp implements the MCUmgr Simple Management Protocol client used
// for firmware updates and file access on the device.
//
// Every message is an 8 byte big-endian header followed by a CBOR body:
//
//	[op][flags][len hi][len lo][group hi][group lo][seq][command] body...
package smp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the SMP header.
const HeaderSize = 8

// Protocol versions, carried in bits 3-4 of the first header byte.
const (
	VersionLegacy = 0b00
	Version2      = 0b01
)

type Op uint8

const (
	OpRead          Op = 0x00
	OpReadResponse  Op = 0x01
	OpWrite         Op = 0x02
	OpWriteResponse Op = 0x03
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpReadResponse:
		return "readResponse"
	case OpWrite:
		return "write"
	case OpWriteResponse:
		return "writeResponse"
	}

	return fmt.Sprintf("Op(%d)", uint8(o))
}

// IsResponse reports whether o is a response op.
func (o Op) IsResponse() bool {
	return o == OpReadResponse || o == OpWriteResponse
}

type Group uint16

// Group IDs as assigned by Zephyr's MCUmgr.
const (
	GroupOS          Group = 0
	GroupImage       Group = 1
	GroupStats       Group = 2
	GroupSettings    Group = 3
	GroupLog         Group = 4
	GroupCrash       Group = 5
	GroupSplit       Group = 6
	GroupRun         Group = 7
	GroupFS          Group = 8
	GroupShell       Group = 9
	GroupUserDefined Group = 64
)

func (g Group) String() string {
	switch g {
	case GroupOS:
		return "os"
	case GroupImage:
		return "image"
	case GroupStats:
		return "stats"
	case GroupSettings:
		return "settings"
	case GroupLog:
		return "log"
	case GroupCrash:
		return "crash"
	case GroupSplit:
		return "split"
	case GroupRun:
		return "run"
	case GroupFS:
		return "fs"
	case GroupShell:
		return "shell"
	}

	return fmt.Sprintf("Group(%d)", uint16(g))
}

// Command IDs of the OS group.
const (
	CmdOSEcho  uint8 = 0x00
	CmdOSReset uint8 = 0x05
)

// Command IDs of the image group.
const (
	CmdImageState  uint8 = 0x00
	CmdImageUpload uint8 = 0x01
	CmdImageErase  uint8 = 0x05
)

// Command IDs of the file system group.
const (
	CmdFSFile uint8 = 0x00
)

var (
	ErrFrameTooShort  = errors.New("smp: frame shorter than header")
	ErrLengthMismatch = errors.New("smp: body length does not match header")
	ErrInvalidVersion = errors.New("smp: invalid protocol version")
)

type Header struct {
	Version  uint8
	Op       Op
	Flags    uint8
	Length   uint16
	Group    Group
	Sequence uint8
	Command  uint8
}

// AppendTo encodes h onto b.
func (h Header) AppendTo(b []byte) []byte {
	b = append(b, h.Version<<3|uint8(h.Op)&0x07, h.Flags)
	b = binary.BigEndian.AppendUint16(b, h.Length)
	b = binary.BigEndian.AppendUint16(b, uint16(h.Group))
	return append(b, h.Sequence, h.Command)
}

// ParseHeader decodes the header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(b))
	}

	return Header{
		Version:  (b[0] >> 3) & 0x03,
		Op:       Op(b[0] & 0x07),
		Flags:    b[1],
		Length:   binary.BigEndian.Uint16(b[2:]),
		Group:    Group(binary.BigEndian.Uint16(b[4:])),
		Sequence: b[6],
		Command:  b[7],
	}, nil
}

// Frame is one complete SMP message.
type Frame struct {
	Header Header
	Body   []byte
}

// Bytes encodes f. The header length is taken from the body.
func (f Frame) Bytes() []byte {
	h := f.Header
	h.Length = uint16(len(f.Body))

	return append(h.AppendTo(make([]byte, 0, HeaderSize+len(f.Body))), f.Body...)
}

// ParseFrame decodes a complete message. b must hold exactly one message.
func ParseFrame(b []byte) (Frame, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Frame{}, err
	}

	if int(h.Length) != len(b)-HeaderSize {
		return Frame{}, fmt.Errorf("%w: header %d, actual %d", ErrLengthMismatch, h.Length, len(b)-HeaderSize)
	}

	f := Frame{Header: h, Body: b[HeaderSize:]}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}

	return f, nil
}

// Validate checks the header against the body.
func (f Frame) Validate() error {
	if int(f.Header.Length) != len(f.Body) {
		return fmt.Errorf("%w: header %d, actual %d", ErrLengthMismatch, f.Header.Length, len(f.Body))
	}

	if f.Header.Version != VersionLegacy && f.Header.Version != Version2 {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, f.Header.Version)
	}

	return nil
}
