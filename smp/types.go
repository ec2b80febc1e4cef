package smp

import (
	"errors"
	"fmt"

	"github.com/ffenix113/wearlink/cbor"
)

var (
	ErrFlowInProgress = errors.New("smp: flow already in progress")
	ErrEngineReset    = errors.New("smp: engine state was reset")
	ErrMTUTooSmall    = errors.New("smp: mtu too small for upload chunk")
	ErrEmptyPayload   = errors.New("smp: empty payload")
	ErrShortDownload  = errors.New("smp: download ended before announced length")
)

// ErrorResponse is the SMP version 2 error object.
type ErrorResponse struct {
	Group uint16 `cbor:"group"`
	Rc    int    `cbor:"rc"`
}

// statusResponse holds the error fields every response may carry.
type statusResponse struct {
	Rc  *int           `cbor:"rc,omitempty"`
	Err *ErrorResponse `cbor:"err,omitempty"`
}

// err returns a *ResponseError when the response reports a failure.
func (s statusResponse) err(h Header) error {
	switch {
	case s.Err != nil && s.Err.Rc != 0:
		return &ResponseError{Group: Group(s.Err.Group), Command: h.Command, Rc: s.Err.Rc}
	case s.Rc != nil && *s.Rc != 0:
		return &ResponseError{Group: h.Group, Command: h.Command, Rc: *s.Rc}
	}

	return nil
}

// ResponseError is a non-zero return code reported by the device.
type ResponseError struct {
	Group   Group
	Command uint8
	Rc      int
}

var rcNames = [...]string{
	"ok", "unknown", "no memory", "invalid value", "timeout", "no entry",
	"bad state", "message too large", "not supported", "corrupt", "busy",
}

func (e *ResponseError) Error() string {
	name := "unknown"
	if e.Rc >= 0 && e.Rc < len(rcNames) {
		name = rcNames[e.Rc]
	}

	return fmt.Sprintf("smp %s command %d failed: rc=%d (%s)", e.Group, e.Command, e.Rc, name)
}

type uploadResponse struct {
	statusResponse
	Off   *uint32 `cbor:"off,omitempty"`
	Match *bool   `cbor:"match,omitempty"`
}

type downloadResponse struct {
	statusResponse
	Off  *uint32 `cbor:"off,omitempty"`
	Len  *uint32 `cbor:"len,omitempty"`
	Data []byte  `cbor:"data"`
}

type echoResponse struct {
	statusResponse
	R string `cbor:"r"`
}

type imageStateResponse struct {
	statusResponse
	Images      []imageInfo `cbor:"images"`
	SplitStatus *int        `cbor:"splitStatus,omitempty"`
}

type imageInfo struct {
	Image     *uint32 `cbor:"image,omitempty"`
	Slot      uint32  `cbor:"slot"`
	Version   string  `cbor:"version"`
	Hash      []byte  `cbor:"hash,omitempty"`
	Bootable  *bool   `cbor:"bootable,omitempty"`
	Pending   *bool   `cbor:"pending,omitempty"`
	Confirmed *bool   `cbor:"confirmed,omitempty"`
	Active    *bool   `cbor:"active,omitempty"`
	Permanent *bool   `cbor:"permanent,omitempty"`
}

func (i imageInfo) slot() ImageSlot {
	flag := func(b *bool) bool { return b != nil && *b }

	return ImageSlot{
		Slot:      int(i.Slot),
		Version:   i.Version,
		Hash:      i.Hash,
		Bootable:  flag(i.Bootable),
		Pending:   flag(i.Pending),
		Confirmed: flag(i.Confirmed),
		Active:    flag(i.Active),
		Permanent: flag(i.Permanent),
	}
}

// DecodeCBOR decodes a response body into T.
func DecodeCBOR[T any](data []byte) (T, error) {
	var val T
	if len(data) == 0 {
		return val, nil
	}

	if err := cbor.Decode(data, &val); err != nil {
		return val, fmt.Errorf("decode cbor: %w", err)
	}

	return val, nil
}
