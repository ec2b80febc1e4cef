// Package transport defines the link a device is reached through. Adapters
// live in the sub packages.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedChannel = errors.New("transport: channel not supported")
	ErrNotConnected       = errors.New("transport: not connected")
)

// Channel is a logical stream carried by a transport.
type Channel uint8

const (
	// ChannelDevice carries framed device messages.
	ChannelDevice Channel = iota
	// ChannelSMP carries SMP management messages.
	ChannelSMP
	// ChannelBattery carries one byte battery level notifications. It is
	// receive only.
	ChannelBattery
)

func (c Channel) String() string {
	switch c {
	case ChannelDevice:
		return "device"
	case ChannelSMP:
		return "smp"
	case ChannelBattery:
		return "battery"
	}

	return fmt.Sprintf("Channel(%d)", uint8(c))
}

// Receiver is called for every chunk of bytes received, in arrival order and
// from a single goroutine.
type Receiver func(ch Channel, b []byte)

// Transport is a connection to one device.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	// Send writes b as one link layer write. b must fit the MTU.
	Send(ctx context.Context, ch Channel, b []byte) error
	// MTU returns the largest write the link accepts including its 3 byte
	// header, or 0 when unknown.
	MTU() int
	// SetReceiver must be called before Connect.
	SetReceiver(fn Receiver)
}
