// Package udp reaches a device, or a device simulator, over UDP datagrams.
//
// Every datagram holds one or more messages framed with a 2 byte length. The
// device learns where to send its datagrams from a setRemoteReceivePort
// message and answers pings with pongs. SMP is not carried.
package udp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/ffenix113/wearlink/framer"
	"github.com/ffenix113/wearlink/transport"
)

type MessageType uint8

const (
	MessagePing MessageType = iota
	MessagePong
	MessageSetRemoteReceivePort
	MessageBatteryLevel
	MessageMessage

	messageTypeCount
)

func (t MessageType) String() string {
	switch t {
	case MessagePing:
		return "ping"
	case MessagePong:
		return "pong"
	case MessageSetRemoteReceivePort:
		return "setRemoteReceivePort"
	case MessageBatteryLevel:
		return "batteryLevel"
	case MessageMessage:
		return "message"
	}

	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

type Message = framer.Message[MessageType]

// Protocol frames the messages inside one datagram.
var Protocol = framer.Protocol[MessageType]{
	Name:       "udp",
	Count:      messageTypeCount,
	LengthSize: 2,
}

const maxDatagram = 64 * 1024

var _ transport.Transport = (*Transport)(nil)

type Config struct {
	// DeviceAddr is the host:port the device listens on.
	DeviceAddr string
	// ListenAddr is the local address datagrams are received on. An empty
	// value picks any free port.
	ListenAddr string
	// MTU is reported by MTU. Zero means unknown.
	MTU int
}

type Transport struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	conn     *net.UDPConn
	device   *net.UDPAddr
	receiver transport.Receiver
	pong     chan struct{}
	done     chan struct{}
}

type Option func(*Transport)

func WithLogger(log *zap.Logger) Option {
	return func(t *Transport) {
		t.log = log
	}
}

func New(cfg Config, opts ...Option) *Transport {
	t := &Transport{
		cfg:  cfg,
		log:  zap.NewNop(),
		pong: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Transport) SetReceiver(fn transport.Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.receiver = fn
}

func (t *Transport) MTU() int {
	return t.cfg.MTU
}

// LocalAddr returns the address datagrams are received on, nil before
// Connect.
func (t *Transport) LocalAddr() *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Connect binds the receive socket, announces its port to the device and
// waits until the device answers a ping.
func (t *Transport) Connect(ctx context.Context) error {
	device, err := net.ResolveUDPAddr("udp", t.cfg.DeviceAddr)
	if err != nil {
		return fmt.Errorf("resolve device address: %w", err)
	}

	listen := t.cfg.ListenAddr
	if listen == "" {
		listen = ":0"
	}

	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.device = device
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.recvLoop(conn, t.done)

	port := make([]byte, 2)
	binary.LittleEndian.PutUint16(port, uint16(conn.LocalAddr().(*net.UDPAddr).Port))

	if err := t.write(
		Message{Type: MessageSetRemoteReceivePort, Data: port},
		Message{Type: MessagePing},
	); err != nil {
		_ = t.Close()
		return err
	}

	select {
	case <-t.pong:
	case <-ctx.Done():
		_ = t.Close()
		return fmt.Errorf("wait for pong: %w", ctx.Err())
	}

	t.log.Info("connected", zap.Stringer("device", device), zap.Stringer("local", conn.LocalAddr()))

	return nil
}

func (t *Transport) write(msgs ...Message) error {
	t.mu.Lock()
	conn, device := t.conn, t.device
	t.mu.Unlock()

	if conn == nil {
		return transport.ErrNotConnected
	}

	b, err := Protocol.Build(msgs...)
	if err != nil {
		return err
	}

	if _, err := conn.WriteToUDP(b, device); err != nil {
		return fmt.Errorf("write datagram: %w", err)
	}

	return nil
}

func (t *Transport) Send(ctx context.Context, ch transport.Channel, b []byte) error {
	if ch != transport.ChannelDevice {
		return fmt.Errorf("%w: %s", transport.ErrUnsupportedChannel, ch)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return t.write(Message{Type: MessageMessage, Data: b})
}

func (t *Transport) recvLoop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Error("read datagram", zap.Error(err))
			}
			return
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		if err := Protocol.Parse(pkt, func(m Message) error {
			return t.handle(from, m)
		}); err != nil {
			t.log.Error("parse datagram", zap.Stringer("from", from), zap.Error(err))
		}
	}
}

func (t *Transport) handle(from *net.UDPAddr, m Message) error {
	t.mu.Lock()
	receiver := t.receiver
	t.mu.Unlock()

	switch m.Type {
	case MessagePing:
		return t.write(Message{Type: MessagePong})
	case MessagePong:
		select {
		case t.pong <- struct{}{}:
		default:
		}
	case MessageBatteryLevel:
		if receiver != nil {
			receiver(transport.ChannelBattery, m.Data)
		}
	case MessageMessage:
		if receiver != nil {
			receiver(transport.ChannelDevice, m.Data)
		}
	default:
		t.log.Warn("unexpected datagram message", zap.Stringer("type", m.Type), zap.Stringer("from", from))
	}

	return nil
}

// Close stops receiving and waits for the receive loop to exit.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	<-done

	return err
}
