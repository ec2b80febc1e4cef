// Package ws reaches a device through a WebSocket bridge server.
//
// Every binary WebSocket message carries bridge messages framed with a 2
// byte length. Device traffic travels in deviceMessage frames whose payload
// is the device id, as a length prefixed string, followed by connection
// frames: smp, rx, tx and batteryLevel.
package ws

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ffenix113/wearlink/framer"
	"github.com/ffenix113/wearlink/transport"
	"github.com/ffenix113/wearlink/wire"
)

var (
	ErrRefused      = errors.New("ws: bridge refused connection")
	ErrBadDeviceID  = errors.New("ws: malformed device id")
	ErrBridgeClosed = errors.New("ws: bridge connection closed")
)

// MessageType is a bridge level message.
type MessageType uint8

const (
	// MessageConnect asks the bridge to attach to a device: [id].
	MessageConnect MessageType = iota
	// MessageConnected confirms an attach: [id][mtu: u16 LE].
	MessageConnected
	// MessageDisconnect detaches from a device: [id].
	MessageDisconnect
	// MessageDeviceMessage carries connection frames: [id][frames...].
	MessageDeviceMessage
	// MessageError reports a failure as UTF-8 text.
	MessageError

	messageTypeCount
)

func (t MessageType) String() string {
	switch t {
	case MessageConnect:
		return "connect"
	case MessageConnected:
		return "connected"
	case MessageDisconnect:
		return "disconnect"
	case MessageDeviceMessage:
		return "deviceMessage"
	case MessageError:
		return "error"
	}

	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Bridge frames messages exchanged with the bridge server.
var Bridge = framer.Protocol[MessageType]{
	Name:       "bridge",
	Count:      messageTypeCount,
	LengthSize: 2,
}

type Message = framer.Message[MessageType]

// ConnectionType is a frame inside a deviceMessage.
type ConnectionType uint8

const (
	ConnectionSMP ConnectionType = iota
	// ConnectionRx is device to host traffic on the device channel.
	ConnectionRx
	// ConnectionTx is host to device traffic on the device channel.
	ConnectionTx
	ConnectionBatteryLevel

	connectionTypeCount
)

func (t ConnectionType) String() string {
	switch t {
	case ConnectionSMP:
		return "smp"
	case ConnectionRx:
		return "rx"
	case ConnectionTx:
		return "tx"
	case ConnectionBatteryLevel:
		return "batteryLevel"
	}

	return fmt.Sprintf("ConnectionType(%d)", uint8(t))
}

// Connection frames the traffic of one device.
var Connection = framer.Protocol[ConnectionType]{
	Name:       "connection",
	Count:      connectionTypeCount,
	LengthSize: 2,
}

type ConnectionMessage = framer.Message[ConnectionType]

// DeviceMessage builds a deviceMessage payload for id.
func DeviceMessage(id string, msgs ...ConnectionMessage) ([]byte, error) {
	if len(id) > 0xff {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadDeviceID, len(id))
	}

	frames, err := Connection.Build(msgs...)
	if err != nil {
		return nil, err
	}

	return wire.Concat(id, frames), nil
}

// SplitDeviceID splits a payload that starts with a length prefixed device
// id.
func SplitDeviceID(b []byte) (id string, rest []byte, err error) {
	if len(b) < 1 || len(b) < 1+int(b[0]) {
		return "", nil, ErrBadDeviceID
	}

	n := int(b[0])
	return string(b[1 : 1+n]), b[1+n:], nil
}

var _ transport.Transport = (*Transport)(nil)

type Config struct {
	// URL of the bridge, ws:// or wss://.
	URL string
	// DeviceID selects the device behind the bridge.
	DeviceID string
	Header   http.Header
}

type Transport struct {
	cfg    Config
	log    *zap.Logger
	dialer *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	receiver  transport.Receiver
	mtu       int
	connected chan error
	done      chan struct{}
}

type Option func(*Transport)

func WithLogger(log *zap.Logger) Option {
	return func(t *Transport) {
		t.log = log
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		t.dialer = d
	}
}

func New(cfg Config, opts ...Option) *Transport {
	t := &Transport{
		cfg:    cfg,
		log:    zap.NewNop(),
		dialer: websocket.DefaultDialer,
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

// MTU returns the MTU the bridge reported for the device.
func (t *Transport) MTU() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.mtu
}

// Connect dials the bridge and attaches to the configured device.
func (t *Transport) Connect(ctx context.Context) error {
	if len(t.cfg.DeviceID) > 0xff {
		return fmt.Errorf("%w: %d bytes", ErrBadDeviceID, len(t.cfg.DeviceID))
	}

	conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial bridge: %w", err)
	}

	connected := make(chan error, 1)
	done := make(chan struct{})

	t.mu.Lock()
	t.conn = conn
	t.connected = connected
	t.done = done
	t.mu.Unlock()

	go t.readLoop(conn, done)

	if err := t.write(Message{Type: MessageConnect, Data: wire.Concat(t.cfg.DeviceID)}); err != nil {
		_ = t.Close()
		return err
	}

	select {
	case err := <-connected:
		if err != nil {
			_ = t.Close()
			return err
		}
	case <-ctx.Done():
		_ = t.Close()
		return fmt.Errorf("wait for device %q: %w", t.cfg.DeviceID, ctx.Err())
	}

	t.log.Info("connected", zap.String("url", t.cfg.URL), zap.String("device", t.cfg.DeviceID), zap.Int("mtu", t.MTU()))

	return nil
}

func (t *Transport) write(msgs ...Message) error {
	b, err := Bridge.Build(msgs...)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return transport.ErrNotConnected
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("write bridge message: %w", err)
	}

	return nil
}

func (t *Transport) Send(ctx context.Context, ch transport.Channel, b []byte) error {
	var ct ConnectionType
	switch ch {
	case transport.ChannelDevice:
		ct = ConnectionTx
	case transport.ChannelSMP:
		ct = ConnectionSMP
	default:
		return fmt.Errorf("%w: %s", transport.ErrUnsupportedChannel, ch)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := DeviceMessage(t.cfg.DeviceID, ConnectionMessage{Type: ct, Data: b})
	if err != nil {
		return err
	}

	return t.write(Message{Type: MessageDeviceMessage, Data: payload})
}

func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer t.signalConnected(ErrBridgeClosed)

	for {
		kind, b, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				t.log.Debug("bridge read ended", zap.Error(err))
			}
			return
		}

		if kind != websocket.BinaryMessage {
			continue
		}

		if err := Bridge.Parse(b, t.handle); err != nil {
			t.log.Error("parse bridge message", zap.Error(err))
		}
	}
}

// signalConnected resolves a pending Connect, at most once.
func (t *Transport) signalConnected(err error) {
	t.mu.Lock()
	ch := t.connected
	t.connected = nil
	t.mu.Unlock()

	if ch != nil {
		ch <- err
	}
}

func (t *Transport) handle(m Message) error {
	switch m.Type {
	case MessageConnected:
		id, rest, err := SplitDeviceID(m.Data)
		if err != nil {
			return err
		}
		if id != t.cfg.DeviceID {
			return nil
		}

		if len(rest) >= 2 {
			t.mu.Lock()
			t.mtu = int(binary.LittleEndian.Uint16(rest))
			t.mu.Unlock()
		}
		t.signalConnected(nil)
	case MessageError:
		t.log.Error("bridge error", zap.String("message", string(m.Data)))
		t.signalConnected(fmt.Errorf("%w: %s", ErrRefused, m.Data))
	case MessageDeviceMessage:
		id, rest, err := SplitDeviceID(m.Data)
		if err != nil {
			return err
		}
		if id != t.cfg.DeviceID {
			t.log.Debug("message for other device", zap.String("device", id))
			return nil
		}

		return Connection.Parse(rest, t.dispatch)
	default:
		t.log.Warn("unexpected bridge message", zap.Stringer("type", m.Type))
	}

	return nil
}

func (t *Transport) dispatch(m ConnectionMessage) error {
	t.mu.Lock()
	receiver := t.receiver
	t.mu.Unlock()

	if receiver == nil {
		return nil
	}

	switch m.Type {
	case ConnectionRx:
		receiver(transport.ChannelDevice, m.Data)
	case ConnectionSMP:
		receiver(transport.ChannelSMP, m.Data)
	case ConnectionBatteryLevel:
		receiver(transport.ChannelBattery, m.Data)
	default:
		t.log.Warn("unexpected connection frame", zap.Stringer("type", m.Type))
	}

	return nil
}

// Close detaches from the device and closes the bridge connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	_ = t.write(Message{Type: MessageDisconnect, Data: wire.Concat(t.cfg.DeviceID)})

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()
	t.writeMu.Unlock()

	err := conn.Close()
	<-done

	return err
}
