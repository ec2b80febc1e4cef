// Package wearlink connects to a wearable sensor device and wires its
// transport to the framing, file transfer and firmware update layers.
package wearlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ffenix113/wearlink/event"
	"github.com/ffenix113/wearlink/filetransfer"
	"github.com/ffenix113/wearlink/protocol"
	"github.com/ffenix113/wearlink/sensor"
	"github.com/ffenix113/wearlink/smp"
	"github.com/ffenix113/wearlink/transport"
	"github.com/ffenix113/wearlink/txqueue"
	"github.com/ffenix113/wearlink/wire"
)

var ErrClosed = errors.New("device connection closed")

var _ filetransfer.Link = (*Device)(nil)

// Device is a connection to one device. Received bytes are parsed and
// dispatched on the transport's receive goroutine; outgoing device messages
// go through a transmit queue.
type Device struct {
	Files *filetransfer.Manager
	SMP   *smp.Engine

	// Messages publishes every device message after it was handled.
	Messages   event.Topic[protocol.Message]
	SensorData event.Topic[sensor.Frame]
	Battery    event.Topic[uint8]
	Charging   event.Topic[bool]
	MTUChanged event.Topic[int]
	// Errors publishes protocol violations found in received data.
	Errors event.Topic[error]

	tr          transport.Transport
	log         *zap.Logger
	queue       *txqueue.Queue
	ackTimeout  time.Duration
	mtuOverride int

	mu           sync.Mutex
	mtu          int
	battery      uint8
	batteryKnown bool
	charging     bool
	waiters      []*waiter
}

type waiter struct {
	reply protocol.MessageType
	ch    chan result
}

type result struct {
	msg protocol.Message
	err error
}

type Option func(*Device)

func WithLogger(log *zap.Logger) Option {
	return func(d *Device) {
		d.log = log
	}
}

// WithAckTimeout bounds every request/acknowledge exchange, on the device
// channel and for SMP commands. By default requests wait until their
// context is done.
func WithAckTimeout(timeout time.Duration) Option {
	return func(d *Device) {
		d.ackTimeout = timeout
	}
}

// WithMTU overrides the MTU reported by the transport and the device.
func WithMTU(mtu int) Option {
	return func(d *Device) {
		d.mtuOverride = mtu
	}
}

// NewDevice wires a device to tr. It takes over tr's receiver.
func NewDevice(tr transport.Transport, opts ...Option) *Device {
	d := &Device{
		tr:  tr,
		log: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.queue = txqueue.New(func(ctx context.Context, chunk []byte) error {
		return tr.Send(ctx, transport.ChannelDevice, chunk)
	}, d.MTU, txqueue.WithLogger(d.log.Named("tx")))

	d.Files = filetransfer.NewManager(d, filetransfer.WithLogger(d.log.Named("files")))

	smpOpts := []smp.Option{smp.WithLogger(d.log.Named("smp"))}
	if d.ackTimeout > 0 {
		smpOpts = append(smpOpts, smp.WithAckTimeout(d.ackTimeout))
	}
	if d.mtuOverride > 0 {
		smpOpts = append(smpOpts, smp.WithMTU(d.mtuOverride))
	}
	d.SMP = smp.NewEngine(func(ctx context.Context, b []byte) error {
		return tr.Send(ctx, transport.ChannelSMP, b)
	}, smpOpts...)

	tr.SetReceiver(d.receive)

	return d
}

// Connect opens the transport and asks the device for its MTU, battery and
// file transfer state. It does not wait for the answers.
func (d *Device) Connect(ctx context.Context) error {
	if err := d.tr.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}

	if mtu := d.tr.MTU(); mtu > 0 && d.mtuOverride == 0 {
		d.SMP.SetMTU(mtu)
	}

	requests := []protocol.MessageType{
		protocol.MessageGetMTU,
		protocol.MessageIsCharging,
		protocol.MessageMaxFileLength,
		protocol.MessageGetFileType,
		protocol.MessageGetFileLength,
		protocol.MessageGetFileChecksum,
	}

	msgs := make([]protocol.Message, len(requests))
	for i, t := range requests {
		msgs[i] = protocol.Message{Type: t}
	}

	if err := d.Send(ctx, msgs...); err != nil {
		return fmt.Errorf("request initial state: %w", err)
	}

	return nil
}

// Close closes the transport. Pending requests and SMP flows fail.
func (d *Device) Close() error {
	err := d.tr.Close()

	d.mu.Lock()
	waiters := d.waiters
	d.waiters = nil
	d.mu.Unlock()

	for _, w := range waiters {
		w.ch <- result{err: ErrClosed}
	}

	d.SMP.ResetState()

	return err
}

// MTU returns the MTU to pack writes for: the override, the value the device
// reported or the transport's, in that order. Zero means unknown.
func (d *Device) MTU() int {
	if d.mtuOverride > 0 {
		return d.mtuOverride
	}

	d.mu.Lock()
	mtu := d.mtu
	d.mu.Unlock()

	if mtu > 0 {
		return mtu
	}

	return d.tr.MTU()
}

// BatteryLevel returns the last reported battery level in percent.
func (d *Device) BatteryLevel() (uint8, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.battery, d.batteryKnown
}

func (d *Device) IsCharging() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.charging
}

// Send frames msgs, queues them and flushes the queue.
func (d *Device) Send(ctx context.Context, msgs ...protocol.Message) error {
	for _, m := range msgs {
		b, err := protocol.Device.Build(m)
		if err != nil {
			return err
		}

		d.queue.Enqueue(b)
	}

	return d.queue.Flush(ctx)
}

// Request sends msgs and waits for the next message of type reply. The reply
// has been handled by the device, file transfer included, when Request
// returns.
func (d *Device) Request(ctx context.Context, reply protocol.MessageType, msgs ...protocol.Message) (protocol.Message, error) {
	w := &waiter{reply: reply, ch: make(chan result, 1)}

	d.mu.Lock()
	d.waiters = append(d.waiters, w)
	d.mu.Unlock()
	defer d.removeWaiter(w)

	if err := d.Send(ctx, msgs...); err != nil {
		return protocol.Message{}, err
	}

	if d.ackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.ackTimeout)
		defer cancel()
	}

	select {
	case r := <-w.ch:
		return r.msg, r.err
	case <-ctx.Done():
		return protocol.Message{}, fmt.Errorf("wait for %s: %w", reply, ctx.Err())
	}
}

func (d *Device) removeWaiter(w *waiter) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, o := range d.waiters {
		if o == w {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			return
		}
	}
}

// resolve hands m to every waiter for its type.
func (d *Device) resolve(m protocol.Message) {
	d.mu.Lock()
	var matched []*waiter
	kept := d.waiters[:0]
	for _, w := range d.waiters {
		if w.reply == m.Type {
			matched = append(matched, w)
		} else {
			kept = append(kept, w)
		}
	}
	d.waiters = kept
	d.mu.Unlock()

	for _, w := range matched {
		w.ch <- result{msg: m}
	}
}

func (d *Device) receive(ch transport.Channel, b []byte) {
	switch ch {
	case transport.ChannelDevice:
		if err := protocol.Device.Parse(b, d.handleMessage); err != nil {
			d.log.Error("parse device messages", zap.Error(err), zap.Int("size", len(b)))
			d.Errors.Emit(err)
		}
	case transport.ChannelSMP:
		if err := d.SMP.HandleNotification(b); err != nil {
			d.Errors.Emit(err)
		}
	case transport.ChannelBattery:
		if len(b) < 1 {
			return
		}
		d.setBattery(b[0])
	default:
		d.log.Warn("data on unknown channel", zap.Stringer("channel", ch))
	}
}

func (d *Device) setBattery(level uint8) {
	d.mu.Lock()
	d.battery, d.batteryKnown = level, true
	d.mu.Unlock()

	d.Battery.Emit(level)
}

func (d *Device) handleMessage(m protocol.Message) error {
	m.Data = wire.Slice(m.Data, 0)

	switch m.Type {
	case protocol.MessageGetMTU:
		mtu, err := wire.Uint16LE(m.Data, 0)
		if err != nil {
			return fmt.Errorf("%s: %w", m.Type, err)
		}

		d.mu.Lock()
		d.mtu = int(mtu)
		d.mu.Unlock()

		if d.mtuOverride == 0 {
			d.SMP.SetMTU(int(mtu))
		}
		d.log.Debug("device mtu", zap.Int("mtu", int(mtu)))
		d.MTUChanged.Emit(int(mtu))
	case protocol.MessageIsCharging:
		if len(m.Data) < 1 {
			return fmt.Errorf("%s: %w", m.Type, wire.ErrShortBuffer)
		}

		charging := m.Data[0] != 0
		d.mu.Lock()
		d.charging = charging
		d.mu.Unlock()

		d.Charging.Emit(charging)
	case protocol.MessageSensorData:
		frame, err := sensor.Parse(m.Data)
		if err != nil {
			d.log.Error("parse sensor data", zap.Error(err))
			d.Errors.Emit(err)
			break
		}

		d.SensorData.Emit(frame)
	default:
		if err := d.Files.HandleMessage(m); err != nil {
			d.log.Error("file transfer message", zap.Stringer("type", m.Type), zap.Error(err))
			d.Errors.Emit(err)
		}
	}

	d.Messages.Emit(m)
	d.resolve(m)

	return nil
}
