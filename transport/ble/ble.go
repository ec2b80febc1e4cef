// Package ble connects to a device as a Bluetooth Low Energy central.
package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/ffenix113/wearlink/transport"
)

var (
	deviceServiceUUID, _     = bluetooth.ParseUUID("ea6da725-2000-4f9b-893d-c3913e33b39f")
	rxCharacteristicUUID, _  = bluetooth.ParseUUID("ea6da725-6000-4f9b-893d-c3913e33b39f")
	txCharacteristicUUID, _  = bluetooth.ParseUUID("ea6da725-6001-4f9b-893d-c3913e33b39f")
	smpCharacteristicUUID, _ = bluetooth.ParseUUID("da2e7828-fbce-4e01-ae9e-261174997c48")
)

var ErrDeviceNotFound = errors.New("ble: device could not be found")

var _ transport.Transport = (*Transport)(nil)

type Config struct {
	// Name or Address selects the device to connect to.
	Name    string
	Address string
	// ConnectTimeout bounds the connection attempt once the device is found.
	ConnectTimeout time.Duration
}

type Transport struct {
	cfg     Config
	log     *zap.Logger
	adapter *bluetooth.Adapter

	device    bluetooth.Device
	connected bool

	rx  bluetooth.DeviceCharacteristic
	tx  bluetooth.DeviceCharacteristic
	smp *bluetooth.DeviceCharacteristic

	mtu int

	mu       sync.Mutex
	receiver transport.Receiver

	// deliverMu keeps notifications in order without holding mu, so a
	// receiver may call Send.
	deliverMu sync.Mutex
}

type Option func(*Transport)

func WithLogger(log *zap.Logger) Option {
	return func(t *Transport) {
		t.log = log
	}
}

// New enables the default adapter and returns an unconnected transport.
func New(cfg Config, opts ...Option) (*Transport, error) {
	if err := bluetooth.DefaultAdapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	t := &Transport{
		cfg:     cfg,
		log:     zap.NewNop(),
		adapter: bluetooth.DefaultAdapter,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

func (t *Transport) SetReceiver(fn transport.Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.receiver = fn
}

// deliver serialises notifications from all characteristics.
func (t *Transport) deliver(ch transport.Channel, buf []byte) {
	b := append([]byte(nil), buf...)

	t.mu.Lock()
	fn := t.receiver
	t.mu.Unlock()

	if fn == nil {
		return
	}

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	fn(ch, b)
}

func (t *Transport) MTU() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.mtu
}

func (t *Transport) matches(sr bluetooth.ScanResult) bool {
	nameMatch := t.cfg.Name != "" && sr.LocalName() == t.cfg.Name
	addrMatch := t.cfg.Address != "" && sr.Address.String() == t.cfg.Address

	return nameMatch || addrMatch
}

// scan returns the address of the configured device.
func (t *Transport) scan(ctx context.Context) (bluetooth.Address, error) {
	found := make(chan bluetooth.Address, 1)
	scanErr := make(chan error, 1)

	go func() {
		scanErr <- t.adapter.Scan(func(a *bluetooth.Adapter, sr bluetooth.ScanResult) {
			t.log.Debug("found ble device", zap.String("name", sr.LocalName()), zap.String("addr", sr.Address.String()))

			if !t.matches(sr) {
				return
			}

			select {
			case found <- sr.Address:
			default:
			}
			_ = a.StopScan()
		})
	}()

	t.log.Info("started ble scan", zap.String("name", t.cfg.Name), zap.String("addr", t.cfg.Address))

	select {
	case addr := <-found:
		return addr, nil
	case err := <-scanErr:
		if err != nil {
			return bluetooth.Address{}, fmt.Errorf("ble scan: %w", err)
		}

		select {
		case addr := <-found:
			return addr, nil
		default:
			return bluetooth.Address{}, ErrDeviceNotFound
		}
	case <-ctx.Done():
		_ = t.adapter.StopScan()
		return bluetooth.Address{}, fmt.Errorf("%w: %w", ErrDeviceNotFound, ctx.Err())
	}
}

func (t *Transport) Connect(ctx context.Context) error {
	addr, err := t.scan(ctx)
	if err != nil {
		return err
	}

	dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(t.cfg.ConnectTimeout),
		Timeout:           bluetooth.NewDuration(t.cfg.ConnectTimeout),
	})
	if err != nil {
		return fmt.Errorf("connect ble: %w", err)
	}

	t.device = dev

	if err := t.discover(); err != nil {
		_ = dev.Disconnect()
		return fmt.Errorf("discover services: %w", err)
	}

	if err := t.subscribe(); err != nil {
		_ = dev.Disconnect()
		return fmt.Errorf("enable notifications: %w", err)
	}

	mtu, err := t.tx.GetMTU()
	if err != nil {
		t.log.Warn("read mtu", zap.Error(err))
	}

	t.mu.Lock()
	t.mtu = int(mtu)
	t.connected = true
	t.mu.Unlock()

	t.log.Info("connected", zap.String("addr", addr.String()), zap.Int("mtu", int(mtu)))

	return nil
}

func (t *Transport) discover() error {
	services, err := t.device.DiscoverServices([]bluetooth.UUID{deviceServiceUUID})
	if err != nil {
		return fmt.Errorf("device service: %w", err)
	}

	if len(services) != 1 {
		return errors.New("device service not found")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{rxCharacteristicUUID, txCharacteristicUUID})
	if err != nil {
		return fmt.Errorf("device characteristics: %w", err)
	}

	if len(chars) != 2 {
		return errors.New("device characteristics not found")
	}

	for _, c := range chars {
		switch c.UUID() {
		case rxCharacteristicUUID:
			t.rx = c
		case txCharacteristicUUID:
			t.tx = c
		}
	}

	smpServices, err := t.device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDSMP})
	if err != nil || len(smpServices) != 1 {
		t.log.Warn("smp service not available", zap.Error(err))
		return nil
	}

	smpChars, err := smpServices[0].DiscoverCharacteristics([]bluetooth.UUID{smpCharacteristicUUID})
	if err != nil || len(smpChars) == 0 {
		t.log.Warn("smp characteristic not available", zap.Error(err))
		return nil
	}

	t.smp = &smpChars[0]

	return nil
}

func (t *Transport) subscribe() error {
	if err := t.rx.EnableNotifications(func(buf []byte) {
		t.deliver(transport.ChannelDevice, buf)
	}); err != nil {
		return fmt.Errorf("device rx: %w", err)
	}

	if t.smp != nil {
		if err := t.smp.EnableNotifications(func(buf []byte) {
			t.deliver(transport.ChannelSMP, buf)
		}); err != nil {
			return fmt.Errorf("smp: %w", err)
		}
	}

	battery, err := t.device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDBattery})
	if err != nil || len(battery) != 1 {
		return nil
	}

	levels, err := battery[0].DiscoverCharacteristics([]bluetooth.UUID{bluetooth.CharacteristicUUIDBatteryLevel})
	if err != nil || len(levels) == 0 {
		return nil
	}

	if err := levels[0].EnableNotifications(func(buf []byte) {
		t.deliver(transport.ChannelBattery, buf)
	}); err != nil {
		t.log.Warn("battery notifications", zap.Error(err))
	}

	return nil
}

func (t *Transport) Send(ctx context.Context, ch transport.Channel, b []byte) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()

	if !connected {
		return transport.ErrNotConnected
	}

	var c *bluetooth.DeviceCharacteristic
	switch ch {
	case transport.ChannelDevice:
		c = &t.tx
	case transport.ChannelSMP:
		c = t.smp
	}

	if c == nil {
		return fmt.Errorf("%w: %s", transport.ErrUnsupportedChannel, ch)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := c.WriteWithoutResponse(b); err != nil {
		return fmt.Errorf("write %s: %w", ch, err)
	}

	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	connected := t.connected
	t.connected = false
	t.mu.Unlock()

	if !connected {
		return nil
	}

	if err := t.device.Disconnect(); err != nil {
		return fmt.Errorf("disconnect ble: %w", err)
	}

	return nil
}
