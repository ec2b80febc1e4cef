// Package filetransfer moves files to and from a device over the device
// message channel.
//
// A transfer is driven by request/acknowledge exchanges: every property
// assignment waits for the device to report the new value, and every file
// block waits for the device's byte count. Only one transfer, in either
// direction, may be active at a time.
package filetransfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ffenix113/wearlink/event"
	"github.com/ffenix113/wearlink/protocol"
	"github.com/ffenix113/wearlink/wire"
)

// BlockOverhead is reserved from the MTU for every file block: 3 bytes of
// link layer framing and 3 bytes of message framing.
const BlockOverhead = 6

// DefaultMTU is used while the transport has not reported one.
const DefaultMTU = 23

var (
	ErrBusy          = errors.New("file transfer already in progress")
	ErrNotActive     = errors.New("no file transfer in progress")
	ErrAborted       = errors.New("file transfer aborted by device")
	ErrFileTooLarge  = errors.New("file exceeds device maximum length")
	ErrEmptyFile     = errors.New("device has no file of this type")
	ErrInvalidType   = errors.New("invalid file type")
	ErrRemoteRefused = errors.New("device did not accept value")
)

// ChecksumError is reported when a received file does not match the
// checksum the device announced.
type ChecksumError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("file checksum mismatch: expected %08x, got %08x", e.Expected, e.Actual)
}

// Link is the part of a device connection the manager talks through.
type Link interface {
	// Send writes messages without waiting for a reply.
	Send(ctx context.Context, msgs ...protocol.Message) error
	// Request writes messages and waits for the next message of type reply.
	// The reply must be passed to HandleMessage before Request returns.
	Request(ctx context.Context, reply protocol.MessageType, msgs ...protocol.Message) (protocol.Message, error)
	// MTU returns the negotiated MTU, or 0 when unknown.
	MTU() int
}

type Direction uint8

const (
	DirectionSend Direction = iota
	DirectionReceive
)

func (d Direction) String() string {
	if d == DirectionReceive {
		return "receive"
	}

	return "send"
}

// Progress is emitted as blocks are acknowledged or received.
type Progress struct {
	Direction Direction
	Type      protocol.FileType
	// Progress is in [0, 1].
	Progress float64
}

// Transfer identifies a finished transfer.
type Transfer struct {
	Direction Direction
	Type      protocol.FileType
}

// File is a file received from the device.
type File struct {
	Type protocol.FileType
	Name string
	Data []byte
}

type remoteState struct {
	fileType      protocol.FileType
	fileTypeKnown bool
	length        uint32
	lengthKnown   bool
	checksum      uint32
	checksumKnown bool
	maxLength     uint32
	status        protocol.FileTransferStatus
}

// Manager runs file transfers for one device.
type Manager struct {
	Progress      event.Topic[Progress]
	Complete      event.Topic[Transfer]
	Received      event.Topic[File]
	Failed        event.Topic[error]
	StatusChanged event.Topic[protocol.FileTransferStatus]

	link Link
	log  *zap.Logger
	now  func() time.Time

	mu      sync.Mutex
	remote  remoteState
	pending bool
	blocks  [][]byte
}

type Option func(*Manager)

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

func NewManager(link Link, opts ...Option) *Manager {
	m := &Manager{
		link: link,
		log:  zap.NewNop(),
		now:  time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Status returns the transfer status last reported by the device.
func (m *Manager) Status() protocol.FileTransferStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.remote.status
}

// FileType returns the device's current file type, if it has been reported.
func (m *Manager) FileType() (protocol.FileType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.remote.fileType, m.remote.fileTypeKnown
}

// FileLength returns the device's current file length, if it has been reported.
func (m *Manager) FileLength() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.remote.length, m.remote.lengthKnown
}

// FileChecksum returns the device's current file checksum, if it has been reported.
func (m *Manager) FileChecksum() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.remote.checksum, m.remote.checksumKnown
}

// MaxFileLength returns the largest file the device accepts, or 0 if unknown.
func (m *Manager) MaxFileLength() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.remote.maxLength
}

// HandleMessage updates the manager from a device message. Messages that are
// not part of file transfer are ignored.
func (m *Manager) HandleMessage(msg protocol.Message) error {
	switch msg.Type {
	case protocol.MessageMaxFileLength:
		v, err := wire.Uint32LE(msg.Data, 0)
		if err != nil {
			return fmt.Errorf("%s: %w", msg.Type, err)
		}

		m.mu.Lock()
		m.remote.maxLength = v
		m.mu.Unlock()
	case protocol.MessageGetFileType, protocol.MessageSetFileType:
		if len(msg.Data) < 1 {
			return fmt.Errorf("%s: %w", msg.Type, wire.ErrShortBuffer)
		}

		t := protocol.FileType(msg.Data[0])
		if !t.Valid() {
			return fmt.Errorf("%s: %w: %d", msg.Type, ErrInvalidType, msg.Data[0])
		}

		m.mu.Lock()
		m.remote.fileType, m.remote.fileTypeKnown = t, true
		m.mu.Unlock()
	case protocol.MessageGetFileLength, protocol.MessageSetFileLength:
		v, err := wire.Uint32LE(msg.Data, 0)
		if err != nil {
			return fmt.Errorf("%s: %w", msg.Type, err)
		}

		m.mu.Lock()
		m.remote.length, m.remote.lengthKnown = v, true
		m.mu.Unlock()
	case protocol.MessageGetFileChecksum, protocol.MessageSetFileChecksum:
		v, err := wire.Uint32LE(msg.Data, 0)
		if err != nil {
			return fmt.Errorf("%s: %w", msg.Type, err)
		}

		m.mu.Lock()
		m.remote.checksum, m.remote.checksumKnown = v, true
		m.mu.Unlock()
	case protocol.MessageFileTransferStatus:
		if len(msg.Data) < 1 {
			return fmt.Errorf("%s: %w", msg.Type, wire.ErrShortBuffer)
		}

		status := protocol.FileTransferStatus(msg.Data[0])
		if !status.Valid() {
			return fmt.Errorf("%s: unknown status %d", msg.Type, msg.Data[0])
		}

		m.mu.Lock()
		m.remote.status = status
		m.blocks = nil
		m.mu.Unlock()

		m.log.Debug("file transfer status", zap.Stringer("status", status))
		m.StatusChanged.Emit(status)
	case protocol.MessageGetFileBlock:
		m.handleBlock(msg.Data)
	}

	return nil
}

func (m *Manager) handleBlock(data []byte) {
	m.mu.Lock()
	if m.remote.status != protocol.StatusReceiving {
		m.mu.Unlock()
		m.log.Warn("file block while not receiving", zap.Int("size", len(data)))
		return
	}

	m.blocks = append(m.blocks, append([]byte(nil), data...))
	received := 0
	for _, b := range m.blocks {
		received += len(b)
	}

	fileType := m.remote.fileType
	length := int(m.remote.length)
	checksum := m.remote.checksum

	var file []byte
	if m.remote.lengthKnown && received >= length {
		file = make([]byte, 0, received)
		for _, b := range m.blocks {
			file = append(file, b...)
		}
		m.blocks = nil
	}
	m.mu.Unlock()

	progress := 1.0
	if length > 0 {
		progress = min(float64(received)/float64(length), 1)
	}
	m.Progress.Emit(Progress{Direction: DirectionReceive, Type: fileType, Progress: progress})

	if file == nil {
		return
	}

	if actual := wire.CRC32(file); actual != checksum {
		err := &ChecksumError{Expected: checksum, Actual: actual}
		m.log.Error("received file failed verification", zap.Stringer("type", fileType), zap.Error(err))
		m.Failed.Emit(err)
		return
	}

	m.Complete.Emit(Transfer{Direction: DirectionReceive, Type: fileType})
	m.Received.Emit(File{
		Type: fileType,
		Name: fmt.Sprintf("%d%s", m.now().UnixMilli(), fileType.Extension()),
		Data: file,
	})
}

// begin reserves the manager for a transfer.
func (m *Manager) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending || m.remote.status != protocol.StatusIdle {
		return ErrBusy
	}

	m.pending = true
	return nil
}

func (m *Manager) end() {
	m.mu.Lock()
	m.pending = false
	m.mu.Unlock()
}

// Send transfers data to the device as a file of type t. It returns once the
// last block has been acknowledged.
func (m *Manager) Send(ctx context.Context, t protocol.FileType, data []byte) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidType, uint8(t))
	}

	if maxLength := m.MaxFileLength(); maxLength > 0 && uint32(len(data)) > maxLength {
		return fmt.Errorf("%w: %d > %d", ErrFileTooLarge, len(data), maxLength)
	}

	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	checksum := wire.CRC32(data)

	if err := m.setFileType(ctx, t); err != nil {
		return err
	}

	if err := m.setUint32(ctx, protocol.MessageSetFileLength, protocol.MessageGetFileLength, uint32(len(data)), m.FileLength); err != nil {
		return err
	}

	if err := m.setUint32(ctx, protocol.MessageSetFileChecksum, protocol.MessageGetFileChecksum, checksum, m.FileChecksum); err != nil {
		return err
	}

	if err := m.command(ctx, protocol.CommandStartSend); err != nil {
		return err
	}

	return m.sendBlocks(ctx, t, data)
}

func (m *Manager) sendBlocks(ctx context.Context, t protocol.FileType, data []byte) error {
	mtu := m.link.MTU()
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	blockSize := mtu - BlockOverhead

	total := len(data)
	offset := 0
	for {
		block := wire.Slice(data, offset, blockSize)
		if len(block) == 0 {
			m.log.Debug("file sent", zap.Stringer("type", t), zap.Int("size", total))
			m.Complete.Emit(Transfer{Direction: DirectionSend, Type: t})
			return nil
		}

		if status := m.Status(); status != protocol.StatusSending {
			m.log.Debug("file transfer left sending state", zap.Stringer("status", status), zap.Int("offset", offset))
			return ErrAborted
		}

		reply, err := m.link.Request(ctx, protocol.MessageFileBytesTransferred, protocol.Message{
			Type: protocol.MessageSetFileBlock,
			Data: block,
		})
		if err != nil {
			return fmt.Errorf("send file block at %d: %w", offset, err)
		}

		offset += len(block)
		if transferred, err := wire.Uint32LE(reply.Data, 0); err == nil && int(transferred) != offset {
			m.log.Debug("device byte count differs", zap.Uint32("device", transferred), zap.Int("sent", offset))
		}

		left := total - offset
		m.Progress.Emit(Progress{
			Direction: DirectionSend,
			Type:      t,
			Progress:  1 - float64(left)/float64(total),
		})
	}
}

// Receive asks the device to start sending its file of type t. Blocks are
// delivered through HandleMessage, and the result is published on Received
// or Failed.
func (m *Manager) Receive(ctx context.Context, t protocol.FileType) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidType, uint8(t))
	}

	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	if err := m.setFileType(ctx, t); err != nil {
		return err
	}

	if _, err := m.link.Request(ctx, protocol.MessageGetFileLength, protocol.Message{Type: protocol.MessageGetFileLength}); err != nil {
		return fmt.Errorf("get file length: %w", err)
	}

	if _, err := m.link.Request(ctx, protocol.MessageGetFileChecksum, protocol.Message{Type: protocol.MessageGetFileChecksum}); err != nil {
		return fmt.Errorf("get file checksum: %w", err)
	}

	if length, _ := m.FileLength(); length == 0 {
		return ErrEmptyFile
	}

	return m.command(ctx, protocol.CommandStartReceive)
}

// ReceiveFile receives the device's file of type t and waits for it to be
// verified. It returns ErrAborted when the device leaves the receiving state
// before the whole file has arrived.
func (m *Manager) ReceiveFile(ctx context.Context, t protocol.FileType) (File, error) {
	type result struct {
		file File
		err  error
	}

	done := make(chan result, 1)
	deliver := func(r result) {
		select {
		case done <- r:
		default:
		}
	}

	aborted := func(s protocol.FileTransferStatus) result {
		return result{err: fmt.Errorf("%w: status %s before the file was complete", ErrAborted, s)}
	}

	cancelReceived := m.Received.Subscribe(func(f File) { deliver(result{file: f}) })
	defer cancelReceived()
	cancelFailed := m.Failed.Subscribe(func(err error) { deliver(result{err: err}) })
	defer cancelFailed()

	// Once the device is receiving, any other status ends the transfer.
	var receiving atomic.Bool
	cancelStatus := m.StatusChanged.Subscribe(func(s protocol.FileTransferStatus) {
		if s == protocol.StatusReceiving {
			receiving.Store(true)
			return
		}
		if receiving.Load() {
			deliver(aborted(s))
		}
	})
	defer cancelStatus()

	if err := m.Receive(ctx, t); err != nil {
		return File{}, err
	}

	select {
	case r := <-done:
		return r.file, r.err
	default:
	}

	if s := m.Status(); s != protocol.StatusReceiving {
		deliver(aborted(s))
	}

	select {
	case r := <-done:
		return r.file, r.err
	case <-ctx.Done():
		return File{}, ctx.Err()
	}
}

// Cancel asks the device to stop the current transfer and waits for the
// resulting status change.
func (m *Manager) Cancel(ctx context.Context) error {
	m.mu.Lock()
	active := m.pending || m.remote.status != protocol.StatusIdle
	m.mu.Unlock()

	if !active {
		return ErrNotActive
	}

	return m.command(ctx, protocol.CommandCancel)
}

func (m *Manager) command(ctx context.Context, cmd protocol.FileTransferCommand) error {
	_, err := m.link.Request(ctx, protocol.MessageFileTransferStatus, protocol.Message{
		Type: protocol.MessageSetFileTransferCommand,
		Data: []byte{byte(cmd)},
	})
	if err != nil {
		return fmt.Errorf("file transfer command %s: %w", cmd, err)
	}

	return nil
}

func (m *Manager) setFileType(ctx context.Context, t protocol.FileType) error {
	if current, ok := m.FileType(); ok && current == t {
		m.log.Debug("file type already set", zap.Stringer("type", t))
		return nil
	}

	if _, err := m.link.Request(ctx, protocol.MessageGetFileType, protocol.Message{
		Type: protocol.MessageSetFileType,
		Data: []byte{byte(t)},
	}); err != nil {
		return fmt.Errorf("set file type: %w", err)
	}

	if current, _ := m.FileType(); current != t {
		return fmt.Errorf("set file type %s: %w (device reports %s)", t, ErrRemoteRefused, current)
	}

	return nil
}

func (m *Manager) setUint32(ctx context.Context, set, reply protocol.MessageType, v uint32, current func() (uint32, bool)) error {
	if got, ok := current(); ok && got == v {
		m.log.Debug("value already set", zap.Stringer("message", set), zap.Uint32("value", v))
		return nil
	}

	if _, err := m.link.Request(ctx, reply, protocol.Message{
		Type: set,
		Data: binary.LittleEndian.AppendUint32(nil, v),
	}); err != nil {
		return fmt.Errorf("%s: %w", set, err)
	}

	if got, _ := current(); got != v {
		return fmt.Errorf("%s %d: %w (device reports %d)", set, v, ErrRemoteRefused, got)
	}

	return nil
}
