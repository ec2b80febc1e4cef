package filetransfer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ffenix113/wearlink/protocol"
	"github.com/ffenix113/wearlink/wire"
)

// testDevice emulates the device side of the file transfer protocol.
type testDevice struct {
	m   *Manager
	mtu int

	fileType protocol.FileType
	length   uint32
	checksum uint32
	status   protocol.FileTransferStatus

	stored   []byte
	incoming []byte

	// cancelAfter makes the device cancel a send after that many blocks.
	cancelAfter int
	// corrupt flips a bit in the last block the device sends.
	corrupt bool
	// stopAfter makes the device go idle after pushing that many blocks.
	stopAfter int

	requests   []protocol.MessageType
	blockSizes []int
}

func newTestDevice(mtu int) (*testDevice, *Manager) {
	d := &testDevice{mtu: mtu}
	d.m = NewManager(d)
	d.m.now = func() time.Time { return time.UnixMilli(1700000000000) }

	return d, d.m
}

func u32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func (d *testDevice) MTU() int {
	return d.mtu
}

func (d *testDevice) Send(ctx context.Context, msgs ...protocol.Message) error {
	_, err := d.Request(ctx, 255, msgs...)
	return err
}

func (d *testDevice) Request(ctx context.Context, reply protocol.MessageType, msgs ...protocol.Message) (protocol.Message, error) {
	var replies []protocol.Message
	push := false
	for _, msg := range msgs {
		d.requests = append(d.requests, msg.Type)
		r, p := d.handle(msg)
		replies = append(replies, r...)
		push = push || p
	}

	found := protocol.Message{Type: 255}
	for _, r := range replies {
		if err := d.m.HandleMessage(r); err != nil {
			return protocol.Message{}, err
		}
		if found.Type == 255 && r.Type == reply {
			found = r
		}
	}

	if push {
		d.pushFile()
	}

	if reply != 255 && found.Type == 255 {
		return protocol.Message{}, fmt.Errorf("no %s reply", reply)
	}

	return found, nil
}

func (d *testDevice) handle(msg protocol.Message) ([]protocol.Message, bool) {
	switch msg.Type {
	case protocol.MessageSetFileType:
		d.fileType = protocol.FileType(msg.Data[0])
		fallthrough
	case protocol.MessageGetFileType:
		return []protocol.Message{{Type: protocol.MessageGetFileType, Data: []byte{byte(d.fileType)}}}, false
	case protocol.MessageSetFileLength:
		d.length = binary.LittleEndian.Uint32(msg.Data)
		fallthrough
	case protocol.MessageGetFileLength:
		return []protocol.Message{{Type: protocol.MessageGetFileLength, Data: u32(d.length)}}, false
	case protocol.MessageSetFileChecksum:
		d.checksum = binary.LittleEndian.Uint32(msg.Data)
		fallthrough
	case protocol.MessageGetFileChecksum:
		return []protocol.Message{{Type: protocol.MessageGetFileChecksum, Data: u32(d.checksum)}}, false
	case protocol.MessageSetFileTransferCommand:
		push := false
		switch protocol.FileTransferCommand(msg.Data[0]) {
		case protocol.CommandStartSend:
			d.status = protocol.StatusSending
			d.incoming = nil
		case protocol.CommandStartReceive:
			d.status = protocol.StatusReceiving
			push = true
		case protocol.CommandCancel:
			d.status = protocol.StatusIdle
		}

		return []protocol.Message{d.statusMessage()}, push
	case protocol.MessageSetFileBlock:
		d.incoming = append(d.incoming, msg.Data...)
		d.blockSizes = append(d.blockSizes, len(msg.Data))

		replies := []protocol.Message{{Type: protocol.MessageFileBytesTransferred, Data: u32(uint32(len(d.incoming)))}}
		if uint32(len(d.incoming)) >= d.length {
			d.stored = d.incoming
			d.status = protocol.StatusIdle
			replies = append(replies, d.statusMessage())
		} else if d.cancelAfter > 0 && len(d.blockSizes) == d.cancelAfter {
			d.status = protocol.StatusIdle
			replies = append(replies, d.statusMessage())
		}

		return replies, false
	}

	return nil, false
}

func (d *testDevice) statusMessage() protocol.Message {
	return protocol.Message{Type: protocol.MessageFileTransferStatus, Data: []byte{byte(d.status)}}
}

func (d *testDevice) pushFile() {
	size := d.mtu - BlockOverhead
	for off, n := 0, 0; off < len(d.stored); off, n = off+size, n+1 {
		if d.stopAfter > 0 && n == d.stopAfter {
			break
		}

		block := wire.Slice(d.stored, off, size)
		if d.corrupt && off+size >= len(d.stored) {
			block[len(block)-1] ^= 0x01
		}

		_ = d.m.HandleMessage(protocol.Message{Type: protocol.MessageGetFileBlock, Data: block})
	}

	d.status = protocol.StatusIdle
	_ = d.m.HandleMessage(d.statusMessage())
}

func testFile() []byte {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}

	return data
}

func TestSmallFileRoundTrip(t *testing.T) {
	t.Parallel()

	d, m := newTestDevice(64)
	data := testFile()

	var progress []float64
	m.Progress.Subscribe(func(p Progress) {
		if p.Direction == DirectionSend {
			progress = append(progress, p.Progress)
		}
	})

	var completed []Transfer
	m.Complete.Subscribe(func(tr Transfer) { completed = append(completed, tr) })

	if err := m.Send(context.Background(), protocol.FileTypeTflite, data); err != nil {
		t.Fatalf("Send: %s", err.Error())
	}

	if len(d.blockSizes) < 2 {
		t.Fatalf("expected multiple blocks, got %v", d.blockSizes)
	}

	for i, size := range d.blockSizes {
		if size > 64-BlockOverhead {
			t.Errorf("block %d is %d bytes", i, size)
		}
	}

	if !bytes.Equal(d.stored, data) {
		t.Fatalf("device stored %v", d.stored)
	}

	if d.checksum != wire.CRC32(data) {
		t.Fatalf("device checksum %08x, want %08x", d.checksum, wire.CRC32(data))
	}

	if len(progress) != len(d.blockSizes) || progress[len(progress)-1] != 1 {
		t.Fatalf("progress = %v", progress)
	}

	if len(completed) != 1 || completed[0] != (Transfer{Direction: DirectionSend, Type: protocol.FileTypeTflite}) {
		t.Fatalf("completed = %v", completed)
	}

	file, err := m.ReceiveFile(context.Background(), protocol.FileTypeTflite)
	if err != nil {
		t.Fatalf("ReceiveFile: %s", err.Error())
	}

	if !bytes.Equal(file.Data, data) {
		t.Fatalf("received %v", file.Data)
	}

	if wire.CRC32(file.Data) != d.checksum {
		t.Fatalf("received checksum differs")
	}

	if file.Name != "1700000000000.tflite" {
		t.Fatalf("file name = %q", file.Name)
	}

	if m.Status() != protocol.StatusIdle {
		t.Fatalf("status = %s", m.Status())
	}
}

func TestSendSkipsKnownValues(t *testing.T) {
	t.Parallel()

	d, m := newTestDevice(64)
	data := testFile()

	if err := m.Send(context.Background(), protocol.FileTypeTflite, data); err != nil {
		t.Fatalf("Send: %s", err.Error())
	}

	d.requests = nil
	if err := m.Send(context.Background(), protocol.FileTypeTflite, data); err != nil {
		t.Fatalf("second Send: %s", err.Error())
	}

	for _, r := range d.requests {
		switch r {
		case protocol.MessageSetFileType, protocol.MessageSetFileLength, protocol.MessageSetFileChecksum:
			t.Errorf("redundant %s was sent", r)
		}
	}
}

func TestReceiveChecksumMismatch(t *testing.T) {
	t.Parallel()

	d, m := newTestDevice(64)
	d.fileType = protocol.FileTypeWifiServerCert
	d.stored = testFile()
	d.length = uint32(len(d.stored))
	d.checksum = wire.CRC32(d.stored)
	d.corrupt = true

	received := 0
	m.Received.Subscribe(func(File) { received++ })

	var failed []error
	m.Failed.Subscribe(func(err error) { failed = append(failed, err) })

	_, err := m.ReceiveFile(context.Background(), protocol.FileTypeWifiServerCert)

	var checksumErr *ChecksumError
	if !errors.As(err, &checksumErr) {
		t.Fatalf("want ChecksumError, got %v", err)
	}

	if checksumErr.Expected != d.checksum || checksumErr.Actual == d.checksum {
		t.Fatalf("unexpected %+v", checksumErr)
	}

	if received != 0 {
		t.Fatalf("file received must not be emitted")
	}

	if len(failed) != 1 {
		t.Fatalf("failed emitted %d times", len(failed))
	}
}

func TestReceiveFileStoppedByDevice(t *testing.T) {
	t.Parallel()

	d, m := newTestDevice(64)
	d.fileType = protocol.FileTypeTflite
	d.stored = testFile()
	d.length = uint32(len(d.stored))
	d.checksum = wire.CRC32(d.stored)
	d.stopAfter = 2

	received := 0
	m.Received.Subscribe(func(File) { received++ })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := m.ReceiveFile(ctx, protocol.FileTypeTflite)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("want ErrAborted, got %v", err)
	}

	if received != 0 {
		t.Fatalf("file received must not be emitted")
	}

	if m.Status() != protocol.StatusIdle {
		t.Fatalf("status = %s", m.Status())
	}

	// The partial blocks are gone; a full transfer afterwards succeeds.
	d.stopAfter = 0
	file, err := m.ReceiveFile(ctx, protocol.FileTypeTflite)
	if err != nil {
		t.Fatalf("ReceiveFile: %s", err.Error())
	}

	if !bytes.Equal(file.Data, d.stored) {
		t.Fatalf("received %d bytes after an aborted transfer", len(file.Data))
	}
}

func TestBusyGuard(t *testing.T) {
	t.Parallel()

	d, m := newTestDevice(64)

	if err := m.HandleMessage(protocol.Message{Type: protocol.MessageGetFileLength, Data: u32(256)}); err != nil {
		t.Fatal(err)
	}
	if err := m.HandleMessage(protocol.Message{Type: protocol.MessageFileTransferStatus, Data: []byte{byte(protocol.StatusReceiving)}}); err != nil {
		t.Fatal(err)
	}
	if err := m.HandleMessage(protocol.Message{Type: protocol.MessageGetFileBlock, Data: []byte{1, 2, 3}}); err != nil {
		t.Fatal(err)
	}

	if err := m.Send(context.Background(), protocol.FileTypeTflite, testFile()); !errors.Is(err, ErrBusy) {
		t.Fatalf("Send: want ErrBusy, got %v", err)
	}

	if err := m.Receive(context.Background(), protocol.FileTypeTflite); !errors.Is(err, ErrBusy) {
		t.Fatalf("Receive: want ErrBusy, got %v", err)
	}

	if len(d.requests) != 0 {
		t.Fatalf("busy calls must not reach the device: %v", d.requests)
	}

	if m.Status() != protocol.StatusReceiving {
		t.Fatalf("status changed to %s", m.Status())
	}

	if len(m.blocks) != 1 || !bytes.Equal(m.blocks[0], []byte{1, 2, 3}) {
		t.Fatalf("blocks changed: %v", m.blocks)
	}

	if err := m.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %s", err.Error())
	}

	if m.Status() != protocol.StatusIdle || len(m.blocks) != 0 {
		t.Fatalf("cancel must return to idle and clear blocks")
	}

	if err := m.Cancel(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Cancel while idle: want ErrNotActive, got %v", err)
	}
}

func TestSendAbortedByDevice(t *testing.T) {
	t.Parallel()

	d, m := newTestDevice(64)
	d.cancelAfter = 2

	completed := 0
	m.Complete.Subscribe(func(Transfer) { completed++ })

	if err := m.Send(context.Background(), protocol.FileTypeTflite, testFile()); !errors.Is(err, ErrAborted) {
		t.Fatalf("want ErrAborted, got %v", err)
	}

	if len(d.blockSizes) != 2 {
		t.Fatalf("sent %d blocks after cancel", len(d.blockSizes))
	}

	if completed != 0 {
		t.Fatalf("aborted transfer must not complete")
	}
}

func TestSendPreconditions(t *testing.T) {
	t.Parallel()

	d, m := newTestDevice(64)

	if err := m.HandleMessage(protocol.Message{Type: protocol.MessageMaxFileLength, Data: u32(100)}); err != nil {
		t.Fatal(err)
	}

	if err := m.Send(context.Background(), protocol.FileTypeTflite, testFile()); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("want ErrFileTooLarge, got %v", err)
	}

	if err := m.Send(context.Background(), protocol.FileType(9), nil); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("want ErrInvalidType, got %v", err)
	}

	if len(d.requests) != 0 {
		t.Fatalf("rejected calls must not reach the device: %v", d.requests)
	}
}

func TestHandleMessageErrors(t *testing.T) {
	t.Parallel()

	_, m := newTestDevice(64)

	tests := []protocol.Message{
		{Type: protocol.MessageGetFileLength, Data: []byte{1, 2}},
		{Type: protocol.MessageGetFileType},
		{Type: protocol.MessageGetFileType, Data: []byte{200}},
		{Type: protocol.MessageFileTransferStatus, Data: []byte{9}},
	}

	for _, msg := range tests {
		if err := m.HandleMessage(msg); err == nil {
			t.Errorf("%s %v: expected error", msg.Type, msg.Data)
		}
	}

	if err := m.HandleMessage(protocol.Message{Type: protocol.MessageIsCharging, Data: []byte{1}}); err != nil {
		t.Fatalf("unrelated messages are ignored: %s", err.Error())
	}
}
