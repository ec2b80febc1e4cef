package smp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ffenix113/wearlink/cbor"
	"github.com/ffenix113/wearlink/imageinfo"
)

type testTransport struct {
	sendFn func(ctx context.Context, b []byte) error
}

func (t *testTransport) Send(ctx context.Context, b []byte) error {
	return t.sendFn(ctx, b)
}

type uploadRequest struct {
	Data []byte  `cbor:"data"`
	Off  uint32  `cbor:"off"`
	Len  *uint32 `cbor:"len"`
	SHA  []byte  `cbor:"sha"`
	Name string  `cbor:"name"`
}

// testDevice answers SMP requests from its own goroutine, the way
// notifications arrive from a real link.
type testDevice struct {
	t       *testing.T
	engine  *Engine
	frames  chan Frame
	handler func(f Frame) *cbor.Map
	// fragment splits every response into notifications of this size.
	fragment int

	overlapped atomic.Bool
	maxSize    atomic.Int64
}

func newTestDevice(t *testing.T, handler func(f Frame) *cbor.Map, opts ...Option) *testDevice {
	t.Helper()

	d := &testDevice{
		t:        t,
		frames:   make(chan Frame, 64),
		handler:  handler,
		fragment: 5,
	}

	tr := &testTransport{
		sendFn: func(ctx context.Context, b []byte) error {
			if int64(len(b)) > d.maxSize.Load() {
				d.maxSize.Store(int64(len(b)))
			}

			f, err := ParseFrame(bytes.Clone(b))
			if err != nil {
				return err
			}

			d.frames <- f
			return nil
		},
	}
	d.engine = NewEngine(tr.Send, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.run(ctx)

	return d
}

func (d *testDevice) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-d.frames:
			if len(d.frames) > 0 {
				d.overlapped.Store(true)
			}

			body := d.handler(f)
			if body == nil {
				continue
			}

			d.respond(f.Header, body)
		}
	}
}

func (d *testDevice) respond(req Header, body *cbor.Map) {
	encoded, err := cbor.Marshal(body)
	if err != nil {
		d.t.Errorf("encode response: %s", err.Error())
		return
	}

	b := Frame{
		Header: Header{
			Op:       req.Op + 1,
			Group:    req.Group,
			Sequence: req.Sequence,
			Command:  req.Command,
		},
		Body: encoded,
	}.Bytes()

	for len(b) > 0 {
		n := min(d.fragment, len(b))
		_ = d.engine.HandleNotification(b[:n])
		b = b[n:]
	}
}

func decodeUpload(t *testing.T, f Frame) uploadRequest {
	req, err := DecodeCBOR[uploadRequest](f.Body)
	if err != nil {
		t.Errorf("decode upload request: %s", err.Error())
	}

	return req
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(7)).Read(b)

	return b
}

// testImage returns an n byte image with a valid header and a random body.
func testImage(n int) []byte {
	b := testPayload(n)
	clear(b[:imageinfo.HeaderLength])
	binary.LittleEndian.PutUint32(b[0:], imageinfo.Magic)
	binary.LittleEndian.PutUint16(b[8:], imageinfo.HeaderLength)
	binary.LittleEndian.PutUint32(b[12:], uint32(n-imageinfo.HeaderLength))

	return b
}

func TestSequenceWraps(t *testing.T) {
	t.Parallel()

	e := NewEngine(func(context.Context, []byte) error { return nil })

	var seqs []byte
	for i := 0; i < 257; i++ {
		msg, err := e.BuildMessage(OpRead, GroupOS, CmdOSEcho, nil)
		if err != nil {
			t.Fatalf("BuildMessage: %s", err.Error())
		}

		seqs = append(seqs, msg[6])
	}

	for i, s := range seqs {
		if s != byte(i%256) {
			t.Fatalf("message %d has sequence %d", i, s)
		}
	}

	if seqs[256] != seqs[0] {
		t.Fatalf("257th sequence %d, first %d", seqs[256], seqs[0])
	}
}

func TestBuildMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []Option
		op   Op
		body any
		want []byte
	}{
		{
			name: "fs write",
			op:   OpWrite,
			body: cbor.NewMap().Set("off", 0),
			want: []byte{0x02, 0x00, 0x00, 0x06, 0x00, 0x08, 0x00, 0x00, 0xa1, 0x63, 'o', 'f', 'f', 0x00},
		},
		{
			name: "no body",
			op:   OpRead,
			want: []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x08, 0x00, 0x00},
		},
		{
			name: "version 2",
			opts: []Option{WithProtocolVersion(Version2)},
			op:   OpWrite,
			want: []byte{0x0a, 0x00, 0x00, 0x00, 0x00, 0x08, 0x00, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(nil, tt.opts...)

			got, err := e.BuildMessage(tt.op, GroupFS, CmdFSFile, tt.body)
			if err != nil {
				t.Fatalf("BuildMessage: %s", err.Error())
			}

			if !bytes.Equal(got, tt.want) {
				t.Fatalf("got % x, want % x", got, tt.want)
			}

			f, err := ParseFrame(got)
			if err != nil {
				t.Fatalf("ParseFrame: %s", err.Error())
			}

			if f.Header.Group != GroupFS || f.Header.Op != tt.op {
				t.Fatalf("unexpected header %+v", f.Header)
			}
		})
	}
}

func TestParseFrameErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		b       []byte
		wantErr error
	}{
		{name: "short", b: []byte{1, 2, 3}, wantErr: ErrFrameTooShort},
		{name: "length", b: []byte{1, 0, 0, 2, 0, 0, 0, 0, 0xa0}, wantErr: ErrLengthMismatch},
		{name: "version", b: []byte{0x19, 0, 0, 0, 0, 0, 0, 0}, wantErr: ErrInvalidVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseFrame(tt.b); !errors.Is(err, tt.wantErr) {
				t.Fatalf("want %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func echoResponseBytes(t *testing.T, seq uint8, s string) []byte {
	t.Helper()

	body, err := cbor.Marshal(cbor.NewMap().Set("r", s))
	if err != nil {
		t.Fatal(err)
	}

	return Frame{
		Header: Header{Op: OpWriteResponse, Group: GroupOS, Sequence: seq, Command: CmdOSEcho},
		Body:   body,
	}.Bytes()
}

func TestHandleNotificationAccumulates(t *testing.T) {
	t.Parallel()

	stream := append(echoResponseBytes(t, 1, "first"), echoResponseBytes(t, 2, "second message")...)

	splits := []struct {
		name  string
		parts func() [][]byte
	}{
		{name: "single notification", parts: func() [][]byte { return [][]byte{stream} }},
		{name: "byte by byte", parts: func() [][]byte {
			var p [][]byte
			for i := range stream {
				p = append(p, stream[i:i+1])
			}
			return p
		}},
		{name: "split inside header", parts: func() [][]byte { return [][]byte{stream[:3], stream[3:20], stream[20:]} }},
	}

	for _, tt := range splits {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(func(context.Context, []byte) error { return nil })

			var got []Response
			e.Responses.Subscribe(func(r Response) { got = append(got, r) })

			var echoes []string
			e.Echoes.Subscribe(func(s string) { echoes = append(echoes, s) })

			for _, p := range tt.parts() {
				if err := e.HandleNotification(p); err != nil {
					t.Fatalf("HandleNotification: %s", err.Error())
				}
			}

			if len(got) != 2 || got[0].Header.Sequence != 1 || got[1].Header.Sequence != 2 {
				t.Fatalf("responses = %+v", got)
			}

			body, ok := got[1].Body.(*cbor.Map)
			if !ok {
				t.Fatalf("body is %T", got[1].Body)
			}

			if r, _ := body.Get("r"); r != "second message" {
				t.Fatalf("r = %v", r)
			}

			if len(echoes) != 2 || echoes[0] != "first" {
				t.Fatalf("echoes = %v", echoes)
			}

			if e.rx.Len() != 0 {
				t.Fatalf("%d bytes left in buffer", e.rx.Len())
			}
		})
	}
}

func TestHandleNotificationBadBody(t *testing.T) {
	t.Parallel()

	e := NewEngine(func(context.Context, []byte) error { return nil })

	b := Frame{Header: Header{Op: OpReadResponse}, Body: []byte{0xa1, 0x01}}.Bytes()
	if err := e.HandleNotification(b); !errors.Is(err, cbor.ErrTruncated) {
		t.Fatalf("want ErrTruncated, got %v", err)
	}
}

func TestUploadImage(t *testing.T) {
	t.Parallel()

	img := testImage(1000)
	sha := sha256.Sum256(img)

	var mu sync.Mutex
	var stored []byte
	var chunks int

	d := newTestDevice(t, func(f Frame) *cbor.Map {
		if f.Header.Group != GroupImage || f.Header.Command != CmdImageUpload {
			t.Errorf("unexpected request %+v", f.Header)
			return nil
		}

		req := decodeUpload(t, f)

		mu.Lock()
		defer mu.Unlock()

		if int(req.Off) != len(stored) {
			t.Errorf("chunk at %d, device has %d", req.Off, len(stored))
		}

		if req.Off == 0 {
			if req.Len == nil || *req.Len != uint32(len(img)) || !bytes.Equal(req.SHA, sha[:]) {
				t.Errorf("first chunk must carry len and sha")
			}
		} else if req.Len != nil || req.SHA != nil {
			t.Errorf("chunk at %d carries len or sha", req.Off)
		}

		stored = append(stored, req.Data...)
		chunks++

		return cbor.NewMap().Set("rc", 0).Set("off", len(stored))
	}, WithMTU(128))

	var progress []Progress
	d.engine.UploadProgress.Subscribe(func(p Progress) { progress = append(progress, p) })

	completed := 0
	d.engine.UploadComplete.Subscribe(func(struct{}) { completed++ })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.engine.UploadImage(ctx, img); err != nil {
		t.Fatalf("UploadImage: %s", err.Error())
	}

	mu.Lock()
	defer mu.Unlock()

	if !bytes.Equal(stored, img) {
		t.Fatalf("device image differs")
	}

	if chunks < 2 {
		t.Fatalf("expected several chunks, got %d", chunks)
	}

	if d.overlapped.Load() {
		t.Fatalf("a chunk was sent before the previous one was acknowledged")
	}

	if d.maxSize.Load() > 128 {
		t.Fatalf("message of %d bytes exceeds mtu", d.maxSize.Load())
	}

	if completed != 1 {
		t.Fatalf("complete emitted %d times", completed)
	}

	if last := progress[len(progress)-1]; last.Offset != len(img) || last.Percent() != 100 {
		t.Fatalf("last progress = %+v", last)
	}
}

func TestUploadImageErrorResponse(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, func(f Frame) *cbor.Map {
		return cbor.NewMap().Set("rc", 3)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := d.engine.UploadImage(ctx, testImage(300))

	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("want ResponseError, got %v", err)
	}

	if respErr.Rc != 3 || respErr.Group != GroupImage || respErr.Command != CmdImageUpload {
		t.Fatalf("unexpected %+v", respErr)
	}

	if err := d.engine.UploadImage(ctx, nil); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("want ErrEmptyPayload, got %v", err)
	}
}

func TestUploadImageRejectsInvalidImage(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	d := newTestDevice(t, func(f Frame) *cbor.Map {
		requests.Add(1)
		return cbor.NewMap().Set("rc", 0).Set("off", len(f.Body))
	})

	tests := []struct {
		name     string
		img      []byte
		expected error
	}{
		{name: "not an image", img: []byte("definitely not an mcuboot image, just text"), expected: imageinfo.ErrWrongMagic},
		{name: "short", img: []byte{0x3d, 0xb8, 0xf3, 0x96}, expected: imageinfo.ErrTooShort},
		{name: "truncated body", img: testImage(200)[:100], expected: imageinfo.ErrImageSize},
	}

	for _, tt := range tests {
		err := d.engine.UploadImage(context.Background(), tt.img)
		if !errors.Is(err, tt.expected) {
			t.Errorf("%s: want %v, got %v", tt.name, tt.expected, err)
		}
	}

	if n := requests.Load(); n != 0 {
		t.Fatalf("%d requests sent for invalid images", n)
	}
}

func TestFlowInProgress(t *testing.T) {
	t.Parallel()

	sent := make(chan struct{}, 16)
	d := newTestDevice(t, func(f Frame) *cbor.Map {
		sent <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.engine.UploadImage(ctx, testImage(500))
	}()

	<-sent

	if err := d.engine.UploadImage(context.Background(), testImage(64)); !errors.Is(err, ErrFlowInProgress) {
		t.Fatalf("want ErrFlowInProgress, got %v", err)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()

	if err := d.engine.UploadImage(ctx2, testImage(64)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cancelled flow must be cleared, got %v", err)
	}
}

func TestResetState(t *testing.T) {
	t.Parallel()

	sent := make(chan struct{}, 16)
	d := newTestDevice(t, func(f Frame) *cbor.Map {
		sent <- struct{}{}
		return nil
	})

	uploadErr := make(chan error, 1)
	go func() {
		uploadErr <- d.engine.UploadImage(context.Background(), testImage(500))
	}()
	<-sent

	echoErr := make(chan error, 1)
	go func() {
		_, err := d.engine.Echo(context.Background(), "hi")
		echoErr <- err
	}()
	<-sent

	_ = d.engine.HandleNotification([]byte{0x01, 0x00})

	d.engine.ResetState()

	if err := <-uploadErr; !errors.Is(err, ErrEngineReset) {
		t.Fatalf("upload: want ErrEngineReset, got %v", err)
	}

	if err := <-echoErr; !errors.Is(err, ErrEngineReset) {
		t.Fatalf("echo: want ErrEngineReset, got %v", err)
	}

	if d.engine.rx.Len() != 0 {
		t.Fatalf("receive buffer not cleared")
	}
}

func TestFileUploadDownload(t *testing.T) {
	t.Parallel()

	payload := testPayload(700)
	files := map[string][]byte{}
	var mu sync.Mutex

	d := newTestDevice(t, func(f Frame) *cbor.Map {
		if f.Header.Group != GroupFS || f.Header.Command != CmdFSFile {
			t.Errorf("unexpected request %+v", f.Header)
			return nil
		}

		req := decodeUpload(t, f)

		mu.Lock()
		defer mu.Unlock()

		if f.Header.Op == OpWrite {
			if int(req.Off) != len(files[req.Name]) {
				t.Errorf("file chunk at %d, device has %d", req.Off, len(files[req.Name]))
			}
			if (req.Off == 0) != (req.Len != nil) {
				t.Errorf("len must be sent with the first chunk only")
			}

			files[req.Name] = append(files[req.Name], req.Data...)
			return cbor.NewMap().Set("off", len(files[req.Name]))
		}

		data := files[req.Name]
		end := min(int(req.Off)+90, len(data))
		resp := cbor.NewMap().Set("off", req.Off).Set("data", data[req.Off:end])
		if req.Off == 0 {
			resp.Set("len", len(data))
		}

		return resp
	}, WithMTU(100))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var uploaded []string
	d.engine.FileUploadComplete.Subscribe(func(name string) { uploaded = append(uploaded, name) })

	if err := d.engine.UploadFile(ctx, payload, "/lfs/model.tflite"); err != nil {
		t.Fatalf("UploadFile: %s", err.Error())
	}

	if len(uploaded) != 1 || uploaded[0] != "/lfs/model.tflite" {
		t.Fatalf("uploaded = %v", uploaded)
	}

	var downloaded []File
	d.engine.FileDownloaded.Subscribe(func(f File) { downloaded = append(downloaded, f) })

	var progress []Progress
	d.engine.FileDownloadProgress.Subscribe(func(p Progress) { progress = append(progress, p) })

	got, err := d.engine.DownloadFile(ctx, "/lfs/model.tflite", "model.tflite")
	if err != nil {
		t.Fatalf("DownloadFile: %s", err.Error())
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("downloaded file differs")
	}

	if len(downloaded) != 1 || downloaded[0].Name != "model.tflite" {
		t.Fatalf("downloaded = %v", downloaded)
	}

	if len(progress) != 8 || progress[7].Offset != 700 || progress[0].Total != 700 {
		t.Fatalf("progress = %+v", progress)
	}

	if d.overlapped.Load() {
		t.Fatalf("requests were pipelined")
	}
}

func TestDeriveStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		slot0 ImageSlot
		slot1 ImageSlot
		want  ImageStatus
	}{
		{
			name:  "slot 1 not bootable",
			slot0: ImageSlot{Confirmed: true},
			slot1: ImageSlot{Slot: 1},
			want:  ImageStatus{Status: StatusPending, NeedsErase: true},
		},
		{
			name:  "testing",
			slot0: ImageSlot{},
			slot1: ImageSlot{Slot: 1, Bootable: true, Pending: true},
			want:  ImageStatus{Status: StatusTesting},
		},
		{
			name:  "pending",
			slot0: ImageSlot{Confirmed: true},
			slot1: ImageSlot{Slot: 1, Bootable: true, Pending: true},
			want:  ImageStatus{Status: StatusPending},
		},
		{
			name:  "uploaded",
			slot0: ImageSlot{Confirmed: true},
			slot1: ImageSlot{Slot: 1, Bootable: true},
			want:  ImageStatus{Status: StatusUploaded},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deriveStatus(StatusPending, []ImageSlot{tt.slot0, tt.slot1})
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func imageEntry(slot int, version string, bootable, pending, confirmed bool) *cbor.Map {
	return cbor.NewMap().
		Set("slot", slot).
		Set("version", version).
		Set("hash", bytes.Repeat([]byte{byte(slot + 1)}, 32)).
		Set("bootable", bootable).
		Set("pending", pending).
		Set("confirmed", confirmed).
		Set("active", slot == 0)
}

func TestImageState(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	images := []any{imageEntry(0, "1.0.0", true, false, true)}

	d := newTestDevice(t, func(f Frame) *cbor.Map {
		mu.Lock()
		defer mu.Unlock()

		return cbor.NewMap().Set("images", images)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var statuses []ImageStatus
	d.engine.Status.Subscribe(func(s ImageStatus) { statuses = append(statuses, s) })

	slots, err := d.engine.ImageState(ctx)
	if err != nil {
		t.Fatalf("ImageState: %s", err.Error())
	}

	if len(slots) != 2 || !slots[1].Empty || slots[1].Slot != 1 || slots[0].Version != "1.0.0" {
		t.Fatalf("slots = %+v", slots)
	}

	if !slots[0].Bootable || !slots[0].Confirmed || !slots[0].Active {
		t.Fatalf("slot 0 flags = %+v", slots[0])
	}

	if len(statuses) != 1 || statuses[0] != (ImageStatus{Status: StatusIdle}) {
		t.Fatalf("statuses = %+v", statuses)
	}

	mu.Lock()
	images = append(images, imageEntry(1, "1.1.0", true, true, false))
	mu.Unlock()

	slots, err = d.engine.ImageTest(ctx, bytes.Repeat([]byte{2}, 32))
	if err != nil {
		t.Fatalf("ImageTest: %s", err.Error())
	}

	if len(slots) != 2 || slots[1].Empty || slots[1].Version != "1.1.0" {
		t.Fatalf("slots = %+v", slots)
	}

	if got := d.engine.CurrentStatus(); got != (ImageStatus{Status: StatusPending}) {
		t.Fatalf("status = %+v", got)
	}
}

func TestEchoAndReset(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, func(f Frame) *cbor.Map {
		switch f.Header.Command {
		case CmdOSEcho:
			req, _ := DecodeCBOR[struct {
				D string `cbor:"d"`
			}](f.Body)
			return cbor.NewMap().Set("r", req.D)
		case CmdOSReset:
			return cbor.NewMap().Set("err", cbor.NewMap().Set("group", 0).Set("rc", 10))
		}

		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := d.engine.Echo(ctx, "hello")
	if err != nil || got != "hello" {
		t.Fatalf("Echo = %q, %v", got, err)
	}

	var respErr *ResponseError
	if err := d.engine.Reset(ctx); !errors.As(err, &respErr) || respErr.Rc != 10 {
		t.Fatalf("want busy ResponseError, got %v", err)
	}
}

func TestAckTimeout(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, func(f Frame) *cbor.Map { return nil }, WithAckTimeout(20*time.Millisecond))

	if _, err := d.engine.Echo(context.Background(), "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}
