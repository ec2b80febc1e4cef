package smp

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ffenix113/wearlink/cbor"
	"github.com/ffenix113/wearlink/event"
)

// DefaultMTU is used until SetMTU is called.
const DefaultMTU = 140

// TransportReserve is subtracted from the MTU when sizing upload chunks: 3
// bytes of ATT header and 5 bytes for the growth of the data length prefix.
const TransportReserve = 8

// Sender writes one encoded SMP message to the device.
type Sender func(ctx context.Context, b []byte) error

// Response is every response, published on Engine.Responses. Bodies are
// decoded only while Responses has subscribers.
type Response struct {
	Header Header
	// Body is the decoded CBOR body, nil when the body is empty.
	Body any
}

// Progress of a transfer flow, in bytes.
type Progress struct {
	Offset int
	Total  int
}

// Percent returns the progress rounded down to a whole percent.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}

	return p.Offset * 100 / p.Total
}

// File is a downloaded file.
type File struct {
	Name string
	Data []byte
}

type flowKind uint8

const (
	flowImageUpload flowKind = iota
	flowFileUpload
	flowFileDownload

	flowKindCount
)

func (k flowKind) String() string {
	switch k {
	case flowImageUpload:
		return "image upload"
	case flowFileUpload:
		return "file upload"
	}

	return "file download"
}

type flow struct {
	kind   flowKind
	ctx    context.Context
	data   []byte
	sha    []byte
	offset int
	total  int
	// name is the remote path, dest the name reported for downloads.
	name string
	dest string
	done chan error
}

type waiterKey struct {
	group   Group
	command uint8
}

type waiter struct {
	key waiterKey
	ch  chan result
}

type result struct {
	frame Frame
	err   error
}

// Engine runs SMP commands and transfer flows over a Sender. Responses are
// fed in through HandleNotification.
//
// Responses are matched to requests by group and command only; the sequence
// number is not checked. At most one flow of each kind may run at a time.
type Engine struct {
	Images               event.Topic[[]ImageSlot]
	Status               event.Topic[ImageStatus]
	UploadProgress       event.Topic[Progress]
	UploadComplete       event.Topic[struct{}]
	FileUploadProgress   event.Topic[Progress]
	FileUploadComplete   event.Topic[string]
	FileDownloadProgress event.Topic[Progress]
	FileDownloaded       event.Topic[File]
	Echoes               event.Topic[string]
	Responses            event.Topic[Response]

	send       Sender
	log        *zap.Logger
	version    uint8
	ackTimeout time.Duration

	mu      sync.Mutex
	seq     uint8
	mtu     int
	rx      bytes.Buffer
	flows   [flowKindCount]*flow
	waiters []*waiter
	images  []ImageSlot
	status  ImageStatus
}

type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

func WithMTU(mtu int) Option {
	return func(e *Engine) {
		e.mtu = mtu
	}
}

// WithProtocolVersion sets the header version bits; the default is
// VersionLegacy.
func WithProtocolVersion(v uint8) Option {
	return func(e *Engine) {
		e.version = v
	}
}

// WithAckTimeout bounds how long a command waits for its response. By
// default commands wait until their context is done.
func WithAckTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.ackTimeout = d
	}
}

func NewEngine(send Sender, opts ...Option) *Engine {
	e := &Engine{
		send: send,
		log:  zap.NewNop(),
		mtu:  DefaultMTU,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) SetMTU(mtu int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.mtu = mtu
}

func (e *Engine) MTU() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.mtu
}

// BuildMessage encodes a message with the next sequence number. A nil body
// is omitted.
func (e *Engine) BuildMessage(op Op, group Group, command uint8, body any) ([]byte, error) {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = cbor.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode %s command %d body: %w", group, command, err)
		}
	}

	if len(encoded) > 0xffff {
		return nil, fmt.Errorf("%s command %d body of %d bytes exceeds header length", group, command, len(encoded))
	}

	e.mu.Lock()
	seq := e.seq
	e.seq++
	e.mu.Unlock()

	return Frame{
		Header: Header{
			Version:  e.version,
			Op:       op,
			Group:    group,
			Sequence: seq,
			Command:  command,
		},
		Body: encoded,
	}.Bytes(), nil
}

func (e *Engine) write(ctx context.Context, op Op, group Group, command uint8, body any) error {
	msg, err := e.BuildMessage(op, group, command, body)
	if err != nil {
		return err
	}

	if err := e.send(ctx, msg); err != nil {
		return fmt.Errorf("send %s command %d: %w", group, command, err)
	}

	return nil
}

// request sends a command and waits for the next response with the same
// group and command.
func (e *Engine) request(ctx context.Context, op Op, group Group, command uint8, body any) (Frame, error) {
	w := &waiter{
		key: waiterKey{group: group, command: command},
		ch:  make(chan result, 1),
	}

	e.mu.Lock()
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()
	defer e.removeWaiter(w)

	if err := e.write(ctx, op, group, command, body); err != nil {
		return Frame{}, err
	}

	if e.ackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.ackTimeout)
		defer cancel()
	}

	select {
	case r := <-w.ch:
		if r.err != nil {
			return Frame{}, r.err
		}

		return r.frame, nil
	case <-ctx.Done():
		return Frame{}, fmt.Errorf("wait for %s command %d response: %w", group, command, ctx.Err())
	}
}

func (e *Engine) removeWaiter(w *waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, o := range e.waiters {
		if o == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// resolveWaiter hands f to the oldest waiter for its group and command.
func (e *Engine) resolveWaiter(f Frame, err error) bool {
	key := waiterKey{group: f.Header.Group, command: f.Header.Command}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, w := range e.waiters {
		if w.key == key {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			w.ch <- result{frame: f, err: err}
			return true
		}
	}

	return false
}

// HandleNotification accepts bytes received on the SMP channel. Fragments
// are buffered until a whole message is available; one call may complete
// several messages. The first processing error is returned after all
// complete messages have been handled.
//
// Calls must be sequential, in the order the bytes arrived.
func (e *Engine) HandleNotification(b []byte) error {
	e.mu.Lock()
	e.rx.Write(b)

	var msgs [][]byte
	for e.rx.Len() >= HeaderSize {
		h, _ := ParseHeader(e.rx.Bytes())
		n := HeaderSize + int(h.Length)
		if e.rx.Len() < n {
			break
		}

		msgs = append(msgs, bytes.Clone(e.rx.Next(n)))
	}
	e.mu.Unlock()

	var firstErr error
	for _, msg := range msgs {
		if err := e.process(msg); err != nil {
			e.log.Error("process smp message", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func (e *Engine) process(msg []byte) error {
	f, err := ParseFrame(msg)
	if err != nil {
		return err
	}

	h := f.Header
	if !h.Op.IsResponse() {
		e.log.Debug("ignoring smp request", zap.Stringer("op", h.Op), zap.Stringer("group", h.Group))
		return nil
	}

	var body any
	if len(f.Body) > 0 && e.Responses.Len() > 0 {
		if body, err = cbor.Unmarshal(f.Body); err != nil {
			return fmt.Errorf("%s command %d response: %w", h.Group, h.Command, err)
		}
	}

	e.log.Debug("smp response",
		zap.Stringer("op", h.Op),
		zap.Stringer("group", h.Group),
		zap.Uint8("command", h.Command),
		zap.Uint8("seq", h.Sequence),
		zap.Int("length", int(h.Length)),
	)
	e.Responses.Emit(Response{Header: h, Body: body})

	switch {
	case h.Group == GroupImage && h.Command == CmdImageUpload:
		return e.handleUpload(flowImageUpload, f)
	case h.Group == GroupFS && h.Command == CmdFSFile && h.Op == OpWriteResponse:
		return e.handleUpload(flowFileUpload, f)
	case h.Group == GroupFS && h.Command == CmdFSFile && h.Op == OpReadResponse:
		return e.handleDownload(f)
	}

	status, err := DecodeCBOR[statusResponse](f.Body)
	if err != nil {
		e.resolveWaiter(f, err)
		return err
	}

	respErr := status.err(h)
	if respErr == nil {
		switch {
		case h.Group == GroupImage && h.Command == CmdImageState:
			err = e.handleImageState(f)
		case h.Group == GroupOS && h.Command == CmdOSEcho:
			err = e.handleEcho(f)
		}
	}

	if err == nil {
		err = respErr
	}

	if !e.resolveWaiter(f, err) && respErr != nil {
		e.log.Warn("unsolicited smp error response", zap.Error(respErr))
	}

	return err
}

func (e *Engine) handleEcho(f Frame) error {
	resp, err := DecodeCBOR[echoResponse](f.Body)
	if err != nil {
		return err
	}

	e.Echoes.Emit(resp.R)
	return nil
}

// activeFlow returns the running flow of kind.
func (e *Engine) activeFlow(kind flowKind) *flow {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.flows[kind]
}

func (e *Engine) startFlow(f *flow) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flows[f.kind] != nil {
		return fmt.Errorf("%w: %s", ErrFlowInProgress, f.kind)
	}

	e.flows[f.kind] = f
	return nil
}

// finishFlow ends f if it is still the active flow of its kind.
func (e *Engine) finishFlow(f *flow, err error) bool {
	e.mu.Lock()
	if e.flows[f.kind] != f {
		e.mu.Unlock()
		return false
	}
	e.flows[f.kind] = nil
	e.mu.Unlock()

	f.done <- err
	return true
}

func (e *Engine) waitFlow(f *flow) error {
	select {
	case err := <-f.done:
		return err
	case <-f.ctx.Done():
		e.mu.Lock()
		if e.flows[f.kind] == f {
			e.flows[f.kind] = nil
		}
		e.mu.Unlock()

		return f.ctx.Err()
	}
}

// ResetState drops buffered input, pending commands and running flows.
// Anything waiting on them returns ErrEngineReset.
func (e *Engine) ResetState() {
	e.mu.Lock()
	e.rx.Reset()
	flows := e.flows
	e.flows = [flowKindCount]*flow{}
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	for _, f := range flows {
		if f != nil {
			f.done <- ErrEngineReset
		}
	}

	for _, w := range waiters {
		w.ch <- result{err: ErrEngineReset}
	}
}
