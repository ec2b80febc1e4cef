package smp

import (
	"context"
	"crypto/sha256"
	"fmt"

	"go.uber.org/zap"

	"github.com/ffenix113/wearlink/cbor"
	"github.com/ffenix113/wearlink/imageinfo"
)

// ImageSlot describes one firmware image slot.
type ImageSlot struct {
	Slot      int
	Version   string
	Hash      []byte
	Bootable  bool
	Pending   bool
	Confirmed bool
	Active    bool
	Permanent bool
	// Empty marks a slot the device did not report.
	Empty bool
}

type UpdateStatus uint8

const (
	StatusIdle UpdateStatus = iota
	StatusUploaded
	StatusPending
	StatusTesting
)

func (s UpdateStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusUploaded:
		return "uploaded"
	case StatusPending:
		return "pending"
	case StatusTesting:
		return "testing"
	}

	return fmt.Sprintf("UpdateStatus(%d)", uint8(s))
}

// ImageStatus is derived from the slot list after every image state
// response.
type ImageStatus struct {
	Status UpdateStatus
	// NeedsErase is set when slot 1 holds an image that cannot boot. Status
	// keeps its previous value in that case.
	NeedsErase bool
}

// deriveStatus applies the slot precedence rules to a two slot list.
func deriveStatus(prev UpdateStatus, slots []ImageSlot) ImageStatus {
	switch {
	case !slots[1].Bootable:
		return ImageStatus{Status: prev, NeedsErase: true}
	case !slots[0].Confirmed:
		return ImageStatus{Status: StatusTesting}
	case slots[1].Pending:
		return ImageStatus{Status: StatusPending}
	}

	return ImageStatus{Status: StatusUploaded}
}

func (e *Engine) handleImageState(f Frame) error {
	resp, err := DecodeCBOR[imageStateResponse](f.Body)
	if err != nil {
		return err
	}

	if len(resp.Images) == 0 {
		return nil
	}

	slots := make([]ImageSlot, 0, 2)
	for _, img := range resp.Images {
		slots = append(slots, img.slot())
	}

	e.mu.Lock()
	var status ImageStatus
	if len(slots) == 1 {
		slots = append(slots, ImageSlot{Slot: 1, Version: "Empty", Empty: true})
		status = ImageStatus{Status: StatusIdle}
	} else {
		status = deriveStatus(e.status.Status, slots)
	}
	e.images = slots
	e.status = status
	e.mu.Unlock()

	if status.NeedsErase {
		e.log.Warn("slot 1 holds an image that cannot boot, erase it or upload a different image")
	}

	e.Images.Emit(slots)
	e.Status.Emit(status)

	return nil
}

// Slots returns the slot list from the last image state response.
func (e *Engine) Slots() []ImageSlot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]ImageSlot(nil), e.images...)
}

// CurrentStatus returns the status derived from the last image state response.
func (e *Engine) CurrentStatus() ImageStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status
}

// ImageState queries the image slots.
func (e *Engine) ImageState(ctx context.Context) ([]ImageSlot, error) {
	if _, err := e.request(ctx, OpRead, GroupImage, CmdImageState, nil); err != nil {
		return nil, err
	}

	return e.Slots(), nil
}

// ImageErase erases the secondary slot.
func (e *Engine) ImageErase(ctx context.Context) error {
	_, err := e.request(ctx, OpWrite, GroupImage, CmdImageErase, cbor.NewMap())
	return err
}

// ImageTest marks the image with hash to be booted once on the next reset.
func (e *Engine) ImageTest(ctx context.Context, hash []byte) ([]ImageSlot, error) {
	return e.setImageState(ctx, hash, false)
}

// ImageConfirm makes the image with hash permanent.
func (e *Engine) ImageConfirm(ctx context.Context, hash []byte) ([]ImageSlot, error) {
	return e.setImageState(ctx, hash, true)
}

func (e *Engine) setImageState(ctx context.Context, hash []byte, confirm bool) ([]ImageSlot, error) {
	body := cbor.NewMap().Set("hash", hash).Set("confirm", confirm)
	if _, err := e.request(ctx, OpWrite, GroupImage, CmdImageState, body); err != nil {
		return nil, err
	}

	return e.Slots(), nil
}

// UploadImage uploads a firmware image to the secondary slot and returns
// once the device has acknowledged every byte. Images with an invalid header
// are rejected before anything is sent.
func (e *Engine) UploadImage(ctx context.Context, img []byte) error {
	if len(img) == 0 {
		return ErrEmptyPayload
	}

	info, err := imageinfo.Parse(img)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	e.log.Debug("uploading image", zap.String("version", info.Version), zap.Int("size", len(img)))

	sum := sha256.Sum256(img)
	f := &flow{
		kind:  flowImageUpload,
		ctx:   ctx,
		data:  img,
		sha:   sum[:],
		total: len(img),
		done:  make(chan error, 1),
	}

	return e.runFlow(f)
}

// UploadFile writes data to the device file system at dest.
func (e *Engine) UploadFile(ctx context.Context, data []byte, dest string) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}

	f := &flow{
		kind:  flowFileUpload,
		ctx:   ctx,
		data:  data,
		total: len(data),
		name:  dest,
		done:  make(chan error, 1),
	}

	return e.runFlow(f)
}

func (e *Engine) runFlow(f *flow) error {
	if err := e.startFlow(f); err != nil {
		return err
	}

	e.log.Debug("starting flow", zap.Stringer("flow", f.kind), zap.Int("size", f.total))

	if f.kind == flowFileDownload {
		e.downloadNext(f)
	} else {
		e.uploadNext(f)
	}

	return e.waitFlow(f)
}

// uploadBody is the request for the chunk at f.offset.
func uploadBody(f *flow, chunk []byte) *cbor.Map {
	body := cbor.NewMap().Set("data", chunk).Set("off", f.offset)
	if f.offset == 0 {
		body.Set("len", f.total)
		if f.kind == flowImageUpload {
			body.Set("sha", f.sha)
		}
	}

	if f.kind == flowFileUpload {
		body.Set("name", f.name)
	}

	return body
}

// chunkLength returns how many payload bytes fit into the next request.
func (e *Engine) chunkLength(f *flow) (int, error) {
	overhead, err := cbor.Marshal(uploadBody(f, []byte{}))
	if err != nil {
		return 0, err
	}

	n := e.MTU() - len(overhead) - HeaderSize - TransportReserve
	if n <= 0 {
		return 0, fmt.Errorf("%w: mtu %d", ErrMTUTooSmall, e.MTU())
	}

	return n, nil
}

func (e *Engine) uploadTopics(kind flowKind) (progress func(Progress), complete func(f *flow)) {
	if kind == flowImageUpload {
		return e.UploadProgress.Emit, func(*flow) { e.UploadComplete.Emit(struct{}{}) }
	}

	return e.FileUploadProgress.Emit, func(f *flow) { e.FileUploadComplete.Emit(f.name) }
}

// uploadNext sends the chunk at f.offset, or completes f when everything
// has been acknowledged.
func (e *Engine) uploadNext(f *flow) {
	progress, complete := e.uploadTopics(f.kind)
	progress(Progress{Offset: f.offset, Total: f.total})

	if f.offset >= f.total {
		if e.activeFlow(f.kind) == f {
			e.log.Debug("flow complete", zap.Stringer("flow", f.kind))
			complete(f)
		}
		e.finishFlow(f, nil)
		return
	}

	n, err := e.chunkLength(f)
	if err != nil {
		e.finishFlow(f, err)
		return
	}

	chunk := f.data[f.offset:min(f.offset+n, f.total)]

	group, command := GroupImage, CmdImageUpload
	if f.kind == flowFileUpload {
		group, command = GroupFS, CmdFSFile
	}

	if err := e.write(f.ctx, OpWrite, group, command, uploadBody(f, chunk)); err != nil {
		e.finishFlow(f, err)
	}
}

func (e *Engine) handleUpload(kind flowKind, frame Frame) error {
	f := e.activeFlow(kind)
	if f == nil {
		e.log.Warn("upload response without active flow", zap.Stringer("flow", kind))
		return nil
	}

	resp, err := DecodeCBOR[uploadResponse](frame.Body)
	if err != nil {
		e.finishFlow(f, err)
		return err
	}

	if err := resp.err(frame.Header); err != nil {
		e.finishFlow(f, err)
		return err
	}

	if resp.Off == nil {
		return nil
	}

	f.offset = int(*resp.Off)
	e.uploadNext(f)

	return nil
}
