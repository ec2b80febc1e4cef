package smp

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ffenix113/wearlink/cbor"
)

// DownloadFile reads the file at remote from the device file system. The
// result is also published on FileDownloaded under the name dest.
func (e *Engine) DownloadFile(ctx context.Context, remote, dest string) ([]byte, error) {
	f := &flow{
		kind: flowFileDownload,
		ctx:  ctx,
		name: remote,
		dest: dest,
		done: make(chan error, 1),
	}

	if err := e.runFlow(f); err != nil {
		return nil, err
	}

	return f.data, nil
}

func (e *Engine) downloadNext(f *flow) {
	body := cbor.NewMap().Set("off", f.offset).Set("name", f.name)
	if err := e.write(f.ctx, OpRead, GroupFS, CmdFSFile, body); err != nil {
		e.finishFlow(f, err)
	}
}

func (e *Engine) handleDownload(frame Frame) error {
	f := e.activeFlow(flowFileDownload)
	if f == nil {
		e.log.Warn("download response without active flow")
		return nil
	}

	resp, err := DecodeCBOR[downloadResponse](frame.Body)
	if err != nil {
		e.finishFlow(f, err)
		return err
	}

	if err := resp.err(frame.Header); err != nil {
		e.finishFlow(f, err)
		return err
	}

	if resp.Len != nil {
		f.total = int(*resp.Len)
	}

	f.data = append(f.data, resp.Data...)
	f.offset += len(resp.Data)
	e.FileDownloadProgress.Emit(Progress{Offset: f.offset, Total: f.total})

	switch {
	case f.offset < f.total && len(resp.Data) == 0:
		err := fmt.Errorf("%w: %d of %d bytes", ErrShortDownload, f.offset, f.total)
		e.finishFlow(f, err)
		return err
	case f.offset < f.total:
		e.downloadNext(f)
	default:
		e.log.Debug("file downloaded", zap.String("name", f.name), zap.Int("size", len(f.data)))
		e.FileDownloaded.Emit(File{Name: f.dest, Data: f.data})
		e.finishFlow(f, nil)
	}

	return nil
}
