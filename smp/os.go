package smp

import (
	"context"

	"github.com/ffenix113/wearlink/cbor"
)

// Reset restarts the device.
func (e *Engine) Reset(ctx context.Context) error {
	_, err := e.request(ctx, OpWrite, GroupOS, CmdOSReset, cbor.NewMap())
	return err
}

// Echo sends s to the device and returns its reply.
func (e *Engine) Echo(ctx context.Context, s string) (string, error) {
	f, err := e.request(ctx, OpWrite, GroupOS, CmdOSEcho, cbor.NewMap().Set("d", s))
	if err != nil {
		return "", err
	}

	resp, err := DecodeCBOR[echoResponse](f.Body)
	if err != nil {
		return "", err
	}

	return resp.R, nil
}
