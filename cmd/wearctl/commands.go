package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ffenix113/wearlink"
	"github.com/ffenix113/wearlink/filetransfer"
	"github.com/ffenix113/wearlink/imageinfo"
	"github.com/ffenix113/wearlink/internal/config"
	"github.com/ffenix113/wearlink/protocol"
	"github.com/ffenix113/wearlink/smp"
	"github.com/ffenix113/wearlink/transport"
	"github.com/ffenix113/wearlink/transport/ble"
	"github.com/ffenix113/wearlink/transport/udp"
	"github.com/ffenix113/wearlink/transport/ws"
	"github.com/ffenix113/wearlink/wire"
)

func newTransport(cfg *config.Config, log *zap.Logger) (transport.Transport, error) {
	t := cfg.Transport
	if err := t.Validate(); err != nil {
		return nil, err
	}

	switch t.Kind {
	case config.TransportUDP:
		return udp.New(udp.Config{
			DeviceAddr: t.UDPAddr,
			ListenAddr: fmt.Sprintf(":%d", t.ReceivePort),
			MTU:        cfg.MTU,
		}, udp.WithLogger(log.Named("udp"))), nil
	case config.TransportWS:
		return ws.New(ws.Config{URL: t.WSURL, DeviceID: t.DeviceID}, ws.WithLogger(log.Named("ws"))), nil
	}

	return ble.New(ble.Config{
		Name:           t.Name,
		Address:        t.Address,
		ConnectTimeout: cfg.ConnectTimeout,
	}, ble.WithLogger(log.Named("ble")))
}

// withDevice connects to the configured device, runs fn and disconnects.
func withDevice(c *cli.Context, fn func(ctx context.Context, d *wearlink.Device) error) error {
	e := envFrom(c)

	tr, err := newTransport(e.cfg, e.log)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	opts := []wearlink.Option{wearlink.WithLogger(e.log)}
	if e.cfg.AckTimeout > 0 {
		opts = append(opts, wearlink.WithAckTimeout(e.cfg.AckTimeout))
	}
	if e.cfg.MTU > 0 {
		opts = append(opts, wearlink.WithMTU(e.cfg.MTU))
	}

	d := wearlink.NewDevice(tr, opts...)

	ctx := c.Context
	connectCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.ConnectTimeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	}
	err = d.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			e.log.Warn("close device", zap.Error(err))
		}
	}()

	return fn(ctx, d)
}

// progressLogger logs whole percent steps only.
func progressLogger(log *zap.Logger, msg string) func(smp.Progress) {
	last := -1
	return func(p smp.Progress) {
		if pct := p.Percent(); pct != last {
			last = pct
			log.Info(msg, zap.Int("percent", pct), zap.Int("offset", p.Offset), zap.Int("total", p.Total))
		}
	}
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() < n {
		return cli.Exit(fmt.Sprintf("%s: expected %s", c.Command.Name, c.Command.ArgsUsage), 1)
	}

	return nil
}

func imageInfoCommand() *cli.Command {
	return &cli.Command{
		Name:      "image-info",
		Usage:     "Validate a firmware image and print its metadata",
		ArgsUsage: "<image>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}

			info, _, err := imageinfo.ParseFile(c.Args().First())
			if err != nil {
				return err
			}

			w := c.App.Writer
			fmt.Fprintf(w, "version:     %s\n", info.Version)
			fmt.Fprintf(w, "header size: %d\n", info.HeaderSize)
			fmt.Fprintf(w, "image size:  %d\n", info.ImageSize)
			fmt.Fprintf(w, "hash:        %s\n", info.Hash)
			if info.TLVHash != "" {
				fmt.Fprintf(w, "tlv hash:    %s\n", info.TLVHash)
			}

			return nil
		},
	}
}

func crc32Command() *cli.Command {
	return &cli.Command{
		Name:      "crc32",
		Usage:     "Print the file transfer checksum of a file",
		ArgsUsage: "<file>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}

			b, err := os.ReadFile(c.Args().First())
			if err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "%08x\n", wire.CRC32(b))
			return nil
		},
	}
}

func printSlots(c *cli.Context, slots []smp.ImageSlot, status smp.ImageStatus) {
	w := c.App.Writer
	for _, s := range slots {
		if s.Empty {
			fmt.Fprintf(w, "slot %d: empty\n", s.Slot)
			continue
		}

		var flags []string
		for _, f := range []struct {
			set  bool
			name string
		}{
			{s.Active, "active"},
			{s.Confirmed, "confirmed"},
			{s.Pending, "pending"},
			{s.Bootable, "bootable"},
			{s.Permanent, "permanent"},
		} {
			if f.set {
				flags = append(flags, f.name)
			}
		}

		fmt.Fprintf(w, "slot %d: %s %x [%s]\n", s.Slot, s.Version, s.Hash, strings.Join(flags, " "))
	}

	fmt.Fprintf(w, "status: %s\n", status.Status)
	if status.NeedsErase {
		fmt.Fprintln(w, "slot 1 cannot boot and needs to be erased")
	}
}

func imagesCommand() *cli.Command {
	return &cli.Command{
		Name:  "images",
		Usage: "List firmware image slots",
		Action: func(c *cli.Context) error {
			return withDevice(c, func(ctx context.Context, d *wearlink.Device) error {
				slots, err := d.SMP.ImageState(ctx)
				if err != nil {
					return err
				}

				printSlots(c, slots, d.SMP.CurrentStatus())
				return nil
			})
		},
	}
}

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload a firmware image to the secondary slot",
		ArgsUsage: "<image>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}

			info, img, err := imageinfo.ParseFile(c.Args().First())
			if err != nil {
				return err
			}

			log := envFrom(c).log
			log.Info("uploading image", zap.String("version", info.Version), zap.Int("size", len(img)))

			return withDevice(c, func(ctx context.Context, d *wearlink.Device) error {
				cancel := d.SMP.UploadProgress.Subscribe(progressLogger(log, "upload progress"))
				defer cancel()

				if err := d.SMP.UploadImage(ctx, img); err != nil {
					return err
				}

				slots, err := d.SMP.ImageState(ctx)
				if err != nil {
					return err
				}

				printSlots(c, slots, d.SMP.CurrentStatus())
				return nil
			})
		},
	}
}

// imageHash accepts a hex hash or the path of an image file.
func imageHash(arg string) ([]byte, error) {
	if _, err := os.Stat(arg); err == nil {
		info, _, err := imageinfo.ParseFile(arg)
		if err != nil {
			return nil, err
		}

		if info.TLVHash != "" {
			return hex.DecodeString(info.TLVHash)
		}
		return hex.DecodeString(info.Hash)
	}

	hash, err := hex.DecodeString(arg)
	if err != nil {
		return nil, fmt.Errorf("image hash: %w", err)
	}

	if len(hash) != 32 {
		return nil, fmt.Errorf("image hash: want 32 bytes, got %d", len(hash))
	}

	return hash, nil
}

func setStateCommand(name, usage string, confirm bool) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<hash|image>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}

			hash, err := imageHash(c.Args().First())
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			return withDevice(c, func(ctx context.Context, d *wearlink.Device) error {
				set := d.SMP.ImageTest
				if confirm {
					set = d.SMP.ImageConfirm
				}

				slots, err := set(ctx, hash)
				if err != nil {
					return err
				}

				printSlots(c, slots, d.SMP.CurrentStatus())
				return nil
			})
		},
	}
}

func testCommand() *cli.Command {
	return setStateCommand("test", "Boot an uploaded image once on the next reset", false)
}

func confirmCommand() *cli.Command {
	return setStateCommand("confirm", "Make an image permanent", true)
}

func eraseCommand() *cli.Command {
	return &cli.Command{
		Name:  "erase",
		Usage: "Erase the secondary image slot",
		Action: func(c *cli.Context) error {
			return withDevice(c, func(ctx context.Context, d *wearlink.Device) error {
				return d.SMP.ImageErase(ctx)
			})
		},
	}
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Restart the device",
		Action: func(c *cli.Context) error {
			return withDevice(c, func(ctx context.Context, d *wearlink.Device) error {
				return d.SMP.Reset(ctx)
			})
		},
	}
}

func echoCommand() *cli.Command {
	return &cli.Command{
		Name:      "echo",
		Usage:     "Send text to the device and print its reply",
		ArgsUsage: "<text>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}

			return withDevice(c, func(ctx context.Context, d *wearlink.Device) error {
				r, err := d.SMP.Echo(ctx, strings.Join(c.Args().Slice(), " "))
				if err != nil {
					return err
				}

				fmt.Fprintln(c.App.Writer, r)
				return nil
			})
		},
	}
}

func fsUploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "fs-upload",
		Usage:     "Write a local file to the device file system",
		ArgsUsage: "<local> <remote>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 2); err != nil {
				return err
			}

			data, err := os.ReadFile(c.Args().Get(0))
			if err != nil {
				return err
			}

			log := envFrom(c).log
			return withDevice(c, func(ctx context.Context, d *wearlink.Device) error {
				cancel := d.SMP.FileUploadProgress.Subscribe(progressLogger(log, "file upload progress"))
				defer cancel()

				return d.SMP.UploadFile(ctx, data, c.Args().Get(1))
			})
		},
	}
}

func fsDownloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "fs-download",
		Usage:     "Read a file from the device file system",
		ArgsUsage: "<remote> <local>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 2); err != nil {
				return err
			}

			remote, local := c.Args().Get(0), c.Args().Get(1)

			log := envFrom(c).log
			return withDevice(c, func(ctx context.Context, d *wearlink.Device) error {
				cancel := d.SMP.FileDownloadProgress.Subscribe(progressLogger(log, "file download progress"))
				defer cancel()

				data, err := d.SMP.DownloadFile(ctx, remote, filepath.Base(local))
				if err != nil {
					return err
				}

				return os.WriteFile(local, data, 0o644)
			})
		},
	}
}

func fileTypeArg(c *cli.Context) (protocol.FileType, error) {
	t, err := protocol.ParseFileType(c.Args().First())
	if err != nil {
		return 0, cli.Exit(err.Error(), 1)
	}

	return t, nil
}

func sendFileCommand() *cli.Command {
	return &cli.Command{
		Name:      "send-file",
		Usage:     "Transfer a file of a known type to the device",
		ArgsUsage: "<tflite|wifiServerCert|wifiServerKey> <file>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 2); err != nil {
				return err
			}

			t, err := fileTypeArg(c)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(c.Args().Get(1))
			if err != nil {
				return err
			}

			log := envFrom(c).log
			return withDevice(c, func(ctx context.Context, d *wearlink.Device) error {
				cancel := d.Files.Progress.Subscribe(func(p filetransfer.Progress) {
					log.Debug("file transfer progress", zap.Stringer("type", p.Type), zap.Float64("progress", p.Progress))
				})
				defer cancel()

				if err := d.Files.Send(ctx, t, data); err != nil {
					if errors.Is(err, filetransfer.ErrAborted) {
						return cli.Exit("transfer cancelled by device", 1)
					}
					return err
				}

				log.Info("file sent", zap.Stringer("type", t), zap.Int("size", len(data)))
				return nil
			})
		},
	}
}

func receiveFileCommand() *cli.Command {
	return &cli.Command{
		Name:      "receive-file",
		Usage:     "Fetch the device's file of a known type",
		ArgsUsage: "<tflite|wifiServerCert|wifiServerKey> [output]",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}

			t, err := fileTypeArg(c)
			if err != nil {
				return err
			}

			return withDevice(c, func(ctx context.Context, d *wearlink.Device) error {
				f, err := d.Files.ReceiveFile(ctx, t)
				if err != nil {
					return err
				}

				out := c.Args().Get(1)
				if out == "" {
					out = f.Name
				}

				if err := os.WriteFile(out, f.Data, 0o644); err != nil {
					return err
				}

				fmt.Fprintln(c.App.Writer, out)
				return nil
			})
		},
	}
}
