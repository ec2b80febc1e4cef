// Package main provides the wearctl command line tool.
//
// Usage:
//
//	wearctl [--config file] [--log-level level] <command> [arguments]
//
// Commands that talk to a device connect through the transport selected in
// the configuration. Exit codes: 0 on success, 1 on any failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ffenix113/wearlink/internal/config"
	"github.com/ffenix113/wearlink/internal/observability"
)

const envKey = "env"

// env is what every command runs with, prepared in the app's Before hook.
type env struct {
	cfg *config.Config
	log *zap.Logger
}

func envFrom(c *cli.Context) *env {
	return c.App.Metadata[envKey].(*env)
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "wearctl",
		Usage:          "Manage wearable sensor devices: firmware, files and diagnostics",
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML, TOML or JSON config file",
				EnvVars: []string{"WEARLINK_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log.level: debug, info, warn, error",
			},
		},
		Before: setup,
		After: func(c *cli.Context) error {
			if e, ok := c.App.Metadata[envKey].(*env); ok {
				_ = e.log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			imageInfoCommand(),
			crc32Command(),
			imagesCommand(),
			uploadCommand(),
			testCommand(),
			confirmCommand(),
			eraseCommand(),
			resetCommand(),
			echoCommand(),
			fsUploadCommand(),
			fsDownloadCommand(),
			sendFileCommand(),
			receiveFileCommand(),
		},
	}
}

func setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	log, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[envKey] = &env{cfg: cfg, log: log}

	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler prints the error and exits with its code, 1 by default.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		if msg := exitCoder.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exitCoder.ExitCode())
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
