// Package config loads wearctl configuration from a YAML, TOML or JSON file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "WEARLINK"

// Config is the root application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Transport TransportConfig `mapstructure:"transport"`

	// MTU overrides the MTU reported by the transport and device when set.
	MTU int `mapstructure:"mtu"`
	// AckTimeout bounds every request/acknowledge exchange. Zero waits for
	// the command's own deadline only.
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	// ConnectTimeout bounds scanning and connecting.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

const (
	TransportBLE = "ble"
	TransportUDP = "udp"
	TransportWS  = "ws"
)

// TransportConfig selects and configures the link to the device.
//
//	transport:
//	  kind: udp
//	  udp_addr: "192.168.1.40:9000"
//	  receive_port: 9001
type TransportConfig struct {
	Kind string `mapstructure:"kind"`

	// BLE: device local name or address.
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`

	// UDP: device address and local receive port, 0 for any.
	UDPAddr     string `mapstructure:"udp_addr"`
	ReceivePort int    `mapstructure:"receive_port"`

	// WebSocket bridge.
	WSURL    string `mapstructure:"ws_url"`
	DeviceID string `mapstructure:"device_id"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/wearctl.log",
				MaxSizeMB:  20,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transport: TransportConfig{
			Kind: TransportBLE,
		},
		ConnectTimeout: 30 * time.Second,
	}
}

// Load reads configuration from path, or from wearlink.{yaml,toml,json} in
// the working directory or the user config directory when path is empty.
// Environment variables use the WEARLINK prefix with `.` replaced by `_`,
// e.g. WEARLINK_TRANSPORT_KIND=udp. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.name", cfg.Transport.Name)
	v.SetDefault("transport.address", cfg.Transport.Address)
	v.SetDefault("transport.udp_addr", cfg.Transport.UDPAddr)
	v.SetDefault("transport.receive_port", cfg.Transport.ReceivePort)
	v.SetDefault("transport.ws_url", cfg.Transport.WSURL)
	v.SetDefault("transport.device_id", cfg.Transport.DeviceID)
	v.SetDefault("mtu", cfg.MTU)
	v.SetDefault("ack_timeout", cfg.AckTimeout)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wearlink")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "wearlink"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	switch c.Log.Format {
	case "":
		c.Log.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}

	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if c.MTU < 0 {
		return fmt.Errorf("invalid mtu: %d", c.MTU)
	}

	if c.AckTimeout < 0 {
		return fmt.Errorf("invalid ack_timeout: %s", c.AckTimeout)
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))

	return nil
}

// Validate checks that the selected transport has what it needs to connect.
func (t TransportConfig) Validate() error {
	switch t.Kind {
	case TransportBLE:
		if t.Name == "" && t.Address == "" {
			return errors.New("transport.name or transport.address is required for ble")
		}
	case TransportUDP:
		if t.UDPAddr == "" {
			return errors.New("transport.udp_addr is required for udp")
		}
		if t.ReceivePort < 0 || t.ReceivePort > 0xffff {
			return fmt.Errorf("invalid transport.receive_port: %d", t.ReceivePort)
		}
	case TransportWS:
		if t.WSURL == "" || t.DeviceID == "" {
			return errors.New("transport.ws_url and transport.device_id are required for ws")
		}
	default:
		return fmt.Errorf("invalid transport.kind: %q", t.Kind)
	}

	return nil
}
