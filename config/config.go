// Package config loads the smartpower YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbocsi/smartpower/client"
	"github.com/mbocsi/smartpower/services"
)

// Config holds the bridge and CLI configuration
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	HTTP      HTTPConfig      `yaml:"http"`
	MCP       MCPConfig       `yaml:"mcp"`
	MDNS      MDNSConfig      `yaml:"mdns"`
	Log       LogConfig       `yaml:"log"`
}

// DeviceConfig describes the session with the power strip.
type DeviceConfig struct {
	// Address of the strip; the port defaults to Port when omitted
	Address           string        `yaml:"address"`
	Port              int           `yaml:"port"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
}

type DiscoveryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BroadcastAddr string        `yaml:"broadcast_addr"`
	ListenAddr    string        `yaml:"listen_addr"`
	Interval      time.Duration `yaml:"interval"`
}

type HTTPConfig struct {
	Addr       string `yaml:"addr"`
	MaxStreams int    `yaml:"max_streams"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	DefaultHTTPAddr   = ":8080"
	DefaultMaxStreams = 16
	DefaultInstance   = "smartpower"
)

// Default returns a new Config with default values
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Port:              client.DefaultPort,
			DialTimeout:       client.DefaultDialTimeout,
			HandshakeTimeout:  client.DefaultHandshakeTimeout,
			RequestTimeout:    services.DefaultRequestTimeout,
			HeartbeatInterval: client.DefaultHeartbeatInterval,
			HeartbeatTimeout:  client.DefaultHeartbeatTimeout,
			ReconnectDelay:    client.DefaultReconnectDelay,
		},
		Discovery: DiscoveryConfig{
			Enabled:       true,
			BroadcastAddr: client.DefaultBroadcastAddr,
			ListenAddr:    client.DefaultListenAddr,
			Interval:      client.DefaultAnnounceInterval,
		},
		HTTP: HTTPConfig{
			Addr:       DefaultHTTPAddr,
			MaxStreams: DefaultMaxStreams,
		},
		MDNS: MDNSConfig{
			Instance: DefaultInstance,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path, or a path that does
// not exist, yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that the defaults cannot repair.
func (c *Config) Validate() error {
	if c.Device.Port <= 0 || c.Device.Port > 65535 {
		return fmt.Errorf("device.port %d out of range", c.Device.Port)
	}
	if c.Device.HeartbeatInterval <= 0 {
		return errors.New("device.heartbeat_interval must be positive")
	}
	if c.Device.HeartbeatTimeout < c.Device.HeartbeatInterval {
		return errors.New("device.heartbeat_timeout must not be shorter than device.heartbeat_interval")
	}
	if c.Discovery.Interval <= 0 {
		return errors.New("discovery.interval must be positive")
	}
	if c.HTTP.MaxStreams <= 0 {
		return errors.New("http.max_streams must be positive")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ClientOptions converts the device section into session options.
func (c *Config) ClientOptions() []client.Option {
	return []client.Option{
		client.WithDialTimeout(c.Device.DialTimeout),
		client.WithHandshakeTimeout(c.Device.HandshakeTimeout),
		client.WithHeartbeat(c.Device.HeartbeatInterval, c.Device.HeartbeatTimeout),
		client.WithReconnectDelay(c.Device.ReconnectDelay),
	}
}

// FinderOptions converts the discovery section into finder options.
func (c *Config) FinderOptions() []client.FinderOption {
	return []client.FinderOption{
		client.WithBroadcastAddr(c.Discovery.BroadcastAddr),
		client.WithListenAddr(c.Discovery.ListenAddr),
		client.WithAnnounceInterval(c.Discovery.Interval),
	}
}

// ParseLevel maps a level name onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
