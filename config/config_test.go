package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/smartpower/client"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smartpower.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Load(\"\") mismatch (-want +got):\n%s", diff)
	}

	cfg, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, client.DefaultPort, cfg.Device.Port)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
device:
  address: 192.168.1.40
  heartbeat_interval: 2s
  heartbeat_timeout: 10s
  reconnect_delay: 1m
discovery:
  enabled: false
http:
  addr: 127.0.0.1:9090
mcp:
  enabled: true
mdns:
  enabled: true
  instance: kitchen
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.Device.Address = "192.168.1.40"
	want.Device.HeartbeatInterval = 2 * time.Second
	want.Device.HeartbeatTimeout = 10 * time.Second
	want.Device.ReconnectDelay = time.Minute
	want.Discovery.Enabled = false
	want.HTTP.Addr = "127.0.0.1:9090"
	want.MCP.Enabled = true
	want.MDNS = MDNSConfig{Enabled: true, Instance: "kitchen"}
	want.Log = LogConfig{Level: "debug", Format: "json"}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", "device: [unclosed"},
		{"port", "device:\n  port: 70000\n"},
		{"heartbeat", "device:\n  heartbeat_interval: 5s\n  heartbeat_timeout: 1s\n"},
		{"level", "log:\n  level: chatty\n"},
		{"format", "log:\n  format: xml\n"},
		{"interval", "discovery:\n  interval: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("")
	assert.Error(t, err)
}

func TestOptions(t *testing.T) {
	cfg := Default()
	assert.Len(t, cfg.ClientOptions(), 4)
	assert.Len(t, cfg.FinderOptions(), 3)
}
