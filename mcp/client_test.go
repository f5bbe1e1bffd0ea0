package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/smartpower/client"
	"github.com/mbocsi/smartpower/proto"
	"github.com/mbocsi/smartpower/services"
)

type fakePower struct {
	calls   []string
	addr    string
	err     error
	session *services.SessionInfo
}

func (f *fakePower) Connect(ctx context.Context, addr string) (*services.SessionInfo, error) {
	f.calls = append(f.calls, "connect")
	if f.err != nil {
		return nil, f.err
	}
	f.addr = addr
	return &services.SessionInfo{Addr: addr, State: "ready"}, nil
}

func (f *fakePower) Disconnect() error {
	f.calls = append(f.calls, "disconnect")
	return f.err
}

func (f *fakePower) Session() (*services.SessionInfo, error) {
	if f.session == nil {
		return nil, services.ServiceError{Code: services.ErrCodeNotFound, Message: "No device session"}
	}
	return f.session, nil
}

func (f *fakePower) AllOn(ctx context.Context) error {
	f.calls = append(f.calls, "all_on")
	return f.err
}

func (f *fakePower) AllOff(ctx context.Context) error {
	f.calls = append(f.calls, "all_off")
	return f.err
}

func (f *fakePower) Invert(ctx context.Context, pin int) error {
	f.calls = append(f.calls, "invert")
	return f.err
}

func (f *fakePower) Subscribe(fn func(client.BridgeEvent)) func() { return func() {} }

type fakeDevices []services.DeviceInfo

func (f fakeDevices) ListDevices() ([]services.DeviceInfo, error) { return f, nil }

func (f fakeDevices) GetDevice(id string) (*services.DeviceInfo, error) {
	for _, d := range f {
		if d.ID == id {
			return &d, nil
		}
	}
	return nil, services.ServiceError{Code: services.ErrCodeNotFound, Message: "Device not found: " + id}
}

func newTestClient() (*MCPClient, *fakePower) {
	power := &fakePower{}
	devices := fakeDevices{{ID: "0000000100000002", DeviceType: proto.DeviceTypeSmartPowerStrip, IP: "10.0.0.7", Addr: "10.0.0.7:2000"}}
	return NewMCPClient(&services.ServiceContainer{Power: power, Device: devices}, NewMCPServer()), power
}

func call(t *testing.T, m *MCPClient, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	for _, tool := range m.Tools() {
		if tool.Tool.Name != name {
			continue
		}
		var req mcp.CallToolRequest
		req.Params.Name = name
		req.Params.Arguments = args
		res, err := tool.Handler(context.Background(), req)
		require.NoError(t, err)
		require.NotNil(t, res)
		return res
	}
	t.Fatalf("tool %q not registered", name)
	return nil
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return tc.Text
}

func TestMCPClient_Tools(t *testing.T) {
	m, _ := newTestClient()

	var names []string
	for _, tool := range m.Tools() {
		names = append(names, tool.Tool.Name)
	}
	assert.ElementsMatch(t, []string{"list_devices", "get_status", "connect", "disconnect", "all_on", "all_off", "invert_pin"}, names)
}

func TestMCPClient_ListDevices(t *testing.T) {
	m, _ := newTestClient()

	res := call(t, m, "list_devices", nil)
	assert.False(t, res.IsError)

	var got struct {
		Devices []services.DeviceInfo `json:"devices"`
		Count   int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &got))
	assert.Equal(t, 1, got.Count)
	assert.Equal(t, "10.0.0.7:2000", got.Devices[0].Addr)
}

func TestMCPClient_Connect(t *testing.T) {
	m, power := newTestClient()

	res := call(t, m, "connect", map[string]any{"device_id": "0000000100000002"})
	assert.False(t, res.IsError, text(t, res))
	assert.Equal(t, "10.0.0.7:2000", power.addr)

	res = call(t, m, "connect", map[string]any{"address": "192.168.0.3"})
	assert.False(t, res.IsError)
	assert.Equal(t, "192.168.0.3", power.addr)

	res = call(t, m, "connect", map[string]any{"device_id": "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), services.ErrCodeNotFound)
}

func TestMCPClient_PowerCommands(t *testing.T) {
	m, power := newTestClient()

	for _, name := range []string{"all_on", "all_off", "disconnect"} {
		res := call(t, m, name, nil)
		assert.False(t, res.IsError, name)
	}
	res := call(t, m, "invert_pin", map[string]any{"pin": 2.0})
	assert.False(t, res.IsError)
	assert.Equal(t, "Outlet 2 toggled", text(t, res))
	assert.Equal(t, []string{"all_on", "all_off", "disconnect", "invert"}, power.calls)

	res = call(t, m, "invert_pin", nil)
	assert.True(t, res.IsError)
	res = call(t, m, "invert_pin", map[string]any{"pin": 1.5})
	assert.True(t, res.IsError)
	assert.Len(t, power.calls, 4)

	power.err = services.ServiceError{Code: services.ErrCodeUnavailable, Message: "Device unavailable: all on"}
	res = call(t, m, "all_on", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "UNAVAILABLE")
}

func TestMCPClient_GetStatus(t *testing.T) {
	m, power := newTestClient()

	res := call(t, m, "get_status", nil)
	assert.True(t, res.IsError)

	power.session = &services.SessionInfo{Addr: "10.0.0.7:2000", State: "ready", Pins: map[uint8]proto.PinState{0: proto.On}}
	res = call(t, m, "get_status", nil)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), `"0": "on"`)

	res = call(t, m, "get_status", map[string]any{"include_devices": true})
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), `"devices"`)
	assert.Contains(t, text(t, res), `"session"`)
}
