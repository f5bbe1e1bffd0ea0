package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/smartpower/client"
	"github.com/mbocsi/smartpower/proto"
	"github.com/mbocsi/smartpower/simulator"
)

type staticSource []client.FoundDevice

func (s staticSource) Devices() []client.FoundDevice { return s }

func startSimulator(t *testing.T) *simulator.Device {
	t.Helper()
	d := simulator.New(simulator.Config{TCPAddr: "127.0.0.1:0", HighDeviceID: 0xAB, LowDeviceID: 0xCD})
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Shutdown() })
	return d
}

func newPowerService(t *testing.T, addr string) *PowerServiceImpl {
	t.Helper()
	ps := NewPowerService(addr, time.Second,
		client.WithHandshakeTimeout(time.Second),
		client.WithReconnectDelay(time.Hour),
	)
	t.Cleanup(func() { ps.Close() })
	return ps
}

func TestPowerService_ConnectAndControl(t *testing.T) {
	d := startSimulator(t)
	ps := newPowerService(t, d.Addr())
	ctx := context.Background()

	info, err := ps.Connect(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "ready", info.State)
	assert.Equal(t, d.Addr(), info.Addr)
	require.NotNil(t, info.Device)
	assert.Equal(t, "000000ab000000cd", info.Device.ID)
	assert.Len(t, info.Pins, simulator.DefaultPins)

	require.NoError(t, ps.Invert(ctx, 2))
	assert.Equal(t, proto.On, d.Pins()[2])

	require.NoError(t, ps.AllOn(ctx))
	require.NoError(t, ps.AllOff(ctx))
	for _, state := range d.Pins() {
		assert.Equal(t, proto.Off, state)
	}

	require.NoError(t, ps.Disconnect())
	info, err = ps.Session()
	require.NoError(t, err)
	assert.Equal(t, "disconnected", info.State)
}

func TestPowerService_Errors(t *testing.T) {
	d := startSimulator(t)
	ps := newPowerService(t, "")
	ctx := context.Background()

	_, err := ps.Connect(ctx, "")
	assert.Equal(t, ErrCodeInvalidInput, ErrorCode(err))

	assert.Equal(t, ErrCodeUnavailable, ErrorCode(ps.AllOn(ctx)))

	_, err = ps.Session()
	assert.Equal(t, ErrCodeNotFound, ErrorCode(err))

	_, err = ps.Connect(ctx, d.Addr())
	require.NoError(t, err)

	assert.Equal(t, ErrCodeInvalidInput, ErrorCode(ps.Invert(ctx, 300)))

	err = ps.Invert(ctx, 17)
	assert.Equal(t, ErrCodeDeviceRejected, ErrorCode(err))
	var rerr *client.ResponseError
	assert.True(t, errors.As(err, &rerr))

	d.SetIgnoreCommands(true)
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Equal(t, ErrCodeTimeout, ErrorCode(ps.AllOn(short)))
}

func TestPowerService_Events(t *testing.T) {
	d := startSimulator(t)
	ps := newPowerService(t, d.Addr())

	var mu sync.Mutex
	var events []client.BridgeEvent
	unsubscribe := ps.Subscribe(func(ev client.BridgeEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	_, err := ps.Connect(context.Background(), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var sawReady, sawStatus bool
		for _, ev := range events {
			sawReady = sawReady || (ev.Type == client.EventState && ev.State == "ready")
			sawStatus = sawStatus || ev.Type == client.EventStatus
		}
		return sawReady && sawStatus
	}, 2*time.Second, 10*time.Millisecond)

	unsubscribe()
	mu.Lock()
	n := len(events)
	mu.Unlock()

	d.SetPin(1, proto.On)
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, n, len(events))
}

func TestPowerService_ReplacesSessionOnNewAddr(t *testing.T) {
	a := startSimulator(t)
	b := startSimulator(t)
	ps := newPowerService(t, "")
	ctx := context.Background()

	_, err := ps.Connect(ctx, a.Addr())
	require.NoError(t, err)
	info, err := ps.Connect(ctx, b.Addr())
	require.NoError(t, err)
	assert.Equal(t, b.Addr(), info.Addr)

	require.Eventually(t, func() bool { return a.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWithDefaultPort(t *testing.T) {
	assert.Equal(t, "10.0.0.5:2000", withDefaultPort("10.0.0.5"))
	assert.Equal(t, "10.0.0.5:9000", withDefaultPort("10.0.0.5:9000"))
}

func TestDeviceService(t *testing.T) {
	src := staticSource{
		{DeviceType: proto.DeviceTypeSmartPowerStrip, HighDeviceID: 1, LowDeviceID: 2, IP: "192.168.1.20"},
		{DeviceType: proto.DeviceTypeSmartPowerStrip, HighDeviceID: 0, LowDeviceID: 9, IP: "192.168.1.10"},
	}
	ds := NewDeviceService(src, 0)

	devices, err := ds.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "192.168.1.10", devices[0].IP)
	assert.Equal(t, "192.168.1.10:2000", devices[0].Addr)
	assert.Equal(t, "0000000000000009", devices[0].ID)

	dev, err := ds.GetDevice("0000000100000002")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", dev.IP)

	_, err = ds.GetDevice("ffff")
	assert.Equal(t, ErrCodeNotFound, ErrorCode(err))
	_, err = ds.GetDevice("")
	assert.Equal(t, ErrCodeInvalidInput, ErrorCode(err))
}

func TestMapClientError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&client.ResponseError{RequestID: 1, Type: proto.UnknownCommand}, ErrCodeDeviceRejected},
		{context.DeadlineExceeded, ErrCodeTimeout},
		{fmt.Errorf("wrapped: %w", client.ErrHandshakeTimeout), ErrCodeTimeout},
		{client.ErrNotConnected, ErrCodeUnavailable},
		{fmt.Errorf("%w: read: EOF", client.ErrDisconnected), ErrCodeUnavailable},
		{client.ErrClosed, ErrCodeUnavailable},
		{errors.New("boom"), ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := mapClientError("test", tt.err)
			assert.Equal(t, tt.want, ErrorCode(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
