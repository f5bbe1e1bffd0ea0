package simulator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/smartpower/proto"
)

func startDevice(t *testing.T, cfg Config) *Device {
	t.Helper()
	if cfg.TCPAddr == "" {
		cfg.TCPAddr = "127.0.0.1:0"
	}
	d := New(cfg)
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Shutdown() })
	return d
}

type testConn struct {
	t    *testing.T
	conn net.Conn
	acc  proto.Reassembler
}

func dial(t *testing.T, d *Device) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", d.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) send(id uint32, m proto.Message) {
	c.t.Helper()
	b, err := proto.Encode(id, m)
	require.NoError(c.t, err)
	_, err = c.conn.Write(b)
	require.NoError(c.t, err)
}

func (c *testConn) next() proto.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	for {
		frame, err := c.acc.Next()
		require.NoError(c.t, err)
		if frame != nil {
			f, err := proto.Decode(frame)
			require.NoError(c.t, err)
			return f
		}
		n, err := c.conn.Read(buf)
		require.NoError(c.t, err)
		c.acc.Write(buf[:n])
	}
}

func TestDevice_Hello(t *testing.T) {
	d := startDevice(t, Config{HighDeviceID: 7, LowDeviceID: 9})
	c := dial(t, d)

	c.send(1024, proto.HelloRequest{})

	f := c.next()
	assert.Equal(t, uint32(1024), f.RequestID)
	assert.Equal(t, proto.HelloResponse{DeviceType: proto.DeviceTypeSmartPowerStrip, HighDeviceID: 7, LowDeviceID: 9}, f.Message)

	f = c.next()
	status, ok := f.Message.(proto.SmartPowerStatus)
	require.True(t, ok, "expected status after hello, got %T", f.Message)
	assert.Len(t, status.Pins, DefaultPins)
	assert.Equal(t, 1, d.HelloCount())
}

func TestDevice_Inversion(t *testing.T) {
	d := startDevice(t, Config{})
	c := dial(t, d)

	c.send(5, proto.Inversion{Pin: 2})
	assert.Equal(t, proto.Frame{RequestID: 5, Message: proto.OkResponse{}}, c.next())

	f := c.next()
	status := f.Message.(proto.SmartPowerStatus)
	assert.Equal(t, proto.On, status.Pins[2])
	assert.Equal(t, proto.Off, status.Pins[1])
	assert.Equal(t, proto.On, d.Pins()[2])
}

func TestDevice_InvalidPin(t *testing.T) {
	d := startDevice(t, Config{Pins: 2})
	c := dial(t, d)

	c.send(6, proto.Inversion{Pin: 200})
	assert.Equal(t, proto.Frame{RequestID: 6, Message: proto.ErrorResponse{Type: proto.InvalidPin}}, c.next())
}

func TestDevice_AllOnAllOff(t *testing.T) {
	d := startDevice(t, Config{})
	c := dial(t, d)

	c.send(1, proto.AllOnCommand{})
	assert.Equal(t, proto.OkResponse{}, c.next().Message)
	c.next()
	for pin, state := range d.Pins() {
		assert.Equal(t, proto.On, state, "pin %d", pin)
	}

	c.send(2, proto.AllOffCommand{})
	assert.Equal(t, proto.OkResponse{}, c.next().Message)
	c.next()
	for pin, state := range d.Pins() {
		assert.Equal(t, proto.Off, state, "pin %d", pin)
	}
}

func TestDevice_Ping(t *testing.T) {
	d := startDevice(t, Config{})
	c := dial(t, d)

	c.send(77, proto.PingCommand{})
	assert.Equal(t, proto.Frame{RequestID: 77, Message: proto.OkResponse{}}, c.next())
	assert.Equal(t, 1, d.PingCount())
}

func TestDevice_StatusBroadcast(t *testing.T) {
	d := startDevice(t, Config{})
	a := dial(t, d)
	b := dial(t, d)
	require.Eventually(t, func() bool { return d.Connections() == 2 }, time.Second, 10*time.Millisecond)

	a.send(1, proto.Inversion{Pin: 0})
	a.next()
	a.next()

	f := b.next()
	assert.Equal(t, proto.On, f.Message.(proto.SmartPowerStatus).Pins[0])
}

func TestDevice_DropConnections(t *testing.T) {
	d := startDevice(t, Config{})
	c := dial(t, d)
	require.Eventually(t, func() bool { return d.Connections() == 1 }, time.Second, 10*time.Millisecond)

	d.DropConnections()

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.conn.Read(make([]byte, 1))
	assert.Error(t, err)
	require.Eventually(t, func() bool { return d.Connections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDevice_ClosesOnGarbage(t *testing.T) {
	d := startDevice(t, Config{})
	c := dial(t, d)

	_, err := c.conn.Write([]byte{0x7F, 0, 0, 0, 1, 0, 0})
	require.NoError(t, err)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = c.conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestDevice_AnswersKnock(t *testing.T) {
	d := startDevice(t, Config{UDPAddr: "127.0.0.1:0", HighDeviceID: 1, LowDeviceID: 2})

	recv, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer recv.Close()

	knock, err := proto.Encode(42, proto.KnockKnock{ReplyPort: uint16(recv.LocalAddr().(*net.UDPAddr).Port)})
	require.NoError(t, err)
	_, err = recv.WriteToUDP(knock, d.UDPAddr())
	require.NoError(t, err)

	require.NoError(t, recv.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 128)
	n, _, err := recv.ReadFromUDP(buf)
	require.NoError(t, err)

	f, err := proto.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(42), f.RequestID)
	assert.Equal(t, d.Identity(), f.Message)
	assert.Equal(t, 1, d.KnockCount())
}

func TestDevice_TooManyPins(t *testing.T) {
	d := New(Config{TCPAddr: "127.0.0.1:0", Pins: proto.MaxStatusPins + 1})
	assert.Error(t, d.Start())
}
