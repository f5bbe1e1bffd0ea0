package broker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/smartpower/proto"
)

func mustEncode(t *testing.T, id uint32, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Encode(id, m)
	require.NoError(t, err)
	return b
}

func TestDispatcher_HelloRequest(t *testing.T) {
	d := NewDispatcher()

	calls := 0
	var gotID uint32
	Subscribe(d, func(id uint32, _ proto.HelloRequest) {
		calls++
		gotID = id
	})

	require.NoError(t, d.Parse(mustEncode(t, 1024, proto.HelloRequest{})))
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint32(1024), gotID)
}

func TestDispatcher_HelloResponse(t *testing.T) {
	d := NewDispatcher()

	want := proto.HelloResponse{DeviceType: proto.DeviceTypeSmartPowerStrip, HighDeviceID: 16777215, LowDeviceID: 215777167}
	var got proto.HelloResponse
	var gotID uint32
	Subscribe(d, func(id uint32, m proto.HelloResponse) {
		gotID = id
		got = m
	})

	require.NoError(t, d.Parse(mustEncode(t, 222555, want)))
	assert.Equal(t, uint32(222555), gotID)
	assert.Equal(t, want, got)
}

func TestDispatcher_Status(t *testing.T) {
	d := NewDispatcher()

	var got proto.SmartPowerStatus
	SubscribeStatus(d, func(s proto.SmartPowerStatus) { got = s })

	status := proto.SmartPowerStatus{Pins: map[uint8]proto.PinState{0: proto.On, 1: proto.Off, 2: proto.On, 3: proto.Off}}
	require.NoError(t, d.Parse(mustEncode(t, 0, status)))
	assert.Equal(t, status, got)
}

func TestDispatcher_OnlyMatchingKind(t *testing.T) {
	d := NewDispatcher()

	var ok, errResp, inversion int
	var pin uint8
	var reason proto.ErrorResponseType
	Subscribe(d, func(uint32, proto.OkResponse) { ok++ })
	Subscribe(d, func(_ uint32, m proto.ErrorResponse) {
		errResp++
		reason = m.Type
	})
	Subscribe(d, func(_ uint32, m proto.Inversion) {
		inversion++
		pin = m.Pin
	})

	require.NoError(t, d.Parse(mustEncode(t, 658, proto.Inversion{Pin: 128})))
	require.NoError(t, d.Parse(mustEncode(t, 2, proto.ErrorResponse{Type: proto.VersionError})))

	assert.Equal(t, 0, ok)
	assert.Equal(t, 1, errResp)
	assert.Equal(t, proto.VersionError, reason)
	assert.Equal(t, 1, inversion)
	assert.Equal(t, uint8(128), pin)
}

func TestDispatcher_RegistrationOrder(t *testing.T) {
	d := NewDispatcher()

	var order []int
	for i := 0; i < 3; i++ {
		Subscribe(d, func(uint32, proto.AllOnCommand) { order = append(order, i) })
	}
	assert.Equal(t, 3, d.Subscribed(proto.KindAllOnCommand))

	require.NoError(t, d.Parse(mustEncode(t, 2, proto.AllOnCommand{})))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestDispatcher_NoHandler(t *testing.T) {
	d := NewDispatcher()
	assert.NoError(t, d.Parse(mustEncode(t, 2, proto.AllOffCommand{})))
}

func TestDispatcher_ParseDoesNotConsume(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	Subscribe(d, func(uint32, proto.PingCommand) { calls++ })

	b := append(mustEncode(t, 1, proto.PingCommand{}), mustEncode(t, 2, proto.OkResponse{})...)
	orig := append([]byte(nil), b...)

	require.NoError(t, d.Parse(b))
	assert.Equal(t, 1, calls, "only the first frame is parsed")
	assert.Equal(t, orig, b)
}

func TestDispatcher_ParseErrors(t *testing.T) {
	d := NewDispatcher()

	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"unknown tag", []byte{0x55, 0, 0, 0, 1, 0, 0}, proto.ErrUnknownTag},
		{"truncated header", []byte{0x01, 0}, proto.ErrTruncated},
		{"truncated body", mustEncode(t, 1, proto.HelloResponse{})[:10], proto.ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Parse(tt.in)
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "expected *ParseError, got %T", err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDispatcher_SubscribeAfterParsePanics(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Parse(mustEncode(t, 1, proto.OkResponse{})))

	assert.Panics(t, func() {
		Subscribe(d, func(uint32, proto.OkResponse) {})
	})
}
