package proto

import (
	"fmt"
	"maps"
	"slices"
)

// Kind is the message-type tag carried in the first byte of every frame.
type Kind uint8

const (
	KindHelloRequest     Kind = 0x01
	KindHelloResponse    Kind = 0x02
	KindOkResponse       Kind = 0x03
	KindErrorResponse    Kind = 0x04
	KindAllOnCommand     Kind = 0x05
	KindAllOffCommand    Kind = 0x06
	KindInversion        Kind = 0x07
	KindPingCommand      Kind = 0x08
	KindSmartPowerStatus Kind = 0x09
	KindKnockKnock       Kind = 0x0A
)

func (k Kind) String() string {
	switch k {
	case KindHelloRequest:
		return "hello_request"
	case KindHelloResponse:
		return "hello_response"
	case KindOkResponse:
		return "ok_response"
	case KindErrorResponse:
		return "error_response"
	case KindAllOnCommand:
		return "all_on"
	case KindAllOffCommand:
		return "all_off"
	case KindInversion:
		return "inversion"
	case KindPingCommand:
		return "ping"
	case KindSmartPowerStatus:
		return "smart_power_status"
	case KindKnockKnock:
		return "knock_knock"
	}
	return fmt.Sprintf("kind(0x%02x)", uint8(k))
}

// Known reports whether k belongs to the closed set of message kinds.
func (k Kind) Known() bool {
	return k >= KindHelloRequest && k <= KindKnockKnock
}

// HasRequestID reports whether frames of this kind carry a meaningful
// request id. Only the unsolicited status notification does not.
func HasRequestID(k Kind) bool {
	return k != KindSmartPowerStatus
}

type DeviceType uint8

const (
	DeviceTypeUnknown         DeviceType = 0
	DeviceTypeSmartPowerStrip DeviceType = 1
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeUnknown:
		return "unknown"
	case DeviceTypeSmartPowerStrip:
		return "smart_power_strip"
	}
	return fmt.Sprintf("device_type(%d)", uint8(t))
}

func (t DeviceType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *DeviceType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unknown":
		*t = DeviceTypeUnknown
	case "smart_power_strip":
		*t = DeviceTypeSmartPowerStrip
	default:
		return fmt.Errorf("invalid device type %q", string(b))
	}
	return nil
}

// ErrorResponseType is the reason a device gives when rejecting a request.
type ErrorResponseType uint8

const (
	VersionError   ErrorResponseType = 1
	UnknownCommand ErrorResponseType = 2
	InvalidPin     ErrorResponseType = 3
)

func (t ErrorResponseType) String() string {
	switch t {
	case VersionError:
		return "version_error"
	case UnknownCommand:
		return "unknown_command"
	case InvalidPin:
		return "invalid_pin"
	}
	return fmt.Sprintf("error_response_type(%d)", uint8(t))
}

func (t ErrorResponseType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

type PinState uint8

const (
	Off PinState = 0
	On  PinState = 1
)

func (s PinState) String() string {
	switch s {
	case Off:
		return "off"
	case On:
		return "on"
	}
	return fmt.Sprintf("pin_state(%d)", uint8(s))
}

func (s PinState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PinState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "off":
		*s = Off
	case "on":
		*s = On
	default:
		return fmt.Errorf("invalid pin state %q", string(b))
	}
	return nil
}

// Message is one decoded protocol variant.
type Message interface {
	Kind() Kind
}

// Request is implemented by every variant whose frames carry a request id.
type Request interface {
	Message
	carriesRequestID()
}

type HelloRequest struct{}

type HelloResponse struct {
	DeviceType   DeviceType `json:"device_type"`
	HighDeviceID uint32     `json:"high_device_id"`
	LowDeviceID  uint32     `json:"low_device_id"`
}

type OkResponse struct{}

type ErrorResponse struct {
	Type ErrorResponseType `json:"type"`
}

type AllOnCommand struct{}

type AllOffCommand struct{}

type Inversion struct {
	Pin uint8 `json:"pin"`
}

type PingCommand struct{}

// SmartPowerStatus is the device's unsolicited report of its pin states.
type SmartPowerStatus struct {
	Pins map[uint8]PinState `json:"pins"`
}

type KnockKnock struct {
	ReplyPort uint16 `json:"reply_port"`
}

func (HelloRequest) Kind() Kind     { return KindHelloRequest }
func (HelloResponse) Kind() Kind    { return KindHelloResponse }
func (OkResponse) Kind() Kind       { return KindOkResponse }
func (ErrorResponse) Kind() Kind    { return KindErrorResponse }
func (AllOnCommand) Kind() Kind     { return KindAllOnCommand }
func (AllOffCommand) Kind() Kind    { return KindAllOffCommand }
func (Inversion) Kind() Kind        { return KindInversion }
func (PingCommand) Kind() Kind      { return KindPingCommand }
func (SmartPowerStatus) Kind() Kind { return KindSmartPowerStatus }
func (KnockKnock) Kind() Kind       { return KindKnockKnock }

func (HelloRequest) carriesRequestID()  {}
func (HelloResponse) carriesRequestID() {}
func (OkResponse) carriesRequestID()    {}
func (ErrorResponse) carriesRequestID() {}
func (AllOnCommand) carriesRequestID()  {}
func (AllOffCommand) carriesRequestID() {}
func (Inversion) carriesRequestID()     {}
func (PingCommand) carriesRequestID()   {}
func (KnockKnock) carriesRequestID()    {}

// DeviceID joins the two halves of the device identifier.
func (h HelloResponse) DeviceID() uint64 {
	return uint64(h.HighDeviceID)<<32 | uint64(h.LowDeviceID)
}

// Clone returns a copy whose pin map can be modified independently.
func (s SmartPowerStatus) Clone() SmartPowerStatus {
	return SmartPowerStatus{Pins: maps.Clone(s.Pins)}
}

// SortedPins returns the pin numbers in ascending order.
func (s SmartPowerStatus) SortedPins() []uint8 {
	return slices.Sorted(maps.Keys(s.Pins))
}

// Frame is one decoded wire unit. RequestID is zero for kinds that do not
// carry one.
type Frame struct {
	RequestID uint32
	Message   Message
}
