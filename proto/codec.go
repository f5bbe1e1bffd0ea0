package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout, all integers big-endian:
//
//	[1B] tag
//	[4B] request id
//	[2B] body length
//	[NB] body
const (
	HeaderSize   = 7
	MaxBodySize  = 128
	MaxFrameSize = HeaderSize + MaxBodySize

	// MaxStatusPins is the largest pin mapping a status notification can carry.
	MaxStatusPins = MaxBodySize / 2
)

var (
	ErrOverflow      = errors.New("proto: body exceeds maximum frame size")
	ErrUnknownTag    = errors.New("proto: unknown message tag")
	ErrTruncated     = errors.New("proto: truncated frame")
	ErrMalformed     = errors.New("proto: malformed body")
	ErrFrameTooLarge = errors.New("proto: declared frame size too large")
)

// Encode serializes m as a single frame. Frames of kinds without a request
// id are written with a zero id regardless of requestID. No bytes are
// returned when the body would not fit.
func Encode(requestID uint32, m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("proto: encode nil message")
	}
	if !HasRequestID(m.Kind()) {
		requestID = 0
	}

	body, err := encodeBody(m)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: %s body is %d bytes", ErrOverflow, m.Kind(), len(body))
	}

	buf := make([]byte, 0, HeaderSize+len(body))
	buf = append(buf, byte(m.Kind()))
	buf = binary.BigEndian.AppendUint32(buf, requestID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(body)))
	return append(buf, body...), nil
}

func encodeBody(m Message) ([]byte, error) {
	switch v := m.(type) {
	case HelloRequest, OkResponse, AllOnCommand, AllOffCommand, PingCommand:
		return nil, nil
	case HelloResponse:
		b := make([]byte, 0, 9)
		b = append(b, byte(v.DeviceType))
		b = binary.BigEndian.AppendUint32(b, v.HighDeviceID)
		return binary.BigEndian.AppendUint32(b, v.LowDeviceID), nil
	case ErrorResponse:
		return []byte{byte(v.Type)}, nil
	case Inversion:
		return []byte{v.Pin}, nil
	case KnockKnock:
		return binary.BigEndian.AppendUint16(nil, v.ReplyPort), nil
	case SmartPowerStatus:
		if len(v.Pins) > MaxStatusPins {
			return nil, fmt.Errorf("%w: %d pins, at most %d fit", ErrOverflow, len(v.Pins), MaxStatusPins)
		}
		b := make([]byte, 0, 2*len(v.Pins))
		for _, pin := range v.SortedPins() {
			b = append(b, pin, byte(v.Pins[pin]))
		}
		return b, nil
	}
	return nil, fmt.Errorf("proto: cannot encode %T", m)
}

// ExpectedFrameSize returns the total size of the frame starting at the
// front of header. Only the first HeaderSize bytes are inspected.
func ExpectedFrameSize(header []byte) (int, error) {
	if len(header) < HeaderSize {
		return 0, fmt.Errorf("%w: have %d header bytes, need %d", ErrTruncated, len(header), HeaderSize)
	}
	n := int(binary.BigEndian.Uint16(header[5:7]))
	if n > MaxBodySize {
		return 0, fmt.Errorf("%w: body of %d bytes", ErrFrameTooLarge, n)
	}
	return HeaderSize + n, nil
}

// Decode parses the single frame at the front of b.
func Decode(b []byte) (Frame, error) {
	size, err := ExpectedFrameSize(b)
	if err != nil {
		return Frame{}, err
	}
	if len(b) < size {
		return Frame{}, fmt.Errorf("%w: frame declares %d bytes, have %d", ErrTruncated, size, len(b))
	}

	kind := Kind(b[0])
	id := binary.BigEndian.Uint32(b[1:5])
	body := b[HeaderSize:size]

	msg, err := decodeBody(kind, body)
	if err != nil {
		return Frame{}, err
	}
	if !HasRequestID(kind) {
		id = 0
	}
	return Frame{RequestID: id, Message: msg}, nil
}

func decodeBody(kind Kind, body []byte) (Message, error) {
	switch kind {
	case KindHelloRequest:
		return HelloRequest{}, expectLen(kind, body, 0)
	case KindOkResponse:
		return OkResponse{}, expectLen(kind, body, 0)
	case KindAllOnCommand:
		return AllOnCommand{}, expectLen(kind, body, 0)
	case KindAllOffCommand:
		return AllOffCommand{}, expectLen(kind, body, 0)
	case KindPingCommand:
		return PingCommand{}, expectLen(kind, body, 0)
	case KindHelloResponse:
		if err := expectLen(kind, body, 9); err != nil {
			return nil, err
		}
		if t := DeviceType(body[0]); t != DeviceTypeUnknown && t != DeviceTypeSmartPowerStrip {
			return nil, fmt.Errorf("%w: device type %d", ErrMalformed, body[0])
		}
		return HelloResponse{
			DeviceType:   DeviceType(body[0]),
			HighDeviceID: binary.BigEndian.Uint32(body[1:5]),
			LowDeviceID:  binary.BigEndian.Uint32(body[5:9]),
		}, nil
	case KindErrorResponse:
		if err := expectLen(kind, body, 1); err != nil {
			return nil, err
		}
		t := ErrorResponseType(body[0])
		if t < VersionError || t > InvalidPin {
			return nil, fmt.Errorf("%w: error type %d", ErrMalformed, body[0])
		}
		return ErrorResponse{Type: t}, nil
	case KindInversion:
		if err := expectLen(kind, body, 1); err != nil {
			return nil, err
		}
		return Inversion{Pin: body[0]}, nil
	case KindKnockKnock:
		if err := expectLen(kind, body, 2); err != nil {
			return nil, err
		}
		return KnockKnock{ReplyPort: binary.BigEndian.Uint16(body)}, nil
	case KindSmartPowerStatus:
		if len(body)%2 != 0 {
			return nil, fmt.Errorf("%w: %s body of odd length %d", ErrMalformed, kind, len(body))
		}
		pins := make(map[uint8]PinState, len(body)/2)
		for i := 0; i < len(body); i += 2 {
			state := PinState(body[i+1])
			if state != On && state != Off {
				return nil, fmt.Errorf("%w: pin %d has state %d", ErrMalformed, body[i], body[i+1])
			}
			pins[body[i]] = state
		}
		return SmartPowerStatus{Pins: pins}, nil
	}
	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, uint8(kind))
}

func expectLen(kind Kind, body []byte, n int) error {
	if len(body) != n {
		return fmt.Errorf("%w: %s body is %d bytes, want %d", ErrMalformed, kind, len(body), n)
	}
	return nil
}
