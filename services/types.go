package services

import (
	"errors"
	"time"

	"github.com/mbocsi/smartpower/proto"
)

// DeviceInfo is a discovered power strip as presented by the service layer.
type DeviceInfo struct {
	ID           string           `json:"id"`
	DeviceType   proto.DeviceType `json:"device_type"`
	HighDeviceID uint32           `json:"high_device_id"`
	LowDeviceID  uint32           `json:"low_device_id"`
	IP           string           `json:"ip"`
	Addr         string           `json:"addr"`
}

// SessionInfo describes the bridge's session with a device.
type SessionInfo struct {
	Addr          string                   `json:"addr"`
	State         string                   `json:"state"`
	Device        *DeviceInfo              `json:"device,omitempty"`
	Pins          map[uint8]proto.PinState `json:"pins,omitempty"`
	LastHeartbeat time.Time                `json:"last_heartbeat"`
}

// ServiceError represents structured service layer errors
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e ServiceError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e ServiceError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeUnavailable    = "UNAVAILABLE"
	ErrCodeDeviceRejected = "DEVICE_REJECTED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// ErrorCode returns the code of a ServiceError in err's chain, or
// ErrCodeInternal.
func ErrorCode(err error) string {
	var se ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}
