package services

import (
	"cmp"
	"slices"

	"github.com/mbocsi/smartpower/client"
)

// DeviceSource yields the devices found so far. *client.Finder implements
// it.
type DeviceSource interface {
	Devices() []client.FoundDevice
}

// DeviceServiceImpl implements DeviceService
type DeviceServiceImpl struct {
	source DeviceSource
	port   int
}

// NewDeviceService creates a device service. port is the TCP port the
// devices accept sessions on.
func NewDeviceService(source DeviceSource, port int) DeviceService {
	if port == 0 {
		port = client.DefaultPort
	}
	return &DeviceServiceImpl{
		source: source,
		port:   port,
	}
}

// ListDevices returns every discovered device, ordered by IP then id.
func (ds *DeviceServiceImpl) ListDevices() ([]DeviceInfo, error) {
	found := ds.source.Devices()
	result := make([]DeviceInfo, 0, len(found))
	for _, d := range found {
		result = append(result, convertFoundDevice(d, d.Addr(ds.port)))
	}
	slices.SortFunc(result, func(a, b DeviceInfo) int {
		return cmp.Or(cmp.Compare(a.IP, b.IP), cmp.Compare(a.ID, b.ID))
	})
	return result, nil
}

// GetDevice returns a specific device by ID
func (ds *DeviceServiceImpl) GetDevice(id string) (*DeviceInfo, error) {
	if id == "" {
		return nil, ServiceError{
			Code:    ErrCodeInvalidInput,
			Message: "Device id cannot be empty",
		}
	}
	devices, err := ds.ListDevices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.ID == id {
			return &d, nil
		}
	}
	return nil, ServiceError{
		Code:    ErrCodeNotFound,
		Message: "Device not found: " + id,
	}
}
