package services

import (
	"time"

	"github.com/mbocsi/smartpower/client"
)

// ServiceManagerImpl wires the services to the finder and the session
// options.
type ServiceManagerImpl struct {
	power    *PowerServiceImpl
	services *ServiceContainer
}

// ServiceManagerOptions configures NewServiceManager.
type ServiceManagerOptions struct {
	Devices        DeviceSource
	DefaultAddr    string
	DevicePort     int
	RequestTimeout time.Duration
	ClientOptions  []client.Option
}

// NewServiceManager creates a new service manager
func NewServiceManager(opts ServiceManagerOptions) *ServiceManagerImpl {
	power := NewPowerService(opts.DefaultAddr, opts.RequestTimeout, opts.ClientOptions...)
	return &ServiceManagerImpl{
		power: power,
		services: &ServiceContainer{
			Power:  power,
			Device: NewDeviceService(opts.Devices, opts.DevicePort),
		},
	}
}

// GetServices returns the service container
func (sm *ServiceManagerImpl) GetServices() *ServiceContainer {
	return sm.services
}

// Close releases the device session.
func (sm *ServiceManagerImpl) Close() error {
	return sm.power.Close()
}
