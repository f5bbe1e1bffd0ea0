package services

import (
	"context"

	"github.com/mbocsi/smartpower/client"
)

// PowerService drives the bridge's session with one power strip.
type PowerService interface {
	// Session lifecycle
	Connect(ctx context.Context, addr string) (*SessionInfo, error)
	Disconnect() error
	Session() (*SessionInfo, error)

	// Outlet control
	AllOn(ctx context.Context) error
	AllOff(ctx context.Context) error
	Invert(ctx context.Context, pin int) error

	// Subscribe registers fn for status and state events. The returned
	// function removes the subscription.
	Subscribe(fn func(client.BridgeEvent)) (unsubscribe func())
}

// DeviceService exposes the devices found on the local network.
type DeviceService interface {
	ListDevices() ([]DeviceInfo, error)
	GetDevice(id string) (*DeviceInfo, error)
}

// ServiceContainer holds all service implementations
type ServiceContainer struct {
	Power  PowerService
	Device DeviceService
}
