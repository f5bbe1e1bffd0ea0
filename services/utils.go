package services

import (
	"fmt"

	"github.com/mbocsi/smartpower/client"
)

// deviceID renders the 64-bit device identifier as fixed-width hex.
func deviceID(high, low uint32) string {
	return fmt.Sprintf("%08x%08x", high, low)
}

// convertFoundDevice converts client.FoundDevice to DeviceInfo
func convertFoundDevice(d client.FoundDevice, addr string) DeviceInfo {
	return DeviceInfo{
		ID:           deviceID(d.HighDeviceID, d.LowDeviceID),
		DeviceType:   d.DeviceType,
		HighDeviceID: d.HighDeviceID,
		LowDeviceID:  d.LowDeviceID,
		IP:           d.IP,
		Addr:         addr,
	}
}
