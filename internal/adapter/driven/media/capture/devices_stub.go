//go:build !devices || !linux

package capture

import "github.com/Wyydra/yacall/internal/core/port"

// OpenDevices needs the devices build tag and a linux host.
func OpenDevices(DeviceOptions) (port.MediaCapture, error) {
	return nil, ErrNoDevices
}
