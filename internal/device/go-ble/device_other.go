//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/device"
)

// DeviceFactory creates the go-ble device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func(_ Options) (ble.Device, error) {
	return nil, fmt.Errorf("%w: go-ble has no stack for %s", device.ErrUnsupported, runtime.GOOS)
}
