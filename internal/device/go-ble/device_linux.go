//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates the go-ble device on the configured HCI adapter
// (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func(opts Options) (ble.Device, error) {
	return linux.NewDevice(ble.OptDeviceID(opts.DeviceID))
}
