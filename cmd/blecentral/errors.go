package main

import (
	"errors"
	"fmt"

	"github.com/srg/blecentral/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost during operation.
	// This is distinct from device.ErrNotConnected, which indicates an attempt to use
	// a device that was never connected or was already disconnected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an error into a message with a hint for the
// conditions a user can fix.
func FormatUserError(err error) string {
	var notFound *device.NotFoundError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrBluetoothOff):
		return fmt.Sprintf("%v\n  Turn Bluetooth on and grant this terminal Bluetooth access.", err)
	case errors.Is(err, device.ErrDeviceNotFound):
		return fmt.Sprintf("%v\n  Make sure the device is advertising and in range; use 'blecentral scan' to list devices.", err)
	case errors.As(err, &notFound):
		return fmt.Sprintf("%v\n  Use 'blecentral inspect <address>' to list the device's attributes.", err)
	case errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("%v\n  The device closed the connection.", err)
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("%v\n  Try another back end with --backend.", err)
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("%v\n  The device did not answer in time.", err)
	default:
		return err.Error()
	}
}
