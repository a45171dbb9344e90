package tinygo

import (
	"fmt"
	"strings"

	"github.com/srg/blecentral/internal/device"
)

// NormalizeError maps tinygo bluetooth error strings to the device sentinels
// and falls back to device.NormalizeError.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "powered off"), strings.Contains(msg, "not powered"),
		strings.Contains(msg, "org.bluez.error.notready"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case strings.Contains(msg, "no bluetooth adapter"), strings.Contains(msg, "no such adapter"):
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	case strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	default:
		return device.NormalizeError(err)
	}
}
