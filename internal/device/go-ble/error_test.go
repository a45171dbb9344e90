package goble

import (
	"errors"
	"testing"

	"github.com/srg/blecentral/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"central manager has invalid state: have=4 want=5: is Bluetooth turned on?", device.ErrBluetoothOff},
		{"Bluetooth is turned off", device.ErrBluetoothOff},
		{"peripheral disconnected", device.ErrNotConnected},
		{"device not connected", device.ErrNotConnected},
		{"connection is not initialized", device.ErrNotInitialized},
		{"att: request not supported by server", device.ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := NormalizeError(errors.New(tt.msg))
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.msg, "original message MUST be preserved")
		})
	}

	assert.NoError(t, NormalizeError(nil))
	plain := errors.New("att: insufficient authentication")
	assert.Same(t, plain, NormalizeError(plain), "unknown errors MUST pass through")
}
