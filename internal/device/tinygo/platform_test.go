package tinygo

import (
	"context"
	"errors"
	"testing"

	"github.com/srg/blecentral/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnsupportedOperations(t *testing.T) {
	p, err := New(Options{}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	h := &conn{address: "AA:BB:CC:DD:EE:FF"}

	_, err = p.ReadRSSI(ctx, h)
	assert.ErrorIs(t, err, device.ErrUnsupported, "live RSSI MUST be unsupported")
	_, err = p.DiscoverIncludedServices(ctx, h, nil)
	assert.ErrorIs(t, err, device.ErrUnsupported)
	_, err = p.DiscoverDescriptors(ctx, h, nil)
	assert.ErrorIs(t, err, device.ErrUnsupported)
	_, err = p.ReadDescriptor(ctx, h, nil)
	assert.ErrorIs(t, err, device.ErrUnsupported)
	assert.ErrorIs(t, p.WriteDescriptor(ctx, h, nil, []byte{1}), device.ErrUnsupported)
	_, err = p.ReadHandle(ctx, h, 3)
	assert.ErrorIs(t, err, device.ErrUnsupported)
	assert.ErrorIs(t, p.WriteHandle(ctx, h, 3, []byte{1}, false), device.ErrUnsupported)
}

func TestForeignHandlesAreRejected(t *testing.T) {
	p, err := New(Options{AddressBookSize: 4}, nil)
	require.NoError(t, err)

	_, err = p.Read(context.Background(), "not a connection", nil)
	assert.ErrorIs(t, err, device.ErrNotConnected)

	_, err = p.Read(context.Background(), &conn{}, "not a characteristic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected characteristic handle")
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"org.bluez.Error.NotReady: Resource Not Ready", device.ErrBluetoothOff},
		{"bluetooth is powered off", device.ErrBluetoothOff},
		{"no Bluetooth adapter found", device.ErrUnsupported},
		{"connection timeout", device.ErrTimeout},
		{"device not connected", device.ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.ErrorIs(t, NormalizeError(errors.New(tt.msg)), tt.want)
		})
	}
	assert.NoError(t, NormalizeError(nil))
}
