package session

import (
	"testing"

	"github.com/srg/blecentral/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapterStateMachine(t *testing.T) {
	// GOAL: Verify duplicate radio states are suppressed and transitions reported
	//
	// TEST SCENARIO: unknown reported first → poweredOn twice → poweredOff → only real transitions report changed

	var a adapterStateMachine

	_, changed := a.update(device.StateUnknown)
	assert.True(t, changed, "first notification MUST be reported even when it matches the zero state")

	prev, changed := a.update(device.StatePoweredOn)
	assert.True(t, changed, "unknown → poweredOn MUST be reported")
	assert.Equal(t, device.StateUnknown, prev)
	assert.True(t, a.poweredOn())

	_, changed = a.update(device.StatePoweredOn)
	assert.False(t, changed, "identical state MUST be suppressed")

	prev, changed = a.update(device.StatePoweredOff)
	assert.True(t, changed)
	assert.Equal(t, device.StatePoweredOn, prev)
	assert.False(t, a.poweredOn())
}

func TestRequirePoweredOn(t *testing.T) {
	var a adapterStateMachine
	a.update(device.StateUnauthorized)

	err := a.requirePoweredOn()
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrBluetoothOff)
	assert.Contains(t, err.Error(), "unauthorized", "error MUST name the current state")

	a.update(device.StatePoweredOn)
	assert.NoError(t, a.requirePoweredOn())
}
