package session

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
)

// adapterStateMachine suppresses duplicate radio-state notifications.
type adapterStateMachine struct {
	current device.AdapterState
	emitted bool
}

// update records s and reports the previous state and whether s is a
// transition worth emitting. The first notification always is.
func (a *adapterStateMachine) update(s device.AdapterState) (prev device.AdapterState, changed bool) {
	prev = a.current
	if a.emitted && prev == s {
		return prev, false
	}
	a.current = s
	a.emitted = true
	return prev, true
}

func (a *adapterStateMachine) poweredOn() bool {
	return a.current == device.StatePoweredOn
}

// requirePoweredOn returns an error wrapping device.ErrBluetoothOff unless the
// radio is powered on.
func (a *adapterStateMachine) requirePoweredOn() error {
	if a.poweredOn() {
		return nil
	}
	return fmt.Errorf("%w: adapter state is %s", device.ErrBluetoothOff, a.current)
}

func (m *Manager) onRadioState(s device.AdapterState) {
	prev, changed := m.adapter.update(s)
	if !changed {
		m.logger.WithField("state", s).Debug("Ignoring duplicate radio state")
		return
	}
	m.state.Store(int32(s))

	m.logger.WithFields(logrus.Fields{
		"from": prev,
		"to":   s,
	}).Info("Adapter state changed")
	m.emit(StateChangeEvent{State: s})

	if prev != device.StatePoweredOn || s == device.StatePoweredOn {
		return
	}

	// Radio went away: nothing that depends on it survives.
	m.stopScan()
	for _, id := range m.sessionIDs() {
		m.endSession(m.sessions[id], "adapter "+s.String())
	}
}
