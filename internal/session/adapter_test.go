package session_test

import (
	"testing"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/session"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type AdapterSuite struct {
	testutils.ManagerSuite
}

func (s *AdapterSuite) stateChanges() []session.StateChangeEvent {
	return testutils.EventsOf[session.StateChangeEvent](s.Recorder)
}

func (s *AdapterSuite) TestDuplicateStatesAreSuppressed() {
	// GOAL: Verify stateChange is emitted only on transitions
	//
	// TEST SCENARIO: poweredOn reported three more times → poweredOff → only two stateChange events in total

	for i := 0; i < 3; i++ {
		s.Platform.SetRadioState(device.StatePoweredOn)
	}
	s.Flush()
	s.Len(s.stateChanges(), 1, "repeated poweredOn MUST not be re-emitted")

	s.Platform.SetRadioState(device.StatePoweredOff)
	s.Flush()

	changes := s.stateChanges()
	s.Require().Len(changes, 2)
	s.Equal(device.StatePoweredOff, changes[1].State)
	s.Equal(device.StatePoweredOff, s.Manager.AdapterState(), "AdapterState MUST follow the last transition")
}

func (s *AdapterSuite) TestPowerLossEndsScanAndSessions() {
	// GOAL: Verify leaving poweredOn stops scanning and ends every connection
	//
	// TEST SCENARIO: scanning + connected peripheral → radio off → scanStop and disconnect emitted once each

	p := s.AddPeripheral(testutils.HeartRatePeripheral(hrAddress))
	s.Announce(p)
	s.ConnectPeripheral(p)
	s.Require().NoError(s.Manager.StartScanning(nil, false))
	s.WaitFor(testutils.Named("scanStart"))

	s.Platform.SetRadioState(device.StateResetting)
	s.WaitFor(testutils.Named("disconnect"), "session MUST end when the radio goes away")
	s.Flush()

	s.Equal(1, s.Recorder.Count(testutils.Named("scanStop")), "scan MUST stop when the radio goes away")
	s.Equal(1, s.Recorder.Count(testutils.Named("disconnect")))

	s.Require().NoError(s.Manager.DiscoverServices(p.ID(), nil))
	ev := s.WaitFor(testutils.Match(func(e session.ErrorEvent) bool { return e.Op == "discoverServices" }))
	s.ErrorIs(session.EventError(ev), device.ErrNotConnected, "operations after power loss MUST fail with not connected")
}

func (s *AdapterSuite) TestPowerRestoredAllowsReconnect() {
	p := s.AddPeripheral(testutils.HeartRatePeripheral(hrAddress))
	s.Announce(p)

	s.Platform.SetRadioState(device.StatePoweredOff)
	s.Platform.SetRadioState(device.StatePoweredOn)
	s.Flush()

	s.ConnectPeripheral(p)
}

func TestAdapterSuite(t *testing.T) {
	suite.Run(t, new(AdapterSuite))
}

// PoweredOffSuite starts every test with the radio off.
type PoweredOffSuite struct {
	testutils.ManagerSuite
}

func (s *PoweredOffSuite) SetupTest() {
	s.InitialState = device.StatePoweredOff
	s.ManagerSuite.SetupTest()
}

func (s *PoweredOffSuite) TestStartScanningFails() {
	s.Require().NoError(s.Manager.StartScanning(nil, false))

	ev := s.WaitFor(testutils.Match(func(e session.ErrorEvent) bool { return e.Op == "startScanning" }),
		"scanning with the radio off MUST fail")
	s.ErrorIs(session.EventError(ev), device.ErrBluetoothOff)
	s.Flush()
	s.Zero(s.Platform.Calls(testutils.OpScan), "platform MUST not be asked to scan")
	s.Zero(s.Recorder.Count(testutils.Named("scanStart")))
}

func (s *PoweredOffSuite) TestConnectFails() {
	p := s.AddPeripheral(testutils.HeartRatePeripheral(hrAddress))
	s.Announce(p)

	s.Require().NoError(s.Manager.Connect(p.ID()))
	ev := s.WaitFor(testutils.Named("connect"))
	s.ErrorIs(session.EventError(ev), device.ErrBluetoothOff, "connect with the radio off MUST fail")
	s.Zero(s.Platform.Calls(testutils.OpConnect))
}

func (s *PoweredOffSuite) TestPowerOnEnablesScanning() {
	s.Platform.SetRadioState(device.StatePoweredOn)
	s.WaitFor(testutils.Match(func(e session.StateChangeEvent) bool { return e.State == device.StatePoweredOn }))

	s.Require().NoError(s.Manager.StartScanning(nil, false))
	s.WaitFor(testutils.Named("scanStart"), "scanning MUST work once powered on")
}

func TestPoweredOffSuite(t *testing.T) {
	suite.Run(t, new(PoweredOffSuite))
}
