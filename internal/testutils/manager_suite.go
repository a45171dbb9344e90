package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/session"
	"github.com/stretchr/testify/suite"
)

// ManagerSuite runs a session.Manager on a FakePlatform for every test.
//
// Embed it and configure peripherals before or during the test:
//
//	type ConnectSuite struct {
//	    testutils.ManagerSuite
//	}
//
//	func (s *ConnectSuite) TestConnect() {
//	    p := s.AddPeripheral(testutils.HeartRatePeripheral("AA:BB:CC:DD:EE:FF"))
//	    s.Announce(p)
//	    s.ConnectPeripheral(p)
//	}
//
// Override SetupTest to change the initial radio state, calling the parent
// last.
type ManagerSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Platform *FakePlatform
	Recorder *EventRecorder
	Manager  *session.Manager

	// InitialState is the radio state reported on Start. Defaults to poweredOn.
	InitialState device.AdapterState
	Timeout      time.Duration
}

func (s *ManagerSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Timeout = 2 * time.Second
}

func (s *ManagerSuite) SetupTest() {
	if s.InitialState == device.StateUnknown {
		s.InitialState = device.StatePoweredOn
	}

	s.Platform = NewFakePlatform().WithInitialState(s.InitialState)
	s.Recorder = NewEventRecorder()
	s.Manager = session.NewManager(s.Platform, s.Recorder, s.Logger, nil)

	s.Require().NoError(s.Manager.Start(context.Background()))
	s.WaitFor(Match(func(e session.StateChangeEvent) bool { return e.State == s.InitialState }),
		"initial stateChange MUST be emitted")
}

func (s *ManagerSuite) TearDownTest() {
	if s.Manager != nil {
		s.Require().NoError(s.Manager.Close())
	}
	s.Manager = nil
	s.Platform = nil
	s.Recorder = nil
	s.InitialState = device.StateUnknown
}

// AddPeripheral registers p with the fake platform and returns it.
func (s *ManagerSuite) AddPeripheral(p *FakePeripheral) *FakePeripheral {
	s.Platform.AddPeripheral(p)
	return p
}

// Announce delivers p's advertisement so the registry knows it, without
// starting a scan.
func (s *ManagerSuite) Announce(p *FakePeripheral) {
	s.Platform.InjectAdvertisement(p.Report())
	s.Flush()
}

// ConnectPeripheral connects p and waits for the successful ConnectEvent.
func (s *ManagerSuite) ConnectPeripheral(p *FakePeripheral) {
	before := s.Recorder.Count(s.connectOK(p.ID()))
	s.Require().NoError(s.Manager.Connect(p.Address))
	s.WaitForN(before+1, s.connectOK(p.ID()), "connect to %s MUST succeed", p.Address)
}

func (s *ManagerSuite) connectOK(id string) func(session.Event) bool {
	return Match(func(e session.ConnectEvent) bool { return e.ID == id && e.Err == nil })
}

// Flush waits until the Manager has applied everything queued so far.
func (s *ManagerSuite) Flush() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	s.Require().NoError(s.Manager.Flush(ctx))
}

// WaitFor waits for the first event satisfying match.
func (s *ManagerSuite) WaitFor(match func(session.Event) bool, msgAndArgs ...interface{}) session.Event {
	return s.WaitForN(1, match, msgAndArgs...)
}

// WaitForN waits for the n-th event satisfying match.
func (s *ManagerSuite) WaitForN(n int, match func(session.Event) bool, msgAndArgs ...interface{}) session.Event {
	s.T().Helper()
	ev, ok := s.Recorder.WaitFor(s.Timeout, n, match)
	if !ok {
		s.Require().FailNow("timed out waiting for event; recorded: "+MustJSON(s.Recorder.Names()), msgAndArgs...)
	}
	return ev
}

// WaitForCalls waits until the platform saw at least n calls of op.
func (s *ManagerSuite) WaitForCalls(op string, n int, msgAndArgs ...interface{}) {
	s.T().Helper()
	s.Require().Eventually(func() bool { return s.Platform.Calls(op) >= n }, s.Timeout, 5*time.Millisecond, msgAndArgs...)
}

// WaitGate waits until a call reached g.
func (s *ManagerSuite) WaitGate(g *Gate, msgAndArgs ...interface{}) {
	s.T().Helper()
	select {
	case <-g.Entered():
	case <-time.After(s.Timeout):
		s.Require().FailNow("timed out waiting for gated platform call", msgAndArgs...)
	}
}
