package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/internal/session"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ManagerLifecycleSuite struct {
	testutils.ManagerSuite
}

func (s *ManagerLifecycleSuite) TestCloseReleasesEverything() {
	// GOAL: Verify Close stops scanning, disconnects sessions and closes the platform
	//
	// TEST SCENARIO: scanning + connected → Close → scanStop, disconnect, platform closed → later commands fail

	p := s.AddPeripheral(testutils.HeartRatePeripheral(hrAddress))
	s.Announce(p)
	s.ConnectPeripheral(p)
	s.Require().NoError(s.Manager.StartScanning(nil, false))
	s.WaitFor(testutils.Named("scanStart"))

	s.Require().NoError(s.Manager.Close())

	s.Equal(1, s.Recorder.Count(testutils.Named("scanStop")), "Close MUST stop the scan")
	s.Equal(1, s.Recorder.Count(testutils.Named("disconnect")), "Close MUST end the session")
	s.True(s.Platform.Closed(), "Close MUST close the platform")
	s.False(s.Platform.Connected(hrAddress), "Close MUST release the link")

	s.ErrorIs(s.Manager.Connect(p.ID()), session.ErrClosed)
	s.ErrorIs(s.Manager.StartScanning(nil, false), session.ErrClosed)
	s.NoError(s.Manager.Close(), "Close MUST be idempotent")
}

func (s *ManagerLifecycleSuite) TestStartTwiceFails() {
	s.Error(s.Manager.Start(context.Background()), "second Start MUST fail")
}

func (s *ManagerLifecycleSuite) TestPeripheralsSnapshot() {
	s.Announce(testutils.NewPeripheralBuilder("CC:00:00:00:00:02").WithName("second").Build())
	s.Announce(testutils.NewPeripheralBuilder("aa-00-00-00-00-01").WithName("first").Build())

	peripherals := s.Manager.Peripherals()
	s.Require().Len(peripherals, 2)
	s.Equal("aa0000000001", peripherals[0].ID, "snapshots MUST be sorted by id")
	s.Equal("first", peripherals[0].Advertisement.LocalName.Value)
	s.Equal("cc0000000002", peripherals[1].ID)
	s.False(peripherals[1].LastSeen.IsZero())

	_, ok := s.Manager.Peripheral("AA:00:00:00:00:01")
	s.True(ok, "lookup MUST accept any address form")
}

func TestManagerLifecycleSuite(t *testing.T) {
	suite.Run(t, new(ManagerLifecycleSuite))
}

func TestCommandsBeforeStart(t *testing.T) {
	m := session.NewManager(testutils.NewFakePlatform(), nil, nil, nil)
	defer m.Close()

	err := m.StartScanning(nil, false)
	assert.ErrorIs(t, err, device.ErrNotInitialized, "command before Start MUST fail with not initialized")
}

// panickingPlatform fails every characteristic read with a panic.
type panickingPlatform struct {
	*testutils.FakePlatform
}

func (panickingPlatform) Read(context.Context, device.ConnectionHandle, device.CharacteristicHandle) ([]byte, error) {
	panic("corrupted attribute table")
}

func TestPlatformPanicBecomesError(t *testing.T) {
	// GOAL: Verify a panicking back end call fails the request instead of the process
	//
	// TEST SCENARIO: platform Read panics → error event carrying the panic → session still usable

	helper := testutils.NewTestHelper(t)
	fake := testutils.NewFakePlatform()
	per := testutils.HeartRatePeripheral(hrAddress)
	fake.AddPeripheral(per)

	rec := testutils.NewEventRecorder()
	m := session.NewManager(panickingPlatform{fake}, rec, helper.Logger, &session.Options{InboxSize: 8})
	defer m.Close()

	require.NoError(t, m.Start(context.Background()))
	fake.InjectAdvertisement(per.Report())
	require.NoError(t, m.Connect(per.ID()))
	_, ok := rec.WaitFor(2*time.Second, 1, testutils.Named("connect"))
	require.True(t, ok, "connect MUST complete")

	require.NoError(t, m.Read(per.ID(), "180f", "2a19"))
	ev, ok := rec.WaitFor(2*time.Second, 1, testutils.Named("error"))
	require.True(t, ok, "panicking read MUST produce an error event")

	var panicErr *groutine.PanicError
	require.ErrorAs(t, session.EventError(ev), &panicErr, "error MUST carry the panic")
	assert.Equal(t, "corrupted attribute table", panicErr.Value)

	require.NoError(t, m.Write(per.ID(), "180d", "2a39", []byte{1}, false))
	_, ok = rec.WaitFor(2*time.Second, 1, testutils.Named("write"))
	assert.True(t, ok, "session MUST stay usable after a panic")
}

func TestCloseBoundsUnansweredDisconnect(t *testing.T) {
	// GOAL: Verify Close returns even when the peripheral never answers the disconnect
	//
	// TEST SCENARIO: connected → platform Disconnect held → Close → returns after CloseTimeout, session ended, platform closed

	helper := testutils.NewTestHelper(t)
	fake := testutils.NewFakePlatform()
	per := testutils.HeartRatePeripheral(hrAddress)
	fake.AddPeripheral(per)

	rec := testutils.NewEventRecorder()
	m := session.NewManager(fake, rec, helper.Logger, &session.Options{CloseTimeout: 100 * time.Millisecond})

	require.NoError(t, m.Start(context.Background()))
	fake.InjectAdvertisement(per.Report())
	require.NoError(t, m.Connect(per.ID()))
	_, ok := rec.WaitFor(2*time.Second, 1, testutils.Named("connect"))
	require.True(t, ok, "connect MUST complete")

	gate := fake.Hold(testutils.OpDisconnect)
	defer gate.Release()

	closed := make(chan error, 1)
	go func() { closed <- m.Close() }()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close MUST not wait for an unanswered disconnect")
	}

	select {
	case <-gate.Entered():
	default:
		t.Fatal("Close MUST still ask the platform to disconnect")
	}
	assert.Equal(t, 1, rec.Count(testutils.Named("disconnect")), "Close MUST end the session")
	assert.True(t, fake.Closed(), "Close MUST close the platform")
	assert.ErrorIs(t, m.Connect(per.ID()), session.ErrClosed)
}
