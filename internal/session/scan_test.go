package session_test

import (
	"errors"
	"testing"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/session"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const hrAddress = "AA:BB:CC:DD:EE:FF"

var (
	heartRateService = device.NormalizeUUID("180d")
	batteryService   = device.NormalizeUUID("180f")
)

type ScanSuite struct {
	testutils.ManagerSuite
}

func (s *ScanSuite) startScan(uuids []string, allowDuplicates bool) {
	before := s.Recorder.Count(testutils.Named("scanStart"))
	s.Require().NoError(s.Manager.StartScanning(uuids, allowDuplicates))
	s.WaitForN(before+1, testutils.Named("scanStart"), "scan MUST start")
}

func (s *ScanSuite) heartRateReport() device.ScanReport {
	return testutils.NewAdvertisementBuilder().
		WithAddress(hrAddress).
		WithName("HeartRate").
		WithServices("180D").
		Build()
}

func (s *ScanSuite) discoverCount() int {
	return s.Recorder.Count(testutils.Named("discover"))
}

func (s *ScanSuite) TestDuplicateAdvertisementsYieldOneDiscover() {
	// GOAL: Verify a peripheral is reported once per scan session without allowDuplicates
	//
	// TEST SCENARIO: scan filtered on 180d → two identical advertisements → exactly one discover event

	s.startScan([]string{"180d"}, false)

	s.Platform.InjectAdvertisement(s.heartRateReport())
	s.Platform.InjectAdvertisement(s.heartRateReport())
	s.Flush()

	s.Equal(1, s.discoverCount(), "duplicate advertisement MUST not be reported again")

	ev := testutils.EventsOf[session.DiscoverEvent](s.Recorder)[0]
	s.Equal("aabbccddeeff", ev.ID, "peripheral id MUST be the normalized address")
	s.Equal(hrAddress, ev.Address)
	s.Equal("HeartRate", ev.Advertisement.LocalName.Value)
	s.Equal([]string{heartRateService}, ev.Advertisement.ServiceUUIDs.Value, "advertised UUIDs MUST be canonical")
}

func (s *ScanSuite) TestAllowDuplicatesReportsEveryAdvertisement() {
	s.startScan(nil, true)

	for i := 0; i < 3; i++ {
		s.Platform.InjectAdvertisement(s.heartRateReport())
	}
	s.Flush()

	s.Equal(3, s.discoverCount(), "every advertisement MUST be reported with allowDuplicates")
}

func (s *ScanSuite) TestRestartResetsDedupe() {
	// GOAL: Verify a new scan session forgets which peripherals were already reported
	//
	// TEST SCENARIO: advertisement seen → stop → start again → same advertisement reported again

	s.startScan(nil, false)
	s.Platform.InjectAdvertisement(s.heartRateReport())
	s.Flush()
	s.Equal(1, s.discoverCount())

	s.Require().NoError(s.Manager.StopScanning())
	s.startScan(nil, false)
	s.Platform.InjectAdvertisement(s.heartRateReport())
	s.Flush()

	s.Equal(2, s.discoverCount(), "new scan session MUST report the peripheral again")
}

func (s *ScanSuite) TestStartWhileScanningRestarts() {
	s.startScan(nil, false)
	s.Platform.InjectAdvertisement(s.heartRateReport())
	s.Flush()

	s.startScan([]string{"180D"}, true)
	s.WaitForCalls(testutils.OpScan, 2, "restart MUST issue a new platform scan")

	scans := s.Platform.Scans()
	s.Equal([]string{heartRateService}, scans[1].ServiceUUIDs, "filter MUST reach the platform canonicalized")
	s.True(scans[1].AllowDuplicates)

	s.Platform.InjectAdvertisement(s.heartRateReport())
	s.Flush()
	s.Equal(2, s.discoverCount(), "restart MUST reset the dedupe set")
}

func (s *ScanSuite) TestFilterExcludesOtherServices() {
	s.startScan([]string{"180d"}, false)

	s.Platform.InjectAdvertisement(testutils.NewAdvertisementBuilder().
		WithAddress("11:22:33:44:55:66").
		WithServices("180F").
		Build())
	s.Platform.InjectAdvertisement(testutils.NewAdvertisementBuilder().
		WithAddress("11:22:33:44:55:77").
		Build())
	s.Flush()

	s.Zero(s.discoverCount(), "peripherals not advertising a filtered service MUST not be reported")
	_, known := s.Manager.Peripheral("11:22:33:44:55:66")
	s.True(known, "filtered peripherals MUST still be recorded in the registry")
}

func (s *ScanSuite) TestAdvertisementFieldsMerge() {
	// GOAL: Verify fields absent from a later advertisement keep their previous values
	//
	// TEST SCENARIO: name+services advertisement → manufacturer-data-only scan response → merged record has all fields

	s.startScan(nil, true)

	s.Platform.InjectAdvertisement(s.heartRateReport())
	s.Platform.InjectAdvertisement(testutils.NewAdvertisementBuilder().
		WithAddress(hrAddress).
		WithRSSI(-71).
		WithManufacturerData([]byte{0x4c, 0x00, 0x02}).
		WithTxPower(-4).
		Build())
	s.Flush()

	events := testutils.EventsOf[session.DiscoverEvent](s.Recorder)
	s.Require().Len(events, 2)
	merged := events[1]
	s.Equal("HeartRate", merged.Advertisement.LocalName.Value, "name MUST survive a packet without one")
	s.Equal([]string{heartRateService}, merged.Advertisement.ServiceUUIDs.Value)
	s.Equal([]byte{0x4c, 0x00, 0x02}, merged.Advertisement.ManufacturerData.Value)
	s.Equal(int8(-4), merged.Advertisement.TxPowerLevel.Value)
	s.Equal(-71, merged.RSSI, "RSSI MUST follow the latest advertisement")

	p, ok := s.Manager.Peripheral("aabbccddeeff")
	s.Require().True(ok)
	s.Equal(merged.Advertisement, p.Advertisement, "registry snapshot MUST match the last discover event")
}

func (s *ScanSuite) TestDiscoverEventJSON() {
	s.startScan(nil, false)
	s.Platform.InjectAdvertisement(s.heartRateReport())
	s.Flush()

	testutils.NewJSONAsserter(s.T()).AssertEvents(
		s.Recorder.Filter(testutils.Named("discover")),
		`[{
			"event": "discover",
			"id": "aabbccddeeff",
			"address": "AA:BB:CC:DD:EE:FF",
			"connectable": true,
			"rssi": -50,
			"advertisement": {
				"localName": "HeartRate",
				"serviceUuids": ["0000180d00001000800000805f9b34fb"]
			}
		}]`)
}

func (s *ScanSuite) TestPlatformScanDeliversAdvertisements() {
	s.AddPeripheral(testutils.HeartRatePeripheral(hrAddress))
	s.AddPeripheral(testutils.NewPeripheralBuilder("11:22:33:44:55:66").Silent().Build())

	s.startScan(nil, false)
	s.WaitFor(testutils.Match(func(e session.DiscoverEvent) bool { return e.ID == "aabbccddeeff" }),
		"advertising peripheral MUST be discovered")
	s.Flush()

	s.Equal(1, s.discoverCount(), "silent peripherals MUST not be discovered")
}

func (s *ScanSuite) TestStopScanningAlwaysConfirms() {
	s.Require().NoError(s.Manager.StopScanning())
	s.WaitFor(testutils.Named("scanStop"), "stop without a scan MUST still be confirmed")

	s.startScan(nil, false)
	s.Require().NoError(s.Manager.StopScanning())
	s.WaitForN(2, testutils.Named("scanStop"))
	s.Flush()
	s.Equal(2, s.Recorder.Count(testutils.Named("scanStop")), "each stop MUST be confirmed exactly once")

	s.Platform.InjectAdvertisement(s.heartRateReport())
	s.Flush()
	s.Zero(s.discoverCount(), "advertisements after stop MUST not be reported")
}

func (s *ScanSuite) TestPlatformScanFailure() {
	s.Platform.Fail(testutils.OpScan, errors.New("hci: command disallowed"))

	s.startScan(nil, false)
	ev := s.WaitFor(testutils.Match(func(e session.ErrorEvent) bool { return e.Op == "scan" }),
		"scan failure MUST be reported")
	s.Contains(session.EventError(ev).Error(), "command disallowed")
	s.WaitFor(testutils.Named("scanStop"), "failed scan MUST report scanStop")
}

func (s *ScanSuite) TestAdvertisementWithoutAddress() {
	s.startScan(nil, false)
	s.Platform.InjectAdvertisement(testutils.NewAdvertisementBuilder().WithName("ghost").Build())
	s.Flush()

	s.Zero(s.discoverCount())
	s.Equal(1, s.Recorder.Count(testutils.Named("warning")), "advertisement without address MUST produce a warning")
}

func TestScanSuite(t *testing.T) {
	suite.Run(t, new(ScanSuite))
}
