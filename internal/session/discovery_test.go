package session_test

import (
	"errors"
	"testing"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/session"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type DiscoverySuite struct {
	testutils.ManagerSuite
	peripheral *testutils.FakePeripheral
}

func (s *DiscoverySuite) SetupTest() {
	s.ManagerSuite.SetupTest()
	s.peripheral = s.AddPeripheral(testutils.HeartRatePeripheral(hrAddress))
	s.Announce(s.peripheral)
	s.ConnectPeripheral(s.peripheral)
}

func (s *DiscoverySuite) servicesEvents() []session.ServicesDiscoverEvent {
	return testutils.EventsOf[session.ServicesDiscoverEvent](s.Recorder)
}

func (s *DiscoverySuite) waitServices(n int) session.ServicesDiscoverEvent {
	return s.WaitForN(n, testutils.Named("servicesDiscover")).(session.ServicesDiscoverEvent)
}

func (s *DiscoverySuite) TestServicesFetchedOncePerConnection() {
	// GOAL: Verify service discovery hits the platform once and is served from cache afterwards
	//
	// TEST SCENARIO: peripheral with only 180d → discoverServices twice → same answer → platform fetch count stays 1

	single := s.AddPeripheral(testutils.NewPeripheralBuilder("11:22:33:44:55:66").
		WithService("180D").
		WithCharacteristic("2A37", "notify", nil).
		Build())
	s.Announce(single)
	s.ConnectPeripheral(single)

	s.Require().NoError(s.Manager.DiscoverServices(single.ID(), []string{}))
	first := s.waitServices(1)
	s.Equal([]string{heartRateService}, first.ServiceUUIDs)
	s.Equal(1, s.Platform.Calls(testutils.OpDiscoverServices))

	s.Require().NoError(s.Manager.DiscoverServices(single.ID(), []string{}))
	second := s.waitServices(2)
	s.Equal(first.ServiceUUIDs, second.ServiceUUIDs, "cached answer MUST match the first one")
	s.Equal(1, s.Platform.Calls(testutils.OpDiscoverServices), "second call MUST be served from cache")
}

func (s *DiscoverySuite) TestFilterIsAppliedToCachedServices() {
	s.Require().NoError(s.Manager.DiscoverServices(s.peripheral.ID(), nil))
	all := s.waitServices(1)
	s.Equal([]string{heartRateService, batteryService}, all.ServiceUUIDs, "services MUST keep discovery order")

	s.Require().NoError(s.Manager.DiscoverServices(s.peripheral.ID(), []string{"0000180F-0000-1000-8000-00805F9B34FB"}))
	filtered := s.waitServices(2)
	s.Equal([]string{batteryService}, filtered.ServiceUUIDs, "filter MUST accept any UUID form")

	s.Require().NoError(s.Manager.DiscoverServices(s.peripheral.ID(), []string{"1800"}))
	none := s.waitServices(3)
	s.Empty(none.ServiceUUIDs)
	s.Equal(1, s.Platform.Calls(testutils.OpDiscoverServices))
}

func (s *DiscoverySuite) TestConcurrentRequestsShareOneFetch() {
	// GOAL: Verify requests arriving while a discovery is in flight join it
	//
	// TEST SCENARIO: services fetch held → two discoverServices and a read queued → release → one platform fetch serves all

	gate := s.Platform.Hold(testutils.OpDiscoverServices)

	s.Require().NoError(s.Manager.DiscoverServices(s.peripheral.ID(), nil))
	s.WaitGate(gate)
	s.Require().NoError(s.Manager.DiscoverServices(s.peripheral.ID(), []string{"180f"}))
	s.Require().NoError(s.Manager.Read(s.peripheral.ID(), "180f", "2a19"))
	s.Flush()
	gate.Release()

	s.waitServices(2)
	s.WaitFor(testutils.Named("read"))

	events := s.servicesEvents()
	s.Equal([]string{heartRateService, batteryService}, events[0].ServiceUUIDs)
	s.Equal([]string{batteryService}, events[1].ServiceUUIDs)
	s.Equal(1, s.Platform.Calls(testutils.OpDiscoverServices), "in-flight discovery MUST be shared")
}

func (s *DiscoverySuite) TestReconnectDiscoversAgain() {
	s.Require().NoError(s.Manager.DiscoverServices(s.peripheral.ID(), nil))
	s.waitServices(1)

	s.Require().NoError(s.Manager.Disconnect(s.peripheral.ID()))
	s.WaitFor(testutils.Named("disconnect"))
	s.ConnectPeripheral(s.peripheral)

	s.Require().NoError(s.Manager.DiscoverServices(s.peripheral.ID(), nil))
	s.waitServices(2)
	s.Equal(2, s.Platform.Calls(testutils.OpDiscoverServices), "a new connection MUST start with an empty cache")
}

func (s *DiscoverySuite) TestStaleDiscoveryIsDiscarded() {
	// GOAL: Verify a discovery completing after its connection ended never fills the new cache
	//
	// TEST SCENARIO: fetch held → disconnect fails the request → release → reconnect → discovery fetches again

	gate := s.Platform.Hold(testutils.OpDiscoverServices)
	s.Require().NoError(s.Manager.DiscoverServices(s.peripheral.ID(), nil))
	s.WaitGate(gate)

	s.Require().NoError(s.Manager.Disconnect(s.peripheral.ID()))
	failed := s.WaitFor(testutils.Match(func(e session.ErrorEvent) bool { return e.Op == "discoverServices" }))
	s.ErrorIs(session.EventError(failed), device.ErrNotConnected, "pending discovery MUST fail on disconnect")

	gate.Release()
	s.ConnectPeripheral(s.peripheral)
	s.Require().NoError(s.Manager.DiscoverServices(s.peripheral.ID(), nil))
	s.waitServices(1)

	s.Equal(2, s.Platform.Calls(testutils.OpDiscoverServices), "new connection MUST not reuse the stale fetch")
	s.Len(s.servicesEvents(), 1, "stale completion MUST not emit")
}

func (s *DiscoverySuite) TestDiscoveryFailureIsNotCached() {
	s.Platform.Fail(testutils.OpDiscoverServices, errors.New("att: request not supported by server"))

	s.Require().NoError(s.Manager.DiscoverServices(s.peripheral.ID(), nil))
	failed := s.WaitFor(testutils.Named("error"))
	s.ErrorIs(session.EventError(failed), device.ErrUnsupported, "platform errors MUST be normalized")

	s.Platform.Fail(testutils.OpDiscoverServices, nil)
	s.Require().NoError(s.Manager.DiscoverServices(s.peripheral.ID(), nil))
	s.waitServices(1)
	s.Equal(2, s.Platform.Calls(testutils.OpDiscoverServices), "failed discovery MUST be retried")
}

func (s *DiscoverySuite) TestDiscoverCharacteristicsResolvesServicesLazily() {
	s.Require().NoError(s.Manager.DiscoverCharacteristics(s.peripheral.ID(), "180d", nil))
	ev := s.WaitFor(testutils.Named("characteristicsDiscover")).(session.CharacteristicsDiscoverEvent)

	s.Equal(heartRateService, ev.ServiceUUID)
	s.Equal([]session.CharacteristicInfo{
		{UUID: device.NormalizeUUID("2a37"), Properties: []string{"read", "notify"}},
		{UUID: device.NormalizeUUID("2a39"), Properties: []string{"writeWithoutResponse", "write"}},
	}, ev.Characteristics)
	s.Equal(1, s.Platform.Calls(testutils.OpDiscoverServices), "services MUST be discovered on demand")
	s.Equal(1, s.Platform.Calls(testutils.OpDiscoverCharacteristics))

	s.Require().NoError(s.Manager.DiscoverCharacteristics(s.peripheral.ID(), "180d", []string{"2a39"}))
	filtered := s.WaitForN(2, testutils.Named("characteristicsDiscover")).(session.CharacteristicsDiscoverEvent)
	s.Require().Len(filtered.Characteristics, 1)
	s.Equal(device.NormalizeUUID("2a39"), filtered.Characteristics[0].UUID)
	s.Equal(1, s.Platform.Calls(testutils.OpDiscoverCharacteristics), "characteristics MUST be cached per service")
}

func (s *DiscoverySuite) TestDiscoverIncludedServices() {
	s.Require().NoError(s.Manager.DiscoverIncludedServices(s.peripheral.ID(), "180d", nil))
	ev := s.WaitFor(testutils.Named("includedServicesDiscover")).(session.IncludedServicesDiscoverEvent)

	s.Equal(heartRateService, ev.ServiceUUID)
	s.Equal([]string{batteryService}, ev.IncludedServiceUUIDs)

	s.Require().NoError(s.Manager.DiscoverIncludedServices(s.peripheral.ID(), "180d", []string{"1800"}))
	filtered := s.WaitForN(2, testutils.Named("includedServicesDiscover")).(session.IncludedServicesDiscoverEvent)
	s.Empty(filtered.IncludedServiceUUIDs)
	s.Equal(1, s.Platform.Calls(testutils.OpDiscoverIncludedServices))
}

func (s *DiscoverySuite) TestDiscoverDescriptors() {
	s.Require().NoError(s.Manager.DiscoverDescriptors(s.peripheral.ID(), "180d", "2a37"))
	ev := s.WaitFor(testutils.Named("descriptorsDiscover")).(session.DescriptorsDiscoverEvent)

	s.Equal(device.NormalizeUUID("2a37"), ev.CharacteristicUUID)
	s.Equal([]string{device.NormalizeUUID("2902")}, ev.DescriptorUUIDs)
}

func (s *DiscoverySuite) TestUnknownAttributesFail() {
	// GOAL: Verify unknown services and characteristics fail with NotFoundError
	//
	// TEST SCENARIO: missing service → NotFoundError(service) → missing characteristic → NotFoundError(characteristic)

	s.Require().NoError(s.Manager.DiscoverCharacteristics(s.peripheral.ID(), "ffff", nil))
	ev := s.WaitFor(testutils.Named("error"))

	var notFound *device.NotFoundError
	s.Require().ErrorAs(session.EventError(ev), &notFound)
	s.Equal("service", notFound.Resource)
	s.Equal([]string{device.NormalizeUUID("ffff")}, notFound.UUIDs)

	s.Require().NoError(s.Manager.DiscoverDescriptors(s.peripheral.ID(), "180f", "2a37"))
	ev = s.WaitForN(2, testutils.Named("error"))
	s.Require().ErrorAs(session.EventError(ev), &notFound)
	s.Equal("characteristic", notFound.Resource)
	s.Equal([]string{batteryService, device.NormalizeUUID("2a37")}, notFound.UUIDs)
}

func (s *DiscoverySuite) TestDiscoverAllServicesAndCharacteristics() {
	// GOAL: Verify the combined discovery reports services then each service's characteristics
	//
	// TEST SCENARIO: discoverAll with characteristic filter 2a19 → servicesDiscover → two characteristicsDiscover in service order

	s.Require().NoError(s.Manager.DiscoverAllServicesAndCharacteristics(s.peripheral.ID(), nil, []string{"2a19"}))
	s.WaitForN(2, testutils.Named("characteristicsDiscover"))

	testutils.NewJSONAsserter(s.T()).AssertEvents(
		s.Recorder.Filter(func(ev session.Event) bool {
			return ev.Name() == "servicesDiscover" || ev.Name() == "characteristicsDiscover"
		}),
		`[
			{"event": "servicesDiscover", "id": "aabbccddeeff",
			 "serviceUuids": ["0000180d00001000800000805f9b34fb", "0000180f00001000800000805f9b34fb"]},
			{"event": "characteristicsDiscover", "serviceUuid": "0000180d00001000800000805f9b34fb", "characteristics": []},
			{"event": "characteristicsDiscover", "serviceUuid": "0000180f00001000800000805f9b34fb",
			 "characteristics": [{"uuid": "00002a1900001000800000805f9b34fb", "properties": ["read"]}]}
		]`)
	s.Equal(2, s.Platform.Calls(testutils.OpDiscoverCharacteristics))
}

func (s *DiscoverySuite) TestDiscoverAllWithServiceFilter() {
	s.Require().NoError(s.Manager.DiscoverAllServicesAndCharacteristics(s.peripheral.ID(), []string{"180f"}, nil))
	ev := s.WaitFor(testutils.Named("characteristicsDiscover")).(session.CharacteristicsDiscoverEvent)
	s.Flush()

	s.Equal(batteryService, ev.ServiceUUID)
	s.Equal(1, s.Recorder.Count(testutils.Named("characteristicsDiscover")))
	s.Equal(1, s.Platform.Calls(testutils.OpDiscoverCharacteristics), "filtered-out services MUST not be explored")
}

func TestDiscoverySuite(t *testing.T) {
	suite.Run(t, new(DiscoverySuite))
}
