package main

import (
	"testing"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type InspectCommandTestSuite struct {
	CommandTestSuite
}

func (s *InspectCommandTestSuite) TestInspectPrintsProfileTree() {
	// GOAL: Verify inspect walks services, characteristics, descriptors and readable values
	//
	// TEST SCENARIO: heart rate peripheral → inspect → tree with SIG names, properties, decoded values and CCCD state → link released

	out, _, err := s.ExecuteCommand("inspect", testDeviceAddress)
	s.Require().NoError(err, "inspect MUST succeed")

	testutils.NewTextAsserter(s.T()).Assert(out, `Peripheral AA:BB:CC:DD:EE:FF (HeartRate)

Service 180d Heart Rate
  Characteristic 2a37 Heart Rate Measurement [read, notify]
    Value: 0050 (80 bpm)
    Descriptor 2902 Client Characteristic Configuration: notifications off, indications off
  Characteristic 2a39 Heart Rate Control Point [writeWithoutResponse, write]

Service 180f Battery Service
  Characteristic 2a19 Battery Level [read]
    Value: 32 (50%)
`)
	s.False(s.Platform.Connected(testDeviceAddress), "inspect MUST disconnect when done")
}

func (s *InspectCommandTestSuite) TestInspectWithoutReadsOrDescriptors() {
	out, _, err := s.ExecuteCommand("inspect", testDeviceAddress, "--read=false", "--descriptors=false")
	s.Require().NoError(err)

	s.NotContains(out, "Value:")
	s.NotContains(out, "Descriptor")
	s.Zero(s.Platform.Calls(testutils.OpRead))
	s.Zero(s.Platform.Calls(testutils.OpReadDescriptor))
	s.Zero(s.Platform.Calls(testutils.OpDiscoverDescriptors))
}

func (s *InspectCommandTestSuite) TestInspectToleratesMissingDescriptorSupport() {
	s.Platform.Fail(testutils.OpDiscoverDescriptors, device.ErrUnsupported)

	out, _, err := s.ExecuteCommand("inspect", testDeviceAddress)
	s.Require().NoError(err, "unsupported descriptor discovery MUST not fail the inspection")
	s.Contains(out, "Characteristic 2a19 Battery Level [read]")
	s.NotContains(out, "Descriptor")
}

func (s *InspectCommandTestSuite) TestInspectJSON() {
	out, _, err := s.ExecuteCommand("inspect", testDeviceAddress, "--format", "json", "--descriptors=false")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"id": "aabbccddeeff",
		"address": "AA:BB:CC:DD:EE:FF",
		"name": "HeartRate",
		"services": [
			{
				"uuid": "0000180d00001000800000805f9b34fb",
				"name": "Heart Rate",
				"characteristics": [
					{"uuid": "00002a3700001000800000805f9b34fb", "name": "Heart Rate Measurement", "properties": ["read", "notify"], "value": "0050", "decoded": "80 bpm"},
					{"uuid": "00002a3900001000800000805f9b34fb", "name": "Heart Rate Control Point", "properties": ["writeWithoutResponse", "write"]}
				]
			},
			{
				"uuid": "0000180f00001000800000805f9b34fb",
				"name": "Battery Service",
				"characteristics": [
					{"uuid": "00002a1900001000800000805f9b34fb", "name": "Battery Level", "properties": ["read"], "value": "32", "decoded": "50%"}
				]
			}
		]
	}`)
}

func (s *InspectCommandTestSuite) TestInspectUnknownDevice() {
	_, _, err := s.ExecuteCommand("inspect", "11:22:33:44:55:66", "--config", s.writeConfig("scan_timeout: 200ms\n"))
	s.ErrorIs(err, device.ErrDeviceNotFound, "a device that never advertises MUST be reported as not found")
}

func TestInspectCommandTestSuite(t *testing.T) {
	suite.Run(t, new(InspectCommandTestSuite))
}
