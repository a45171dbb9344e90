package goble

import (
	"testing"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/testutils/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToScanReport(t *testing.T) {
	// GOAL: Verify go-ble advertisements become scan reports with canonical UUIDs
	//
	// TEST SCENARIO: advertisement with every field → all fields present, UUIDs canonical, overflow merged without duplicates

	adv := mocks.NewAdvertisement(mocks.AdvertisementFields{
		Address:          "AA:BB:CC:DD:EE:FF",
		LocalName:        "HRM",
		RSSI:             -60,
		Services:         []ble.UUID{ble.UUID16(0x180d)},
		OverflowServices: []ble.UUID{ble.UUID16(0x180f), ble.UUID16(0x180d)},
		ManufacturerData: []byte{0x4c, 0x00, 0x01},
		ServiceData:      []ble.ServiceData{{UUID: ble.UUID16(0x180f), Data: []byte{0x64}}},
		TxPowerLevel:     -4,
		Connectable:      true,
	})

	report := toScanReport(adv)

	assert.Equal(t, "AA:BB:CC:DD:EE:FF", report.Address)
	assert.Equal(t, -60, report.RSSI)
	assert.True(t, report.Connectable)
	assert.Equal(t, device.Some("HRM"), report.Advertisement.LocalName)
	assert.Equal(t, device.Some(int8(-4)), report.Advertisement.TxPowerLevel)
	assert.Equal(t, device.Some([]byte{0x4c, 0x00, 0x01}), report.Advertisement.ManufacturerData)

	uuids, ok := report.Advertisement.ServiceUUIDs.Get()
	require.True(t, ok, "service UUIDs MUST be present")
	assert.Equal(t, []string{device.NormalizeUUID("180d"), device.NormalizeUUID("180f")}, uuids,
		"overflow services MUST be merged without duplicates")

	data, ok := report.Advertisement.ServiceData.Get()
	require.True(t, ok)
	assert.Equal(t, []device.ServiceData{{UUID: device.NormalizeUUID("180f"), Data: []byte{0x64}}}, data)
}

func TestToScanReportLeavesMissingFieldsAbsent(t *testing.T) {
	adv := mocks.NewAdvertisement(mocks.AdvertisementFields{
		Address:      "11:22:33:44:55:66",
		RSSI:         -90,
		TxPowerLevel: txPowerAbsent,
	})

	report := toScanReport(adv)

	a := report.Advertisement
	assert.False(t, a.LocalName.Present, "empty name MUST be absent")
	assert.False(t, a.TxPowerLevel.Present, "unreported TX power MUST be absent")
	assert.False(t, a.ManufacturerData.Present)
	assert.False(t, a.ServiceData.Present)
	assert.False(t, a.ServiceUUIDs.Present)
	assert.False(t, report.Connectable)
}
