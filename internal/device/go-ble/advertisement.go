package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/device"
)

// txPowerAbsent is what go-ble reports when the advertisement carries no
// TX power level.
const txPowerAbsent = 127

// toScanReport converts a go-ble advertisement into a device.ScanReport with
// canonical UUIDs. Fields the advertisement does not carry stay absent.
func toScanReport(adv ble.Advertisement) device.ScanReport {
	var a device.Advertisement

	if name := adv.LocalName(); name != "" {
		a.LocalName = device.Some(name)
	}
	if tx := adv.TxPowerLevel(); tx != txPowerAbsent {
		a.TxPowerLevel = device.Some(int8(tx))
	}
	if md := adv.ManufacturerData(); len(md) > 0 {
		a.ManufacturerData = device.Some(append([]byte(nil), md...))
	}
	if sd := adv.ServiceData(); len(sd) > 0 {
		data := make([]device.ServiceData, 0, len(sd))
		for _, d := range sd {
			data = append(data, device.ServiceData{
				UUID: device.NormalizeUUID(d.UUID.String()),
				Data: append([]byte(nil), d.Data...),
			})
		}
		a.ServiceData = device.Some(data)
	}

	var uuids []string
	seen := make(map[string]struct{})
	for _, list := range [][]ble.UUID{adv.Services(), adv.OverflowService()} {
		for _, u := range list {
			canonical := device.NormalizeUUID(u.String())
			if _, dup := seen[canonical]; dup {
				continue
			}
			seen[canonical] = struct{}{}
			uuids = append(uuids, canonical)
		}
	}
	if len(uuids) > 0 {
		a.ServiceUUIDs = device.Some(uuids)
	}

	var address string
	if addr := adv.Addr(); addr != nil {
		address = addr.String()
	}

	return device.ScanReport{
		Address:       address,
		RSSI:          adv.RSSI(),
		Connectable:   adv.Connectable(),
		Advertisement: a,
	}
}
