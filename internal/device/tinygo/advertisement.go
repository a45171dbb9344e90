package tinygo

import (
	"encoding/binary"

	"github.com/srg/blecentral/internal/device"
	"tinygo.org/x/bluetooth"
)

// advertisement is the part of bluetooth.ScanResult the conversion reads.
type advertisement interface {
	LocalName() string
	HasServiceUUID(bluetooth.UUID) bool
	ManufacturerData() []bluetooth.ManufacturerDataElement
	ServiceData() []bluetooth.ServiceDataElement
}

// toScanReport converts a tinygo scan result. tinygo exposes no list of
// advertised services, only a membership test, so ServiceUUIDs holds the
// filter UUIDs the advertisement carries.
func toScanReport(address string, rssi int16, adv advertisement, wanted []bluetooth.UUID) device.ScanReport {
	var a device.Advertisement

	if name := adv.LocalName(); name != "" {
		a.LocalName = device.Some(name)
	}
	if md := adv.ManufacturerData(); len(md) > 0 {
		a.ManufacturerData = device.Some(manufacturerBytes(md[0]))
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
	for _, u := range wanted {
		if adv.HasServiceUUID(u) {
			uuids = append(uuids, device.NormalizeUUID(u.String()))
		}
	}
	if len(uuids) > 0 {
		a.ServiceUUIDs = device.Some(uuids)
	}

	return device.ScanReport{
		Address:       address,
		RSSI:          int(rssi),
		Connectable:   true,
		Advertisement: a,
	}
}

// manufacturerBytes rebuilds the raw AD payload: company id little endian
// followed by the data.
func manufacturerBytes(md bluetooth.ManufacturerDataElement) []byte {
	out := make([]byte, 2, 2+len(md.Data))
	binary.LittleEndian.PutUint16(out, md.CompanyID)
	return append(out, md.Data...)
}
