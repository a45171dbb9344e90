package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blecentral/internal/device"
)

// AdvertisementBuilder builds device.ScanReport values for tests. Only fields
// that were explicitly set are present in the resulting advertisement, so
// partial reports can be used to exercise field merging.
type AdvertisementBuilder struct {
	report device.ScanReport
}

// NewAdvertisementBuilder creates a builder for a connectable report with RSSI -50.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{report: device.ScanReport{
		RSSI:        -50,
		Connectable: true,
	}}
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.report.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithAddressType(t device.AddressType) *AdvertisementBuilder {
	b.report.AddressType = t
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.report.RSSI = rssi
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.report.Connectable = c
	return b
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.report.Advertisement.LocalName = device.Some(name)
	return b
}

// WithServices sets the advertised service UUIDs in any accepted form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.report.Advertisement.ServiceUUIDs = device.Some(device.NormalizeUUIDs(uuids))
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.report.Advertisement.ManufacturerData = device.Some(data)
	return b
}

// WithServiceData appends a service data element.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	sd := b.report.Advertisement.ServiceData.Value
	sd = append(sd, device.ServiceData{UUID: device.NormalizeUUID(uuid), Data: data})
	b.report.Advertisement.ServiceData = device.Some(sd)
	return b
}

func (b *AdvertisementBuilder) WithTxPower(power int8) *AdvertisementBuilder {
	b.report.Advertisement.TxPowerLevel = device.Some(power)
	return b
}

// FromJSON fills builder fields from a JSON document. Keys that are present
// (even with a null value for arrays) mark the field present.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var fieldPresence map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &fieldPresence); err != nil {
		panic(fmt.Sprintf("FromJSON: failed to unmarshal field presence: %v", err))
	}

	var data struct {
		Address          string            `json:"address"`
		RSSI             *int              `json:"rssi"`
		Connectable      *bool             `json:"connectable"`
		Name             string            `json:"name"`
		Services         []string          `json:"services"`
		ManufacturerData []byte            `json:"manufacturerData"`
		ServiceData      map[string][]byte `json:"serviceData"`
		TxPower          int8              `json:"txPower"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		panic(err)
	}

	if _, ok := fieldPresence["address"]; ok {
		b.WithAddress(data.Address)
	}
	if data.RSSI != nil {
		b.WithRSSI(*data.RSSI)
	}
	if data.Connectable != nil {
		b.WithConnectable(*data.Connectable)
	}
	if _, ok := fieldPresence["name"]; ok {
		b.WithName(data.Name)
	}
	if _, ok := fieldPresence["services"]; ok {
		b.WithServices(data.Services...)
	}
	if _, ok := fieldPresence["manufacturerData"]; ok {
		b.WithManufacturerData(data.ManufacturerData)
	}
	if _, ok := fieldPresence["serviceData"]; ok {
		b.report.Advertisement.ServiceData = device.Some([]device.ServiceData{})
		for uuid, sd := range data.ServiceData {
			b.WithServiceData(uuid, sd)
		}
	}
	if _, ok := fieldPresence["txPower"]; ok {
		b.WithTxPower(data.TxPower)
	}
	return b
}

func (b *AdvertisementBuilder) Build() device.ScanReport {
	return b.report
}
