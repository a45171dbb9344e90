package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blecentral/internal/device"
)

// FakeDescriptor is a descriptor served by FakePlatform.
type FakeDescriptor struct {
	UUID  string
	Value []byte
}

// FakeCharacteristic is a characteristic served by FakePlatform.
type FakeCharacteristic struct {
	UUID        string
	Properties  device.Property
	Value       []byte
	Descriptors []*FakeDescriptor
}

// FakeService is a primary service served by FakePlatform.
type FakeService struct {
	UUID            string
	Included        []string
	Characteristics []*FakeCharacteristic
}

// FakePeripheral is the GATT profile and advertisement of one simulated
// peripheral.
type FakePeripheral struct {
	Address      string
	AddressType  device.AddressType
	Connectable  bool
	RSSI         int
	Name         string
	ServiceUUIDs []string
	// Silent peripherals are not advertised by Scan.
	Silent bool

	Services []*FakeService
	// Handles backs ReadHandle and WriteHandle.
	Handles map[uint16][]byte
}

// Report returns the advertisement FakePlatform delivers for p while scanning.
func (p *FakePeripheral) Report() device.ScanReport {
	adv := device.Advertisement{}
	if p.Name != "" {
		adv.LocalName = device.Some(p.Name)
	}
	if len(p.ServiceUUIDs) > 0 {
		adv.ServiceUUIDs = device.Some(device.NormalizeUUIDs(p.ServiceUUIDs))
	}
	return device.ScanReport{
		Address:       p.Address,
		AddressType:   p.AddressType,
		RSSI:          p.RSSI,
		Connectable:   p.Connectable,
		Advertisement: adv,
	}
}

// ID returns the peripheral identifier the Manager assigns to p.
func (p *FakePeripheral) ID() string {
	return device.PeripheralID(p.Address)
}

func (p *FakePeripheral) service(uuid string) *FakeService {
	want := device.NormalizeUUID(uuid)
	for _, svc := range p.Services {
		if device.NormalizeUUID(svc.UUID) == want {
			return svc
		}
	}
	return nil
}

// DescriptorConfig, CharacteristicConfig, ServiceConfig and PeripheralConfig
// are the JSON shape accepted by PeripheralBuilder.FromJSON.
type DescriptorConfig struct {
	UUID  string `json:"uuid"`
	Value []byte `json:"value,omitempty"`
}

type CharacteristicConfig struct {
	UUID        string             `json:"uuid"`
	Properties  string             `json:"properties,omitempty"` // e.g. "read,write,notify"
	Value       []byte             `json:"value,omitempty"`
	Descriptors []DescriptorConfig `json:"descriptors,omitempty"`
}

type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Included        []string               `json:"included,omitempty"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

type PeripheralConfig struct {
	Address      string            `json:"address"`
	Name         string            `json:"name,omitempty"`
	RSSI         *int              `json:"rssi,omitempty"`
	Connectable  *bool             `json:"connectable,omitempty"`
	ServiceUUIDs []string          `json:"serviceUuids,omitempty"`
	Services     []ServiceConfig   `json:"services"`
	Handles      map[uint16][]byte `json:"handles,omitempty"`
}

// PeripheralBuilder builds FakePeripherals with a fluent API.
//
//	p := testutils.NewPeripheralBuilder("AA:BB:CC:DD:EE:FF").
//	    WithName("HeartRate").
//	    WithService("180D").
//	    WithCharacteristic("2A37", "read,notify", []byte{80}).
//	    Build()
type PeripheralBuilder struct {
	p *FakePeripheral
}

// NewPeripheralBuilder starts a connectable peripheral at address with RSSI -50.
func NewPeripheralBuilder(address string) *PeripheralBuilder {
	return &PeripheralBuilder{p: &FakePeripheral{
		Address:     address,
		AddressType: device.AddressPublic,
		Connectable: true,
		RSSI:        -50,
		Handles:     make(map[uint16][]byte),
	}}
}

func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.p.Name = name
	return b
}

func (b *PeripheralBuilder) WithRSSI(rssi int) *PeripheralBuilder {
	b.p.RSSI = rssi
	return b
}

func (b *PeripheralBuilder) WithConnectable(c bool) *PeripheralBuilder {
	b.p.Connectable = c
	return b
}

// WithAdvertisedServices sets the service UUIDs carried by the advertisement.
func (b *PeripheralBuilder) WithAdvertisedServices(uuids ...string) *PeripheralBuilder {
	b.p.ServiceUUIDs = append(b.p.ServiceUUIDs, uuids...)
	return b
}

// Silent keeps the peripheral out of Scan results.
func (b *PeripheralBuilder) Silent() *PeripheralBuilder {
	b.p.Silent = true
	return b
}

// WithService adds a service to the profile.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.p.Services = append(b.p.Services, &FakeService{UUID: uuid})
	return b
}

// WithIncludedService marks uuid as included by the last added service.
func (b *PeripheralBuilder) WithIncludedService(uuid string) *PeripheralBuilder {
	svc := b.lastService("WithIncludedService")
	svc.Included = append(svc.Included, uuid)
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
// properties is a comma separated list such as "read,notify".
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	svc := b.lastService("WithCharacteristic")
	props, err := device.ParseProperties(properties)
	if err != nil {
		panic(fmt.Sprintf("WithCharacteristic: %v", err))
	}
	svc.Characteristics = append(svc.Characteristics, &FakeCharacteristic{
		UUID:       uuid,
		Properties: props,
		Value:      value,
	})
	return b
}

// WithDescriptor adds a descriptor to the last added characteristic.
func (b *PeripheralBuilder) WithDescriptor(uuid string, value []byte) *PeripheralBuilder {
	svc := b.lastService("WithDescriptor")
	if len(svc.Characteristics) == 0 {
		panic("WithDescriptor: no characteristic added yet, call WithCharacteristic first")
	}
	chr := svc.Characteristics[len(svc.Characteristics)-1]
	chr.Descriptors = append(chr.Descriptors, &FakeDescriptor{UUID: uuid, Value: value})
	return b
}

// WithHandle exposes an attribute value at an ATT handle.
func (b *PeripheralBuilder) WithHandle(handle uint16, value []byte) *PeripheralBuilder {
	b.p.Handles[handle] = value
	return b
}

// FromJSON replaces the profile with a PeripheralConfig document. The address
// given to NewPeripheralBuilder is kept unless the document sets one.
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var cfg PeripheralConfig
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	if cfg.Address != "" {
		b.p.Address = cfg.Address
	}
	if cfg.Name != "" {
		b.p.Name = cfg.Name
	}
	if cfg.RSSI != nil {
		b.p.RSSI = *cfg.RSSI
	}
	if cfg.Connectable != nil {
		b.p.Connectable = *cfg.Connectable
	}
	b.p.ServiceUUIDs = cfg.ServiceUUIDs
	b.p.Services = nil
	for _, sc := range cfg.Services {
		b.WithService(sc.UUID)
		for _, inc := range sc.Included {
			b.WithIncludedService(inc)
		}
		for _, cc := range sc.Characteristics {
			b.WithCharacteristic(cc.UUID, cc.Properties, cc.Value)
			for _, dc := range cc.Descriptors {
				b.WithDescriptor(dc.UUID, dc.Value)
			}
		}
	}
	for h, v := range cfg.Handles {
		b.p.Handles[h] = v
	}
	return b
}

func (b *PeripheralBuilder) Build() *FakePeripheral {
	return b.p
}

func (b *PeripheralBuilder) lastService(caller string) *FakeService {
	if len(b.p.Services) == 0 {
		panic(caller + ": no service added yet, call WithService first")
	}
	return b.p.Services[len(b.p.Services)-1]
}

// HeartRatePeripheral is a peripheral exposing Heart Rate (180D) with a
// notifiable measurement (2A37) carrying a CCCD, a writable control point
// (2A39), and Battery (180F) with a readable level (2A19).
func HeartRatePeripheral(address string) *FakePeripheral {
	return NewPeripheralBuilder(address).FromJSON(`{
		"name": "HeartRate",
		"serviceUuids": ["180D"],
		"services": [
			{
				"uuid": "180D",
				"included": ["180F"],
				"characteristics": [
					{
						"uuid": "2A37",
						"properties": "read,notify",
						"value": [0, 80],
						"descriptors": [{ "uuid": "2902", "value": [0, 0] }]
					},
					{ "uuid": "2A39", "properties": "write,writeWithoutResponse" }
				]
			},
			{
				"uuid": "180F",
				"characteristics": [
					{ "uuid": "2A19", "properties": "read", "value": [50] }
				]
			}
		],
		"handles": { "3": [72, 82], "42": [1] }
	}`).Build()
}
