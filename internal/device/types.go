package device

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AdapterState is the canonical radio state of the local adapter.
type AdapterState int

const (
	StateUnknown AdapterState = iota
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
	StateResetting
)

var adapterStateNames = [...]string{
	StateUnknown:      "unknown",
	StateUnsupported:  "unsupported",
	StateUnauthorized: "unauthorized",
	StatePoweredOff:   "poweredOff",
	StatePoweredOn:    "poweredOn",
	StateResetting:    "resetting",
}

func (s AdapterState) String() string {
	if s < 0 || int(s) >= len(adapterStateNames) {
		return adapterStateNames[StateUnknown]
	}
	return adapterStateNames[s]
}

// MarshalText renders the state by name in JSON output.
func (s AdapterState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AddressType tells public device addresses from random ones.
type AddressType int

const (
	AddressUnknown AddressType = iota
	AddressPublic
	AddressRandom
)

func (t AddressType) String() string {
	switch t {
	case AddressPublic:
		return "public"
	case AddressRandom:
		return "random"
	default:
		return "unknown"
	}
}

// MarshalText renders the address type by name in JSON output.
func (t AddressType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// PeripheralID derives the stable peripheral identifier from a platform
// address: lowercase with ':' and '-' separators stripped.
// "AA:BB:CC:DD:EE:FF" becomes "aabbccddeeff".
func PeripheralID(address string) string {
	return strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(address)))
}

// Optional carries a value together with an explicit presence flag so that an
// absent advertisement field never overwrites a previously known one.
type Optional[T any] struct {
	Value   T
	Present bool
}

// Some returns a present Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Present: true}
}

// Get returns the value and its presence.
func (o Optional[T]) Get() (T, bool) {
	return o.Value, o.Present
}

// Or returns the receiver when present and fallback otherwise.
func (o Optional[T]) Or(fallback Optional[T]) Optional[T] {
	if o.Present {
		return o
	}
	return fallback
}

// ServiceData is one service data AD structure.
type ServiceData struct {
	UUID string `json:"uuid"`
	Data []byte `json:"data"`
}

// Advertisement holds the optional fields of an advertising report.
type Advertisement struct {
	LocalName        Optional[string]
	TxPowerLevel     Optional[int8]
	ManufacturerData Optional[[]byte]
	ServiceData      Optional[[]ServiceData]
	ServiceUUIDs     Optional[[]string]
}

// Merge overlays every field present in update onto the receiver and returns
// the result. Fields absent from update keep their previous value.
func (a Advertisement) Merge(update Advertisement) Advertisement {
	return Advertisement{
		LocalName:        update.LocalName.Or(a.LocalName),
		TxPowerLevel:     update.TxPowerLevel.Or(a.TxPowerLevel),
		ManufacturerData: update.ManufacturerData.Or(a.ManufacturerData),
		ServiceData:      update.ServiceData.Or(a.ServiceData),
		ServiceUUIDs:     update.ServiceUUIDs.Or(a.ServiceUUIDs),
	}
}

// MarshalJSON renders only the fields that are present.
func (a Advertisement) MarshalJSON() ([]byte, error) {
	out := struct {
		LocalName        *string        `json:"localName,omitempty"`
		TxPowerLevel     *int8          `json:"txPowerLevel,omitempty"`
		ManufacturerData *[]byte        `json:"manufacturerData,omitempty"`
		ServiceData      *[]ServiceData `json:"serviceData,omitempty"`
		ServiceUUIDs     *[]string      `json:"serviceUuids,omitempty"`
	}{}
	if a.LocalName.Present {
		out.LocalName = &a.LocalName.Value
	}
	if a.TxPowerLevel.Present {
		out.TxPowerLevel = &a.TxPowerLevel.Value
	}
	if a.ManufacturerData.Present {
		out.ManufacturerData = &a.ManufacturerData.Value
	}
	if a.ServiceData.Present {
		out.ServiceData = &a.ServiceData.Value
	}
	if a.ServiceUUIDs.Present {
		out.ServiceUUIDs = &a.ServiceUUIDs.Value
	}
	return json.Marshal(out)
}

// HasService reports whether the advertisement lists the canonical service UUID.
func (a Advertisement) HasService(uuid string) bool {
	for _, u := range a.ServiceUUIDs.Value {
		if u == uuid {
			return true
		}
	}
	return false
}

// ScanReport is one advertisement as delivered by a platform back end.
// UUIDs inside Advertisement must already be canonical.
type ScanReport struct {
	Address       string
	AddressType   AddressType
	RSSI          int
	Connectable   bool
	Advertisement Advertisement
}

// Property is the GATT characteristic property bit field.
type Property uint8

const (
	PropBroadcast                 Property = 0x01
	PropRead                      Property = 0x02
	PropWriteWithoutResponse      Property = 0x04
	PropWrite                     Property = 0x08
	PropNotify                    Property = 0x10
	PropIndicate                  Property = 0x20
	PropAuthenticatedSignedWrites Property = 0x40
	PropExtendedProperties        Property = 0x80
)

var propertyNames = []struct {
	bit  Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "writeWithoutResponse"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropAuthenticatedSignedWrites, "authenticatedSignedWrites"},
	{PropExtendedProperties, "extendedProperties"},
}

// Has reports whether every bit of p2 is set.
func (p Property) Has(p2 Property) bool {
	return p&p2 == p2
}

// Names returns the canonical property names in bit order.
func (p Property) Names() []string {
	names := make([]string, 0, len(propertyNames))
	for _, pn := range propertyNames {
		if p.Has(pn.bit) {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Property) String() string {
	return strings.Join(p.Names(), "|")
}

// ParseProperties parses a comma or pipe separated list of property names,
// case-insensitively.
func ParseProperties(s string) (Property, error) {
	var p Property
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' }) {
		name := strings.TrimSpace(field)
		if name == "" {
			continue
		}
		found := false
		for _, pn := range propertyNames {
			if strings.EqualFold(pn.name, name) {
				p |= pn.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown characteristic property %q", name)
		}
	}
	return p, nil
}

// NotifyConfig is the value written to a Client Characteristic Configuration descriptor.
type NotifyConfig uint16

const (
	NotifyNone     NotifyConfig = 0x0000
	NotifyNotify   NotifyConfig = 0x0001
	NotifyIndicate NotifyConfig = 0x0002
)

func (c NotifyConfig) String() string {
	switch c {
	case NotifyNotify:
		return "notify"
	case NotifyIndicate:
		return "indicate"
	default:
		return "none"
	}
}

// Opaque handles. Back ends hand them out and get them back unchanged; the
// session layer never looks inside.
type (
	ConnectionHandle     any
	ServiceHandle        any
	CharacteristicHandle any
	DescriptorHandle     any
)

// DiscoveredService is a service returned by a platform discovery call.
type DiscoveredService struct {
	UUID   string
	Handle ServiceHandle
}

// DiscoveredCharacteristic is a characteristic returned by a platform discovery call.
type DiscoveredCharacteristic struct {
	UUID       string
	Properties Property
	Handle     CharacteristicHandle
}

// DiscoveredDescriptor is a descriptor returned by a platform discovery call.
type DiscoveredDescriptor struct {
	UUID   string
	Handle DescriptorHandle
}
