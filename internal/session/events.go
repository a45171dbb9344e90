package session

import (
	"encoding/json"

	"github.com/srg/blecentral/internal/device"
)

// Event is a domain event delivered to the hosting application.
// UUIDs carried by events are always canonical (see device.NormalizeUUID).
type Event interface {
	// Name is the stable event name, e.g. "discover" or "characteristicsDiscover".
	Name() string
	// PeripheralID is the peripheral the event is about, "" for adapter events.
	PeripheralID() string
}

// StateChangeEvent reports a transition of the adapter radio state.
type StateChangeEvent struct {
	State device.AdapterState `json:"state"`
}

// ScanStartEvent confirms that scanning started.
type ScanStartEvent struct {
	ServiceUUIDs    []string `json:"serviceUuids"`
	AllowDuplicates bool     `json:"allowDuplicates"`
}

// ScanStopEvent reports that scanning stopped, on request or because the
// platform ended it.
type ScanStopEvent struct{}

// DiscoverEvent reports a peripheral seen while scanning. Advertisement
// carries the merged record, so fields learned from earlier packets stay.
type DiscoverEvent struct {
	ID            string               `json:"id"`
	Address       string               `json:"address"`
	AddressType   device.AddressType   `json:"addressType"`
	Connectable   bool                 `json:"connectable"`
	Advertisement device.Advertisement `json:"advertisement"`
	RSSI          int                  `json:"rssi"`
}

// ConnectEvent reports the outcome of a connect request. Err is nil on success.
type ConnectEvent struct {
	ID  string `json:"id"`
	Err error  `json:"-"`
}

// DisconnectEvent is emitted exactly once per transition into NotConnected.
type DisconnectEvent struct {
	ID string `json:"id"`
}

type RSSIUpdateEvent struct {
	ID   string `json:"id"`
	RSSI int    `json:"rssi"`
}

type ServicesDiscoverEvent struct {
	ID           string   `json:"id"`
	ServiceUUIDs []string `json:"serviceUuids"`
}

type IncludedServicesDiscoverEvent struct {
	ID                   string   `json:"id"`
	ServiceUUID          string   `json:"serviceUuid"`
	IncludedServiceUUIDs []string `json:"includedServiceUuids"`
}

// CharacteristicInfo describes one discovered characteristic.
type CharacteristicInfo struct {
	UUID       string   `json:"uuid"`
	Properties []string `json:"properties"`
}

type CharacteristicsDiscoverEvent struct {
	ID              string               `json:"id"`
	ServiceUUID     string               `json:"serviceUuid"`
	Characteristics []CharacteristicInfo `json:"characteristics"`
}

// ReadEvent carries a characteristic value, either requested (IsNotification
// false) or pushed by the peripheral.
type ReadEvent struct {
	ID                 string `json:"id"`
	ServiceUUID        string `json:"serviceUuid"`
	CharacteristicUUID string `json:"characteristicUuid"`
	Data               []byte `json:"data"`
	IsNotification     bool   `json:"isNotification"`
}

type WriteEvent struct {
	ID                 string `json:"id"`
	ServiceUUID        string `json:"serviceUuid"`
	CharacteristicUUID string `json:"characteristicUuid"`
}

// NotifyEvent confirms the subscription state of a characteristic.
type NotifyEvent struct {
	ID                 string `json:"id"`
	ServiceUUID        string `json:"serviceUuid"`
	CharacteristicUUID string `json:"characteristicUuid"`
	State              bool   `json:"state"`
}

// BroadcastEvent confirms the broadcast state of a characteristic.
type BroadcastEvent struct {
	ID                 string `json:"id"`
	ServiceUUID        string `json:"serviceUuid"`
	CharacteristicUUID string `json:"characteristicUuid"`
	State              bool   `json:"state"`
}

type DescriptorsDiscoverEvent struct {
	ID                 string   `json:"id"`
	ServiceUUID        string   `json:"serviceUuid"`
	CharacteristicUUID string   `json:"characteristicUuid"`
	DescriptorUUIDs    []string `json:"descriptorUuids"`
}

type ValueReadEvent struct {
	ID                 string `json:"id"`
	ServiceUUID        string `json:"serviceUuid"`
	CharacteristicUUID string `json:"characteristicUuid"`
	DescriptorUUID     string `json:"descriptorUuid"`
	Data               []byte `json:"data"`
}

type ValueWriteEvent struct {
	ID                 string `json:"id"`
	ServiceUUID        string `json:"serviceUuid"`
	CharacteristicUUID string `json:"characteristicUuid"`
	DescriptorUUID     string `json:"descriptorUuid"`
}

type HandleReadEvent struct {
	ID     string `json:"id"`
	Handle uint16 `json:"handle"`
	Data   []byte `json:"data"`
}

type HandleWriteEvent struct {
	ID     string `json:"id"`
	Handle uint16 `json:"handle"`
}

// ErrorEvent reports a failed request whose completion event has no error
// slot: attribute resolution failures, unsupported operations, transport
// errors and requests cut short by a disconnect.
type ErrorEvent struct {
	ID                 string `json:"id,omitempty"`
	Op                 string `json:"op"`
	ServiceUUID        string `json:"serviceUuid,omitempty"`
	CharacteristicUUID string `json:"characteristicUuid,omitempty"`
	DescriptorUUID     string `json:"descriptorUuid,omitempty"`
	Handle             uint16 `json:"handle,omitempty"`
	Err                error  `json:"-"`
}

// WarningEvent reports a platform event that could not be applied.
type WarningEvent struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

func (StateChangeEvent) Name() string              { return "stateChange" }
func (ScanStartEvent) Name() string                { return "scanStart" }
func (ScanStopEvent) Name() string                 { return "scanStop" }
func (DiscoverEvent) Name() string                 { return "discover" }
func (ConnectEvent) Name() string                  { return "connect" }
func (DisconnectEvent) Name() string               { return "disconnect" }
func (RSSIUpdateEvent) Name() string               { return "rssiUpdate" }
func (ServicesDiscoverEvent) Name() string         { return "servicesDiscover" }
func (IncludedServicesDiscoverEvent) Name() string { return "includedServicesDiscover" }
func (CharacteristicsDiscoverEvent) Name() string  { return "characteristicsDiscover" }
func (ReadEvent) Name() string                     { return "read" }
func (WriteEvent) Name() string                    { return "write" }
func (NotifyEvent) Name() string                   { return "notify" }
func (BroadcastEvent) Name() string                { return "broadcast" }
func (DescriptorsDiscoverEvent) Name() string      { return "descriptorsDiscover" }
func (ValueReadEvent) Name() string                { return "valueRead" }
func (ValueWriteEvent) Name() string               { return "valueWrite" }
func (HandleReadEvent) Name() string               { return "handleRead" }
func (HandleWriteEvent) Name() string              { return "handleWrite" }
func (ErrorEvent) Name() string                    { return "error" }
func (WarningEvent) Name() string                  { return "warning" }

func (StateChangeEvent) PeripheralID() string                { return "" }
func (ScanStartEvent) PeripheralID() string                  { return "" }
func (ScanStopEvent) PeripheralID() string                   { return "" }
func (e DiscoverEvent) PeripheralID() string                 { return e.ID }
func (e ConnectEvent) PeripheralID() string                  { return e.ID }
func (e DisconnectEvent) PeripheralID() string               { return e.ID }
func (e RSSIUpdateEvent) PeripheralID() string               { return e.ID }
func (e ServicesDiscoverEvent) PeripheralID() string         { return e.ID }
func (e IncludedServicesDiscoverEvent) PeripheralID() string { return e.ID }
func (e CharacteristicsDiscoverEvent) PeripheralID() string  { return e.ID }
func (e ReadEvent) PeripheralID() string                     { return e.ID }
func (e WriteEvent) PeripheralID() string                    { return e.ID }
func (e NotifyEvent) PeripheralID() string                   { return e.ID }
func (e BroadcastEvent) PeripheralID() string                { return e.ID }
func (e DescriptorsDiscoverEvent) PeripheralID() string      { return e.ID }
func (e ValueReadEvent) PeripheralID() string                { return e.ID }
func (e ValueWriteEvent) PeripheralID() string               { return e.ID }
func (e HandleReadEvent) PeripheralID() string               { return e.ID }
func (e HandleWriteEvent) PeripheralID() string              { return e.ID }
func (e ErrorEvent) PeripheralID() string                    { return e.ID }
func (e WarningEvent) PeripheralID() string                  { return e.ID }

// EventError returns the error carried by ev, if any.
func EventError(ev Event) error {
	switch e := ev.(type) {
	case ConnectEvent:
		return e.Err
	case ErrorEvent:
		return e.Err
	default:
		return nil
	}
}

// MarshalEvent renders ev as a flat JSON object with an "event" key holding
// its name and, for events carrying an error, an "error" key with its text.
func MarshalEvent(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}

	name, _ := json.Marshal(ev.Name())
	fields["event"] = name
	if evErr := EventError(ev); evErr != nil {
		msg, _ := json.Marshal(evErr.Error())
		fields["error"] = msg
	}
	return json.Marshal(fields)
}
