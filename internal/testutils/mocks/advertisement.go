// Package mocks holds testify mocks of go-ble interfaces.
package mocks

import (
	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockAdvertisement implements ble.Advertisement.
type MockAdvertisement struct {
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockAdvertisement) ManufacturerData() []byte {
	args := m.Called()
	data, _ := args.Get(0).([]byte)
	return data
}

func (m *MockAdvertisement) ServiceData() []ble.ServiceData {
	args := m.Called()
	data, _ := args.Get(0).([]ble.ServiceData)
	return data
}

func (m *MockAdvertisement) Services() []ble.UUID {
	args := m.Called()
	uuids, _ := args.Get(0).([]ble.UUID)
	return uuids
}

func (m *MockAdvertisement) OverflowService() []ble.UUID {
	args := m.Called()
	uuids, _ := args.Get(0).([]ble.UUID)
	return uuids
}

func (m *MockAdvertisement) TxPowerLevel() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockAdvertisement) Connectable() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockAdvertisement) SolicitedService() []ble.UUID {
	args := m.Called()
	uuids, _ := args.Get(0).([]ble.UUID)
	return uuids
}

func (m *MockAdvertisement) RSSI() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockAdvertisement) Addr() ble.Addr {
	args := m.Called()
	return args.Get(0).(ble.Addr)
}

// MockAddr implements ble.Addr.
type MockAddr struct {
	mock.Mock
}

func (m *MockAddr) String() string {
	args := m.Called()
	return args.String(0)
}

// AdvertisementFields are the values a MockAdvertisement built by
// NewAdvertisement returns. TxPowerLevel 127 means "not advertised".
type AdvertisementFields struct {
	Address          string
	LocalName        string
	RSSI             int
	Services         []ble.UUID
	OverflowServices []ble.UUID
	ManufacturerData []byte
	ServiceData      []ble.ServiceData
	TxPowerLevel     int
	Connectable      bool
}

// NewAdvertisement returns a MockAdvertisement expecting any number of calls
// to every method.
func NewAdvertisement(f AdvertisementFields) *MockAdvertisement {
	addr := &MockAddr{}
	addr.On("String").Return(f.Address)

	adv := &MockAdvertisement{}
	adv.On("Addr").Return(addr)
	adv.On("LocalName").Return(f.LocalName)
	adv.On("RSSI").Return(f.RSSI)
	adv.On("Services").Return(f.Services)
	adv.On("OverflowService").Return(f.OverflowServices)
	adv.On("SolicitedService").Return([]ble.UUID(nil))
	adv.On("ManufacturerData").Return(f.ManufacturerData)
	adv.On("ServiceData").Return(f.ServiceData)
	adv.On("TxPowerLevel").Return(f.TxPowerLevel)
	adv.On("Connectable").Return(f.Connectable)
	return adv
}
