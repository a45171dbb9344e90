package session

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/srg/blecentral/internal/device"
)

// DiscoverServices reports the peripheral's services with
// ServicesDiscoverEvent, filtered by filterUUIDs (empty means all). The
// platform is asked at most once per connection.
func (m *Manager) DiscoverServices(id string, filterUUIDs []string) error {
	id = device.PeripheralID(id)
	filter := device.NormalizeUUIDs(filterUUIDs)
	return m.submit(func() { m.discoverServices(id, filter) })
}

// DiscoverIncludedServices reports the services included by serviceUUID.
func (m *Manager) DiscoverIncludedServices(id, serviceUUID string, filterUUIDs []string) error {
	id = device.PeripheralID(id)
	svc := device.NormalizeUUID(serviceUUID)
	filter := device.NormalizeUUIDs(filterUUIDs)
	return m.submit(func() { m.discoverIncludedServices(id, svc, filter) })
}

// DiscoverCharacteristics reports the characteristics of serviceUUID with
// their canonical property names.
func (m *Manager) DiscoverCharacteristics(id, serviceUUID string, filterUUIDs []string) error {
	id = device.PeripheralID(id)
	svc := device.NormalizeUUID(serviceUUID)
	filter := device.NormalizeUUIDs(filterUUIDs)
	return m.submit(func() { m.discoverCharacteristics(id, svc, filter) })
}

// DiscoverDescriptors reports the descriptors of a characteristic.
func (m *Manager) DiscoverDescriptors(id, serviceUUID, characteristicUUID string) error {
	id = device.PeripheralID(id)
	svc, chr := device.NormalizeUUID(serviceUUID), device.NormalizeUUID(characteristicUUID)
	return m.submit(func() { m.discoverDescriptors(id, svc, chr) })
}

// DiscoverAllServicesAndCharacteristics emits ServicesDiscoverEvent for the
// matching services followed by one CharacteristicsDiscoverEvent per service.
func (m *Manager) DiscoverAllServicesAndCharacteristics(id string, serviceUUIDs, characteristicUUIDs []string) error {
	id = device.PeripheralID(id)
	svcFilter := device.NormalizeUUIDs(serviceUUIDs)
	chrFilter := device.NormalizeUUIDs(characteristicUUIDs)
	return m.submit(func() { m.discoverAll(id, svcFilter, chrFilter) })
}

// Read reads a characteristic value. The result arrives as a ReadEvent with
// IsNotification unset.
func (m *Manager) Read(id, serviceUUID, characteristicUUID string) error {
	id = device.PeripheralID(id)
	svc, chr := device.NormalizeUUID(serviceUUID), device.NormalizeUUID(characteristicUUID)
	return m.submit(func() { m.read(id, svc, chr) })
}

// Write writes data to a characteristic. withoutResponse selects the ATT write
// command; WriteEvent does not distinguish the two.
func (m *Manager) Write(id, serviceUUID, characteristicUUID string, data []byte, withoutResponse bool) error {
	id = device.PeripheralID(id)
	svc, chr := device.NormalizeUUID(serviceUUID), device.NormalizeUUID(characteristicUUID)
	payload := append([]byte(nil), data...)
	return m.submit(func() { m.write(id, svc, chr, payload, withoutResponse) })
}

// Broadcast switches a characteristic's broadcast bit in its Server
// Characteristic Configuration descriptor and confirms with BroadcastEvent.
func (m *Manager) Broadcast(id, serviceUUID, characteristicUUID string, on bool) error {
	id = device.PeripheralID(id)
	svc, chr := device.NormalizeUUID(serviceUUID), device.NormalizeUUID(characteristicUUID)
	return m.submit(func() { m.broadcast(id, svc, chr, on) })
}

// ReadValue reads a descriptor.
func (m *Manager) ReadValue(id, serviceUUID, characteristicUUID, descriptorUUID string) error {
	id = device.PeripheralID(id)
	path := attrPath{
		service:        device.NormalizeUUID(serviceUUID),
		characteristic: device.NormalizeUUID(characteristicUUID),
		descriptor:     device.NormalizeUUID(descriptorUUID),
	}
	return m.submit(func() { m.readValue(id, path) })
}

// WriteValue writes a descriptor.
func (m *Manager) WriteValue(id, serviceUUID, characteristicUUID, descriptorUUID string, data []byte) error {
	id = device.PeripheralID(id)
	path := attrPath{
		service:        device.NormalizeUUID(serviceUUID),
		characteristic: device.NormalizeUUID(characteristicUUID),
		descriptor:     device.NormalizeUUID(descriptorUUID),
	}
	payload := append([]byte(nil), data...)
	return m.submit(func() { m.writeValue(id, path, payload) })
}

// ReadHandle reads an attribute by ATT handle. Back ends without handle
// addressing report device.ErrUnsupported through ErrorEvent.
func (m *Manager) ReadHandle(id string, handle uint16) error {
	id = device.PeripheralID(id)
	return m.submit(func() { m.readHandle(id, handle) })
}

// WriteHandle writes an attribute by ATT handle.
func (m *Manager) WriteHandle(id string, handle uint16, data []byte, withoutResponse bool) error {
	id = device.PeripheralID(id)
	payload := append([]byte(nil), data...)
	return m.submit(func() { m.writeHandle(id, handle, payload, withoutResponse) })
}

func (m *Manager) discoverServices(id string, filter []string) {
	s, req := m.begin(id, "discoverServices", attrPath{})
	if s == nil {
		return
	}
	m.ensureServices(s, func(err error) {
		if !req.pending() {
			return
		}
		if err != nil {
			m.fail(s, req, err)
			return
		}
		m.resolve(s, req, ServicesDiscoverEvent{ID: id, ServiceUUIDs: s.cache.serviceUUIDs(filter)})
	})
}

func (m *Manager) discoverIncludedServices(id, svcUUID string, filter []string) {
	s, req := m.begin(id, "discoverIncludedServices", attrPath{service: svcUUID})
	if s == nil {
		return
	}
	m.resolveService(s, req, svcUUID, func(svc *serviceEntry) {
		m.ensureIncludedServices(s, svc, func(err error) {
			if !req.pending() {
				return
			}
			if err != nil {
				m.fail(s, req, err)
				return
			}
			m.resolve(s, req, IncludedServicesDiscoverEvent{
				ID:                   id,
				ServiceUUID:          svcUUID,
				IncludedServiceUUIDs: svc.includedUUIDs(filter),
			})
		})
	})
}

func (m *Manager) discoverCharacteristics(id, svcUUID string, filter []string) {
	s, req := m.begin(id, "discoverCharacteristics", attrPath{service: svcUUID})
	if s == nil {
		return
	}
	m.resolveService(s, req, svcUUID, func(svc *serviceEntry) {
		m.ensureCharacteristics(s, svc, func(err error) {
			if !req.pending() {
				return
			}
			if err != nil {
				m.fail(s, req, err)
				return
			}
			m.resolve(s, req, CharacteristicsDiscoverEvent{
				ID:              id,
				ServiceUUID:     svcUUID,
				Characteristics: svc.characteristicInfos(filter),
			})
		})
	})
}

func (m *Manager) discoverDescriptors(id, svcUUID, chrUUID string) {
	s, req := m.begin(id, "discoverDescriptors", attrPath{service: svcUUID, characteristic: chrUUID})
	if s == nil {
		return
	}
	m.resolveCharacteristic(s, req, svcUUID, chrUUID, func(svc *serviceEntry, chr *characteristicEntry) {
		m.ensureDescriptors(s, svc, chr, func(err error) {
			if !req.pending() {
				return
			}
			if err != nil {
				m.fail(s, req, err)
				return
			}
			m.resolve(s, req, DescriptorsDiscoverEvent{
				ID:                 id,
				ServiceUUID:        svcUUID,
				CharacteristicUUID: chrUUID,
				DescriptorUUIDs:    chr.descriptorUUIDs(),
			})
		})
	})
}

// discoverAll chains service discovery into characteristic discovery for
// every matching service. Events for the services are emitted in discovery
// order once all of them are known.
func (m *Manager) discoverAll(id string, svcFilter, chrFilter []string) {
	s, req := m.begin(id, "discoverAllServicesAndCharacteristics", attrPath{})
	if s == nil {
		return
	}
	m.ensureServices(s, func(err error) {
		if !req.pending() {
			return
		}
		if err != nil {
			m.fail(s, req, err)
			return
		}

		uuids := s.cache.serviceUUIDs(svcFilter)
		services := make([]*serviceEntry, 0, len(uuids))
		for _, u := range uuids {
			svc, _ := s.cache.service(u)
			services = append(services, svc)
		}

		finish := func() {
			if !req.pending() {
				return
			}
			m.resolve(s, req, ServicesDiscoverEvent{ID: id, ServiceUUIDs: uuids})
			for _, svc := range services {
				m.emit(CharacteristicsDiscoverEvent{
					ID:              id,
					ServiceUUID:     svc.uuid,
					Characteristics: svc.characteristicInfos(chrFilter),
				})
			}
		}

		remaining := len(services)
		if remaining == 0 {
			finish()
			return
		}
		for _, svc := range services {
			m.ensureCharacteristics(s, svc, func(err error) {
				if !req.pending() {
					return
				}
				if err != nil {
					m.fail(s, req, fmt.Errorf("characteristic discovery for service %s failed: %w", svc.uuid, err))
					return
				}
				remaining--
				if remaining == 0 {
					finish()
				}
			})
		}
	})
}

func (m *Manager) read(id, svcUUID, chrUUID string) {
	s, req := m.begin(id, "read", attrPath{service: svcUUID, characteristic: chrUUID})
	if s == nil {
		return
	}
	m.resolveCharacteristic(s, req, svcUUID, chrUUID, func(_ *serviceEntry, chr *characteristicEntry) {
		if chr.properties != 0 && !chr.properties.Has(device.PropRead) {
			m.fail(s, req, fmt.Errorf("%w: characteristic %s is not readable", device.ErrUnsupported, chrUUID))
			return
		}

		handle, chrHandle := s.handle, chr.handle
		var data []byte
		m.async("ble-read", func(ctx context.Context) (err error) {
			data, err = m.platform.Read(ctx, handle, chrHandle)
			return err
		}, func(err error) {
			if !m.accept(s, req) {
				return
			}
			if err != nil {
				m.fail(s, req, err)
				return
			}
			m.resolve(s, req, ReadEvent{ID: id, ServiceUUID: svcUUID, CharacteristicUUID: chrUUID, Data: data})
		})
	})
}

func (m *Manager) write(id, svcUUID, chrUUID string, data []byte, withoutResponse bool) {
	s, req := m.begin(id, "write", attrPath{service: svcUUID, characteristic: chrUUID})
	if s == nil {
		return
	}
	m.resolveCharacteristic(s, req, svcUUID, chrUUID, func(_ *serviceEntry, chr *characteristicEntry) {
		required, mode := device.PropWrite, "with response"
		if withoutResponse {
			required, mode = device.PropWriteWithoutResponse, "without response"
		}
		if chr.properties != 0 && !chr.properties.Has(required) {
			m.fail(s, req, fmt.Errorf("%w: characteristic %s is not writable %s", device.ErrUnsupported, chrUUID, mode))
			return
		}

		handle, chrHandle := s.handle, chr.handle
		m.async("ble-write", func(ctx context.Context) error {
			return m.platform.Write(ctx, handle, chrHandle, data, withoutResponse)
		}, func(err error) {
			if !m.accept(s, req) {
				return
			}
			if err != nil {
				m.fail(s, req, err)
				return
			}
			m.resolve(s, req, WriteEvent{ID: id, ServiceUUID: svcUUID, CharacteristicUUID: chrUUID})
		})
	})
}

func (m *Manager) readValue(id string, path attrPath) {
	s, req := m.begin(id, "readValue", path)
	if s == nil {
		return
	}
	m.resolveDescriptor(s, req, path.service, path.characteristic, path.descriptor, func(_ *characteristicEntry, dsc *descriptorEntry) {
		handle, dscHandle := s.handle, dsc.handle
		var data []byte
		m.async("ble-read-descriptor", func(ctx context.Context) (err error) {
			data, err = m.platform.ReadDescriptor(ctx, handle, dscHandle)
			return err
		}, func(err error) {
			if !m.accept(s, req) {
				return
			}
			if err != nil {
				m.fail(s, req, err)
				return
			}
			m.resolve(s, req, ValueReadEvent{
				ID:                 id,
				ServiceUUID:        path.service,
				CharacteristicUUID: path.characteristic,
				DescriptorUUID:     path.descriptor,
				Data:               data,
			})
		})
	})
}

func (m *Manager) writeValue(id string, path attrPath, data []byte) {
	s, req := m.begin(id, "writeValue", path)
	if s == nil {
		return
	}
	m.resolveDescriptor(s, req, path.service, path.characteristic, path.descriptor, func(_ *characteristicEntry, dsc *descriptorEntry) {
		handle, dscHandle := s.handle, dsc.handle
		m.async("ble-write-descriptor", func(ctx context.Context) error {
			return m.platform.WriteDescriptor(ctx, handle, dscHandle, data)
		}, func(err error) {
			if !m.accept(s, req) {
				return
			}
			if err != nil {
				m.fail(s, req, err)
				return
			}
			m.resolve(s, req, ValueWriteEvent{
				ID:                 id,
				ServiceUUID:        path.service,
				CharacteristicUUID: path.characteristic,
				DescriptorUUID:     path.descriptor,
			})
		})
	})
}

func (m *Manager) readHandle(id string, attr uint16) {
	s, req := m.begin(id, "readHandle", attrPath{handle: attr})
	if s == nil {
		return
	}
	handle := s.handle
	var data []byte
	m.async("ble-read-handle", func(ctx context.Context) (err error) {
		data, err = m.platform.ReadHandle(ctx, handle, attr)
		return err
	}, func(err error) {
		if !m.accept(s, req) {
			return
		}
		if err != nil {
			m.fail(s, req, err)
			return
		}
		m.resolve(s, req, HandleReadEvent{ID: id, Handle: attr, Data: data})
	})
}

func (m *Manager) writeHandle(id string, attr uint16, data []byte, withoutResponse bool) {
	s, req := m.begin(id, "writeHandle", attrPath{handle: attr})
	if s == nil {
		return
	}
	handle := s.handle
	m.async("ble-write-handle", func(ctx context.Context) error {
		return m.platform.WriteHandle(ctx, handle, attr, data, withoutResponse)
	}, func(err error) {
		if !m.accept(s, req) {
			return
		}
		if err != nil {
			m.fail(s, req, err)
			return
		}
		m.resolve(s, req, HandleWriteEvent{ID: id, Handle: attr})
	})
}

// serverConfigUUID is the Server Characteristic Configuration descriptor.
var serverConfigUUID = device.NormalizeUUID("2903")

func (m *Manager) broadcast(id, svcUUID, chrUUID string, on bool) {
	path := attrPath{service: svcUUID, characteristic: chrUUID}
	s, req := m.begin(id, "broadcast", path)
	if s == nil {
		return
	}
	m.resolveCharacteristic(s, req, svcUUID, chrUUID, func(svc *serviceEntry, chr *characteristicEntry) {
		if chr.properties != 0 && !chr.properties.Has(device.PropBroadcast) {
			m.fail(s, req, fmt.Errorf("%w: characteristic %s does not support broadcast", device.ErrUnsupported, chrUUID))
			return
		}
		m.ensureDescriptors(s, svc, chr, func(err error) {
			if !req.pending() {
				return
			}
			if err != nil {
				m.fail(s, req, fmt.Errorf("descriptor discovery failed: %w", err))
				return
			}
			dsc, ok := chr.descriptor(serverConfigUUID)
			if !ok {
				m.fail(s, req, &device.NotFoundError{Resource: "descriptor", UUIDs: []string{svcUUID, chrUUID, serverConfigUUID}})
				return
			}

			handle, dscHandle := s.handle, dsc.handle
			m.async("ble-broadcast", func(ctx context.Context) error {
				current, err := m.platform.ReadDescriptor(ctx, handle, dscHandle)
				if err != nil {
					return err
				}
				var value uint16
				if len(current) >= 2 {
					value = binary.LittleEndian.Uint16(current)
				}
				if on {
					value |= 0x0001
				} else {
					value &^= 0x0001
				}
				return m.platform.WriteDescriptor(ctx, handle, dscHandle, binary.LittleEndian.AppendUint16(nil, value))
			}, func(err error) {
				if !m.accept(s, req) {
					return
				}
				if err != nil {
					m.fail(s, req, err)
					return
				}
				m.resolve(s, req, BroadcastEvent{ID: id, ServiceUUID: svcUUID, CharacteristicUUID: chrUUID, State: on})
			})
		})
	})
}
