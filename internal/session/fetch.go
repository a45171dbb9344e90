package session

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
)

type scopeKind int

const (
	scopeServices scopeKind = iota
	scopeIncludedServices
	scopeCharacteristics
	scopeDescriptors
)

func (k scopeKind) String() string {
	switch k {
	case scopeServices:
		return "services"
	case scopeIncludedServices:
		return "included-services"
	case scopeCharacteristics:
		return "characteristics"
	default:
		return "descriptors"
	}
}

// scopeKey identifies a discovery scope within a session.
type scopeKey struct {
	kind           scopeKind
	service        string
	characteristic string
}

// pendingFetch is a platform discovery call in flight. Requests for the same
// scope attach as waiters instead of issuing another call.
type pendingFetch struct {
	key     scopeKey
	epoch   uint64
	waiters []func(err error)
}

// fetch runs call for key unless a call for the same scope is already in
// flight, in which case then joins it. On success store populates the cache
// before any waiter runs. Completions from an older epoch are dropped.
func (m *Manager) fetch(s *connectionSession, key scopeKey, then func(err error), call func(ctx context.Context) error, store func()) {
	if f, inFlight := s.cache.fetches[key]; inFlight {
		m.logger.WithFields(logrus.Fields{
			"peripheral": s.id,
			"scope":      key.kind,
			"service":    key.service,
		}).Debug("Joining in-flight discovery")
		f.waiters = append(f.waiters, then)
		return
	}

	f := &pendingFetch{key: key, epoch: s.epoch, waiters: []func(error){then}}
	cache := s.cache
	cache.fetches[key] = f

	m.async("ble-discover-"+key.kind.String(), call, func(err error) {
		if f.epoch != s.epoch {
			m.logger.WithFields(logrus.Fields{
				"peripheral": s.id,
				"scope":      key.kind,
			}).Debug("Discarding discovery from a previous connection")
			return
		}
		delete(cache.fetches, key)
		if err == nil {
			store()
		}
		for _, w := range f.waiters {
			w(err)
		}
	})
}

func (m *Manager) ensureServices(s *connectionSession, then func(err error)) {
	if s.cache.servicesLoaded {
		then(nil)
		return
	}

	handle := s.handle
	cache := s.cache
	var found []device.DiscoveredService
	m.fetch(s, scopeKey{kind: scopeServices}, then, func(ctx context.Context) (err error) {
		found, err = m.platform.DiscoverServices(ctx, handle)
		return err
	}, func() {
		cache.storeServices(found)
	})
}

func (m *Manager) ensureIncludedServices(s *connectionSession, svc *serviceEntry, then func(err error)) {
	if svc.includedLoaded {
		then(nil)
		return
	}

	handle := s.handle
	var found []device.DiscoveredService
	m.fetch(s, scopeKey{kind: scopeIncludedServices, service: svc.uuid}, then, func(ctx context.Context) (err error) {
		found, err = m.platform.DiscoverIncludedServices(ctx, handle, svc.handle)
		return err
	}, func() {
		svc.storeIncluded(found)
	})
}

func (m *Manager) ensureCharacteristics(s *connectionSession, svc *serviceEntry, then func(err error)) {
	if svc.characteristicsLoaded {
		then(nil)
		return
	}

	handle := s.handle
	var found []device.DiscoveredCharacteristic
	m.fetch(s, scopeKey{kind: scopeCharacteristics, service: svc.uuid}, then, func(ctx context.Context) (err error) {
		found, err = m.platform.DiscoverCharacteristics(ctx, handle, svc.handle)
		return err
	}, func() {
		svc.storeCharacteristics(found)
	})
}

func (m *Manager) ensureDescriptors(s *connectionSession, svc *serviceEntry, chr *characteristicEntry, then func(err error)) {
	if chr.descriptorsLoaded {
		then(nil)
		return
	}

	handle := s.handle
	var found []device.DiscoveredDescriptor
	key := scopeKey{kind: scopeDescriptors, service: svc.uuid, characteristic: chr.uuid}
	m.fetch(s, key, then, func(ctx context.Context) (err error) {
		found, err = m.platform.DiscoverDescriptors(ctx, handle, chr.handle)
		return err
	}, func() {
		chr.storeDescriptors(found)
	})
}

// resolveService walks the cache to svcUUID, discovering services on a miss.
// Failures settle req; then only runs while req is still pending.
func (m *Manager) resolveService(s *connectionSession, req *request, svcUUID string, then func(svc *serviceEntry)) {
	m.ensureServices(s, func(err error) {
		if !req.pending() {
			return
		}
		if err != nil {
			m.fail(s, req, fmt.Errorf("service discovery failed: %w", err))
			return
		}
		svc, ok := s.cache.service(svcUUID)
		if !ok {
			m.fail(s, req, &device.NotFoundError{Resource: "service", UUIDs: []string{svcUUID}})
			return
		}
		then(svc)
	})
}

// resolveCharacteristic extends resolveService down to a characteristic.
func (m *Manager) resolveCharacteristic(s *connectionSession, req *request, svcUUID, chrUUID string, then func(svc *serviceEntry, chr *characteristicEntry)) {
	m.resolveService(s, req, svcUUID, func(svc *serviceEntry) {
		m.ensureCharacteristics(s, svc, func(err error) {
			if !req.pending() {
				return
			}
			if err != nil {
				m.fail(s, req, fmt.Errorf("characteristic discovery failed: %w", err))
				return
			}
			chr, ok := svc.characteristic(chrUUID)
			if !ok {
				m.fail(s, req, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svcUUID, chrUUID}})
				return
			}
			then(svc, chr)
		})
	})
}

// resolveDescriptor extends resolveCharacteristic down to a descriptor.
func (m *Manager) resolveDescriptor(s *connectionSession, req *request, svcUUID, chrUUID, dscUUID string, then func(chr *characteristicEntry, dsc *descriptorEntry)) {
	m.resolveCharacteristic(s, req, svcUUID, chrUUID, func(svc *serviceEntry, chr *characteristicEntry) {
		m.ensureDescriptors(s, svc, chr, func(err error) {
			if !req.pending() {
				return
			}
			if err != nil {
				m.fail(s, req, fmt.Errorf("descriptor discovery failed: %w", err))
				return
			}
			dsc, ok := chr.descriptor(dscUUID)
			if !ok {
				m.fail(s, req, &device.NotFoundError{Resource: "descriptor", UUIDs: []string{svcUUID, chrUUID, dscUUID}})
				return
			}
			then(chr, dsc)
		})
	})
}
