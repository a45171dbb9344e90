package session

import (
	"context"
	"errors"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
)

// Peripheral is an immutable snapshot of everything learned about a
// peripheral from its advertisements.
type Peripheral struct {
	ID            string
	Address       string
	AddressType   device.AddressType
	Connectable   bool
	RSSI          int
	Advertisement device.Advertisement
	LastSeen      time.Time
}

// registry tracks every peripheral seen since the Manager started and the
// per-scan dedupe set. Records are published to a lock-free map so readers
// outside the loop get consistent snapshots.
type registry struct {
	peripherals *hashmap.Map[string, Peripheral]

	scanning        bool
	scanEpoch       uint64
	scanCancel      context.CancelFunc
	filter          []string
	allowDuplicates bool
	seen            map[string]struct{}
}

func newRegistry(peripherals *hashmap.Map[string, Peripheral]) *registry {
	return &registry{
		peripherals: peripherals,
		seen:        make(map[string]struct{}),
	}
}

// observe merges report into the record for its peripheral and returns the
// new snapshot. Fields absent from the report keep their previous values.
func (r *registry) observe(report device.ScanReport, now time.Time) (Peripheral, bool) {
	id := device.PeripheralID(report.Address)
	prev, known := r.peripherals.Get(id)

	p := Peripheral{
		ID:            id,
		Address:       report.Address,
		AddressType:   report.AddressType,
		Connectable:   report.Connectable,
		RSSI:          report.RSSI,
		Advertisement: prev.Advertisement.Merge(report.Advertisement),
		LastSeen:      now,
	}
	if known && p.AddressType == device.AddressUnknown {
		p.AddressType = prev.AddressType
	}
	r.peripherals.Set(id, p)
	return p, known
}

// admit reports whether a discover event is due for id in the current scan
// session and marks it seen.
func (r *registry) admit(p Peripheral) bool {
	if !r.scanning {
		return false
	}
	if len(r.filter) > 0 && !matchesAny(p.Advertisement, r.filter) {
		return false
	}
	if _, seen := r.seen[p.ID]; seen && !r.allowDuplicates {
		return false
	}
	r.seen[p.ID] = struct{}{}
	return true
}

func (r *registry) setRSSI(id string, rssi int) {
	if p, ok := r.peripherals.Get(id); ok {
		p.RSSI = rssi
		r.peripherals.Set(id, p)
	}
}

func matchesAny(adv device.Advertisement, filter []string) bool {
	for _, u := range filter {
		if adv.HasService(u) {
			return true
		}
	}
	return false
}

func (m *Manager) onAdvertisement(report device.ScanReport) {
	if device.PeripheralID(report.Address) == "" {
		m.emit(WarningEvent{Message: "advertisement without address"})
		return
	}

	p, known := m.registry.observe(report, time.Now())
	if !known {
		m.logger.WithFields(logrus.Fields{
			"peripheral": p.ID,
			"address":    p.Address,
			"rssi":       p.RSSI,
		}).Debug("New peripheral")
	}

	if !m.registry.admit(p) {
		return
	}
	m.emit(DiscoverEvent{
		ID:            p.ID,
		Address:       p.Address,
		AddressType:   p.AddressType,
		Connectable:   p.Connectable,
		Advertisement: p.Advertisement,
		RSSI:          p.RSSI,
	})
}

// StartScanning starts (or restarts) a scan session. serviceUUIDs filters the
// discover events; an empty list means no filter. With allowDuplicates false
// each peripheral is reported at most once per scan session.
func (m *Manager) StartScanning(serviceUUIDs []string, allowDuplicates bool) error {
	filter := device.NormalizeUUIDs(serviceUUIDs)
	return m.submit(func() { m.startScanning(filter, allowDuplicates) })
}

// StopScanning stops the scan session. ScanStopEvent is emitted even when no
// scan was running.
func (m *Manager) StopScanning() error {
	return m.submit(func() {
		if !m.stopScan() {
			m.emit(ScanStopEvent{})
		}
	})
}

func (m *Manager) startScanning(filter []string, allowDuplicates bool) {
	if err := m.adapter.requirePoweredOn(); err != nil {
		m.logger.WithField("error", err).Warn("Cannot start scanning")
		m.emit(ErrorEvent{Op: "startScanning", Err: err})
		return
	}

	r := m.registry
	if r.scanning {
		m.logger.Debug("Restarting scan with new parameters")
		r.scanCancel()
	}

	r.scanEpoch++
	r.scanning = true
	r.filter = filter
	r.allowDuplicates = allowDuplicates
	r.seen = make(map[string]struct{})

	scanCtx, cancel := context.WithCancel(m.ctx)
	r.scanCancel = cancel
	epoch := r.scanEpoch

	m.logger.WithFields(logrus.Fields{
		"services":         filter,
		"allow_duplicates": allowDuplicates,
	}).Info("Scanning started")

	m.async("ble-scan", func(context.Context) error {
		return m.platform.Scan(scanCtx, filter, allowDuplicates)
	}, func(err error) {
		m.scanEnded(epoch, err)
	})

	m.emit(ScanStartEvent{ServiceUUIDs: filter, AllowDuplicates: allowDuplicates})
}

// scanEnded handles the platform scan returning on its own.
func (m *Manager) scanEnded(epoch uint64, err error) {
	r := m.registry
	if epoch != r.scanEpoch || !r.scanning {
		return
	}
	r.scanning = false
	r.scanCancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.WithField("error", err).Error("Scan failed")
		m.emit(ErrorEvent{Op: "scan", Err: err})
	}
	m.emit(ScanStopEvent{})
}

// stopScan ends the current scan session and reports whether one was running.
func (m *Manager) stopScan() bool {
	r := m.registry
	if !r.scanning {
		return false
	}
	r.scanEpoch++
	r.scanning = false
	r.scanCancel()
	m.logger.Info("Scanning stopped")
	m.emit(ScanStopEvent{})
	return true
}
