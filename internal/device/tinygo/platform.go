// Package tinygo implements device.PlatformAdapter on top of
// tinygo.org/x/bluetooth.
//
// The tinygo stack addresses attributes by UUID only: descriptors, included
// services, live RSSI and raw handles report device.ErrUnsupported, and
// characteristic properties are left unknown (0).
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// maxAttributeLength is the largest value an ATT attribute may hold.
const maxAttributeLength = 512

// Options configures the tinygo back end.
type Options struct {
	// AddressBookSize bounds the number of remembered scan addresses.
	AddressBookSize int
}

// Platform is the tinygo back end.
type Platform struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger
	book    *addressBook

	mu       sync.Mutex
	events   device.PlatformEvents
	watchers map[string]func(error)
	conns    map[*conn]struct{}
	closed   bool

	scanMu sync.Mutex
}

type conn struct {
	address string
	device  bluetooth.Device
}

var _ device.PlatformAdapter = (*Platform)(nil)

// New creates a tinygo platform on bluetooth.DefaultAdapter.
func New(opts Options, logger *logrus.Logger) (*Platform, error) {
	if logger == nil {
		logger = logrus.New()
	}
	size := opts.AddressBookSize
	if size <= 0 {
		size = 256
	}
	book, err := newAddressBook(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create address book: %w", err)
	}
	return &Platform{
		adapter:  bluetooth.DefaultAdapter,
		logger:   logger,
		book:     book,
		watchers: make(map[string]func(error)),
		conns:    make(map[*conn]struct{}),
	}, nil
}

func (p *Platform) Start(_ context.Context, events device.PlatformEvents) error {
	p.mu.Lock()
	p.events = events
	p.mu.Unlock()

	if err := p.adapter.Enable(); err != nil {
		err = NormalizeError(err)
		switch {
		case errors.Is(err, device.ErrBluetoothOff):
			p.logger.WithField("error", err).Warn("Bluetooth is off")
			events.RadioStateChanged(device.StatePoweredOff)
			return nil
		case errors.Is(err, device.ErrUnsupported):
			events.RadioStateChanged(device.StateUnsupported)
		}
		return fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}

	// tinygo has one adapter-wide connect handler; disconnects are routed
	// to the watcher registered for the address.
	p.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if connected {
			return
		}
		address := d.Address.String()
		p.mu.Lock()
		fn := p.watchers[device.PeripheralID(address)]
		delete(p.watchers, device.PeripheralID(address))
		p.mu.Unlock()
		if fn != nil {
			p.logger.WithField("address", address).Info("Peripheral disconnected")
			fn(nil)
		}
	})

	p.logger.Info("tinygo bluetooth adapter ready")
	events.RadioStateChanged(device.StatePoweredOn)
	return nil
}

func (p *Platform) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[*conn]struct{})
	p.watchers = make(map[string]func(error))
	p.mu.Unlock()

	for _, c := range conns {
		if err := c.device.Disconnect(); err != nil {
			p.logger.WithFields(logrus.Fields{
				"address": c.address,
				"error":   err,
			}).Debug("Failed to disconnect during close")
		}
	}
	return nil
}

// Scan blocks in adapter.Scan until ctx ends. serviceUUIDs are used to match
// advertisements for service membership.
func (p *Platform) Scan(ctx context.Context, serviceUUIDs []string, allowDuplicates bool) error {
	p.scanMu.Lock()
	defer p.scanMu.Unlock()

	p.mu.Lock()
	events := p.events
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("tinygo platform is closed")
	}

	wanted := make([]bluetooth.UUID, 0, len(serviceUUIDs))
	for _, s := range serviceUUIDs {
		u, err := bluetooth.ParseUUID(bledb.DashedUUID(s))
		if err != nil {
			return fmt.Errorf("invalid service UUID %q: %w", s, err)
		}
		wanted = append(wanted, u)
	}

	done := make(chan struct{})
	defer close(done)
	groutine.Go(ctx, "tinygo-scan-stop", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			if err := p.adapter.StopScan(); err != nil {
				p.logger.WithField("error", err).Debug("Failed to stop scan")
			}
		case <-done:
		}
	})

	p.logger.WithFields(logrus.Fields{
		"services":        serviceUUIDs,
		"allowDuplicates": allowDuplicates,
	}).Debug("tinygo scan started")

	// tinygo reports every advertisement; duplicate suppression is left to
	// the session registry.
	err := p.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		p.book.remember(result.Address)
		events.AdvertisementReceived(toScanReport(result.Address.String(), result.RSSI, result, wanted))
	})
	if ctx.Err() != nil {
		return nil
	}
	return NormalizeError(err)
}

func (p *Platform) Connect(ctx context.Context, address string) (device.ConnectionHandle, error) {
	addr := p.book.resolve(address)

	type result struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan result, 1)
	groutine.Go(ctx, "tinygo-connect", func(context.Context) {
		d, err := p.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{d, err}
	})

	select {
	case <-ctx.Done():
		// tinygo's Connect cannot be cancelled; a late success is released.
		groutine.Go(context.Background(), "tinygo-connect-release", func(context.Context) {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		})
		return nil, fmt.Errorf("%w: connect to %s: %v", device.ErrTimeout, address, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(r.err))
		}
		c := &conn{address: address, device: r.device}
		p.mu.Lock()
		p.conns[c] = struct{}{}
		p.mu.Unlock()
		return c, nil
	}
}

func (p *Platform) WatchDisconnect(h device.ConnectionHandle, fn func(err error)) func() {
	c, err := asConn(h)
	if err != nil {
		return func() {}
	}
	id := device.PeripheralID(c.address)

	var once sync.Once
	p.mu.Lock()
	p.watchers[id] = func(err error) {
		p.forget(c)
		once.Do(func() { fn(err) })
	}
	p.mu.Unlock()

	return func() {
		once.Do(func() {})
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}
}

func (p *Platform) Disconnect(ctx context.Context, h device.ConnectionHandle) error {
	c, err := asConn(h)
	if err != nil {
		return err
	}
	p.forget(c)
	return call(ctx, c.device.Disconnect)
}

func (p *Platform) forget(c *conn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
}

func (p *Platform) ReadRSSI(context.Context, device.ConnectionHandle) (int, error) {
	return 0, fmt.Errorf("%w: live RSSI", device.ErrUnsupported)
}

func (p *Platform) DiscoverServices(ctx context.Context, h device.ConnectionHandle) ([]device.DiscoveredService, error) {
	c, err := asConn(h)
	if err != nil {
		return nil, err
	}
	var services []bluetooth.DeviceService
	if err := call(ctx, func() (err error) {
		services, err = c.device.DiscoverServices(nil)
		return err
	}); err != nil {
		return nil, err
	}
	out := make([]device.DiscoveredService, 0, len(services))
	for i := range services {
		s := services[i]
		out = append(out, device.DiscoveredService{
			UUID:   device.NormalizeUUID(s.UUID().String()),
			Handle: &s,
		})
	}
	return out, nil
}

func (p *Platform) DiscoverIncludedServices(context.Context, device.ConnectionHandle, device.ServiceHandle) ([]device.DiscoveredService, error) {
	return nil, fmt.Errorf("%w: included services", device.ErrUnsupported)
}

func (p *Platform) DiscoverCharacteristics(ctx context.Context, h device.ConnectionHandle, s device.ServiceHandle) ([]device.DiscoveredCharacteristic, error) {
	if _, err := asConn(h); err != nil {
		return nil, err
	}
	svc, ok := s.(*bluetooth.DeviceService)
	if !ok || svc == nil {
		return nil, fmt.Errorf("unexpected service handle %T", s)
	}
	var chars []bluetooth.DeviceCharacteristic
	if err := call(ctx, func() (err error) {
		chars, err = svc.DiscoverCharacteristics(nil)
		return err
	}); err != nil {
		return nil, err
	}
	out := make([]device.DiscoveredCharacteristic, 0, len(chars))
	for i := range chars {
		ch := chars[i]
		out = append(out, device.DiscoveredCharacteristic{
			UUID:   device.NormalizeUUID(ch.UUID().String()),
			Handle: &ch,
		})
	}
	return out, nil
}

func (p *Platform) DiscoverDescriptors(context.Context, device.ConnectionHandle, device.CharacteristicHandle) ([]device.DiscoveredDescriptor, error) {
	return nil, fmt.Errorf("%w: descriptors", device.ErrUnsupported)
}

func (p *Platform) Read(ctx context.Context, h device.ConnectionHandle, c device.CharacteristicHandle) ([]byte, error) {
	char, err := asCharacteristic(h, c)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, maxAttributeLength)
	var n int
	if err := call(ctx, func() (err error) {
		n, err = char.Read(buf)
		return err
	}); err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *Platform) Write(ctx context.Context, h device.ConnectionHandle, c device.CharacteristicHandle, data []byte, withoutResponse bool) error {
	char, err := asCharacteristic(h, c)
	if err != nil {
		return err
	}
	return call(ctx, func() (err error) {
		if withoutResponse {
			_, err = char.WriteWithoutResponse(data)
		} else {
			_, err = char.Write(data)
		}
		return err
	})
}

// SetNotificationState enables notifications. tinygo picks notify or
// indicate itself, so both configs behave the same.
func (p *Platform) SetNotificationState(ctx context.Context, h device.ConnectionHandle, c device.CharacteristicHandle, cfg device.NotifyConfig, onValue func([]byte)) error {
	char, err := asCharacteristic(h, c)
	if err != nil {
		return err
	}
	return call(ctx, func() error {
		if cfg == device.NotifyNone {
			return char.EnableNotifications(nil)
		}
		return char.EnableNotifications(func(buf []byte) {
			onValue(append([]byte(nil), buf...))
		})
	})
}

func (p *Platform) ReadDescriptor(context.Context, device.ConnectionHandle, device.DescriptorHandle) ([]byte, error) {
	return nil, fmt.Errorf("%w: descriptor access", device.ErrUnsupported)
}

func (p *Platform) WriteDescriptor(context.Context, device.ConnectionHandle, device.DescriptorHandle, []byte) error {
	return fmt.Errorf("%w: descriptor access", device.ErrUnsupported)
}

func (p *Platform) ReadHandle(context.Context, device.ConnectionHandle, uint16) ([]byte, error) {
	return nil, fmt.Errorf("%w: attribute handle access", device.ErrUnsupported)
}

func (p *Platform) WriteHandle(context.Context, device.ConnectionHandle, uint16, []byte, bool) error {
	return fmt.Errorf("%w: attribute handle access", device.ErrUnsupported)
}

// call runs a blocking tinygo operation and gives up when ctx ends.
func call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	groutine.Go(ctx, "tinygo-call", func(context.Context) {
		done <- groutine.Protect(fn)
	})
	select {
	case err := <-done:
		return NormalizeError(err)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", device.ErrTimeout, ctx.Err())
	}
}

func asConn(h device.ConnectionHandle) (*conn, error) {
	c, ok := h.(*conn)
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: unexpected connection handle %T", device.ErrNotConnected, h)
	}
	return c, nil
}

func asCharacteristic(h device.ConnectionHandle, c device.CharacteristicHandle) (*bluetooth.DeviceCharacteristic, error) {
	if _, err := asConn(h); err != nil {
		return nil, err
	}
	char, ok := c.(*bluetooth.DeviceCharacteristic)
	if !ok || char == nil {
		return nil, fmt.Errorf("unexpected characteristic handle %T", c)
	}
	return char, nil
}
