// Package goble implements device.PlatformAdapter on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
)

// Options configures the go-ble device.
type Options struct {
	// DeviceID is the HCI adapter index. Only the linux stack uses it.
	DeviceID int
}

// Platform is the go-ble back end.
type Platform struct {
	opts   Options
	logger *logrus.Logger

	mu     sync.Mutex
	dev    ble.Device
	events device.PlatformEvents
	links  map[*link]struct{}
	closed bool

	// go-ble devices run one scan at a time.
	scanMu sync.Mutex
}

// link is the connection handle handed to the session layer.
type link struct {
	address string
	client  ble.Client
}

var _ device.PlatformAdapter = (*Platform)(nil)

// New creates a go-ble platform. The radio is opened by Start.
func New(opts Options, logger *logrus.Logger) *Platform {
	if logger == nil {
		logger = logrus.New()
	}
	return &Platform{
		opts:   opts,
		logger: logger,
		links:  make(map[*link]struct{}),
	}
}

// Start opens the go-ble device. A radio that is switched off is reported as
// StatePoweredOff rather than failing Start, so the session can report the
// adapter state to callers.
func (p *Platform) Start(_ context.Context, events device.PlatformEvents) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("go-ble platform is closed")
	}
	p.events = events
	p.mu.Unlock()

	dev, err := DeviceFactory(p.opts)
	if err != nil {
		err = NormalizeError(err)
		if errors.Is(err, device.ErrBluetoothOff) {
			p.logger.WithField("error", err).Warn("Bluetooth is off")
			events.RadioStateChanged(device.StatePoweredOff)
			return nil
		}
		if errors.Is(err, device.ErrUnsupported) {
			events.RadioStateChanged(device.StateUnsupported)
		}
		return fmt.Errorf("failed to create BLE device: %w", err)
	}

	p.mu.Lock()
	p.dev = dev
	p.mu.Unlock()
	ble.SetDefaultDevice(dev)

	p.logger.Info("go-ble device ready")
	events.RadioStateChanged(device.StatePoweredOn)
	return nil
}

// Close cancels every open connection and stops the device.
func (p *Platform) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	dev := p.dev
	links := make([]*link, 0, len(p.links))
	for l := range p.links {
		links = append(links, l)
	}
	p.links = make(map[*link]struct{})
	p.mu.Unlock()

	// Network calls happen outside the lock.
	for _, l := range links {
		if err := l.client.CancelConnection(); err != nil {
			p.logger.WithFields(logrus.Fields{
				"address": l.address,
				"error":   err,
			}).Debug("Failed to cancel connection during close")
		}
	}
	if dev == nil {
		return nil
	}
	return NormalizeError(dev.Stop())
}

func (p *Platform) currentDevice() (ble.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("go-ble platform is closed")
	}
	if p.dev == nil {
		return nil, device.ErrBluetoothOff
	}
	return p.dev, nil
}

// Scan runs a go-ble scan until ctx ends. The service filter is applied by
// the session, go-ble delivers every advertisement.
func (p *Platform) Scan(ctx context.Context, serviceUUIDs []string, allowDuplicates bool) error {
	dev, err := p.currentDevice()
	if err != nil {
		return err
	}

	p.scanMu.Lock()
	defer p.scanMu.Unlock()

	p.mu.Lock()
	events := p.events
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"services":        serviceUUIDs,
		"allowDuplicates": allowDuplicates,
	}).Debug("go-ble scan started")

	err = dev.Scan(ctx, allowDuplicates, func(adv ble.Advertisement) {
		events.AdvertisementReceived(toScanReport(adv))
	})
	if ctx.Err() != nil {
		return nil
	}
	return NormalizeError(err)
}

func (p *Platform) Connect(ctx context.Context, address string) (device.ConnectionHandle, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("device address is empty")
	}
	dev, err := p.currentDevice()
	if err != nil {
		return nil, err
	}

	p.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	l := &link{address: address, client: client}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = client.CancelConnection()
		return nil, errors.New("go-ble platform is closed")
	}
	p.links[l] = struct{}{}
	p.mu.Unlock()
	return l, nil
}

func (p *Platform) WatchDisconnect(h device.ConnectionHandle, fn func(err error)) func() {
	l, err := asLink(h)
	if err != nil {
		return func() {}
	}

	watcher, ok := l.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		p.logger.WithField("address", l.address).Warn("go-ble client cannot report disconnects")
		return func() {}
	}

	stop := make(chan struct{})
	var once sync.Once
	groutine.Go(context.Background(), "goble-disconnect-"+l.address, func(context.Context) {
		select {
		case <-watcher.Disconnected():
			p.forget(l)
			p.logger.WithField("address", l.address).Info("Peripheral disconnected")
			fn(nil)
		case <-stop:
		}
	})
	return func() { once.Do(func() { close(stop) }) }
}

func (p *Platform) Disconnect(ctx context.Context, h device.ConnectionHandle) error {
	l, err := asLink(h)
	if err != nil {
		return err
	}
	p.forget(l)
	return call(ctx, func() error {
		if err := l.client.ClearSubscriptions(); err != nil {
			p.logger.WithFields(logrus.Fields{
				"address": l.address,
				"error":   err,
			}).Debug("Failed to clear subscriptions before disconnect")
		}
		return l.client.CancelConnection()
	})
}

func (p *Platform) forget(l *link) {
	p.mu.Lock()
	delete(p.links, l)
	p.mu.Unlock()
}

// ReadRSSI reports ErrUnsupported when the stack has no live value, which
// go-ble signals with 0.
func (p *Platform) ReadRSSI(ctx context.Context, h device.ConnectionHandle) (int, error) {
	l, err := asLink(h)
	if err != nil {
		return 0, err
	}
	var rssi int
	if err := call(ctx, func() error {
		rssi = l.client.ReadRSSI()
		return nil
	}); err != nil {
		return 0, err
	}
	if rssi == 0 {
		return 0, fmt.Errorf("%w: live RSSI", device.ErrUnsupported)
	}
	return rssi, nil
}

func (p *Platform) DiscoverServices(ctx context.Context, h device.ConnectionHandle) ([]device.DiscoveredService, error) {
	l, err := asLink(h)
	if err != nil {
		return nil, err
	}
	var services []*ble.Service
	if err := call(ctx, func() (err error) {
		services, err = l.client.DiscoverServices(nil)
		return err
	}); err != nil {
		return nil, err
	}
	return toServices(services), nil
}

func (p *Platform) DiscoverIncludedServices(ctx context.Context, h device.ConnectionHandle, s device.ServiceHandle) ([]device.DiscoveredService, error) {
	l, err := asLink(h)
	if err != nil {
		return nil, err
	}
	svc, ok := s.(*ble.Service)
	if !ok {
		return nil, fmt.Errorf("unexpected service handle %T", s)
	}
	var services []*ble.Service
	if err := call(ctx, func() (err error) {
		services, err = l.client.DiscoverIncludedServices(nil, svc)
		return err
	}); err != nil {
		return nil, err
	}
	return toServices(services), nil
}

func (p *Platform) DiscoverCharacteristics(ctx context.Context, h device.ConnectionHandle, s device.ServiceHandle) ([]device.DiscoveredCharacteristic, error) {
	l, err := asLink(h)
	if err != nil {
		return nil, err
	}
	svc, ok := s.(*ble.Service)
	if !ok {
		return nil, fmt.Errorf("unexpected service handle %T", s)
	}
	var chars []*ble.Characteristic
	if err := call(ctx, func() (err error) {
		chars, err = l.client.DiscoverCharacteristics(nil, svc)
		return err
	}); err != nil {
		return nil, err
	}
	out := make([]device.DiscoveredCharacteristic, 0, len(chars))
	for _, c := range chars {
		out = append(out, device.DiscoveredCharacteristic{
			UUID:       device.NormalizeUUID(c.UUID.String()),
			Properties: toProperty(c.Property),
			Handle:     c,
		})
	}
	return out, nil
}

func (p *Platform) DiscoverDescriptors(ctx context.Context, h device.ConnectionHandle, c device.CharacteristicHandle) ([]device.DiscoveredDescriptor, error) {
	l, char, err := asCharacteristic(h, c)
	if err != nil {
		return nil, err
	}
	var descs []*ble.Descriptor
	if err := call(ctx, func() (err error) {
		descs, err = l.client.DiscoverDescriptors(nil, char)
		return err
	}); err != nil {
		return nil, err
	}
	out := make([]device.DiscoveredDescriptor, 0, len(descs))
	for _, d := range descs {
		out = append(out, device.DiscoveredDescriptor{
			UUID:   device.NormalizeUUID(d.UUID.String()),
			Handle: d,
		})
	}
	return out, nil
}

func (p *Platform) Read(ctx context.Context, h device.ConnectionHandle, c device.CharacteristicHandle) ([]byte, error) {
	l, char, err := asCharacteristic(h, c)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = call(ctx, func() (err error) {
		data, err = l.client.ReadCharacteristic(char)
		return err
	})
	return data, err
}

func (p *Platform) Write(ctx context.Context, h device.ConnectionHandle, c device.CharacteristicHandle, data []byte, withoutResponse bool) error {
	l, char, err := asCharacteristic(h, c)
	if err != nil {
		return err
	}
	return call(ctx, func() error {
		return l.client.WriteCharacteristic(char, data, withoutResponse)
	})
}

// SetNotificationState subscribes through go-ble, which writes the CCCD
// itself. The linux stack needs the CCCD discovered first.
func (p *Platform) SetNotificationState(ctx context.Context, h device.ConnectionHandle, c device.CharacteristicHandle, cfg device.NotifyConfig, onValue func([]byte)) error {
	l, char, err := asCharacteristic(h, c)
	if err != nil {
		return err
	}

	return call(ctx, func() error {
		if char.CCCD == nil && len(char.Descriptors) == 0 {
			if _, err := l.client.DiscoverDescriptors(nil, char); err != nil {
				return err
			}
		}

		switch cfg {
		case device.NotifyNone:
			errNotify := l.client.Unsubscribe(char, false)
			errIndicate := l.client.Unsubscribe(char, true)
			if errNotify != nil && errIndicate != nil {
				return errNotify
			}
			return nil
		default:
			return l.client.Subscribe(char, cfg == device.NotifyIndicate, func(data []byte) {
				onValue(append([]byte(nil), data...))
			})
		}
	})
}

func (p *Platform) ReadDescriptor(ctx context.Context, h device.ConnectionHandle, d device.DescriptorHandle) ([]byte, error) {
	l, desc, err := asDescriptor(h, d)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = call(ctx, func() (err error) {
		data, err = l.client.ReadDescriptor(desc)
		return err
	})
	return data, err
}

func (p *Platform) WriteDescriptor(ctx context.Context, h device.ConnectionHandle, d device.DescriptorHandle, data []byte) error {
	l, desc, err := asDescriptor(h, d)
	if err != nil {
		return err
	}
	return call(ctx, func() error {
		return l.client.WriteDescriptor(desc, data)
	})
}

func (p *Platform) ReadHandle(ctx context.Context, h device.ConnectionHandle, handle uint16) ([]byte, error) {
	l, err := asLink(h)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = call(ctx, func() error {
		attr, err := l.lookupHandle(handle)
		if err != nil {
			return err
		}
		if attr.char != nil {
			data, err = l.client.ReadCharacteristic(attr.char)
		} else {
			data, err = l.client.ReadDescriptor(attr.desc)
		}
		return err
	})
	return data, err
}

func (p *Platform) WriteHandle(ctx context.Context, h device.ConnectionHandle, handle uint16, data []byte, withoutResponse bool) error {
	l, err := asLink(h)
	if err != nil {
		return err
	}
	return call(ctx, func() error {
		attr, err := l.lookupHandle(handle)
		if err != nil {
			return err
		}
		if attr.char != nil {
			return l.client.WriteCharacteristic(attr.char, data, withoutResponse)
		}
		return l.client.WriteDescriptor(attr.desc, data)
	})
}

// call runs a blocking go-ble operation and gives up when ctx ends. go-ble
// calls take no context, so an abandoned call finishes in the background.
func call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	groutine.Go(ctx, "goble-call", func(context.Context) {
		done <- groutine.Protect(fn)
	})
	select {
	case err := <-done:
		return NormalizeError(err)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", device.ErrTimeout, ctx.Err())
	}
}

func asLink(h device.ConnectionHandle) (*link, error) {
	l, ok := h.(*link)
	if !ok || l == nil {
		return nil, fmt.Errorf("%w: unexpected connection handle %T", device.ErrNotConnected, h)
	}
	return l, nil
}

func asCharacteristic(h device.ConnectionHandle, c device.CharacteristicHandle) (*link, *ble.Characteristic, error) {
	l, err := asLink(h)
	if err != nil {
		return nil, nil, err
	}
	char, ok := c.(*ble.Characteristic)
	if !ok || char == nil {
		return nil, nil, fmt.Errorf("unexpected characteristic handle %T", c)
	}
	return l, char, nil
}

func asDescriptor(h device.ConnectionHandle, d device.DescriptorHandle) (*link, *ble.Descriptor, error) {
	l, err := asLink(h)
	if err != nil {
		return nil, nil, err
	}
	desc, ok := d.(*ble.Descriptor)
	if !ok || desc == nil {
		return nil, nil, fmt.Errorf("unexpected descriptor handle %T", d)
	}
	return l, desc, nil
}

func toServices(services []*ble.Service) []device.DiscoveredService {
	out := make([]device.DiscoveredService, 0, len(services))
	for _, s := range services {
		out = append(out, device.DiscoveredService{
			UUID:   device.NormalizeUUID(s.UUID.String()),
			Handle: s,
		})
	}
	return out
}
