package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/blecentral/internal/device"
)

// Operation names accepted by Calls, Hold and Fail. They match the
// device.PlatformAdapter method names.
const (
	OpScan                     = "Scan"
	OpConnect                  = "Connect"
	OpDisconnect               = "Disconnect"
	OpReadRSSI                 = "ReadRSSI"
	OpDiscoverServices         = "DiscoverServices"
	OpDiscoverIncludedServices = "DiscoverIncludedServices"
	OpDiscoverCharacteristics  = "DiscoverCharacteristics"
	OpDiscoverDescriptors      = "DiscoverDescriptors"
	OpRead                     = "Read"
	OpWrite                    = "Write"
	OpSetNotificationState     = "SetNotificationState"
	OpReadDescriptor           = "ReadDescriptor"
	OpWriteDescriptor          = "WriteDescriptor"
	OpReadHandle               = "ReadHandle"
	OpWriteHandle              = "WriteHandle"
)

// Gate holds calls of one operation until released. Calls also return when
// their context ends.
type Gate struct {
	entered   chan struct{}
	release   chan struct{}
	enterOnce sync.Once
	relOnce   sync.Once
}

func newGate() *Gate {
	return &Gate{entered: make(chan struct{}), release: make(chan struct{})}
}

// Entered is closed once the first call reaches the gate.
func (g *Gate) Entered() <-chan struct{} {
	return g.entered
}

// Release lets every held and future call through.
func (g *Gate) Release() {
	g.relOnce.Do(func() { close(g.release) })
}

func (g *Gate) wait(ctx context.Context) error {
	g.enterOnce.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScanCall records the arguments of one Scan call.
type ScanCall struct {
	ServiceUUIDs    []string
	AllowDuplicates bool
}

// WriteCall records one characteristic, descriptor or handle write.
type WriteCall struct {
	Target          string
	Data            []byte
	WithoutResponse bool
}

// NotifyCall records one SetNotificationState call.
type NotifyCall struct {
	CharacteristicUUID string
	Config             device.NotifyConfig
}

type fakeConn struct {
	peripheral *FakePeripheral
	closed     bool
	watchers   map[int]func(error)
	nextWatch  int
	listeners  map[*FakeCharacteristic]func([]byte)
}

// FakePlatform is an in-memory device.PlatformAdapter serving a set of
// FakePeripherals. Every call is counted; calls can be held with Hold or made
// to fail with Fail.
type FakePlatform struct {
	mu sync.Mutex

	initialState device.AdapterState
	events       device.PlatformEvents
	started      bool
	closed       bool

	peripherals map[string]*FakePeripheral
	conns       map[string]*fakeConn

	calls    map[string]int
	gates    map[string]*Gate
	failures map[string]error

	scans   []ScanCall
	writes  []WriteCall
	notifys []NotifyCall
}

// NewFakePlatform creates a platform that reports poweredOn on Start.
func NewFakePlatform(peripherals ...*FakePeripheral) *FakePlatform {
	p := &FakePlatform{
		initialState: device.StatePoweredOn,
		peripherals:  make(map[string]*FakePeripheral),
		conns:        make(map[string]*fakeConn),
		calls:        make(map[string]int),
		gates:        make(map[string]*Gate),
		failures:     make(map[string]error),
	}
	for _, per := range peripherals {
		p.AddPeripheral(per)
	}
	return p
}

// WithInitialState sets the radio state reported on Start.
func (p *FakePlatform) WithInitialState(s device.AdapterState) *FakePlatform {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialState = s
	return p
}

// AddPeripheral makes per connectable and scannable.
func (p *FakePlatform) AddPeripheral(per *FakePeripheral) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peripherals[device.PeripheralID(per.Address)] = per
}

// Hold installs a gate for op and returns it. Release it before teardown or
// let the calls end with their context.
func (p *FakePlatform) Hold(op string) *Gate {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := newGate()
	p.gates[op] = g
	return g
}

// Fail makes every later call of op return err. A nil err clears it.
func (p *FakePlatform) Fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, op)
		return
	}
	p.failures[op] = err
}

// Calls returns how many times op was invoked.
func (p *FakePlatform) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *FakePlatform) Scans() []ScanCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ScanCall(nil), p.scans...)
}

func (p *FakePlatform) Writes() []WriteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]WriteCall(nil), p.writes...)
}

func (p *FakePlatform) NotifyCalls() []NotifyCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]NotifyCall(nil), p.notifys...)
}

// Closed reports whether Close was called.
func (p *FakePlatform) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Connected reports whether the platform holds a live link to address.
func (p *FakePlatform) Connected(address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.conns[device.PeripheralID(address)]
	return c != nil && !c.closed
}

// SetRadioState reports a radio state change to the Manager.
func (p *FakePlatform) SetRadioState(s device.AdapterState) {
	p.mu.Lock()
	events := p.events
	p.mu.Unlock()
	if events != nil {
		events.RadioStateChanged(s)
	}
}

// InjectAdvertisement delivers report as if it had been received over the air.
func (p *FakePlatform) InjectAdvertisement(report device.ScanReport) {
	p.mu.Lock()
	events := p.events
	p.mu.Unlock()
	if events != nil {
		events.AdvertisementReceived(report)
	}
}

// TriggerDisconnect drops the link to address as a peer-initiated disconnect
// and reports whether a live link existed.
func (p *FakePlatform) TriggerDisconnect(address string, reason error) bool {
	p.mu.Lock()
	c := p.conns[device.PeripheralID(address)]
	if c == nil || c.closed {
		p.mu.Unlock()
		return false
	}
	watchers := p.dropLocked(c)
	p.mu.Unlock()

	for _, fn := range watchers {
		fn(reason)
	}
	return true
}

// PushNotification sends a value for the characteristic as the peripheral
// would and reports whether a listener received it.
func (p *FakePlatform) PushNotification(address, characteristicUUID string, data []byte) bool {
	uuid := device.NormalizeUUID(characteristicUUID)

	p.mu.Lock()
	c := p.conns[device.PeripheralID(address)]
	var listener func([]byte)
	if c != nil && !c.closed {
		for chr, fn := range c.listeners {
			if device.NormalizeUUID(chr.UUID) == uuid {
				listener = fn
				break
			}
		}
	}
	p.mu.Unlock()

	if listener == nil {
		return false
	}
	listener(data)
	return true
}

// Listening reports whether a notification listener is registered for the
// characteristic on the live link to address.
func (p *FakePlatform) Listening(address, characteristicUUID string) bool {
	uuid := device.NormalizeUUID(characteristicUUID)
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.conns[device.PeripheralID(address)]
	if c == nil || c.closed {
		return false
	}
	for chr := range c.listeners {
		if device.NormalizeUUID(chr.UUID) == uuid {
			return true
		}
	}
	return false
}

func (p *FakePlatform) dropLocked(c *fakeConn) []func(error) {
	c.closed = true
	c.listeners = nil
	watchers := make([]func(error), 0, len(c.watchers))
	for _, fn := range c.watchers {
		watchers = append(watchers, fn)
	}
	c.watchers = nil
	return watchers
}

// enter counts the call, waits at the gate and returns the injected failure.
func (p *FakePlatform) enter(ctx context.Context, op string) error {
	p.mu.Lock()
	p.calls[op]++
	gate := p.gates[op]
	p.mu.Unlock()

	if gate != nil {
		if err := gate.wait(ctx); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[op]
}

func (p *FakePlatform) conn(h device.ConnectionHandle) (*fakeConn, error) {
	c, ok := h.(*fakeConn)
	if !ok || c == nil {
		return nil, fmt.Errorf("invalid connection handle %T", h)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.closed {
		return nil, device.ErrNotConnected
	}
	return c, nil
}

func (p *FakePlatform) Start(_ context.Context, events device.PlatformEvents) error {
	p.mu.Lock()
	p.events = events
	p.started = true
	state := p.initialState
	p.mu.Unlock()

	events.RadioStateChanged(state)
	return nil
}

func (p *FakePlatform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, g := range p.gates {
		g.Release()
	}
	return nil
}

// Scan delivers each peripheral's advertisement once, then blocks until ctx ends.
func (p *FakePlatform) Scan(ctx context.Context, serviceUUIDs []string, allowDuplicates bool) error {
	p.mu.Lock()
	p.scans = append(p.scans, ScanCall{ServiceUUIDs: serviceUUIDs, AllowDuplicates: allowDuplicates})
	p.mu.Unlock()

	if err := p.enter(ctx, OpScan); err != nil {
		return err
	}

	p.mu.Lock()
	reports := make([]device.ScanReport, 0, len(p.peripherals))
	for _, per := range p.peripherals {
		if per.Silent {
			continue
		}
		reports = append(reports, per.Report())
	}
	events := p.events
	p.mu.Unlock()

	for _, r := range reports {
		events.AdvertisementReceived(r)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (p *FakePlatform) Connect(ctx context.Context, address string) (device.ConnectionHandle, error) {
	if err := p.enter(ctx, OpConnect); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id := device.PeripheralID(address)
	per, ok := p.peripherals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, address)
	}
	c := &fakeConn{
		peripheral: per,
		watchers:   make(map[int]func(error)),
		listeners:  make(map[*FakeCharacteristic]func([]byte)),
	}
	p.conns[id] = c
	return c, nil
}

func (p *FakePlatform) WatchDisconnect(h device.ConnectionHandle, fn func(err error)) func() {
	c, ok := h.(*fakeConn)
	if !ok {
		return func() {}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.closed {
		go fn(device.ErrNotConnected)
		return func() {}
	}
	c.nextWatch++
	key := c.nextWatch
	c.watchers[key] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(c.watchers, key)
	}
}

// Disconnect drops the link. Remaining watchers fire as they would on a real
// stack.
func (p *FakePlatform) Disconnect(ctx context.Context, h device.ConnectionHandle) error {
	if err := p.enter(ctx, OpDisconnect); err != nil {
		return err
	}
	c, err := p.conn(h)
	if err != nil {
		return err
	}
	p.mu.Lock()
	watchers := p.dropLocked(c)
	p.mu.Unlock()
	for _, fn := range watchers {
		fn(nil)
	}
	return nil
}

func (p *FakePlatform) ReadRSSI(ctx context.Context, h device.ConnectionHandle) (int, error) {
	if err := p.enter(ctx, OpReadRSSI); err != nil {
		return 0, err
	}
	c, err := p.conn(h)
	if err != nil {
		return 0, err
	}
	return c.peripheral.RSSI, nil
}

func (p *FakePlatform) DiscoverServices(ctx context.Context, h device.ConnectionHandle) ([]device.DiscoveredService, error) {
	if err := p.enter(ctx, OpDiscoverServices); err != nil {
		return nil, err
	}
	c, err := p.conn(h)
	if err != nil {
		return nil, err
	}
	out := make([]device.DiscoveredService, 0, len(c.peripheral.Services))
	for _, svc := range c.peripheral.Services {
		out = append(out, device.DiscoveredService{UUID: device.NormalizeUUID(svc.UUID), Handle: svc})
	}
	return out, nil
}

func (p *FakePlatform) DiscoverIncludedServices(ctx context.Context, h device.ConnectionHandle, s device.ServiceHandle) ([]device.DiscoveredService, error) {
	if err := p.enter(ctx, OpDiscoverIncludedServices); err != nil {
		return nil, err
	}
	c, err := p.conn(h)
	if err != nil {
		return nil, err
	}
	svc := s.(*FakeService)
	out := make([]device.DiscoveredService, 0, len(svc.Included))
	for _, u := range svc.Included {
		out = append(out, device.DiscoveredService{UUID: device.NormalizeUUID(u), Handle: c.peripheral.service(u)})
	}
	return out, nil
}

func (p *FakePlatform) DiscoverCharacteristics(ctx context.Context, h device.ConnectionHandle, s device.ServiceHandle) ([]device.DiscoveredCharacteristic, error) {
	if err := p.enter(ctx, OpDiscoverCharacteristics); err != nil {
		return nil, err
	}
	if _, err := p.conn(h); err != nil {
		return nil, err
	}
	svc := s.(*FakeService)
	out := make([]device.DiscoveredCharacteristic, 0, len(svc.Characteristics))
	for _, chr := range svc.Characteristics {
		out = append(out, device.DiscoveredCharacteristic{
			UUID:       device.NormalizeUUID(chr.UUID),
			Properties: chr.Properties,
			Handle:     chr,
		})
	}
	return out, nil
}

func (p *FakePlatform) DiscoverDescriptors(ctx context.Context, h device.ConnectionHandle, ch device.CharacteristicHandle) ([]device.DiscoveredDescriptor, error) {
	if err := p.enter(ctx, OpDiscoverDescriptors); err != nil {
		return nil, err
	}
	if _, err := p.conn(h); err != nil {
		return nil, err
	}
	chr := ch.(*FakeCharacteristic)
	out := make([]device.DiscoveredDescriptor, 0, len(chr.Descriptors))
	for _, d := range chr.Descriptors {
		out = append(out, device.DiscoveredDescriptor{UUID: device.NormalizeUUID(d.UUID), Handle: d})
	}
	return out, nil
}

func (p *FakePlatform) Read(ctx context.Context, h device.ConnectionHandle, ch device.CharacteristicHandle) ([]byte, error) {
	if err := p.enter(ctx, OpRead); err != nil {
		return nil, err
	}
	if _, err := p.conn(h); err != nil {
		return nil, err
	}
	chr := ch.(*FakeCharacteristic)
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), chr.Value...), nil
}

func (p *FakePlatform) Write(ctx context.Context, h device.ConnectionHandle, ch device.CharacteristicHandle, data []byte, withoutResponse bool) error {
	if err := p.enter(ctx, OpWrite); err != nil {
		return err
	}
	if _, err := p.conn(h); err != nil {
		return err
	}
	chr := ch.(*FakeCharacteristic)
	p.mu.Lock()
	defer p.mu.Unlock()
	chr.Value = append([]byte(nil), data...)
	p.writes = append(p.writes, WriteCall{Target: device.NormalizeUUID(chr.UUID), Data: chr.Value, WithoutResponse: withoutResponse})
	return nil
}

func (p *FakePlatform) SetNotificationState(ctx context.Context, h device.ConnectionHandle, ch device.CharacteristicHandle, cfg device.NotifyConfig, onValue func([]byte)) error {
	chr := ch.(*FakeCharacteristic)
	p.mu.Lock()
	p.notifys = append(p.notifys, NotifyCall{CharacteristicUUID: device.NormalizeUUID(chr.UUID), Config: cfg})
	p.mu.Unlock()

	if err := p.enter(ctx, OpSetNotificationState); err != nil {
		return err
	}
	c, err := p.conn(h)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg == device.NotifyNone {
		delete(c.listeners, chr)
		return nil
	}
	c.listeners[chr] = onValue
	return nil
}

func (p *FakePlatform) ReadDescriptor(ctx context.Context, h device.ConnectionHandle, d device.DescriptorHandle) ([]byte, error) {
	if err := p.enter(ctx, OpReadDescriptor); err != nil {
		return nil, err
	}
	if _, err := p.conn(h); err != nil {
		return nil, err
	}
	dsc := d.(*FakeDescriptor)
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), dsc.Value...), nil
}

func (p *FakePlatform) WriteDescriptor(ctx context.Context, h device.ConnectionHandle, d device.DescriptorHandle, data []byte) error {
	if err := p.enter(ctx, OpWriteDescriptor); err != nil {
		return err
	}
	if _, err := p.conn(h); err != nil {
		return err
	}
	dsc := d.(*FakeDescriptor)
	p.mu.Lock()
	defer p.mu.Unlock()
	dsc.Value = append([]byte(nil), data...)
	p.writes = append(p.writes, WriteCall{Target: device.NormalizeUUID(dsc.UUID), Data: dsc.Value})
	return nil
}

func (p *FakePlatform) ReadHandle(ctx context.Context, h device.ConnectionHandle, handle uint16) ([]byte, error) {
	if err := p.enter(ctx, OpReadHandle); err != nil {
		return nil, err
	}
	c, err := p.conn(h)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := c.peripheral.Handles[handle]
	if !ok {
		return nil, fmt.Errorf("attribute handle 0x%04x not found", handle)
	}
	return append([]byte(nil), v...), nil
}

func (p *FakePlatform) WriteHandle(ctx context.Context, h device.ConnectionHandle, handle uint16, data []byte, withoutResponse bool) error {
	if err := p.enter(ctx, OpWriteHandle); err != nil {
		return err
	}
	c, err := p.conn(h)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := c.peripheral.Handles[handle]; !ok {
		return fmt.Errorf("attribute handle 0x%04x not found", handle)
	}
	c.peripheral.Handles[handle] = append([]byte(nil), data...)
	p.writes = append(p.writes, WriteCall{Target: fmt.Sprintf("0x%04x", handle), Data: data, WithoutResponse: withoutResponse})
	return nil
}

var _ device.PlatformAdapter = (*FakePlatform)(nil)
