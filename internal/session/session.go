package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
)

type sessionState int

const (
	stateNotConnected sessionState = iota
	stateConnecting
	stateConnected
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	default:
		return "not_connected"
	}
}

// connectionSession is the per-peripheral connection state. It survives
// disconnects; epoch increases on every transition into NotConnected so that
// completions of calls issued under an older epoch are recognised and dropped.
type connectionSession struct {
	id        string
	state     sessionState
	epoch     uint64
	handle    device.ConnectionHandle
	stopWatch func()

	// cancelConnect aborts the platform connect while Connecting.
	cancelConnect context.CancelFunc

	cache    *attributeCache
	subs     *subscriptionTable
	requests map[uint64]*request
}

func newConnectionSession(id string) *connectionSession {
	return &connectionSession{
		id:       id,
		cache:    newAttributeCache(),
		subs:     newSubscriptionTable(),
		requests: make(map[uint64]*request),
	}
}

type requestState int

const (
	requestPending requestState = iota
	requestResolved
	requestFailed
)

// attrPath addresses the target of a request.
type attrPath struct {
	service        string
	characteristic string
	descriptor     string
	handle         uint16
}

// request tracks one host command through its platform round trips.
// It moves Pending → Resolved or Pending → Failed exactly once.
type request struct {
	id       uint64
	op       string
	path     attrPath
	epoch    uint64
	state    requestState
	onSettle func()
}

func (r *request) pending() bool {
	return r.state == requestPending
}

func (m *Manager) sessionIDs() []string {
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// begin opens a request on a connected session. When the peripheral is not
// connected the request fails right away and nil is returned.
func (m *Manager) begin(id, op string, path attrPath) (*connectionSession, *request) {
	s := m.sessions[id]
	if s == nil || s.state != stateConnected {
		m.emit(ErrorEvent{
			ID:                 id,
			Op:                 op,
			ServiceUUID:        path.service,
			CharacteristicUUID: path.characteristic,
			DescriptorUUID:     path.descriptor,
			Handle:             path.handle,
			Err:                device.ErrNotConnected,
		})
		return nil, nil
	}

	m.nextID++
	req := &request{id: m.nextID, op: op, path: path, epoch: s.epoch}
	s.requests[req.id] = req
	return s, req
}

// accept reports whether a completion for req may still be applied.
func (m *Manager) accept(s *connectionSession, req *request) bool {
	if req.epoch != s.epoch || !req.pending() {
		m.logger.WithFields(logrus.Fields{
			"peripheral": s.id,
			"op":         req.op,
		}).Debug("Discarding stale completion")
		return false
	}
	return true
}

func (m *Manager) settle(s *connectionSession, req *request, state requestState) {
	req.state = state
	delete(s.requests, req.id)
	if req.onSettle != nil {
		settle := req.onSettle
		req.onSettle = nil
		settle()
	}
}

// resolve marks req done and emits ev.
func (m *Manager) resolve(s *connectionSession, req *request, ev Event) {
	if !req.pending() {
		return
	}
	m.settle(s, req, requestResolved)
	m.emit(ev)
}

// fail marks req failed and emits an ErrorEvent describing it.
func (m *Manager) fail(s *connectionSession, req *request, err error) {
	if !req.pending() {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"peripheral": s.id,
		"op":         req.op,
		"error":      err,
	}).Warn("Request failed")

	m.settle(s, req, requestFailed)
	m.emit(ErrorEvent{
		ID:                 s.id,
		Op:                 req.op,
		ServiceUUID:        req.path.service,
		CharacteristicUUID: req.path.characteristic,
		DescriptorUUID:     req.path.descriptor,
		Handle:             req.path.handle,
		Err:                err,
	})
}

// Connect connects to a peripheral previously seen while scanning. The outcome
// is reported with ConnectEvent. Connecting an already connected peripheral
// confirms the connection again without a platform call.
func (m *Manager) Connect(id string) error {
	id = device.PeripheralID(id)
	return m.submit(func() { m.connect(id) })
}

// Disconnect ends the connection. DisconnectEvent is emitted once; the call is
// a no-op for a peripheral that is not connected.
func (m *Manager) Disconnect(id string) error {
	id = device.PeripheralID(id)
	return m.submit(func() { m.disconnect(id) })
}

// UpdateRSSI reports the current signal strength with RSSIUpdateEvent. Back
// ends that cannot read it live report the last advertised value.
func (m *Manager) UpdateRSSI(id string) error {
	id = device.PeripheralID(id)
	return m.submit(func() { m.updateRSSI(id) })
}

func (m *Manager) connect(id string) {
	p, known := m.peripherals.Get(id)
	if !known {
		m.logger.WithField("peripheral", id).Warn("Connect requested for unknown peripheral")
		m.emit(ConnectEvent{ID: id, Err: fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)})
		return
	}

	s := m.sessions[id]
	if s == nil {
		s = newConnectionSession(id)
		m.sessions[id] = s
	}

	switch s.state {
	case stateConnecting:
		m.logger.WithField("peripheral", id).Debug("Connect already in progress")
		return
	case stateConnected:
		m.emit(ConnectEvent{ID: id})
		return
	}

	if err := m.adapter.requirePoweredOn(); err != nil {
		m.emit(ConnectEvent{ID: id, Err: err})
		return
	}

	s.state = stateConnecting
	epoch := s.epoch
	address := p.Address

	m.logger.WithFields(logrus.Fields{
		"peripheral": id,
		"address":    address,
	}).Info("Connecting to BLE device...")

	var handle device.ConnectionHandle
	connectCtx, cancel := context.WithCancel(m.ctx)
	s.cancelConnect = cancel
	m.async("ble-connect", func(context.Context) (err error) {
		handle, err = m.platform.Connect(connectCtx, address)
		return err
	}, func(err error) {
		cancel()
		m.connected(s, epoch, handle, err)
	})
}

// connected applies the outcome of a platform connect.
func (m *Manager) connected(s *connectionSession, epoch uint64, handle device.ConnectionHandle, err error) {
	if s.epoch != epoch || s.state != stateConnecting {
		if err == nil && handle != nil {
			m.logger.WithField("peripheral", s.id).Warn("Connect completed after disconnect, releasing link")
			m.async("ble-disconnect-stale", func(ctx context.Context) error {
				return m.platform.Disconnect(ctx, handle)
			}, func(error) {})
		}
		return
	}
	s.cancelConnect = nil

	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"peripheral": s.id,
			"error":      err,
		}).Error("Failed to connect to BLE device")
		s.state = stateNotConnected
		m.emit(ConnectEvent{ID: s.id, Err: err})
		return
	}

	s.handle = handle
	s.state = stateConnected

	id := s.id
	s.stopWatch = m.platform.WatchDisconnect(handle, func(reason error) {
		m.postLater("ble-disconnect-watch", func() { m.peerDisconnected(id, epoch, reason) })
	})

	m.logger.WithField("peripheral", id).Info("BLE device connected successfully")
	m.emit(ConnectEvent{ID: id})
}

func (m *Manager) peerDisconnected(id string, epoch uint64, reason error) {
	s := m.sessions[id]
	if s == nil || s.epoch != epoch || s.state != stateConnected {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"peripheral": id,
		"reason":     reason,
	}).Warn("Peripheral disconnected")
	m.endSession(s, "peer disconnected")
}

func (m *Manager) disconnect(id string) {
	s := m.sessions[id]
	if s == nil || s.state == stateNotConnected {
		m.logger.WithField("peripheral", id).Debug("Disconnect ignored, not connected")
		return
	}

	handle := s.handle
	m.endSession(s, "disconnect requested")
	if handle == nil {
		return
	}

	m.async("ble-disconnect", func(ctx context.Context) error {
		return m.platform.Disconnect(ctx, handle)
	}, func(err error) {
		if err != nil && !errors.Is(err, device.ErrNotConnected) {
			m.logger.WithFields(logrus.Fields{
				"peripheral": id,
				"error":      err,
			}).Warn("Platform disconnect failed")
		}
	})
}

// endSession is the single path into NotConnected, whatever the cause. It
// releases the disconnect watch, drops the cache and subscription table
// without touching the platform and fails every outstanding request. A
// connected session reports DisconnectEvent exactly once; an aborted connect
// reports a failed ConnectEvent instead.
func (m *Manager) endSession(s *connectionSession, cause string) {
	if s.state == stateNotConnected {
		return
	}

	wasConnecting := s.state == stateConnecting
	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}
	s.epoch++
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	s.handle = nil
	s.state = stateNotConnected
	s.cache = newAttributeCache()
	s.subs.close()
	s.subs = newSubscriptionTable()

	outstanding := make([]*request, 0, len(s.requests))
	for _, req := range s.requests {
		outstanding = append(outstanding, req)
	}
	sort.Slice(outstanding, func(i, j int) bool { return outstanding[i].id < outstanding[j].id })
	for _, req := range outstanding {
		m.fail(s, req, device.ErrNotConnected)
	}
	s.requests = make(map[uint64]*request)

	m.logger.WithFields(logrus.Fields{
		"peripheral": s.id,
		"cause":      cause,
	}).Info("Session ended")
	if wasConnecting {
		m.emit(ConnectEvent{ID: s.id, Err: fmt.Errorf("connect aborted: %s: %w", cause, device.ErrNotConnected)})
		return
	}
	m.emit(DisconnectEvent{ID: s.id})
}

func (m *Manager) updateRSSI(id string) {
	s, req := m.begin(id, "updateRssi", attrPath{})
	if s == nil {
		return
	}

	handle := s.handle
	var rssi int
	m.async("ble-rssi", func(ctx context.Context) (err error) {
		rssi, err = m.platform.ReadRSSI(ctx, handle)
		return err
	}, func(err error) {
		if !m.accept(s, req) {
			return
		}
		if errors.Is(err, device.ErrUnsupported) {
			p, _ := m.peripherals.Get(id)
			m.logger.WithField("peripheral", id).Debug("Live RSSI unsupported, using last advertised value")
			rssi, err = p.RSSI, nil
		}
		if err != nil {
			m.fail(s, req, err)
			return
		}
		m.registry.setRSSI(id, rssi)
		m.resolve(s, req, RSSIUpdateEvent{ID: id, RSSI: rssi})
	})
}
