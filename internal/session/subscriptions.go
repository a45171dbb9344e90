package session

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
)

type subKey struct {
	service        string
	characteristic string
}

// subscription is a live notification listener. Values carrying another
// token are stale and dropped.
type subscription struct {
	token  uint64
	cfg    device.NotifyConfig
	handle device.CharacteristicHandle
}

// subscriptionTable maps subscribed characteristics to their listener. Notify
// requests for the same characteristic run one at a time, in arrival order.
type subscriptionTable struct {
	active map[subKey]subscription
	queues map[subKey][]func()
	closed bool
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{
		active: make(map[subKey]subscription),
		queues: make(map[subKey][]func()),
	}
}

// enqueue runs op now if nothing is queued for key, otherwise after the ops
// ahead of it have advanced the queue.
func (t *subscriptionTable) enqueue(key subKey, op func()) {
	t.queues[key] = append(t.queues[key], op)
	if len(t.queues[key]) == 1 {
		op()
	}
}

// advance pops the running op for key and starts the next one.
func (t *subscriptionTable) advance(key subKey) {
	if t.closed {
		return
	}
	q := t.queues[key]
	if len(q) == 0 {
		return
	}
	q = q[1:]
	if len(q) == 0 {
		delete(t.queues, key)
		return
	}
	t.queues[key] = q
	q[0]()
}

// close detaches the table from its session; queued ops never run.
func (t *subscriptionTable) close() {
	t.closed = true
	t.active = make(map[subKey]subscription)
	t.queues = make(map[subKey][]func())
}

// Notify turns value notifications for a characteristic on or off. The state
// is confirmed with NotifyEvent; values arrive as ReadEvent with
// IsNotification set. Repeating a request that matches the current state is
// confirmed without a platform call.
func (m *Manager) Notify(id, serviceUUID, characteristicUUID string, on bool) error {
	id = device.PeripheralID(id)
	svc, chr := device.NormalizeUUID(serviceUUID), device.NormalizeUUID(characteristicUUID)
	return m.submit(func() { m.notify(id, svc, chr, on) })
}

func (m *Manager) notify(id, svcUUID, chrUUID string, on bool) {
	s, req := m.begin(id, "notify", attrPath{service: svcUUID, characteristic: chrUUID})
	if s == nil {
		return
	}

	key := subKey{service: svcUUID, characteristic: chrUUID}
	subs := s.subs
	req.onSettle = func() { subs.advance(key) }

	subs.enqueue(key, func() {
		if !req.pending() {
			return
		}
		if on {
			m.subscribe(s, req, key)
		} else {
			m.unsubscribe(s, req, key)
		}
	})
}

func (m *Manager) subscribe(s *connectionSession, req *request, key subKey) {
	confirmed := NotifyEvent{ID: s.id, ServiceUUID: key.service, CharacteristicUUID: key.characteristic, State: true}

	if _, subscribed := s.subs.active[key]; subscribed {
		m.resolve(s, req, confirmed)
		return
	}

	m.resolveCharacteristic(s, req, key.service, key.characteristic, func(_ *serviceEntry, chr *characteristicEntry) {
		if !chr.canNotify() {
			m.fail(s, req, fmt.Errorf("%w: characteristic %s supports neither notify nor indicate", device.ErrUnsupported, key.characteristic))
			return
		}

		cfg := device.NotifyNotify
		if chr.properties.Has(device.PropIndicate) {
			cfg = device.NotifyIndicate
		}

		m.nextID++
		token := m.nextID
		id, epoch := s.id, s.epoch
		handle, chrHandle := s.handle, chr.handle
		onValue := func(data []byte) {
			m.deliverValue(id, epoch, key, token, data)
		}

		m.async("ble-subscribe", func(ctx context.Context) error {
			return m.platform.SetNotificationState(ctx, handle, chrHandle, cfg, onValue)
		}, func(err error) {
			if !m.accept(s, req) {
				return
			}
			if err != nil {
				m.fail(s, req, err)
				return
			}
			s.subs.active[key] = subscription{token: token, cfg: cfg, handle: chrHandle}
			m.logger.WithFields(logrus.Fields{
				"peripheral":     id,
				"service":        key.service,
				"characteristic": key.characteristic,
				"mode":           cfg,
			}).Info("Subscribed to characteristic")
			m.resolve(s, req, confirmed)
		})
	})
}

func (m *Manager) unsubscribe(s *connectionSession, req *request, key subKey) {
	confirmed := NotifyEvent{ID: s.id, ServiceUUID: key.service, CharacteristicUUID: key.characteristic, State: false}

	sub, subscribed := s.subs.active[key]
	if !subscribed {
		m.logger.WithFields(logrus.Fields{
			"peripheral":     s.id,
			"service":        key.service,
			"characteristic": key.characteristic,
		}).Debug("Unsubscribe without subscription, nothing to do")
		m.resolve(s, req, confirmed)
		return
	}

	// Values stop flowing from here on, whatever the platform write returns.
	delete(s.subs.active, key)

	handle := s.handle
	m.async("ble-unsubscribe", func(ctx context.Context) error {
		return m.platform.SetNotificationState(ctx, handle, sub.handle, device.NotifyNone, nil)
	}, func(err error) {
		if !m.accept(s, req) {
			return
		}
		if err != nil {
			m.fail(s, req, err)
			return
		}
		m.logger.WithFields(logrus.Fields{
			"peripheral":     s.id,
			"service":        key.service,
			"characteristic": key.characteristic,
		}).Info("Unsubscribed from characteristic")
		m.resolve(s, req, confirmed)
	})
}

// deliverValue runs on platform goroutines. The value is emitted only if the
// listener that produced it is still the registered one.
func (m *Manager) deliverValue(id string, epoch uint64, key subKey, token uint64, data []byte) {
	value := append([]byte(nil), data...)
	_ = m.post(func() {
		s := m.sessions[id]
		if s == nil || s.epoch != epoch || s.state != stateConnected {
			return
		}
		sub, ok := s.subs.active[key]
		if !ok || sub.token != token {
			return
		}
		m.emit(ReadEvent{
			ID:                 id,
			ServiceUUID:        key.service,
			CharacteristicUUID: key.characteristic,
			Data:               value,
			IsNotification:     true,
		})
	})
}
