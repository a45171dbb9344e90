package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/internal/ringchan"
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("session manager closed")

// Options tunes a Manager. Zero fields take the tagged defaults.
type Options struct {
	// InboxSize bounds the queue of platform events and commands waiting for
	// the Manager loop. Producers block while it is full.
	InboxSize int `default:"256"`
	// CloseTimeout bounds the platform disconnects Close issues for sessions
	// that are still connected.
	CloseTimeout time.Duration `default:"5s"`
}

// Manager owns the state of one adapter: radio state, peripheral registry and
// every connection session. All state is mutated on a single loop goroutine;
// platform callbacks and host commands only enqueue work for it, and platform
// calls run on worker goroutines whose completions are queued back.
type Manager struct {
	platform device.PlatformAdapter
	sink     EventSink
	logger   *logrus.Logger
	opts     Options

	inbox     *ringchan.RingChannel[func()]
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	workers   sync.WaitGroup
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	state     atomic.Int32

	peripherals *hashmap.Map[string, Peripheral]

	// loop-owned
	adapter  adapterStateMachine
	registry *registry
	sessions map[string]*connectionSession
	nextID   uint64
	tornDown bool
}

// NewManager creates a Manager bound to platform. Events go to sink.
// Call Start before issuing commands and Close to release the platform.
func NewManager(platform device.PlatformAdapter, sink EventSink, logger *logrus.Logger, opts *Options) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		platform:    platform,
		sink:        sink,
		logger:      logger,
		opts:        o,
		inbox:       ringchan.New[func()](o.InboxSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		peripherals: hashmap.New[string, Peripheral](),
		sessions:    make(map[string]*connectionSession),
	}
	m.registry = newRegistry(m.peripherals)
	return m
}

// Start runs the Manager loop and starts the platform. Radio state changes are
// reported through StateChangeEvent.
func (m *Manager) Start(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("session manager already started")
	}

	groutine.Go(m.ctx, "session-loop", m.run)

	m.logger.Info("Starting BLE platform...")
	if err := m.platform.Start(ctx, platformEvents{m}); err != nil {
		m.logger.WithField("error", err).Error("Failed to start BLE platform")
		_ = m.Close()
		return fmt.Errorf("failed to start BLE platform: %w", err)
	}
	return nil
}

// Close stops scanning, ends every session, releases all platform listener
// registrations and connection handles, and closes the platform. Close is
// idempotent.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)

		var links []openLink
		if m.started.Load() {
			finished := make(chan struct{})
			if postErr := m.post(func() {
				links = m.teardown()
				close(finished)
			}); postErr == nil {
				select {
				case <-finished:
				case <-m.done:
				}
			}
		}

		m.cancel()
		if m.started.Load() {
			<-m.done
		}
		m.releaseLinks(links)
		err = m.platform.Close()
		m.workers.Wait()
		m.logger.Info("Session manager closed")
	})
	return err
}

// AdapterState returns the last radio state reported by the platform.
func (m *Manager) AdapterState() device.AdapterState {
	return device.AdapterState(m.state.Load())
}

// Peripheral returns a snapshot of the registry record for id.
func (m *Manager) Peripheral(id string) (Peripheral, bool) {
	return m.peripherals.Get(device.PeripheralID(id))
}

// Peripherals returns snapshots of every peripheral seen so far, sorted by id.
func (m *Manager) Peripherals() []Peripheral {
	out := make([]Peripheral, 0, m.peripherals.Len())
	m.peripherals.Range(func(_ string, p Peripheral) bool {
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Flush blocks until every command and platform event queued before the call
// has been applied. Platform calls those commands started may still be running.
func (m *Manager) Flush(ctx context.Context) error {
	applied := make(chan struct{})
	if err := m.submit(func() { close(applied) }); err != nil {
		return err
	}
	select {
	case <-applied:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// run drains the inbox until the Manager context ends.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	for {
		fn, ok, err := m.inbox.ReceiveContext(ctx)
		if err != nil || !ok {
			return
		}
		fn()
	}
}

// post queues fn for the loop, blocking while the inbox is full.
func (m *Manager) post(fn func()) error {
	if err := m.inbox.SendContext(m.ctx, fn); err != nil {
		return ErrClosed
	}
	return nil
}

// submit queues a host command.
func (m *Manager) submit(fn func()) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.started.Load() {
		return device.ErrNotInitialized
	}
	return m.post(func() {
		if m.tornDown {
			return
		}
		fn()
	})
}

// async runs call on a named worker goroutine and queues done with its result
// back onto the loop. A panicking call completes with a *groutine.PanicError.
func (m *Manager) async(name string, call func(ctx context.Context) error, done func(err error)) {
	m.workers.Add(1)
	groutine.Go(m.ctx, name, func(ctx context.Context) {
		defer m.workers.Done()
		err := groutine.Protect(func() error { return call(ctx) })
		if err != nil {
			err = device.NormalizeError(err)
		}
		if postErr := m.post(func() { done(err) }); postErr != nil {
			m.logger.WithField("op", name).Debug("Dropping completion, session manager closed")
		}
	})
}

// postLater posts fn from a fresh goroutine. Used by platform callbacks that may
// run on the loop goroutine itself.
func (m *Manager) postLater(name string, fn func()) {
	groutine.Go(m.ctx, name, func(context.Context) {
		_ = m.post(fn)
	})
}

func (m *Manager) emit(ev Event) {
	if m.logger.IsLevelEnabled(logrus.DebugLevel) {
		m.logger.WithFields(logrus.Fields{
			"event":      ev.Name(),
			"peripheral": ev.PeripheralID(),
		}).Debug("Emitting event")
	}
	m.sink.Emit(ev)
}

// openLink is a platform connection left behind by a session that teardown
// ended.
type openLink struct {
	id     string
	handle device.ConnectionHandle
}

// teardown runs on the loop as the last command. It ends every session and
// returns the links still held by the platform; Close releases them once the
// loop has stopped.
func (m *Manager) teardown() []openLink {
	m.logger.Debug("Tearing down session manager")
	m.stopScan()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var links []openLink
	for _, id := range ids {
		s := m.sessions[id]
		h := s.handle
		m.endSession(s, "manager closed")
		if h != nil {
			links = append(links, openLink{id: id, handle: h})
		}
	}
	m.tornDown = true
	return links
}

// releaseLinks disconnects links concurrently, giving up after CloseTimeout.
func (m *Manager) releaseLinks(links []openLink) {
	if len(links) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CloseTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, l := range links {
		wg.Add(1)
		groutine.Go(ctx, "session-release-"+l.id, func(ctx context.Context) {
			defer wg.Done()
			err := groutine.Protect(func() error { return m.platform.Disconnect(ctx, l.handle) })
			if err != nil {
				m.logger.WithFields(logrus.Fields{
					"peripheral": l.id,
					"error":      err,
				}).Warn("Failed to disconnect during teardown")
			}
		})
	}
	wg.Wait()
}

// platformEvents funnels unsolicited platform events into the loop.
type platformEvents struct {
	m *Manager
}

func (e platformEvents) RadioStateChanged(state device.AdapterState) {
	_ = e.m.post(func() { e.m.onRadioState(state) })
}

func (e platformEvents) AdvertisementReceived(report device.ScanReport) {
	_ = e.m.post(func() { e.m.onAdvertisement(report) })
}
