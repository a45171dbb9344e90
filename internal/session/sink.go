package session

import (
	"context"
	"sync"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/ringchan"
)

// EventSink receives every event the Manager emits, in emission order, from
// the Manager loop goroutine. Emit must not call back into the Manager
// synchronously in a way that waits for the loop.
type EventSink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ev Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// MultiSink fans every event out to each sink in order.
type MultiSink []EventSink

func (ms MultiSink) Emit(ev Event) {
	for _, s := range ms {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// OverflowPolicy decides what a ChannelSink does when its buffer is full.
type OverflowPolicy string

const (
	// OverflowBlock applies backpressure to the Manager loop.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropOldest discards the oldest undelivered event.
	OverflowDropOldest OverflowPolicy = "drop-oldest"
)

// ChannelSink buffers events for consumption from another goroutine.
type ChannelSink struct {
	rc     *ringchan.RingChannel[Event]
	policy OverflowPolicy
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewChannelSink creates a sink buffering up to capacity events.
func NewChannelSink(capacity int, policy OverflowPolicy, logger *logrus.Logger) *ChannelSink {
	if logger == nil {
		logger = logrus.New()
	}
	if policy == "" {
		policy = OverflowBlock
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ChannelSink{
		rc:     ringchan.New[Event](capacity),
		policy: policy,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Emit enqueues ev according to the overflow policy. After Close, events are
// dropped.
func (s *ChannelSink) Emit(ev Event) {
	if s.ctx.Err() != nil {
		return
	}
	switch s.policy {
	case OverflowDropOldest:
		if s.rc.ForceSend(ev) {
			s.logger.WithField("event", ev.Name()).Warn("Event buffer full, dropped oldest event")
		}
	default:
		if err := s.rc.SendContext(s.ctx, ev); err != nil {
			s.logger.WithField("event", ev.Name()).Debug("Event sink closed, dropping event")
		}
	}
}

// Events returns the channel events are delivered on.
func (s *ChannelSink) Events() <-chan Event {
	return s.rc.C()
}

// Dropped returns how many events were discarded by the drop-oldest policy.
func (s *ChannelSink) Dropped() int64 {
	return s.rc.GetMetrics().Overwritten
}

// Close releases a blocked Emit and stops accepting events. The channel is
// left open so that a concurrent Emit never panics.
func (s *ChannelSink) Close() {
	s.cancel()
}

// HistorySink keeps the most recent events in an overlapped ring buffer,
// overwriting the oldest when full.
type HistorySink struct {
	mu     sync.Mutex
	buffer mpmc.RichOverlappedRingBuffer[Event]
	logger *logrus.Logger
}

// NewHistorySink creates a history of roughly size events. The ring buffer
// rounds the size to a power of two.
func NewHistorySink(size uint32, logger *logrus.Logger) *HistorySink {
	if logger == nil {
		logger = logrus.New()
	}
	if size == 0 {
		size = 64
	}
	return &HistorySink{
		buffer: mpmc.NewOverlappedRingBuffer[Event](size),
		logger: logger,
	}
}

func (h *HistorySink) Emit(ev Event) {
	if _, err := h.buffer.EnqueueM(ev); err != nil {
		h.logger.WithFields(logrus.Fields{
			"event": ev.Name(),
			"error": err,
		}).Debug("Failed to record event in history")
	}
}

// Drain removes and returns the buffered events, oldest first.
func (h *HistorySink) Drain() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var events []Event
	for !h.buffer.IsEmpty() {
		ev, err := h.buffer.Dequeue()
		if err != nil {
			break
		}
		events = append(events, ev)
	}
	return events
}
