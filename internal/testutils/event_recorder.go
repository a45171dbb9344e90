package testutils

import (
	"sync"
	"time"

	"github.com/srg/blecentral/internal/session"
)

// EventRecorder is a session.EventSink that keeps every event for later
// inspection. It is safe for concurrent use.
type EventRecorder struct {
	mu      sync.Mutex
	events  []session.Event
	changed chan struct{}
}

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{changed: make(chan struct{})}
}

func (r *EventRecorder) Emit(ev session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	close(r.changed)
	r.changed = make(chan struct{})
}

// Events returns a copy of everything recorded so far.
func (r *EventRecorder) Events() []session.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Event(nil), r.events...)
}

// Names returns the names of the recorded events in order.
func (r *EventRecorder) Names() []string {
	events := r.Events()
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Name())
	}
	return names
}

// Count returns how many recorded events satisfy match.
func (r *EventRecorder) Count(match func(session.Event) bool) int {
	n := 0
	for _, ev := range r.Events() {
		if match(ev) {
			n++
		}
	}
	return n
}

// Filter returns the recorded events satisfying match, in order.
func (r *EventRecorder) Filter(match func(session.Event) bool) []session.Event {
	var out []session.Event
	for _, ev := range r.Events() {
		if match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets every recorded event.
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// WaitFor blocks until the n-th event satisfying match has been recorded and
// returns it, or returns false after timeout.
func (r *EventRecorder) WaitFor(timeout time.Duration, n int, match func(session.Event) bool) (session.Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		r.mu.Lock()
		seen := 0
		for _, ev := range r.events {
			if match(ev) {
				seen++
				if seen == n {
					r.mu.Unlock()
					return ev, true
				}
			}
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return nil, false
		}
	}
}

// Named matches events by name.
func Named(name string) func(session.Event) bool {
	return func(ev session.Event) bool { return ev.Name() == name }
}

// Match matches events of type T accepted by pred. A nil pred accepts every
// event of type T.
func Match[T session.Event](pred func(T) bool) func(session.Event) bool {
	return func(ev session.Event) bool {
		t, ok := ev.(T)
		if !ok {
			return false
		}
		return pred == nil || pred(t)
	}
}

// EventsOf returns the recorded events of type T in order.
func EventsOf[T session.Event](r *EventRecorder) []T {
	var out []T
	for _, ev := range r.Events() {
		if t, ok := ev.(T); ok {
			out = append(out, t)
		}
	}
	return out
}
