// Package ringchan provides a bounded, ordered channel with optional
// overwrite-oldest semantics and lock-free delivery metrics.
package ringchan

import (
	"context"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer.
//
// Producers choose per call whether a full buffer blocks them (SendContext)
// or discards the oldest element (ForceSend). Ordering is FIFO in both modes.
//
// # Example
//
//	rc := ringchan.New[int](3)
//
//	// Writer: always succeeds, drops oldest if full.
//	for i := 0; i < 10; i++ {
//	    rc.ForceSend(i)
//	}
//
//	// Reader: acts like a normal Go channel.
//	for v := range rc.C() {
//	    fmt.Println("got:", v)
//	}
type RingChannel[T any] struct {
	ch      chan T
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
//
// WARNING: Reading from the returned channel bypasses metrics tracking.
// Use ReceiveContext if you need the Processed counter.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// SendContext blocks until v is enqueued or ctx is done.
func (rc *RingChannel[T]) SendContext(ctx context.Context, v T) error {
	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
		return nil
	default:
	}

	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
		return nil
	case <-ctx.Done():
		rc.metrics.addError()
		return ctx.Err()
	}
}

// ForceSend always succeeds, discarding the oldest element if needed.
// Returns true when an element was dropped.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	for {
		select {
		case rc.ch <- v:
			rc.metrics.addWritten(1)
			return false
		default:
		}

		select {
		case <-rc.ch:
			rc.metrics.addOverwritten(1)
		default:
		}

		select {
		case rc.ch <- v:
			rc.metrics.addWritten(1)
			return true
		default:
			// a concurrent producer refilled the slot, try again
		}
	}
}

// ReceiveContext blocks until a value is available, the channel is closed
// (ok=false, nil error) or ctx is done.
func (rc *RingChannel[T]) ReceiveContext(ctx context.Context) (v T, ok bool, err error) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.metrics.addProcessed(1)
		}
		return v, ok, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// GetMetrics returns a snapshot of current metrics values.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Errors:      atomic.LoadInt64(&rc.metrics.Errors),
	}
}

// Metrics provides lock-free metrics tracking for RingChannel.
//
// All fields use atomic operations for thread-safe access
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
	Errors      int64 // sends abandoned because their context ended
}

func (m *Metrics) addProcessed(n int) {
	atomic.AddInt64(&m.Processed, int64(n))
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addOverwritten(n int) {
	atomic.AddInt64(&m.Overwritten, int64(n))
}

func (m *Metrics) addError() {
	atomic.AddInt64(&m.Errors, 1)
}
