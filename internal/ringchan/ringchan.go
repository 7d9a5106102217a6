// Package ringchan is a bounded channel that overwrites its oldest element
// instead of blocking the producer. It delivers live samples to consumers
// that may fall behind.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel wraps a buffered channel. Send never blocks: when the buffer
// is full the oldest element is discarded. Sends after Close are dropped, so
// producers and the consumer may shut down in either order.
//
//	rc := ringchan.New[record.Sample](64)
//	go func() { rc.Send(sample) }()
//	for s := range rc.C() { ... }
type RingChannel[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	metrics Metrics
}

func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, dropping the oldest element if full. It reports whether
// an element was dropped.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		atomic.AddInt64(&rc.metrics.Rejected, 1)
		return false
	}

	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
			dropped = true
		default:
			// consumer emptied it in between; retry the send
		}
	}
}

// Close closes the channel once; later calls are no-ops.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

// Metrics returns an atomic snapshot of the counters.
func (rc *RingChannel[T]) Metrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Rejected:    atomic.LoadInt64(&rc.metrics.Rejected),
	}
}

// Metrics counts what happened to sent elements.
type Metrics struct {
	Written     int64
	Overwritten int64
	// Rejected counts sends after Close.
	Rejected int64
}
