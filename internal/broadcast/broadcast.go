// Package broadcast fans values out to any number of observers with
// replay-latest semantics: a new observer first receives the current value,
// then every later value in publish order. Slow observers never block the
// publisher; each has its own unbounded mailbox.
package broadcast

import (
	"context"
	"sync"

	"github.com/srg/wearsense/internal/groutine"
)

type Broadcaster[T any] struct {
	mu     sync.Mutex
	latest T
	subs   map[uint64]*mailbox[T]
	nextID uint64
	closed bool
}

func New[T any](initial T) *Broadcaster[T] {
	return &Broadcaster[T]{latest: initial, subs: make(map[uint64]*mailbox[T])}
}

// Publish records v as the latest value and queues it for every observer.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest = v
	for _, m := range b.subs {
		m.push(v)
	}
}

// Subscribe returns a channel that yields the latest value and then every
// published value. The channel closes when ctx ends, cancel is called or the
// broadcaster closes.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	out := make(chan T)
	m := newMailbox[T]()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(out)
		return out, func() {}
	}
	id := b.nextID
	b.nextID++
	m.push(b.latest)
	b.subs[id] = m
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		m.close()
	}

	groutine.Go(ctx, "broadcast-observer", func(ctx context.Context) {
		defer close(out)
		defer cancel()
		for {
			v, ok := m.pop(ctx)
			if !ok {
				return
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			case <-m.stopped:
				return
			}
		}
	})
	return out, cancel
}

// Close ends every subscription after its backlog is delivered.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, m := range b.subs {
		m.finish()
		delete(b.subs, id)
	}
}

type mailbox[T any] struct {
	mu       sync.Mutex
	items    []T
	finished bool
	notify   chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{notify: make(chan struct{}, 1), stopped: make(chan struct{})}
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.signal()
}

// finish lets the backlog drain, then ends the subscription.
func (m *mailbox[T]) finish() {
	m.mu.Lock()
	m.finished = true
	m.mu.Unlock()
	m.signal()
}

// close ends the subscription immediately, dropping the backlog.
func (m *mailbox[T]) close() {
	m.stopOnce.Do(func() { close(m.stopped) })
}

func (m *mailbox[T]) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) pop(ctx context.Context) (T, bool) {
	var zero T
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			return v, true
		}
		finished := m.finished
		m.mu.Unlock()
		if finished {
			return zero, false
		}

		select {
		case <-m.notify:
		case <-m.stopped:
			return zero, false
		case <-ctx.Done():
			return zero, false
		}
	}
}
