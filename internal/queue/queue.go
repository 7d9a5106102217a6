// Package queue provides the serialization point for all link I/O: a FIFO
// executor backed by one labelled goroutine.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearsense/internal/groutine"
)

var ErrClosed = errors.New("queue closed")

// Queue runs posted tasks one at a time in posting order. Posting never
// blocks; the backlog is unbounded.
type Queue struct {
	name   string
	logger *logrus.Logger

	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	worker atomic.Uint64
}

// New starts the worker goroutine.
func New(name string, logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	q := &Queue{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	groutine.Go(context.Background(), "queue:"+name, q.run)
	return q
}

// Post appends fn to the queue.
func (q *Queue) Post(fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.tasks = append(q.tasks, fn)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return nil
}

// OnQueue reports whether the caller is running on the worker goroutine.
func (q *Queue) OnQueue() bool {
	return q.worker.Load() == groutine.ID()
}

// Close rejects new tasks, runs what is already queued and waits for the worker to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
	q.mu.Unlock()
	if !q.OnQueue() {
		<-q.done
	}
}

func (q *Queue) run(ctx context.Context) {
	q.worker.Store(groutine.ID())
	defer close(q.done)

	for {
		q.mu.Lock()
		batch := q.tasks
		q.tasks = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range batch {
			q.exec(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

func (q *Queue) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithFields(logrus.Fields{
				"queue": q.name,
				"panic": r,
			}).Error("Queued task panicked")
		}
	}()
	fn()
}

// Do runs fn on q and waits for its result. When called from the worker
// itself, fn runs inline. If ctx ends first, Do returns ctx.Err(); fn still
// runs when its turn comes and its result is dropped.
func Do[T any](ctx context.Context, q *Queue, fn func() (T, error)) (T, error) {
	if q.OnQueue() {
		return fn()
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	err := q.Post(func() {
		v, err := fn()
		ch <- result{v, err}
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", q.name, err)
	}

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Run is Do for tasks without a result.
func Run(ctx context.Context, q *Queue, fn func() error) error {
	_, err := Do(ctx, q, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
