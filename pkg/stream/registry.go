// Package stream multiplexes live signals over one link.
//
// Equivalent descriptors share a single hardware subscription that is
// reference counted; the last Close stops the hardware and powers down any
// shared block nothing else uses. Conflicting requests are rejected before
// anything is written to the board.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearsense/internal/groutine"
	"github.com/srg/wearsense/internal/queue"
	"github.com/srg/wearsense/internal/ringchan"
	"github.com/srg/wearsense/internal/slots"
	"github.com/srg/wearsense/pkg/board"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
)

// ErrStopped ends subscriptions whose hardware was stopped for everyone.
var ErrStopped = errors.New("stream stopped")

// Env is what the registry needs to know about the connected board. Its
// methods are called on the queue.
type Env interface {
	Connected() bool
	Model() device.Model
	Modules() device.Modules
	// Context is cancelled when the connection ends.
	Context() context.Context
}

// Options tune a Registry.
type Options struct {
	// BufferSize is the per-subscriber backlog before the oldest samples are dropped.
	BufferSize int
	// Strict panics on protocol decode errors instead of only failing the subscription.
	Strict bool
	// Anchor returns host time for device tick zero.
	Anchor func() time.Time
}

type entry struct {
	desc   signal.Descriptor
	handle board.Handle
	info   signal.KindInfo
	subs   map[slots.Ref]struct{}
}

// route is the lock-free fan-out view of an entry read by Dispatch.
type route struct {
	info signal.KindInfo
	refs atomic.Pointer[[]slots.Ref]
}

// Registry owns the active stream table of one session.
type Registry struct {
	q       *queue.Queue
	driver  board.Driver
	table   *signal.Table
	tracker *signal.Tracker
	env     Env
	opts    Options
	logger  *logrus.Logger

	// owned by the queue
	entries map[signal.HardwareKey]*entry

	routes *hashmap.Map[uint32, *route]
	subs   *slots.Table[*Subscription]
}

func NewRegistry(q *queue.Queue, driver board.Driver, table *signal.Table, tracker *signal.Tracker, env Env, opts Options, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.Anchor == nil {
		start := time.Now()
		opts.Anchor = func() time.Time { return start }
	}
	return &Registry{
		q:       q,
		driver:  driver,
		table:   table,
		tracker: tracker,
		env:     env,
		opts:    opts,
		logger:  logger,
		entries: make(map[signal.HardwareKey]*entry),
		routes:  hashmap.New[uint32, *route](),
		subs:    slots.New[*Subscription](),
	}
}

// Subscription delivers samples of one stream to one consumer.
type Subscription struct {
	desc    signal.Descriptor
	ring    *ringchan.RingChannel[record.Sample]
	ref     slots.Ref
	release func() error

	releaseOnce sync.Once
	err         atomic.Pointer[error]
}

// C yields samples until the subscription ends.
func (s *Subscription) C() <-chan record.Sample { return s.ring.C() }

// Descriptor is the resolved descriptor, defaults filled in.
func (s *Subscription) Descriptor() signal.Descriptor { return s.desc }

// Err explains why C closed: nil after Close, otherwise the failure.
func (s *Subscription) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Dropped is the number of samples overwritten because the consumer fell behind.
func (s *Subscription) Dropped() int64 { return s.ring.Metrics().Overwritten }

// Close stops delivery immediately and releases the hardware once no other
// subscriber needs it.
func (s *Subscription) Close() error {
	s.ring.Close()
	var err error
	s.releaseOnce.Do(func() {
		if s.release != nil {
			err = s.release()
		}
	})
	return err
}

func (s *Subscription) fail(err error) {
	s.err.CompareAndSwap(nil, &err)
	s.ring.Close()
}

// Subscribe starts streaming d, sharing hardware with an equivalent active stream.
func (r *Registry) Subscribe(ctx context.Context, d signal.Descriptor) (*Subscription, error) {
	if d.Mode != signal.ModeStream {
		return nil, fmt.Errorf("subscribe: %s: %w", d, device.ErrUnsupported)
	}
	return queue.Do(ctx, r.q, func() (*Subscription, error) {
		if !r.env.Connected() {
			return nil, device.ErrNotConnected
		}
		resolved, err := r.table.Resolve(d, r.env.Model(), r.env.Modules())
		if err != nil {
			return nil, err
		}
		key := resolved.HardwareKey()

		e, shared := r.entries[key]
		if !shared {
			if e, err = r.open(resolved); err != nil {
				return nil, err
			}
		}

		sub := &Subscription{desc: resolved, ring: ringchan.New[record.Sample](r.opts.BufferSize)}
		sub.ref = r.subs.Insert(sub)
		sub.release = func() error { return r.unsubscribe(sub, key) }
		e.subs[sub.ref] = struct{}{}
		r.publishRoute(e)

		r.logger.WithFields(logrus.Fields{
			"signal":      resolved.String(),
			"handle":      e.handle.ID,
			"subscribers": len(e.subs),
			"shared":      shared,
		}).Debug("Stream subscribed")
		return sub, nil
	})
}

// open resolves, configures and starts hardware for d. Capability and
// conflict checks run before the first write.
func (r *Registry) open(d signal.Descriptor) (*entry, error) {
	if err := r.tracker.Check(d); err != nil {
		return nil, err
	}
	h, err := r.driver.Resolve(d, r.env.Model(), r.env.Modules())
	if err != nil {
		return nil, err
	}
	info, _ := r.table.Info(d.Kind)
	if _, err := r.tracker.Acquire(d); err != nil {
		return nil, err
	}

	ctx := r.env.Context()
	e := &entry{desc: d, handle: h, info: info, subs: make(map[slots.Ref]struct{})}
	r.entries[d.HardwareKey()] = e
	r.publishRoute(e)

	if err := r.driver.Configure(ctx, h); err != nil {
		r.abandon(e)
		return nil, fmt.Errorf("configure %s: %w", d, err)
	}
	if err := r.driver.Start(ctx, h); err != nil {
		r.abandon(e)
		return nil, fmt.Errorf("start %s: %w", d, err)
	}

	r.logger.WithFields(logrus.Fields{
		"signal": d.String(),
		"handle": h.ID,
	}).Info("Stream started")
	return e, nil
}

func (r *Registry) abandon(e *entry) {
	delete(r.entries, e.desc.HardwareKey())
	r.routes.Del(e.handle.ID)
	if idle := r.tracker.Release(e.desc); len(idle) > 0 {
		if err := r.driver.PowerDown(r.env.Context(), idle); err != nil {
			r.logger.WithField("error", err).Debug("Power down after failed start")
		}
	}
}

func (r *Registry) unsubscribe(sub *Subscription, key signal.HardwareKey) error {
	// delivery stops before the queue gets to the hardware
	r.subs.Remove(sub.ref)

	return queue.Run(context.Background(), r.q, func() error {
		e, ok := r.entries[key]
		if !ok {
			return nil
		}
		if _, ok := e.subs[sub.ref]; !ok {
			return nil
		}
		delete(e.subs, sub.ref)
		r.publishRoute(e)
		if len(e.subs) > 0 {
			return nil
		}
		return r.closeEntry(e)
	})
}

// closeEntry runs the signal-specific cleanup: stop the handle, then power
// down only the shared blocks no other signal still holds.
func (r *Registry) closeEntry(e *entry) error {
	delete(r.entries, e.desc.HardwareKey())
	r.routes.Del(e.handle.ID)
	idle := r.tracker.Release(e.desc)

	if !r.env.Connected() {
		return nil
	}
	ctx := r.env.Context()
	var errs []error
	if err := r.driver.Stop(ctx, e.handle); err != nil {
		errs = append(errs, fmt.Errorf("stop %s: %w", e.desc, err))
	}
	if len(idle) > 0 {
		if err := r.driver.PowerDown(ctx, idle); err != nil {
			errs = append(errs, fmt.Errorf("power down %v: %w", idle, err))
		}
	}
	r.logger.WithFields(logrus.Fields{
		"signal":      e.desc.String(),
		"powered_off": idle,
	}).Info("Stream stopped")
	return errors.Join(errs...)
}

func (r *Registry) publishRoute(e *entry) {
	refs := make([]slots.Ref, 0, len(e.subs))
	for ref := range e.subs {
		refs = append(refs, ref)
	}
	rt, _ := r.routes.GetOrInsert(e.handle.ID, &route{info: e.info})
	rt.refs.Store(&refs)
}

// Dispatch decodes one record for handle h and fans it out. It runs on the
// notification path, off the queue.
func (r *Registry) Dispatch(h board.Handle, rec record.Record) {
	rt, ok := r.routes.Get(h.ID)
	if !ok {
		return
	}
	refs := rt.refs.Load()
	if refs == nil || len(*refs) == 0 {
		return
	}

	sample, err := r.decode(rt.info, rec)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"signal": rt.info.Name,
			"error":  err,
		}).Error("Refusing undecodable record")
		for _, ref := range *refs {
			if sub, ok := r.subs.Get(ref); ok {
				sub.fail(err)
				groutine.Go(context.Background(), "release:"+rt.info.Name, func(context.Context) {
					_ = sub.Close()
				})
			}
		}
		if r.opts.Strict {
			panic(err)
		}
		return
	}

	for _, ref := range *refs {
		if sub, ok := r.subs.Get(ref); ok {
			sub.ring.Send(sample)
		}
	}
}

func (r *Registry) decode(info signal.KindInfo, rec record.Record) (record.Sample, error) {
	if rec.Tag != info.Tag {
		return record.Sample{}, &device.ProtocolDecodeError{
			Tag:    uint8(rec.Tag),
			Reason: fmt.Sprintf("%s expects %s", info.Name, info.Tag),
		}
	}
	return record.Decode(rec, r.opts.Anchor())
}

// ReadOnce reads a single sample.
func (r *Registry) ReadOnce(ctx context.Context, d signal.Descriptor) (record.Sample, error) {
	d.Mode = signal.ModeReadOnce
	return r.read(ctx, d)
}

func (r *Registry) read(ctx context.Context, d signal.Descriptor) (record.Sample, error) {
	type result struct {
		rec  record.Record
		info signal.KindInfo
	}
	res, err := queue.Do(ctx, r.q, func() (result, error) {
		if !r.env.Connected() {
			return result{}, device.ErrNotConnected
		}
		resolved, err := r.table.Resolve(d, r.env.Model(), r.env.Modules())
		if err != nil {
			return result{}, err
		}
		if err := r.tracker.Check(resolved); err != nil {
			return result{}, err
		}
		h, err := r.driver.Resolve(resolved, r.env.Model(), r.env.Modules())
		if err != nil {
			return result{}, err
		}
		rec, err := r.driver.ReadOnce(r.env.Context(), h)
		if err != nil {
			return result{}, fmt.Errorf("read %s: %w", resolved, err)
		}
		info, _ := r.table.Info(resolved.Kind)
		return result{rec: rec, info: info}, nil
	})
	if err != nil {
		return record.Sample{}, err
	}
	s, err := r.decode(res.info, res.rec)
	if err != nil && r.opts.Strict {
		panic(err)
	}
	return s, err
}

// Poll reads d every interval and delivers the samples as a subscription.
// The first read happens immediately. A failed read ends the subscription.
func (r *Registry) Poll(ctx context.Context, d signal.Descriptor, interval time.Duration) (*Subscription, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	d.Mode = signal.ModePoll
	first, err := r.read(ctx, d)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{desc: d, ring: ringchan.New[record.Sample](r.opts.BufferSize)}
	sub.release = func() error {
		cancel()
		return nil
	}
	sub.ring.Send(first)

	groutine.Go(pollCtx, "poll:"+d.Kind.String(), func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s, err := r.read(ctx, d)
				if err != nil {
					if ctx.Err() == nil {
						sub.fail(err)
					}
					return
				}
				sub.ring.Send(s)
			}
		}
	})
	return sub, nil
}

// Reset ends every subscription with err and forgets the hardware state
// without writing to the board. It runs on the queue after the link is gone.
func (r *Registry) Reset(err error) {
	for key, e := range r.entries {
		for ref := range e.subs {
			if sub, ok := r.subs.Remove(ref); ok {
				sub.fail(err)
			}
		}
		r.routes.Del(e.handle.ID)
		r.tracker.Release(e.desc)
		delete(r.entries, key)
	}
}

// StopAll ends every subscription with cause and stops its hardware.
func (r *Registry) StopAll(ctx context.Context, cause error) error {
	return queue.Run(ctx, r.q, func() error { return r.StopAllOnQueue(cause) })
}

// StopAllOnQueue is StopAll for callers already running on the queue.
func (r *Registry) StopAllOnQueue(cause error) error {
	var errs []error
	for _, e := range r.entries {
		for ref := range e.subs {
			if sub, ok := r.subs.Remove(ref); ok {
				sub.fail(cause)
			}
		}
		e.subs = nil
		if err := r.closeEntry(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Active returns the resolved descriptors with live hardware and their subscriber counts.
func (r *Registry) Active(ctx context.Context) (map[signal.Descriptor]int, error) {
	return queue.Do(ctx, r.q, func() (map[signal.Descriptor]int, error) {
		out := make(map[signal.Descriptor]int, len(r.entries))
		for _, e := range r.entries {
			out[e.desc] = len(e.subs)
		}
		return out, nil
	})
}
