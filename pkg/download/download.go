// Package download reads the board's flash log and turns it into per-logger
// sample series on a single host time axis.
//
// Progress is reported as a fraction that never decreases and reaches 1.0
// exactly once, together with the complete result. A download that ends
// early reports *device.DownloadIncomplete instead; its partial result must
// not be used to justify clearing the flash.
package download

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearsense/internal/broadcast"
	"github.com/srg/wearsense/internal/groutine"
	"github.com/srg/wearsense/internal/queue"
	"github.com/srg/wearsense/pkg/board"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
)

var (
	ErrInProgress = errors.New("download already in progress")
	// ErrTruncated means the board closed the transfer short of its announced length.
	ErrTruncated = errors.New("transfer ended early")
)

// Env is the connected board as the orchestrator sees it. Called on the queue.
type Env interface {
	Connected() bool
	Context() context.Context
}

type Options struct {
	// Notifications bounds the intermediate progress updates.
	Notifications int
	// FrameBuffer is the reassembly buffer size in bytes.
	FrameBuffer int
	// Strict panics on protocol decode errors.
	Strict bool
}

// Progress is one update of a running download. Result and Err are set only
// on the terminal update.
type Progress struct {
	Fraction float64
	Complete bool
	Result   *Result
	Err      error
}

// Done reports whether p is the terminal update.
func (p Progress) Done() bool { return p.Complete || p.Err != nil }

// Orchestrator runs downloads for one session, one at a time.
type Orchestrator struct {
	q      *queue.Queue
	driver board.Driver
	table  *signal.Table
	env    Env
	opts   Options
	logger *logrus.Logger

	// owned by the queue
	current *Session
}

func New(q *queue.Queue, driver board.Driver, table *signal.Table, env Env, opts Options, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Notifications <= 0 {
		opts.Notifications = 100
	}
	if opts.FrameBuffer <= 0 {
		opts.FrameBuffer = 4096
	}
	return &Orchestrator{q: q, driver: driver, table: table, env: env, opts: opts, logger: logger}
}

// Download starts reading flash. Samples of epochs without a host anchor
// continue from the previous epoch, the first one from startDate. Cancelling
// ctx aborts the transfer.
func (o *Orchestrator) Download(ctx context.Context, startDate time.Time) (*Session, error) {
	return queue.Do(ctx, o.q, func() (*Session, error) {
		if !o.env.Connected() {
			return nil, device.ErrNotConnected
		}
		if o.current != nil {
			return nil, ErrInProgress
		}
		bctx := o.env.Context()
		loggers, err := o.driver.ListLoggers(bctx)
		if err != nil {
			return nil, fmt.Errorf("list loggers: %w", err)
		}
		keys := make(map[uint8]string, len(loggers))
		for _, li := range loggers {
			keys[li.ID] = li.Key
		}

		dctx, cancel := context.WithCancelCause(ctx)
		stop := context.AfterFunc(bctx, func() {
			cancel(&device.TransportError{Op: "download", Err: context.Cause(bctx)})
		})

		dl, err := o.driver.RequestDownload(dctx)
		if err != nil {
			stop()
			cancel(err)
			return nil, fmt.Errorf("request download: %w", err)
		}

		s := &Session{
			o:       o,
			id:      uuid.New(),
			start:   startDate,
			keys:    keys,
			cancel:  cancel,
			updates: broadcast.New(Progress{}),
			done:    make(chan struct{}),
		}
		o.current = s
		o.logger.WithFields(logrus.Fields{
			"download": s.id,
			"bytes":    dl.Total,
			"loggers":  len(loggers),
		}).Info("Download started")

		groutine.Go(dctx, "download", func(ctx context.Context) {
			defer stop()
			s.run(ctx, dl)
			s.cancel(context.Canceled)
			_ = o.q.Post(func() {
				if o.current == s {
					o.current = nil
				}
			})
		})
		return s, nil
	})
}

// Abort ends the in-flight download with cause. Call on the queue.
func (o *Orchestrator) Abort(cause error) {
	if o.current != nil {
		o.current.cancel(cause)
	}
}

// Clear flushes the current page and erases the downloaded entries. It
// refuses anything but a complete result.
func (o *Orchestrator) Clear(ctx context.Context, res *Result) error {
	if res == nil || !res.Complete {
		return fmt.Errorf("refusing to clear flash: %w", device.ErrDownloadIncomplete)
	}
	return queue.Run(ctx, o.q, func() error {
		if !o.env.Connected() {
			return device.ErrNotConnected
		}
		if o.current != nil {
			return ErrInProgress
		}
		bctx := o.env.Context()
		if err := o.driver.FlushPage(bctx); err != nil {
			return fmt.Errorf("flush page: %w", err)
		}
		if err := o.driver.ClearEntries(bctx); err != nil {
			return fmt.Errorf("clear entries: %w", err)
		}
		o.logger.WithField("download", res.ID).Info("Flash cleared")
		return nil
	})
}

// Session is one running download.
type Session struct {
	o      *Orchestrator
	id     uuid.UUID
	start  time.Time
	keys   map[uint8]string
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	updates *broadcast.Broadcaster[Progress]
	final   *Progress
	done    chan struct{}
}

func (s *Session) ID() uuid.UUID { return s.id }

// Cancel aborts the download. Wait then returns DownloadIncomplete.
func (s *Session) Cancel() { s.cancel(context.Canceled) }

// Done is closed after the terminal update.
func (s *Session) Done() <-chan struct{} { return s.done }

// Updates delivers progress in order, ending with the terminal update.
// Subscribing late still yields the terminal update.
func (s *Session) Updates(ctx context.Context) <-chan Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final != nil {
		ch := make(chan Progress, 1)
		ch <- *s.final
		close(ch)
		return ch
	}
	ch, _ := s.updates.Subscribe(ctx)
	return ch
}

// Wait blocks until the download ends.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final.Result, s.final.Err
}

type entry struct {
	key   string
	epoch uint8
	rec   record.Record
}

// accumulator is owned by the download goroutine until the terminal update.
type accumulator struct {
	entries  []entry
	anchors  map[uint8]time.Time
	epochs   []uint8
	seen     map[uint8]bool
	skipped  int
	unknown  map[uint8]bool
	received uint64
}

func (a *accumulator) epoch(uid uint8) {
	if !a.seen[uid] {
		a.seen[uid] = true
		a.epochs = append(a.epochs, uid)
	}
}

func (s *Session) run(ctx context.Context, dl *board.Download) {
	log := s.o.logger.WithField("download", s.id)
	acc := &accumulator{
		anchors: make(map[uint8]time.Time),
		seen:    make(map[uint8]bool),
		unknown: make(map[uint8]bool),
	}
	reader := record.NewFrameReader(s.o.opts.FrameBuffer)
	step := 1 / float64(s.o.opts.Notifications)
	var last float64

	fail := func(cause error) {
		res, err := s.build(acc, dl.Total, false)
		if err != nil {
			res = nil
		}
		incomplete := &device.DownloadIncomplete{Received: acc.received, Total: dl.Total, Cause: cause}
		if res != nil {
			incomplete.Partial = res
		}
		log.WithFields(logrus.Fields{
			"received": acc.received,
			"total":    dl.Total,
			"error":    cause,
		}).Warn("Download incomplete")
		s.finish(Progress{Fraction: last, Result: res, Err: incomplete})
	}

	for {
		var (
			chunk []byte
			ok    bool
		)
		select {
		case chunk, ok = <-dl.Chunks:
		case <-ctx.Done():
			fail(context.Cause(ctx))
			return
		}
		if !ok {
			break
		}
		acc.received += uint64(len(chunk))
		frames, err := reader.Feed(chunk)
		if err == nil {
			err = s.collect(acc, frames)
		}
		if err != nil {
			log.WithField("error", err).Error("Refusing undecodable download data")
			if s.o.opts.Strict {
				panic(err)
			}
			s.cancel(err)
			fail(err)
			return
		}

		// 1.0 is reserved for the terminal update
		if f := float64(acc.received) / float64(dl.Total); f < 1 && f-last >= step {
			last = f
			s.updates.Publish(Progress{Fraction: f})
		}
	}

	if err := context.Cause(ctx); err != nil {
		fail(err)
		return
	}
	if err := dl.Err(); err != nil {
		fail(err)
		return
	}
	if acc.received < dl.Total || reader.Pending() != 0 {
		fail(ErrTruncated)
		return
	}

	res, err := s.build(acc, dl.Total, true)
	if err != nil {
		log.WithField("error", err).Error("Refusing undecodable download data")
		if s.o.opts.Strict {
			panic(err)
		}
		fail(err)
		return
	}
	log.WithFields(logrus.Fields{
		"samples": res.Len(),
		"loggers": res.Keys(),
	}).Info("Download complete")
	s.finish(Progress{Fraction: 1, Complete: true, Result: res})
}

func (s *Session) collect(acc *accumulator, frames []record.Frame) error {
	for _, f := range frames {
		switch f.Kind {
		case record.FrameAnchor:
			acc.epoch(f.ResetUID)
			acc.anchors[f.ResetUID] = f.Anchor
		case record.FrameEntry:
			key, ok := s.keys[f.LoggerID]
			if !ok {
				if !acc.unknown[f.LoggerID] {
					acc.unknown[f.LoggerID] = true
					s.o.logger.WithField("logger_id", f.LoggerID).Warn("Entry for unknown logger")
				}
				acc.skipped++
				continue
			}
			if tag, known := s.o.table.LoggerTag(key); known && tag != f.Record.Tag {
				return &device.ProtocolDecodeError{
					Tag:    uint8(f.Record.Tag),
					Reason: fmt.Sprintf("logger %q expects %s", key, tag),
				}
			}
			acc.epoch(f.ResetUID)
			acc.entries = append(acc.entries, entry{key: key, epoch: f.ResetUID, rec: f.Record})
		}
	}
	return nil
}

// build places every epoch on the host axis: an anchored epoch starts at
// its anchor, an unanchored one where the previous epoch ended.
func (s *Session) build(acc *accumulator, total uint64, complete bool) (*Result, error) {
	res := newResult(s.id, s.start)
	res.Complete = complete
	res.Received = acc.received
	res.Total = total
	res.Skipped = acc.skipped

	zero := make(map[uint8]time.Time, len(acc.epochs))
	cursor := s.start
	for _, uid := range acc.epochs {
		base, ok := acc.anchors[uid]
		if !ok {
			base = cursor
		}
		zero[uid] = base
		for _, e := range acc.entries {
			if e.epoch != uid {
				continue
			}
			offset, err := e.rec.Offset()
			if err != nil {
				return nil, err
			}
			if t := base.Add(offset); t.After(cursor) {
				cursor = t
			}
		}
		if base.After(cursor) {
			cursor = base
		}
	}

	for _, e := range acc.entries {
		sample, err := record.Decode(e.rec, zero[e.epoch])
		if err != nil {
			return nil, err
		}
		series, _ := res.series.Get(e.key)
		res.series.Set(e.key, append(series, sample))
	}
	// a logger that recorded nothing still gets its empty series
	ids := make([]uint8, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if _, ok := res.series.Get(s.keys[id]); !ok {
			res.series.Set(s.keys[id], []record.Sample{})
		}
	}
	for p := res.series.Oldest(); p != nil; p = p.Next() {
		series := p.Value
		sort.SliceStable(series, func(i, j int) bool { return series[i].Time.Before(series[j].Time) })
	}
	return res, nil
}

func (s *Session) finish(p Progress) {
	s.mu.Lock()
	s.final = &p
	s.updates.Publish(p)
	s.updates.Close()
	s.mu.Unlock()
	close(s.done)
}
