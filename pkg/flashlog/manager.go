// Package flashlog manages loggers that record signals to the board's flash.
//
// Loggers outlive connections and sessions, so the board is the source of
// truth: ListActiveLoggers queries it and reconciles the local table, and
// StopLogging accepts keys of loggers this process never started.
package flashlog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearsense/internal/queue"
	"github.com/srg/wearsense/pkg/board"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/signal"
)

var ErrNoLogger = errors.New("no such logger")

// Env is the connected board as the manager sees it. Called on the queue.
type Env interface {
	Connected() bool
	Model() device.Model
	Modules() device.Modules
	Context() context.Context
}

// Handle identifies a running logger by the key its records carry in
// downloaded data.
type Handle struct {
	Key        string
	ID         uint8
	Descriptor signal.Descriptor
}

type activeLogger struct {
	Handle
	hw board.Handle
	// adopted loggers were found on the board; nothing local was acquired for them
	adopted bool
	paused  bool
}

// Manager owns the active-logger table of one session.
type Manager struct {
	q       *queue.Queue
	driver  board.Driver
	table   *signal.Table
	tracker *signal.Tracker
	env     Env
	logger  *logrus.Logger
	clock   func() time.Time

	// owned by the queue
	active   map[string]*activeLogger
	anchored map[uint8]bool

	snapshot atomic.Pointer[[]string]
}

func NewManager(q *queue.Queue, driver board.Driver, table *signal.Table, tracker *signal.Tracker, env Env, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		q:        q,
		driver:   driver,
		table:    table,
		tracker:  tracker,
		env:      env,
		logger:   logger,
		clock:    time.Now,
		active:   make(map[string]*activeLogger),
		anchored: make(map[uint8]bool),
	}
	m.publish()
	return m
}

// Active is a snapshot of the locally known logger keys. It does no I/O.
func (m *Manager) Active() []string {
	return slices.Clone(*m.snapshot.Load())
}

func (m *Manager) publish() {
	keys := make([]string, 0, len(m.active))
	for k := range m.active {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	m.snapshot.Store(&keys)
}

// StartLogging registers d with the board's logger and starts recording.
// Starting a key that already logs with the same parameters returns the
// existing handle.
func (m *Manager) StartLogging(ctx context.Context, d signal.Descriptor) (Handle, error) {
	d.Mode = signal.ModeLog
	return queue.Do(ctx, m.q, func() (Handle, error) {
		if !m.env.Connected() {
			return Handle{}, device.ErrNotConnected
		}
		resolved, err := m.table.Resolve(d, m.env.Model(), m.env.Modules())
		if err != nil {
			return Handle{}, err
		}
		info, _ := m.table.Info(resolved.Kind)

		if l, ok := m.active[info.LoggerKey]; ok {
			if !l.adopted && l.Descriptor.HardwareKey() == resolved.HardwareKey() {
				return l.Handle, nil
			}
			return Handle{}, &device.ConflictError{Requested: resolved.String(), Active: []string{info.LoggerKey}}
		}

		if err := m.tracker.Check(resolved); err != nil {
			return Handle{}, err
		}
		hw, err := m.driver.Resolve(resolved, m.env.Model(), m.env.Modules())
		if err != nil {
			return Handle{}, err
		}
		if _, err := m.tracker.Acquire(resolved); err != nil {
			return Handle{}, err
		}

		l, err := m.open(resolved, hw)
		if err != nil {
			return Handle{}, err
		}
		m.active[l.Key] = l
		m.publish()
		m.logger.WithFields(logrus.Fields{
			"key":    l.Key,
			"id":     l.ID,
			"signal": resolved.String(),
		}).Info("Logging started")
		return l.Handle, nil
	})
}

func (m *Manager) open(d signal.Descriptor, hw board.Handle) (*activeLogger, error) {
	ctx := m.env.Context()
	if err := m.stampReference(ctx); err != nil {
		m.release(ctx, d)
		return nil, err
	}
	info, err := m.driver.EnableLogging(ctx, hw)
	if err != nil {
		m.release(ctx, d)
		return nil, fmt.Errorf("enable logging %s: %w", d, err)
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"configure", func() error { return m.driver.Configure(ctx, hw) }},
		{"start", func() error { return m.driver.Start(ctx, hw) }},
		{"start logging", func() error { return m.driver.StartLogging(ctx, false) }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			if derr := m.driver.DisableLogging(ctx, info.ID); derr != nil {
				m.logger.WithField("error", derr).Debug("Disable logger after failed start")
			}
			m.release(ctx, d)
			return nil, fmt.Errorf("%s %s: %w", step.name, d, err)
		}
	}
	return &activeLogger{Handle: Handle{Key: info.Key, ID: info.ID, Descriptor: d}, hw: hw}, nil
}

// stampReference records host time for the current reset epoch once per epoch.
func (m *Manager) stampReference(ctx context.Context) error {
	uid, err := m.driver.LatestResetUID(ctx)
	if err != nil {
		return fmt.Errorf("read reset uid: %w", err)
	}
	if m.anchored[uid] {
		return nil
	}
	if err := m.driver.SetReferenceTime(ctx, uid, m.clock()); err != nil {
		return fmt.Errorf("set reference time: %w", err)
	}
	m.anchored[uid] = true
	m.logger.WithField("reset_uid", uid).Debug("Reference time stamped")
	return nil
}

func (m *Manager) release(ctx context.Context, d signal.Descriptor) {
	idle := m.tracker.Release(d)
	if len(idle) == 0 {
		return
	}
	if err := m.driver.PowerDown(ctx, idle); err != nil {
		m.logger.WithFields(logrus.Fields{"resources": idle, "error": err}).Warn("Power down failed")
	}
}

// OnConnected re-stamps the reference time after a reconnect so an epoch
// begun while the host was away still gets an anchor. Call on the queue.
func (m *Manager) OnConnected(ctx context.Context) error {
	loggers, err := m.driver.ListLoggers(ctx)
	if err != nil {
		return err
	}
	if len(loggers) == 0 {
		return nil
	}
	return m.stampReference(ctx)
}

// StopLogging stops and removes the logger with key, including loggers
// started by an earlier session.
func (m *Manager) StopLogging(ctx context.Context, key string) error {
	return queue.Run(ctx, m.q, func() error {
		if !m.env.Connected() {
			return device.ErrNotConnected
		}
		bctx := m.env.Context()

		l, ok := m.active[key]
		if !ok {
			if l, ok = m.findOnBoard(bctx, key); !ok {
				return fmt.Errorf("stop logging %q: %w", key, ErrNoLogger)
			}
		}

		var errs []error
		if !l.adopted && !l.paused {
			if err := m.driver.Stop(bctx, l.hw); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", l.Descriptor, err))
			}
		}
		if err := m.driver.DisableLogging(bctx, l.ID); err != nil {
			errs = append(errs, fmt.Errorf("disable logger %d: %w", l.ID, err))
		}
		if !l.adopted && !l.paused {
			m.release(bctx, l.Descriptor)
		}
		delete(m.active, key)
		m.publish()

		if remaining, err := m.driver.ListLoggers(bctx); err == nil && len(remaining) == 0 {
			if err := m.driver.StopLogging(bctx); err != nil {
				errs = append(errs, fmt.Errorf("stop recording: %w", err))
			}
		}

		m.logger.WithFields(logrus.Fields{"key": key, "id": l.ID}).Info("Logging stopped")
		return errors.Join(errs...)
	})
}

func (m *Manager) findOnBoard(ctx context.Context, key string) (*activeLogger, bool) {
	loggers, err := m.driver.ListLoggers(ctx)
	if err != nil {
		return nil, false
	}
	for _, li := range loggers {
		if li.Key == key {
			return &activeLogger{Handle: Handle{Key: li.Key, ID: li.ID}, adopted: true}, true
		}
	}
	return nil, false
}

// ListActiveLoggers asks the board which loggers exist and reconciles the
// local table with the answer: loggers gone from the board are dropped,
// loggers from earlier sessions are adopted.
func (m *Manager) ListActiveLoggers(ctx context.Context) ([]string, error) {
	return queue.Do(ctx, m.q, func() ([]string, error) {
		if !m.env.Connected() {
			return nil, device.ErrNotConnected
		}
		loggers, err := m.driver.ListLoggers(m.env.Context())
		if err != nil {
			return nil, fmt.Errorf("list loggers: %w", err)
		}
		m.reconcile(loggers)
		return m.Active(), nil
	})
}

func (m *Manager) reconcile(onBoard []board.LoggerInfo) {
	seen := make(map[string]board.LoggerInfo, len(onBoard))
	for _, li := range onBoard {
		seen[li.Key] = li
	}

	for key, l := range m.active {
		if _, ok := seen[key]; ok {
			continue
		}
		m.logger.WithField("key", key).Warn("Logger no longer on board")
		if !l.adopted && !l.paused {
			m.tracker.Release(l.Descriptor)
		}
		delete(m.active, key)
	}
	for key, li := range seen {
		if _, ok := m.active[key]; ok {
			continue
		}
		if _, known := m.table.LoggerTag(key); !known {
			m.logger.WithFields(logrus.Fields{"key": key, "id": li.ID}).Warn("Unknown logger key")
		}
		m.active[key] = &activeLogger{Handle: Handle{Key: key, ID: li.ID}, adopted: true}
	}
	m.publish()
}

// Pause stops recording and the logged routes and powers down sensors
// nothing else holds, leaving the loggers registered so their data can be
// downloaded and logging resumed later.
func (m *Manager) Pause(ctx context.Context) error {
	return queue.Run(ctx, m.q, func() error {
		if !m.env.Connected() {
			return device.ErrNotConnected
		}
		bctx := m.env.Context()
		if err := m.driver.StopLogging(bctx); err != nil {
			return fmt.Errorf("stop recording: %w", err)
		}
		var errs []error
		for _, l := range m.active {
			if l.adopted || l.paused {
				continue
			}
			if err := m.driver.Stop(bctx, l.hw); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", l.Descriptor, err))
			}
			m.release(bctx, l.Descriptor)
			l.paused = true
		}
		m.logger.WithField("loggers", len(m.active)).Info("Logging paused")
		return errors.Join(errs...)
	})
}

// Resume restarts paused loggers and recording. Nothing is restarted when
// any paused logger conflicts with what is active now. A logger whose
// restart fails stays paused and holds no resources.
func (m *Manager) Resume(ctx context.Context) error {
	return queue.Run(ctx, m.q, func() error {
		if !m.env.Connected() {
			return device.ErrNotConnected
		}
		bctx := m.env.Context()
		for _, l := range m.active {
			if !l.paused {
				continue
			}
			if err := m.tracker.Check(l.Descriptor); err != nil {
				return fmt.Errorf("resume %s: %w", l.Key, err)
			}
		}
		for _, l := range m.active {
			if !l.paused {
				continue
			}
			if err := m.restart(bctx, l); err != nil {
				return err
			}
		}
		if err := m.stampReference(bctx); err != nil {
			return err
		}
		return m.driver.StartLogging(bctx, false)
	})
}

func (m *Manager) restart(ctx context.Context, l *activeLogger) error {
	if _, err := m.tracker.Acquire(l.Descriptor); err != nil {
		return fmt.Errorf("resume %s: %w", l.Key, err)
	}
	if err := m.driver.Configure(ctx, l.hw); err != nil {
		m.release(ctx, l.Descriptor)
		return fmt.Errorf("configure %s: %w", l.Descriptor, err)
	}
	if err := m.driver.Start(ctx, l.hw); err != nil {
		m.release(ctx, l.Descriptor)
		return fmt.Errorf("start %s: %w", l.Descriptor, err)
	}
	l.paused = false
	return nil
}

// StopAll stops every logger on the board, removes them, and clears the
// macros and timers that may still reference them.
func (m *Manager) StopAll(ctx context.Context) error {
	return queue.Run(ctx, m.q, func() error {
		if !m.env.Connected() {
			return device.ErrNotConnected
		}
		return m.stopAll(m.env.Context())
	})
}

func (m *Manager) stopAll(ctx context.Context) error {
	var errs []error
	if err := m.driver.StopLogging(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop recording: %w", err))
	}
	var idle []signal.Resource
	for _, l := range m.active {
		if l.adopted || l.paused {
			continue
		}
		if err := m.driver.Stop(ctx, l.hw); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", l.Descriptor, err))
		}
		idle = append(idle, m.tracker.Release(l.Descriptor)...)
	}
	if err := m.driver.RemoveLoggers(ctx); err != nil {
		errs = append(errs, fmt.Errorf("remove loggers: %w", err))
	}
	if err := m.driver.ClearAutomation(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear automation: %w", err))
	}
	if len(idle) > 0 {
		if err := m.driver.PowerDown(ctx, idle); err != nil {
			errs = append(errs, fmt.Errorf("power down: %w", err))
		}
	}
	m.active = make(map[string]*activeLogger)
	m.publish()
	m.logger.Info("All loggers removed")
	return errors.Join(errs...)
}

// StopAllOnQueue is StopAll for callers already running on the queue.
func (m *Manager) StopAllOnQueue(ctx context.Context) error {
	return m.stopAll(ctx)
}

// Forget drops local state after the board was reset: its loggers and
// epochs are gone. Call on the queue.
func (m *Manager) Forget() {
	for _, l := range m.active {
		if !l.adopted && !l.paused {
			m.tracker.Release(l.Descriptor)
		}
	}
	m.active = make(map[string]*activeLogger)
	m.anchored = make(map[uint8]bool)
	m.publish()
}
