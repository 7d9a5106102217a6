// Package session is the per-device facade: connection lifecycle, live
// streams, flash loggers, downloads and identity, all funnelled through the
// scanner's serialization queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearsense/internal/groutine"
	"github.com/srg/wearsense/internal/queue"
	"github.com/srg/wearsense/pkg/board"
	"github.com/srg/wearsense/pkg/connection"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/download"
	"github.com/srg/wearsense/pkg/flashlog"
	"github.com/srg/wearsense/pkg/known"
	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
	"github.com/srg/wearsense/pkg/stream"
	"github.com/srg/wearsense/pkg/transport"
)

// Resolver returns the scanner-owned device record, or
// device.ErrDeviceUnavailable once the scanner has let it go. A session
// never keeps the device alive on its own.
type Resolver func() (*device.Device, error)

type Options struct {
	StreamBuffer  int
	Notifications int
	Strict        bool
	// Table is shared by sessions of one scanner; nil builds a fresh one.
	Table *signal.Table
	// Known, when set, is refreshed after every connection.
	Known *known.Store
}

// Session is the public face of one device.
type Session struct {
	localID   string
	resolve   Resolver
	q         *queue.Queue
	transport transport.Transport
	driver    board.Driver
	known     *known.Store
	logger    *logrus.Logger

	machine   *connection.Machine
	streams   *stream.Registry
	loggers   *flashlog.Manager
	downloads *download.Orchestrator

	// host time of device tick zero for live samples, set on connect
	anchor atomic.Pointer[time.Time]
}

func New(q *queue.Queue, localID string, resolve Resolver, tr transport.Transport, driver board.Driver, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	table := opts.Table
	if table == nil {
		table = signal.NewTable()
	}
	tracker := signal.NewTracker(table)

	s := &Session{
		localID:   localID,
		resolve:   resolve,
		q:         q,
		transport: tr,
		driver:    driver,
		known:     opts.Known,
		logger:    logger,
	}
	now := time.Now()
	s.anchor.Store(&now)

	s.machine = connection.New(q, localID, s.connect, logger)
	s.streams = stream.NewRegistry(q, driver, table, tracker, s, stream.Options{
		BufferSize: opts.StreamBuffer,
		Strict:     opts.Strict,
		Anchor:     func() time.Time { return *s.anchor.Load() },
	}, logger)
	s.loggers = flashlog.NewManager(q, driver, table, tracker, s, logger)
	s.downloads = download.New(q, driver, table, s, download.Options{
		Notifications: opts.Notifications,
		Strict:        opts.Strict,
	}, logger)
	s.machine.OnTransition(s.onTransition)
	return s
}

func (s *Session) LocalID() string { return s.localID }

// Connected, Model, Modules and Context make the session the environment of
// its registries. They are called on the queue.

func (s *Session) Connected() bool { return s.machine.State() == connection.Connected }

func (s *Session) Model() device.Model {
	if d, err := s.resolve(); err == nil {
		return d.Info().Model
	}
	return device.ModelUnknown
}

func (s *Session) Modules() device.Modules {
	if d, err := s.resolve(); err == nil {
		return d.Modules()
	}
	return device.Modules{}
}

func (s *Session) Context() context.Context { return s.machine.Context() }

// connect is one connect attempt: dial, bind the driver, read identity and
// capabilities. It runs off the queue.
func (s *Session) connect(ctx context.Context) (transport.Link, error) {
	d, err := s.resolve()
	if err != nil {
		return nil, err
	}
	link, err := s.transport.Connect(ctx, s.localID)
	if err != nil {
		return nil, err
	}
	fail := func(op string, err error) (transport.Link, error) {
		_ = link.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.driver.Setup(ctx, link, s.streams.Dispatch); err != nil {
		return fail("setup", err)
	}
	info, err := s.driver.ReadInfo(ctx)
	if err != nil {
		return fail("read device info", err)
	}
	d.SetInfo(info)
	modules, err := s.driver.DetectModules(ctx)
	if err != nil {
		return fail("detect modules", err)
	}
	d.SetModules(modules)

	tick, err := s.driver.Tick(ctx)
	if err != nil {
		return fail("read board clock", err)
	}
	offset, err := record.TickOffset(tick)
	if err != nil {
		return fail("read board clock", err)
	}
	zero := time.Now().Add(-offset)
	s.anchor.Store(&zero)
	s.logger.WithFields(logrus.Fields{
		"device":  s.localID,
		"mac":     info.MAC,
		"model":   info.Model.String(),
		"modules": len(modules),
	}).Debug("Board identified")
	return link, nil
}

// onTransition runs on the queue before observers see ev.
func (s *Session) onTransition(ev connection.Event) {
	switch ev.State {
	case connection.Connected:
		if err := s.loggers.OnConnected(s.machine.Context()); err != nil {
			s.logger.WithFields(logrus.Fields{"device": s.localID, "error": err}).Warn("Failed to stamp log epoch")
		}
		if s.known != nil {
			groutine.Go(context.Background(), "refresh:"+s.localID, func(context.Context) {
				if _, err := s.Refresh(); err != nil {
					s.logger.WithFields(logrus.Fields{"device": s.localID, "error": err}).Warn("Failed to update known devices")
				}
			})
		}
	case connection.Disconnecting, connection.Disconnected:
		cause := ev.Err
		if cause == nil {
			cause = device.ErrDisconnected
		}
		s.streams.Reset(cause)
		s.downloads.Abort(cause)
	}
}

// State is a snapshot of the connection state.
func (s *Session) State() connection.State { return s.machine.State() }

// States delivers every transition, starting with the current state.
func (s *Session) States(ctx context.Context) <-chan connection.Event { return s.machine.States(ctx) }

func (s *Session) WhenConnected(ctx context.Context) <-chan connection.Event {
	return s.machine.WhenConnected(ctx)
}

// Connect connects, or joins the attempt already under way, and waits for
// the outcome.
func (s *Session) Connect(ctx context.Context) error {
	if _, err := s.resolve(); err != nil {
		return err
	}
	attempt, err := s.machine.Connect(ctx)
	if err != nil {
		return err
	}
	return s.machine.Await(ctx, attempt)
}

// Disconnect wins over a connect in progress.
func (s *Session) Disconnect(ctx context.Context) error { return s.machine.Disconnect(ctx) }

// Close ends the session; observers get ErrDeviceUnavailable.
func (s *Session) Close() { s.machine.Close() }

func (s *Session) Stream(ctx context.Context, d signal.Descriptor) (*stream.Subscription, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.streams.Subscribe(ctx, d)
}

func (s *Session) ReadOnce(ctx context.Context, d signal.Descriptor) (record.Sample, error) {
	if err := s.usable(); err != nil {
		return record.Sample{}, err
	}
	return s.streams.ReadOnce(ctx, d)
}

// Poll reads d every interval until the subscription is closed.
func (s *Session) Poll(ctx context.Context, d signal.Descriptor, interval time.Duration) (*stream.Subscription, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.streams.Poll(ctx, d, interval)
}

func (s *Session) StartLogging(ctx context.Context, d signal.Descriptor) (flashlog.Handle, error) {
	if err := s.usable(); err != nil {
		return flashlog.Handle{}, err
	}
	return s.loggers.StartLogging(ctx, d)
}

func (s *Session) StopLogging(ctx context.Context, key string) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.loggers.StopLogging(ctx, key)
}

// ListActiveLoggers asks the board and reconciles the local view.
func (s *Session) ListActiveLoggers(ctx context.Context) ([]string, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.loggers.ListActiveLoggers(ctx)
}

// ActiveLoggers is the local view without I/O.
func (s *Session) ActiveLoggers() []string { return s.loggers.Active() }

func (s *Session) PauseLogging(ctx context.Context) error  { return s.loggers.Pause(ctx) }
func (s *Session) ResumeLogging(ctx context.Context) error { return s.loggers.Resume(ctx) }

// Download reads the flash log; see download.Orchestrator.
func (s *Session) Download(ctx context.Context, startDate time.Time) (*download.Session, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.downloads.Download(ctx, startDate)
}

// Clear erases flash entries covered by a complete download.
func (s *Session) Clear(ctx context.Context, res *download.Result) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.downloads.Clear(ctx, res)
}

// Identity is a snapshot; the name prefers what the user stored.
func (s *Session) Identity() device.Identity {
	d, err := s.resolve()
	if err != nil {
		return device.Identity{LocalID: s.localID, MAC: device.PlaceholderMAC(s.localID)}
	}
	id := d.Identity()
	if s.known != nil {
		if m, ok := s.known.Lookup(s.localID); ok && m.Name != "" {
			id.Name = m.Name
		}
	}
	return id
}

// Refresh merges the current identity into the known-devices store.
func (s *Session) Refresh() (known.Metadata, error) {
	d, err := s.resolve()
	if err != nil {
		return known.Metadata{}, err
	}
	if s.known == nil {
		return known.FromDevice(d), nil
	}
	return s.known.Reconcile(s.localID, known.FromDevice(d))
}

// RSSI reads the signal strength of the live link.
func (s *Session) RSSI(ctx context.Context) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	rssi, err := queue.Do(ctx, s.q, func() (int, error) {
		link, err := s.machine.Link()
		if err != nil {
			return 0, err
		}
		return link.ReadRSSI(s.machine.Context())
	})
	if err != nil {
		return 0, err
	}
	if d, err := s.resolve(); err == nil {
		d.SetRSSI(rssi)
	}
	return rssi, nil
}

// Command sends a one-shot actuator or settings write.
func (s *Session) Command(ctx context.Context, cmd board.Command) error {
	if err := s.usable(); err != nil {
		return err
	}
	err := queue.Run(ctx, s.q, func() error {
		if !s.Connected() {
			return device.ErrNotConnected
		}
		return s.driver.Command(s.machine.Context(), cmd)
	})
	if err != nil || cmd.Kind != board.CommandRename {
		return err
	}
	if d, err := s.resolve(); err == nil {
		d.SetName(cmd.Name)
	}
	if s.known != nil {
		if m, ok := s.known.Lookup(s.localID); ok {
			return s.known.Rename(m.MAC, cmd.Name)
		}
	}
	return nil
}

// RecordMacro stores cmds as a macro on the board and returns its id. A
// startup macro also runs after every boot, with or without a host.
func (s *Session) RecordMacro(ctx context.Context, onStartup bool, cmds ...board.Command) (uint8, error) {
	if len(cmds) == 0 {
		return 0, errors.New("record macro: no commands")
	}
	if err := s.automation(device.ModuleMacro, "macros"); err != nil {
		return 0, err
	}
	id, err := queue.Do(ctx, s.q, func() (uint8, error) {
		if !s.Connected() {
			return 0, device.ErrNotConnected
		}
		return s.driver.RecordMacro(s.machine.Context(), onStartup, cmds)
	})
	if err != nil {
		return 0, err
	}
	s.logger.WithFields(logrus.Fields{
		"local_id": s.localID,
		"macro":    id,
		"commands": len(cmds),
		"startup":  onStartup,
	}).Info("Macro recorded")
	return id, nil
}

// ExecuteMacro runs a recorded macro now.
func (s *Session) ExecuteMacro(ctx context.Context, id uint8) error {
	if err := s.automation(device.ModuleMacro, "macros"); err != nil {
		return err
	}
	return queue.Run(ctx, s.q, func() error {
		if !s.Connected() {
			return device.ErrNotConnected
		}
		return s.driver.ExecuteMacro(s.machine.Context(), id)
	})
}

// RecordEvent has the board run cmds on its own each time trigger fires.
// ResetToFactoryDefaults erases recorded events along with macros.
func (s *Session) RecordEvent(ctx context.Context, trigger board.EventTrigger, cmds ...board.Command) error {
	if len(cmds) == 0 {
		return fmt.Errorf("record %s: no commands", trigger)
	}
	if err := s.automation(device.ModuleSwitch, trigger.String()); err != nil {
		return err
	}
	return queue.Run(ctx, s.q, func() error {
		if !s.Connected() {
			return device.ErrNotConnected
		}
		return s.driver.RecordEvent(s.machine.Context(), trigger, cmds)
	})
}

// automation checks the board has module before anything is sent. Modules
// are unknown until the first connection, so that case is left to the board.
func (s *Session) automation(module device.Module, what string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if modules := s.Modules(); len(modules) > 0 && !modules.Has(module) {
		return &device.CapabilityError{Signal: what, Model: s.Model(), Reason: "no " + string(module) + " module"}
	}
	return nil
}

// PowerDownSensors ends every live stream with stream.ErrStopped and pauses
// logging, leaving loggers and their data on the board.
func (s *Session) PowerDownSensors(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.streams.StopAll(ctx, stream.ErrStopped); err != nil {
		return err
	}
	return s.loggers.Pause(ctx)
}

// ResetToFactoryDefaults wipes loggers, logged data, macros and timers,
// resets the board and disconnects.
func (s *Session) ResetToFactoryDefaults(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	return queue.Run(ctx, s.q, func() error {
		if !s.Connected() {
			return device.ErrNotConnected
		}
		bctx := s.machine.Context()
		var errs []error
		if err := s.streams.StopAllOnQueue(device.ErrDisconnected); err != nil {
			errs = append(errs, err)
		}
		if err := s.driver.StopLogging(bctx); err != nil {
			errs = append(errs, fmt.Errorf("stop recording: %w", err))
		}
		if err := s.driver.TearDown(bctx); err != nil {
			errs = append(errs, fmt.Errorf("tear down: %w", err))
		}
		if err := s.driver.ClearEntries(bctx); err != nil {
			errs = append(errs, fmt.Errorf("clear entries: %w", err))
		}
		if err := s.driver.ClearAutomation(bctx); err != nil {
			errs = append(errs, fmt.Errorf("clear automation: %w", err))
		}
		s.loggers.Forget()
		if err := s.driver.ResetAfterGC(bctx); err != nil && !errors.Is(err, device.ErrTransport) {
			errs = append(errs, fmt.Errorf("reset: %w", err))
		}
		s.logger.WithField("device", s.localID).Info("Board reset to factory defaults")
		if err := s.machine.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
}

func (s *Session) usable() error {
	_, err := s.resolve()
	return err
}
