// Package connection tracks the connection lifecycle of one device.
//
// All transitions run on the session's serialization queue. Observers get
// every transition in order with replay-latest semantics. A connect attempt
// is identified by a generation number; a completion arriving for an older
// generation is discarded, which is how a disconnect issued mid-connect wins.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearsense/internal/broadcast"
	"github.com/srg/wearsense/internal/groutine"
	"github.com/srg/wearsense/internal/queue"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/transport"
)

// State is ordered by progress toward connected.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

var stateNames = [...]string{"disconnected", "connecting", "connected", "disconnecting"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event is one transition.
type Event struct {
	State State
	// Attempt is the connect generation the transition belongs to.
	Attempt uint64
	// Unexpected marks a link loss nobody asked for.
	Unexpected bool
	// Err is set for failed connects, link loss and teardown.
	Err error
}

var ErrLinkLost = errors.New("link lost")

// Connector performs one connect attempt: dial plus board setup. It runs
// off the queue and must honour ctx.
type Connector func(ctx context.Context) (transport.Link, error)

// Machine is the per-device connection state machine.
type Machine struct {
	q         *queue.Queue
	logger    *logrus.Logger
	name      string
	connector Connector
	events    *broadcast.Broadcaster[Event]

	// owned by the queue
	attempt        uint64
	pendingConnect bool
	link           transport.Link
	hooks          []func(Event)
	closed         bool

	state atomic.Int32

	cancelMu sync.Mutex
	cancel   context.CancelCauseFunc
	connCtx  context.Context
}

func New(q *queue.Queue, name string, connector Connector, logger *logrus.Logger) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Machine{
		q:         q,
		logger:    logger,
		name:      name,
		connector: connector,
		events:    broadcast.New(Event{State: Disconnected}),
		connCtx:   canceledContext(),
	}
	return m
}

// State returns a snapshot of the current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Link returns the live link, or ErrNotConnected. It must be called on the queue.
func (m *Machine) Link() (transport.Link, error) {
	if m.State() != Connected || m.link == nil {
		return nil, device.ErrNotConnected
	}
	return m.link, nil
}

// Context is cancelled when the current connection ends.
func (m *Machine) Context() context.Context {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	return m.connCtx
}

// OnTransition registers fn to run on the queue after every transition,
// before observers are notified.
func (m *Machine) OnTransition(fn func(Event)) {
	_ = m.q.Post(func() { m.hooks = append(m.hooks, fn) })
}

// States subscribes to transitions. The current state is delivered first.
func (m *Machine) States(ctx context.Context) <-chan Event {
	ch, _ := m.events.Subscribe(ctx)
	return ch
}

// WhenConnected delivers one event per transition into Connected, including
// one that happened before the call.
func (m *Machine) WhenConnected(ctx context.Context) <-chan Event {
	in := m.States(ctx)
	out := make(chan Event)
	groutine.Go(ctx, "when-connected:"+m.name, func(ctx context.Context) {
		defer close(out)
		for ev := range in {
			if ev.State != Connected {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	})
	return out
}

// Connect starts a connect attempt if disconnected, is a no-op while
// connecting or connected, and queues a single connect while disconnecting.
// It returns the attempt generation to wait on.
func (m *Machine) Connect(ctx context.Context) (uint64, error) {
	return queue.Do(ctx, m.q, func() (uint64, error) {
		if m.closed {
			return 0, device.ErrDeviceUnavailable
		}
		switch m.State() {
		case Disconnected:
			return m.startAttempt(), nil
		case Disconnecting:
			if !m.pendingConnect {
				m.logger.WithField("device", m.name).Debug("Connect queued behind disconnect")
			}
			m.pendingConnect = true
			return m.attempt + 1, nil
		default:
			return m.attempt, nil
		}
	})
}

// Await blocks until attempt reaches Connected or ends in Disconnected.
func (m *Machine) Await(ctx context.Context, attempt uint64) error {
	sub, cancel := m.events.Subscribe(ctx)
	defer cancel()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return device.ErrDeviceUnavailable
			}
			if ev.Attempt < attempt {
				continue
			}
			switch ev.State {
			case Connected:
				return nil
			case Disconnected:
				if ev.Err != nil {
					return ev.Err
				}
				return device.ErrDisconnected
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect tears the link down from any state. It cancels an in-flight
// connect immediately, before waiting for its turn on the queue.
func (m *Machine) Disconnect(ctx context.Context) error {
	m.cancelMu.Lock()
	if m.cancel != nil && m.State() == Connecting {
		m.cancel(device.ErrDisconnected)
	}
	m.cancelMu.Unlock()

	return queue.Run(ctx, m.q, func() error {
		switch m.State() {
		case Connected:
			m.beginDisconnect()
		case Connecting:
			m.abortConnect()
		case Disconnecting:
			if m.pendingConnect {
				m.pendingConnect = false
				// releases anyone waiting on the dropped pending attempt
				m.attempt++
			}
		}
		return nil
	})
}

// Close ends the machine for good: the link is dropped, observers get a
// final Disconnected carrying ErrDeviceUnavailable and their channels close.
func (m *Machine) Close() {
	_ = queue.Run(context.Background(), m.q, func() error {
		if m.closed {
			return nil
		}
		m.closed = true
		m.pendingConnect = false
		m.cancelConn(device.ErrDeviceUnavailable)
		if m.link != nil {
			closeLink(m.link, m.logger)
			m.link = nil
		}
		m.attempt++
		m.transition(Event{State: Disconnected, Err: device.ErrDeviceUnavailable})
		m.events.Close()
		return nil
	})
}

func (m *Machine) startAttempt() uint64 {
	m.attempt++
	id := m.attempt

	ctx, cancel := context.WithCancelCause(context.Background())
	m.cancelMu.Lock()
	m.cancel = cancel
	m.connCtx = ctx
	m.cancelMu.Unlock()

	m.logger.WithFields(logrus.Fields{"device": m.name, "attempt": id}).Info("Connecting...")
	m.transition(Event{State: Connecting})

	groutine.Go(ctx, "connect:"+m.name, func(ctx context.Context) {
		link, err := m.connector(ctx)
		if postErr := m.q.Post(func() { m.finishConnect(id, link, err) }); postErr != nil && link != nil {
			closeLink(link, m.logger)
		}
	})
	return id
}

func (m *Machine) finishConnect(id uint64, link transport.Link, err error) {
	if id != m.attempt || m.State() != Connecting {
		if link != nil {
			m.logger.WithFields(logrus.Fields{"device": m.name, "attempt": id}).Warn("Discarding late connect completion")
			closeLink(link, m.logger)
		}
		return
	}
	// Disconnect cancels the attempt before its queued transition runs
	if errors.Is(context.Cause(m.Context()), device.ErrDisconnected) {
		if link != nil {
			closeLink(link, m.logger)
		}
		return
	}

	if err != nil {
		m.cancelConn(err)
		// a link that failed during setup was lost, not refused
		lost := errors.Is(err, device.ErrTransport) || errors.Is(err, ErrLinkLost)
		if !errors.Is(err, device.ErrTransport) {
			err = &device.TransportError{Op: "connect", Err: err}
		}
		m.logger.WithFields(logrus.Fields{"device": m.name, "error": err, "lost": lost}).Warn("Connect failed")
		m.transition(Event{State: Disconnected, Unexpected: lost, Err: err})
		return
	}

	m.link = link
	m.logger.WithFields(logrus.Fields{"device": m.name, "attempt": id}).Info("Connected")
	m.transition(Event{State: Connected})

	connCtx := m.Context()
	groutine.Go(connCtx, "link-monitor:"+m.name, func(ctx context.Context) {
		select {
		case <-link.Disconnected():
			_ = m.q.Post(func() { m.linkLost(id) })
		case <-ctx.Done():
		}
	})
}

func (m *Machine) linkLost(id uint64) {
	if id != m.attempt || m.State() != Connected {
		return
	}
	err := &device.TransportError{Op: "link", Err: ErrLinkLost}
	m.cancelConn(err)
	if m.link != nil {
		closeLink(m.link, m.logger)
		m.link = nil
	}
	m.logger.WithField("device", m.name).Warn("Link lost")
	m.transition(Event{State: Disconnected, Unexpected: true, Err: err})
}

func (m *Machine) beginDisconnect() {
	link := m.link
	m.link = nil
	m.cancelConn(device.ErrDisconnected)
	m.transition(Event{State: Disconnecting})

	groutine.Go(context.Background(), "disconnect:"+m.name, func(context.Context) {
		closeLink(link, m.logger)
		_ = m.q.Post(m.finishDisconnect)
	})
}

func (m *Machine) abortConnect() {
	m.cancelConn(device.ErrDisconnected)
	// the in-flight completion now carries a stale generation
	m.attempt++
	m.pendingConnect = false
	m.transition(Event{State: Disconnecting})
	m.transition(Event{State: Disconnected})
	m.logger.WithField("device", m.name).Info("Connect cancelled")
}

func (m *Machine) finishDisconnect() {
	if m.State() != Disconnecting {
		return
	}
	m.logger.WithField("device", m.name).Info("Disconnected")
	m.transition(Event{State: Disconnected})

	if m.pendingConnect && !m.closed {
		m.pendingConnect = false
		m.startAttempt()
	}
}

func (m *Machine) transition(ev Event) {
	ev.Attempt = m.attempt
	m.state.Store(int32(ev.State))
	for _, fn := range m.hooks {
		fn(ev)
	}
	m.events.Publish(ev)
}

func (m *Machine) cancelConn(cause error) {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	if m.cancel != nil {
		m.cancel(cause)
		m.cancel = nil
	}
}

func closeLink(link transport.Link, logger *logrus.Logger) {
	if link == nil {
		return
	}
	if err := link.Close(); err != nil {
		logger.WithField("error", err).Debug("Link close failed")
	}
}

func canceledContext() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(device.ErrNotConnected)
	return ctx
}
