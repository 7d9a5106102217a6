package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearsense/internal/queue"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/transport"
	"github.com/stretchr/testify/suite"
)

type fakeLink struct {
	lost      chan struct{}
	lostOnce  sync.Once
	closed    atomic.Bool
	holdClose chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{lost: make(chan struct{})}
}

func (l *fakeLink) Write(context.Context, transport.Characteristic, []byte, bool) error { return nil }
func (l *fakeLink) Read(context.Context, transport.Characteristic) ([]byte, error)      { return nil, nil }
func (l *fakeLink) Subscribe(context.Context, transport.Characteristic, func([]byte)) error {
	return nil
}
func (l *fakeLink) ReadRSSI(context.Context) (int, error) { return -50, nil }
func (l *fakeLink) Disconnected() <-chan struct{}         { return l.lost }
func (l *fakeLink) Close() error {
	if l.holdClose != nil {
		<-l.holdClose
	}
	l.closed.Store(true)
	l.drop()
	return nil
}
func (l *fakeLink) drop() { l.lostOnce.Do(func() { close(l.lost) }) }

type ConnectionTestSuite struct {
	suite.Suite
	q       *queue.Queue
	logger  *logrus.Logger
	calls   atomic.Int32
	connect func(ctx context.Context) (transport.Link, error)
	m       *Machine
}

func (suite *ConnectionTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.DebugLevel)
	suite.q = queue.New("test", suite.logger)
	suite.calls.Store(0)
	suite.connect = func(context.Context) (transport.Link, error) { return newFakeLink(), nil }
	suite.m = New(suite.q, "dev-1", func(ctx context.Context) (transport.Link, error) {
		suite.calls.Add(1)
		return suite.connect(ctx)
	}, suite.logger)
}

func (suite *ConnectionTestSuite) TearDownTest() {
	suite.m.Close()
	suite.q.Close()
}

// recorder collects every state delivered to one observer.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (suite *ConnectionTestSuite) observe() *recorder {
	r := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	suite.T().Cleanup(cancel)
	ch := suite.m.States(ctx)
	go func() {
		for ev := range ch {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	// the replayed state arrives first
	suite.Require().Eventually(func() bool { return len(r.states()) > 0 }, time.Second, time.Millisecond)
	return r
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.State
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (suite *ConnectionTestSuite) waitStates(r *recorder, want ...State) {
	suite.Require().Eventually(func() bool {
		return len(r.states()) >= len(want)
	}, 2*time.Second, time.Millisecond, "MUST observe %v", want)
	suite.Assert().Equal(want, r.states())
}

func (suite *ConnectionTestSuite) TestConnectSequence() {
	// GOAL: Verify a plain connect yields exactly disconnected, connecting, connected
	//
	// TEST SCENARIO: observe → connect → transport succeeds after 50ms → three states in order
	suite.connect = func(ctx context.Context) (transport.Link, error) {
		time.Sleep(50 * time.Millisecond)
		return newFakeLink(), nil
	}
	r := suite.observe()

	attempt, err := suite.m.Connect(context.Background())
	suite.Require().NoError(err)
	suite.Require().NoError(suite.m.Await(context.Background(), attempt), "MUST connect")

	suite.waitStates(r, Disconnected, Connecting, Connected)
	suite.Assert().Equal(Connected, suite.m.State())
}

func (suite *ConnectionTestSuite) TestConnectIsIdempotent() {
	// GOAL: Verify repeated connects while connecting or connected start a single attempt
	//
	// TEST SCENARIO: 20 concurrent connects → one transport attempt → one connected event → more connects → still one
	release := make(chan struct{})
	suite.connect = func(ctx context.Context) (transport.Link, error) {
		<-release
		return newFakeLink(), nil
	}
	r := suite.observe()

	var wg sync.WaitGroup
	attempts := make(chan uint64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := suite.m.Connect(context.Background())
			suite.Assert().NoError(err)
			attempts <- a
		}()
	}
	wg.Wait()
	close(release)
	close(attempts)

	for a := range attempts {
		suite.Assert().NoError(suite.m.Await(context.Background(), a))
	}
	for i := 0; i < 5; i++ {
		_, err := suite.m.Connect(context.Background())
		suite.Require().NoError(err)
	}
	suite.waitStates(r, Disconnected, Connecting, Connected)
	suite.Assert().Equal(int32(1), suite.calls.Load(), "MUST dial exactly once")
}

func (suite *ConnectionTestSuite) TestDisconnectWinsOverLateConnect() {
	// GOAL: Verify a disconnect issued while connecting wins even when the transport acknowledges later
	//
	// TEST SCENARIO: connect → disconnect before ack → ack arrives → state stays disconnected, link is closed
	release := make(chan struct{})
	late := newFakeLink()
	suite.connect = func(ctx context.Context) (transport.Link, error) {
		<-release // ignores ctx like a slow radio
		return late, nil
	}
	r := suite.observe()

	attempt, err := suite.m.Connect(context.Background())
	suite.Require().NoError(err)
	suite.Require().NoError(suite.m.Disconnect(context.Background()))
	close(release)

	err = suite.m.Await(context.Background(), attempt)
	suite.Assert().ErrorIs(err, device.ErrDisconnected)

	suite.Require().Eventually(late.closed.Load, 2*time.Second, time.Millisecond, "MUST close the discarded link")
	time.Sleep(20 * time.Millisecond)
	suite.Assert().Equal([]State{Disconnected, Connecting, Disconnecting, Disconnected}, r.states())
	suite.Assert().NotContains(r.states()[1:], Connected)
	suite.Assert().Equal(Disconnected, suite.m.State())
}

func (suite *ConnectionTestSuite) TestCleanDisconnect() {
	attempt, err := suite.m.Connect(context.Background())
	suite.Require().NoError(err)
	suite.Require().NoError(suite.m.Await(context.Background(), attempt))
	r := suite.observe()

	suite.Require().NoError(suite.m.Disconnect(context.Background()))
	suite.waitStates(r, Connected, Disconnecting, Disconnected)
	suite.Assert().False(r.last().Unexpected)
	suite.Assert().NoError(r.last().Err)

	suite.Assert().NoError(suite.m.Disconnect(context.Background()), "MUST be a no-op when disconnected")
}

func (suite *ConnectionTestSuite) TestLinkLossForcesDisconnected() {
	// GOAL: Verify link loss skips disconnecting and is flagged as unexpected to every observer
	//
	// TEST SCENARIO: connect → radio drops link → two observers see connected → disconnected(unexpected)
	link := newFakeLink()
	suite.connect = func(context.Context) (transport.Link, error) { return link, nil }
	attempt, err := suite.m.Connect(context.Background())
	suite.Require().NoError(err)
	suite.Require().NoError(suite.m.Await(context.Background(), attempt))

	r1, r2 := suite.observe(), suite.observe()
	connCtx := suite.m.Context()
	link.drop()

	for _, r := range []*recorder{r1, r2} {
		suite.waitStates(r, Connected, Disconnected)
		ev := r.last()
		suite.Assert().True(ev.Unexpected, "MUST flag the disconnect as unexpected")
		suite.Assert().ErrorIs(ev.Err, device.ErrTransport)
		suite.Assert().True(device.IsUnexpectedDisconnect(ev.Err))
	}
	suite.Assert().Error(connCtx.Err(), "MUST cancel the connection context")
}

func (suite *ConnectionTestSuite) TestConnectWhileDisconnectingQueuesOne() {
	// GOAL: Verify connect during disconnecting runs exactly once after the disconnect completes
	//
	// TEST SCENARIO: connected → slow disconnect → 3 connects → close finishes → one new attempt → connected
	hold := make(chan struct{})
	first := newFakeLink()
	first.holdClose = hold
	links := []transport.Link{first, newFakeLink()}
	var idx atomic.Int32
	suite.connect = func(context.Context) (transport.Link, error) {
		return links[idx.Add(1)-1], nil
	}

	attempt, err := suite.m.Connect(context.Background())
	suite.Require().NoError(err)
	suite.Require().NoError(suite.m.Await(context.Background(), attempt))
	r := suite.observe()

	suite.Require().NoError(suite.m.Disconnect(context.Background()))
	var next uint64
	for i := 0; i < 3; i++ {
		next, err = suite.m.Connect(context.Background())
		suite.Require().NoError(err)
	}
	close(hold)

	suite.Require().NoError(suite.m.Await(context.Background(), next))
	suite.waitStates(r, Connected, Disconnecting, Disconnected, Connecting, Connected)
	suite.Assert().Equal(int32(2), suite.calls.Load())
}

func (suite *ConnectionTestSuite) TestDisconnectDropsPendingConnect() {
	hold := make(chan struct{})
	link := newFakeLink()
	link.holdClose = hold
	suite.connect = func(context.Context) (transport.Link, error) { return link, nil }

	attempt, err := suite.m.Connect(context.Background())
	suite.Require().NoError(err)
	suite.Require().NoError(suite.m.Await(context.Background(), attempt))

	suite.Require().NoError(suite.m.Disconnect(context.Background()))
	pending, err := suite.m.Connect(context.Background())
	suite.Require().NoError(err)
	suite.Require().NoError(suite.m.Disconnect(context.Background()))
	close(hold)

	err = suite.m.Await(context.Background(), pending)
	suite.Assert().ErrorIs(err, device.ErrDisconnected, "MUST release waiters of the dropped connect")
	suite.Assert().Equal(int32(1), suite.calls.Load())
}

func (suite *ConnectionTestSuite) TestConnectFailure() {
	boom := errors.New("peer not found")
	suite.connect = func(context.Context) (transport.Link, error) { return nil, boom }
	r := suite.observe()

	attempt, err := suite.m.Connect(context.Background())
	suite.Require().NoError(err)
	err = suite.m.Await(context.Background(), attempt)
	suite.Assert().ErrorIs(err, device.ErrTransport)
	suite.Assert().ErrorIs(err, boom)
	suite.waitStates(r, Disconnected, Connecting, Disconnected)
	suite.Assert().False(r.last().Unexpected, "refused connect MUST NOT look like a link loss")
}

func (suite *ConnectionTestSuite) TestLinkLossWhileConnectingIsUnexpected() {
	// GOAL: Verify a link that drops during connection setup is reported as an unexpected loss
	//
	// TEST SCENARIO: connector's setup write fails on a dropped link → observer sees
	// connecting → disconnected(unexpected) with a transport error

	dropped := &device.TransportError{Op: "write", Err: device.ErrNotConnected}
	suite.connect = func(context.Context) (transport.Link, error) { return nil, dropped }
	r := suite.observe()

	attempt, err := suite.m.Connect(context.Background())
	suite.Require().NoError(err)
	err = suite.m.Await(context.Background(), attempt)
	suite.Assert().ErrorIs(err, device.ErrTransport)

	suite.waitStates(r, Disconnected, Connecting, Disconnected)
	ev := r.last()
	suite.Assert().True(ev.Unexpected, "link loss during connect MUST be flagged as unexpected")
	suite.Assert().True(device.IsUnexpectedDisconnect(ev.Err))
}

func (suite *ConnectionTestSuite) TestWhenConnected() {
	// GOAL: Verify the connected-only view skips connecting and fires once per connection
	//
	// TEST SCENARIO: subscribe → connect → one delivery → reconnect → second delivery
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := suite.m.WhenConnected(ctx)

	for round := 1; round <= 2; round++ {
		attempt, err := suite.m.Connect(context.Background())
		suite.Require().NoError(err)
		suite.Require().NoError(suite.m.Await(context.Background(), attempt))

		select {
		case ev := <-ch:
			suite.Assert().Equal(Connected, ev.State)
		case <-time.After(2 * time.Second):
			suite.FailNow("no connected delivery", "round %d", round)
		}
		select {
		case ev := <-ch:
			suite.Failf("unexpected delivery", "%v", ev)
		case <-time.After(20 * time.Millisecond):
		}
		suite.Require().NoError(suite.m.Disconnect(context.Background()))
		suite.Require().Eventually(func() bool { return suite.m.State() == Disconnected }, time.Second, time.Millisecond)
	}
}

func (suite *ConnectionTestSuite) TestWhenConnectedReplaysCurrent() {
	attempt, err := suite.m.Connect(context.Background())
	suite.Require().NoError(err)
	suite.Require().NoError(suite.m.Await(context.Background(), attempt))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	select {
	case ev := <-suite.m.WhenConnected(ctx):
		suite.Assert().Equal(Connected, ev.State, "MUST deliver a connection that happened before subscribing")
	case <-time.After(2 * time.Second):
		suite.Fail("no replay")
	}
}

func (suite *ConnectionTestSuite) TestCloseMakesDeviceUnavailable() {
	attempt, err := suite.m.Connect(context.Background())
	suite.Require().NoError(err)
	suite.Require().NoError(suite.m.Await(context.Background(), attempt))

	suite.m.Close()
	suite.Assert().Equal(Disconnected, suite.m.State())

	_, err = suite.m.Connect(context.Background())
	suite.Assert().ErrorIs(err, device.ErrDeviceUnavailable)

	_, ok := <-suite.m.States(context.Background())
	suite.Assert().False(ok, "MUST close observer channels")
}

func TestConnectionTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectionTestSuite))
}
