package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearsense/internal/simboard"
	"github.com/srg/wearsense/pkg/board"
	"github.com/srg/wearsense/pkg/known"
	"github.com/srg/wearsense/pkg/scanner"
	"github.com/srg/wearsense/pkg/session"
	"github.com/stretchr/testify/suite"
)

// SimulatedBoardSuite wires a scanner to simulated boards and drivers.
//
// Boards are configured before calling the parent SetupTest:
//
//	func (s *MySuite) SetupTest() {
//	    s.WithBoard("sim-1").WithModel(device.ModelMetaMotionRL)
//	    s.WithBoard("sim-2").WithModules(device.ModuleSettings)
//	    s.SimulatedBoardSuite.SetupTest()
//	}
//
// Without any configured board a single default board "sim-1" is created.
type SimulatedBoardSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	Ctx       context.Context
	Known     *known.Store
	Transport *simboard.Transport
	Scanner   *scanner.Scanner

	cancel   context.CancelFunc
	builders []*BoardBuilder
}

func (s *SimulatedBoardSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 10 * time.Second
}

func (s *SimulatedBoardSuite) SetupTest() {
	if len(s.builders) == 0 {
		s.WithBoard("sim-1")
	}
	boards := make([]*simboard.Board, 0, len(s.builders))
	for _, b := range s.builders {
		boards = append(boards, b.Build())
	}
	s.Transport = simboard.NewTransport(boards...)

	var err error
	s.Known, err = known.NewStore(nil, s.Logger)
	s.Require().NoError(err)

	s.Scanner = scanner.New(s.Transport, func() board.Driver { return simboard.NewDriver() }, session.Options{
		StreamBuffer:  64,
		Notifications: 10,
		Strict:        true,
		Known:         s.Known,
	}, s.Logger)

	s.Ctx, s.cancel = context.WithTimeout(context.Background(), s.TestTimeout)
	s.Logger.Debug("Test setup completed - ready for execution")
}

func (s *SimulatedBoardSuite) TearDownTest() {
	if s.Scanner != nil {
		s.Scanner.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.builders = nil
}

// WithBoard adds a board to the next SetupTest.
func (s *SimulatedBoardSuite) WithBoard(localID string) *BoardBuilder {
	b := NewBoardBuilder(localID)
	s.builders = append(s.builders, b)
	return b
}

// Board returns the simulated hardware behind localID.
func (s *SimulatedBoardSuite) Board(localID string) *simboard.Board {
	b, ok := s.Transport.Board(localID)
	s.Require().True(ok, "board %s MUST be configured", localID)
	return b
}

// Discover scans briefly so every configured board has a device record.
func (s *SimulatedBoardSuite) Discover() {
	_, err := s.Scanner.Scan(s.Ctx, &scanner.ScanOptions{Duration: 30 * time.Millisecond}, nil)
	s.Require().NoError(err)
}

// Connect discovers if needed and returns a connected session.
func (s *SimulatedBoardSuite) Connect(localID string) *session.Session {
	if _, ok := s.Scanner.Device(localID); !ok {
		s.Discover()
	}
	sess, err := s.Scanner.Session(localID)
	s.Require().NoError(err)
	s.Require().NoError(sess.Connect(s.Ctx))
	return sess
}
