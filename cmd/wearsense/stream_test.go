package main

import (
	"strings"
	"testing"
	"time"

	"github.com/srg/wearsense/internal/testutils"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
	"github.com/stretchr/testify/suite"
)

type StreamCommandTestSuite struct {
	CommandTestSuite
}

func (s *StreamCommandTestSuite) SetupTest() {
	s.WithBoard("sim-1")
	s.WithBoard("sim-2").WithModules(device.ModuleSettings)
	s.CommandTestSuite.SetupTest()
}

type commandResult struct {
	out string
	err error
}

// executeAsync runs a long-lived command in the background.
func (s *StreamCommandTestSuite) executeAsync(args ...string) <-chan commandResult {
	done := make(chan commandResult, 1)
	go func() {
		out, err := s.ExecuteCommand(args...)
		done <- commandResult{out, err}
	}()
	return done
}

func (s *StreamCommandTestSuite) TestStreamPrintsSamples() {
	// GOAL: Verify streamed samples reach the output and hardware is released after
	//
	// TEST SCENARIO: stream acceleration for a short duration → board emits 3 values →
	// 3 JSON lines in order → accelerometer stopped when the command returns

	done := s.executeAsync("stream", "sim-1", "acceleration", "-d", "400ms", "--batch", "10ms", "-f", "json")

	board := s.Board("sim-1")
	s.Require().Eventually(func() bool { return board.Streaming(signal.KindAcceleration) },
		2*time.Second, 5*time.Millisecond, "stream MUST start the accelerometer")
	// the subscriber is attached right after the hardware starts
	time.Sleep(50 * time.Millisecond)
	for i := 1; i <= 3; i++ {
		board.Emit(signal.KindAcceleration, record.Cartesian{X: float32(i)})
	}

	var res commandResult
	select {
	case res = <-done:
	case <-time.After(3 * time.Second):
		s.FailNow("stream MUST return after --duration")
	}
	s.Require().NoError(res.err)

	lines := strings.Split(strings.TrimSpace(res.out), "\n")
	s.Require().Len(lines, 3)
	for i, line := range lines {
		testutils.AssertJSON(s.T(), line, `{"signal": "acceleration", "value": {"X": `+[]string{"1", "2", "3"}[i]+`, "Y": 0, "Z": 0}}`)
	}
	s.Assert().False(board.Streaming(signal.KindAcceleration), "accelerometer MUST be stopped once the command ends")
}

func (s *StreamCommandTestSuite) TestStreamValidatesSignal() {
	_, err := s.ExecuteCommand("stream", "sim-1", "telepathy")
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), "unknown signal 'telepathy'")
	s.Assert().Contains(err.Error(), "acceleration", "the error MUST list the streamable signals")

	_, err = s.ExecuteCommand("stream", "sim-1", "battery")
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), "battery supports read|poll, not stream")
	s.Assert().Equal(0, s.Board("sim-1").Dials(), "argument errors MUST NOT connect")
}

func (s *StreamCommandTestSuite) TestStreamCapabilityError() {
	_, err := s.ExecuteCommand("stream", "sim-2", "acceleration", "-d", "100ms")
	s.Require().Error(err)
	s.Assert().ErrorIs(err, device.ErrCapability)
	s.Assert().Zero(s.Board("sim-2").Count("start"), "nothing MUST start on an unsupported board")
}

func TestStreamCommandTestSuite(t *testing.T) {
	suite.Run(t, new(StreamCommandTestSuite))
}

type ReadCommandTestSuite struct {
	CommandTestSuite
}

func (s *ReadCommandTestSuite) TestReadOnce() {
	out, err := s.ExecuteCommand("read", "sim-1", "battery")
	s.Require().NoError(err)

	testutils.AssertText(s.T(), out, "2026-01-01T00:00:00Z  battery  87% 4012mV")
}

func (s *ReadCommandTestSuite) TestReadWatchStopsAfterCount() {
	// GOAL: Verify polling prints one line per read and stops at --count
	//
	// TEST SCENARIO: read temperature every 10ms with --count 3 → exactly 3 lines →
	// board saw 3 reads

	out, err := s.ExecuteCommand("read", "sim-1", "temperature", "--watch", "10ms", "--count", "3")
	s.Require().NoError(err)

	s.Assert().Equal(3, strings.Count(out, "temperature  23.500"), "every poll MUST print one line:\n%s", out)
	s.Assert().GreaterOrEqual(s.Board("sim-1").Count("read", signal.KindTemperature), 3)
}

func TestReadCommandTestSuite(t *testing.T) {
	suite.Run(t, new(ReadCommandTestSuite))
}
