package main

import (
	"fmt"
	"testing"

	"github.com/srg/wearsense/internal/simboard"
	"github.com/srg/wearsense/internal/testutils"
	"github.com/srg/wearsense/pkg/board"
	"github.com/stretchr/testify/suite"
)

type ActuatorCommandTestSuite struct {
	CommandTestSuite
}

func (s *ActuatorCommandTestSuite) SetupTest() {
	s.WithBoard("sim-1").WithName("Chest")
	s.CommandTestSuite.SetupTest()
}

// commandArgs returns the Arg of every command write the board received.
func (s *ActuatorCommandTestSuite) commandArgs() []string {
	var args []string
	for _, c := range s.Board("sim-1").Calls() {
		if c.Op == simboard.OpCommand {
			args = append(args, c.Arg)
		}
	}
	return args
}

func (s *ActuatorCommandTestSuite) TestLED() {
	out, err := s.ExecuteCommand("led", "sim-1", "--color", "red")
	s.Require().NoError(err)
	testutils.AssertText(s.T(), out, "OK")

	_, err = s.ExecuteCommand("led", "sim-1", "--off")
	s.Require().NoError(err)

	s.Assert().Equal([]string{
		itoa(board.CommandLEDFlash),
		itoa(board.CommandLEDOff),
	}, s.commandArgs())
}

func (s *ActuatorCommandTestSuite) TestLEDRejectsUnknownColor() {
	_, err := s.ExecuteCommand("led", "sim-1", "--color", "purple")
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), "invalid color 'purple'")
	s.Assert().Zero(s.Board("sim-1").Dials(), "argument errors MUST NOT connect")
}

func (s *ActuatorCommandTestSuite) TestBuzz() {
	_, err := s.ExecuteCommand("buzz", "sim-1")
	s.Require().NoError(err)
	_, err = s.ExecuteCommand("buzz", "sim-1", "--motor", "--strength", "40")
	s.Require().NoError(err)

	s.Assert().Equal([]string{
		itoa(board.CommandBuzzer),
		itoa(board.CommandHaptic),
	}, s.commandArgs())

	_, err = s.ExecuteCommand("buzz", "sim-1", "--motor", "--strength", "150")
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), "--strength")
}

func (s *ActuatorCommandTestSuite) TestRename() {
	// GOAL: Verify renaming writes the advertised name and updates the remembered one
	//
	// TEST SCENARIO: rename sim-1 Torso → board advertises Torso → known store
	// carries Torso → a later command addresses the board by its new name

	out, err := s.ExecuteCommand("rename", "sim-1", "Torso")
	s.Require().NoError(err)
	testutils.AssertText(s.T(), out, "OK")

	s.Assert().Equal([]string{"Torso"}, s.commandArgs())
	m, ok := s.Known.Lookup("sim-1")
	s.Require().True(ok, "the board MUST be remembered after a command")
	s.Assert().Equal("Torso", m.Name)

	_, err = s.ExecuteCommand("led", "torso")
	s.Require().NoError(err)

	_, err = s.ExecuteCommand("rename", "sim-1", "a-name-that-is-far-too-long-for-the-board")
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), "1 to 26 characters")
}

func itoa(k board.CommandKind) string {
	return fmt.Sprint(int(k))
}

func TestActuatorCommandTestSuite(t *testing.T) {
	suite.Run(t, new(ActuatorCommandTestSuite))
}
