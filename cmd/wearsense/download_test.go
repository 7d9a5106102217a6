package main

import (
	"testing"
	"time"

	"github.com/srg/wearsense/internal/simboard"
	"github.com/srg/wearsense/internal/testutils"
	"github.com/srg/wearsense/pkg/record"
	"github.com/stretchr/testify/suite"
)

type DownloadCommandTestSuite struct {
	CommandTestSuite

	t0 time.Time
}

func (s *DownloadCommandTestSuite) SetupTest() {
	s.WithBoard("sim-1")
	s.CommandTestSuite.SetupTest()

	s.t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	board := s.Board("sim-1")
	board.AddLogger("acceleration")
	board.AppendFlash(record.EncodeAnchor(0, s.t0))
	s.Require().NoError(board.LogRecord("acceleration", 0, record.Cartesian{X: 1}))
	s.Require().NoError(board.LogRecord("acceleration", 10, record.Cartesian{X: 2}))
}

func (s *DownloadCommandTestSuite) TestDownloadSummary() {
	// GOAL: Verify the default output summarizes every logger
	//
	// TEST SCENARIO: Flash holds two acceleration entries after an anchor →
	// download → one summary row, flash left untouched

	out, err := s.ExecuteCommand("download", "sim-1")
	s.Require().NoError(err)

	s.Assert().Contains(out, "Downloaded 2 samples")
	s.Assert().Contains(out, "LOGGER")
	s.Assert().Contains(out, "acceleration  2")
	s.Assert().NotContains(out, "Flash cleared")
	s.Assert().Zero(s.Board("sim-1").Count(simboard.OpClearEntries), "flash MUST stay without --clear")
}

func (s *DownloadCommandTestSuite) TestDownloadJSONAndClear() {
	// GOAL: Verify JSON output carries the samples and --clear erases a complete download
	//
	// TEST SCENARIO: download --clear -f json → complete report with both samples in
	// order → board received exactly one clear

	out, err := s.ExecuteCommand("download", "sim-1", "--clear", "-f", "json")
	s.Require().NoError(err)

	testutils.AssertJSON(s.T(), out, `{
		"complete": true,
		"skipped_entries": 0,
		"cleared": true,
		"series": [{
			"key": "acceleration",
			"samples": [
				{"signal": "acceleration", "value": {"X": 1, "Y": 0, "Z": 0}},
				{"signal": "acceleration", "value": {"X": 2, "Y": 0, "Z": 0}}
			]
		}]
	}`)
	s.Assert().Equal(1, s.Board("sim-1").Count(simboard.OpClearEntries), "--clear MUST erase flash once")
}

func (s *DownloadCommandTestSuite) TestDownloadRejectsBadFlags() {
	_, err := s.ExecuteCommand("download", "sim-1", "-f", "csv")
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), "invalid format 'csv'")

	_, err = s.ExecuteCommand("download", "sim-1", "--start", "yesterday")
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), "invalid --start")
	s.Assert().Zero(s.Board("sim-1").Dials(), "argument errors MUST NOT connect")
}

func TestDownloadCommandTestSuite(t *testing.T) {
	suite.Run(t, new(DownloadCommandTestSuite))
}
