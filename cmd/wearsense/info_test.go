package main

import (
	"errors"
	"testing"

	"github.com/srg/wearsense/internal/testutils"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
	"github.com/stretchr/testify/suite"
)

type InfoCommandTestSuite struct {
	CommandTestSuite
}

func (s *InfoCommandTestSuite) SetupTest() {
	s.WithBoard("sim-1").
		WithName("Chest").
		WithModules(device.ModuleAccelerometer, device.ModuleLogging, device.ModuleSettings).
		WithValue(signal.KindBattery, record.BatteryState{Voltage: 3950, Charge: 64})
	s.WithBoard("sim-2").FromYAML(`
name: Wrist
model: MetaMotion RL
modules: [accelerometer]
loggers: [acceleration]
`)
	s.CommandTestSuite.SetupTest()
}

func (s *InfoCommandTestSuite) TestInfoText() {
	// GOAL: Verify info connects and reports identity, modules and battery
	//
	// TEST SCENARIO: info sim-1 → identity read on connect, RSSI, battery from the
	// settings module, modules sorted, no loggers

	out, err := s.ExecuteCommand("info", "sim-1")
	s.Require().NoError(err)

	testutils.AssertText(s.T(), out, `
Chest (sim-1)
  MAC:      C8:4B:AA:97:50:05
  Model:    MetaMotion S
  Serial:   0A1B2C
  Firmware: 1.7.3
  RSSI:     -55 dBm
  Battery:  64% (3950 mV)
  Modules:  accelerometer, logging, settings
  Loggers:  -
`)
}

func (s *InfoCommandTestSuite) TestInfoSkipsMissingBattery() {
	// GOAL: Verify a board without the settings module still gets a report
	//
	// TEST SCENARIO: sim-2 has no settings module and a logger from an earlier
	// session → info succeeds without battery, the logger is listed

	out, err := s.ExecuteCommand("info", "sim-2", "-f", "json")
	s.Require().NoError(err)

	testutils.AssertJSON(s.T(), out, `{
		"local_id": "sim-2",
		"name": "Wrist",
		"model": "MetaMotion RL",
		"modules": ["accelerometer"],
		"loggers": ["acceleration"]
	}`)
	s.Assert().NotContains(out, "battery_percent", "battery MUST be omitted when the board cannot report it")
}

func (s *InfoCommandTestSuite) TestInfoByRememberedName() {
	// GOAL: Verify a remembered name addresses the board in later commands
	//
	// TEST SCENARIO: First info by local id remembers the board → info by name
	// resolves to the same local id

	_, err := s.ExecuteCommand("info", "sim-1")
	s.Require().NoError(err)

	out, err := s.ExecuteCommand("info", "chest", "-f", "json")
	s.Require().NoError(err)
	testutils.AssertJSON(s.T(), out, `{"local_id": "sim-1", "mac": "C8:4B:AA:97:50:05", "battery_percent": 64}`)
	s.Assert().Equal(1, s.Board("sim-1").Dials(), "the second command MUST reuse the live connection")
}

func (s *InfoCommandTestSuite) TestInfoUnknownDevice() {
	_, err := s.ExecuteCommand("info", "sim-9", "--scan-timeout", "100ms")
	s.Require().Error(err)
	s.Assert().True(errors.Is(err, ErrDeviceNotFound), "a board that never advertises MUST be reported as not found")
	s.Assert().Contains(FormatUserError(err), "--scan-timeout")
}

func TestInfoCommandTestSuite(t *testing.T) {
	suite.Run(t, new(InfoCommandTestSuite))
}
