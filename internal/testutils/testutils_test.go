package testutils

import (
	"fmt"
	"testing"
	"time"

	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// recordingT captures failures instead of failing the enclosing test.
type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestBoardBuilderFromYAML(t *testing.T) {
	b := CreateBoardFromYAML(`
local_id: %s
name: Ankle
rssi: -71
mac: D1:2E:4F:00:11:22
model: MetaMotion RL
modules: [accelerometer, settings]
battery: 40
loggers: [acceleration]
`, "sim-9").Build()

	assert.Equal(t, "sim-9", b.LocalID)
	assert.Equal(t, "Ankle", b.Name)
	assert.Equal(t, -71, b.RSSI)

	info := b.Info()
	assert.Equal(t, "D1:2E:4F:00:11:22", info.MAC)
	assert.Equal(t, device.ModelMetaMotionRL, info.Model)
	assert.Equal(t, "0A1B2C", info.Serial, "unset fields MUST keep simulated defaults")
	assert.Equal(t, map[uint8]string{0: "acceleration"}, b.Loggers())
}

func TestBoardBuilderRequiresLocalID(t *testing.T) {
	assert.Panics(t, func() { NewBoardBuilder("").Build() })
	assert.Panics(t, func() { CreateBoardFromYAML("modules: [").Build() })
}

func TestAssertText(t *testing.T) {
	rt := &recordingT{}
	ok := AssertText(rt, "Connected at 2026-10-17T09:30:00Z  \nbattery 87%\n", "Connected at 2026-01-01T00:00:00Z\nbattery 87%")
	assert.True(t, ok, "timestamps and trailing whitespace MUST be normalized")
	assert.Empty(t, rt.errors)

	ok = AssertText(rt, "battery 86%", "battery 87%")
	assert.False(t, ok)
	require.Len(t, rt.errors, 1)
	assert.Contains(t, rt.errors[0], "-battery 87%")
	assert.Contains(t, rt.errors[0], "+battery 86%")
}

func TestAssertTextWithoutMasking(t *testing.T) {
	rt := &recordingT{}
	assert.False(t, AssertText(rt, "at 10:00:01", "at 10:00:00", WithMaskTimes(false)))
	assert.True(t, AssertText(rt, "a\n\nb", "a\nb", WithIgnoreEmptyLines(true)))
}

func TestAssertJSON(t *testing.T) {
	actual := `[{"mac":"AA","name":"Chest","local_ids":["L1"],"firmware":"1.7.3"}]`

	rt := &recordingT{}
	assert.True(t, AssertJSON(rt, actual, `[{"mac":"AA","name":"Chest","firmware":"<<PRESENCE>>"}]`),
		"unnamed keys MUST be ignored and placeholders MUST match")
	assert.Empty(t, rt.errors)

	assert.False(t, AssertJSON(rt, actual, `[{"mac":"AA","name":"Wrist"}]`))
	require.Len(t, rt.errors, 1)
	assert.Contains(t, rt.errors[0], "Wrist")
}

type SimulatedBoardSuiteTest struct {
	SimulatedBoardSuite
}

func (s *SimulatedBoardSuiteTest) SetupTest() {
	s.WithBoard("sim-1").WithModel(device.ModelMetaMotionRL).WithValue(signal.KindBattery, record.BatteryState{Voltage: 3700, Charge: 20})
	s.WithBoard("sim-2").WithConnectDelay(20 * time.Millisecond)
	s.SimulatedBoardSuite.SetupTest()
}

func (s *SimulatedBoardSuiteTest) TestConnectAndRead() {
	// GOAL: Verify the base suite wires scanner, sessions and boards together
	//
	// TEST SCENARIO: Connect sim-1 → identity shows the configured model →
	// battery read returns the configured value → both boards were discovered

	sess := s.Connect("sim-1")
	s.Assert().Equal(device.ModelMetaMotionRL, sess.Identity().Model)

	sample, err := sess.ReadOnce(s.Ctx, signal.Read(signal.KindBattery))
	s.Require().NoError(err)
	s.Assert().Equal(record.BatteryState{Voltage: 3700, Charge: 20}, sample.Value)

	s.Assert().Len(s.Scanner.Devices(), 2)
	s.Assert().Equal(1, s.Board("sim-1").Dials())
}

func (s *SimulatedBoardSuiteTest) TestKnownStoreIsWired() {
	sess := s.Connect("sim-2")
	_, err := sess.Refresh()
	s.Require().NoError(err)

	m, ok := s.Known.Lookup("sim-2")
	s.Require().True(ok, "refresh MUST reach the suite's known store")
	s.Assert().Equal("C8:4B:AA:97:50:05", m.MAC)
}

func TestSimulatedBoardSuite(t *testing.T) {
	suite.Run(t, new(SimulatedBoardSuiteTest))
}
