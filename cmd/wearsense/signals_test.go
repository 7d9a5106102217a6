package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/srg/wearsense/internal/testutils"
	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignal(t *testing.T) {
	k, err := parseSignal("angular-velocity", signal.ModeStream)
	require.NoError(t, err)
	assert.Equal(t, signal.KindAngularVelocity, k)

	k, err = parseSignal("temperature", signal.ModeLog)
	require.NoError(t, err, "polled signals MUST be loggable")
	assert.Equal(t, signal.KindTemperature, k)

	_, err = parseSignal("battery", signal.ModeLog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "battery supports read|poll, not log")

	_, err = parseSignal("button", signal.ModeLog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "button supports stream, not log")

	_, err = parseSignal("sonar", signal.ModeReadOnce)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown signal 'sonar'")
	assert.Contains(t, err.Error(), "battery", "readable signals MUST be listed")
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		value record.Value
		want  string
	}{
		{record.Cartesian{X: 1, Y: -0.5, Z: 9.81}, "x=1.000 y=-0.500 z=9.810"},
		{record.BatteryState{Voltage: 4012, Charge: 87}, "87% 4012mV"},
		{record.Float(23.5), "23.500"},
		{record.Uint32(42), "42"},
		{record.String("C8:4B:AA:97:50:05"), "C8:4B:AA:97:50:05"},
		{nil, "-"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatValue(tt.value))
	}
}

func TestSampleWriter(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sample := record.Sample{Time: at, Value: record.Float(1.25)}

	var buf bytes.Buffer
	w, err := newSampleWriter(&buf, "text", "pressure")
	require.NoError(t, err)
	require.NoError(t, w.write(sample))
	testutils.AssertText(t, buf.String(), "2026-01-01T00:00:00Z  pressure  1.250")

	buf.Reset()
	w, err = newSampleWriter(&buf, "json", "pressure")
	require.NoError(t, err)
	require.NoError(t, w.write(sample))
	testutils.AssertJSON(t, buf.String(), `{"time": "2026-01-01T00:00:00Z", "signal": "pressure", "value": 1.25}`)

	_, err = newSampleWriter(&buf, "csv", "pressure")
	assert.Error(t, err)
}

func TestProgressPrinterSilentWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := NewPercentProgressPrinter(&buf, "Downloading", "flash")
	p.Start()
	p.SetFraction(0.5)
	p.Stop()

	c := NewCountdownProgressPrinter(&buf, "Scanning", "", time.Second)
	c.Start()
	c.Callback()("done")
	c.Stop()

	u := NewProgressPrinter(&buf, "Connecting to sim-1", "connecting", "connected")
	u.Start()
	u.Callback()("connected")
	u.Stop()

	assert.Empty(t, buf.String(), "progress MUST NOT write to a non-terminal")
}
