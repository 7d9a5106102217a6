package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
)

// signalFlags are the hardware parameters shared by stream, read and log.
type signalFlags struct {
	rate   float32
	rng    float32
	fusion string
}

func (f *signalFlags) register(fs *pflag.FlagSet) {
	fs.Float32Var(&f.rate, "rate", 0, "Output data rate in Hz (0 for the signal default)")
	fs.Float32Var(&f.rng, "range", 0, "Full-scale range, e.g. 4 (g) or 500 (deg/s)")
	fs.StringVar(&f.fusion, "fusion", "", "Sensor fusion mode (ndof, imuplus, compass, m4g)")
}

func (f *signalFlags) params() signal.Params {
	return signal.Params{Rate: f.rate, Range: f.rng, Fusion: signal.FusionMode(f.fusion)}
}

// parseSignal resolves a signal name and checks it supports mode.
func parseSignal(name string, mode signal.Mode) (signal.Kind, error) {
	table := signal.NewTable()
	k, ok := signal.ParseKind(name)
	if !ok {
		var names []string
		for _, info := range table.Kinds() {
			if info.Modes.Has(mode) {
				names = append(names, info.Name)
			}
		}
		return signal.KindUnknown, fmt.Errorf("unknown signal '%s': must be one of %s", name, strings.Join(names, ", "))
	}
	if info, _ := table.Info(k); !info.Modes.Has(mode) {
		return signal.KindUnknown, fmt.Errorf("%s supports %s, not %s", info.Name, info.Modes, mode)
	}
	return k, nil
}

// formatValue renders a decoded value for text output.
func formatValue(v record.Value) string {
	switch v := v.(type) {
	case record.Cartesian:
		return fmt.Sprintf("x=%.3f y=%.3f z=%.3f", v.X, v.Y, v.Z)
	case record.CorrectedCartesian:
		return fmt.Sprintf("x=%.3f y=%.3f z=%.3f accuracy=%d", v.X, v.Y, v.Z, v.Accuracy)
	case record.Quaternion:
		return fmt.Sprintf("w=%.4f x=%.4f y=%.4f z=%.4f", v.W, v.X, v.Y, v.Z)
	case record.EulerAngles:
		return fmt.Sprintf("heading=%.2f pitch=%.2f roll=%.2f yaw=%.2f", v.Heading, v.Pitch, v.Roll, v.Yaw)
	case record.BatteryState:
		return fmt.Sprintf("%d%% %dmV", v.Charge, v.Voltage)
	case record.ColorADC:
		return fmt.Sprintf("clear=%d r=%d g=%d b=%d", v.Clear, v.Red, v.Green, v.Blue)
	case record.Float:
		return fmt.Sprintf("%.3f", float32(v))
	case record.Bytes:
		return fmt.Sprintf("% x", []byte(v))
	case record.String:
		return string(v)
	case nil:
		return "-"
	}
	return fmt.Sprintf("%v", v)
}

// sampleLine is the JSON form of one sample.
type sampleLine struct {
	Time   time.Time    `json:"time"`
	Signal string       `json:"signal"`
	Value  record.Value `json:"value"`
}

// sampleWriter prints samples as text lines or JSON lines.
type sampleWriter struct {
	out    io.Writer
	json   bool
	signal string
	enc    *json.Encoder
}

func newSampleWriter(out io.Writer, format, signalName string) (*sampleWriter, error) {
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("invalid format '%s': must be one of [text json]", format)
	}
	return &sampleWriter{out: out, json: format == "json", signal: signalName, enc: json.NewEncoder(out)}, nil
}

func (w *sampleWriter) write(s record.Sample) error {
	if w.json {
		return w.enc.Encode(sampleLine{Time: s.Time, Signal: w.signal, Value: s.Value})
	}
	_, err := fmt.Fprintf(w.out, "%s  %s  %s\n", s.Time.Format(time.RFC3339Nano), w.signal, formatValue(s.Value))
	return err
}
