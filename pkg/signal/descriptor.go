// Package signal describes the logical signals a board can produce and the
// hardware resources they share.
//
// A Descriptor is an immutable, comparable value. Two descriptors with the
// same HardwareKey drive the same hardware and can share one subscription.
package signal

import (
	"fmt"
	"strings"
)

// Kind is the closed set of signals.
type Kind int

const (
	KindUnknown Kind = iota
	KindAcceleration
	KindAngularVelocity
	KindMagneticField
	KindQuaternion
	KindEulerAngles
	KindGravity
	KindLinearAcceleration
	KindBattery
	KindTemperature
	KindPressure
	KindAltitude
	KindHumidity
	KindIlluminance
	KindColor
	KindProximity
	KindSteps
	KindOrientation
	KindButton
	KindMACAddress
	KindLogLength
)

// Mode is how a signal is acquired.
type Mode int

const (
	ModeStream Mode = iota
	ModeReadOnce
	ModePoll
	ModeLog
)

var modeNames = map[Mode]string{
	ModeStream:   "stream",
	ModeReadOnce: "read",
	ModePoll:     "poll",
	ModeLog:      "log",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ModeSet is a bit set of modes.
type ModeSet uint8

func Modes(ms ...Mode) ModeSet {
	var s ModeSet
	for _, m := range ms {
		s |= 1 << m
	}
	return s
}

func (s ModeSet) Has(m Mode) bool { return s&(1<<m) != 0 }

func (s ModeSet) String() string {
	var parts []string
	for _, m := range []Mode{ModeReadOnce, ModePoll, ModeStream, ModeLog} {
		if s.Has(m) {
			parts = append(parts, m.String())
		}
	}
	return strings.Join(parts, "|")
}

// FusionMode selects the sensor-fusion algorithm.
type FusionMode string

const (
	FusionNDoF    FusionMode = "ndof"
	FusionIMUPlus FusionMode = "imuplus"
	FusionCompass FusionMode = "compass"
	FusionM4G     FusionMode = "m4g"
)

// Params are the effective hardware parameters of a signal. Zero fields are
// filled with the kind's defaults during resolution.
type Params struct {
	// Rate is the output data rate in Hz.
	Rate float32 `yaml:"rate,omitempty"`
	// Range is the full-scale range in the sensor's unit (g, deg/s).
	Range        float32    `yaml:"range,omitempty"`
	Fusion       FusionMode `yaml:"fusion,omitempty"`
	Gain         float32    `yaml:"gain,omitempty"`
	Oversampling int        `yaml:"oversampling,omitempty"`
	// Channel picks one of several sources, e.g. a thermistor.
	Channel uint8 `yaml:"channel,omitempty"`
}

func (p Params) String() string {
	var parts []string
	if p.Rate != 0 {
		parts = append(parts, fmt.Sprintf("%gHz", p.Rate))
	}
	if p.Range != 0 {
		parts = append(parts, fmt.Sprintf("range=%g", p.Range))
	}
	if p.Fusion != "" {
		parts = append(parts, string(p.Fusion))
	}
	if p.Gain != 0 {
		parts = append(parts, fmt.Sprintf("gain=%g", p.Gain))
	}
	if p.Oversampling != 0 {
		parts = append(parts, fmt.Sprintf("osr=%d", p.Oversampling))
	}
	if p.Channel != 0 {
		parts = append(parts, fmt.Sprintf("ch=%d", p.Channel))
	}
	return strings.Join(parts, " ")
}

// Descriptor asks for one signal in one acquisition mode.
type Descriptor struct {
	Kind   Kind
	Mode   Mode
	Params Params
}

// HardwareKey identifies the hardware configuration regardless of mode.
type HardwareKey struct {
	Kind   Kind
	Params Params
}

func (d Descriptor) HardwareKey() HardwareKey {
	return HardwareKey{Kind: d.Kind, Params: d.Params}
}

func (d Descriptor) String() string {
	s := d.Kind.String() + "/" + d.Mode.String()
	if p := d.Params.String(); p != "" {
		s += " " + p
	}
	return s
}

func Stream(k Kind, p Params) Descriptor { return Descriptor{Kind: k, Mode: ModeStream, Params: p} }

func Log(k Kind, p Params) Descriptor { return Descriptor{Kind: k, Mode: ModeLog, Params: p} }

func Read(k Kind) Descriptor { return Descriptor{Kind: k, Mode: ModeReadOnce} }

func Poll(k Kind, p Params) Descriptor { return Descriptor{Kind: k, Mode: ModePoll, Params: p} }
