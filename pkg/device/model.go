package device

import (
	"sort"
	"strings"
)

// Model is the hardware variant reported by the board's model-number string.
type Model int

const (
	ModelUnknown Model = iota
	ModelMetaWearR
	ModelMetaWearRG
	ModelMetaWearRPro
	ModelMetaWearC
	ModelMetaEnvironment
	ModelMetaDetector
	ModelMetaHealth
	ModelMetaTracker
	ModelMetaMotionR
	ModelMetaMotionRL
	ModelMetaMotionC
	ModelMetaMotionS
)

var modelNames = map[Model]string{
	ModelUnknown:         "Unknown",
	ModelMetaWearR:       "MetaWear R",
	ModelMetaWearRG:      "MetaWear RG",
	ModelMetaWearRPro:    "MetaWear RPro",
	ModelMetaWearC:       "MetaWear C",
	ModelMetaEnvironment: "MetaEnvironment",
	ModelMetaDetector:    "MetaDetector",
	ModelMetaHealth:      "MetaHealth",
	ModelMetaTracker:     "MetaTracker",
	ModelMetaMotionR:     "MetaMotion R",
	ModelMetaMotionRL:    "MetaMotion RL",
	ModelMetaMotionC:     "MetaMotion C",
	ModelMetaMotionS:     "MetaMotion S",
}

// model-number characteristic values
var modelNumbers = map[string]Model{
	"0": ModelMetaWearR,
	"1": ModelMetaWearRG,
	"2": ModelMetaWearC,
	"3": ModelMetaEnvironment,
	"4": ModelMetaTracker,
	"5": ModelMetaMotionR,
	"6": ModelMetaMotionC,
	"8": ModelMetaMotionS,
}

func (m Model) String() string {
	if s, ok := modelNames[m]; ok {
		return s
	}
	return modelNames[ModelUnknown]
}

// ParseModel accepts either a display name ("MetaMotion S") or a raw
// model-number value ("8").
func ParseModel(s string) Model {
	s = strings.TrimSpace(s)
	if m, ok := modelNumbers[s]; ok {
		return m
	}
	for m, name := range modelNames {
		if strings.EqualFold(name, s) {
			return m
		}
	}
	return ModelUnknown
}

func (m Model) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Model) UnmarshalText(b []byte) error {
	*m = ParseModel(string(b))
	return nil
}

// Module is a sensor or actuator subsystem that may or may not be present
// on a given board.
type Module string

const (
	ModuleAccelerometer Module = "accelerometer"
	ModuleGyroscope     Module = "gyroscope"
	ModuleMagnetometer  Module = "magnetometer"
	ModuleSensorFusion  Module = "sensor-fusion"
	ModuleBarometer     Module = "barometer"
	ModuleThermometer   Module = "thermometer"
	ModuleHumidity      Module = "humidity"
	ModuleIlluminance   Module = "illuminance"
	ModuleColor         Module = "color"
	ModuleProximity     Module = "proximity"
	ModuleSwitch        Module = "switch"
	ModuleLED           Module = "led"
	ModuleHaptic        Module = "haptic"
	ModuleSettings      Module = "settings"
	ModuleLogging       Module = "logging"
	ModuleMacro         Module = "macro"
	ModuleDebug         Module = "debug"
)

// Modules is the detected capability set of a board.
type Modules map[Module]struct{}

func NewModules(ms ...Module) Modules {
	set := make(Modules, len(ms))
	for _, m := range ms {
		set[m] = struct{}{}
	}
	return set
}

func (s Modules) Has(m Module) bool {
	_, ok := s[m]
	return ok
}

// Sorted returns the modules in lexical order.
func (s Modules) Sorted() []Module {
	out := make([]Module, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s Modules) Clone() Modules {
	out := make(Modules, len(s))
	for m := range s {
		out[m] = struct{}{}
	}
	return out
}
