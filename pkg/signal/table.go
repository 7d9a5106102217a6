package signal

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/record"
)

// Class groups signals for mutual exclusion.
type Class string

const (
	ClassNone   Class = ""
	ClassRawIMU Class = "raw-imu"
	ClassFusion Class = "sensor-fusion"
)

// Resource is a hardware block several signals may share.
type Resource string

const (
	ResourceAccelerometer Resource = "accelerometer"
	ResourceGyroscope     Resource = "gyroscope"
	ResourceMagnetometer  Resource = "magnetometer"
	ResourceFusion        Resource = "sensor-fusion"
	ResourceBarometer     Resource = "barometer"
	ResourceLightSensor   Resource = "light-sensor"
)

// ResourceUse says a signal needs r. When Configures is set the signal's
// params become r's configuration, and a second signal configuring r with
// different params conflicts.
type ResourceUse struct {
	Resource   Resource
	Configures bool
}

// KindInfo is the per-kind dispatch entry.
type KindInfo struct {
	Kind      Kind
	Name      string
	Tag       record.TypeTag
	LoggerKey string
	Modes     ModeSet
	Module    device.Module
	Class     Class
	Resources []ResourceUse
	Defaults  Params
	// Validate normalizes params and rejects unsupported values. It may be nil.
	Validate func(p Params, modules device.Modules) (Params, error)
}

var kindNames = map[Kind]string{}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind accepts a kind name or logger key.
func ParseKind(s string) (Kind, bool) {
	for _, info := range builtin {
		if info.Name == s || info.LoggerKey == s {
			return info.Kind, true
		}
	}
	return KindUnknown, false
}

func accelRange(p Params, _ device.Modules) (Params, error) {
	return p, oneOf("acceleration range", p.Range, 2, 4, 8, 16)
}

func gyroRange(p Params, _ device.Modules) (Params, error) {
	return p, oneOf("gyroscope range", p.Range, 125, 250, 500, 1000, 2000)
}

// fusion falls back from NDoF to IMU+ on boards without a magnetometer
func fusionMode(p Params, modules device.Modules) (Params, error) {
	switch p.Fusion {
	case FusionNDoF:
		if !modules.Has(device.ModuleMagnetometer) {
			p.Fusion = FusionIMUPlus
		}
	case FusionIMUPlus:
	case FusionCompass, FusionM4G:
		if !modules.Has(device.ModuleMagnetometer) {
			return p, fmt.Errorf("fusion mode %s needs a magnetometer", p.Fusion)
		}
	default:
		return p, fmt.Errorf("unknown fusion mode %q", p.Fusion)
	}
	_, err := accelRange(p, modules)
	return p, err
}

func positiveRate(p Params, _ device.Modules) (Params, error) {
	if p.Rate <= 0 {
		return p, fmt.Errorf("rate must be positive, got %g", p.Rate)
	}
	return p, nil
}

func oneOf(what string, v float32, allowed ...float32) error {
	if slices.Contains(allowed, v) {
		return nil
	}
	return fmt.Errorf("%s %g not in %v", what, v, allowed)
}

// Logging a polled sensor means the board reads it on its own timer and
// logs each reading.
var (
	imuUse    = []ResourceUse{{ResourceAccelerometer, false}, {ResourceGyroscope, false}, {ResourceMagnetometer, false}, {ResourceFusion, true}}
	streamLog = Modes(ModeStream, ModeLog)
	readPoll  = Modes(ModeReadOnce, ModePoll, ModeLog)
)

var builtin = []KindInfo{
	{Kind: KindAcceleration, Name: "acceleration", Tag: record.TagCartesianFloat, LoggerKey: "acceleration",
		Modes: streamLog, Module: device.ModuleAccelerometer, Class: ClassRawIMU,
		Resources: []ResourceUse{{ResourceAccelerometer, true}},
		Defaults:  Params{Rate: 100, Range: 16}, Validate: accelRange},
	{Kind: KindAngularVelocity, Name: "angular-velocity", Tag: record.TagCartesianFloat, LoggerKey: "angular-velocity",
		Modes: streamLog, Module: device.ModuleGyroscope, Class: ClassRawIMU,
		Resources: []ResourceUse{{ResourceGyroscope, true}},
		Defaults:  Params{Rate: 100, Range: 2000}, Validate: gyroRange},
	{Kind: KindMagneticField, Name: "magnetic-field", Tag: record.TagCartesianFloat, LoggerKey: "magnetic-field",
		Modes: streamLog, Module: device.ModuleMagnetometer, Class: ClassRawIMU,
		Resources: []ResourceUse{{ResourceMagnetometer, true}},
		Defaults:  Params{Rate: 25}, Validate: positiveRate},
	{Kind: KindQuaternion, Name: "quaternion", Tag: record.TagQuaternion, LoggerKey: "quaternion",
		Modes: streamLog, Module: device.ModuleSensorFusion, Class: ClassFusion, Resources: imuUse,
		Defaults: Params{Fusion: FusionNDoF, Range: 16}, Validate: fusionMode},
	{Kind: KindEulerAngles, Name: "euler-angles", Tag: record.TagEulerAngles, LoggerKey: "euler-angles",
		Modes: streamLog, Module: device.ModuleSensorFusion, Class: ClassFusion, Resources: imuUse,
		Defaults: Params{Fusion: FusionNDoF, Range: 16}, Validate: fusionMode},
	{Kind: KindGravity, Name: "gravity", Tag: record.TagCartesianFloat, LoggerKey: "gravity",
		Modes: streamLog, Module: device.ModuleSensorFusion, Class: ClassFusion, Resources: imuUse,
		Defaults: Params{Fusion: FusionNDoF, Range: 16}, Validate: fusionMode},
	{Kind: KindLinearAcceleration, Name: "linear-acceleration", Tag: record.TagCartesianFloat, LoggerKey: "linear-acceleration",
		Modes: streamLog, Module: device.ModuleSensorFusion, Class: ClassFusion, Resources: imuUse,
		Defaults: Params{Fusion: FusionNDoF, Range: 16}, Validate: fusionMode},
	{Kind: KindBattery, Name: "battery", Tag: record.TagBatteryState, LoggerKey: "battery",
		Modes: Modes(ModeReadOnce, ModePoll), Module: device.ModuleSettings},
	{Kind: KindTemperature, Name: "temperature", Tag: record.TagFloat, LoggerKey: "temperature",
		Modes: readPoll, Module: device.ModuleThermometer},
	{Kind: KindPressure, Name: "pressure", Tag: record.TagFloat, LoggerKey: "pressure",
		Modes: streamLog, Module: device.ModuleBarometer,
		Resources: []ResourceUse{{ResourceBarometer, true}},
		Defaults:  Params{Oversampling: 4}},
	{Kind: KindAltitude, Name: "altitude", Tag: record.TagFloat, LoggerKey: "altitude",
		Modes: streamLog, Module: device.ModuleBarometer,
		Resources: []ResourceUse{{ResourceBarometer, true}},
		Defaults:  Params{Oversampling: 4}},
	{Kind: KindHumidity, Name: "humidity", Tag: record.TagFloat, LoggerKey: "relative-humidity",
		Modes: readPoll, Module: device.ModuleHumidity, Defaults: Params{Oversampling: 1}},
	{Kind: KindIlluminance, Name: "illuminance", Tag: record.TagUint32, LoggerKey: "illuminance",
		Modes: streamLog, Module: device.ModuleIlluminance,
		Resources: []ResourceUse{{ResourceLightSensor, true}},
		Defaults:  Params{Rate: 2, Gain: 1}, Validate: positiveRate},
	{Kind: KindColor, Name: "color", Tag: record.TagColorADC, LoggerKey: "color",
		Modes: readPoll, Module: device.ModuleColor, Defaults: Params{Gain: 1}},
	{Kind: KindProximity, Name: "proximity", Tag: record.TagUint32, LoggerKey: "proximity",
		Modes: readPoll, Module: device.ModuleProximity},
	{Kind: KindSteps, Name: "steps", Tag: record.TagUint32, LoggerKey: "steps",
		Modes: streamLog, Module: device.ModuleAccelerometer,
		Resources: []ResourceUse{{ResourceAccelerometer, false}}},
	{Kind: KindOrientation, Name: "orientation", Tag: record.TagSensorOrientation, LoggerKey: "orientation",
		Modes: streamLog, Module: device.ModuleAccelerometer,
		Resources: []ResourceUse{{ResourceAccelerometer, false}}},
	{Kind: KindButton, Name: "button", Tag: record.TagUint32, LoggerKey: "button",
		Modes: Modes(ModeStream), Module: device.ModuleSwitch},
	{Kind: KindMACAddress, Name: "mac-address", Tag: record.TagString, LoggerKey: "mac-address",
		Modes: Modes(ModeReadOnce), Module: device.ModuleSettings},
	{Kind: KindLogLength, Name: "log-length", Tag: record.TagUint32, LoggerKey: "log-length",
		Modes: Modes(ModeReadOnce), Module: device.ModuleLogging},
}

func init() {
	for _, info := range builtin {
		kindNames[info.Kind] = info.Name
	}
}

// CustomLogger describes a logger started outside this process whose
// records should still be demultiplexed on download.
type CustomLogger struct {
	Key string
	Tag record.TypeTag
}

// Table is the kind registry of one session. Each session builds its own so
// that custom logger registrations never leak between sessions.
type Table struct {
	mu     sync.RWMutex
	kinds  map[Kind]KindInfo
	custom map[string]CustomLogger
}

func NewTable() *Table {
	t := &Table{
		kinds:  make(map[Kind]KindInfo, len(builtin)),
		custom: make(map[string]CustomLogger),
	}
	for _, info := range builtin {
		t.kinds[info.Kind] = info
	}
	return t
}

func (t *Table) Info(k Kind) (KindInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.kinds[k]
	return info, ok
}

// Kinds lists registered kinds in declaration order.
func (t *Table) Kinds() []KindInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]KindInfo, 0, len(t.kinds))
	for _, info := range t.kinds {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// RegisterLogger makes key known to downloads.
func (t *Table) RegisterLogger(key string, tag record.TypeTag) error {
	if key == "" {
		return fmt.Errorf("logger key is empty")
	}
	if !tag.Known() {
		return fmt.Errorf("logger %q: unknown type %s", key, tag)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, info := range t.kinds {
		if info.LoggerKey == key {
			return fmt.Errorf("logger key %q is reserved for %s", key, info.Name)
		}
	}
	t.custom[key] = CustomLogger{Key: key, Tag: tag}
	return nil
}

// LoggerTag returns the record type expected for a logger key.
func (t *Table) LoggerTag(key string) (record.TypeTag, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, info := range t.kinds {
		if info.LoggerKey == key {
			return info.Tag, true
		}
	}
	if c, ok := t.custom[key]; ok {
		return c.Tag, true
	}
	return 0, false
}

// Resolve fills defaults, checks the mode and the board's modules, and
// validates parameters. Failures are *device.CapabilityError; nothing is
// written to the board.
func (t *Table) Resolve(d Descriptor, model device.Model, modules device.Modules) (Descriptor, error) {
	info, ok := t.Info(d.Kind)
	if !ok {
		return d, &device.CapabilityError{Signal: d.Kind.String(), Model: model, Reason: "unknown signal"}
	}
	if !info.Modes.Has(d.Mode) {
		return d, &device.CapabilityError{Signal: info.Name, Model: model,
			Reason: fmt.Sprintf("%s is not available, supported: %s", d.Mode, info.Modes)}
	}
	if info.Module != "" && !modules.Has(info.Module) {
		return d, &device.CapabilityError{Signal: info.Name, Model: model,
			Reason: fmt.Sprintf("no %s module", info.Module)}
	}

	d.Params = mergeDefaults(d.Params, info.Defaults)
	if info.Validate != nil {
		p, err := info.Validate(d.Params, modules)
		if err != nil {
			return d, &device.CapabilityError{Signal: info.Name, Model: model, Reason: err.Error()}
		}
		d.Params = p
	}
	return d, nil
}

func mergeDefaults(p, def Params) Params {
	if p.Rate == 0 {
		p.Rate = def.Rate
	}
	if p.Range == 0 {
		p.Range = def.Range
	}
	if p.Fusion == "" {
		p.Fusion = def.Fusion
	}
	if p.Gain == 0 {
		p.Gain = def.Gain
	}
	if p.Oversampling == 0 {
		p.Oversampling = def.Oversampling
	}
	if p.Channel == 0 {
		p.Channel = def.Channel
	}
	return p
}
