// Package record decodes the timestamped binary records produced by the
// board into typed values.
//
// A record is a type tag, a device tick and a payload. The payload layout is
// fixed by the tag: every fixed-size tag has exactly one valid length and a
// mismatch is reported as a *device.ProtocolDecodeError, never coerced.
package record

import (
	"fmt"
	"math"
	"time"

	"github.com/srg/wearsense/pkg/device"
)

// TypeTag identifies the layout of a record payload.
type TypeTag uint8

const (
	TagUint32 TypeTag = iota
	TagFloat
	TagCartesianFloat
	TagInt32
	TagByteArray
	TagBatteryState
	TagColorADC
	TagEulerAngles
	TagQuaternion
	TagCorrectedCartesianFloat
	TagOverflowState
	TagSensorOrientation
	TagString
	TagLoggingTime
	TagBtleAddress
	TagAnyMotion
	TagCalibrationState
	TagDataArray
	TagTap
	TagGesture

	tagCount
)

var tagNames = [tagCount]string{
	"uint32", "float", "cartesian-float", "int32", "byte-array",
	"battery-state", "color-adc", "euler-angles", "quaternion",
	"corrected-cartesian-float", "overflow-state", "sensor-orientation",
	"string", "logging-time", "btle-address", "any-motion",
	"calibration-state", "data-array", "tap", "gesture",
}

// fixed payload sizes; -1 marks a variable-length tag
var tagSizes = [tagCount]int{
	4, 4, 12, 4, -1,
	3, 8, 16, 16,
	13, 3, 4,
	-1, 9, 7, 4,
	3, -1, 2, 1,
}

func (t TypeTag) String() string {
	if t < tagCount {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Known reports whether t belongs to the closed tag set.
func (t TypeTag) Known() bool { return t < tagCount }

// FixedSize returns the payload size for t and false for variable-length tags.
func (t TypeTag) FixedSize() (int, bool) {
	if !t.Known() || tagSizes[t] < 0 {
		return 0, false
	}
	return tagSizes[t], true
}

// Record is one unit of data crossing the link.
type Record struct {
	// Tick is milliseconds since the device epoch of the current reset.
	Tick uint64
	// Micros is the sub-millisecond remainder of Tick, 0..999.
	Micros  uint16
	Tag     TypeTag
	Payload []byte
}

// MaxTick is the largest tick a time.Duration can hold.
const MaxTick = uint64(math.MaxInt64/int64(time.Millisecond)) - 1

// TickOffset converts a board tick into a duration from tick zero. Ticks
// beyond MaxTick come from corrupt data and fail as a protocol decode error.
func TickOffset(tick uint64) (time.Duration, error) {
	if tick > MaxTick {
		return 0, &device.ProtocolDecodeError{Reason: fmt.Sprintf("tick %d out of range", tick)}
	}
	return time.Duration(tick) * time.Millisecond, nil
}

// Offset converts the tick into a duration from the epoch anchor.
func (r Record) Offset() (time.Duration, error) {
	d, err := TickOffset(r.Tick)
	if err != nil {
		return 0, err
	}
	return d + time.Duration(r.Micros%1000)*time.Microsecond, nil
}

// Value is implemented by every decoded payload type.
type Value interface {
	Tag() TypeTag
}

// Sample is a decoded value stamped with host time.
type Sample struct {
	Time  time.Time
	Value Value
}

type (
	Uint32 uint32
	Float  float32
	Int32  int32
	Bytes  []byte
	String string

	// Cartesian is a three-axis reading (g, deg/s, uT depending on the signal).
	Cartesian struct{ X, Y, Z float32 }

	BatteryState struct {
		Voltage uint16 // millivolts
		Charge  uint8  // percent
	}

	ColorADC struct{ Clear, Red, Green, Blue uint16 }

	EulerAngles struct{ Heading, Pitch, Roll, Yaw float32 }

	Quaternion struct{ W, X, Y, Z float32 }

	CorrectedCartesian struct {
		X, Y, Z  float32
		Accuracy uint8
	}

	OverflowState struct {
		Length   uint16
		AssertEn uint8
	}

	SensorOrientation uint32

	LoggingTime struct {
		EpochMillis int64
		ResetUID    uint8
	}

	BtleAddress struct {
		AddressType uint8
		Address     [6]byte
	}

	AnyMotion struct {
		Sign                uint8
		XAxis, YAxis, ZAxis bool
	}

	CalibrationState struct{ Accelerometer, Gyroscope, Magnetometer uint8 }

	// DataArray carries several values sharing one timestamp.
	DataArray []Value

	Tap struct {
		Type uint8
		Sign uint8
	}

	Gesture struct{ Type uint8 }
)

func (Uint32) Tag() TypeTag             { return TagUint32 }
func (Float) Tag() TypeTag              { return TagFloat }
func (Int32) Tag() TypeTag              { return TagInt32 }
func (Bytes) Tag() TypeTag              { return TagByteArray }
func (String) Tag() TypeTag             { return TagString }
func (Cartesian) Tag() TypeTag          { return TagCartesianFloat }
func (BatteryState) Tag() TypeTag       { return TagBatteryState }
func (ColorADC) Tag() TypeTag           { return TagColorADC }
func (EulerAngles) Tag() TypeTag        { return TagEulerAngles }
func (Quaternion) Tag() TypeTag         { return TagQuaternion }
func (CorrectedCartesian) Tag() TypeTag { return TagCorrectedCartesianFloat }
func (OverflowState) Tag() TypeTag      { return TagOverflowState }
func (SensorOrientation) Tag() TypeTag  { return TagSensorOrientation }
func (LoggingTime) Tag() TypeTag        { return TagLoggingTime }
func (BtleAddress) Tag() TypeTag        { return TagBtleAddress }
func (AnyMotion) Tag() TypeTag          { return TagAnyMotion }
func (CalibrationState) Tag() TypeTag   { return TagCalibrationState }
func (DataArray) Tag() TypeTag          { return TagDataArray }
func (Tap) Tag() TypeTag                { return TagTap }
func (Gesture) Tag() TypeTag            { return TagGesture }

// String formats a MAC the way the board reports it.
func (a BtleAddress) String() string {
	b := a.Address
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[5], b[4], b[3], b[2], b[1], b[0])
}
