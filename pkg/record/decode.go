package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/srg/wearsense/pkg/device"
)

var le = binary.LittleEndian

// Decode converts rec into a typed value stamped with anchor + tick.
// It has no side effects.
func Decode(rec Record, anchor time.Time) (Sample, error) {
	offset, err := rec.Offset()
	if err != nil {
		return Sample{}, err
	}
	v, err := DecodeValue(rec.Tag, rec.Payload)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Time: anchor.Add(offset), Value: v}, nil
}

// DecodeAs decodes rec and asserts that it carries a T. Asking for the wrong
// type is reported as a protocol decode error, the same class as a bad payload.
func DecodeAs[T Value](rec Record, anchor time.Time) (T, time.Time, error) {
	var zero T
	if want := zero.Tag(); want != rec.Tag {
		return zero, time.Time{}, &device.ProtocolDecodeError{
			Tag:    uint8(rec.Tag),
			Reason: fmt.Sprintf("requested %s, record carries %s", want, rec.Tag),
		}
	}
	s, err := Decode(rec, anchor)
	if err != nil {
		return zero, time.Time{}, err
	}
	return s.Value.(T), s.Time, nil
}

// DecodeValue interprets payload according to tag.
func DecodeValue(tag TypeTag, p []byte) (Value, error) {
	if !tag.Known() {
		return nil, &device.ProtocolDecodeError{Tag: uint8(tag), Reason: "unknown type tag"}
	}
	if size, fixed := tag.FixedSize(); fixed && len(p) != size {
		return nil, &device.ProtocolDecodeError{Tag: uint8(tag), Want: size, Got: len(p)}
	}

	switch tag {
	case TagUint32:
		return Uint32(le.Uint32(p)), nil
	case TagFloat:
		return Float(f32(p)), nil
	case TagInt32:
		return Int32(int32(le.Uint32(p))), nil
	case TagByteArray:
		return Bytes(bytes.Clone(p)), nil
	case TagString:
		return String(p), nil
	case TagCartesianFloat:
		return Cartesian{X: f32(p), Y: f32(p[4:]), Z: f32(p[8:])}, nil
	case TagBatteryState:
		return BatteryState{Voltage: le.Uint16(p), Charge: p[2]}, nil
	case TagColorADC:
		return ColorADC{Clear: le.Uint16(p), Red: le.Uint16(p[2:]), Green: le.Uint16(p[4:]), Blue: le.Uint16(p[6:])}, nil
	case TagEulerAngles:
		return EulerAngles{Heading: f32(p), Pitch: f32(p[4:]), Roll: f32(p[8:]), Yaw: f32(p[12:])}, nil
	case TagQuaternion:
		return Quaternion{W: f32(p), X: f32(p[4:]), Y: f32(p[8:]), Z: f32(p[12:])}, nil
	case TagCorrectedCartesianFloat:
		return CorrectedCartesian{X: f32(p), Y: f32(p[4:]), Z: f32(p[8:]), Accuracy: p[12]}, nil
	case TagOverflowState:
		return OverflowState{Length: le.Uint16(p), AssertEn: p[2]}, nil
	case TagSensorOrientation:
		return SensorOrientation(le.Uint32(p)), nil
	case TagLoggingTime:
		return LoggingTime{EpochMillis: int64(le.Uint64(p)), ResetUID: p[8]}, nil
	case TagBtleAddress:
		var a BtleAddress
		a.AddressType = p[0]
		copy(a.Address[:], p[1:])
		return a, nil
	case TagAnyMotion:
		return AnyMotion{Sign: p[0], XAxis: p[1] != 0, YAxis: p[2] != 0, ZAxis: p[3] != 0}, nil
	case TagCalibrationState:
		return CalibrationState{Accelerometer: p[0], Gyroscope: p[1], Magnetometer: p[2]}, nil
	case TagDataArray:
		return decodeArray(p)
	case TagTap:
		return Tap{Type: p[0], Sign: p[1]}, nil
	case TagGesture:
		return Gesture{Type: p[0]}, nil
	}
	// unreachable while the switch covers every known tag
	return nil, &device.ProtocolDecodeError{Tag: uint8(tag), Reason: "no decoder"}
}

// array items are [tag u8][len u16][payload]
func decodeArray(p []byte) (Value, error) {
	out := DataArray{}
	for len(p) > 0 {
		if len(p) < 3 {
			return nil, &device.ProtocolDecodeError{Tag: uint8(TagDataArray), Reason: "truncated array item header"}
		}
		tag, n := TypeTag(p[0]), int(le.Uint16(p[1:]))
		p = p[3:]
		if len(p) < n {
			return nil, &device.ProtocolDecodeError{Tag: uint8(TagDataArray), Want: n, Got: len(p), Reason: "truncated array item"}
		}
		v, err := DecodeValue(tag, p[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		p = p[n:]
	}
	return out, nil
}

func f32(p []byte) float32 {
	return math.Float32frombits(le.Uint32(p))
}
