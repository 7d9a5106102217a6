package record

import (
	"encoding/binary"
	"math"
)

// Encode lays v out the way the board does. Simulated boards use it to
// produce records, and Decode(Encode(v)) returns v.
func Encode(v Value) []byte {
	switch x := v.(type) {
	case Uint32:
		return le.AppendUint32(nil, uint32(x))
	case Float:
		return putF32(nil, float32(x))
	case Int32:
		return le.AppendUint32(nil, uint32(x))
	case Bytes:
		return append([]byte{}, x...)
	case String:
		return []byte(x)
	case Cartesian:
		return putF32(nil, x.X, x.Y, x.Z)
	case BatteryState:
		return append(le.AppendUint16(nil, x.Voltage), x.Charge)
	case ColorADC:
		b := le.AppendUint16(nil, x.Clear)
		b = le.AppendUint16(b, x.Red)
		b = le.AppendUint16(b, x.Green)
		return le.AppendUint16(b, x.Blue)
	case EulerAngles:
		return putF32(nil, x.Heading, x.Pitch, x.Roll, x.Yaw)
	case Quaternion:
		return putF32(nil, x.W, x.X, x.Y, x.Z)
	case CorrectedCartesian:
		return append(putF32(nil, x.X, x.Y, x.Z), x.Accuracy)
	case OverflowState:
		return append(le.AppendUint16(nil, x.Length), x.AssertEn)
	case SensorOrientation:
		return le.AppendUint32(nil, uint32(x))
	case LoggingTime:
		return append(le.AppendUint64(nil, uint64(x.EpochMillis)), x.ResetUID)
	case BtleAddress:
		return append([]byte{x.AddressType}, x.Address[:]...)
	case AnyMotion:
		return []byte{x.Sign, b2u(x.XAxis), b2u(x.YAxis), b2u(x.ZAxis)}
	case CalibrationState:
		return []byte{x.Accelerometer, x.Gyroscope, x.Magnetometer}
	case DataArray:
		var b []byte
		for _, item := range x {
			p := Encode(item)
			b = append(b, byte(item.Tag()))
			b = binary.LittleEndian.AppendUint16(b, uint16(len(p)))
			b = append(b, p...)
		}
		return b
	case Tap:
		return []byte{x.Type, x.Sign}
	case Gesture:
		return []byte{x.Type}
	}
	return nil
}

// NewRecord builds a record for v at the given tick.
func NewRecord(tick uint64, v Value) Record {
	return Record{Tick: tick, Tag: v.Tag(), Payload: Encode(v)}
}

func putF32(b []byte, vs ...float32) []byte {
	for _, v := range vs {
		b = le.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

func b2u(b bool) byte {
	if b {
		return 1
	}
	return 0
}
