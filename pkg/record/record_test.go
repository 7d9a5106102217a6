package record

import (
	"bytes"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/srg/wearsense/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var anchor = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedValues() []Value {
	return []Value{
		Uint32(0xDEADBEEF),
		Float(-1.25),
		Int32(-42),
		Cartesian{X: 0.5, Y: -1, Z: 9.81},
		BatteryState{Voltage: 4120, Charge: 97},
		ColorADC{Clear: 1, Red: 2, Green: 3, Blue: 65535},
		EulerAngles{Heading: 359.5, Pitch: -10, Roll: 45, Yaw: 359.5},
		Quaternion{W: 1, X: 0, Y: -0.5, Z: 0.25},
		CorrectedCartesian{X: 1, Y: 2, Z: 3, Accuracy: 3},
		OverflowState{Length: 512, AssertEn: 1},
		SensorOrientation(5),
		LoggingTime{EpochMillis: 1_700_000_000_123, ResetUID: 7},
		BtleAddress{AddressType: 1, Address: [6]byte{5, 0x50, 0x97, 0xAA, 0x4B, 0xC8}},
		AnyMotion{Sign: 1, XAxis: true, ZAxis: true},
		CalibrationState{Accelerometer: 3, Gyroscope: 2, Magnetometer: 1},
		Tap{Type: 2, Sign: 1},
		Gesture{Type: 4},
	}
}

func TestRoundTrip_FixedSizeTags(t *testing.T) {
	for _, v := range fixedValues() {
		t.Run(v.Tag().String(), func(t *testing.T) {
			payload := Encode(v)
			size, fixed := v.Tag().FixedSize()
			require.True(t, fixed)
			require.Len(t, payload, size, "MUST encode to the fixed size")

			got, err := DecodeValue(v.Tag(), payload)
			require.NoError(t, err)
			assert.Equal(t, v, got)
		})
	}
}

func TestRoundTrip_VariableLengthTags(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, n := range []int{0, 1, 19, 255, 4096} {
		raw := make([]byte, n)
		rng.Read(raw)

		got, err := DecodeValue(TagByteArray, Encode(Bytes(raw)))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(raw, []byte(got.(Bytes))), "MUST round-trip %d bytes", n)

		s := strings.Repeat("ä", n/2)
		gotS, err := DecodeValue(TagString, Encode(String(s)))
		require.NoError(t, err)
		assert.Equal(t, String(s), gotS)
	}
}

func TestRoundTrip_DataArray(t *testing.T) {
	arr := DataArray{Cartesian{X: 1}, Uint32(3), Bytes{1, 2}}
	got, err := DecodeValue(TagDataArray, Encode(arr))
	require.NoError(t, err)
	assert.Equal(t, arr, got)

	empty, err := DecodeValue(TagDataArray, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDecode_SizeMismatchIsProtocolError(t *testing.T) {
	_, err := DecodeValue(TagCartesianFloat, make([]byte, 11))
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrProtocolDecode)

	var perr *device.ProtocolDecodeError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 12, perr.Want)
	assert.Equal(t, 11, perr.Got)
}

func TestDecode_UnknownTagIsProtocolError(t *testing.T) {
	_, err := Decode(Record{Tag: TypeTag(200), Payload: []byte{1}}, anchor)
	assert.ErrorIs(t, err, device.ErrProtocolDecode)
	assert.False(t, TypeTag(200).Known())
	assert.Equal(t, "tag(200)", TypeTag(200).String())
}

func TestDecode_TruncatedArrayItem(t *testing.T) {
	_, err := DecodeValue(TagDataArray, []byte{byte(TagUint32), 4, 0, 1, 2})
	assert.ErrorIs(t, err, device.ErrProtocolDecode)
}

func TestDecode_Timestamp(t *testing.T) {
	rec := NewRecord(1500, Float(2))
	rec.Micros = 250

	s, err := Decode(rec, anchor)
	require.NoError(t, err)
	assert.Equal(t, anchor.Add(1500*time.Millisecond+250*time.Microsecond), s.Time,
		"MUST keep the sub-millisecond remainder")
}

func TestDecodeAs(t *testing.T) {
	rec := NewRecord(10, Quaternion{W: 1})

	q, at, err := DecodeAs[Quaternion](rec, anchor)
	require.NoError(t, err)
	assert.Equal(t, Quaternion{W: 1}, q)
	assert.Equal(t, anchor.Add(10*time.Millisecond), at)

	_, _, err = DecodeAs[Cartesian](rec, anchor)
	assert.ErrorIs(t, err, device.ErrProtocolDecode, "MUST refuse to coerce a quaternion into a cartesian value")
}

func TestDecode_RejectsTickOverflow(t *testing.T) {
	_, err := Decode(Record{Tick: MaxTick + 1, Tag: TagUint32, Payload: []byte{1, 0, 0, 0}}, anchor)
	assert.ErrorIs(t, err, device.ErrProtocolDecode, "a tick past the duration range MUST be refused")

	_, err = Decode(Record{Tick: math.MaxUint64, Tag: TagUint32, Payload: []byte{1, 0, 0, 0}}, anchor)
	assert.ErrorIs(t, err, device.ErrProtocolDecode)

	d, err := TickOffset(MaxTick)
	assert.NoError(t, err)
	assert.Equal(t, time.Duration(MaxTick)*time.Millisecond, d)
}

func TestBtleAddress_String(t *testing.T) {
	a := BtleAddress{Address: [6]byte{0x05, 0x50, 0x97, 0xAA, 0x4B, 0xC8}}
	assert.Equal(t, "C8:4B:AA:97:50:05", a.String())
}

func TestFrameReader(t *testing.T) {
	at := time.UnixMicro(1_700_000_000_000_123)

	var stream []byte
	stream = append(stream, EncodeAnchor(3, at)...)
	stream = append(stream, EncodeEntry(1, 3, NewRecord(10, Cartesian{X: 1}))...)
	stream = append(stream, EncodeEntry(2, 3, NewRecord(11, Bytes{}))...)
	stream = append(stream, EncodeEntry(1, 3, NewRecord(20, Cartesian{X: 2}))...)

	for _, chunkSize := range []int{1, 3, 7, 20, len(stream)} {
		t.Run("chunk", func(t *testing.T) {
			r := NewFrameReader(32)
			var frames []Frame
			for off := 0; off < len(stream); off += chunkSize {
				end := min(off+chunkSize, len(stream))
				out, err := r.Feed(stream[off:end])
				require.NoError(t, err)
				frames = append(frames, out...)
			}

			require.Len(t, frames, 4, "MUST reassemble every frame (chunk size %d)", chunkSize)
			assert.Equal(t, 0, r.Pending())

			assert.Equal(t, FrameAnchor, frames[0].Kind)
			assert.Equal(t, uint8(3), frames[0].ResetUID)
			assert.True(t, at.Equal(frames[0].Anchor))

			assert.Equal(t, uint8(1), frames[1].LoggerID)
			assert.Equal(t, uint64(10), frames[1].Record.Tick)
			assert.Equal(t, uint8(2), frames[2].LoggerID)
			assert.Empty(t, frames[2].Record.Payload)
			assert.Equal(t, uint64(20), frames[3].Record.Tick)
		})
	}
}

func TestFrameReader_PartialAndUnknownKind(t *testing.T) {
	r := NewFrameReader(64)
	entry := EncodeEntry(1, 0, NewRecord(1, Uint32(1)))

	frames, err := r.Feed(entry[:5])
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, 5, r.Pending())

	_, err = NewFrameReader(64).Feed([]byte{0x7F, 0, 0})
	assert.ErrorIs(t, err, device.ErrProtocolDecode)
}
