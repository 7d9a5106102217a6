package record

import (
	"errors"
	"fmt"
	"time"

	"github.com/smallnest/ringbuffer"
	"github.com/srg/wearsense/pkg/device"
)

// FrameKind is the first byte of every frame in a flash download stream.
type FrameKind uint8

const (
	// FrameEntry carries one logged record:
	// kind, logger id, reset uid, tick u64, micros u16, tag, len u16, payload.
	FrameEntry FrameKind = 0x01
	// FrameAnchor binds a reset uid to host time:
	// kind, reset uid, host epoch in microseconds i64.
	FrameAnchor FrameKind = 0x02
)

const (
	entryHeaderLen = 16
	anchorLen      = 10
)

// Frame is one decoded element of a download stream.
type Frame struct {
	Kind     FrameKind
	LoggerID uint8
	ResetUID uint8
	Record   Record
	// Anchor is set for FrameAnchor frames.
	Anchor time.Time
}

// EncodeEntry serializes a logged record.
func EncodeEntry(loggerID, resetUID uint8, rec Record) []byte {
	b := make([]byte, 0, entryHeaderLen+len(rec.Payload))
	b = append(b, byte(FrameEntry), loggerID, resetUID)
	b = le.AppendUint64(b, rec.Tick)
	b = le.AppendUint16(b, rec.Micros)
	b = append(b, byte(rec.Tag))
	b = le.AppendUint16(b, uint16(len(rec.Payload)))
	return append(b, rec.Payload...)
}

// EncodeAnchor serializes the host time captured when reset uid began logging.
func EncodeAnchor(resetUID uint8, at time.Time) []byte {
	b := make([]byte, 0, anchorLen)
	b = append(b, byte(FrameAnchor), resetUID)
	return le.AppendUint64(b, uint64(at.UnixMicro()))
}

// FrameReader reassembles frames from chunks split at arbitrary boundaries.
// It is not safe for concurrent use.
type FrameReader struct {
	buf     *ringbuffer.RingBuffer
	pending []byte
	want    int
}

// NewFrameReader buffers up to capacity unframed bytes at a time.
func NewFrameReader(capacity int) *FrameReader {
	if capacity < entryHeaderLen {
		capacity = entryHeaderLen
	}
	return &FrameReader{buf: ringbuffer.New(capacity), want: 1}
}

// Feed consumes chunk and returns every frame completed by it.
func (r *FrameReader) Feed(chunk []byte) ([]Frame, error) {
	var frames []Frame
	for len(chunk) > 0 {
		n, err := r.buf.Write(chunk)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
			return frames, fmt.Errorf("frame buffer: %w", err)
		}
		chunk = chunk[n:]

		out, err := r.drain()
		frames = append(frames, out...)
		if err != nil {
			return frames, err
		}
	}
	return frames, nil
}

// Pending is the number of bytes belonging to a frame that has not completed yet.
func (r *FrameReader) Pending() int {
	return len(r.pending) + r.buf.Length()
}

func (r *FrameReader) drain() ([]Frame, error) {
	var frames []Frame
	for r.buf.Length() > 0 {
		need := r.want - len(r.pending)
		if avail := r.buf.Length(); need > avail {
			need = avail
		}
		p := make([]byte, need)
		n, err := r.buf.Read(p)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return frames, fmt.Errorf("frame buffer: %w", err)
		}
		r.pending = append(r.pending, p[:n]...)
		if len(r.pending) < r.want {
			continue
		}

		f, done, err := r.advance()
		if err != nil {
			return frames, err
		}
		if done {
			frames = append(frames, f)
			r.pending = r.pending[:0]
			r.want = 1
		}
	}
	return frames, nil
}

// advance grows want as the frame header reveals the frame length.
func (r *FrameReader) advance() (Frame, bool, error) {
	p := r.pending
	switch FrameKind(p[0]) {
	case FrameAnchor:
		if len(p) < anchorLen {
			r.want = anchorLen
			return Frame{}, false, nil
		}
		return Frame{
			Kind:     FrameAnchor,
			ResetUID: p[1],
			Anchor:   time.UnixMicro(int64(le.Uint64(p[2:]))).UTC(),
		}, true, nil

	case FrameEntry:
		if len(p) < entryHeaderLen {
			r.want = entryHeaderLen
			return Frame{}, false, nil
		}
		total := entryHeaderLen + int(le.Uint16(p[14:]))
		if len(p) < total {
			r.want = total
			return Frame{}, false, nil
		}
		return Frame{
			Kind:     FrameEntry,
			LoggerID: p[1],
			ResetUID: p[2],
			Record: Record{
				Tick:    le.Uint64(p[3:]),
				Micros:  le.Uint16(p[11:]),
				Tag:     TypeTag(p[13]),
				Payload: append([]byte(nil), p[entryHeaderLen:total]...),
			},
		}, true, nil
	}
	return Frame{}, false, &device.ProtocolDecodeError{Reason: fmt.Sprintf("unknown frame kind 0x%02x", p[0])}
}
