package simboard

import (
	"context"
	"math"
	"time"

	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
)

// Generate emits a synthetic value for every started kind each period until
// ctx ends. Kinds with a configured value repeat it; the rest follow a slow
// sine so streamed output visibly changes.
func (b *Board) Generate(ctx context.Context, period time.Duration) {
	table := signal.NewTable()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			phase := now.Sub(start).Seconds()
			for _, k := range b.startedKinds() {
				if v, ok := b.syntheticValue(table, k, phase); ok {
					b.Emit(k, v)
				}
			}
		}
	}
}

func (b *Board) startedKinds() []signal.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[signal.Kind]bool)
	var out []signal.Kind
	for _, h := range b.streaming {
		if k := h.Descriptor.Kind; !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func (b *Board) syntheticValue(table *signal.Table, k signal.Kind, phase float64) (record.Value, bool) {
	b.mu.Lock()
	v, ok := b.values[k]
	b.mu.Unlock()
	if ok {
		return v, true
	}

	info, ok := table.Info(k)
	if !ok {
		return nil, false
	}
	s := float32(math.Sin(phase))
	c := float32(math.Cos(phase))
	switch info.Tag {
	case record.TagCartesianFloat:
		return record.Cartesian{X: s, Y: c, Z: 1}, true
	case record.TagQuaternion:
		half := phase / 2
		return record.Quaternion{W: float32(math.Cos(half)), Z: float32(math.Sin(half))}, true
	case record.TagEulerAngles:
		heading := float32(math.Mod(phase*20, 360))
		return record.EulerAngles{Heading: heading, Pitch: 5 * s, Roll: 5 * c, Yaw: heading}, true
	case record.TagFloat:
		return record.Float(20 + s), true
	case record.TagUint32:
		return record.Uint32(uint32(phase)), true
	}
	return nil, false
}
