package ringchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := New[int](3)
	for i := 0; i < 10; i++ {
		rc.Send(i)
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{7, 8, 9}, got, "MUST keep only the newest values")

	m := rc.Metrics()
	assert.Equal(t, int64(10), m.Written)
	assert.Equal(t, int64(7), m.Overwritten)
}

func TestRingChannel_SendAfterCloseIsDropped(t *testing.T) {
	rc := New[string](1)
	rc.Close()
	rc.Close()

	assert.NotPanics(t, func() { rc.Send("late") })
	assert.Equal(t, int64(1), rc.Metrics().Rejected)
}

func TestRingChannel_InvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
