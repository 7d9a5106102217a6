package groutine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGo_LabelsContext(t *testing.T) {
	done := make(chan string, 1)
	Go(nil, "worker-1", func(ctx context.Context) {
		done <- Name(ctx)
	})
	assert.Equal(t, "worker-1", <-done)
	assert.Equal(t, "", Name(context.Background()))
}

func TestID_DiffersAcrossGoroutines(t *testing.T) {
	here := ID()
	assert.NotZero(t, here)

	other := make(chan uint64, 1)
	Go(context.Background(), "id", func(context.Context) { other <- ID() })
	assert.NotEqual(t, here, <-other)
}
