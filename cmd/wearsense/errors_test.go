package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/known"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{
			name:     "bluetooth off",
			err:      fmt.Errorf("scan: %w", device.ErrBluetoothOff),
			contains: "Bluetooth is turned off",
		},
		{
			name:     "device not found",
			err:      fmt.Errorf("%w: sim-9", ErrDeviceNotFound),
			contains: "increase --scan-timeout",
		},
		{
			name:     "unknown remembered board",
			err:      fmt.Errorf("%w: Chest", known.ErrUnknownDevice),
			contains: "see 'wearsense known list'",
		},
		{
			name:     "capability",
			err:      fmt.Errorf("stream: %w", &device.CapabilityError{Signal: "pressure", Model: device.ModelMetaMotionS}),
			contains: "pressure is not supported on MetaMotion S",
		},
		{
			name:     "conflict",
			err:      &device.ConflictError{Requested: "acceleration/stream", Active: []string{"quaternion/stream"}},
			contains: "stop the active signal first",
		},
		{
			name:     "incomplete download",
			err:      &device.DownloadIncomplete{Received: 100, Total: 400},
			contains: "download stopped at 100 of 400 bytes",
		},
		{
			name:     "connection lost",
			err:      fmt.Errorf("%w: link dropped", ErrConnectionLost),
			contains: "connection to the board was lost",
		},
		{
			name:     "transport",
			err:      &device.TransportError{Op: "write", Err: fmt.Errorf("gatt: %w", errors.New("att error 0x0e"))},
			contains: "Bluetooth write failed: att error 0x0e",
		},
		{
			name:     "timeout",
			err:      fmt.Errorf("connect: %w", context.DeadlineExceeded),
			contains: "operation timed out",
		},
		{
			name:     "anything else",
			err:      errors.New("invalid format 'xml'"),
			contains: "invalid format 'xml'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.contains)
		})
	}
}
