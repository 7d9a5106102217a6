package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/known"
	"github.com/srg/wearsense/pkg/scanner"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was using
	// it. This is distinct from device.ErrNotConnected, which means the
	// command never had a connection.
	ErrConnectionLost = errors.New("connection lost")

	// ErrDeviceNotFound means the scan ended without the requested board advertising.
	ErrDeviceNotFound = errors.New("device not found")
)

// FormatUserError turns an error chain into a one-line message with a hint
// about what the user can do.
func FormatUserError(err error) string {
	var (
		capErr      *device.CapabilityError
		conflictErr *device.ConflictError
		incomplete  *device.DownloadIncomplete
		transport   *device.TransportError
	)

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and try again"
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, scanner.ErrUnknownDevice):
		return fmt.Sprintf("%v; make sure the board is awake and in range, or increase --scan-timeout", err)
	case errors.Is(err, known.ErrUnknownDevice), errors.Is(err, known.ErrUnknownGroup):
		return fmt.Sprintf("%v; see 'wearsense known list'", err)
	case errors.As(err, &capErr):
		return capErr.Error()
	case errors.As(err, &conflictErr):
		return fmt.Sprintf("%v; stop the active signal first", conflictErr)
	case errors.As(err, &incomplete):
		return fmt.Sprintf("download stopped at %d of %d bytes; logged data was left on the board, retry the download",
			incomplete.Received, incomplete.Total)
	case errors.Is(err, ErrConnectionLost):
		return "connection to the board was lost"
	case errors.As(err, &transport):
		return fmt.Sprintf("Bluetooth %s failed: %v", transport.Op, rootCause(transport.Err))
	case errors.Is(err, device.ErrNotConnected):
		return "board is not connected"
	case errors.Is(err, device.ErrDeviceUnavailable):
		return "board is no longer available"
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	}
	return err.Error()
}

func rootCause(err error) string {
	if err == nil {
		return "unknown error"
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return strings.TrimSpace(err.Error())
		}
		err = next
	}
}
