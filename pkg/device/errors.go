package device

import (
	"errors"
	"fmt"
	"strings"
)

// TransportError is a link-level failure: a dropped connection, a failed
// dial, or a timed-out GATT operation. It forces the owning session into
// the disconnected state and is never retried internally.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s failed", e.Op)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is matches any *TransportError so callers can write errors.Is(err, ErrTransport).
func (e *TransportError) Is(target error) bool {
	_, ok := target.(*TransportError)
	return ok
}

// CapabilityError reports a signal the connected board cannot produce.
type CapabilityError struct {
	Signal string
	Model  Model
	Reason string
}

func (e *CapabilityError) Error() string {
	msg := fmt.Sprintf("%s is not supported on %s", e.Signal, e.Model)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *CapabilityError) Is(target error) bool {
	_, ok := target.(*CapabilityError)
	return ok
}

// ConflictError reports a signal that cannot run alongside an active one.
type ConflictError struct {
	Requested string
	Active    []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflicts with active %s", e.Requested, strings.Join(e.Active, ", "))
}

func (e *ConflictError) Is(target error) bool {
	_, ok := target.(*ConflictError)
	return ok
}

// ProtocolDecodeError means the decoder and the board firmware disagree on
// the record layout. It is never delivered as data.
type ProtocolDecodeError struct {
	Tag    uint8
	Want   int
	Got    int
	Reason string
}

func (e *ProtocolDecodeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("protocol decode: tag %d: %s", e.Tag, e.Reason)
	}
	return fmt.Sprintf("protocol decode: tag %d: payload is %d bytes, expected %d", e.Tag, e.Got, e.Want)
}

func (e *ProtocolDecodeError) Is(target error) bool {
	_, ok := target.(*ProtocolDecodeError)
	return ok
}

// DownloadIncomplete terminates a flash download that stopped short of the
// announced length. Partial holds whatever was demultiplexed before the
// failure; it must never be treated as a complete log.
type DownloadIncomplete struct {
	Received uint64
	Total    uint64
	Cause    error
	Partial  any
}

func (e *DownloadIncomplete) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("download incomplete: %d of %d bytes", e.Received, e.Total)
	}
	return fmt.Sprintf("download incomplete: %d of %d bytes: %v", e.Received, e.Total, e.Cause)
}

func (e *DownloadIncomplete) Unwrap() error { return e.Cause }

func (e *DownloadIncomplete) Is(target error) bool {
	_, ok := target.(*DownloadIncomplete)
	return ok
}

// Sentinel values for errors.Is checks
var (
	ErrTransport          = &TransportError{}
	ErrCapability         = &CapabilityError{}
	ErrConflict           = &ConflictError{}
	ErrProtocolDecode     = &ProtocolDecodeError{}
	ErrDownloadIncomplete = &DownloadIncomplete{}

	ErrNotConnected      = errors.New("device not connected")
	ErrDisconnected      = errors.New("disconnected by request")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrUnsupported       = errors.New("unsupported")
	ErrBluetoothOff      = errors.New("bluetooth is turned off")
)

// IsUnexpectedDisconnect reports whether err describes a link loss the
// caller did not ask for.
func IsUnexpectedDisconnect(err error) bool {
	return errors.Is(err, ErrTransport) && !errors.Is(err, ErrDisconnected)
}
