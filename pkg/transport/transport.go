// Package transport is the BLE central surface the session core consumes.
package transport

import (
	"context"
	"strings"
)

// Advertisement is what a scan reports for one device.
type Advertisement struct {
	LocalID  string
	Name     string
	RSSI     int
	Services []string
}

// Characteristic addresses a GATT characteristic by service and UUID.
// UUIDs are compared case-insensitively without dashes.
type Characteristic struct {
	Service string
	UUID    string
}

func (c Characteristic) String() string {
	return NormalizeUUID(c.Service) + "/" + NormalizeUUID(c.UUID)
}

// NormalizeUUID lowercases and strips dashes.
func NormalizeUUID(u string) string {
	return strings.ToLower(strings.ReplaceAll(u, "-", ""))
}

// Transport discovers and dials devices.
type Transport interface {
	// Scan reports advertisements until ctx ends.
	Scan(ctx context.Context, handler func(Advertisement)) error
	// Connect dials localID. Cancelling ctx abandons the attempt.
	Connect(ctx context.Context, localID string) (Link, error)
}

// Link is one established connection. All methods except Disconnected and
// Close may block on a radio round-trip.
type Link interface {
	Write(ctx context.Context, c Characteristic, data []byte, withResponse bool) error
	Read(ctx context.Context, c Characteristic) ([]byte, error)
	// Subscribe delivers notifications to fn until the link closes.
	Subscribe(ctx context.Context, c Characteristic, fn func([]byte)) error
	ReadRSSI(ctx context.Context) (int, error)
	// Disconnected is closed when the link is gone for any reason.
	Disconnected() <-chan struct{}
	Close() error
}
