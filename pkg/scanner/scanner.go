// Package scanner discovers boards and owns their device records. Every
// session it hands out shares the scanner's serialization queue and holds
// only a generation-checked reference to its device, so closing the
// scanner turns every later session call into ErrDeviceUnavailable.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearsense/internal/queue"
	"github.com/srg/wearsense/internal/ringchan"
	"github.com/srg/wearsense/internal/slots"
	"github.com/srg/wearsense/pkg/board"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/session"
	"github.com/srg/wearsense/pkg/signal"
	"github.com/srg/wearsense/pkg/transport"
)

var ErrUnknownDevice = errors.New("device not discovered")

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// EventType marks if the device was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

type Event struct {
	Type     EventType
	Identity device.Identity
	RSSI     int
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration     time.Duration
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{Duration: 10 * time.Second}
}

// DriverFactory builds a driver for one session; drivers bind to a single link.
type DriverFactory func() board.Driver

// Scanner handles discovery and device ownership
type Scanner struct {
	transport transport.Transport
	drivers   DriverFactory
	opts      session.Options
	logger    *logrus.Logger

	q        *queue.Queue
	owned    *slots.Table[*device.Device]
	refs     *hashmap.Map[string, slots.Ref]
	sessions *hashmap.Map[string, *session.Session]
	events   *ringchan.RingChannel[Event]

	mu     sync.Mutex // serializes device creation and Close
	closed atomic.Bool
}

// New creates a scanner. opts are applied to every session it creates.
func New(tr transport.Transport, drivers DriverFactory, opts session.Options, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Table == nil {
		opts.Table = signal.NewTable()
	}
	return &Scanner{
		transport: tr,
		drivers:   drivers,
		opts:      opts,
		logger:    logger,
		q:         queue.New("scanner", logger),
		owned:     slots.New[*device.Device](),
		refs:      hashmap.New[string, slots.Ref](),
		sessions:  hashmap.New[string, *session.Session](),
		events:    ringchan.New[Event](100),
	}
}

// Scan performs discovery until opts.Duration elapses or ctx ends and
// returns everything discovered so far, this scan or earlier ones.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]device.Identity, error) {
	if s.closed.Load() {
		return nil, device.ErrDeviceUnavailable
	}
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback("Scanning")

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}
	err := s.transport.Scan(scanCtx, func(adv transport.Advertisement) {
		s.handleAdvertisement(adv, opts)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	devices := s.Devices()
	s.logger.WithField("device_count", len(devices)).Info("BLE scan completed")
	progressCallback("Processing results")
	return devices, nil
}

// handleAdvertisement updates an existing device or adds a new one
func (s *Scanner) handleAdvertisement(adv transport.Advertisement, opts *ScanOptions) {
	if dev, ok := s.Device(adv.LocalID); ok {
		dev.Advertised(adv.Name, adv.RSSI)
		s.events.Send(Event{Type: EventUpdated, Identity: dev.Identity(), RSSI: adv.RSSI})
		return
	}
	if !shouldInclude(adv, opts) {
		return
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return
	}
	if _, exists := s.refs.Get(adv.LocalID); exists {
		s.mu.Unlock()
		s.handleAdvertisement(adv, opts)
		return
	}
	dev := device.New(adv.LocalID, adv.Name, adv.RSSI)
	s.refs.Set(adv.LocalID, s.owned.Insert(dev))
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"device": adv.Name,
		"id":     adv.LocalID,
		"rssi":   adv.RSSI,
	}).Info("Discovered new device")
	s.events.Send(Event{Type: EventNew, Identity: dev.Identity(), RSSI: adv.RSSI})
}

// shouldInclude applies the allow, block and service filters
func shouldInclude(adv transport.Advertisement, opts *ScanOptions) bool {
	for _, blocked := range opts.BlockList {
		if adv.LocalID == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if adv.LocalID == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		for _, required := range opts.ServiceUUIDs {
			for _, advertised := range adv.Services {
				if transport.NormalizeUUID(required) == transport.NormalizeUUID(advertised) {
					return true
				}
			}
		}
		return false
	}

	return true
}

// Device returns the owned record for localID.
func (s *Scanner) Device(localID string) (*device.Device, bool) {
	ref, ok := s.refs.Get(localID)
	if !ok {
		return nil, false
	}
	return s.owned.Get(ref)
}

// Devices returns identity snapshots ordered by local id.
func (s *Scanner) Devices() []device.Identity {
	var out []device.Identity
	s.owned.Range(func(_ slots.Ref, d *device.Device) bool {
		out = append(out, d.Identity())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}

// Session returns the session of a discovered device, creating it on first use.
func (s *Scanner) Session(localID string) (*session.Session, error) {
	if s.closed.Load() {
		return nil, device.ErrDeviceUnavailable
	}
	if sess, ok := s.sessions.Get(localID); ok {
		return sess, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, device.ErrDeviceUnavailable
	}
	ref, ok := s.refs.Get(localID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, localID)
	}
	if sess, ok := s.sessions.Get(localID); ok {
		return sess, nil
	}

	resolve := func() (*device.Device, error) {
		d, ok := s.owned.Get(ref)
		if !ok {
			return nil, device.ErrDeviceUnavailable
		}
		return d, nil
	}
	sess := session.New(s.q, localID, resolve, s.transport, s.drivers(), s.opts, s.logger)
	s.sessions.Set(localID, sess)
	s.logger.WithField("id", localID).Debug("Session created")
	return sess, nil
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}

// Close disconnects every session and releases all devices.
func (s *Scanner) Close() {
	s.mu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.sessions.Range(func(_ string, sess *session.Session) bool {
		sess.Close()
		return true
	})
	s.refs.Range(func(_ string, ref slots.Ref) bool {
		s.owned.Remove(ref)
		return true
	})
	s.events.Close()
	s.q.Close()
	s.logger.Debug("Scanner closed")
}
