// Package goble implements the transport over github.com/go-ble/ble, using
// CoreBluetooth on darwin and HCI sockets on linux.
package goble

import (
	"context"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearsense/pkg/transport"
	"golang.org/x/time/rate"
)

// DeviceFactory creates the platform radio (can be overridden in tests)
var DeviceFactory = newPlatformDevice

// Options tunes the radio transport.
type Options struct {
	// ConnectTimeout bounds dial plus profile discovery. Zero leaves it to ctx.
	ConnectTimeout time.Duration
	// WritesPerSecond caps characteristic writes per link. Zero disables the cap.
	WritesPerSecond float64
	WriteBurst      int
	// WriteChunkSize is the largest single ATT write. Zero means DefaultWriteChunkSize.
	WriteChunkSize int
}

// DefaultWriteChunkSize fits the minimum ATT MTU.
const DefaultWriteChunkSize = 20

// radio is the part of ble.Device the transport drives.
type radio interface {
	Scan(ctx context.Context, handler func(transport.Advertisement)) error
	Dial(ctx context.Context, addr string) (client, error)
}

// client is the part of ble.Client a link drives.
type client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	ReadRSSI() int
	CancelConnection() error
}

type deviceRadio struct {
	dev ble.Device
}

func (r deviceRadio) Scan(ctx context.Context, handler func(transport.Advertisement)) error {
	return r.dev.Scan(ctx, true, func(a ble.Advertisement) {
		handler(advertisement(a))
	})
}

func (r deviceRadio) Dial(ctx context.Context, addr string) (client, error) {
	cl, err := r.dev.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, err
	}
	return cl, nil
}

func advertisement(a ble.Advertisement) transport.Advertisement {
	services := make([]string, 0, len(a.Services()))
	for _, u := range a.Services() {
		services = append(services, u.String())
	}
	return transport.Advertisement{
		LocalID:  a.Addr().String(),
		Name:     a.LocalName(),
		RSSI:     a.RSSI(),
		Services: services,
	}
}

// Transport opens the platform radio on first use and dials peripherals by address.
type Transport struct {
	opts     Options
	logger   *logrus.Logger
	newRadio func() (radio, error)

	once     sync.Once
	radio    radio
	radioErr error
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options, logger *logrus.Logger) *Transport {
	return newTransport(func() (radio, error) {
		dev, err := DeviceFactory()
		if err != nil {
			return nil, err
		}
		return deviceRadio{dev: dev}, nil
	}, opts, logger)
}

func newTransport(newRadio func() (radio, error), opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{opts: opts, logger: logger, newRadio: newRadio}
}

func (t *Transport) open() (radio, error) {
	t.once.Do(func() {
		t.radio, t.radioErr = t.newRadio()
		if t.radioErr != nil {
			t.logger.WithField("error", t.radioErr).Error("Failed to create BLE device")
		}
	})
	return t.radio, t.radioErr
}

// Scan reports advertisements until ctx ends; the ctx error is returned as is.
func (t *Transport) Scan(ctx context.Context, handler func(transport.Advertisement)) error {
	r, err := t.open()
	if err != nil {
		return transportErr("scan", err)
	}
	if err := r.Scan(ctx, handler); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transportErr("scan", err)
	}
	return nil
}

// Connect dials the peripheral at localID and discovers its full profile.
func (t *Transport) Connect(ctx context.Context, localID string) (transport.Link, error) {
	r, err := t.open()
	if err != nil {
		return nil, transportErr("connect", err)
	}
	if t.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.ConnectTimeout)
		defer cancel()
	}

	log := t.logger.WithField("address", localID)
	log.Debug("Dialing BLE device...")
	cl, err := r.Dial(ctx, localID)
	if err != nil {
		log.WithField("error", err).Error("Failed to dial BLE device")
		return nil, transportErr("dial", err)
	}

	log.Debug("Discovering services and characteristics...")
	profile, err := cl.DiscoverProfile(true)
	if err != nil {
		log.WithField("error", err).Error("Failed to discover profile")
		if cancelErr := cl.CancelConnection(); cancelErr != nil {
			log.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, transportErr("discover", err)
	}

	var limiter *rate.Limiter
	if t.opts.WritesPerSecond > 0 {
		burst := t.opts.WriteBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(t.opts.WritesPerSecond), burst)
	}
	link := newLink(cl, profile, limiter, t.opts.WriteChunkSize, t.logger)
	log.WithField("characteristics", len(link.chars)).Info("Connected")
	return link, nil
}
