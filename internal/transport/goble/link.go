package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearsense/internal/groutine"
	"github.com/srg/wearsense/pkg/transport"
	"golang.org/x/time/rate"
)

// Link is one go-ble connection with its discovered characteristics.
type Link struct {
	client  client
	chars   map[string]*ble.Characteristic
	limiter   *rate.Limiter
	chunkSize int
	logger    *logrus.Logger

	mu        sync.Mutex // one GATT request in flight
	lost      chan struct{}
	lostOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

var _ transport.Link = (*Link)(nil)

func newLink(cl client, profile *ble.Profile, limiter *rate.Limiter, chunkSize int, logger *logrus.Logger) *Link {
	if chunkSize <= 0 {
		chunkSize = DefaultWriteChunkSize
	}
	l := &Link{
		client:    cl,
		chars:     make(map[string]*ble.Characteristic),
		limiter:   limiter,
		chunkSize: chunkSize,
		logger:    logger,
		lost:      make(chan struct{}),
	}
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			key := transport.Characteristic{Service: svc.UUID.String(), UUID: c.UUID.String()}.String()
			l.chars[key] = c
		}
	}

	// Not every go-ble backend reports link loss
	if watcher, ok := cl.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "goble-link-monitor", func(context.Context) {
			select {
			case <-watcher.Disconnected():
				l.logger.Warn("Radio reported disconnection")
				l.markLost()
			case <-l.lost:
			}
		})
	}
	return l
}

func (l *Link) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

func (l *Link) lookup(c transport.Characteristic) (*ble.Characteristic, error) {
	ch, ok := l.chars[c.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCharacteristic, c)
	}
	return ch, nil
}

// call runs a blocking go-ble request, giving up when ctx ends or the link drops.
func (l *Link) call(ctx context.Context, op string, fn func() error) error {
	select {
	case <-l.lost:
		return transportErr(op, errLinkLost)
	default:
	}

	done := make(chan error, 1)
	groutine.Go(ctx, "goble-"+op, func(context.Context) {
		l.mu.Lock()
		defer l.mu.Unlock()
		done <- fn()
	})

	select {
	case err := <-done:
		return transportErr(op, err)
	case <-l.lost:
		return transportErr(op, errLinkLost)
	case <-ctx.Done():
		return transportErr(op, ctx.Err())
	}
}

var errLinkLost = errors.New("device not connected")

// Write splits data into chunkSize writes, each paced by the limiter.
func (l *Link) Write(ctx context.Context, c transport.Characteristic, data []byte, withResponse bool) error {
	ch, err := l.lookup(c)
	if err != nil {
		return err
	}
	data = append([]byte(nil), data...)
	for len(data) > 0 {
		n := min(len(data), l.chunkSize)
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return transportErr("write", err)
			}
		}
		chunk := data[:n]
		if err := l.call(ctx, "write", func() error {
			return l.client.WriteCharacteristic(ch, chunk, !withResponse)
		}); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (l *Link) Read(ctx context.Context, c transport.Characteristic) ([]byte, error) {
	ch, err := l.lookup(c)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = l.call(ctx, "read", func() error {
		var rerr error
		out, rerr = l.client.ReadCharacteristic(ch)
		return rerr
	})
	return out, err
}

// Subscribe enables notifications, falling back to indications when the
// characteristic only supports those.
func (l *Link) Subscribe(ctx context.Context, c transport.Characteristic, fn func([]byte)) error {
	ch, err := l.lookup(c)
	if err != nil {
		return err
	}
	indicate := ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate != 0
	return l.call(ctx, "subscribe", func() error {
		return l.client.Subscribe(ch, indicate, func(req []byte) {
			fn(append([]byte(nil), req...))
		})
	})
}

func (l *Link) ReadRSSI(ctx context.Context) (int, error) {
	var rssi int
	err := l.call(ctx, "rssi", func() error {
		rssi = l.client.ReadRSSI()
		return nil
	})
	return rssi, err
}

func (l *Link) Disconnected() <-chan struct{} {
	return l.lost
}

func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = NormalizeError(l.client.CancelConnection())
		l.markLost()
	})
	return l.closeErr
}
