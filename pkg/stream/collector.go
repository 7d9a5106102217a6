package stream

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/wearsense/pkg/record"
)

// CollectorMetrics are updated atomically.
type CollectorMetrics struct {
	Collected   int64
	Overwritten int64
	Errors      int64
}

const (
	collectorIdle uint32 = iota
	collectorRunning
	collectorStopping

	// MaxCollectorSize guards against accidental misconfiguration.
	MaxCollectorSize uint32 = 1 << 20
)

// Collector drains a subscription into an overlapped ring buffer so a batch
// consumer can take whatever accumulated since its last visit. When the
// buffer is full the oldest samples are overwritten.
type Collector struct {
	sub     *Subscription
	buffer  mpmc.RichOverlappedRingBuffer[record.Sample]
	state   atomic.Uint32
	stop    chan struct{}
	done    chan struct{}
	onError func(error)

	collected   atomic.Int64
	overwritten atomic.Int64
	errors      atomic.Int64
}

// NewCollector buffers up to size samples. onError receives buffer
// failures; nil ignores them.
func NewCollector(sub *Subscription, size uint32, onError func(error)) (*Collector, error) {
	if sub == nil {
		return nil, fmt.Errorf("subscription cannot be nil")
	}
	if size == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if size > MaxCollectorSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", size, MaxCollectorSize)
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Collector{
		sub:     sub,
		buffer:  mpmc.NewOverlappedRingBuffer[record.Sample](size),
		onError: onError,
	}, nil
}

// Start begins draining. It fails if already running.
func (c *Collector) Start() error {
	if !c.state.CompareAndSwap(collectorIdle, collectorRunning) {
		return fmt.Errorf("collector is already running")
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func() {
		defer func() {
			close(c.done)
			c.state.Store(collectorIdle)
		}()
		for {
			select {
			case <-c.stop:
				return
			case s, ok := <-c.sub.C():
				if !ok {
					return
				}
				overwrites, err := c.buffer.EnqueueM(s)
				if err != nil {
					c.errors.Add(1)
					c.onError(fmt.Errorf("enqueue sample: %w", err))
					return
				}
				c.overwritten.Add(int64(overwrites))
				c.collected.Add(1)
			}
		}
	}()
	return nil
}

// Stop ends draining and waits for the drain goroutine, at most timeout.
func (c *Collector) Stop(timeout time.Duration) error {
	if c.state.CompareAndSwap(collectorRunning, collectorStopping) {
		close(c.stop)
	} else if c.state.Load() == collectorIdle {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("collector did not stop within %s", timeout)
	}
}

// Done is closed when draining ends, either by Stop or because the
// subscription closed. It is nil before Start.
func (c *Collector) Done() <-chan struct{} { return c.done }

// Drain removes and returns every buffered sample, oldest first.
func (c *Collector) Drain() ([]record.Sample, error) {
	var out []record.Sample
	for !c.buffer.IsEmpty() {
		s, err := c.buffer.Dequeue()
		if err != nil {
			return out, fmt.Errorf("dequeue sample: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *Collector) Metrics() CollectorMetrics {
	return CollectorMetrics{
		Collected:   c.collected.Load(),
		Overwritten: c.overwritten.Load(),
		Errors:      c.errors.Load(),
	}
}
