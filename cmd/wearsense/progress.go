package main

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays progress messages with elapsed or remaining time,
// or a completion percentage.
//
// Usage:
//
//	p := NewProgressPrinter(w, ...)
//	p.Start()
//	defer p.Stop()
//
// Output is animated only when w is a terminal; otherwise the printer stays
// silent so piped output contains nothing but results.
//
// A ProgressPrinter is single-use. Start may be called at most once, and Stop
// should be called exactly once. After Stop, the instance cannot be restarted.
type ProgressPrinter struct {
	out        io.Writer
	enabled    bool
	prefix     string
	phase      atomic.Value        // stores string - current phase name
	fraction   atomic.Uint64       // percent * 100, used when percent is set
	stopPhases map[string]struct{} // set of phases that trigger a graceful shutdown
	startTime  time.Time
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{} // closed when goroutine exits
	started    atomic.Bool   // ensures Start is called at most once
	countUp    bool
	percent    bool
	duration   time.Duration // for countdown mode
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func newProgress(out io.Writer, prefix, phase string, stopPhases []string) *ProgressPrinter {
	stopSet := make(map[string]struct{})
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		out:        out,
		enabled:    isTerminal(out),
		prefix:     prefix,
		stopPhases: stopSet,
	}
	p.phase.Store(phase)
	return p
}

// NewProgressPrinter creates a progress printer that counts up (shows elapsed time).
// stopPhases are phase names that will trigger automatic cleanup when set via Callback.
func NewProgressPrinter(out io.Writer, prefix string, phase string, stopPhases ...string) *ProgressPrinter {
	p := newProgress(out, prefix, phase, stopPhases)
	p.countUp = true
	return p
}

// NewCountdownProgressPrinter creates a progress printer that counts down from the duration.
func NewCountdownProgressPrinter(out io.Writer, prefix string, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	p := newProgress(out, prefix, phase, stopPhases)
	p.duration = duration
	return p
}

// NewPercentProgressPrinter shows the last value given to SetFraction.
func NewPercentProgressPrinter(out io.Writer, prefix string, phase string) *ProgressPrinter {
	p := newProgress(out, prefix, phase, nil)
	p.percent = true
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	if !p.enabled {
		return
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	p.startProgressLoop(ticker)
}

// SetFraction records completion in [0, 1] for percent printers.
func (p *ProgressPrinter) SetFraction(f float64) {
	if f < 0 {
		f = 0
	} else if f > 1 {
		f = 1
	}
	p.fraction.Store(uint64(f * 10000))
}

func (p *ProgressPrinter) printProgress(phase string, seconds int) {
	switch {
	case p.percent:
		fmt.Fprintf(p.out, "\r%s (%s %5.1f%%)   ", p.prefix, phase, float64(p.fraction.Load())/100)
	case seconds > 0:
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	default:
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}

func (p *ProgressPrinter) startProgressLoop(ticker *time.Ticker) {
	p.printProgress(p.phase.Load().(string), 0)

	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(p.out, "\nprogress printer panic: %v\n", r)
			}
		}()

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				currentPhase := p.phase.Load().(string)
				if _, isStopPhase := p.stopPhases[currentPhase]; isStopPhase {
					return
				}
				elapsed := time.Since(p.startTime)

				var seconds int
				if p.countUp {
					seconds = int(elapsed.Seconds())
				} else if remaining := p.duration - elapsed; remaining > 0 {
					// Round to the nearest second, e.g. 3.7s -> 4s
					seconds = int(remaining.Seconds() + 0.5)
				}
				p.printProgress(currentPhase, seconds)
			}
		}
	}()
}

// Callback returns a progress callback function that updates the phase.
// If the new phase is a stop phase, Stop() is called automatically.
// This function is safe to call from multiple goroutines.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, isStopPhase := p.stopPhases[phase]; isStopPhase {
			p.Stop()
		}
	}
}

// Stop stops the progress display and clears the line.
// This function is safe to call multiple times and from multiple goroutines.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return // Already stopped, or never animated
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.out, clearLineSequence)
}
