// Package board defines the driver that knows a board's command protocol.
// The session core calls it only from its serialization queue.
package board

import (
	"context"
	"fmt"
	"time"

	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
	"github.com/srg/wearsense/pkg/transport"
)

// Handle is a resolved, hardware-level signal.
type Handle struct {
	ID         uint32
	Descriptor signal.Descriptor
}

// Sink receives records pushed by the board for a streaming handle.
type Sink func(h Handle, rec record.Record)

// LoggerInfo is a logger as the board reports it.
type LoggerInfo struct {
	ID  uint8
	Key string
}

// Download is an in-progress flash read-out. Chunks closes when the board
// has sent everything or the transfer failed; Err reports which.
type Download struct {
	Total  uint64
	Chunks <-chan []byte
	Err    func() error
}

// CommandKind enumerates one-shot actuator commands.
type CommandKind int

const (
	CommandLEDFlash CommandKind = iota
	CommandLEDOff
	CommandHaptic
	CommandBuzzer
	CommandRename
)

// Command is a one-shot actuator or settings write.
type Command struct {
	Kind CommandKind
	// Color is an LED color name for CommandLEDFlash.
	Color    string
	Repeat   int
	Strength float64
	Duration time.Duration
	Name     string
}

// EventTrigger is a board-side event that can run recorded commands.
type EventTrigger int

const (
	EventButtonDown EventTrigger = iota
	EventButtonUp
)

func (t EventTrigger) String() string {
	switch t {
	case EventButtonDown:
		return "button-down"
	case EventButtonUp:
		return "button-up"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Driver talks the board protocol over a link. Every method may perform link I/O.
type Driver interface {
	// Setup binds the driver to a fresh link. Records for started handles go to sink.
	Setup(ctx context.Context, link transport.Link, sink Sink) error
	ReadInfo(ctx context.Context) (device.Info, error)
	DetectModules(ctx context.Context) (device.Modules, error)
	// Tick reads the board clock: milliseconds since its last reset. Record
	// ticks count from the same zero.
	Tick(ctx context.Context) (uint64, error)

	// Resolve maps a descriptor to a handle without touching the hardware,
	// failing with *device.CapabilityError for unsupported combinations.
	Resolve(d signal.Descriptor, model device.Model, modules device.Modules) (Handle, error)
	Configure(ctx context.Context, h Handle) error
	Start(ctx context.Context, h Handle) error
	// Stop ends the handle's data route. The sensor block keeps running
	// until PowerDown, so a stream and a logger may share it.
	Stop(ctx context.Context, h Handle) error
	// PowerDown disables shared blocks nothing uses any more.
	PowerDown(ctx context.Context, resources []signal.Resource) error
	ReadOnce(ctx context.Context, h Handle) (record.Record, error)

	EnableLogging(ctx context.Context, h Handle) (LoggerInfo, error)
	DisableLogging(ctx context.Context, id uint8) error
	ListLoggers(ctx context.Context) ([]LoggerInfo, error)
	StartLogging(ctx context.Context, overwrite bool) error
	StopLogging(ctx context.Context) error
	LatestResetUID(ctx context.Context) (uint8, error)
	// SetReferenceTime records host time now for the epoch resetUID; the
	// board stores it as the epoch's tick-zero time in flash.
	SetReferenceTime(ctx context.Context, resetUID uint8, now time.Time) error

	RequestDownload(ctx context.Context) (*Download, error)
	FlushPage(ctx context.Context) error
	ClearEntries(ctx context.Context) error
	RemoveLoggers(ctx context.Context) error

	// RecordMacro stores cmds on the board and returns the macro id. A
	// startup macro also runs after every boot.
	RecordMacro(ctx context.Context, onStartup bool, cmds []Command) (uint8, error)
	ExecuteMacro(ctx context.Context, id uint8) error
	// RecordEvent makes the board run cmds itself each time trigger fires.
	RecordEvent(ctx context.Context, trigger EventTrigger, cmds []Command) error

	// ClearAutomation erases macros, recorded events and timers.
	ClearAutomation(ctx context.Context) error
	TearDown(ctx context.Context) error
	ResetAfterGC(ctx context.Context) error
	Command(ctx context.Context, cmd Command) error
}
