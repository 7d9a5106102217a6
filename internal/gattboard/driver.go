// Package gattboard is a board driver that only uses the standard Device
// Information, Battery and Generic Access services. It lets the CLI identify
// and read the battery of a board without the vendor command protocol;
// every other signal reports a CapabilityError.
package gattboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearsense/pkg/board"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
	"github.com/srg/wearsense/pkg/transport"
)

const (
	deviceInfoService = "180a"
	batteryService    = "180f"
	genericAccess     = "1800"
)

var (
	manufacturerChar = transport.Characteristic{Service: deviceInfoService, UUID: "2a29"}
	modelNumberChar  = transport.Characteristic{Service: deviceInfoService, UUID: "2a24"}
	serialChar       = transport.Characteristic{Service: deviceInfoService, UUID: "2a25"}
	hardwareChar     = transport.Characteristic{Service: deviceInfoService, UUID: "2a27"}
	firmwareChar     = transport.Characteristic{Service: deviceInfoService, UUID: "2a26"}
	batteryLevelChar = transport.Characteristic{Service: batteryService, UUID: "2a19"}
	deviceNameChar   = transport.Characteristic{Service: genericAccess, UUID: "2a00"}
)

const noVendorProtocol = "needs the vendor command protocol"

// Driver implements board.Driver over standard GATT services.
type Driver struct {
	logger *logrus.Logger

	mu      sync.Mutex
	link    transport.Link
	model   device.Model
	started time.Time
	next    uint32
}

var _ board.Driver = (*Driver)(nil)

func New(logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Driver{logger: logger}
}

func (d *Driver) Setup(_ context.Context, link transport.Link, _ board.Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.link = link
	d.started = time.Now()
	return nil
}

func (d *Driver) current() (transport.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.link == nil {
		return nil, device.ErrNotConnected
	}
	return d.link, nil
}

// readString returns "" for characteristics the peripheral lacks.
func (d *Driver) readString(ctx context.Context, link transport.Link, c transport.Characteristic) (string, error) {
	b, err := link.Read(ctx, c)
	if err != nil {
		if errors.Is(err, device.ErrTransport) {
			return "", err
		}
		d.logger.WithFields(logrus.Fields{"characteristic": c.String(), "error": err}).Debug("Characteristic not readable")
		return "", nil
	}
	return strings.TrimRight(string(b), "\x00 "), nil
}

func (d *Driver) ReadInfo(ctx context.Context) (device.Info, error) {
	link, err := d.current()
	if err != nil {
		return device.Info{}, err
	}

	var info device.Info
	fields := []struct {
		c   transport.Characteristic
		dst *string
	}{
		{manufacturerChar, &info.Manufacturer},
		{modelNumberChar, &info.ModelNumber},
		{serialChar, &info.Serial},
		{hardwareChar, &info.Hardware},
		{firmwareChar, &info.Firmware},
	}
	for _, f := range fields {
		if *f.dst, err = d.readString(ctx, link, f.c); err != nil {
			return device.Info{}, err
		}
	}
	info.Model = device.ParseModel(info.ModelNumber)

	d.mu.Lock()
	d.model = info.Model
	d.mu.Unlock()
	return info, nil
}

// DetectModules reports settings when the battery service answers.
func (d *Driver) DetectModules(ctx context.Context) (device.Modules, error) {
	link, err := d.current()
	if err != nil {
		return nil, err
	}
	if _, err := link.Read(ctx, batteryLevelChar); err != nil {
		if errors.Is(err, device.ErrTransport) {
			return nil, err
		}
		return device.NewModules(), nil
	}
	return device.NewModules(device.ModuleSettings), nil
}

func (d *Driver) Resolve(desc signal.Descriptor, model device.Model, modules device.Modules) (board.Handle, error) {
	if desc.Kind != signal.KindBattery || (desc.Mode != signal.ModeReadOnce && desc.Mode != signal.ModePoll) {
		return board.Handle{}, &device.CapabilityError{Signal: desc.String(), Model: model, Reason: noVendorProtocol}
	}
	if !modules.Has(device.ModuleSettings) {
		return board.Handle{}, &device.CapabilityError{Signal: desc.String(), Model: model, Reason: "no battery service"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	return board.Handle{ID: d.next, Descriptor: desc}, nil
}

func (d *Driver) Configure(context.Context, board.Handle) error { return nil }

func (d *Driver) Start(_ context.Context, h board.Handle) error {
	return d.unsupported(h.Descriptor.String())
}

func (d *Driver) Stop(context.Context, board.Handle) error { return nil }

func (d *Driver) PowerDown(context.Context, []signal.Resource) error { return nil }

// ReadOnce reads the battery level. Standard GATT has no voltage, so Voltage stays 0.
func (d *Driver) ReadOnce(ctx context.Context, h board.Handle) (record.Record, error) {
	link, err := d.current()
	if err != nil {
		return record.Record{}, err
	}
	b, err := link.Read(ctx, batteryLevelChar)
	if err != nil {
		return record.Record{}, err
	}
	if len(b) < 1 {
		return record.Record{}, &device.ProtocolDecodeError{Tag: uint8(record.TagBatteryState), Want: 1, Got: len(b)}
	}

	d.mu.Lock()
	tick := uint64(time.Since(d.started).Milliseconds())
	d.mu.Unlock()
	return record.NewRecord(tick, record.BatteryState{Charge: b[0]}), nil
}

func (d *Driver) unsupported(what string) error {
	d.mu.Lock()
	model := d.model
	d.mu.Unlock()
	return &device.CapabilityError{Signal: what, Model: model, Reason: noVendorProtocol}
}

func (d *Driver) EnableLogging(_ context.Context, h board.Handle) (board.LoggerInfo, error) {
	return board.LoggerInfo{}, d.unsupported(h.Descriptor.String())
}

func (d *Driver) DisableLogging(context.Context, uint8) error { return d.unsupported("logging") }

// ListLoggers reports none, so connecting never tries to stamp a log epoch.
func (d *Driver) ListLoggers(context.Context) ([]board.LoggerInfo, error) { return nil, nil }

func (d *Driver) StartLogging(context.Context, bool) error { return d.unsupported("logging") }
func (d *Driver) StopLogging(context.Context) error        { return d.unsupported("logging") }

// Tick has no standard characteristic; the link's own age stands in for it,
// matching the ticks ReadOnce stamps.
func (d *Driver) Tick(context.Context) (uint64, error) {
	if _, err := d.current(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(time.Since(d.started).Milliseconds()), nil
}

func (d *Driver) LatestResetUID(context.Context) (uint8, error) {
	return 0, d.unsupported("reset uid")
}

func (d *Driver) SetReferenceTime(context.Context, uint8, time.Time) error {
	return d.unsupported("reference time")
}

func (d *Driver) RequestDownload(context.Context) (*board.Download, error) {
	return nil, d.unsupported("download")
}

func (d *Driver) FlushPage(context.Context) error       { return d.unsupported("flush") }
func (d *Driver) ClearEntries(context.Context) error    { return d.unsupported("clear entries") }
func (d *Driver) RemoveLoggers(context.Context) error   { return d.unsupported("logging") }
func (d *Driver) RecordMacro(context.Context, bool, []board.Command) (uint8, error) {
	return 0, d.unsupported("macros")
}

func (d *Driver) ExecuteMacro(context.Context, uint8) error { return d.unsupported("macros") }

func (d *Driver) RecordEvent(_ context.Context, trigger board.EventTrigger, _ []board.Command) error {
	return d.unsupported(trigger.String())
}

func (d *Driver) ClearAutomation(context.Context) error { return d.unsupported("macros") }
func (d *Driver) TearDown(context.Context) error        { return d.unsupported("teardown") }
func (d *Driver) ResetAfterGC(context.Context) error    { return d.unsupported("reset") }

// Command supports rename through the Generic Access device name, when writable.
func (d *Driver) Command(ctx context.Context, cmd board.Command) error {
	if cmd.Kind != board.CommandRename {
		return d.unsupported(fmt.Sprintf("command %d", cmd.Kind))
	}
	link, err := d.current()
	if err != nil {
		return err
	}
	return link.Write(ctx, deviceNameChar, []byte(cmd.Name), true)
}
