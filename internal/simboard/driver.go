package simboard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/srg/wearsense/internal/groutine"
	"github.com/srg/wearsense/pkg/board"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
	"github.com/srg/wearsense/pkg/transport"
)

// Recorded operation names.
const (
	OpSetup           = "setup"
	OpTick            = "tick"
	OpConfigure       = "configure"
	OpStart           = "start"
	OpStop            = "stop"
	OpPowerDown       = "power-down"
	OpRead            = "read"
	OpEnableLogging   = "enable-logging"
	OpDisableLogging  = "disable-logging"
	OpStartLogging    = "start-logging"
	OpStopLogging     = "stop-logging"
	OpReferenceTime   = "reference-time"
	OpDownload        = "download"
	OpFlushPage       = "flush-page"
	OpClearEntries    = "clear-entries"
	OpRemoveLoggers   = "remove-loggers"
	OpRecordMacro     = "record-macro"
	OpExecuteMacro    = "execute-macro"
	OpRecordEvent     = "record-event"
	OpClearAutomation = "clear-automation"
	OpTearDown        = "teardown"
	OpResetAfterGC    = "reset-after-gc"
	OpCommand         = "command"
)

// ServiceUUID is the vendor service every simulated board advertises.
const ServiceUUID = "326a9000-85cb-9195-d9dd-464cfbbae75a"

var commandChar = transport.Characteristic{
	Service: ServiceUUID,
	UUID:    "326a9001-85cb-9195-d9dd-464cfbbae75a",
}

// Driver implements board.Driver against a simulated Board. The board is
// taken from the link passed to Setup.
type Driver struct {
	table *signal.Table

	mu         sync.Mutex
	board      *Board
	link       *Link
	nextHandle uint32
}

func NewDriver() *Driver {
	return &Driver{table: signal.NewTable()}
}

var _ board.Driver = (*Driver)(nil)

func (d *Driver) Setup(ctx context.Context, link transport.Link, sink board.Sink) error {
	l, ok := link.(*Link)
	if !ok {
		return fmt.Errorf("simboard: unsupported link %T", link)
	}
	d.mu.Lock()
	d.board, d.link = l.board, l
	d.mu.Unlock()

	b := l.board
	b.mu.Lock()
	b.sink = sink
	// notifications die with the old link, logged routes keep running
	for id := range b.streaming {
		if _, logged := b.logHandles[id]; !logged {
			delete(b.streaming, id)
			delete(b.configured, id)
		}
	}
	b.mu.Unlock()

	b.record(Call{Op: OpSetup})
	return l.Subscribe(ctx, commandChar, func([]byte) {})
}

// write records op and pushes a command byte over the link so a dropped
// link surfaces as a transport error.
func (d *Driver) write(ctx context.Context, c Call) (*Board, error) {
	d.mu.Lock()
	b, l := d.board, d.link
	d.mu.Unlock()
	if b == nil {
		return nil, device.ErrNotConnected
	}
	if err := l.Write(ctx, commandChar, []byte(c.Op), true); err != nil {
		return nil, err
	}
	b.record(c)
	return b, nil
}

func (d *Driver) ReadInfo(ctx context.Context) (device.Info, error) {
	b, err := d.write(ctx, Call{Op: "read-info"})
	if err != nil {
		return device.Info{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info, nil
}

func (d *Driver) DetectModules(ctx context.Context) (device.Modules, error) {
	b, err := d.write(ctx, Call{Op: "detect-modules"})
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.modules.Clone(), nil
}

func (d *Driver) Tick(ctx context.Context) (uint64, error) {
	b, err := d.write(ctx, Call{Op: OpTick})
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tick, nil
}

func (d *Driver) Resolve(desc signal.Descriptor, model device.Model, _ device.Modules) (board.Handle, error) {
	// the BMI270 on the S has no orientation detector
	if desc.Kind == signal.KindOrientation && model == device.ModelMetaMotionS {
		return board.Handle{}, &device.CapabilityError{
			Signal: desc.Kind.String(), Model: model, Reason: "accelerometer has no orientation detector",
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	return board.Handle{ID: d.nextHandle, Descriptor: desc}, nil
}

func (d *Driver) Configure(ctx context.Context, h board.Handle) error {
	b, err := d.write(ctx, Call{Op: OpConfigure, Kind: h.Descriptor.Kind, Arg: h.Descriptor.Params.String()})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.configured[h.ID] = h
	b.mu.Unlock()
	return nil
}

func (d *Driver) Start(ctx context.Context, h board.Handle) error {
	b, err := d.write(ctx, Call{Op: OpStart, Kind: h.Descriptor.Kind})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.streaming[h.ID] = h
	b.mu.Unlock()
	return nil
}

func (d *Driver) Stop(ctx context.Context, h board.Handle) error {
	b, err := d.write(ctx, Call{Op: OpStop, Kind: h.Descriptor.Kind})
	if err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.streaming, h.ID)
	delete(b.configured, h.ID)
	b.mu.Unlock()
	return nil
}

func (d *Driver) PowerDown(ctx context.Context, resources []signal.Resource) error {
	for _, r := range resources {
		if _, err := d.write(ctx, Call{Op: OpPowerDown, Arg: string(r)}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) ReadOnce(ctx context.Context, h board.Handle) (record.Record, error) {
	b, err := d.write(ctx, Call{Op: OpRead, Kind: h.Descriptor.Kind})
	if err != nil {
		return record.Record{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick += 10

	var v record.Value
	switch h.Descriptor.Kind {
	case signal.KindMACAddress:
		v = record.String(b.info.MAC)
	case signal.KindLogLength:
		v = record.Uint32(len(b.flash))
	default:
		var ok bool
		if v, ok = b.values[h.Descriptor.Kind]; !ok {
			return record.Record{}, fmt.Errorf("simboard: no value for %s", h.Descriptor.Kind)
		}
	}
	return record.NewRecord(b.tick, v), nil
}

func (d *Driver) EnableLogging(ctx context.Context, h board.Handle) (board.LoggerInfo, error) {
	info, ok := d.table.Info(h.Descriptor.Kind)
	if !ok {
		return board.LoggerInfo{}, fmt.Errorf("simboard: unknown kind %s", h.Descriptor.Kind)
	}
	b, err := d.write(ctx, Call{Op: OpEnableLogging, Kind: h.Descriptor.Kind, Arg: info.LoggerKey})
	if err != nil {
		return board.LoggerInfo{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.addLogger(info.LoggerKey)
	b.logHandles[h.ID] = id
	return board.LoggerInfo{ID: id, Key: info.LoggerKey}, nil
}

func (d *Driver) DisableLogging(ctx context.Context, id uint8) error {
	b, err := d.write(ctx, Call{Op: OpDisableLogging, Arg: fmt.Sprint(id)})
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.loggers[id]; !ok {
		return fmt.Errorf("simboard: no logger %d", id)
	}
	delete(b.loggers, id)
	for h, lid := range b.logHandles {
		if lid == id {
			delete(b.logHandles, h)
		}
	}
	return nil
}

func (d *Driver) ListLoggers(ctx context.Context) ([]board.LoggerInfo, error) {
	b, err := d.write(ctx, Call{Op: "list-loggers"})
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]board.LoggerInfo, 0, len(b.loggers))
	for id, key := range b.loggers {
		out = append(out, board.LoggerInfo{ID: id, Key: key})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Driver) StartLogging(ctx context.Context, overwrite bool) error {
	b, err := d.write(ctx, Call{Op: OpStartLogging, Arg: fmt.Sprint(overwrite)})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.logging = true
	b.mu.Unlock()
	return nil
}

func (d *Driver) StopLogging(ctx context.Context) error {
	b, err := d.write(ctx, Call{Op: OpStopLogging})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.logging = false
	b.mu.Unlock()
	return nil
}

func (d *Driver) LatestResetUID(ctx context.Context) (uint8, error) {
	b, err := d.write(ctx, Call{Op: "reset-uid"})
	if err != nil {
		return 0, err
	}
	return b.ResetUID(), nil
}

// SetReferenceTime stores the anchor in flash so a later download can place
// the epoch on the wall clock. The board's own tick counter is subtracted.
func (d *Driver) SetReferenceTime(ctx context.Context, resetUID uint8, now time.Time) error {
	b, err := d.write(ctx, Call{Op: OpReferenceTime, Arg: fmt.Sprint(resetUID)})
	if err != nil {
		return err
	}
	b.mu.Lock()
	zero := now.Add(-time.Duration(b.tick) * time.Millisecond)
	b.flash = append(b.flash, record.EncodeAnchor(resetUID, zero)...)
	b.mu.Unlock()
	return nil
}

// RequestDownload streams a snapshot of flash in chunks. The link dropping
// mid-transfer ends it with a transport error.
func (d *Driver) RequestDownload(ctx context.Context) (*board.Download, error) {
	b, err := d.write(ctx, Call{Op: OpDownload})
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	l := d.link
	d.mu.Unlock()

	b.mu.Lock()
	data := append([]byte(nil), b.flash...)
	size, delay, failAfter := b.chunkSize, b.chunkDelay, b.failAfter
	b.mu.Unlock()

	chunks := make(chan []byte)
	var (
		errMu  sync.Mutex
		result error
	)
	dl := &board.Download{
		Total:  uint64(len(data)),
		Chunks: chunks,
		Err: func() error {
			errMu.Lock()
			defer errMu.Unlock()
			return result
		},
	}
	fail := func(err error) {
		errMu.Lock()
		result = err
		errMu.Unlock()
	}

	groutine.Go(ctx, "simboard-download", func(ctx context.Context) {
		defer close(chunks)
		sent := 0
		for sent < len(data) {
			if failAfter >= 0 && sent >= failAfter {
				b.DropLink()
				fail(&device.TransportError{Op: "download", Err: device.ErrDisconnected})
				return
			}
			end := min(sent+size, len(data))
			if failAfter >= 0 {
				end = min(end, max(failAfter, sent+1))
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					fail(ctx.Err())
					return
				}
			}
			select {
			case chunks <- data[sent:end]:
			case <-l.Disconnected():
				fail(&device.TransportError{Op: "download", Err: device.ErrDisconnected})
				return
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}
			sent = end
		}
	})
	return dl, nil
}

func (d *Driver) FlushPage(ctx context.Context) error {
	_, err := d.write(ctx, Call{Op: OpFlushPage})
	return err
}

func (d *Driver) ClearEntries(ctx context.Context) error {
	b, err := d.write(ctx, Call{Op: OpClearEntries})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.flash = nil
	b.mu.Unlock()
	return nil
}

func (d *Driver) RemoveLoggers(ctx context.Context) error {
	b, err := d.write(ctx, Call{Op: OpRemoveLoggers})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.loggers = make(map[uint8]string)
	b.logHandles = make(map[uint32]uint8)
	b.mu.Unlock()
	return nil
}

// maxMacros is the firmware's macro table size.
const maxMacros = 8

func (d *Driver) RecordMacro(ctx context.Context, onStartup bool, cmds []board.Command) (uint8, error) {
	b, err := d.write(ctx, Call{Op: OpRecordMacro, Arg: fmt.Sprintf("%d commands", len(cmds))})
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.macros) >= maxMacros {
		return 0, fmt.Errorf("macro table full (%d)", maxMacros)
	}
	id := b.nextMacro
	b.nextMacro++
	b.macros[id] = macro{onStartup: onStartup, cmds: append([]board.Command(nil), cmds...)}
	return id, nil
}

func (d *Driver) ExecuteMacro(ctx context.Context, id uint8) error {
	b, err := d.write(ctx, Call{Op: OpExecuteMacro, Arg: fmt.Sprintf("%d", id)})
	if err != nil {
		return err
	}
	b.mu.Lock()
	m, ok := b.macros[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("macro %d not recorded", id)
	}
	b.run(m.cmds)
	return nil
}

func (d *Driver) RecordEvent(ctx context.Context, trigger board.EventTrigger, cmds []board.Command) error {
	b, err := d.write(ctx, Call{Op: OpRecordEvent, Arg: trigger.String()})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.events[trigger] = append(b.events[trigger], cmds...)
	b.mu.Unlock()
	return nil
}

func (d *Driver) ClearAutomation(ctx context.Context) error {
	b, err := d.write(ctx, Call{Op: OpClearAutomation})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.macros = make(map[uint8]macro)
	b.nextMacro = 0
	b.events = make(map[board.EventTrigger][]board.Command)
	b.mu.Unlock()
	return nil
}

func (d *Driver) TearDown(ctx context.Context) error {
	b, err := d.write(ctx, Call{Op: OpTearDown})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.streaming = make(map[uint32]board.Handle)
	b.configured = make(map[uint32]board.Handle)
	b.loggers = make(map[uint8]string)
	b.logHandles = make(map[uint32]uint8)
	b.logging = false
	b.mu.Unlock()
	return nil
}

func (d *Driver) ResetAfterGC(ctx context.Context) error {
	b, err := d.write(ctx, Call{Op: OpResetAfterGC})
	if err != nil {
		return err
	}
	b.Reboot()
	b.DropLink()
	return nil
}

func (d *Driver) Command(ctx context.Context, cmd board.Command) error {
	b, err := d.write(ctx, Call{Op: OpCommand, Arg: commandArg(cmd)})
	if err != nil {
		return err
	}
	b.apply(cmd)
	return nil
}

func commandArg(cmd board.Command) string {
	if cmd.Kind == board.CommandRename {
		return cmd.Name
	}
	return fmt.Sprintf("%d", cmd.Kind)
}
