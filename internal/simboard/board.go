// Package simboard is an in-process board and transport. It keeps the
// state a real board would (loggers, flash contents, reset epochs) and
// records every driver call so tests can assert on hardware traffic.
package simboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/wearsense/pkg/board"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
	"github.com/srg/wearsense/pkg/transport"
)

// Call is one recorded driver operation.
type Call struct {
	Op   string
	Kind signal.Kind
	Arg  string
}

// Board is one simulated device.
type Board struct {
	LocalID string
	Name    string
	RSSI    int

	mu       sync.Mutex
	info     device.Info
	modules  device.Modules
	values   map[signal.Kind]record.Value
	calls    []Call
	link     *Link
	dials    int
	resetUID uint8
	epoch    time.Time

	connectDelay time.Duration
	connectErr   error

	loggers    map[uint8]string
	nextLogger uint8
	logging    bool
	flash      []byte

	chunkSize  int
	chunkDelay time.Duration
	failAfter  int

	sink       board.Sink
	streaming  map[uint32]board.Handle
	configured map[uint32]board.Handle
	logHandles map[uint32]uint8
	tick       uint64

	macros    map[uint8]macro
	nextMacro uint8
	events    map[board.EventTrigger][]board.Command
}

type macro struct {
	onStartup bool
	cmds      []board.Command
}

// New creates a MetaMotion S with a full IMU and sensor fusion.
func New(localID, name string) *Board {
	return &Board{
		LocalID: localID,
		Name:    name,
		RSSI:    -55,
		info: device.Info{
			MAC:          "C8:4B:AA:97:50:05",
			Model:        device.ModelMetaMotionS,
			ModelNumber:  "8",
			Serial:       "0A1B2C",
			Firmware:     "1.7.3",
			Hardware:     "0.1",
			Manufacturer: "MbientLab Inc",
		},
		modules: device.NewModules(
			device.ModuleAccelerometer, device.ModuleGyroscope, device.ModuleMagnetometer,
			device.ModuleSensorFusion, device.ModuleBarometer, device.ModuleThermometer,
			device.ModuleSwitch, device.ModuleLED, device.ModuleHaptic,
			device.ModuleSettings, device.ModuleLogging, device.ModuleMacro, device.ModuleDebug,
		),
		values: map[signal.Kind]record.Value{
			signal.KindBattery:     record.BatteryState{Voltage: 4012, Charge: 87},
			signal.KindTemperature: record.Float(23.5),
			signal.KindLogLength:   record.Uint32(0),
		},
		loggers:    make(map[uint8]string),
		streaming:  make(map[uint32]board.Handle),
		configured: make(map[uint32]board.Handle),
		logHandles: make(map[uint32]uint8),
		macros:     make(map[uint8]macro),
		events:     make(map[board.EventTrigger][]board.Command),
		chunkSize:  20,
		failAfter:  -1,
	}
}

func (b *Board) WithInfo(info device.Info) *Board {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.info = info
	return b
}

func (b *Board) WithModules(m device.Modules) *Board {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modules = m.Clone()
	return b
}

// Info returns what ReadInfo reports.
func (b *Board) Info() device.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

// WithConnectDelay makes every dial take d.
func (b *Board) WithConnectDelay(d time.Duration) *Board {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectDelay = d
	return b
}

// WithConnectError makes every dial fail with err.
func (b *Board) WithConnectError(err error) *Board {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
	return b
}

// WithDownload shapes the flash read-out: chunk size, delay between chunks,
// and a byte count after which the link drops (negative disables).
func (b *Board) WithDownload(chunkSize int, delay time.Duration, failAfter int) *Board {
	b.mu.Lock()
	defer b.mu.Unlock()
	if chunkSize > 0 {
		b.chunkSize = chunkSize
	}
	b.chunkDelay = delay
	b.failAfter = failAfter
	return b
}

// SetValue sets what a read of kind returns.
func (b *Board) SetValue(k signal.Kind, v record.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[k] = v
}

func (b *Board) record(c Call) {
	b.mu.Lock()
	b.calls = append(b.calls, c)
	b.mu.Unlock()
}

// Calls returns a copy of the call log.
func (b *Board) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Count returns how many calls op received, optionally for one kind.
func (b *Board) Count(op string, kinds ...signal.Kind) int {
	n := 0
	for _, c := range b.Calls() {
		if c.Op != op {
			continue
		}
		if len(kinds) > 0 && c.Kind != kinds[0] {
			continue
		}
		n++
	}
	return n
}

// ResetCalls clears the call log.
func (b *Board) ResetCalls() {
	b.mu.Lock()
	b.calls = nil
	b.mu.Unlock()
}

// Dials is the number of transport connects that reached the board.
func (b *Board) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// DropLink simulates the radio losing the connection.
func (b *Board) DropLink() {
	b.mu.Lock()
	l := b.link
	b.link = nil
	b.mu.Unlock()
	if l != nil {
		l.drop()
	}
}

// Reboot starts a new reset epoch: ticks restart from zero. Startup macros
// run once the board is back.
func (b *Board) Reboot() {
	b.mu.Lock()
	b.resetUID++
	b.epoch = time.Now()
	b.tick = 0
	var startup []board.Command
	for id := uint8(0); id < b.nextMacro; id++ {
		if m, ok := b.macros[id]; ok && m.onStartup {
			startup = append(startup, m.cmds...)
		}
	}
	b.mu.Unlock()
	b.run(startup)
}

// Press and Release act on the mechanical button: recorded events run on
// the board and button streams get a notification.
func (b *Board) Press() int { return b.button(board.EventButtonDown, 1) }

func (b *Board) Release() int { return b.button(board.EventButtonUp, 0) }

func (b *Board) button(trigger board.EventTrigger, state uint32) int {
	b.mu.Lock()
	cmds := append([]board.Command(nil), b.events[trigger]...)
	b.mu.Unlock()
	b.run(cmds)
	return b.Emit(signal.KindButton, record.Uint32(state))
}

// run applies commands the board executes on its own, with no host traffic.
func (b *Board) run(cmds []board.Command) {
	for _, cmd := range cmds {
		b.record(Call{Op: OpCommand, Arg: commandArg(cmd)})
		b.apply(cmd)
	}
}

func (b *Board) apply(cmd board.Command) {
	if cmd.Kind != board.CommandRename {
		return
	}
	b.mu.Lock()
	b.Name = cmd.Name
	b.mu.Unlock()
}

// Macros is how many macros the board holds.
func (b *Board) Macros() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.macros)
}

// ResetUID is the current reset epoch.
func (b *Board) ResetUID() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resetUID
}

// Loggers returns the board's logger table.
func (b *Board) Loggers() map[uint8]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uint8]string, len(b.loggers))
	for id, k := range b.loggers {
		out[id] = k
	}
	return out
}

// AddLogger registers a logger as if a previous session had created it.
func (b *Board) AddLogger(key string) uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLogger(key)
}

func (b *Board) addLogger(key string) uint8 {
	id := b.nextLogger
	b.nextLogger++
	b.loggers[id] = key
	return id
}

// LogRecord appends an entry to flash for the logger with key at the given
// tick of the current reset epoch.
func (b *Board) LogRecord(key string, tick uint64, v record.Value) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, k := range b.loggers {
		if k == key {
			b.flash = append(b.flash, record.EncodeEntry(id, b.resetUID, record.NewRecord(tick, v))...)
			return nil
		}
	}
	return fmt.Errorf("no logger %q", key)
}

// AppendFlash appends raw bytes to flash.
func (b *Board) AppendFlash(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flash = append(b.flash, p...)
}

// FlashLen is the number of unread bytes in flash.
func (b *Board) FlashLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.flash)
}

// Logging reports whether the board is recording to flash.
func (b *Board) Logging() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logging
}

// Emit produces v on every started handle of kind k: streamed handles get a
// notification, logged handles append to flash while logging is on. It
// returns how many handles took the value.
func (b *Board) Emit(k signal.Kind, v record.Value) int {
	return b.EmitRecord(k, record.Record{Tag: v.Tag(), Payload: record.Encode(v)})
}

// EmitRecord pushes a raw record, tick assigned by the board.
func (b *Board) EmitRecord(k signal.Kind, rec record.Record) int {
	b.mu.Lock()
	b.tick += 10
	rec.Tick = b.tick
	sink := b.sink
	var targets []board.Handle
	logged := 0
	for id, h := range b.streaming {
		if h.Descriptor.Kind != k {
			continue
		}
		if loggerID, ok := b.logHandles[id]; ok {
			if b.logging {
				b.flash = append(b.flash, record.EncodeEntry(loggerID, b.resetUID, rec)...)
				logged++
			}
			continue
		}
		targets = append(targets, h)
	}
	b.mu.Unlock()

	if sink == nil {
		return logged
	}
	for _, h := range targets {
		sink(h, rec)
	}
	return logged + len(targets)
}

// Streaming reports whether a handle of kind k is started.
func (b *Board) Streaming(k signal.Kind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.streaming {
		if h.Descriptor.Kind == k {
			return true
		}
	}
	return false
}

// Transport serves a fixed set of boards.
type Transport struct {
	mu     sync.Mutex
	boards map[string]*Board
	order  []string
}

func NewTransport(boards ...*Board) *Transport {
	t := &Transport{boards: make(map[string]*Board)}
	for _, b := range boards {
		t.Add(b)
	}
	return t
}

func (t *Transport) Add(b *Board) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.boards[b.LocalID]; !ok {
		t.order = append(t.order, b.LocalID)
	}
	t.boards[b.LocalID] = b
}

func (t *Transport) Board(localID string) (*Board, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.boards[localID]
	return b, ok
}

// Scan advertises every board once, then waits for ctx.
func (t *Transport) Scan(ctx context.Context, handler func(transport.Advertisement)) error {
	t.mu.Lock()
	boards := make([]*Board, 0, len(t.order))
	for _, id := range t.order {
		boards = append(boards, t.boards[id])
	}
	t.mu.Unlock()

	for _, b := range boards {
		b.mu.Lock()
		adv := transport.Advertisement{LocalID: b.LocalID, Name: b.Name, RSSI: b.RSSI, Services: []string{ServiceUUID}}
		b.mu.Unlock()
		handler(adv)
	}
	<-ctx.Done()
	return nil
}

func (t *Transport) Connect(ctx context.Context, localID string) (transport.Link, error) {
	b, ok := t.Board(localID)
	if !ok {
		return nil, &device.TransportError{Op: "connect", Err: fmt.Errorf("no device %q", localID)}
	}

	b.mu.Lock()
	delay, cerr := b.connectDelay, b.connectErr
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	if cerr != nil {
		return nil, cerr
	}

	l := &Link{board: b, lost: make(chan struct{})}
	b.mu.Lock()
	b.dials++
	b.link = l
	if b.epoch.IsZero() {
		b.epoch = time.Now()
	}
	b.mu.Unlock()
	return l, nil
}

// Link is a simulated connection to one board.
type Link struct {
	board    *Board
	lost     chan struct{}
	lostOnce sync.Once

	mu     sync.Mutex
	writes int
	subs   map[string]func([]byte)
}

func (l *Link) Board() *Board { return l.board }

func (l *Link) alive() error {
	select {
	case <-l.lost:
		return &device.TransportError{Op: "write", Err: device.ErrNotConnected}
	default:
		return nil
	}
}

func (l *Link) Write(_ context.Context, _ transport.Characteristic, _ []byte, _ bool) error {
	if err := l.alive(); err != nil {
		return err
	}
	l.mu.Lock()
	l.writes++
	l.mu.Unlock()
	return nil
}

// Writes counts link writes.
func (l *Link) Writes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

func (l *Link) Read(_ context.Context, c transport.Characteristic) ([]byte, error) {
	if err := l.alive(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (l *Link) Subscribe(_ context.Context, c transport.Characteristic, fn func([]byte)) error {
	if err := l.alive(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		l.subs = make(map[string]func([]byte))
	}
	l.subs[c.String()] = fn
	return nil
}

func (l *Link) ReadRSSI(context.Context) (int, error) {
	if err := l.alive(); err != nil {
		return 0, err
	}
	l.board.mu.Lock()
	defer l.board.mu.Unlock()
	return l.board.RSSI, nil
}

func (l *Link) Disconnected() <-chan struct{} { return l.lost }

func (l *Link) Close() error {
	l.drop()
	l.board.mu.Lock()
	if l.board.link == l {
		l.board.link = nil
	}
	l.board.mu.Unlock()
	return nil
}

func (l *Link) drop() {
	l.lostOnce.Do(func() { close(l.lost) })
}
