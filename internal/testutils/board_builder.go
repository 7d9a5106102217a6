package testutils

import (
	"fmt"
	"time"

	"github.com/srg/wearsense/internal/simboard"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
	"gopkg.in/yaml.v3"
)

// BoardBuilder configures a simulated board. Unset fields keep the
// simboard defaults, a MetaMotion S with a full IMU.
type BoardBuilder struct {
	localID string
	name    string
	rssi    *int

	mac      string
	model    *device.Model
	serial   string
	firmware string

	modules      []device.Module
	modulesSet   bool
	values       map[signal.Kind]record.Value
	loggers      []string
	connectDelay time.Duration
	connectErr   error
}

func NewBoardBuilder(localID string) *BoardBuilder {
	return &BoardBuilder{
		localID: localID,
		name:    "MetaWear",
		values:  make(map[signal.Kind]record.Value),
	}
}

func (b *BoardBuilder) WithName(name string) *BoardBuilder {
	b.name = name
	return b
}

func (b *BoardBuilder) WithRSSI(rssi int) *BoardBuilder {
	b.rssi = &rssi
	return b
}

func (b *BoardBuilder) WithMAC(mac string) *BoardBuilder {
	b.mac = mac
	return b
}

func (b *BoardBuilder) WithModel(m device.Model) *BoardBuilder {
	b.model = &m
	return b
}

func (b *BoardBuilder) WithSerial(serial string) *BoardBuilder {
	b.serial = serial
	return b
}

// WithModules replaces the module set; no arguments means a board with no modules.
func (b *BoardBuilder) WithModules(ms ...device.Module) *BoardBuilder {
	b.modules = ms
	b.modulesSet = true
	return b
}

// WithValue sets what a read of k returns.
func (b *BoardBuilder) WithValue(k signal.Kind, v record.Value) *BoardBuilder {
	b.values[k] = v
	return b
}

// WithLogger pre-installs a logger as if an earlier session had started it.
func (b *BoardBuilder) WithLogger(key string) *BoardBuilder {
	b.loggers = append(b.loggers, key)
	return b
}

func (b *BoardBuilder) WithConnectDelay(d time.Duration) *BoardBuilder {
	b.connectDelay = d
	return b
}

func (b *BoardBuilder) WithConnectError(err error) *BoardBuilder {
	b.connectErr = err
	return b
}

type boardYAML struct {
	LocalID      string          `yaml:"local_id"`
	Name         string          `yaml:"name"`
	RSSI         *int            `yaml:"rssi"`
	MAC          string          `yaml:"mac"`
	Model        *device.Model   `yaml:"model"`
	Serial       string          `yaml:"serial"`
	Firmware     string          `yaml:"firmware"`
	Modules      []device.Module `yaml:"modules"`
	Battery      *uint8          `yaml:"battery"`
	Loggers      []string        `yaml:"loggers"`
	ConnectDelay time.Duration   `yaml:"connect_delay"`
}

// FromYAML fills builder fields from a YAML document with format support.
// Panics on invalid YAML as this is intended for test data setup.
//
//	local_id: sim-2
//	model: MetaMotion RL
//	modules: [accelerometer, settings]
//	battery: 40
func (b *BoardBuilder) FromYAML(yamlFmt string, args ...interface{}) *BoardBuilder {
	var doc boardYAML
	if err := yaml.Unmarshal([]byte(fmt.Sprintf(yamlFmt, args...)), &doc); err != nil {
		panic(fmt.Sprintf("FromYAML: %v", err))
	}

	if doc.LocalID != "" {
		b.localID = doc.LocalID
	}
	if doc.Name != "" {
		b.name = doc.Name
	}
	if doc.RSSI != nil {
		b.WithRSSI(*doc.RSSI)
	}
	if doc.MAC != "" {
		b.mac = doc.MAC
	}
	if doc.Model != nil {
		b.WithModel(*doc.Model)
	}
	if doc.Serial != "" {
		b.serial = doc.Serial
	}
	if doc.Firmware != "" {
		b.firmware = doc.Firmware
	}
	if doc.Modules != nil {
		b.WithModules(doc.Modules...)
	}
	if doc.Battery != nil {
		b.WithValue(signal.KindBattery, record.BatteryState{Voltage: 3900, Charge: *doc.Battery})
	}
	b.loggers = append(b.loggers, doc.Loggers...)
	if doc.ConnectDelay > 0 {
		b.connectDelay = doc.ConnectDelay
	}
	return b
}

// LocalID is the id the board advertises under.
func (b *BoardBuilder) LocalID() string {
	return b.localID
}

func (b *BoardBuilder) Build() *simboard.Board {
	if b.localID == "" {
		panic("BoardBuilder: local id is required")
	}
	board := simboard.New(b.localID, b.name)
	if b.rssi != nil {
		board.RSSI = *b.rssi
	}

	info := board.Info()
	if b.mac != "" {
		info.MAC = b.mac
	}
	if b.model != nil {
		info.Model = *b.model
	}
	if b.serial != "" {
		info.Serial = b.serial
	}
	if b.firmware != "" {
		info.Firmware = b.firmware
	}
	board.WithInfo(info)

	if b.modulesSet {
		board.WithModules(device.NewModules(b.modules...))
	}
	for k, v := range b.values {
		board.SetValue(k, v)
	}
	for _, key := range b.loggers {
		board.AddLogger(key)
	}
	if b.connectDelay > 0 {
		board.WithConnectDelay(b.connectDelay)
	}
	if b.connectErr != nil {
		board.WithConnectError(b.connectErr)
	}
	return board
}
