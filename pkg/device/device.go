package device

import (
	"strings"
	"sync"
)

const placeholderPrefix = "unknown-"

// PlaceholderMAC stands in for the MAC of a device that has never been
// connected, so that persisted records can still be keyed.
func PlaceholderMAC(localID string) string {
	return placeholderPrefix + localID
}

// IsPlaceholderMAC reports whether mac is empty or a PlaceholderMAC value.
func IsPlaceholderMAC(mac string) bool {
	return mac == "" || strings.HasPrefix(mac, placeholderPrefix)
}

// Info is the board identity read over the link after connecting.
type Info struct {
	MAC          string `yaml:"mac"`
	Model        Model  `yaml:"model"`
	ModelNumber  string `yaml:"model_number,omitempty"`
	Serial       string `yaml:"serial,omitempty"`
	Firmware     string `yaml:"firmware,omitempty"`
	Hardware     string `yaml:"hardware,omitempty"`
	Manufacturer string `yaml:"manufacturer,omitempty"`
}

// Identity is a point-in-time copy of what is known about a device.
type Identity struct {
	LocalID string
	MAC     string
	Model   Model
	Serial  string
	Name    string
}

// HasMAC is false until the first successful connection has read the MAC.
func (i Identity) HasMAC() bool {
	return !IsPlaceholderMAC(i.MAC)
}

// Device is the canonical record of one discovered board. It is created by
// the scanner on first advertisement and lives until the scanner closes;
// reconnects reuse it.
type Device struct {
	localID string

	mu      sync.RWMutex
	name    string
	rssi    int
	info    Info
	modules Modules
}

func New(localID, name string, rssi int) *Device {
	return &Device{
		localID: localID,
		name:    name,
		rssi:    rssi,
		modules: Modules{},
	}
}

// LocalID is the transport's per-host identifier. It is not stable across hosts.
func (d *Device) LocalID() string { return d.localID }

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Device) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

// Advertised records fresh advertisement data. An empty name keeps the previous one.
func (d *Device) Advertised(name string, rssi int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name != "" {
		d.name = name
	}
	d.rssi = rssi
}

func (d *Device) SetRSSI(rssi int) {
	d.mu.Lock()
	d.rssi = rssi
	d.mu.Unlock()
}

func (d *Device) SetName(name string) {
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
}

func (d *Device) Info() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info
}

// SetInfo stores identity read from the board. Once a real MAC is known it
// is never replaced.
func (d *Device) SetInfo(info Info) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !IsPlaceholderMAC(d.info.MAC) {
		info.MAC = d.info.MAC
	}
	d.info = info
}

func (d *Device) Modules() Modules {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.modules.Clone()
}

func (d *Device) SetModules(m Modules) {
	d.mu.Lock()
	d.modules = m.Clone()
	d.mu.Unlock()
}

func (d *Device) Identity() Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Identity{
		LocalID: d.localID,
		MAC:     d.info.MAC,
		Model:   d.info.Model,
		Serial:  d.info.Serial,
		Name:    d.name,
	}
}
