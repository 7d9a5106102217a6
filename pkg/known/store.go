// Package known remembers boards across runs: their identity, the local ids
// the OS has used for them, the names users gave them, and user-defined
// groups.
//
// Records are keyed by MAC. A board that was discovered but never connected
// has no MAC yet and is kept under a placeholder (see device.PlaceholderMAC)
// until a connection reveals the real one, at which point the placeholder
// record is folded into the real record.
package known

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/wearsense/pkg/device"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrUnknownGroup  = errors.New("unknown group")
)

// Metadata is the remembered identity of one board.
type Metadata struct {
	MAC      string          `yaml:"mac" json:"mac"`
	Serial   string          `yaml:"serial,omitempty" json:"serial,omitempty"`
	Model    device.Model    `yaml:"model" json:"model"`
	Firmware string          `yaml:"firmware,omitempty" json:"firmware,omitempty"`
	Modules  []device.Module `yaml:"modules,omitempty" json:"modules,omitempty"`
	LocalIDs []string        `yaml:"local_ids,omitempty" json:"local_ids,omitempty"`
	Name     string          `yaml:"name,omitempty" json:"name,omitempty"`
	// Renamed marks a name the user chose; it outranks any observed name.
	Renamed bool `yaml:"renamed,omitempty" json:"renamed,omitempty"`
}

// HasMAC is false for records kept under a placeholder.
func (m Metadata) HasMAC() bool { return !device.IsPlaceholderMAC(m.MAC) }

func (m Metadata) clone() Metadata {
	m.Modules = append([]device.Module(nil), m.Modules...)
	m.LocalIDs = append([]string(nil), m.LocalIDs...)
	return m
}

// FromDevice captures what d currently knows about itself.
func FromDevice(d *device.Device) Metadata {
	info := d.Info()
	mac := info.MAC
	if mac == "" {
		mac = device.PlaceholderMAC(d.LocalID())
	}
	return Metadata{
		MAC:      mac,
		Serial:   info.Serial,
		Model:    info.Model,
		Firmware: info.Firmware,
		Modules:  d.Modules().Sorted(),
		LocalIDs: []string{d.LocalID()},
		Name:     d.Name(),
	}
}

type Group struct {
	ID   uuid.UUID `yaml:"id"`
	Name string    `yaml:"name"`
	MACs []string  `yaml:"macs,omitempty"`
}

func (g Group) clone() Group {
	g.MACs = append([]string(nil), g.MACs...)
	return g
}

// Persister loads and saves the store contents. FileStore is the stock one.
type Persister interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}

// Snapshot is the full store contents.
type Snapshot struct {
	Devices []Metadata
	Groups  []Group
}

// Store is safe for concurrent use. Reads go through lock-free indexes;
// mutations are serialized and persisted before they return.
type Store struct {
	persist Persister
	logger  *logrus.Logger

	mu      sync.Mutex
	devices *hashmap.Map[string, Metadata] // by MAC or placeholder
	locals  *hashmap.Map[string, string]   // local id -> MAC
	groups  []Group
}

// NewStore loads p. A nil p keeps everything in memory.
func NewStore(p Persister, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Store{
		persist: p,
		logger:  logger,
		devices: hashmap.New[string, Metadata](),
		locals:  hashmap.New[string, string](),
	}
	if p == nil {
		return s, nil
	}
	snap, err := p.Load()
	if err != nil {
		return nil, fmt.Errorf("load known devices: %w", err)
	}
	for _, m := range snap.Devices {
		s.put(m)
	}
	for _, g := range snap.Groups {
		s.groups = append(s.groups, g.clone())
	}
	logger.WithFields(logrus.Fields{
		"devices": len(snap.Devices),
		"groups":  len(snap.Groups),
	}).Debug("Known devices loaded")
	return s, nil
}

// Reconcile merges refreshed, observed under localID, into the stored
// records and returns the merged record.
//
// The outcome does not depend on the order in which the placeholder and the
// real record arrive: a real MAC always wins over a placeholder, and so do
// the real record's hardware facts. A name set through Rename outranks an
// observed one; otherwise the stored name is kept over the refreshed one.
// A stored record with a different real MAC is another board that once had
// localID; it loses the local id instead of being merged.
func (s *Store) Reconcile(localID string, refreshed Metadata) (Metadata, error) {
	if localID == "" {
		return Metadata{}, errors.New("reconcile: empty local id")
	}
	refreshed = refreshed.clone()
	if refreshed.MAC == "" {
		refreshed.MAC = device.PlaceholderMAC(localID)
	}
	refreshed.LocalIDs = union(refreshed.LocalIDs, []string{localID})

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := refreshed
	var folded []string
	seen := map[string]bool{}
	consider := func(mac string) {
		if seen[mac] {
			return
		}
		seen[mac] = true
		stored, ok := s.devices.Get(mac)
		if !ok {
			return
		}
		if stored.HasMAC() && merged.HasMAC() && stored.MAC != merged.MAC {
			s.detach(stored, refreshed.LocalIDs)
			return
		}
		merged = merge(stored, merged)
		folded = append(folded, mac)
	}
	consider(refreshed.MAC)
	for _, id := range refreshed.LocalIDs {
		if mac, ok := s.locals.Get(id); ok {
			consider(mac)
		}
	}
	if merged.HasMAC() {
		// a placeholder record under any merged local id belongs to this board
		for _, id := range merged.LocalIDs {
			consider(device.PlaceholderMAC(id))
		}
	}

	for _, mac := range folded {
		if mac != merged.MAC {
			s.devices.Del(mac)
			s.renameInGroups(mac, merged.MAC)
		}
	}
	s.put(merged)

	s.logger.WithFields(logrus.Fields{
		"local_id": localID,
		"mac":      merged.MAC,
		"folded":   len(folded),
	}).Debug("Known device reconciled")

	return merged.clone(), s.save()
}

// merge combines a stored record with a refreshed one. Hardware facts follow
// the real MAC; the name does not.
func merge(stored, refreshed Metadata) Metadata {
	facts, other := refreshed, stored
	if stored.HasMAC() != refreshed.HasMAC() && stored.HasMAC() {
		facts, other = stored, refreshed
	}
	name, renamed := mergeName(stored, refreshed, facts)

	out := Metadata{
		MAC:      facts.MAC,
		Serial:   first(facts.Serial, other.Serial),
		Model:    facts.Model,
		Firmware: first(facts.Firmware, other.Firmware),
		Modules:  facts.Modules,
		LocalIDs: union(stored.LocalIDs, refreshed.LocalIDs),
		Name:     name,
		Renamed:  renamed,
	}
	if !facts.HasMAC() && !other.HasMAC() && other.MAC < facts.MAC {
		out.MAC = other.MAC
	}
	if out.Model == device.ModelUnknown {
		out.Model = other.Model
	}
	if len(out.Modules) == 0 {
		out.Modules = other.Modules
	}
	out.Modules = append([]device.Module(nil), out.Modules...)
	return out
}

// mergeName keeps a user-chosen name over an observed one, and a persisted
// name over a freshly advertised one.
func mergeName(stored, refreshed, facts Metadata) (string, bool) {
	switch {
	case stored.Renamed && refreshed.Renamed:
		return facts.Name, true
	case stored.Renamed:
		return stored.Name, true
	case refreshed.Renamed:
		return refreshed.Name, true
	}
	return first(stored.Name, refreshed.Name), false
}

// detach removes ids from a record that belongs to another board.
func (s *Store) detach(m Metadata, ids []string) {
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.LocalIDs[:0:0]
	for _, id := range m.LocalIDs {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	m.LocalIDs = kept
	s.devices.Set(m.MAC, m)
	s.logger.WithFields(logrus.Fields{"mac": m.MAC, "local_ids": ids}).Info("Local id moved to another device")
}

// put stores m and points its local ids at it. Caller holds mu.
func (s *Store) put(m Metadata) {
	s.devices.Set(m.MAC, m)
	for _, id := range m.LocalIDs {
		s.locals.Set(id, m.MAC)
	}
}

func (s *Store) renameInGroups(from, to string) {
	for i := range s.groups {
		for j, mac := range s.groups[i].MACs {
			if mac == from {
				s.groups[i].MACs[j] = to
			}
		}
		s.groups[i].MACs = union(s.groups[i].MACs, nil)
	}
}

// Lookup finds the record for a local id.
func (s *Store) Lookup(localID string) (Metadata, bool) {
	mac, ok := s.locals.Get(localID)
	if !ok {
		return Metadata{}, false
	}
	m, ok := s.devices.Get(mac)
	if !ok {
		return Metadata{}, false
	}
	return m.clone(), true
}

// LookupMAC finds the record for a MAC or placeholder.
func (s *Store) LookupMAC(mac string) (Metadata, bool) {
	m, ok := s.devices.Get(mac)
	if !ok {
		return Metadata{}, false
	}
	return m.clone(), true
}

// Devices lists all records ordered by MAC.
func (s *Store) Devices() []Metadata {
	var out []Metadata
	s.devices.Range(func(_ string, m Metadata) bool {
		out = append(out, m.clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// Rename sets the user-facing name of a known board.
func (s *Store) Rename(mac, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.devices.Get(mac)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, mac)
	}
	m.Name = name
	m.Renamed = true
	s.devices.Set(mac, m)
	return s.save()
}

// Forget drops a board and removes it from every group.
func (s *Store) Forget(mac string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.devices.Get(mac)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, mac)
	}
	s.devices.Del(mac)
	for _, id := range m.LocalIDs {
		if cur, ok := s.locals.Get(id); ok && cur == mac {
			s.locals.Del(id)
		}
	}
	for i := range s.groups {
		s.groups[i].MACs = without(s.groups[i].MACs, mac)
	}
	s.logger.WithField("mac", mac).Info("Forgot device")
	return s.save()
}

// CreateGroup adds a group of known boards.
func (s *Store) CreateGroup(name string, macs ...string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mac := range macs {
		if _, ok := s.devices.Get(mac); !ok {
			return Group{}, fmt.Errorf("%w: %s", ErrUnknownDevice, mac)
		}
	}
	g := Group{ID: uuid.New(), Name: name, MACs: union(macs, nil)}
	s.groups = append(s.groups, g)
	return g.clone(), s.save()
}

// Groups lists groups in creation order.
func (s *Store) Groups() []Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Group, len(s.groups))
	for i, g := range s.groups {
		out[i] = g.clone()
	}
	return out
}

func (s *Store) Group(id uuid.UUID) (Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.group(id); i >= 0 {
		return s.groups[i].clone(), true
	}
	return Group{}, false
}

// UpdateGroup replaces the name and members of a group.
func (s *Store) UpdateGroup(g Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.group(g.ID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, g.ID)
	}
	for _, mac := range g.MACs {
		if _, ok := s.devices.Get(mac); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, mac)
		}
	}
	g.MACs = union(g.MACs, nil)
	s.groups[i] = g
	return s.save()
}

func (s *Store) DeleteGroup(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.group(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, id)
	}
	s.groups = append(s.groups[:i], s.groups[i+1:]...)
	return s.save()
}

func (s *Store) group(id uuid.UUID) int {
	for i, g := range s.groups {
		if g.ID == id {
			return i
		}
	}
	return -1
}

// save persists the store. Caller holds mu.
func (s *Store) save() error {
	if s.persist == nil {
		return nil
	}
	snap := Snapshot{Devices: s.Devices()}
	for _, g := range s.groups {
		snap.Groups = append(snap.Groups, g.clone())
	}
	if err := s.persist.Save(snap); err != nil {
		return fmt.Errorf("save known devices: %w", err)
	}
	return nil
}

func first(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

// union returns the sorted distinct values of a and b.
func union(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range append(append([]string(nil), a...), b...) {
		if v != "" && !set[v] {
			set[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func without(vs []string, drop string) []string {
	out := vs[:0:0]
	for _, v := range vs {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}
