package signal

import (
	"sort"
	"sync"

	"github.com/srg/wearsense/pkg/device"
)

// conflicts is symmetric: a pair listed once excludes both directions.
var conflicts = map[[2]Class]struct{}{
	classPair(ClassFusion, ClassRawIMU): {},
}

func classPair(a, b Class) [2]Class {
	if a > b {
		a, b = b, a
	}
	return [2]Class{a, b}
}

// Conflicts reports whether signals of classes a and b may not run together.
func Conflicts(a, b Class) bool {
	if a == ClassNone || b == ClassNone {
		return false
	}
	_, ok := conflicts[classPair(a, b)]
	return ok
}

type resourceState struct {
	refs       int
	configRefs int
	config     Params
}

// Tracker is the single record of which hardware is active on one board.
// Streams and loggers both acquire through it, so a conflict between a live
// stream and a running logger is caught the same way as between two streams.
type Tracker struct {
	table *Table

	mu        sync.Mutex
	active    map[Class]map[Kind]int
	resources map[Resource]*resourceState
}

func NewTracker(table *Table) *Tracker {
	return &Tracker{
		table:     table,
		active:    make(map[Class]map[Kind]int),
		resources: make(map[Resource]*resourceState),
	}
}

// Check reports whether d could be acquired now. It changes nothing.
func (t *Tracker) Check(d Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.check(d)
}

func (t *Tracker) check(d Descriptor) error {
	info, ok := t.table.Info(d.Kind)
	if !ok {
		return &device.CapabilityError{Signal: d.Kind.String(), Reason: "unknown signal"}
	}

	var clash []string
	for class, kinds := range t.active {
		if !Conflicts(info.Class, class) {
			continue
		}
		for k, n := range kinds {
			if n > 0 {
				clash = append(clash, k.String())
			}
		}
	}
	for _, use := range info.Resources {
		if !use.Configures {
			continue
		}
		rs := t.resources[use.Resource]
		if rs != nil && rs.configRefs > 0 && rs.config != d.Params {
			clash = append(clash, string(use.Resource)+" ("+rs.config.String()+")")
		}
	}
	if len(clash) > 0 {
		sort.Strings(clash)
		return &device.ConflictError{Requested: d.String(), Active: clash}
	}
	return nil
}

// Acquire records d as active. It returns the resources that were idle
// before this call and now need powering up.
func (t *Tracker) Acquire(d Descriptor) ([]Resource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(d); err != nil {
		return nil, err
	}

	info, _ := t.table.Info(d.Kind)
	kinds := t.active[info.Class]
	if kinds == nil {
		kinds = make(map[Kind]int)
		t.active[info.Class] = kinds
	}
	kinds[d.Kind]++

	var fresh []Resource
	for _, use := range info.Resources {
		rs := t.resources[use.Resource]
		if rs == nil {
			rs = &resourceState{}
			t.resources[use.Resource] = rs
		}
		if rs.refs == 0 {
			fresh = append(fresh, use.Resource)
		}
		rs.refs++
		if use.Configures {
			rs.configRefs++
			rs.config = d.Params
		}
	}
	return fresh, nil
}

// Release undoes one Acquire of d and returns the resources no longer used
// by anything, which the caller should power down.
func (t *Tracker) Release(d Descriptor) []Resource {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.table.Info(d.Kind)
	if !ok {
		return nil
	}
	kinds := t.active[info.Class]
	if kinds == nil || kinds[d.Kind] == 0 {
		return nil
	}
	kinds[d.Kind]--
	if kinds[d.Kind] == 0 {
		delete(kinds, d.Kind)
	}

	var idle []Resource
	for _, use := range info.Resources {
		rs := t.resources[use.Resource]
		if rs == nil || rs.refs == 0 {
			continue
		}
		rs.refs--
		if use.Configures {
			rs.configRefs--
			if rs.configRefs == 0 {
				rs.config = Params{}
			}
		}
		if rs.refs == 0 {
			idle = append(idle, use.Resource)
			delete(t.resources, use.Resource)
		}
	}
	return idle
}

// Active lists the kinds currently acquired, sorted.
func (t *Tracker) Active() []Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Kind
	for _, kinds := range t.active {
		for k := range kinds {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reset forgets everything, as after a board reset or disconnect.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = make(map[Class]map[Kind]int)
	t.resources = make(map[Resource]*resourceState)
}
