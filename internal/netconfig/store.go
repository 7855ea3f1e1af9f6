package netconfig

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Snapshot is a deep copy of a store's configuration at one serial.
type Snapshot struct {
	Serial uint64       `json:"serial"`
	Groups []string     `json:"groups"`
	Units  []*unit.Unit `json:"units"`
}

// Unit returns the unit with id, or nil.
func (s *Snapshot) Unit(id uint16) *unit.Unit {
	i, ok := slices.BinarySearchFunc(s.Units, id, func(u *unit.Unit, id uint16) int {
		return cmp.Compare(u.ID, id)
	})
	if !ok {
		return nil
	}
	return s.Units[i]
}

// Clone returns an independent copy.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{Serial: s.Serial, Groups: slices.Clone(s.Groups)}
	c.Units = make([]*unit.Unit, len(s.Units))
	for i, u := range s.Units {
		c.Units[i] = u.DeepCopy()
	}
	return c
}

// Equal compares configuration content: group names and units (see
// unit.Unit.Equal). Serial and runtime status are not compared.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if !slices.Equal(s.Groups, o.Groups) || len(s.Units) != len(o.Units) {
		return false
	}
	for i := range s.Units {
		if !s.Units[i].Equal(o.Units[i]) {
			return false
		}
	}
	return true
}

// Store is the Configuration Store of one network.
//
// The serial is the sum of a base offset, the registry version and the group
// table version, so it moves on every configuration change made through
// either. Runtime status changes (unit state, wake, last seen) leave it
// unchanged.
//
// All public methods are thread-safe.
type Store struct {
	mu            sync.RWMutex
	groups        *Groups
	groupsVersion uint64
	base          uint64
	units         *unit.Registry
	logger        Logger
}

// NewStore creates a store over units with groupCount group slots.
func NewStore(units *unit.Registry, groupCount int) *Store {
	if groupCount <= 0 {
		groupCount = DefaultGroupCount
	}
	return &Store{
		groups: NewGroups(groupCount),
		units:  units,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// Units returns the unit registry.
func (s *Store) Units() *unit.Registry { return s.units }

// GroupCount returns the fixed number of group slots.
func (s *Store) GroupCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups.Count()
}

// Serial returns the current configuration serial.
func (s *Store) Serial() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serialLocked()
}

func (s *Store) serialLocked() uint64 {
	return s.base + s.groupsVersion + s.units.Version()
}

// Bump advances the serial without a content change, e.g. to invalidate
// outstanding editor snapshots after a structural operation.
func (s *Store) Bump() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base++
	return s.serialLocked()
}

// GroupName returns the name of group id.
func (s *Store) GroupName(id uint8) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups.Name(id)
}

// RenameGroup names group id. Duplicate names and out-of-range ids are
// rejected; an empty name clears the slot.
func (s *Store) RenameGroup(id uint8, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed, err := s.groups.Rename(id, name)
	if err != nil {
		return err
	}
	if changed {
		s.groupsVersion++
		s.logger.Info("group renamed", "group", id, "name", strings.TrimSpace(name))
	}
	return nil
}

// Snapshot returns a deep copy of the configuration and its serial. Units
// are ordered by id.
//
// The serial is read before the units are copied: a change racing the copy
// can only make the snapshot look older than its content, never newer.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	serial := s.serialLocked()
	units := s.units.List()
	slices.SortFunc(units, func(a, b *unit.Unit) int { return cmp.Compare(a.ID, b.ID) })
	return &Snapshot{
		Serial: serial,
		Groups: s.groups.Names(),
		Units:  units,
	}
}

// Restore replaces the configuration with snap. The serial afterwards is
// snap.Serial, or one past the current serial if that is higher, so it never
// moves backwards. Restored units start in Discovered.
func (s *Store) Restore(snap *Snapshot) error {
	groups, err := groupsFromNames(snap.Groups)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if groups.Count() != s.groups.Count() {
		return fmt.Errorf("%w: record has %d slots, store has %d", ErrGroupCountMismatch, groups.Count(), s.groups.Count())
	}
	target := max(snap.Serial, s.serialLocked()+1)

	if err := s.units.Replace(snap.Units); err != nil {
		return fmt.Errorf("restoring units: %w", err)
	}
	s.groups = groups

	cur := s.groupsVersion + s.units.Version()
	if target > cur {
		s.base = target - cur
	} else {
		s.base = 0
	}
	s.logger.Info("configuration restored", "units", len(snap.Units), "serial", s.serialLocked())
	return nil
}

// Validate checks the store invariants: unit count within the network
// maximum, unique unit ids and names, unique group names.
func (s *Store) Validate() error {
	snap := s.Snapshot()
	return snap.Validate(s.units.MaxUnits(), s.GroupCount())
}

// Validate checks snapshot invariants against a network maximum and the
// fixed group slot count.
func (s *Snapshot) Validate(maxUnits, groupCount int) error {
	var errs []string

	if len(s.Groups) != groupCount {
		errs = append(errs, fmt.Sprintf("group table has %d slots, want %d", len(s.Groups), groupCount))
	}
	if len(s.Units) > maxUnits {
		errs = append(errs, fmt.Sprintf("%d units exceed network maximum %d", len(s.Units), maxUnits))
	}

	groupNames := make(map[string]int)
	for i, n := range s.Groups {
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if prev, ok := groupNames[key]; ok {
			errs = append(errs, fmt.Sprintf("group name %q used by %d and %d", n, prev, i+1))
		}
		groupNames[key] = i + 1
	}

	ids := make(map[uint16]bool, len(s.Units))
	names := make(map[string]uint16, len(s.Units))
	for _, u := range s.Units {
		if u.ID == 0 || int(u.ID) > maxUnits {
			errs = append(errs, fmt.Sprintf("unit id %d out of range", u.ID))
		}
		if ids[u.ID] {
			errs = append(errs, fmt.Sprintf("unit id %d listed twice", u.ID))
		}
		ids[u.ID] = true

		key := strings.ToLower(strings.TrimSpace(u.Name))
		if key == "" {
			errs = append(errs, fmt.Sprintf("unit %d has no name", u.ID))
			continue
		}
		if prev, ok := names[key]; ok {
			errs = append(errs, fmt.Sprintf("unit name %q used by %d and %d", u.Name, prev, u.ID))
		}
		names[key] = u.ID
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
