package netconfig

import (
	"fmt"
	"slices"
	"strings"
)

// DefaultGroupCount is the slot count used when none is configured.
const DefaultGroupCount = 16

// MaxGroupCount is the largest table the persisted record can hold.
const MaxGroupCount = 255

// Groups is the fixed-size association group name table. Slot ids run from
// 1 to Count(); each slot holds an optional name. Occupied names are unique
// (case-insensitive).
//
// Groups is not safe for concurrent use; the Store guards it.
type Groups struct {
	names []string
}

// NewGroups creates a table with n empty slots. n is clamped to
// 1..MaxGroupCount.
func NewGroups(n int) *Groups {
	n = max(1, min(n, MaxGroupCount))
	return &Groups{names: make([]string, n)}
}

// Count returns the number of slots.
func (g *Groups) Count() int { return len(g.names) }

func (g *Groups) index(id uint8) (int, error) {
	if id == 0 || int(id) > len(g.names) {
		return 0, fmt.Errorf("%w: %d (table has %d slots)", ErrGroupOutOfRange, id, len(g.names))
	}
	return int(id) - 1, nil
}

// Name returns the name in slot id; "" for an empty slot.
func (g *Groups) Name(id uint8) (string, error) {
	i, err := g.index(id)
	if err != nil {
		return "", err
	}
	return g.names[i], nil
}

// Find returns the slot holding name.
func (g *Groups) Find(name string) (uint8, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, false
	}
	for i, n := range g.names {
		if strings.EqualFold(n, name) {
			return uint8(i + 1), true
		}
	}
	return 0, false
}

// Rename sets the name of slot id. An empty name clears the slot. It reports
// whether the table changed.
func (g *Groups) Rename(id uint8, name string) (bool, error) {
	i, err := g.index(id)
	if err != nil {
		return false, err
	}
	name = strings.TrimSpace(name)
	if name != "" {
		if other, ok := g.Find(name); ok && other != id {
			return false, fmt.Errorf("%w: %q used by group %d", ErrDuplicateGroupName, name, other)
		}
	}
	if g.names[i] == name {
		return false, nil
	}
	g.names[i] = name
	return true, nil
}

// Names returns a copy of the table, index 0 holding group 1.
func (g *Groups) Names() []string { return slices.Clone(g.names) }

// Clone returns an independent copy.
func (g *Groups) Clone() *Groups { return &Groups{names: slices.Clone(g.names)} }

// Equal reports whether both tables have the same size and names.
func (g *Groups) Equal(o *Groups) bool { return slices.Equal(g.names, o.names) }

// groupsFromNames validates a name table and builds Groups from it.
func groupsFromNames(names []string) (*Groups, error) {
	if len(names) == 0 || len(names) > MaxGroupCount {
		return nil, fmt.Errorf("%w: %d slots", ErrGroupCountMismatch, len(names))
	}
	g := NewGroups(len(names))
	for i, n := range names {
		if _, err := g.Rename(uint8(i+1), n); err != nil {
			return nil, err
		}
	}
	return g, nil
}
