package unit

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
	"github.com/nerrad567/gray-logic-mesh/internal/catalog"
)

// State is a unit's lifecycle state. The order of the constants is the
// interview order.
type State uint8

// Lifecycle states.
const (
	StateDiscovered State = iota
	StateIdentifyingCapabilities
	StateGetInitVals
	StateReady
	StateFailed
)

var stateNames = map[State]string{
	StateDiscovered:              "discovered",
	StateIdentifyingCapabilities: "identifying_capabilities",
	StateGetInitVals:             "get_init_vals",
	StateReady:                   "ready",
	StateFailed:                  "failed",
}

// String returns the snake_case state name.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for st, name := range stateNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, b)
}

// Editable reports whether remote editors may change a unit in this state.
// Below GetInitVals the driver is still building the unit.
func (s State) Editable() bool {
	return s >= StateGetInitVals && s != StateFailed
}

// Terminal reports whether no further interview transition is possible.
func (s State) Terminal() bool { return s == StateFailed }

// ParamValue is the last known value of a configuration parameter.
type ParamValue struct {
	Value int32 `json:"value" cbor:"1,keyasint"`
	Width uint8 `json:"width" cbor:"2,keyasint"`
}

// Unit is one node on the network. Registry methods return copies.
type Unit struct {
	ID   uint16 `json:"id"`
	Name string `json:"name"`

	BasicType    uint8 `json:"basic_type"`
	GenericType  uint8 `json:"generic_type"`
	SpecificType uint8 `json:"specific_type"`

	// Listening is false for sleeping (battery) devices.
	Listening bool `json:"listening"`

	State State `json:"state"`

	// TemplateKey is set once a device template has been bound.
	TemplateKey *catalog.Signature `json:"template_key,omitempty"`

	Capabilities capability.Set                `json:"capabilities"`
	Params       map[uint8]ParamValue          `json:"params"`
	Groups       map[uint8][]capability.Target `json:"groups"`

	// GroupCount is the number of association groups the device advertises.
	GroupCount uint8 `json:"group_count"`

	Failed   bool      `json:"failed"`
	Awake    bool      `json:"awake"`
	LastSeen time.Time `json:"last_seen,omitzero"`
}

// DefaultName returns the name given to a newly discovered unit.
func DefaultName(id uint16) string {
	return fmt.Sprintf("Node%03d", id)
}

// Sleeping reports whether the unit is a battery device.
func (u *Unit) Sleeping() bool { return !u.Listening }

// Reachable reports whether the unit can be talked to now. Listening units
// are always reachable; sleeping ones only while awake.
func (u *Unit) Reachable() bool { return u.Listening || u.Awake }

// DeepCopy returns an independent copy of u.
func (u *Unit) DeepCopy() *Unit {
	if u == nil {
		return nil
	}
	c := *u
	if u.TemplateKey != nil {
		k := *u.TemplateKey
		c.TemplateKey = &k
	}
	c.Capabilities = u.Capabilities.Clone()
	if u.Params != nil {
		c.Params = maps.Clone(u.Params)
	}
	if u.Groups != nil {
		c.Groups = make(map[uint8][]capability.Target, len(u.Groups))
		for g, ts := range u.Groups {
			c.Groups[g] = slices.Clone(ts)
		}
	}
	return &c
}

// Equal compares the persisted configuration of two units: identity, name,
// type tags, template key, capabilities, parameters and groups. Runtime
// status (state, awake, last seen) is ignored.
func (u *Unit) Equal(o *Unit) bool {
	if u == nil || o == nil {
		return u == o
	}
	if u.ID != o.ID || u.Name != o.Name ||
		u.BasicType != o.BasicType || u.GenericType != o.GenericType || u.SpecificType != o.SpecificType ||
		u.Listening != o.Listening || u.GroupCount != o.GroupCount {
		return false
	}
	if (u.TemplateKey == nil) != (o.TemplateKey == nil) {
		return false
	}
	if u.TemplateKey != nil && *u.TemplateKey != *o.TemplateKey {
		return false
	}
	if !u.Capabilities.Equal(o.Capabilities) || !maps.Equal(u.Params, o.Params) {
		return false
	}
	return groupsEqual(u.Groups, o.Groups)
}

func groupsEqual(a, b map[uint8][]capability.Target) bool {
	if len(a) != len(b) {
		return false
	}
	for g, ts := range a {
		other, ok := b[g]
		if !ok || !slices.Equal(ts, other) {
			return false
		}
	}
	return true
}
