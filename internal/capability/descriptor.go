package capability

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ID is a protocol command-class id.
type ID uint8

// String formats the id as 0xNN.
func (id ID) String() string { return fmt.Sprintf("0x%02X", uint8(id)) }

// Verb is a bitset of operations a capability supports.
type Verb uint8

// Verbs.
const (
	VerbGet Verb = 1 << iota
	VerbSet
	VerbReport
)

// Has reports whether all bits of o are set in v.
func (v Verb) Has(o Verb) bool { return v&o == o }

// String returns e.g. "get|set|report".
func (v Verb) String() string {
	var parts []string
	if v.Has(VerbGet) {
		parts = append(parts, "get")
	}
	if v.Has(VerbSet) {
		parts = append(parts, "set")
	}
	if v.Has(VerbReport) {
		parts = append(parts, "report")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Descriptor is one capability a node declares: id, version and verbs.
type Descriptor struct {
	ID      ID    `json:"id" yaml:"id" cbor:"1,keyasint"`
	Version uint8 `json:"version" yaml:"version" cbor:"2,keyasint"`
	Verbs   Verb  `json:"verbs" yaml:"verbs,omitempty" cbor:"3,keyasint"`
}

// Set is a node's capability set keyed by id.
type Set map[ID]Descriptor

// NewSet builds a set from descriptors. Duplicates are rejected.
func NewSet(ds ...Descriptor) (Set, error) {
	s := make(Set, len(ds))
	for _, d := range ds {
		if err := s.Add(d); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add inserts d. A second descriptor with the same id is rejected.
func (s *Set) Add(d Descriptor) error {
	if *s == nil {
		*s = make(Set)
	}
	if _, dup := (*s)[d.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicate, d.ID)
	}
	if d.Version == 0 {
		d.Version = 1
	}
	(*s)[d.ID] = d
	return nil
}

// Get returns the descriptor for id.
func (s Set) Get(id ID) (Descriptor, bool) {
	d, ok := s[id]
	return d, ok
}

// Has reports whether id is in the set.
func (s Set) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the ids in ascending order.
func (s Set) IDs() []ID {
	return slices.Sorted(maps.Keys(s))
}

// Clone returns an independent copy. Cloning nil yields nil.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	return maps.Clone(s)
}

// Equal reports whether both sets hold the same descriptors. A nil set and an
// empty set are equal.
func (s Set) Equal(o Set) bool {
	return maps.Equal(s, o)
}

// Negotiate returns the descriptor to operate a capability with.
//
// The effective version is the lowest of the node's version, the expected
// (template) version when known, and the highest version this package
// implements. A node below the template falls back to its own feature set; a
// node above it has the extra features ignored. Neither case is an error.
func Negotiate(node Descriptor, expected *Descriptor) Descriptor {
	out := node
	if out.Version == 0 {
		out.Version = 1
	}
	if expected != nil && expected.Version > 0 && expected.Version < out.Version {
		out.Version = expected.Version
	}
	if h, ok := Lookup(node.ID); ok {
		out.Version = min(out.Version, h.MaxVersion())
		out.Verbs = h.Verbs(out.Version)
	}
	return out
}
