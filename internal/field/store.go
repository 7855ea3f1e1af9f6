package field

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/antonmedv/expr/vm"
)

// Reading is a copy of a field's current value and status.
type Reading struct {
	Value Value `json:"value"`

	// Serial increases on every stored change of this field.
	Serial uint64 `json:"serial"`

	// Error is true until the first good value and whenever the device
	// cannot currently supply one. Value then holds the last good value.
	Error bool `json:"error"`

	// Changed is when Value or Error last changed.
	Changed time.Time `json:"changed"`
}

// ChangeFunc is called after a reading changes. It runs on the writer's
// goroutine (the driver worker) and must not block.
type ChangeFunc func(def Def, r Reading)

type entry struct {
	def     Def
	limits  *vm.Program
	reading Reading
}

// Store is the field cache for one driver instance.
//
// All public methods are thread-safe. Mutators are expected to be called
// from the driver worker only; readers may be called from anywhere.
type Store struct {
	mu         sync.RWMutex
	entries    []entry       // index = ID-1
	byName     map[string]ID // name -> ID
	generation uint64
	onChange   ChangeFunc
	now        func() time.Time
}

// NewStore creates an empty field store.
func NewStore() *Store {
	return &Store{
		byName: make(map[string]ID),
		now:    time.Now,
	}
}

// SetOnChange installs the change listener. Pass nil to remove it.
func (s *Store) SetOnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// RegisterFields replaces the registered field set with defs.
//
// IDs are assigned in order starting at 1 and written into the returned
// slice. Every reading starts with its error flag set. The prior set is only
// replaced when every definition is valid.
func (s *Store) RegisterFields(defs []Def) ([]Def, error) {
	entries := make([]entry, 0, len(defs))
	byName := make(map[string]ID, len(defs))
	out := make([]Def, 0, len(defs))

	now := s.now()
	for i, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateField, d.Name)
		}
		program, err := compileLimits(d)
		if err != nil {
			return nil, err
		}
		d.ID = ID(i + 1)
		byName[d.Name] = d.ID
		entries = append(entries, entry{
			def:     d,
			limits:  program,
			reading: Reading{Error: true, Changed: now},
		})
		out = append(out, d)
	}

	s.mu.Lock()
	s.entries = entries
	s.byName = byName
	s.generation++
	s.mu.Unlock()

	return out, nil
}

// Generation returns how many times RegisterFields has succeeded.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Len returns the number of registered fields.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// lookupLocked returns the entry for id. Caller must hold mu.
func (s *Store) lookupLocked(id ID) (*entry, error) {
	if id == 0 || int(id) > len(s.entries) {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownField, id)
	}
	return &s.entries[id-1], nil
}

// StoreValue sets a field's value, clears its error flag and bumps its serial
// when anything changed. It reports whether the reading changed.
func (s *Store) StoreValue(id ID, v Value) (bool, error) {
	s.mu.Lock()
	e, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	if v.Kind() != e.def.Kind {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s wants %s, got %s", ErrKindMismatch, e.def.Name, e.def.Kind, v.Kind())
	}

	if !e.reading.Error && e.reading.Value.Equal(v) {
		s.mu.Unlock()
		return false, nil
	}
	e.reading.Value = v
	e.reading.Error = false
	e.reading.Serial++
	e.reading.Changed = s.now()

	def, reading, fn := e.def, e.reading, s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(def, reading)
	}
	return true, nil
}

// MarkError flags a field's reading as stale. The last good value is kept.
func (s *Store) MarkError(id ID) error {
	s.mu.Lock()
	e, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if e.reading.Error {
		s.mu.Unlock()
		return nil
	}
	e.reading.Error = true
	e.reading.Serial++
	e.reading.Changed = s.now()

	def, reading, fn := e.def, e.reading, s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(def, reading)
	}
	return nil
}

// MarkUnitError flags every field of a unit as stale.
func (s *Store) MarkUnitError(unitID uint16) {
	for _, d := range s.Defs() {
		if d.UnitID == unitID {
			_ = s.MarkError(d.ID)
		}
	}
}

// MarkAllError flags every field as stale, e.g. after the connection to the
// device was lost.
func (s *Store) MarkAllError() {
	for _, d := range s.Defs() {
		_ = s.MarkError(d.ID)
	}
}

// ReadValue returns a copy of a field's reading.
func (s *Store) ReadValue(id ID) (Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.lookupLocked(id)
	if err != nil {
		return Reading{}, err
	}
	return copyReading(e.reading), nil
}

// ReadByName returns a field's definition and a copy of its reading.
func (s *Store) ReadByName(name string) (Def, Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return Def{}, Reading{}, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	e := &s.entries[id-1]
	return e.def, copyReading(e.reading), nil
}

// Lookup returns the definition of a named field.
func (s *Store) Lookup(name string) (Def, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return Def{}, false
	}
	return s.entries[id-1].def, true
}

// Def returns the definition of field id.
func (s *Store) Def(id ID) (Def, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.lookupLocked(id)
	if err != nil {
		return Def{}, err
	}
	return e.def, nil
}

// Defs returns all registered definitions ordered by ID.
func (s *Store) Defs() []Def {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Def, len(s.entries))
	for i := range s.entries {
		out[i] = s.entries[i].def
	}
	return out
}

// CheckWrite validates a write of v to field id without touching the device.
// It checks access, kind and limits, in that order.
func (s *Store) CheckWrite(id ID, v Value) (Def, error) {
	s.mu.RLock()
	e, err := s.lookupLocked(id)
	if err != nil {
		s.mu.RUnlock()
		return Def{}, err
	}
	def, program := e.def, e.limits
	s.mu.RUnlock()

	if !def.Access.CanWrite() {
		return def, fmt.Errorf("%w: %s is %s", ErrAccessViolation, def.Name, def.Access)
	}
	if v.Kind() != def.Kind {
		return def, fmt.Errorf("%w: %s wants %s, got %s", ErrKindMismatch, def.Name, def.Kind, v.Kind())
	}
	ok, err := withinLimits(program, v)
	if err != nil {
		return def, fmt.Errorf("%w: %s: %w", ErrOutOfLimits, def.Name, err)
	}
	if !ok {
		return def, fmt.Errorf("%w: %s: %s not in %s", ErrOutOfLimits, def.Name, v, def.Limits)
	}
	return def, nil
}

// Entry pairs a definition with a reading.
type Entry struct {
	Def     Def     `json:"def"`
	Reading Reading `json:"reading"`
}

// Snapshot returns copies of every field, ordered by ID.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.entries))
	for i := range s.entries {
		out[i] = Entry{Def: s.entries[i].def, Reading: copyReading(s.entries[i].reading)}
	}
	return out
}

// UnitFields returns the definitions belonging to one unit, ordered by name.
func (s *Store) UnitFields(unitID uint16) []Def {
	var out []Def
	for _, d := range s.Defs() {
		if d.UnitID == unitID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func copyReading(r Reading) Reading {
	if r.Value.kind == KindStringList {
		r.Value.list = r.Value.AsStringList()
	}
	return r
}
