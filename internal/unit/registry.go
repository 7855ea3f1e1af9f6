package unit

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
	"github.com/nerrad567/gray-logic-mesh/internal/catalog"
)

// Logger defines the logging interface used by the Registry.
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

// DefaultMaxUnits is the node limit of a single network.
const DefaultMaxUnits = 232

// Registry is the live table of units for one network.
//
// Mutations are made by the driver worker; readers on any goroutine receive
// deep copies. Every change to persisted configuration (anything compared by
// Unit.Equal) bumps Version. Runtime status changes (state, awake, last
// seen) do not.
//
// All public methods are thread-safe.
type Registry struct {
	mu        sync.RWMutex
	units     map[uint16]*Unit
	templates map[uint16]*catalog.Template
	version   uint64
	maxUnits  int
	logger    Logger
}

// NewRegistry creates an empty registry holding at most maxUnits units.
// A non-positive maxUnits selects DefaultMaxUnits.
func NewRegistry(maxUnits int) *Registry {
	if maxUnits <= 0 {
		maxUnits = DefaultMaxUnits
	}
	return &Registry{
		units:     make(map[uint16]*Unit),
		templates: make(map[uint16]*catalog.Template),
		maxUnits:  maxUnits,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// MaxUnits returns the capacity of the registry.
func (r *Registry) MaxUnits() int { return r.maxUnits }

// Version returns the configuration change counter.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Len returns the number of units.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.units)
}

func (r *Registry) checkID(id uint16) error {
	if id == 0 || int(id) > r.maxUnits {
		return fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	return nil
}

// nameTakenLocked reports whether another unit uses name. Names compare
// case-insensitively. Caller must hold mu.
func (r *Registry) nameTakenLocked(name string, except uint16) bool {
	for id, u := range r.units {
		if id != except && strings.EqualFold(u.Name, name) {
			return true
		}
	}
	return false
}

// Add registers a newly discovered unit. If the id already exists the
// existing unit is returned with created=false.
func (r *Registry) Add(id uint16) (*Unit, bool, error) {
	if err := r.checkID(id); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.units[id]; ok {
		return u.DeepCopy(), false, nil
	}
	if len(r.units) >= r.maxUnits {
		return nil, false, ErrCapacity
	}

	name := DefaultName(id)
	for n := 2; r.nameTakenLocked(name, id); n++ {
		name = fmt.Sprintf("%s-%d", DefaultName(id), n)
	}

	u := &Unit{
		ID:        id,
		Name:      name,
		Listening: true,
		State:     StateDiscovered,
	}
	r.units[id] = u
	r.version++
	r.logger.Info("unit discovered", "unit_id", id, "name", name)
	return u.DeepCopy(), true, nil
}

// Get returns a copy of unit id.
func (r *Registry) Get(id uint16) (*Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnitNotFound, id)
	}
	return u.DeepCopy(), nil
}

// List returns copies of all units in display order: by name
// (case-insensitive), then id.
func (r *Registry) List() []*Unit {
	r.mu.RLock()
	out := make([]*Unit, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, u.DeepCopy())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Unit) int {
		if c := cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// IDs returns all unit ids in ascending order.
func (r *Registry) IDs() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint16, 0, len(r.units))
	for id := range r.units {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Remove deletes unit id.
func (r *Registry) Remove(id uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.units[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnitNotFound, id)
	}
	delete(r.units, id)
	delete(r.templates, id)
	r.version++
	r.logger.Info("unit removed", "unit_id", id)
	return nil
}

// validTransition reports whether from -> to is allowed by the interview
// order. Failed is reachable from any non-terminal state.
func validTransition(from, to State) bool {
	switch {
	case from == to:
		return true
	case to == StateFailed:
		return !from.Terminal()
	case from.Terminal():
		return false
	default:
		return to == from+1 && to <= StateReady
	}
}

// Transition moves unit id to state to. Only the next interview state, or
// Failed, may be entered; use Reset to go back to Discovered. Entering
// Failed bumps the version so snapshots taken before the drop-out go stale.
func (r *Registry) Transition(id uint16, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnitNotFound, id)
	}
	if !validTransition(u.State, to) {
		return fmt.Errorf("%w: unit %d %s -> %s", ErrInvalidTransition, id, u.State, to)
	}
	if u.State == to {
		return nil
	}
	r.logger.Debug("unit state changed", "unit_id", id, "from", u.State.String(), "to", to.String())
	u.State = to
	u.Failed = to == StateFailed
	if u.Failed {
		r.version++
	}
	return nil
}

// Reset returns unit id to Discovered after a protocol-level reset
// (exclusion, re-scan, firmware reset). Failed is cleared. The version moves
// unless the unit was already Discovered.
func (r *Registry) Reset(id uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnitNotFound, id)
	}
	if u.State != StateDiscovered {
		r.version++
	}
	u.State = StateDiscovered
	u.Failed = false
	r.logger.Debug("unit reset", "unit_id", id)
	return nil
}

// MarkFailed moves unit id to Failed.
func (r *Registry) MarkFailed(id uint16) error {
	return r.Transition(id, StateFailed)
}

// MarkAwake records a sleeping unit's wake state.
func (r *Registry) MarkAwake(id uint16, awake bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnitNotFound, id)
	}
	u.Awake = awake
	if awake {
		u.LastSeen = at
	}
	return nil
}

// Touch records that unit id was heard from.
func (r *Registry) Touch(id uint16, at time.Time) {
	r.mu.Lock()
	if u, ok := r.units[id]; ok {
		u.LastSeen = at
	}
	r.mu.Unlock()
}

// Update applies fn to a copy of unit id and commits the copy if fn returns
// nil. The id cannot be changed and names stay unique.
func (r *Registry) Update(id uint16, fn func(u *Unit) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnitNotFound, id)
	}
	c := u.DeepCopy()
	if err := fn(c); err != nil {
		return err
	}
	if c.ID != id {
		return fmt.Errorf("%w: id is immutable", ErrInvalidID)
	}
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyName
	}
	if r.nameTakenLocked(c.Name, id) {
		return fmt.Errorf("%w: %q", ErrDuplicateName, c.Name)
	}
	changed := !c.Equal(u)
	r.units[id] = c
	if changed {
		r.version++
	}
	return nil
}

// Rename changes a unit's display name. The unit must be editable.
func (r *Registry) Rename(id uint16, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnitNotFound, id)
	}
	if !u.State.Editable() {
		return fmt.Errorf("%w: unit %d is %s", ErrStaleState, id, u.State)
	}
	if u.Name == name {
		return nil
	}
	if r.nameTakenLocked(name, id) {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	r.logger.Info("unit renamed", "unit_id", id, "from", u.Name, "to", name)
	u.Name = name
	r.version++
	return nil
}

// SetParam records the value of configuration parameter number.
func (r *Registry) SetParam(id uint16, number uint8, value int32, width uint8) error {
	return r.Update(id, func(u *Unit) error {
		if !capability.ValidWidth(width) {
			return fmt.Errorf("%w: width %d", capability.ErrOutOfRange, width)
		}
		if u.Params == nil {
			u.Params = make(map[uint8]ParamValue)
		}
		u.Params[number] = ParamValue{Value: value, Width: width}
		return nil
	})
}

// SetGroupMembers replaces the recorded targets of association group.
// An empty list clears the group.
func (r *Registry) SetGroupMembers(id uint16, group uint8, targets []capability.Target) error {
	return r.Update(id, func(u *Unit) error {
		if len(targets) == 0 {
			delete(u.Groups, group)
			return nil
		}
		if u.Groups == nil {
			u.Groups = make(map[uint8][]capability.Target)
		}
		u.Groups[group] = slices.Clone(targets)
		return nil
	})
}

// BindTemplate attaches a device template to unit id. It implements
// catalog.Binder.
func (r *Registry) BindTemplate(id uint16, t *catalog.Template) error {
	err := r.Update(id, func(u *Unit) error {
		key := t.Signature
		u.TemplateKey = &key
		if n := t.GroupCount(); n > u.GroupCount {
			u.GroupCount = n
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.templates[id] = t
	r.mu.Unlock()
	return nil
}

// Template returns the template bound to unit id, if any.
func (r *Registry) Template(id uint16) (*catalog.Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

// Replace swaps the whole unit table, used when restoring persisted
// configuration. Templates must be rebound afterwards. Restored units start
// in Discovered.
func (r *Registry) Replace(units []*Unit) error {
	if len(units) > r.maxUnits {
		return fmt.Errorf("%w: %d units, max %d", ErrCapacity, len(units), r.maxUnits)
	}

	next := make(map[uint16]*Unit, len(units))
	names := make(map[string]uint16, len(units))
	for _, u := range units {
		if err := r.checkID(u.ID); err != nil {
			return err
		}
		if _, dup := next[u.ID]; dup {
			return fmt.Errorf("%w: id %d listed twice", ErrInvalidID, u.ID)
		}
		key := strings.ToLower(strings.TrimSpace(u.Name))
		if key == "" {
			return fmt.Errorf("%w: unit %d", ErrEmptyName, u.ID)
		}
		if other, dup := names[key]; dup {
			return fmt.Errorf("%w: %q used by %d and %d", ErrDuplicateName, u.Name, other, u.ID)
		}
		names[key] = u.ID

		c := u.DeepCopy()
		c.State = StateDiscovered
		c.Failed = false
		c.Awake = false
		next[u.ID] = c
	}

	r.mu.Lock()
	r.units = next
	r.templates = make(map[uint16]*catalog.Template)
	r.version++
	r.mu.Unlock()
	return nil
}
