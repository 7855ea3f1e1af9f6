package netconfig

import (
	"fmt"
	"maps"
	"slices"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

// ChangeKind classifies one difference between two snapshots.
type ChangeKind string

// Change kinds.
const (
	ChangeUnitAdded     ChangeKind = "unit_added"
	ChangeUnitRemoved   ChangeKind = "unit_removed"
	ChangeUnitRenamed   ChangeKind = "unit_renamed"
	ChangeUnitState     ChangeKind = "unit_state"
	ChangeUnitTemplate  ChangeKind = "unit_template"
	ChangeCapabilities  ChangeKind = "capabilities"
	ChangeParam         ChangeKind = "param"
	ChangeGroupMembers  ChangeKind = "group_members"
	ChangeGroupRenamed  ChangeKind = "group_renamed"
	ChangeUnitTypeTags  ChangeKind = "unit_type"
	ChangeUnitListening ChangeKind = "unit_listening"
)

// Change is one difference. From and To are display strings.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	UnitID uint16     `json:"unit_id,omitempty"`
	Group  uint8      `json:"group,omitempty"`
	Param  uint8      `json:"param,omitempty"`
	From   string     `json:"from,omitempty"`
	To     string     `json:"to,omitempty"`
}

func (c Change) String() string {
	switch {
	case c.Param != 0:
		return fmt.Sprintf("%s unit %d param %d: %s -> %s", c.Kind, c.UnitID, c.Param, c.From, c.To)
	case c.UnitID != 0 && c.Group != 0:
		return fmt.Sprintf("%s unit %d group %d: %s -> %s", c.Kind, c.UnitID, c.Group, c.From, c.To)
	case c.UnitID != 0:
		return fmt.Sprintf("%s unit %d: %s -> %s", c.Kind, c.UnitID, c.From, c.To)
	default:
		return fmt.Sprintf("%s group %d: %q -> %q", c.Kind, c.Group, c.From, c.To)
	}
}

// Diff lists the differences from a to b in a stable order: group renames
// first, then units by id. Unlike Equal it also reports lifecycle state
// changes, which configsync uses to detect units that dropped out during an
// edit.
func Diff(a, b *Snapshot) []Change {
	var out []Change

	for i := range max(len(a.Groups), len(b.Groups)) {
		from, to := at(a.Groups, i), at(b.Groups, i)
		if from != to {
			out = append(out, Change{Kind: ChangeGroupRenamed, Group: uint8(i + 1), From: from, To: to})
		}
	}

	ids := make(map[uint16]bool)
	for _, u := range a.Units {
		ids[u.ID] = true
	}
	for _, u := range b.Units {
		ids[u.ID] = true
	}
	for _, id := range slices.Sorted(maps.Keys(ids)) {
		out = append(out, diffUnit(id, a.Unit(id), b.Unit(id))...)
	}
	return out
}

func at(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}

func diffUnit(id uint16, a, b *unit.Unit) []Change {
	switch {
	case a == nil:
		return []Change{{Kind: ChangeUnitAdded, UnitID: id, To: b.Name}}
	case b == nil:
		return []Change{{Kind: ChangeUnitRemoved, UnitID: id, From: a.Name}}
	}

	var out []Change
	add := func(kind ChangeKind, from, to string) {
		out = append(out, Change{Kind: kind, UnitID: id, From: from, To: to})
	}

	if a.Name != b.Name {
		add(ChangeUnitRenamed, a.Name, b.Name)
	}
	if a.State != b.State {
		add(ChangeUnitState, a.State.String(), b.State.String())
	}
	if a.BasicType != b.BasicType || a.GenericType != b.GenericType || a.SpecificType != b.SpecificType {
		add(ChangeUnitTypeTags, typeTags(a), typeTags(b))
	}
	if a.Listening != b.Listening {
		add(ChangeUnitListening, fmt.Sprint(a.Listening), fmt.Sprint(b.Listening))
	}
	if tk, ok := templateChanged(a, b); ok {
		add(ChangeUnitTemplate, tk[0], tk[1])
	}
	if !a.Capabilities.Equal(b.Capabilities) {
		add(ChangeCapabilities, capList(a.Capabilities), capList(b.Capabilities))
	}

	params := make(map[uint8]bool)
	for n := range a.Params {
		params[n] = true
	}
	for n := range b.Params {
		params[n] = true
	}
	for _, n := range slices.Sorted(maps.Keys(params)) {
		pa, okA := a.Params[n]
		pb, okB := b.Params[n]
		if okA == okB && pa == pb {
			continue
		}
		out = append(out, Change{Kind: ChangeParam, UnitID: id, Param: n, From: paramString(pa, okA), To: paramString(pb, okB)})
	}

	groups := make(map[uint8]bool)
	for g := range a.Groups {
		groups[g] = true
	}
	for g := range b.Groups {
		groups[g] = true
	}
	for _, g := range slices.Sorted(maps.Keys(groups)) {
		if !slices.Equal(a.Groups[g], b.Groups[g]) {
			out = append(out, Change{Kind: ChangeGroupMembers, UnitID: id, Group: g, From: targets(a.Groups[g]), To: targets(b.Groups[g])})
		}
	}
	return out
}

func typeTags(u *unit.Unit) string {
	return fmt.Sprintf("%02x/%02x/%02x", u.BasicType, u.GenericType, u.SpecificType)
}

func templateChanged(a, b *unit.Unit) ([2]string, bool) {
	str := func(u *unit.Unit) string {
		if u.TemplateKey == nil {
			return ""
		}
		return u.TemplateKey.String()
	}
	from, to := str(a), str(b)
	return [2]string{from, to}, from != to
}

func capList(s capability.Set) string {
	out := ""
	for i, id := range s.IDs() {
		if i > 0 {
			out += ","
		}
		d, _ := s.Get(id)
		out += fmt.Sprintf("%s@v%d", id, d.Version)
	}
	return out
}

func paramString(p unit.ParamValue, ok bool) string {
	if !ok {
		return ""
	}
	return fmt.Sprintf("%d/%dB", p.Value, p.Width)
}

func targets(ts []capability.Target) string {
	out := ""
	for i, t := range ts {
		if i > 0 {
			out += ","
		}
		if t.Endpoint != 0 {
			out += fmt.Sprintf("%d.%d", t.Node, t.Endpoint)
		} else {
			out += fmt.Sprint(t.Node)
		}
	}
	return out
}
