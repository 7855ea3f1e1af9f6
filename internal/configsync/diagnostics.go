package configsync

import (
	"context"
	"maps"
	"slices"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
	"github.com/nerrad567/gray-logic-mesh/internal/catalog"
	"github.com/nerrad567/gray-logic-mesh/internal/field"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

// Diagnostics is everything known about one unit.
type Diagnostics struct {
	DriverID string     `json:"driver_id"`
	Serial   uint64     `json:"serial"`
	Unit     *unit.Unit `json:"unit"`

	// Template is the bound device template name; empty for raw units.
	Template string `json:"template,omitempty"`

	Capabilities []CapabilityReport `json:"capabilities"`
	Params       []ParamReport      `json:"params"`
	Groups       []GroupReport      `json:"groups"`
	Fields       []field.Entry      `json:"fields,omitempty"`
}

// CapabilityReport compares a declared capability with the template.
type CapabilityReport struct {
	ID      capability.ID `json:"id"`
	Name    string        `json:"name"`
	Version uint8         `json:"version"`

	// Expected is the template's version; 0 when the template does not
	// list the capability or no template is bound.
	Expected uint8 `json:"expected,omitempty"`

	// Effective is the negotiated version the driver uses.
	Effective uint8 `json:"effective"`

	// Known is false for capabilities handled as raw fields.
	Known bool `json:"known"`
}

// ParamReport is one configuration parameter with its metadata.
type ParamReport struct {
	Number uint8  `json:"number"`
	Label  string `json:"label,omitempty"`
	Value  int32  `json:"value"`
	Width  uint8  `json:"width"`

	// Read is false for declared parameters whose value was never read.
	Read bool `json:"read"`

	Min     int32 `json:"min,omitempty"`
	Max     int32 `json:"max,omitempty"`
	Default int32 `json:"default,omitempty"`
}

// GroupReport is one association group and its members.
type GroupReport struct {
	ID       uint8               `json:"id"`
	Label    string              `json:"label,omitempty"`
	MaxNodes uint8               `json:"max_nodes,omitempty"`
	Members  []capability.Target `json:"members"`
}

// Diagnostics builds the report for unit id on the worker, so it never
// observes a half-finished interview step.
func (s *Service) Diagnostics(ctx context.Context, id uint16) (*Diagnostics, error) {
	var d *Diagnostics
	err := s.worker.Do(ctx, func(context.Context) error {
		store := s.dev.Store()
		u, err := store.Units().Get(id)
		if err != nil {
			return err
		}
		t, _ := store.Units().Template(id)
		d = buildDiagnostics(u, t)
		d.DriverID = s.cfg.DriverID
		d.Serial = store.Serial()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.cfg.Fields != nil {
		for _, def := range s.cfg.Fields.UnitFields(id) {
			r, err := s.cfg.Fields.ReadValue(def.ID)
			if err != nil {
				continue
			}
			d.Fields = append(d.Fields, field.Entry{Def: def, Reading: r})
		}
	}
	return d, nil
}

func buildDiagnostics(u *unit.Unit, t *catalog.Template) *Diagnostics {
	d := &Diagnostics{Unit: u}
	if t != nil {
		d.Template = t.Name
	}

	for _, id := range u.Capabilities.IDs() {
		node, _ := u.Capabilities.Get(id)
		rep := CapabilityReport{ID: id, Name: capability.Name(id), Version: node.Version}
		var expected *capability.Descriptor
		if t != nil {
			if e, ok := t.Capabilities.Get(id); ok {
				rep.Expected = e.Version
				expected = &e
			}
		}
		rep.Effective = capability.Negotiate(node, expected).Version
		_, rep.Known = capability.Lookup(id)
		d.Capabilities = append(d.Capabilities, rep)
	}

	numbers := slices.Collect(maps.Keys(u.Params))
	if t != nil {
		for _, n := range t.ParamNumbers() {
			if !slices.Contains(numbers, n) {
				numbers = append(numbers, n)
			}
		}
	}
	slices.Sort(numbers)
	for _, n := range numbers {
		rep := ParamReport{Number: n}
		if pv, ok := u.Params[n]; ok {
			rep.Value, rep.Width, rep.Read = pv.Value, pv.Width, true
		}
		if t != nil {
			if meta, ok := t.Param(n); ok {
				rep.Label, rep.Min, rep.Max, rep.Default = meta.Label, meta.Min, meta.Max, meta.Default
				if !rep.Read {
					rep.Width = meta.Width
				}
			}
		}
		d.Params = append(d.Params, rep)
	}

	for i := 1; i <= int(u.GroupCount); i++ {
		g := uint8(i)
		rep := GroupReport{ID: g, Members: slices.Clone(u.Groups[g])}
		if rep.Members == nil {
			rep.Members = []capability.Target{}
		}
		if t != nil {
			for _, meta := range t.Groups {
				if meta.ID == g {
					rep.Label, rep.MaxNodes = meta.Label, meta.MaxNodes
				}
			}
		}
		d.Groups = append(d.Groups, rep)
	}
	return d
}
