package capability

import (
	"encoding/hex"
	"fmt"

	"github.com/nerrad567/gray-logic-mesh/internal/field"
)

// Point is one data point a capability exposes at a given version.
type Point struct {
	Key      string
	Kind     field.Kind
	Access   field.Access
	Flags    field.Flags
	Semantic field.Semantic
	Limits   string
}

// Sample is a decoded value for one point.
type Sample struct {
	Key   string
	Value field.Value
}

// Handler implements one command class.
type Handler interface {
	ID() ID
	Name() string

	// MaxVersion is the highest version this handler implements.
	MaxVersion() uint8

	// Verbs returns the operations available at version.
	Verbs(version uint8) Verb

	// Points returns the data points exposed at version. Management classes
	// (association, version, ...) expose none.
	Points(version uint8) []Point

	// GetCommands returns the requests that refresh every point.
	GetCommands(version uint8) [][]byte

	// SetCommand encodes a write of v to point key.
	SetCommand(version uint8, key string, v field.Value) ([]byte, error)

	// Decode turns a report into samples. Commands that are not reports for
	// this class yield no samples and no error.
	Decode(version uint8, cmd []byte) ([]Sample, error)
}

var registry = map[ID]Handler{}

// register adds a handler to the closed registry. Called from init only.
func register(h Handler) {
	if _, dup := registry[h.ID()]; dup {
		panic(fmt.Sprintf("capability: handler %s registered twice", h.ID()))
	}
	registry[h.ID()] = h
}

// Lookup returns the handler for id.
func Lookup(id ID) (Handler, bool) {
	h, ok := registry[id]
	return h, ok
}

// HandlerFor returns the handler for id, or the raw handler if id is unknown.
func HandlerFor(id ID) Handler {
	if h, ok := registry[id]; ok {
		return h
	}
	return Raw(id)
}

// Name returns a readable name for id.
func Name(id ID) string {
	return HandlerFor(id).Name()
}

// FieldName returns the field name of point key on a unit.
func FieldName(unitID uint16, key string) string {
	return fmt.Sprintf("node%03d.%s", unitID, key)
}

// FieldsFor translates a unit's capability set into field definitions.
//
// With a template (expected != nil) each known capability is negotiated
// against the template's version and typed through its handler. Without one,
// or for ids that have no handler, each capability becomes a raw field.
// The result is ordered by capability id.
func FieldsFor(unitID uint16, set Set, expected Set) []field.Def {
	var defs []field.Def
	for _, id := range set.IDs() {
		node := set[id]

		h, known := Lookup(id)
		if expected == nil || !known {
			if known && len(h.Points(node.Version)) == 0 {
				continue
			}
			defs = append(defs, pointDef(unitID, id, rawPoint(id)))
			continue
		}

		var want *Descriptor
		if d, ok := expected[id]; ok {
			want = &d
		}
		eff := Negotiate(node, want)
		for _, p := range h.Points(eff.Version) {
			defs = append(defs, pointDef(unitID, id, p))
		}
	}
	return defs
}

func pointDef(unitID uint16, id ID, p Point) field.Def {
	return field.Def{
		Name:       FieldName(unitID, p.Key),
		Kind:       p.Kind,
		Access:     p.Access,
		Flags:      p.Flags,
		Semantic:   p.Semantic,
		Limits:     p.Limits,
		UnitID:     unitID,
		Capability: uint8(id),
		Key:        p.Key,
	}
}

// RawKey returns the point key used for raw access to id.
func RawKey(id ID) string { return fmt.Sprintf("raw_0x%02x", uint8(id)) }

func rawPoint(id ID) Point {
	return Point{
		Key:      RawKey(id),
		Kind:     field.KindString,
		Access:   field.AccessReadWrite,
		Semantic: field.SemRawCapability,
	}
}

// rawHandler passes hex-encoded payloads through untouched.
type rawHandler struct{ id ID }

// Raw returns the untyped handler for id.
func Raw(id ID) Handler { return rawHandler{id: id} }

func (r rawHandler) ID() ID                   { return r.id }
func (r rawHandler) Name() string             { return "raw " + r.id.String() }
func (rawHandler) MaxVersion() uint8          { return 255 }
func (rawHandler) Verbs(uint8) Verb           { return VerbSet | VerbReport }
func (r rawHandler) Points(uint8) []Point     { return []Point{rawPoint(r.id)} }
func (rawHandler) GetCommands(uint8) [][]byte { return nil }

// SetCommand decodes v as hex and prefixes the class id.
func (r rawHandler) SetCommand(_ uint8, key string, v field.Value) ([]byte, error) {
	if key != RawKey(r.id) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	payload, err := hex.DecodeString(v.AsString())
	if err != nil {
		return nil, fmt.Errorf("%w: raw payload: %w", field.ErrKindMismatch, err)
	}
	return append([]byte{byte(r.id)}, payload...), nil
}

// Decode hex-encodes everything after the class id.
func (r rawHandler) Decode(_ uint8, cmd []byte) ([]Sample, error) {
	if len(cmd) < 1 || ID(cmd[0]) != r.id {
		return nil, nil
	}
	return []Sample{{Key: RawKey(r.id), Value: field.String(hex.EncodeToString(cmd[1:]))}}, nil
}

// Decode routes a command to the handler of its class.
func Decode(version uint8, cmd []byte) ([]Sample, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrMalformed)
	}
	return HandlerFor(ID(cmd[0])).Decode(version, cmd)
}
