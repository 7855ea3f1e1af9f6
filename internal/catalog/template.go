package catalog

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
)

// Signature identifies a product: vendor id, product type and product id.
type Signature struct {
	Vendor      uint16 `json:"vendor" cbor:"1,keyasint"`
	ProductType uint16 `json:"product_type" cbor:"2,keyasint"`
	ProductID   uint16 `json:"product_id" cbor:"3,keyasint"`
}

// String formats the signature as "vvvv:tttt:pppp" in hex.
func (s Signature) String() string {
	return fmt.Sprintf("%04x:%04x:%04x", s.Vendor, s.ProductType, s.ProductID)
}

// FileName returns the template file name for s.
func (s Signature) FileName() string {
	return fmt.Sprintf("%04x-%04x-%04x.yaml", s.Vendor, s.ProductType, s.ProductID)
}

// ParseSignature parses "vvvv:tttt:pppp" (":" or "-" separated, hex).
func ParseSignature(s string) (Signature, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '-' })
	if len(parts) != 3 {
		return Signature{}, fmt.Errorf("%w: signature %q", ErrInvalidTemplate, s)
	}
	var out [3]uint16
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimPrefix(p, "0x"), 16, 16)
		if err != nil {
			return Signature{}, fmt.Errorf("%w: signature %q: %w", ErrInvalidTemplate, s, err)
		}
		out[i] = uint16(n)
	}
	return Signature{Vendor: out[0], ProductType: out[1], ProductID: out[2]}, nil
}

// GroupMeta describes one association group a product advertises.
type GroupMeta struct {
	ID       uint8  `json:"id" yaml:"id"`
	Label    string `json:"label" yaml:"label"`
	MaxNodes uint8  `json:"max_nodes" yaml:"max_nodes"`
}

// ParamMeta describes one configuration parameter.
type ParamMeta struct {
	Number    uint8  `json:"number" yaml:"number"`
	Width     uint8  `json:"width" yaml:"width"`
	Label     string `json:"label" yaml:"label"`
	Min       int32  `json:"min" yaml:"min"`
	Max       int32  `json:"max" yaml:"max"`
	Default   int32  `json:"default" yaml:"default"`
	Semantics string `json:"semantics,omitempty" yaml:"semantics"`
}

// Template is a device info template. Templates returned by the catalog are
// shared and must not be modified.
type Template struct {
	Signature    Signature           `json:"signature"`
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	Capabilities capability.Set      `json:"capabilities"`
	Groups       []GroupMeta         `json:"groups"`
	Parameters   map[uint8]ParamMeta `json:"parameters"`
}

// GroupCount returns the number of association groups the product advertises.
func (t *Template) GroupCount() uint8 {
	var n uint8
	for _, g := range t.Groups {
		n = max(n, g.ID)
	}
	return n
}

// Param returns the metadata for parameter number.
func (t *Template) Param(number uint8) (ParamMeta, bool) {
	p, ok := t.Parameters[number]
	return p, ok
}

// ParamNumbers returns the declared parameter numbers in ascending order.
func (t *Template) ParamNumbers() []uint8 {
	return slices.Sorted(maps.Keys(t.Parameters))
}

// Validate checks the template's internal consistency.
func (t *Template) Validate() error {
	var errs []string

	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, "name is required")
	}
	if len(t.Capabilities) == 0 {
		errs = append(errs, "at least one capability is required")
	}
	seen := make(map[uint8]bool)
	for _, g := range t.Groups {
		if g.ID == 0 {
			errs = append(errs, "group id 0 is reserved")
		}
		if seen[g.ID] {
			errs = append(errs, fmt.Sprintf("group %d declared twice", g.ID))
		}
		seen[g.ID] = true
	}
	for num, p := range t.Parameters {
		if num != p.Number {
			errs = append(errs, fmt.Sprintf("parameter %d keyed as %d", p.Number, num))
		}
		if !capability.ValidWidth(p.Width) {
			errs = append(errs, fmt.Sprintf("parameter %d: width %d not in {1,2,4}", num, p.Width))
			continue
		}
		if p.Min > p.Max {
			errs = append(errs, fmt.Sprintf("parameter %d: min %d above max %d", num, p.Min, p.Max))
		}
		if !capability.FitsWidth(p.Min, p.Width) || !capability.FitsWidth(p.Max, p.Width) {
			errs = append(errs, fmt.Sprintf("parameter %d: range does not fit %d bytes", num, p.Width))
		}
		if p.Default < p.Min || p.Default > p.Max {
			errs = append(errs, fmt.Sprintf("parameter %d: default %d outside range", num, p.Default))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s: %s", ErrInvalidTemplate, t.Signature, strings.Join(errs, "; "))
	}
	return nil
}

// templateFile is the on-disk YAML layout.
type templateFile struct {
	Signature    string                  `yaml:"signature"`
	Name         string                  `yaml:"name"`
	Description  string                  `yaml:"description"`
	Capabilities []capability.Descriptor `yaml:"capabilities"`
	Groups       []GroupMeta             `yaml:"groups"`
	Parameters   []ParamMeta             `yaml:"parameters"`
}

// Parse decodes and validates a YAML template. If the file carries a
// signature it must match want.
func Parse(want Signature, data []byte) (*Template, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidTemplate, want, err)
	}

	if f.Signature != "" {
		sig, err := ParseSignature(f.Signature)
		if err != nil {
			return nil, err
		}
		if sig != want {
			return nil, fmt.Errorf("%w: file declares %s, expected %s", ErrInvalidTemplate, sig, want)
		}
	}

	caps, err := capability.NewSet(f.Capabilities...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidTemplate, want, err)
	}

	t := &Template{
		Signature:    want,
		Name:         f.Name,
		Description:  f.Description,
		Capabilities: caps,
		Groups:       f.Groups,
		Parameters:   make(map[uint8]ParamMeta, len(f.Parameters)),
	}
	for _, p := range f.Parameters {
		if _, dup := t.Parameters[p.Number]; dup {
			return nil, fmt.Errorf("%w: %s: parameter %d declared twice", ErrInvalidTemplate, want, p.Number)
		}
		t.Parameters[p.Number] = p
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
