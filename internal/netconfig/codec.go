package netconfig

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
	"github.com/nerrad567/gray-logic-mesh/internal/catalog"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

// FormatVersion is the version of the persisted configuration record.
const FormatVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("netconfig: building CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("netconfig: building CBOR decoder mode: %v", err))
	}
}

// header is decoded on its own first so that an unknown version is rejected
// before the rest of the record is interpreted.
type header struct {
	FormatVersion uint16 `cbor:"1,keyasint"`
}

type record struct {
	FormatVersion uint16       `cbor:"1,keyasint"`
	Serial        uint64       `cbor:"2,keyasint"`
	GroupCount    uint8        `cbor:"3,keyasint"`
	Groups        []string     `cbor:"4,keyasint"`
	Units         []unitRecord `cbor:"5,keyasint"`
}

type unitRecord struct {
	ID           uint16                        `cbor:"1,keyasint"`
	Name         string                        `cbor:"2,keyasint"`
	BasicType    uint8                         `cbor:"3,keyasint"`
	GenericType  uint8                         `cbor:"4,keyasint"`
	SpecificType uint8                         `cbor:"5,keyasint"`
	Listening    bool                          `cbor:"6,keyasint"`
	TemplateKey  *catalog.Signature            `cbor:"7,keyasint,omitempty"`
	Capabilities []capability.Descriptor       `cbor:"8,keyasint"`
	Params       map[uint8]unit.ParamValue     `cbor:"9,keyasint"`
	Groups       map[uint8][]capability.Target `cbor:"10,keyasint"`
	GroupCount   uint8                         `cbor:"11,keyasint"`
}

// Encode serializes snap as a versioned CBOR record. Runtime status (state,
// wake, last seen) is not persisted.
func Encode(snap *Snapshot) ([]byte, error) {
	if len(snap.Groups) == 0 || len(snap.Groups) > MaxGroupCount {
		return nil, fmt.Errorf("%w: %d slots", ErrGroupCountMismatch, len(snap.Groups))
	}

	rec := record{
		FormatVersion: FormatVersion,
		Serial:        snap.Serial,
		GroupCount:    uint8(len(snap.Groups)),
		Groups:        snap.Groups,
		Units:         make([]unitRecord, 0, len(snap.Units)),
	}
	for _, u := range snap.Units {
		ur := unitRecord{
			ID:           u.ID,
			Name:         u.Name,
			BasicType:    u.BasicType,
			GenericType:  u.GenericType,
			SpecificType: u.SpecificType,
			Listening:    u.Listening,
			TemplateKey:  u.TemplateKey,
			Params:       u.Params,
			Groups:       u.Groups,
			GroupCount:   u.GroupCount,
		}
		for _, id := range u.Capabilities.IDs() {
			d, _ := u.Capabilities.Get(id)
			ur.Capabilities = append(ur.Capabilities, d)
		}
		rec.Units = append(rec.Units, ur)
	}

	data, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding configuration: %w", err)
	}
	return data, nil
}

// Decode parses a record produced by Encode. Unknown format versions yield
// ErrUnsupportedFormat; nothing beyond the version is interpreted then.
func Decode(data []byte) (*Snapshot, error) {
	var h header
	if err := decMode.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if h.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: %d (supported: %d)", ErrUnsupportedFormat, h.FormatVersion, FormatVersion)
	}

	var rec record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if int(rec.GroupCount) != len(rec.Groups) {
		return nil, fmt.Errorf("%w: header says %d slots, table has %d", ErrCorrupt, rec.GroupCount, len(rec.Groups))
	}

	snap := &Snapshot{
		Serial: rec.Serial,
		Groups: rec.Groups,
		Units:  make([]*unit.Unit, 0, len(rec.Units)),
	}
	for _, ur := range rec.Units {
		caps, err := capability.NewSet(ur.Capabilities...)
		if err != nil {
			return nil, fmt.Errorf("%w: unit %d: %w", ErrCorrupt, ur.ID, err)
		}
		for n, p := range ur.Params {
			if !capability.ValidWidth(p.Width) {
				return nil, fmt.Errorf("%w: unit %d param %d has width %d", ErrCorrupt, ur.ID, n, p.Width)
			}
		}
		snap.Units = append(snap.Units, &unit.Unit{
			ID:           ur.ID,
			Name:         ur.Name,
			BasicType:    ur.BasicType,
			GenericType:  ur.GenericType,
			SpecificType: ur.SpecificType,
			Listening:    ur.Listening,
			State:        unit.StateDiscovered,
			TemplateKey:  ur.TemplateKey,
			Capabilities: caps,
			Params:       ur.Params,
			Groups:       ur.Groups,
			GroupCount:   ur.GroupCount,
		})
	}
	return snap, nil
}
