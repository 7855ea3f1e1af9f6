package field

import (
	"fmt"
	"strings"
)

// ID identifies a registered field within one driver session.
// IDs are assigned sequentially from 1 by RegisterFields.
type ID uint32

// Kind is the data type of a field.
type Kind uint8

// Field kinds.
const (
	KindBool Kind = iota + 1
	KindInt
	KindFloat
	KindString
	KindStringList
	KindTime
)

var kindNames = map[Kind]string{
	KindBool:       "bool",
	KindInt:        "int",
	KindFloat:      "float",
	KindString:     "string",
	KindStringList: "string_list",
	KindTime:       "time",
}

// String returns the lower-case kind name.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind converts a kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == strings.ToLower(s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidDef, s)
}

// Access describes whether a field can be read, written or both.
type Access uint8

// Access modes.
const (
	AccessRead Access = 1 << iota
	AccessWrite

	AccessReadWrite = AccessRead | AccessWrite
)

// CanRead reports whether the field can be read.
func (a Access) CanRead() bool { return a&AccessRead != 0 }

// CanWrite reports whether the field can be written.
func (a Access) CanWrite() bool { return a&AccessWrite != 0 }

// String returns "r", "w" or "rw".
func (a Access) String() string {
	switch a {
	case AccessRead:
		return "r"
	case AccessWrite:
		return "w"
	case AccessReadWrite:
		return "rw"
	default:
		return "none"
	}
}

// Flags qualify a field's access.
type Flags uint8

// Access qualifiers.
const (
	// FlagNoReadWhileWrite marks fields whose device cannot answer a read
	// while a write to the same field is pending.
	FlagNoReadWhileWrite Flags = 1 << iota

	// FlagNonPersistent marks values that are not retained by the device
	// across power cycles.
	FlagNonPersistent

	// FlagPollable marks fields refreshed by the periodic poll.
	FlagPollable
)

// Has reports whether all bits in f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Semantic tags describe what a field means independently of its name.
type Semantic string

// Known semantic tags.
const (
	SemNone          Semantic = ""
	SemCurrentTemp   Semantic = "current_temperature"
	SemSetpoint      Semantic = "setpoint"
	SemPowerState    Semantic = "power_state"
	SemLevel         Semantic = "level"
	SemBatteryLevel  Semantic = "battery_level"
	SemLuminance     Semantic = "luminance"
	SemHumidity      Semantic = "humidity"
	SemPower         Semantic = "power"
	SemDriverStatus  Semantic = "driver_status"
	SemGenericSensor Semantic = "sensor"
	SemRawCapability Semantic = "raw_capability"
)

// Def is an immutable field definition.
type Def struct {
	// ID is assigned by RegisterFields; any value set by the caller is ignored.
	ID ID `json:"id"`

	// Name is unique within a driver session (e.g. "node003.temperature").
	Name string `json:"name"`

	Kind     Kind     `json:"kind"`
	Access   Access   `json:"access"`
	Flags    Flags    `json:"flags,omitempty"`
	Semantic Semantic `json:"semantic,omitempty"`

	// Limits is an optional range, enum or boolean expression.
	Limits string `json:"limits,omitempty"`

	// UnitID is the node the field belongs to; 0 for driver-level fields.
	UnitID uint16 `json:"unit_id,omitempty"`

	// Capability is the protocol class id the field was derived from.
	Capability uint8 `json:"capability,omitempty"`

	// Key names the data point within the capability (e.g. "temperature").
	Key string `json:"key,omitempty"`
}

// validate checks a definition before registration.
func (d Def) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDef)
	}
	if _, ok := kindNames[d.Kind]; !ok {
		return fmt.Errorf("%w: %s: invalid kind %d", ErrInvalidDef, d.Name, d.Kind)
	}
	if !d.Access.CanRead() && !d.Access.CanWrite() {
		return fmt.Errorf("%w: %s: no access", ErrInvalidDef, d.Name)
	}
	return nil
}
