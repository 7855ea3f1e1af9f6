package capability

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ControllerNodeID is the node id the controller reports as itself.
const ControllerNodeID = 0x01

// Wake Up commands.
const (
	wakeUpIntervalSet    = 0x04
	wakeUpIntervalGet    = 0x05
	wakeUpIntervalReport = 0x06
	wakeUpNotification   = 0x07
	wakeUpNoMoreInfo     = 0x08
)

// IsWakeUpNotification reports whether cmd is a wake-up notification.
func IsWakeUpNotification(cmd []byte) bool {
	return len(cmd) >= 2 && ID(cmd[0]) == WakeUp && cmd[1] == wakeUpNotification
}

// WakeUpNoMoreInformation tells a sleeping node it may go back to sleep.
func WakeUpNoMoreInformation() []byte {
	return []byte{byte(WakeUp), wakeUpNoMoreInfo}
}

// Version commands.
const (
	versionCommandClassGet    = 0x13
	versionCommandClassReport = 0x14
)

// VersionCommandClassGet asks a node which version of class id it implements.
func VersionCommandClassGet(id ID) []byte {
	return []byte{byte(Version), versionCommandClassGet, byte(id)}
}

// ParseVersionCommandClassReport decodes a command class version report.
func ParseVersionCommandClassReport(cmd []byte) (ID, uint8, error) {
	if len(cmd) < 4 || ID(cmd[0]) != Version || cmd[1] != versionCommandClassReport {
		return 0, 0, fmt.Errorf("%w: version command class report", ErrMalformed)
	}
	return ID(cmd[2]), cmd[3], nil
}

// Manufacturer Specific commands.
const (
	manufacturerGet    = 0x04
	manufacturerReport = 0x05
)

// ManufacturerGet requests the vendor/product signature.
func ManufacturerGet() []byte {
	return []byte{byte(ManufacturerSpecific), manufacturerGet}
}

// ParseManufacturerReport returns vendor id, product type and product id.
func ParseManufacturerReport(cmd []byte) (vendor, productType, productID uint16, err error) {
	if len(cmd) < 8 || ID(cmd[0]) != ManufacturerSpecific || cmd[1] != manufacturerReport {
		return 0, 0, 0, fmt.Errorf("%w: manufacturer specific report", ErrMalformed)
	}
	return binary.BigEndian.Uint16(cmd[2:4]), binary.BigEndian.Uint16(cmd[4:6]), binary.BigEndian.Uint16(cmd[6:8]), nil
}

// Configuration commands.
const (
	configurationSet    = 0x04
	configurationGet    = 0x05
	configurationReport = 0x06
)

// ValidWidth reports whether w is a legal parameter byte width.
func ValidWidth(w uint8) bool { return w == 1 || w == 2 || w == 4 }

// FitsWidth reports whether v can be encoded as a signed integer of w bytes.
func FitsWidth(v int32, w uint8) bool {
	switch w {
	case 1:
		return v >= math.MinInt8 && v <= math.MaxInt8
	case 2:
		return v >= math.MinInt16 && v <= math.MaxInt16
	case 4:
		return true
	default:
		return false
	}
}

// ConfigurationGet requests the value of parameter number.
func ConfigurationGet(number uint8) []byte {
	return []byte{byte(Configuration), configurationGet, number}
}

// ConfigurationSet encodes a parameter write of value using width bytes.
func ConfigurationSet(number, width uint8, value int32) ([]byte, error) {
	if !ValidWidth(width) || !FitsWidth(value, width) {
		return nil, fmt.Errorf("%w: value %d does not fit %d bytes", ErrOutOfRange, value, width)
	}
	cmd := []byte{byte(Configuration), configurationSet, number, width & 0x07}
	return append(cmd, putSigned(value, width)...), nil
}

// ParseConfigurationReport decodes a parameter report.
func ParseConfigurationReport(cmd []byte) (number, width uint8, value int32, err error) {
	if len(cmd) < 5 || ID(cmd[0]) != Configuration || cmd[1] != configurationReport {
		return 0, 0, 0, fmt.Errorf("%w: configuration report", ErrMalformed)
	}
	number, width = cmd[2], cmd[3]&0x07
	if !ValidWidth(width) || len(cmd) < 4+int(width) {
		return 0, 0, 0, fmt.Errorf("%w: configuration report width %d", ErrMalformed, width)
	}
	return number, width, getSigned(cmd[4 : 4+int(width)]), nil
}

// Association commands (shared by the multi channel variant).
const (
	assocSet             = 0x01
	assocGet             = 0x02
	assocReport          = 0x03
	assocRemove          = 0x04
	assocGroupingsGet    = 0x05
	assocGroupingsReport = 0x06

	multiChannelMarker = 0x00
)

// Target is an association destination. Endpoint 0 addresses the node itself.
type Target struct {
	Node     uint16 `json:"node" cbor:"1,keyasint"`
	Endpoint uint8  `json:"endpoint,omitempty" cbor:"2,keyasint,omitempty"`
}

// AssociationGroupingsGet asks how many groups a node supports.
func AssociationGroupingsGet() []byte {
	return []byte{byte(Association), assocGroupingsGet}
}

// ParseAssociationGroupingsReport returns the supported group count.
func ParseAssociationGroupingsReport(cmd []byte) (uint8, error) {
	if len(cmd) < 3 || ID(cmd[0]) != Association || cmd[1] != assocGroupingsReport {
		return 0, fmt.Errorf("%w: association groupings report", ErrMalformed)
	}
	return cmd[2], nil
}

// AssociationSet adds t to group. Targets with an endpoint need the multi
// channel class at version 2 or later.
func AssociationSet(group uint8, t Target, mcaVersion uint8) ([]byte, error) {
	return assocCommand(assocSet, group, t, mcaVersion)
}

// AssociationRemove removes t from group.
func AssociationRemove(group uint8, t Target, mcaVersion uint8) ([]byte, error) {
	return assocCommand(assocRemove, group, t, mcaVersion)
}

func assocCommand(cmd, group uint8, t Target, mcaVersion uint8) ([]byte, error) {
	if t.Endpoint == 0 {
		return []byte{byte(Association), cmd, group, byte(t.Node)}, nil
	}
	if mcaVersion < 2 {
		return nil, fmt.Errorf("%w: endpoint %d needs multi channel association v2, node has v%d", ErrUnsupported, t.Endpoint, mcaVersion)
	}
	return []byte{byte(MultiChannelAssociation), cmd, group, multiChannelMarker, byte(t.Node), t.Endpoint}, nil
}

// AssociationGet requests the members of group. With multi channel support
// the report includes endpoint targets.
func AssociationGet(group uint8, multiChannel bool) []byte {
	if multiChannel {
		return []byte{byte(MultiChannelAssociation), assocGet, group}
	}
	return []byte{byte(Association), assocGet, group}
}

// ParseAssociationReport decodes an association or multi channel
// association report into its group, capacity and targets.
func ParseAssociationReport(cmd []byte) (group, maxNodes uint8, targets []Target, err error) {
	if len(cmd) < 5 || cmd[1] != assocReport {
		return 0, 0, nil, fmt.Errorf("%w: association report", ErrMalformed)
	}
	id := ID(cmd[0])
	if id != Association && id != MultiChannelAssociation {
		return 0, 0, nil, fmt.Errorf("%w: association report class %s", ErrMalformed, id)
	}
	group, maxNodes = cmd[2], cmd[3]
	// cmd[4] is "reports to follow".
	rest := cmd[5:]
	i := 0
	for ; i < len(rest); i++ {
		if id == MultiChannelAssociation && rest[i] == multiChannelMarker {
			i++
			break
		}
		targets = append(targets, Target{Node: uint16(rest[i])})
	}
	if id == MultiChannelAssociation {
		for ; i+1 < len(rest); i += 2 {
			targets = append(targets, Target{Node: uint16(rest[i]), Endpoint: rest[i+1]})
		}
	}
	return group, maxNodes, targets, nil
}

// encodeScaled encodes v as precision/scale/size followed by a signed value
// with one decimal place.
func encodeScaled(v float64, scale uint8) []byte {
	const precision = 1
	n := int32(math.Round(v * 10))
	size := uint8(2)
	if n < math.MinInt16 || n > math.MaxInt16 {
		size = 4
	}
	return append([]byte{precision<<5 | (scale&0x03)<<3 | size}, putSigned(n, size)...)
}

// decodeScaled decodes a precision/scale/size value.
func decodeScaled(b []byte) (float64, uint8, error) {
	if len(b) < 1 {
		return 0, 0, fmt.Errorf("%w: missing scale byte", ErrMalformed)
	}
	precision := b[0] >> 5
	scale := (b[0] >> 3) & 0x03
	size := b[0] & 0x07
	if !ValidWidth(size) || len(b) < 1+int(size) {
		return 0, 0, fmt.Errorf("%w: scaled value size %d", ErrMalformed, size)
	}
	raw := getSigned(b[1 : 1+int(size)])
	return float64(raw) / math.Pow10(int(precision)), scale, nil
}

func putSigned(v int32, width uint8) []byte {
	switch width {
	case 1:
		return []byte{byte(int8(v))}
	case 2:
		return binary.BigEndian.AppendUint16(nil, uint16(int16(v)))
	default:
		return binary.BigEndian.AppendUint32(nil, uint32(v))
	}
}

func getSigned(b []byte) int32 {
	switch len(b) {
	case 1:
		return int32(int8(b[0]))
	case 2:
		return int32(int16(binary.BigEndian.Uint16(b)))
	default:
		return int32(binary.BigEndian.Uint32(b))
	}
}
