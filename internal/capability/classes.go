package capability

import (
	"fmt"

	"github.com/nerrad567/gray-logic-mesh/internal/field"
)

// Known command classes.
const (
	Basic                   ID = 0x20
	SwitchBinary            ID = 0x25
	SwitchMultilevel        ID = 0x26
	SensorMultilevel        ID = 0x31
	ThermostatSetpoint      ID = 0x43
	Configuration           ID = 0x70
	ManufacturerSpecific    ID = 0x72
	Battery                 ID = 0x80
	WakeUp                  ID = 0x84
	Association             ID = 0x85
	Version                 ID = 0x86
	MultiChannelAssociation ID = 0x8E
)

// Command ids shared by most value classes.
const (
	cmdSet    = 0x01
	cmdGet    = 0x02
	cmdReport = 0x03
)

// classHandler is a Handler assembled from per-class functions. Nil functions
// mean the class has no such operation.
type classHandler struct {
	id     ID
	name   string
	max    uint8
	verbs  func(version uint8) Verb
	points func(version uint8) []Point
	get    func(version uint8) [][]byte
	set    func(version uint8, key string, v field.Value) ([]byte, error)
	decode func(version uint8, cmd []byte) ([]Sample, error)
}

func (h *classHandler) ID() ID            { return h.id }
func (h *classHandler) Name() string      { return h.name }
func (h *classHandler) MaxVersion() uint8 { return h.max }

func (h *classHandler) Verbs(version uint8) Verb {
	return h.verbs(version)
}

func (h *classHandler) Points(version uint8) []Point {
	if h.points == nil {
		return nil
	}
	return h.points(version)
}

func (h *classHandler) GetCommands(version uint8) [][]byte {
	if h.get == nil {
		return nil
	}
	return h.get(version)
}

func (h *classHandler) SetCommand(version uint8, key string, v field.Value) ([]byte, error) {
	if h.set == nil || !h.Verbs(version).Has(VerbSet) {
		return nil, fmt.Errorf("%w: %s has no set at v%d", ErrUnsupported, h.name, version)
	}
	return h.set(version, key, v)
}

func (h *classHandler) Decode(version uint8, cmd []byte) ([]Sample, error) {
	if h.decode == nil || len(cmd) < 2 || ID(cmd[0]) != h.id {
		return nil, nil
	}
	return h.decode(version, cmd)
}

func fixed(v Verb) func(uint8) Verb { return func(uint8) Verb { return v } }

func onePoint(p Point) func(uint8) []Point { return func(uint8) []Point { return []Point{p} } }

func oneGet(cmd ...byte) func(uint8) [][]byte {
	return func(uint8) [][]byte { return [][]byte{cmd} }
}

func checkKey(key, want string) error {
	if key != want {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return nil
}

func init() {
	register(&classHandler{
		id:     Basic,
		name:   "basic",
		max:    2,
		verbs:  fixed(VerbGet | VerbSet | VerbReport),
		points: onePoint(Point{Key: "basic", Kind: field.KindInt, Access: field.AccessReadWrite, Flags: field.FlagPollable, Semantic: field.SemLevel, Limits: "range:0,255"}),
		get:    oneGet(byte(Basic), cmdGet),
		set: func(_ uint8, key string, v field.Value) ([]byte, error) {
			if err := checkKey(key, "basic"); err != nil {
				return nil, err
			}
			return []byte{byte(Basic), cmdSet, byte(v.AsInt())}, nil
		},
		decode: func(_ uint8, cmd []byte) ([]Sample, error) {
			if cmd[1] != cmdReport {
				return nil, nil
			}
			if len(cmd) < 3 {
				return nil, fmt.Errorf("%w: basic report", ErrMalformed)
			}
			return []Sample{{Key: "basic", Value: field.Int(int64(cmd[2]))}}, nil
		},
	})

	register(&classHandler{
		id:     SwitchBinary,
		name:   "switch_binary",
		max:    2,
		verbs:  fixed(VerbGet | VerbSet | VerbReport),
		points: onePoint(Point{Key: "switch", Kind: field.KindBool, Access: field.AccessReadWrite, Flags: field.FlagPollable, Semantic: field.SemPowerState}),
		get:    oneGet(byte(SwitchBinary), cmdGet),
		set: func(_ uint8, key string, v field.Value) ([]byte, error) {
			if err := checkKey(key, "switch"); err != nil {
				return nil, err
			}
			b := byte(0x00)
			if v.AsBool() {
				b = 0xFF
			}
			return []byte{byte(SwitchBinary), cmdSet, b}, nil
		},
		decode: func(_ uint8, cmd []byte) ([]Sample, error) {
			if cmd[1] != cmdReport {
				return nil, nil
			}
			if len(cmd) < 3 {
				return nil, fmt.Errorf("%w: switch binary report", ErrMalformed)
			}
			if cmd[2] == 0xFE { // unknown state
				return nil, nil
			}
			return []Sample{{Key: "switch", Value: field.Bool(cmd[2] != 0)}}, nil
		},
	})

	register(&classHandler{
		id:    SwitchMultilevel,
		name:  "switch_multilevel",
		max:   4,
		verbs: fixed(VerbGet | VerbSet | VerbReport),
		points: func(version uint8) []Point {
			ps := []Point{{Key: "level", Kind: field.KindInt, Access: field.AccessReadWrite, Flags: field.FlagPollable, Semantic: field.SemLevel, Limits: "range:0,99"}}
			if version >= 4 {
				ps = append(ps, Point{Key: "target_level", Kind: field.KindInt, Access: field.AccessRead})
			}
			return ps
		},
		get: oneGet(byte(SwitchMultilevel), cmdGet),
		set: func(version uint8, key string, v field.Value) ([]byte, error) {
			if err := checkKey(key, "level"); err != nil {
				return nil, err
			}
			cmd := []byte{byte(SwitchMultilevel), cmdSet, byte(v.AsInt())}
			if version >= 2 {
				cmd = append(cmd, 0xFF) // factory default duration
			}
			return cmd, nil
		},
		decode: func(version uint8, cmd []byte) ([]Sample, error) {
			if cmd[1] != cmdReport {
				return nil, nil
			}
			if len(cmd) < 3 {
				return nil, fmt.Errorf("%w: switch multilevel report", ErrMalformed)
			}
			var out []Sample
			if lvl, ok := multilevel(cmd[2]); ok {
				out = append(out, Sample{Key: "level", Value: field.Int(lvl)})
			}
			if version >= 4 && len(cmd) >= 4 {
				if lvl, ok := multilevel(cmd[3]); ok {
					out = append(out, Sample{Key: "target_level", Value: field.Int(lvl)})
				}
			}
			return out, nil
		},
	})

	register(&classHandler{
		id:    SensorMultilevel,
		name:  "sensor_multilevel",
		max:   5,
		verbs: fixed(VerbGet | VerbReport),
		points: func(version uint8) []Point {
			ps := []Point{sensorPoint(sensorTemperature)}
			if version >= 2 {
				ps = append(ps, sensorPoint(sensorLuminance), sensorPoint(sensorPower), sensorPoint(sensorHumidity))
			}
			return ps
		},
		get: func(version uint8) [][]byte {
			if version < 5 {
				return [][]byte{{byte(SensorMultilevel), 0x04}}
			}
			var out [][]byte
			for _, st := range []byte{sensorTemperature, sensorLuminance, sensorPower, sensorHumidity} {
				out = append(out, []byte{byte(SensorMultilevel), 0x04, st, 0x00})
			}
			return out
		},
		decode: func(version uint8, cmd []byte) ([]Sample, error) {
			if cmd[1] != 0x05 {
				return nil, nil
			}
			if len(cmd) < 4 {
				return nil, fmt.Errorf("%w: sensor multilevel report", ErrMalformed)
			}
			key, ok := sensorKeys[cmd[2]]
			if !ok || (version < 2 && cmd[2] != sensorTemperature) {
				return nil, nil
			}
			v, _, err := decodeScaled(cmd[3:])
			if err != nil {
				return nil, err
			}
			return []Sample{{Key: key, Value: field.Float(v)}}, nil
		},
	})

	register(&classHandler{
		id:     ThermostatSetpoint,
		name:   "thermostat_setpoint",
		max:    3,
		verbs:  fixed(VerbGet | VerbSet | VerbReport),
		points: onePoint(Point{Key: "setpoint", Kind: field.KindFloat, Access: field.AccessReadWrite, Flags: field.FlagPollable, Semantic: field.SemSetpoint, Limits: "range:5,35"}),
		get:    oneGet(byte(ThermostatSetpoint), cmdGet, setpointHeating),
		set: func(_ uint8, key string, v field.Value) ([]byte, error) {
			if err := checkKey(key, "setpoint"); err != nil {
				return nil, err
			}
			return append([]byte{byte(ThermostatSetpoint), cmdSet, setpointHeating}, encodeScaled(v.AsFloat(), 0)...), nil
		},
		decode: func(_ uint8, cmd []byte) ([]Sample, error) {
			if cmd[1] != cmdReport {
				return nil, nil
			}
			if len(cmd) < 4 {
				return nil, fmt.Errorf("%w: setpoint report", ErrMalformed)
			}
			if cmd[2]&0x0F != setpointHeating {
				return nil, nil
			}
			v, _, err := decodeScaled(cmd[3:])
			if err != nil {
				return nil, err
			}
			return []Sample{{Key: "setpoint", Value: field.Float(v)}}, nil
		},
	})

	register(&classHandler{
		id:     Battery,
		name:   "battery",
		max:    1,
		verbs:  fixed(VerbGet | VerbReport),
		points: onePoint(Point{Key: "battery", Kind: field.KindInt, Access: field.AccessRead, Flags: field.FlagPollable, Semantic: field.SemBatteryLevel}),
		get:    oneGet(byte(Battery), cmdGet),
		decode: func(_ uint8, cmd []byte) ([]Sample, error) {
			if cmd[1] != cmdReport {
				return nil, nil
			}
			if len(cmd) < 3 {
				return nil, fmt.Errorf("%w: battery report", ErrMalformed)
			}
			level := int64(cmd[2])
			if cmd[2] == 0xFF { // low battery warning
				level = 0
			}
			return []Sample{{Key: "battery", Value: field.Int(level)}}, nil
		},
	})

	register(&classHandler{
		id:     WakeUp,
		name:   "wake_up",
		max:    2,
		verbs:  fixed(VerbGet | VerbSet | VerbReport),
		points: onePoint(Point{Key: "wakeup_interval", Kind: field.KindInt, Access: field.AccessReadWrite, Flags: field.FlagNoReadWhileWrite, Limits: "range:0,16777215"}),
		get:    oneGet(byte(WakeUp), wakeUpIntervalGet),
		set: func(_ uint8, key string, v field.Value) ([]byte, error) {
			if err := checkKey(key, "wakeup_interval"); err != nil {
				return nil, err
			}
			s := uint32(v.AsInt())
			return []byte{byte(WakeUp), wakeUpIntervalSet, byte(s >> 16), byte(s >> 8), byte(s), ControllerNodeID}, nil
		},
		decode: func(_ uint8, cmd []byte) ([]Sample, error) {
			if cmd[1] != wakeUpIntervalReport {
				return nil, nil
			}
			if len(cmd) < 5 {
				return nil, fmt.Errorf("%w: wake up interval report", ErrMalformed)
			}
			s := int64(cmd[2])<<16 | int64(cmd[3])<<8 | int64(cmd[4])
			return []Sample{{Key: "wakeup_interval", Value: field.Int(s)}}, nil
		},
	})

	// Management classes expose no points; the driver uses the encoders in
	// management.go directly.
	register(&classHandler{id: Configuration, name: "configuration", max: 1, verbs: fixed(VerbGet | VerbSet | VerbReport)})
	register(&classHandler{id: ManufacturerSpecific, name: "manufacturer_specific", max: 2, verbs: fixed(VerbGet | VerbReport)})
	register(&classHandler{id: Association, name: "association", max: 2, verbs: fixed(VerbGet | VerbSet | VerbReport)})
	register(&classHandler{id: Version, name: "version", max: 3, verbs: fixed(VerbGet | VerbReport)})
	register(&classHandler{id: MultiChannelAssociation, name: "multi_channel_association", max: 3, verbs: fixed(VerbGet | VerbSet | VerbReport)})
}

// multilevel maps a multilevel switch report byte to 0..99.
func multilevel(b byte) (int64, bool) {
	switch {
	case b <= 99:
		return int64(b), true
	case b == 0xFF:
		return 99, true
	default:
		return 0, false
	}
}

const setpointHeating = 0x01

// Sensor types.
const (
	sensorTemperature = 0x01
	sensorLuminance   = 0x03
	sensorPower       = 0x04
	sensorHumidity    = 0x05
)

var sensorKeys = map[byte]string{
	sensorTemperature: "temperature",
	sensorLuminance:   "luminance",
	sensorPower:       "power",
	sensorHumidity:    "humidity",
}

var sensorSemantics = map[byte]field.Semantic{
	sensorTemperature: field.SemCurrentTemp,
	sensorLuminance:   field.SemLuminance,
	sensorPower:       field.SemPower,
	sensorHumidity:    field.SemHumidity,
}

func sensorPoint(t byte) Point {
	return Point{Key: sensorKeys[t], Kind: field.KindFloat, Access: field.AccessRead, Flags: field.FlagPollable, Semantic: sensorSemantics[t]}
}
