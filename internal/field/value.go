package field

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"
)

// Value is a field value tagged by kind. The zero Value has no kind and is
// what a reading holds before the first good value is stored.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	list []string
	t    time.Time
}

// Bool returns a KindBool value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Int returns a KindInt value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a KindFloat value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// String returns a KindString value.
func String(v string) Value { return Value{kind: KindString, s: v} }

// StringList returns a KindStringList value holding a copy of v.
func StringList(v []string) Value { return Value{kind: KindStringList, list: slices.Clone(v)} }

// Time returns a KindTime value.
func Time(v time.Time) Value { return Value{kind: KindTime, t: v} }

// Kind returns the value's kind, or 0 for the zero Value.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v has never been set.
func (v Value) IsZero() bool { return v.kind == 0 }

// AsBool returns the boolean payload.
func (v Value) AsBool() bool { return v.b }

// AsInt returns the integer payload.
func (v Value) AsInt() int64 { return v.i }

// AsFloat returns the float payload. Int values are converted.
func (v Value) AsFloat() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// AsString returns the string payload.
func (v Value) AsString() string { return v.s }

// AsStringList returns a copy of the list payload.
func (v Value) AsStringList() []string { return slices.Clone(v.list) }

// AsTime returns the time payload.
func (v Value) AsTime() time.Time { return v.t }

// Numeric reports whether the value is an Int or Float.
func (v Value) Numeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// Any returns the payload as a plain Go value. Int is returned as int so that
// limit expressions can mix it with integer literals.
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return int(v.i)
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindStringList:
		return slices.Clone(v.list)
	case KindTime:
		return v.t
	default:
		return nil
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindStringList:
		return slices.Equal(v.list, o.list)
	case KindTime:
		return v.t.Equal(o.t)
	default:
		return true
	}
}

// String formats the payload for logs.
func (v Value) String() string {
	if v.kind == 0 {
		return "<unset>"
	}
	return fmt.Sprint(v.Any())
}

type valueJSON struct {
	Kind  string `json:"kind"`
	Value any    `json:"value"`
}

// MarshalJSON encodes the value as {"kind": "...", "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == 0 {
		return []byte("null"), nil
	}
	payload := v.Any()
	if v.kind == KindTime {
		payload = v.t.Format(time.RFC3339Nano)
	}
	return json.Marshal(valueJSON{Kind: v.kind.String(), Value: payload})
}

// UnmarshalJSON decodes the {"kind", "value"} form.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value{}
		return nil
	}
	var raw valueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	k, err := ParseKind(raw.Kind)
	if err != nil {
		return err
	}
	parsed, err := ParseValue(k, raw.Value)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseValue converts a loosely typed input (as decoded from JSON or an MQTT
// payload) into a Value of kind k.
func ParseValue(k Kind, in any) (Value, error) {
	switch k {
	case KindBool:
		switch x := in.(type) {
		case bool:
			return Bool(x), nil
		case float64:
			return Bool(x != 0), nil
		case string:
			switch x {
			case "true", "on", "1":
				return Bool(true), nil
			case "false", "off", "0":
				return Bool(false), nil
			}
		}
	case KindInt:
		switch x := in.(type) {
		case float64:
			if x != math.Trunc(x) {
				return Value{}, fmt.Errorf("%w: %v is not an integer", ErrKindMismatch, x)
			}
			return Int(int64(x)), nil
		case int:
			return Int(int64(x)), nil
		case int64:
			return Int(x), nil
		case json.Number:
			n, err := x.Int64()
			if err == nil {
				return Int(n), nil
			}
		}
	case KindFloat:
		switch x := in.(type) {
		case float64:
			return Float(x), nil
		case int:
			return Float(float64(x)), nil
		case int64:
			return Float(float64(x)), nil
		case json.Number:
			f, err := x.Float64()
			if err == nil {
				return Float(f), nil
			}
		}
	case KindString:
		if x, ok := in.(string); ok {
			return String(x), nil
		}
	case KindStringList:
		switch x := in.(type) {
		case []string:
			return StringList(x), nil
		case []any:
			out := make([]string, 0, len(x))
			for _, e := range x {
				s, ok := e.(string)
				if !ok {
					return Value{}, fmt.Errorf("%w: list element %v is not a string", ErrKindMismatch, e)
				}
				out = append(out, s)
			}
			return StringList(out), nil
		}
	case KindTime:
		switch x := in.(type) {
		case time.Time:
			return Time(x), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, x)
			if err == nil {
				return Time(t), nil
			}
		}
	}
	return Value{}, fmt.Errorf("%w: cannot use %T as %s", ErrKindMismatch, in, k)
}
