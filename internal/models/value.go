package models

import (
	"encoding/json"
	"strconv"
)

// ValueKind tags the scalar type held by a Value.
type ValueKind int

const (
	// KindNull is the zero value
	KindNull ValueKind = iota
	// KindString holds a string
	KindString
	// KindNumber holds a float64 (all JSON numbers decode to this)
	KindNumber
	// KindBool holds a bool
	KindBool
)

// Value is a tagged scalar used for event payloads. Two values are
// considered equal when their canonical serializations match, which is the
// comparison the dataflow detector and the query engine rely on.
//
// JSON objects and arrays inside event data are preserved as their compact
// JSON text in a string value, so unusual producers do not fail ingest but
// still compare deterministically.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
}

// StringValue returns a string-kinded value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// NumberValue returns a number-kinded value.
func NumberValue(f float64) Value { return Value{kind: KindNumber, num: f} }

// BoolValue returns a bool-kinded value.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// NullValue returns the null value.
func NullValue() Value { return Value{kind: KindNull} }

// Kind returns the scalar tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Number coerces the value to a float64. Strings that parse as numbers
// coerce too, so producers sending "503" instead of 503 still compare
// numerically in conditions.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		f, err := strconv.ParseFloat(v.str, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Canonical returns the canonical serialization used for equality:
// numbers in shortest form, bools as true/false, null as "null".
func (v Value) Canonical() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	default:
		return "null"
	}
}

// Equal reports canonical equality. Number-like strings equal their
// numeric counterparts ("503" == 503).
func (v Value) Equal(o Value) bool {
	if vn, ok := v.Number(); ok {
		if on, ok := o.Number(); ok {
			return vn == on
		}
	}
	return v.kind == o.kind && v.Canonical() == o.Canonical()
}

// MarshalJSON emits the native scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts any JSON value. Scalars keep their type; objects
// and arrays are folded into their compact text form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = NullValue()
	case string:
		*v = StringValue(t)
	case float64:
		*v = NumberValue(t)
	case bool:
		*v = BoolValue(t)
	default:
		compact, err := json.Marshal(raw)
		if err != nil {
			return err
		}
		*v = StringValue(string(compact))
	}
	return nil
}

// DataFrom builds a Value map from native Go scalars, ignoring nil maps.
// Convenience for tests and the data generator.
func DataFrom(m map[string]interface{}) map[string]Value {
	if m == nil {
		return nil
	}
	out := make(map[string]Value, len(m))
	for k, raw := range m {
		switch t := raw.(type) {
		case string:
			out[k] = StringValue(t)
		case float64:
			out[k] = NumberValue(t)
		case int:
			out[k] = NumberValue(float64(t))
		case int64:
			out[k] = NumberValue(float64(t))
		case bool:
			out[k] = BoolValue(t)
		case nil:
			out[k] = NullValue()
		default:
			if compact, err := json.Marshal(raw); err == nil {
				out[k] = StringValue(string(compact))
			}
		}
	}
	return out
}
