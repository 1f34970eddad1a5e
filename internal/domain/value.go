package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds. It doubles as the declared
// field type in the storage schema registry.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNumber
	KindString
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Suffix is appended to a field name when a value of this kind has to be
// routed away from a key registered with a different kind.
func (k Kind) Suffix() string {
	switch k {
	case KindNumber:
		return "_num"
	case KindString:
		return "_str"
	case KindBool:
		return "_bool"
	default:
		return ""
	}
}

// Value is a tagged union of the scalar types an attribute may hold.
// The zero Value is invalid.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
}

func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func String(s string) Value  { return Value{kind: KindString, str: s} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Float returns the numeric payload; ok is false for non-number values.
func (v Value) Float() (float64, bool) { return v.num, v.kind == KindNumber }

// Str returns the string payload; ok is false for non-string values.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Boolean returns the bool payload; ok is false for non-bool values.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Native returns the payload as float64, string or bool, or nil when invalid.
func (v Value) Native() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindString:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, ok := FromJSON(raw)
	if !ok && raw != nil {
		return fmt.Errorf("unsupported value %s", data)
	}
	*v = parsed
	return nil
}

// FromJSON converts a decoded JSON scalar into a Value without any string
// coercion. Objects and arrays are kept as their compact JSON text. ok is
// false for null.
func FromJSON(raw any) (Value, bool) {
	switch t := raw.(type) {
	case nil:
		return Value{}, false
	case float64:
		return Number(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String()), true
		}
		return Number(f), true
	case string:
		return String(t), true
	case bool:
		return Bool(t), true
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(t); err != nil {
			return String(fmt.Sprint(t)), true
		}
		return String(strings.TrimSpace(buf.String())), true
	}
}

// ParseNumber reports whether s is a finite decimal number.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// Coerce converts v to the target kind when the conversion is lossless:
// numeric strings become numbers and numbers become their decimal text.
// Bools never convert.
func Coerce(v Value, to Kind) (Value, bool) {
	if v.kind == to {
		return v, true
	}
	switch {
	case v.kind == KindString && to == KindNumber:
		if f, ok := ParseNumber(v.str); ok {
			return Number(f), true
		}
	case v.kind == KindNumber && to == KindString:
		return String(v.String()), true
	}
	return v, false
}
