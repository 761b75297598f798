package rowfmt

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindBool
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindText:
		return "text"
	default:
		return "invalid"
	}
}

// Value is one field of a row. The zero Value is Invalid and renders as an
// empty field.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
}

// Int returns an integer Value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a floating-point Value, rendered with the descriptor precision.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Text returns a text Value. Commas are not escaped.
func Text(v string) Value { return Value{kind: KindText, s: v} }

// Kind reports the variant.
func (v Value) Kind() Kind { return v.kind }

// AsInt returns the integer held by an Int value.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the number held by a Float value.
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// AsBool returns the flag held by a Bool value.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsText returns the string held by a Text value.
func (v Value) AsText() (string, bool) { return v.s, v.kind == KindText }

// Of converts an arbitrary Go value. Unrecognized kinds yield an Invalid value.
func Of(x any) Value {
	switch t := x.(type) {
	case Value:
		return t
	case int:
		return Int(int64(t))
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint:
		return Int(int64(t))
	case uint8:
		return Int(int64(t))
	case uint16:
		return Int(int64(t))
	case uint32:
		return Int(int64(t))
	case uint64:
		return Int(int64(t))
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case bool:
		return Bool(t)
	case string:
		return Text(t)
	case fmt.Stringer:
		return Text(t.String())
	default:
		return Value{}
	}
}

// Values converts a slice of arbitrary Go values with Of.
func Values(xs ...any) []Value {
	out := make([]Value, len(xs))
	for i, x := range xs {
		out[i] = Of(x)
	}
	return out
}

// Parse infers a Value from text: integer, then float, then true/false,
// otherwise text.
func Parse(s string) Value {
	t := strings.TrimSpace(s)
	if n, err := strconv.ParseInt(t, 10, 64); err == nil {
		return Int(n)
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return Float(f)
	}
	switch t {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	return Text(s)
}
