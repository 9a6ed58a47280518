package value

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ErrUnsupported is returned when a Go value has no Value variant.
var ErrUnsupported = errors.New("unsupported value type")

// Kind identifies one of the closed set of Value variants.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindTimestamp
)

var kindNames = [...]string{
	KindNull:      "null",
	KindString:    "string",
	KindNumber:    "number",
	KindBool:      "bool",
	KindTimestamp: "timestamp",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return KindNull, fmt.Errorf("unknown value kind %q", s)
}

// Value is a sealed interface over the primitive values a record field may
// hold. Only Null, String, Number, Bool and Timestamp implement it.
type Value interface {
	Kind() Kind
	docValue() // Sealed - only these types implement it
}

// Null represents an explicit null field.
type Null struct{}

func (Null) Kind() Kind { return KindNull }
func (Null) docValue()  {}

// String represents a text value.
type String string

func (String) Kind() Kind { return KindString }
func (String) docValue()  {}

// Number represents any numeric value. Integers are carried as float64 and
// are exact up to 2^53.
type Number float64

func (Number) Kind() Kind { return KindNumber }
func (Number) docValue()  {}

// Bool represents a boolean value.
type Bool bool

func (Bool) Kind() Kind { return KindBool }
func (Bool) docValue()  {}

// Timestamp represents an instant. Always held in UTC.
type Timestamp time.Time

func (Timestamp) Kind() Kind { return KindTimestamp }
func (Timestamp) docValue()  {}

// TimestampLayout is fixed-width so that lexical order of the encoded
// strings matches chronological order. Stores that can only compare text
// rely on this.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// NewTimestamp creates a Timestamp normalized to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UTC())
}

// Time returns the timestamp as a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.Time(t).UTC()
}

// String formats the timestamp with TimestampLayout.
func (t Timestamp) String() string {
	return t.Time().Format(TimestampLayout)
}

// ParseTimestamp parses TimestampLayout and falls back to RFC 3339.
func ParseTimestamp(s string) (Timestamp, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return NewTimestamp(t), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return NewTimestamp(t), nil
}

// FromAny converts a Go native value into a Value.
// Accepts nil, string, bool, all integer and float kinds, json.Number,
// time.Time and *time.Time. Anything else yields ErrUnsupported.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Number(val), nil
	case int8:
		return Number(val), nil
	case int16:
		return Number(val), nil
	case int32:
		return Number(val), nil
	case int64:
		return Number(val), nil
	case uint:
		return Number(val), nil
	case uint8:
		return Number(val), nil
	case uint16:
		return Number(val), nil
	case uint32:
		return Number(val), nil
	case uint64:
		return Number(val), nil
	case float32:
		return number(float64(val))
	case float64:
		return number(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", val.String(), err)
		}
		return number(f)
	case time.Time:
		return NewTimestamp(val), nil
	case *time.Time:
		if val == nil {
			return Null{}, nil
		}
		return NewTimestamp(*val), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

func number(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite number %v", ErrUnsupported, f)
	}
	return Number(f), nil
}

// ToAny converts a Value back to its Go native form.
// Timestamps come back as time.Time, Null as nil.
func ToAny(v Value) any {
	switch val := v.(type) {
	case String:
		return string(val)
	case Number:
		return float64(val)
	case Bool:
		return bool(val)
	case Timestamp:
		return val.Time()
	default:
		return nil
	}
}

// Compare orders two values of the same kind. The boolean result is false
// when the kinds differ, in which case the values are not comparable.
func Compare(a, b Value) (int, bool) {
	if a == nil || b == nil || a.Kind() != b.Kind() {
		return 0, false
	}
	switch av := a.(type) {
	case Null:
		return 0, true
	case String:
		return strings.Compare(string(av), string(b.(String))), true
	case Number:
		return cmpFloat(float64(av), float64(b.(Number))), true
	case Bool:
		return cmpFloat(boolRank(bool(av)), boolRank(bool(b.(Bool)))), true
	case Timestamp:
		return av.Time().Compare(b.(Timestamp).Time()), true
	default:
		return 0, false
	}
}

// Equal reports whether a and b are of the same kind and compare equal.
func Equal(a, b Value) bool {
	c, ok := Compare(a, b)
	return ok && c == 0
}

// Order is a total order across kinds used for sorting query results.
// A nil value (missing field) sorts with Null, then booleans and numbers,
// then strings and timestamps. Within a group, booleans count as 0 and 1 and
// timestamps compare by their TimestampLayout encoding.
func Order(a, b Value) int {
	ra, rb := orderRank(a), orderRank(b)
	if ra != rb {
		return cmpFloat(float64(ra), float64(rb))
	}
	switch ra {
	case 1:
		return cmpFloat(numeric(a), numeric(b))
	case 2:
		return strings.Compare(textual(a), textual(b))
	default:
		return 0
	}
}

func orderRank(v Value) int {
	if v == nil {
		return 0
	}
	switch v.Kind() {
	case KindBool, KindNumber:
		return 1
	case KindString, KindTimestamp:
		return 2
	default:
		return 0
	}
}

func numeric(v Value) float64 {
	switch val := v.(type) {
	case Number:
		return float64(val)
	case Bool:
		return boolRank(bool(val))
	default:
		return 0
	}
}

func textual(v Value) string {
	switch val := v.(type) {
	case String:
		return string(val)
	case Timestamp:
		return val.String()
	default:
		return ""
	}
}

func boolRank(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// NormalizeString applies Unicode NFC so that visually identical text
// compares equal byte for byte.
func NormalizeString(s string) string {
	return norm.NFC.String(s)
}

// Normalize returns v with string content NFC-normalized.
func Normalize(v Value) Value {
	if s, ok := v.(String); ok {
		return String(NormalizeString(string(s)))
	}
	return v
}

// Format renders a value for human-readable output.
func Format(v Value) string {
	switch val := v.(type) {
	case nil, Null:
		return "null"
	case String:
		return string(val)
	case Number:
		return fmt.Sprintf("%g", float64(val))
	case Bool:
		return fmt.Sprintf("%t", bool(val))
	case Timestamp:
		return val.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
