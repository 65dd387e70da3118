// Package types provides the core data model for PancakeDB: values,
// columns, tables, partitions and rows.
package types

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// DataType is the closed set of column types.
type DataType string

const (
	TypeString    DataType = "string"
	TypeInt64     DataType = "int64"
	TypeFloat64   DataType = "float64"
	TypeBool      DataType = "bool"
	TypeTimestamp DataType = "timestamp_micros"
	TypeBytes     DataType = "bytes"
)

// AllDataTypes lists every column type in tag order.
var AllDataTypes = []DataType{TypeString, TypeInt64, TypeFloat64, TypeBool, TypeTimestamp, TypeBytes}

// Valid reports whether t is one of the known column types.
func (t DataType) Valid() bool {
	_, ok := dataTypeTags[t]
	return ok
}

// Tag returns the single-byte wire tag for t, or 0 if t is unknown.
func (t DataType) Tag() byte {
	return dataTypeTags[t]
}

// DataTypeFromTag is the inverse of Tag.
func DataTypeFromTag(tag byte) (DataType, bool) {
	for t, v := range dataTypeTags {
		if v == tag {
			return t, true
		}
	}
	return "", false
}

var dataTypeTags = map[DataType]byte{
	TypeString:    1,
	TypeInt64:     2,
	TypeFloat64:   3,
	TypeBool:      4,
	TypeTimestamp: 5,
	TypeBytes:     6,
}

// Value is a tagged variant holding one cell. The zero Value is null.
type Value struct {
	typ DataType
	i   int64
	f   float64
	b   bool
	s   string
	raw []byte
}

// Null returns the null value.
func Null() Value { return Value{} }

func StringValue(s string) Value  { return Value{typ: TypeString, s: s} }
func Int64Value(v int64) Value    { return Value{typ: TypeInt64, i: v} }
func Float64Value(v float64) Value { return Value{typ: TypeFloat64, f: v} }
func BoolValue(v bool) Value      { return Value{typ: TypeBool, b: v} }

// TimestampValue holds microseconds since the Unix epoch.
func TimestampValue(micros int64) Value { return Value{typ: TypeTimestamp, i: micros} }

// TimeValue converts t to a timestamp_micros value.
func TimeValue(t time.Time) Value { return TimestampValue(t.UnixMicro()) }

// BytesValue does not copy b; callers must not mutate it afterwards.
func BytesValue(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{typ: TypeBytes, raw: b}
}

// Type returns the value's type, or "" for null.
func (v Value) Type() DataType { return v.typ }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.typ == "" }

func (v Value) Str() string      { return v.s }
func (v Value) Int64() int64     { return v.i }
func (v Value) Float64() float64 { return v.f }
func (v Value) Bool() bool       { return v.b }
func (v Value) Bytes() []byte    { return v.raw }
func (v Value) Timestamp() int64 { return v.i }
func (v Value) Time() time.Time  { return time.UnixMicro(v.i).UTC() }

// Size approximates the value's payload size in bytes.
func (v Value) Size() int {
	switch v.typ {
	case TypeString:
		return len(v.s)
	case TypeBytes:
		return len(v.raw)
	case TypeBool:
		return 1
	case "":
		return 0
	default:
		return 8
	}
}

// Equal is bitwise equality: NaN equals NaN with the same bit pattern and
// null equals null.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case "":
		return true
	case TypeString:
		return v.s == o.s
	case TypeInt64, TypeTimestamp:
		return v.i == o.i
	case TypeFloat64:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case TypeBool:
		return v.b == o.b
	case TypeBytes:
		return bytes.Equal(v.raw, o.raw)
	}
	return false
}

// Compare orders two values of the same type. Null sorts before everything;
// values of different types compare by type tag. NaN sorts before all other
// floats.
func (v Value) Compare(o Value) int {
	if v.typ != o.typ {
		return cmp.Compare(v.typ.Tag(), o.typ.Tag())
	}
	switch v.typ {
	case TypeString:
		return cmp.Compare(v.s, o.s)
	case TypeInt64, TypeTimestamp:
		return cmp.Compare(v.i, o.i)
	case TypeFloat64:
		return cmp.Compare(v.f, o.f)
	case TypeBool:
		switch {
		case v.b == o.b:
			return 0
		case !v.b:
			return -1
		default:
			return 1
		}
	case TypeBytes:
		return bytes.Compare(v.raw, o.raw)
	}
	return 0
}

// HashKey returns the byte form used for bloom filter membership.
func (v Value) HashKey() []byte {
	switch v.typ {
	case TypeString:
		return []byte(v.s)
	case TypeBytes:
		return v.raw
	case TypeInt64, TypeTimestamp:
		var buf [8]byte
		u := uint64(v.i)
		for i := range buf {
			buf[i] = byte(u >> (8 * i))
		}
		return buf[:]
	case TypeFloat64:
		var buf [8]byte
		u := math.Float64bits(v.f)
		for i := range buf {
			buf[i] = byte(u >> (8 * i))
		}
		return buf[:]
	case TypeBool:
		if v.b {
			return []byte{1}
		}
		return []byte{0}
	}
	return nil
}

func (v Value) String() string {
	switch v.typ {
	case "":
		return "null"
	case TypeString:
		return v.s
	case TypeInt64:
		return fmt.Sprintf("%d", v.i)
	case TypeTimestamp:
		return v.Time().Format(time.RFC3339Nano)
	case TypeFloat64:
		return fmt.Sprintf("%g", v.f)
	case TypeBool:
		return fmt.Sprintf("%t", v.b)
	case TypeBytes:
		return fmt.Sprintf("%x", v.raw)
	}
	return "?"
}

// jsonValue is the tagged wire form. Floats travel as their bit pattern so
// NaN and -0 survive; int64 is never routed through a float.
type jsonValue struct {
	T DataType `json:"t"`
	I *int64   `json:"i,omitempty"`
	F *uint64  `json:"f,omitempty"`
	B *bool    `json:"b,omitempty"`
	S *string  `json:"s,omitempty"`
	R []byte   `json:"r,omitempty"`
}

// MarshalJSON encodes null as JSON null and everything else as a tagged object.
func (v Value) MarshalJSON() ([]byte, error) {
	jv := jsonValue{T: v.typ}
	switch v.typ {
	case "":
		return []byte("null"), nil
	case TypeString:
		jv.S = &v.s
	case TypeInt64, TypeTimestamp:
		jv.I = &v.i
	case TypeFloat64:
		bits := math.Float64bits(v.f)
		jv.F = &bits
	case TypeBool:
		jv.B = &v.b
	case TypeBytes:
		jv.R = v.raw
		if jv.R == nil {
			jv.R = []byte{}
		}
	default:
		return nil, fmt.Errorf("types: cannot marshal value of type %q", v.typ)
	}
	return json.Marshal(jv)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Value{}
		return nil
	}
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	switch jv.T {
	case TypeString:
		if jv.S == nil {
			return fmt.Errorf("types: string value missing payload")
		}
		*v = StringValue(*jv.S)
	case TypeInt64, TypeTimestamp:
		if jv.I == nil {
			return fmt.Errorf("types: %s value missing payload", jv.T)
		}
		*v = Value{typ: jv.T, i: *jv.I}
	case TypeFloat64:
		if jv.F == nil {
			return fmt.Errorf("types: float64 value missing payload")
		}
		*v = Float64Value(math.Float64frombits(*jv.F))
	case TypeBool:
		if jv.B == nil {
			return fmt.Errorf("types: bool value missing payload")
		}
		*v = BoolValue(*jv.B)
	case TypeBytes:
		*v = BytesValue(jv.R)
	default:
		return fmt.Errorf("types: unknown value type %q", jv.T)
	}
	return nil
}
