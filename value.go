package layerfs

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Kind identifies the type carried by a Value.
type Kind uint8

const (
	// KindNull is the zero Value: no attribute
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
	KindBytes
	// KindVoid is a tombstone: the attribute was explicitly cleared at some layer
	KindVoid
)

var kindNames = map[Kind]string{
	KindNull:   "null",
	KindString: "string",
	KindInt:    "int",
	KindFloat:  "float",
	KindBool:   "bool",
	KindTime:   "time",
	KindBytes:  "bytes",
	KindVoid:   "void",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindNull, fmt.Errorf("unknown attribute kind %q", s)
}

// Value is an attribute value. The zero Value is null.
type Value struct {
	kind  Kind
	str   string
	num   int64
	float float64
	flag  bool
	t     time.Time
	raw   []byte
	level uint32
}

// Null is the absent attribute value.
var Null Value

func StringValue(s string) Value   { return Value{kind: KindString, str: s} }
func IntValue(i int64) Value       { return Value{kind: KindInt, num: i} }
func FloatValue(f float64) Value   { return Value{kind: KindFloat, float: f} }
func BoolValue(b bool) Value       { return Value{kind: KindBool, flag: b} }
func TimeValue(t time.Time) Value  { return Value{kind: KindTime, t: t} }
func BytesValue(b []byte) Value    { return Value{kind: KindBytes, raw: bytes.Clone(b)} }
func VoidValue(level uint32) Value { return Value{kind: KindVoid, level: level} }

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) IsVoid() bool    { return v.kind == KindVoid }
func (v Value) Level() uint32   { return v.level }
func (v Value) Str() string     { return v.str }
func (v Value) Int() int64      { return v.num }
func (v Value) Float() float64  { return v.float }
func (v Value) Bool() bool      { return v.flag }
func (v Value) Time() time.Time { return v.t }
func (v Value) Bytes() []byte   { return bytes.Clone(v.raw) }

// Equal reports whether v and o carry the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindInt:
		return v.num == o.num
	case KindFloat:
		return v.float == o.float
	case KindBool:
		return v.flag == o.flag
	case KindTime:
		return v.t.Equal(o.t)
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindVoid:
		return v.level == o.level
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.flag)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.raw)
	case KindVoid:
		return "<void:" + strconv.FormatUint(uint64(v.level), 10) + ">"
	}
	return "<null>"
}

// ParseValue builds a Value of the given kind from its String form.
func ParseValue(kind Kind, text string) (Value, error) {
	switch kind {
	case KindNull:
		return Null, nil
	case KindString:
		return StringValue(text), nil
	case KindInt:
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Null, err
		}
		return IntValue(i), nil
	case KindFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Null, err
		}
		return FloatValue(f), nil
	case KindBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return Null, err
		}
		return BoolValue(b), nil
	case KindTime:
		t, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return Null, err
		}
		return TimeValue(t), nil
	case KindBytes:
		b, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return Null, err
		}
		return BytesValue(b), nil
	}
	return Null, fmt.Errorf("cannot parse %s value", kind)
}

// voidify turns a value into its storable form: null becomes a level 0
// tombstone and every existing tombstone is pushed one level deeper.
func voidify(v Value) Value {
	switch v.kind {
	case KindNull:
		return VoidValue(0)
	case KindVoid:
		return VoidValue(v.level + 1)
	}
	return v
}

// devoidify is the inverse of voidify.
func devoidify(v Value) Value {
	if v.kind != KindVoid {
		return v
	}
	if v.level == 0 {
		return Null
	}
	return VoidValue(v.level - 1)
}
