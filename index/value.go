// Package index implements the in-memory index set of a collection: typed
// orderable scalar values, single-field and composite ordered indexes, and
// the on-disk index cache files.
package index

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	json "github.com/goccy/go-json"
)

// Kind discriminates Value variants. The declaration order is the type rank
// used by Compare: Null < Boolean < (Integer, Float) < DateTime < String.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindDateTime
	KindString
)

// Value is a typed scalar with a total order across types. Dates are stored
// as int64 millisecond timestamps so range predicates on ISO-8601 strings
// compare as integers.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64 // integer value, or millis since epoch for KindDateTime
	Float float64
	Str   string
}

func Null() Value                 { return Value{Kind: KindNull} }
func BoolValue(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func IntValue(i int64) Value      { return Value{Kind: KindInt, Int: i} }
func FloatValue(f float64) Value  { return Value{Kind: KindFloat, Float: f} }
func DateTimeValue(ms int64) Value { return Value{Kind: KindDateTime, Int: ms} }
func StringValue(s string) Value  { return Value{Kind: KindString, Str: s} }

// FromAny converts a document field value to a Value. Strings are checked
// for the supported date formats and stored as DateTime(millis); arrays and
// nested objects are indexed by their JSON text.
func FromAny(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case bool:
		return BoolValue(x)
	case int:
		return IntValue(int64(x))
	case int8:
		return IntValue(int64(x))
	case int16:
		return IntValue(int64(x))
	case int32:
		return IntValue(int64(x))
	case int64:
		return IntValue(x)
	case uint:
		return IntValue(int64(x))
	case uint8:
		return IntValue(int64(x))
	case uint16:
		return IntValue(int64(x))
	case uint32:
		return IntValue(int64(x))
	case uint64:
		return IntValue(int64(x))
	case float32:
		return FloatValue(float64(x))
	case float64:
		return FloatValue(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return IntValue(i)
		}
		if f, err := x.Float64(); err == nil {
			return FloatValue(f)
		}
		return StringValue(x.String())
	case string:
		return ParseString(x)
	default:
		text, err := json.Marshal(x)
		if err != nil {
			return Null()
		}
		return StringValue(string(text))
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseString converts a string to a Value, auto-detecting the supported
// ISO-8601 date forms.
func ParseString(s string) Value {
	// Fast path: a date string starts with "YYYY-MM".
	if len(s) < 10 ||
		!isDigit(s[0]) || !isDigit(s[1]) || !isDigit(s[2]) || !isDigit(s[3]) ||
		s[4] != '-' ||
		!isDigit(s[5]) || !isDigit(s[6]) {
		return StringValue(s)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateTimeValue(t.UnixMilli())
		}
	}
	return StringValue(s)
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// rank orders kinds for cross-type comparison. Integer and Float share a
// rank and compare numerically.
func (v Value) rank() int {
	switch v.Kind {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt, KindFloat:
		return 2
	case KindDateTime:
		return 3
	default:
		return 4
	}
}

// Compare returns -1, 0 or 1 ordering a before, equal to, or after b.
func Compare(a, b Value) int {
	ra, rb := a.rank(), b.rank()
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch a.Kind {
	case KindNull:
		return 0
	case KindBool:
		return boolCmp(a.Bool, b.Bool)
	case KindInt, KindFloat:
		return numberCmp(a, b)
	case KindDateTime:
		return int64Cmp(a.Int, b.Int)
	default:
		switch {
		case a.Str < b.Str:
			return -1
		case a.Str > b.Str:
			return 1
		default:
			return 0
		}
	}
}

// Equal reports whether a and b compare equal, including Integer(5) equal to
// Float(5.0).
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

func boolCmp(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func int64Cmp(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func numberCmp(a, b Value) int {
	if a.Kind == KindInt && b.Kind == KindInt {
		return int64Cmp(a.Int, b.Int)
	}
	af, bf := a.asFloat(), b.asFloat()
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func (v Value) asFloat() float64 {
	if v.Kind == KindInt {
		return float64(v.Int)
	}
	return v.Float
}

// ToAny converts back to a document field value. DateTime becomes an
// RFC 3339 UTC string.
func (v Value) ToAny() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindDateTime:
		return time.UnixMilli(v.Int).UTC().Format(time.RFC3339)
	default:
		return v.Str
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindDateTime:
		return time.UnixMilli(v.Int).UTC().Format(time.RFC3339)
	default:
		return v.Str
	}
}

// -- Binary serialization ---------------------------------------------------

const (
	tagNull     byte = 0
	tagBool     byte = 1
	tagInt      byte = 2
	tagFloat    byte = 3
	tagDateTime byte = 4
	tagString   byte = 5
)

// WriteTo serializes the value to a binary stream.
func (v Value) WriteTo(w io.Writer) error {
	switch v.Kind {
	case KindNull:
		return writeBytes(w, []byte{tagNull})
	case KindBool:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		return writeBytes(w, []byte{tagBool, b})
	case KindInt:
		return writeTagged64(w, tagInt, uint64(v.Int))
	case KindFloat:
		return writeTagged64(w, tagFloat, floatBits(v.Float))
	case KindDateTime:
		return writeTagged64(w, tagDateTime, uint64(v.Int))
	default:
		if err := writeBytes(w, []byte{tagString}); err != nil {
			return err
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v.Str)))
		if err := writeBytes(w, lenBuf[:]); err != nil {
			return err
		}
		return writeBytes(w, []byte(v.Str))
	}
}

// ReadValue deserializes a value from a binary stream.
func ReadValue(r io.Reader) (Value, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Value{}, err
	}
	switch tag[0] {
	case tagNull:
		return Null(), nil
	case tagBool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Value{}, err
		}
		return BoolValue(b[0] != 0), nil
	case tagInt:
		u, err := read64(r)
		return IntValue(int64(u)), err
	case tagFloat:
		u, err := read64(r)
		return FloatValue(floatFromBits(u)), err
	case tagDateTime:
		u, err := read64(r)
		return DateTimeValue(int64(u)), err
	case tagString:
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Value{}, err
		}
		buf := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(r, buf); err != nil {
			return Value{}, err
		}
		return StringValue(string(buf)), nil
	default:
		return Value{}, fmt.Errorf("unknown value tag: %d", tag[0])
	}
}

func writeBytes(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}

func writeTagged64(w io.Writer, tag byte, u uint64) error {
	var buf [9]byte
	buf[0] = tag
	binary.LittleEndian.PutUint64(buf[1:], u)
	return writeBytes(w, buf[:])
}

func read64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func floatBits(f float64) uint64     { return math.Float64bits(f) }
func floatFromBits(u uint64) float64 { return math.Float64frombits(u) }
