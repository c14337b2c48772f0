// Package codec serializes documents into a compact self-describing binary
// form.
//
// Decode transparently accepts either the binary form or plain JSON text:
// payloads whose first byte is '{' or '[' are parsed as JSON. This exists so
// data files written by older JSON-text deployments keep working without a
// migration step; compaction re-encodes every record into the binary form.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	json "github.com/goccy/go-json"
)

// Error reports a malformed payload or an unsupported value.
type Error struct {
	Msg string
}

func (e *Error) Error() string {
	return "codec error: " + e.Msg
}

const (
	tagNull   byte = 0x00
	tagFalse  byte = 0x01
	tagTrue   byte = 0x02
	tagInt    byte = 0x03 // i64 LE
	tagFloat  byte = 0x04 // f64 LE
	tagString byte = 0x05 // u32 len + bytes
	tagArray  byte = 0x06 // u32 count + values
	tagObject byte = 0x07 // u32 count + (u32 keylen + key + value)*
)

// Encode serializes a value into the binary form. Documents are objects, so
// the first byte of an encoded document is always tagObject — never '{'.
func Encode(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteByte(tagNull)
	case bool:
		if v {
			buf.WriteByte(tagTrue)
		} else {
			buf.WriteByte(tagFalse)
		}
	case int:
		writeInt(buf, int64(v))
	case int8:
		writeInt(buf, int64(v))
	case int16:
		writeInt(buf, int64(v))
	case int32:
		writeInt(buf, int64(v))
	case int64:
		writeInt(buf, v)
	case uint:
		writeInt(buf, int64(v))
	case uint8:
		writeInt(buf, int64(v))
	case uint16:
		writeInt(buf, int64(v))
	case uint32:
		writeInt(buf, int64(v))
	case uint64:
		if v > math.MaxInt64 {
			return &Error{Msg: fmt.Sprintf("integer %d overflows document number range", v)}
		}
		writeInt(buf, int64(v))
	case float32:
		writeFloat(buf, float64(v))
	case float64:
		writeFloat(buf, v)
	case json.Number:
		norm := normalizeNumber(v)
		return encodeValue(buf, norm)
	case string:
		buf.WriteByte(tagString)
		writeLen(buf, len(v))
		buf.WriteString(v)
	case []any:
		buf.WriteByte(tagArray)
		writeLen(buf, len(v))
		for _, item := range v {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	case map[string]any:
		buf.WriteByte(tagObject)
		writeLen(buf, len(v))
		for key, item := range v {
			writeLen(buf, len(key))
			buf.WriteString(key)
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	default:
		return &Error{Msg: fmt.Sprintf("unsupported value type %T", value)}
	}
	return nil
}

func writeInt(buf *bytes.Buffer, v int64) {
	buf.WriteByte(tagInt)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeFloat(buf *bytes.Buffer, v float64) {
	buf.WriteByte(tagFloat)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

func writeLen(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(n))
	buf.Write(b[:])
}

// Decode parses either the binary form or JSON text into a document value.
// Integers decode as int64, floats as float64, objects as map[string]any and
// arrays as []any.
func Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, &Error{Msg: "empty payload"}
	}

	if data[0] == '{' || data[0] == '[' {
		return decodeJSON(data)
	}

	r := bytes.NewReader(data)
	value, err := decodeValue(r)
	if err != nil {
		return nil, err
	}
	return value, nil
}

func decodeValue(r *bytes.Reader) (any, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, &Error{Msg: "truncated payload"}
	}
	switch tag {
	case tagNull:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagInt:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, &Error{Msg: "truncated integer"}
		}
		return int64(binary.LittleEndian.Uint64(b[:])), nil
	case tagFloat:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, &Error{Msg: "truncated float"}
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b[:])), nil
	case tagString:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		return s, nil
	case tagArray:
		n, err := readLen(r)
		if err != nil {
			return nil, err
		}
		arr := make([]any, 0, n)
		for i := 0; i < n; i++ {
			item, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil
	case tagObject:
		n, err := readLen(r)
		if err != nil {
			return nil, err
		}
		obj := make(map[string]any, n)
		for i := 0; i < n; i++ {
			key, err := readString(r)
			if err != nil {
				return nil, err
			}
			item, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			obj[key] = item
		}
		return obj, nil
	default:
		return nil, &Error{Msg: fmt.Sprintf("unknown tag 0x%02x", tag)}
	}
}

func readLen(r *bytes.Reader) (int, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, &Error{Msg: "truncated length"}
	}
	n := binary.LittleEndian.Uint32(b[:])
	if int64(n) > int64(r.Len()) {
		return 0, &Error{Msg: "length exceeds remaining payload"}
	}
	return int(n), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readLen(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", &Error{Msg: "truncated string"}
	}
	return string(buf), nil
}

// decodeJSON parses JSON text, preserving the int64/float64 distinction that
// a plain Unmarshal into any would collapse to float64.
func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &Error{Msg: err.Error()}
	}
	return normalizeJSON(raw), nil
}

func normalizeJSON(value any) any {
	switch v := value.(type) {
	case json.Number:
		return normalizeNumber(v)
	case []any:
		for i, item := range v {
			v[i] = normalizeJSON(item)
		}
		return v
	case map[string]any:
		for k, item := range v {
			v[k] = normalizeJSON(item)
		}
		return v
	default:
		return value
	}
}

func normalizeNumber(n json.Number) any {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return s
}
