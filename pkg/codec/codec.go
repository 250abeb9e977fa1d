// Package codec encodes cache values into a tagged wire format.
//
// Every stored value starts with a tag naming how the rest of the bytes
// were produced:
//
//	json:<json text>     structs, maps, slices, arrays and nil
//	str:<raw text>       strings
//	bin:<msgpack bytes>  everything else
//
// Values written before tagging was introduced carry no tag. They decode
// as JSON when possible and as the raw string otherwise.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Kind identifies the encoding of a Value.
type Kind uint8

const (
	// KindJSON is structured data serialized as JSON.
	KindJSON Kind = iota + 1
	// KindRaw is plain text stored verbatim.
	KindRaw
	// KindBinary is an arbitrary value serialized with MessagePack.
	KindBinary
)

var (
	prefixJSON   = []byte("json:")
	prefixRaw    = []byte("str:")
	prefixBinary = []byte("bin:")
)

// String returns the wire tag without the trailing colon.
func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindRaw:
		return "str"
	case KindBinary:
		return "bin"
	default:
		return "unknown"
	}
}

func (k Kind) prefix() []byte {
	switch k {
	case KindJSON:
		return prefixJSON
	case KindRaw:
		return prefixRaw
	case KindBinary:
		return prefixBinary
	default:
		return nil
	}
}

// Value is an encoded payload together with its tag.
type Value struct {
	kind    Kind
	payload []byte
}

// NewValue wraps an already encoded payload.
func NewValue(kind Kind, payload []byte) Value {
	return Value{kind: kind, payload: payload}
}

// Kind returns the value's tag.
func (v Value) Kind() Kind { return v.kind }

// Payload returns the bytes after the tag.
func (v Value) Payload() []byte { return v.payload }

// Bytes returns the wire form: tag followed by payload.
func (v Value) Bytes() []byte {
	prefix := v.kind.prefix()
	out := make([]byte, 0, len(prefix)+len(v.payload))
	out = append(out, prefix...)
	return append(out, v.payload...)
}

// Parse splits wire bytes into a tagged Value. It returns false for
// untagged legacy data.
func Parse(wire []byte) (Value, bool) {
	switch {
	case bytes.HasPrefix(wire, prefixJSON):
		return Value{kind: KindJSON, payload: wire[len(prefixJSON):]}, true
	case bytes.HasPrefix(wire, prefixRaw):
		return Value{kind: KindRaw, payload: wire[len(prefixRaw):]}, true
	case bytes.HasPrefix(wire, prefixBinary):
		return Value{kind: KindBinary, payload: wire[len(prefixBinary):]}, true
	default:
		return Value{}, false
	}
}

// Encode picks a tag for v and serializes it. Structs, maps, slices and
// arrays are structured and become JSON. Numbers are widened to int64,
// uint64 or float64 before the binary encoding so that Decode returns the
// same type whatever the magnitude.
func Encode(v any) (Value, error) {
	if v == nil {
		return Value{kind: KindJSON, payload: []byte("null")}, nil
	}

	switch val := v.(type) {
	case string:
		return Value{kind: KindRaw, payload: []byte(val)}, nil
	case []byte:
		return EncodeBinary(val)
	case json.RawMessage:
		return Value{kind: KindJSON, payload: append([]byte(nil), val...)}, nil
	case time.Time:
		return EncodeBinary(val)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return EncodeJSON(v)
	case reflect.Pointer:
		if rv.IsNil() {
			return Value{kind: KindJSON, payload: []byte("null")}, nil
		}
		return Encode(rv.Elem().Interface())
	case reflect.String:
		return Value{kind: KindRaw, payload: []byte(rv.String())}, nil
	case reflect.Bool:
		return EncodeBinary(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return EncodeBinary(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return EncodeBinary(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return EncodeBinary(rv.Float())
	default:
		return EncodeBinary(v)
	}
}

// Normalize returns v in the form Decode would produce after storing it:
// JSON numbers as float64, binary integers as int64 or uint64, structs as
// map[string]any.
func Normalize(v any) (any, error) {
	val, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return val.Decode()
}

// EncodeJSON forces the JSON tag.
func EncodeJSON(v any) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("%w: json encode %T: %v", ErrSerialization, v, err)
	}
	return Value{kind: KindJSON, payload: data}, nil
}

// EncodeBinary forces the binary tag.
func EncodeBinary(v any) (Value, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("%w: msgpack encode %T: %v", ErrSerialization, v, err)
	}
	return Value{kind: KindBinary, payload: data}, nil
}

// Marshal is Encode followed by Bytes.
func Marshal(v any) ([]byte, error) {
	val, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return val.Bytes(), nil
}

// Decode reverses Encode. Untagged input never fails: it is returned as
// decoded JSON or, failing that, as a string.
func Decode(wire []byte) (any, error) {
	val, ok := Parse(wire)
	if !ok {
		return decodeLegacy(wire), nil
	}
	return val.Decode()
}

// Decode returns the Go value held by v.
// JSON numbers decode as float64; binary integers decode as int64 or uint64.
func (v Value) Decode() (any, error) {
	switch v.kind {
	case KindRaw:
		return string(v.payload), nil
	case KindJSON:
		var out any
		if err := json.Unmarshal(v.payload, &out); err != nil {
			return nil, fmt.Errorf("%w: json decode: %v", ErrSerialization, err)
		}
		return out, nil
	case KindBinary:
		dec := msgpack.NewDecoder(bytes.NewReader(v.payload))
		var (
			out any
			err error
		)
		if len(v.payload) > 0 && isBinCode(v.payload[0]) {
			out, err = dec.DecodeBytes()
		} else {
			out, err = dec.DecodeInterfaceLoose()
		}
		if err != nil {
			return nil, fmt.Errorf("%w: msgpack decode: %v", ErrSerialization, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrSerialization, v.kind)
	}
}

// DecodeInto decodes wire bytes into dst, which must be a non-nil pointer.
func DecodeInto(wire []byte, dst any) error {
	val, ok := Parse(wire)
	if !ok {
		if err := json.Unmarshal(wire, dst); err == nil {
			return nil
		}
		return assignText(string(wire), dst)
	}

	switch val.kind {
	case KindRaw:
		return assignText(string(val.payload), dst)
	case KindJSON:
		if err := json.Unmarshal(val.payload, dst); err != nil {
			return fmt.Errorf("%w: json decode into %T: %v", ErrSerialization, dst, err)
		}
	case KindBinary:
		if err := msgpack.Unmarshal(val.payload, dst); err != nil {
			return fmt.Errorf("%w: msgpack decode into %T: %v", ErrSerialization, dst, err)
		}
	}
	return nil
}

// loose interface decoding turns msgpack bin into a string
func isBinCode(c byte) bool {
	return c == msgpcode.Bin8 || c == msgpcode.Bin16 || c == msgpcode.Bin32
}

func decodeLegacy(wire []byte) any {
	var out any
	if err := json.Unmarshal(wire, &out); err == nil {
		return out
	}
	return string(wire)
}

func assignText(text string, dst any) error {
	switch d := dst.(type) {
	case *string:
		*d = text
	case *any:
		*d = text
	case *[]byte:
		*d = []byte(text)
	default:
		return fmt.Errorf("%w: text value into %T", ErrTypeMismatch, dst)
	}
	return nil
}
