package ir

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the attribute values the graph stores.
// Only the types below implement it. There is NO float type.
type Value interface {
	value()
}

// Null is JSON null. It may appear inside Array/Object values in memory but
// is refused by canonical encoding.
type Null struct{}

// String is a string value.
type String string

// Int is an integer value, always int64.
type Int int64

// Bool is a boolean value.
type Bool bool

// Array is an ordered list of values.
type Array []Value

// Object maps string keys to values. Use SortedKeys for iteration.
type Object map[string]Value

// Ref points at another entity of the graph.
type Ref EID

// TypeRef names an entity type by ident.
type TypeRef string

// Opaque carries an in-memory value the graph never persists or indexes
// by content (query caches, live handles).
type Opaque struct {
	V any
}

func (Null) value()    {}
func (String) value()  {}
func (Int) value()     {}
func (Bool) value()    {}
func (Array) value()   {}
func (Object) value()  {}
func (Ref) value()     {}
func (TypeRef) value() {}
func (Opaque) value()  {}

// IsJSON reports whether v is representable as JSON.
func IsJSON(v Value) bool {
	switch val := v.(type) {
	case String, Int, Bool, Null:
		return true
	case Array:
		for _, e := range val {
			if !IsJSON(e) {
				return false
			}
		}
		return true
	case Object:
		for _, e := range val {
			if !IsJSON(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's string comparison orders by UTF-8 bytes, which differs for
// characters outside the BMP.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}

// Key returns a byte encoding of v that is equal for equal values and
// self-delimiting, so it can be used inside composite index keys.
// Opaque values all share one key; they are only ever stored on
// cardinality-one attributes.
func Key(v Value) []byte {
	var buf bytes.Buffer
	writeKey(&buf, v)
	return buf.Bytes()
}

func writeKey(buf *bytes.Buffer, v Value) {
	switch val := v.(type) {
	case String:
		buf.WriteByte('s')
		writeLenPrefixed(buf, []byte(val))
	case Int:
		buf.WriteByte('i')
		var b [8]byte
		// Flip the sign bit so negative numbers sort first.
		binary.BigEndian.PutUint64(b[:], uint64(val)^(1<<63))
		buf.Write(b[:])
	case Bool:
		buf.WriteByte('b')
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case Ref:
		buf.WriteByte('r')
		buf.Write(EID(val).Bytes())
	case TypeRef:
		buf.WriteByte('t')
		writeLenPrefixed(buf, []byte(val))
	case Null:
		buf.WriteByte('n')
	case Opaque:
		buf.WriteByte('o')
	case Array:
		buf.WriteByte('a')
		writeLen(buf, len(val))
		for _, e := range val {
			writeKey(buf, e)
		}
	case Object:
		buf.WriteByte('m')
		writeLen(buf, len(val))
		for _, k := range val.SortedKeys() {
			writeLenPrefixed(buf, []byte(k))
			writeKey(buf, val[k])
		}
	}
}

func writeLen(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	buf.Write(b[:])
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	writeLen(buf, len(data))
	buf.Write(data)
}

// Equal reports whether two values are equal. Opaque values compare by
// identity of their payload when it is comparable.
func Equal(a, b Value) bool {
	if oa, ok := a.(Opaque); ok {
		ob, ok := b.(Opaque)
		return ok && opaqueEqual(oa, ob)
	}
	return bytes.Equal(Key(a), Key(b))
}

func opaqueEqual(a, b Opaque) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a.V == b.V
}

// Format renders v for logs and diagnostics.
func Format(v Value) string {
	switch val := v.(type) {
	case Ref:
		return "#" + EID(val).String()
	case TypeRef:
		return ":" + string(val)
	case Opaque:
		return fmt.Sprintf("opaque(%T)", val.V)
	default:
		data, err := json.Marshal(toAny(v))
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func toAny(v Value) any {
	switch val := v.(type) {
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case Array:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = toAny(e)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = toAny(e)
		}
		return out
	default:
		return nil
	}
}

// UnmarshalValue decodes JSON into a Value.
// Floats and null are rejected at any depth.
func UnmarshalValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return FromAny(raw)
}

// FromAny converts decoded JSON (or plain Go scalars) into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("unexpected null")
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are forbidden: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden: %v", val)
	case []any:
		arr := make(Array, len(val))
		for i, e := range val {
			conv, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, e := range val {
			conv, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
