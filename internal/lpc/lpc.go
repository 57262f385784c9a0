// Package lpc encodes and decodes LPC values: the typed payload format
// carried inside MudMode frames. A value is one of Null, an int32, a
// string, a float64, an []Value (array), a Mapping (key/value pairs), or a
// []byte (buffer).
package lpc

import (
	"encoding/binary"
	"fmt"
	"math"

	"i3gateway/internal/gwerr"
)

// Type tags, one byte each, preceding every encoded value.
const (
	tagString byte = 0
	tagInt    byte = 1
	tagArray  byte = 2
	tagMap    byte = 3
	tagFloat  byte = 4
	tagBuffer byte = 5
)

// MaxDepth bounds recursive array/mapping nesting during decode.
const MaxDepth = 64

// DefaultMaxSize is the default ceiling on total decoded payload size.
const DefaultMaxSize = 32 * 1024

// Null is the LPC encoding of the integer 0, which doubles as "no value" at
// header positions.
var Null = Value{kind: kindInt, i: 0}

type kind int

const (
	kindInt kind = iota
	kindString
	kindArray
	kindMap
	kindFloat
	kindBuffer
)

// Value is a decoded LPC value. Use the constructors (Int, Str, Arr, Map,
// Float, Buf) rather than building one by hand.
type Value struct {
	kind kind
	i    int32
	s    string
	arr  []Value
	m    Mapping
	f    float64
	buf  []byte
}

// Mapping is an LPC mapping: an ordered list of key/value pairs. LPC
// mappings are unordered in principle, but encode/decode preserve
// insertion order so round-tripping is deterministic.
type Mapping []MapEntry

// MapEntry is one key/value pair within a Mapping.
type MapEntry struct {
	Key   Value
	Value Value
}

func Int(v int32) Value     { return Value{kind: kindInt, i: v} }
func Str(v string) Value    { return Value{kind: kindString, s: v} }
func Arr(v []Value) Value   { return Value{kind: kindArray, arr: v} }
func Map(v Mapping) Value   { return Value{kind: kindMap, m: v} }
func Float(v float64) Value { return Value{kind: kindFloat, f: v} }
func Buf(v []byte) Value    { return Value{kind: kindBuffer, buf: v} }

// IsNull reports whether v is the integer zero, which is the LPC encoding
// of "null" at header positions.
func (v Value) IsNull() bool { return v.kind == kindInt && v.i == 0 }

// IsInt reports whether v holds an integer.
func (v Value) IsInt() bool { return v.kind == kindInt }

// Int32 returns the integer value, or 0 if v is not an integer.
func (v Value) Int32() int32 {
	if v.kind != kindInt {
		return 0
	}
	return v.i
}

// IsString reports whether v holds a string.
func (v Value) IsString() bool { return v.kind == kindString }

// String returns the string value. A header slot holding integer 0 is
// treated as an empty string by callers that expect strings.
func (v Value) String() string {
	if v.kind == kindString {
		return v.s
	}
	return ""
}

// Array returns the array elements, or nil if v is not an array.
func (v Value) Array() []Value {
	if v.kind != kindArray {
		return nil
	}
	return v.arr
}

// MappingValue returns the mapping entries, or nil if v is not a mapping.
func (v Value) MappingValue() Mapping {
	if v.kind != kindMap {
		return nil
	}
	return v.m
}

// Float64 returns the float value, or 0 if v is not a float.
func (v Value) Float64() float64 {
	if v.kind != kindFloat {
		return 0
	}
	return v.f
}

// Bytes returns the buffer contents, or nil if v is not a buffer.
func (v Value) Bytes() []byte {
	if v.kind != kindBuffer {
		return nil
	}
	return v.buf
}

// Equal reports deep equality between two Values, used by codec round-trip
// tests.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case kindInt:
		return v.i == o.i
	case kindString:
		return v.s == o.s
	case kindFloat:
		return v.f == o.f
	case kindBuffer:
		if len(v.buf) != len(o.buf) {
			return false
		}
		for i := range v.buf {
			if v.buf[i] != o.buf[i] {
				return false
			}
		}
		return true
	case kindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case kindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for i := range v.m {
			if !v.m[i].Key.Equal(o.m[i].Key) || !v.m[i].Value.Equal(o.m[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// Encode serializes v into its MudMode wire form.
func Encode(v Value) []byte {
	var out []byte
	return appendValue(out, v)
}

func appendValue(out []byte, v Value) []byte {
	switch v.kind {
	case kindString:
		out = append(out, tagString)
		out = appendU32(out, uint32(len(v.s)))
		out = append(out, v.s...)
	case kindInt:
		out = append(out, tagInt)
		out = appendU32(out, uint32(v.i))
	case kindArray:
		out = append(out, tagArray)
		out = appendU32(out, uint32(len(v.arr)))
		for _, e := range v.arr {
			out = appendValue(out, e)
		}
	case kindMap:
		out = append(out, tagMap)
		out = appendU32(out, uint32(len(v.m)))
		for _, e := range v.m {
			out = appendValue(out, e.Key)
			out = appendValue(out, e.Value)
		}
	case kindFloat:
		out = append(out, tagFloat)
		out = appendU32(out, math.Float32bits(float32(v.f)))
	case kindBuffer:
		out = append(out, tagBuffer)
		out = appendU32(out, uint32(len(v.buf)))
		out = append(out, v.buf...)
	}
	return out
}

func appendU32(out []byte, n uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], n)
	return append(out, tmp[:]...)
}

// Decoder reads LPC values from a byte slice, enforcing guards against
// truncated input, negative/overlong lengths, unknown tags, excess
// recursion depth, and oversize total payloads — all rejected with
// gwerr.ErrMalformedLPC-wrapped errors.
type Decoder struct {
	buf     []byte
	pos     int
	maxSize int
}

// NewDecoder returns a Decoder over buf. maxSize <= 0 uses DefaultMaxSize.
func NewDecoder(buf []byte, maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Decoder{buf: buf, maxSize: maxSize}
}

// Decode reads exactly one value from the front of the buffer.
func Decode(buf []byte, maxSize int) (Value, error) {
	d := NewDecoder(buf, maxSize)
	if len(buf) > d.maxSize {
		return Value{}, fmt.Errorf("%w: payload of %d bytes exceeds max size %d", gwerr.ErrMalformedLPC, len(buf), d.maxSize)
	}
	v, err := d.decodeValue(0)
	if err != nil {
		return Value{}, err
	}
	if d.pos != len(d.buf) {
		return Value{}, fmt.Errorf("%w: trailing bytes after value", gwerr.ErrMalformedLPC)
	}
	return v, nil
}

func (d *Decoder) need(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative length", gwerr.ErrMalformedLPC)
	}
	if len(d.buf)-d.pos < n {
		return fmt.Errorf("%w: truncated input", gwerr.ErrMalformedLPC)
	}
	if n > d.maxSize {
		return fmt.Errorf("%w: value exceeds max size", gwerr.ErrMalformedLPC)
	}
	return nil
}

func (d *Decoder) readU32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return n, nil
}

func (d *Decoder) decodeValue(depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, fmt.Errorf("%w: recursion depth exceeded", gwerr.ErrMalformedLPC)
	}
	if err := d.need(1); err != nil {
		return Value{}, err
	}
	tag := d.buf[d.pos]
	d.pos++

	switch tag {
	case tagString:
		n, err := d.readU32()
		if err != nil {
			return Value{}, err
		}
		if err := d.need(int(n)); err != nil {
			return Value{}, err
		}
		s := string(d.buf[d.pos : d.pos+int(n)])
		d.pos += int(n)
		return Str(s), nil

	case tagInt:
		n, err := d.readU32()
		if err != nil {
			return Value{}, err
		}
		return Int(int32(n)), nil

	case tagArray:
		n, err := d.readU32()
		if err != nil {
			return Value{}, err
		}
		if int(n) > d.maxSize {
			return Value{}, fmt.Errorf("%w: array count exceeds max size", gwerr.ErrMalformedLPC)
		}
		elems := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			e, err := d.decodeValue(depth + 1)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, e)
		}
		return Arr(elems), nil

	case tagMap:
		n, err := d.readU32()
		if err != nil {
			return Value{}, err
		}
		if int(n) > d.maxSize {
			return Value{}, fmt.Errorf("%w: mapping count exceeds max size", gwerr.ErrMalformedLPC)
		}
		entries := make(Mapping, 0, n)
		for i := uint32(0); i < n; i++ {
			k, err := d.decodeValue(depth + 1)
			if err != nil {
				return Value{}, err
			}
			v, err := d.decodeValue(depth + 1)
			if err != nil {
				return Value{}, err
			}
			entries = append(entries, MapEntry{Key: k, Value: v})
		}
		return Map(entries), nil

	case tagFloat:
		n, err := d.readU32()
		if err != nil {
			return Value{}, err
		}
		return Float(float64(math.Float32frombits(n))), nil

	case tagBuffer:
		n, err := d.readU32()
		if err != nil {
			return Value{}, err
		}
		if err := d.need(int(n)); err != nil {
			return Value{}, err
		}
		b := make([]byte, n)
		copy(b, d.buf[d.pos:d.pos+int(n)])
		d.pos += int(n)
		return Buf(b), nil

	default:
		return Value{}, fmt.Errorf("%w: unknown type tag %d", gwerr.ErrMalformedLPC, tag)
	}
}
