package common

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// DefaultPageSize is the page size used for new databases unless the
	// caller requests a different one at creation time.
	DefaultPageSize = 4096
	// MinPageSize and MaxPageSize bound the configurable page size.
	MinPageSize = 512
	MaxPageSize = 65536

	IntSize      = 8
	StringLength = 32
)

// PageNo identifies a page within one database file. Page numbers are
// 1-based: page 1 is the file header, page 0 is the nil sentinel.
type PageNo uint32

const NilPage PageNo = 0

func (p PageNo) IsNil() bool { return p == NilPage }

func (p PageNo) String() string { return fmt.Sprintf("page(%d)", uint32(p)) }

// Type enumerates the storage types a column can have.
type Type int8

const (
	// DefaultType marks uninitialized values.
	DefaultType Type = iota
	IntType
	StringType
)

// Size returns the fixed-width storage size of the type in bytes.
func (t Type) Size() int {
	switch t {
	case IntType:
		return IntSize
	case StringType:
		return StringLength
	default:
		panic("unknown type")
	}
}

func (t Type) String() string {
	switch t {
	case IntType:
		return "int"
	case StringType:
		return "string"
	}
	return "unknown"
}

// ParseType maps a SQL type name to a storage Type.
func ParseType(name string) (Type, bool) {
	switch name {
	case "INT", "INTEGER", "int", "integer":
		return IntType, true
	case "TEXT", "STRING", "text", "string":
		return StringType, true
	}
	return DefaultType, false
}

// Value is a single (deserialized) column value. NULL integers are stored
// on disk as math.MinInt64, NULL strings as a 0xFF byte at index 0.
type Value struct {
	t    Type
	null bool
	i    int64
	s    string
}

func NewIntValue(v int64) Value { return Value{t: IntType, i: v} }

func NewStringValue(v string) Value {
	if len(v) > StringLength {
		panic("string too long")
	}
	return Value{t: StringType, s: v}
}

func NewNullValue(t Type) Value { return Value{t: t, null: true} }

func (v Value) Type() Type   { return v.t }
func (v Value) IsNull() bool { return v.null }
func (v Value) IsNil() bool  { return v.t == DefaultType }

// IntValue returns the underlying (non-NULL) integer.
func (v Value) IntValue() int64 {
	Assert(v.t == IntType, "type mismatch in IntValue")
	Assert(!v.null, "accessing value of NULL int")
	return v.i
}

// StringValue returns the underlying (non-NULL) string.
func (v Value) StringValue() string {
	Assert(v.t == StringType, "type mismatch in StringValue")
	Assert(!v.null, "accessing value of NULL string")
	return v.s
}

func (v Value) String() string {
	if v.null {
		return "NULL"
	}
	switch v.t {
	case IntType:
		return fmt.Sprintf("%d", v.i)
	case StringType:
		return v.s
	}
	return "<nil>"
}

// SizeInBytes returns the serialized (fixed width) size.
func (v Value) SizeInBytes() int { return v.t.Size() }

// WriteTo serializes the Value into storage format.
func (v Value) WriteTo(data []byte) {
	Assert(len(data) >= v.SizeInBytes(), "buffer too small")
	if v.null {
		switch v.t {
		case IntType:
			binary.LittleEndian.PutUint64(data, 0x8000000000000000)
		case StringType:
			data[0] = 0xFF
			for i := 1; i < StringLength; i++ {
				data[i] = 0
			}
		}
		return
	}
	switch v.t {
	case IntType:
		binary.LittleEndian.PutUint64(data, uint64(v.i))
	case StringType:
		n := copy(data, v.s)
		for i := n; i < StringLength; i++ {
			data[i] = 0
		}
	}
}

// LoadValue deserializes a Value of the given type from a storage buffer.
func LoadValue(t Type, source []byte) Value {
	Assert(len(source) >= t.Size(), "buffer too small")
	val := Value{t: t}
	switch t {
	case IntType:
		val.i = int64(binary.LittleEndian.Uint64(source))
		if val.i == math.MinInt64 {
			val.null = true
		}
	case StringType:
		if source[0] == 0xFF {
			val.null = true
			break
		}
		realLen := StringLength
		for i := 0; i < StringLength; i++ {
			if source[i] == 0 {
				realLen = i
				break
			}
		}
		val.s = string(source[:realLen])
	}
	return val
}

// Compare compares two Values of the same type.
// NULL sorts before any non-NULL value.
func (v Value) Compare(other Value) int {
	Assert(v.t == other.t, "type mismatch in comparison")
	if v.null && other.null {
		return 0
	}
	if v.null {
		return -1
	}
	if other.null {
		return 1
	}
	switch v.t {
	case IntType:
		switch {
		case v.i < other.i:
			return -1
		case v.i > other.i:
			return 1
		}
		return 0
	case StringType:
		switch {
		case v.s < other.s:
			return -1
		case v.s > other.s:
			return 1
		}
		return 0
	}
	panic("unreachable")
}

// KeyBytes appends an encoding of the value whose bytewise ordering matches
// Value.Compare: a null marker byte, then sign-flipped big-endian for
// integers or the padded string bytes.
func (v Value) KeyBytes(dst []byte) []byte {
	switch v.t {
	case IntType:
		var buf [1 + IntSize]byte
		if !v.null {
			buf[0] = 1
			binary.BigEndian.PutUint64(buf[1:], uint64(v.i)^0x8000000000000000)
		}
		return append(dst, buf[:]...)
	case StringType:
		var buf [1 + StringLength]byte
		if !v.null {
			buf[0] = 1
			copy(buf[1:], v.s)
		}
		return append(dst, buf[:]...)
	}
	panic("unreachable")
}

// KeyBytesLen returns the encoded key length for a type.
func KeyBytesLen(t Type) int { return 1 + t.Size() }
