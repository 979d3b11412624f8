/*
Package poly implements the polymorphic value type of the runtime.

A value is a 32-bit word. If the word is an ordinary IEEE-754 single precision
bit pattern, it denotes a number directly, without any allocation. Words in a
reserved band of signaling NaNs encode a reference to an object in the memory
pool: a 2-bit type tag and a 4-byte aligned pool offset. Three further NaN
patterns are used as sentinels.

   0x7fffffff                  NaN, the canonical not-a-number
   0xff800000 | off | tag      reference, 4 ≤ off < 4 MiB, off%4 == 0
   0xfffffffe                  Global, "defer to the global scope"
   0xffffffff                  Null, the absent value

Every IEEE-754 NaN produced by arithmetic is canonicalized to NaN by FromFloat,
therefore no number will ever be misread as a reference and vice versa.

License

Governed by a 3-Clause BSD license. License file may be found in the root
folder of this module.

Copyright © 2017–2021 Norbert Pillmayer <norbert@pillmayer.com>

*/
package poly

import (
	"fmt"
	"math"
)

// Value is a NaN-boxed runtime value.
type Value uint32

// Tag is the type tag of a reference value.
type Tag uint8

// Tags of reference values.
const (
	TagSequence Tag = 0
	TagText     Tag = 1
	TagFunction Tag = 2
	TagBuiltin  Tag = 3
)

// Type is the user visible type of a value.
type Type uint8

// Value types, as returned by TypeOf.
const (
	Sequence Type = Type(TagSequence)
	Text     Type = Type(TagText)
	Function Type = Type(TagFunction)
	Builtin  Type = Type(TagBuiltin)
	Number   Type = 4
)

func (t Type) String() string {
	switch t {
	case Sequence:
		return "sequence"
	case Text:
		return "text"
	case Function:
		return "function"
	case Builtin:
		return "builtin"
	case Number:
		return "number"
	}
	return "?"
}

const (
	bandMask    uint32 = 0xffc00000 // sign, exponent and quiet bit
	band        uint32 = 0xff800000 // negative signaling NaNs
	payloadMask uint32 = 0x003fffff
	offsetMask  uint32 = 0x003ffffc
	tagMask     uint32 = 0x00000003
)

// MaxOffset is the largest pool offset a reference value is able to carry.
const MaxOffset = offsetMask

// Sentinels and frequently used constants.
const (
	NaN    Value = 0x7fffffff
	Null   Value = 0xffffffff
	Global Value = 0xfffffffe
	Zero   Value = 0x00000000 // 0.0
	One    Value = 0x3f800000 // 1.0
)

// FromFloat converts a number to a value. Any IEEE NaN results in NaN.
func FromFloat(f float32) Value {
	if f != f {
		return NaN
	}
	return Value(math.Float32bits(f))
}

// FromInt converts an integer to a value.
func FromInt(n int) Value {
	return FromFloat(float32(n))
}

// Bool converts a boolean to One or Zero.
func Bool(b bool) Value {
	if b {
		return One
	}
	return Zero
}

// FromRef creates a reference value from a pool offset and a type tag.
// Offsets have to be 4-byte aligned, non-zero and below MaxOffset.
func FromRef(tag Tag, offset uint32) Value {
	if offset == 0 || offset&3 != 0 || offset > MaxOffset {
		panic(fmt.Sprintf("poly: offset %#x cannot be encoded as a reference", offset))
	}
	return Value(band | offset | uint32(tag)&tagMask)
}

// BuiltinValue creates a value for the builtin function with index id ≥ 1.
// Builtins are not pool-resident; the offset field carries the table index.
func BuiltinValue(id int) Value {
	return FromRef(TagBuiltin, uint32(id)<<2)
}

// IsRef is a predicate: does v reference an object (or a builtin)?
func (v Value) IsRef() bool {
	return uint32(v)&bandMask == band && uint32(v)&payloadMask != 0
}

// IsNumber is a predicate: does v denote a number (including NaN)?
func (v Value) IsNumber() bool {
	return !v.IsRef() && v != Null && v != Global
}

// IsNull is a predicate: is v the absent value?
func (v Value) IsNull() bool {
	return v == Null
}

// IsGlobal is a predicate: is v the global-scope marker?
func (v Value) IsGlobal() bool {
	return v == Global
}

// IsNaN is a predicate: is v the not-a-number sentinel?
func (v Value) IsNaN() bool {
	return v == NaN
}

// Float returns the number v denotes. Calling Float for a non-number
// returns NaN.
func (v Value) Float() float32 {
	if !v.IsNumber() {
		return float32(math.NaN())
	}
	return math.Float32frombits(uint32(v))
}

// Tag returns the type tag of a reference value.
func (v Value) Tag() Tag {
	return Tag(uint32(v) & tagMask)
}

// Offset returns the pool offset of a reference value, or 0 for other values.
func (v Value) Offset() uint32 {
	if !v.IsRef() {
		return 0
	}
	return uint32(v) & offsetMask
}

// BuiltinID returns the table index of a builtin value.
func (v Value) BuiltinID() int {
	return int(v.Offset() >> 2)
}

// Is is a predicate: does v reference an object with tag t?
func (v Value) Is(t Tag) bool {
	return v.IsRef() && v.Tag() == t
}

// TypeOf returns the type of a value. Sentinels Null and Global are
// reported as numbers; callers have to check for them separately.
func TypeOf(v Value) Type {
	if v.IsRef() {
		return Type(v.Tag())
	}
	return Number
}

func (v Value) String() string {
	switch {
	case v == Null:
		return "<null>"
	case v == Global:
		return "<global>"
	case v == NaN:
		return "nan"
	case v.IsRef():
		return fmt.Sprintf("<%s@%d>", TypeOf(v), v.Offset())
	}
	return fmt.Sprintf("%g", v.Float())
}
