package vm

import (
	"fmt"
	"math"
	"unsafe"
)

// Value represents a Loon value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-float values
// are encoded in the NaN (Not-a-Number) space using the quiet NaN prefix
// and tag bits to distinguish types.
//
// Encoding scheme:
//   - Float: Native IEEE 754 double (if not a NaN, it's a float)
//   - SmallInt: Quiet NaN + tagInt + 48-bit signed payload
//   - Object: Quiet NaN + tagObject + 48-bit pointer
//   - Code: Quiet NaN + tagCode + 48-bit pointer to a code object
//   - Str: Quiet NaN + tagStr + interned string ID
//   - Special: Quiet NaN + tagSpecial + special value ID (none/true/false)
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	// 0x7FF8_0000_0000_0000
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for pointer/int/id
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Tag values (shifted into position)
	tagObject  uint64 = 0x0001000000000000 // Heap object pointer
	tagInt     uint64 = 0x0002000000000000 // 48-bit signed integer
	tagSpecial uint64 = 0x0003000000000000 // none, true, false
	tagStr     uint64 = 0x0004000000000000 // Interned string ID
	tagCode    uint64 = 0x0005000000000000 // Code object pointer

	// Sign bit for 48-bit integer sign extension
	intSignBit uint64 = 0x0000800000000000

	// Mask for sign extension
	intSignExtend uint64 = 0xFFFF000000000000
)

// Special value payloads
const (
	specialNone  uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values
const (
	None  Value = Value(nanBits | tagSpecial | specialNone)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// SmallInt range (48-bit signed)
const (
	MaxSmallInt int64 = (1 << 47) - 1
	MinSmallInt int64 = -(1 << 47)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v represents a float64 value.
// A value is a float if it's not one of our tagged NaN values.
// This includes regular numbers, infinities, and "real" NaN values.
func (v Value) IsFloat() bool {
	bits := uint64(v)

	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		// Exponent is not all 1s, so it's a regular float
		return true
	}

	// Exponent is all 1s. Could be Infinity or NaN.
	mantissa := bits & 0x000FFFFFFFFFFFFF
	if mantissa == 0 {
		// +Inf or -Inf are valid floats
		return true
	}

	if (bits & nanBits) != nanBits {
		// Signaling NaN, treat as float
		return true
	}

	tag := bits & tagMask
	if tag == 0 {
		// Untagged quiet NaN, treat as float
		return true
	}

	return false
}

// IsSmallInt returns true if v represents a small integer.
func (v Value) IsSmallInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsObject returns true if v represents a heap object pointer.
func (v Value) IsObject() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagObject)
}

// IsCode returns true if v represents a code object pointer.
func (v Value) IsCode() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagCode)
}

// IsStr returns true if v represents an interned string.
func (v Value) IsStr() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagStr)
}

// IsNone returns true if v is the none value.
func (v Value) IsNone() bool {
	return v == None
}

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// IsSpecial returns true if v is none, true, or false.
func (v Value) IsSpecial() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagSpecial)
}

// Truthy reports the boolean interpretation of v: none, false, zero
// integers and zero floats are false, everything else is true.
func (v Value) Truthy() bool {
	switch {
	case v == None || v == False:
		return false
	case v == True:
		return true
	case v.IsSmallInt():
		return v.SmallInt() != 0
	case v.IsFloat():
		return v.Float64() != 0
	default:
		return true
	}
}

// ---------------------------------------------------------------------------
// Float operations
// ---------------------------------------------------------------------------

// Float64 returns v as a float64.
// Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat64 creates a Value from a float64.
func FromFloat64(f float64) Value {
	return Value(math.Float64bits(f))
}

// ---------------------------------------------------------------------------
// SmallInt operations
// ---------------------------------------------------------------------------

// SmallInt returns v as an int64.
// Panics if v is not a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	payload := uint64(v) & payloadMask

	// Sign extend from 48 bits to 64 bits
	if (payload & intSignBit) != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromSmallInt creates a Value from an int64.
// Panics if n is outside the SmallInt range.
func FromSmallInt(n int64) Value {
	if n > MaxSmallInt || n < MinSmallInt {
		panic("FromSmallInt: value out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// TryFromSmallInt creates a Value from an int64, returning false if out of range.
func TryFromSmallInt(n int64) (Value, bool) {
	if n > MaxSmallInt || n < MinSmallInt {
		return None, false
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask)), true
}

// ---------------------------------------------------------------------------
// Object pointer operations
// ---------------------------------------------------------------------------

// Object returns v as a heap object pointer.
// Panics if v is not an object.
func (v Value) Object() *Object {
	if !v.IsObject() {
		panic("Value.Object: not an object")
	}
	ptr := uintptr(uint64(v) & payloadMask)
	return (*Object)(unsafe.Pointer(ptr))
}

// FromObject creates a Value from an object pointer.
// The pointer must fit in 48 bits (true for all current architectures).
func FromObject(obj *Object) Value {
	return Value(nanBits | tagObject | uint64(uintptr(unsafe.Pointer(obj))))
}

// Code returns v as a code object pointer.
// Panics if v is not a code object.
func (v Value) Code() *CodeObject {
	if !v.IsCode() {
		panic("Value.Code: not a code object")
	}
	ptr := uintptr(uint64(v) & payloadMask)
	return (*CodeObject)(unsafe.Pointer(ptr))
}

// FromCode creates a Value from a code object pointer.
func FromCode(co *CodeObject) Value {
	return Value(nanBits | tagCode | uint64(uintptr(unsafe.Pointer(co))))
}

// ---------------------------------------------------------------------------
// Interned string operations
// ---------------------------------------------------------------------------

// StrID returns the interned string ID encoded in v.
// Panics if v is not an interned string.
func (v Value) StrID() uint32 {
	if !v.IsStr() {
		panic("Value.StrID: not an interned string")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromStrID creates a Value from an interned string ID.
func FromStrID(id uint32) Value {
	return Value(nanBits | tagStr | uint64(id))
}

// ---------------------------------------------------------------------------
// Comparison and formatting
// ---------------------------------------------------------------------------

// Equal reports semantic equality: identical encodings are equal, and
// small ints compare equal to floats with the same numeric value.
func (v Value) Equal(other Value) bool {
	if v == other {
		return true
	}
	if v.IsSmallInt() && other.IsFloat() {
		return float64(v.SmallInt()) == other.Float64()
	}
	if v.IsFloat() && other.IsSmallInt() {
		return v.Float64() == float64(other.SmallInt())
	}
	return false
}

// TypeName returns a short name for v's runtime type, for diagnostics.
func (v Value) TypeName() string {
	switch {
	case v.IsNone():
		return "none"
	case v.IsBool():
		return "bool"
	case v.IsSmallInt():
		return "int"
	case v.IsFloat():
		return "float"
	case v.IsStr():
		return "str"
	case v.IsCode():
		return "code"
	case v.IsObject():
		return "object"
	default:
		return "unknown"
	}
}

// format renders v for disassembly and inspector output. Interned
// strings need the interpreter's symbol table to resolve; callers
// without one get the raw ID.
func (v Value) format(in *Interpreter) string {
	switch {
	case v.IsNone():
		return "none"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v.IsSmallInt():
		return fmt.Sprintf("%d", v.SmallInt())
	case v.IsFloat():
		return fmt.Sprintf("%g", v.Float64())
	case v.IsStr():
		if in != nil {
			return fmt.Sprintf("%q", in.SymbolName(v.StrID()))
		}
		return fmt.Sprintf("str#%d", v.StrID())
	case v.IsCode():
		return fmt.Sprintf("<code %s>", v.Code().Name)
	case v.IsObject():
		obj := v.Object()
		if obj.class != nil {
			return fmt.Sprintf("<%s instance>", obj.class.Name)
		}
		return "<object>"
	default:
		return "<unknown>"
	}
}
