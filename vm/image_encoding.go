package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Constant pool encoding
// ---------------------------------------------------------------------------

// Constant records are fixed-size: one tag byte plus an 8-byte payload.
// Index payloads refer to the image's other tables.
const (
	constTagFloat  byte = 0x0 // float64 bits
	constTagInt    byte = 0x1 // 48-bit signed integer, stored as int64
	constTagNone   byte = 0x2
	constTagTrue   byte = 0x3
	constTagFalse  byte = 0x4
	constTagString byte = 0x5 // string table index
	constTagCode   byte = 0x6 // code table index
)

// EncodedConstSize is the on-disk size of one constant record.
const EncodedConstSize = 9

// ErrUnencodableConst is returned for constants with no image
// representation, such as live object references.
var ErrUnencodableConst = errors.New("constant cannot be encoded in an image")

// ---------------------------------------------------------------------------
// ImageEncoder: runtime state -> table index registries
// ---------------------------------------------------------------------------

// ImageEncoder assigns table indexes while an image is being built.
// Registration deduplicates, so each distinct string, blob, constant,
// and code object lands in its table exactly once. Interned name IDs
// are resolved back to string data through the owning interpreter.
type ImageEncoder struct {
	interp *Interpreter

	stringIndex map[string]uint32
	strings     []string

	blobIndex map[string]uint32 // keyed by content
	blobs     [][]byte

	codeIndex map[*CodeObject]uint32
	codes     []*CodeObject

	constIndex map[Value]uint32
	consts     []Value
}

// NewImageEncoder creates an encoder resolving interned names through in.
func NewImageEncoder(in *Interpreter) *ImageEncoder {
	return &ImageEncoder{
		interp:      in,
		stringIndex: make(map[string]uint32),
		blobIndex:   make(map[string]uint32),
		codeIndex:   make(map[*CodeObject]uint32),
		constIndex:  make(map[Value]uint32),
	}
}

// RegisterString assigns an index to a string, reusing the existing one
// for repeated content.
func (e *ImageEncoder) RegisterString(s string) uint32 {
	if idx, ok := e.stringIndex[s]; ok {
		return idx
	}
	idx := uint32(len(e.strings))
	e.stringIndex[s] = idx
	e.strings = append(e.strings, s)
	return idx
}

// LookupString returns the index for a string, or false if it was never
// registered.
func (e *ImageEncoder) LookupString(s string) (uint32, bool) {
	idx, ok := e.stringIndex[s]
	return idx, ok
}

// RegisterSymbol registers the string data behind an interned name ID.
func (e *ImageEncoder) RegisterSymbol(id uint32) uint32 {
	return e.RegisterString(e.interp.SymbolName(id))
}

// RegisterBlob assigns an index to an opaque byte section, deduplicated
// by content.
func (e *ImageEncoder) RegisterBlob(b []byte) uint32 {
	if idx, ok := e.blobIndex[string(b)]; ok {
		return idx
	}
	idx := uint32(len(e.blobs))
	e.blobIndex[string(b)] = idx
	e.blobs = append(e.blobs, b)
	return idx
}

// RegisterCode assigns an index to a code object. The record itself is
// written later; early assignment lets mutually referencing constants
// resolve.
func (e *ImageEncoder) RegisterCode(co *CodeObject) uint32 {
	if idx, ok := e.codeIndex[co]; ok {
		return idx
	}
	idx := uint32(len(e.codes))
	e.codeIndex[co] = idx
	e.codes = append(e.codes, co)
	return idx
}

// LookupCode returns the index for a code object, or false if it was
// never registered.
func (e *ImageEncoder) LookupCode(co *CodeObject) (uint32, bool) {
	idx, ok := e.codeIndex[co]
	return idx, ok
}

// RegisterConst assigns an index in the image-wide constant pool.
func (e *ImageEncoder) RegisterConst(v Value) uint32 {
	if idx, ok := e.constIndex[v]; ok {
		return idx
	}
	idx := uint32(len(e.consts))
	e.constIndex[v] = idx
	e.consts = append(e.consts, v)
	return idx
}

// StringCount returns the number of registered strings.
func (e *ImageEncoder) StringCount() int { return len(e.strings) }

// BlobCount returns the number of registered blobs.
func (e *ImageEncoder) BlobCount() int { return len(e.blobs) }

// CodeCount returns the number of registered code objects.
func (e *ImageEncoder) CodeCount() int { return len(e.codes) }

// ConstCount returns the number of registered constants.
func (e *ImageEncoder) ConstCount() int { return len(e.consts) }

// EncodeConstTo serializes one constant into buf, which must be at
// least EncodedConstSize bytes. Strings and code objects must have been
// registered during the collect phase.
func (e *ImageEncoder) EncodeConstTo(v Value, buf []byte) error {
	for i := 0; i < EncodedConstSize; i++ {
		buf[i] = 0
	}
	switch {
	case v == None:
		buf[0] = constTagNone

	case v == True:
		buf[0] = constTagTrue

	case v == False:
		buf[0] = constTagFalse

	case v.IsSmallInt():
		buf[0] = constTagInt
		WriteInt64(buf[1:], v.SmallInt())

	case v.IsFloat():
		buf[0] = constTagFloat
		WriteFloat64(buf[1:], v.Float64())

	case v.IsStr():
		idx, ok := e.LookupString(e.interp.SymbolName(v.StrID()))
		if !ok {
			return fmt.Errorf("%w: unregistered string constant", ErrUnencodableConst)
		}
		buf[0] = constTagString
		WriteUint32(buf[1:], idx)

	case v.IsCode():
		idx, ok := e.LookupCode(v.Code())
		if !ok {
			return fmt.Errorf("%w: unregistered code constant", ErrUnencodableConst)
		}
		buf[0] = constTagCode
		WriteUint32(buf[1:], idx)

	default:
		return fmt.Errorf("%w: %s", ErrUnencodableConst, v.TypeName())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Binary encoding helpers
// ---------------------------------------------------------------------------

// The image format is little-endian everywhere, independent of the
// host: every multi-byte field goes through these accessors, never
// through memory reinterpretation.

// WriteUint64 writes a uint64 in little-endian format.
func WriteUint64(buf []byte, v uint64) {
	binary.LittleEndian.PutUint64(buf, v)
}

// ReadUint64 reads a uint64 in little-endian format.
func ReadUint64(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// WriteInt64 writes an int64 in little-endian format.
func WriteInt64(buf []byte, v int64) {
	binary.LittleEndian.PutUint64(buf, uint64(v))
}

// ReadInt64 reads an int64 in little-endian format.
func ReadInt64(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf))
}

// WriteUint32 writes a uint32 in little-endian format.
func WriteUint32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

// ReadUint32 reads a uint32 in little-endian format.
func ReadUint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// WriteInt32 writes an int32 in little-endian format.
func WriteInt32(buf []byte, v int32) {
	binary.LittleEndian.PutUint32(buf, uint32(v))
}

// ReadInt32 reads an int32 in little-endian format.
func ReadInt32(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf))
}

// WriteUint16 writes a uint16 in little-endian format.
func WriteUint16(buf []byte, v uint16) {
	binary.LittleEndian.PutUint16(buf, v)
}

// ReadUint16 reads a uint16 in little-endian format.
func ReadUint16(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

// WriteFloat64 writes a float64 in little-endian format.
func WriteFloat64(buf []byte, f float64) {
	binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
}

// ReadFloat64 reads a float64 in little-endian format.
func ReadFloat64(buf []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(buf))
}

// ---------------------------------------------------------------------------
// Variable-length integer encoding
// ---------------------------------------------------------------------------

// WriteVarInt writes a variable-length unsigned integer.
// Uses 7 bits per byte with high bit as continuation flag.
// Returns the number of bytes written.
func WriteVarInt(buf []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		buf[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return i + 1
}

// ReadVarInt reads a variable-length unsigned integer.
// Returns the value and number of bytes consumed.
func ReadVarInt(buf []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		v |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return v, i + 1
		}
		shift += 7
	}
	return v, len(buf)
}

// WriteSignedVarInt writes a variable-length signed integer.
// Uses zigzag encoding to keep small magnitudes small.
func WriteSignedVarInt(buf []byte, v int64) int {
	// Zigzag encode: (v << 1) ^ (v >> 63)
	uv := uint64((v << 1) ^ (v >> 63))
	return WriteVarInt(buf, uv)
}

// ReadSignedVarInt reads a variable-length signed integer.
func ReadSignedVarInt(buf []byte) (int64, int) {
	uv, n := ReadVarInt(buf)
	// Zigzag decode: (uv >> 1) ^ -(uv & 1)
	v := int64((uv >> 1) ^ -(uv & 1))
	return v, n
}

// ---------------------------------------------------------------------------
// String encoding helpers
// ---------------------------------------------------------------------------

// WriteString writes a length-prefixed string.
// Returns the number of bytes written.
func WriteString(buf []byte, s string) int {
	n := WriteVarInt(buf, uint64(len(s)))
	copy(buf[n:], s)
	return n + len(s)
}

// ReadString reads a length-prefixed string.
// Returns the string and number of bytes consumed.
func ReadString(buf []byte) (string, int) {
	length, n := ReadVarInt(buf)
	end := n + int(length)
	if end > len(buf) {
		return "", n
	}
	s := string(buf[n:end])
	return s, end
}
