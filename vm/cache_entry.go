package vm

import (
	"fmt"
	"unsafe"
)

// ---------------------------------------------------------------------------
// Cache entries
// ---------------------------------------------------------------------------

// CacheEntrySize is the fixed width of every cache entry, in bytes.
// The 4:1 code-unit:entry density assumption behind the addressing
// formulas depends on it, so every variant below must encode to
// exactly this many bytes.
const CacheEntrySize = 8

// InstructionsPerEntry is how many code units fit in one cache entry.
const InstructionsPerEntry = CacheEntrySize / 2

// CacheEntry is one raw 8-byte cache slot. The three variant structs
// below are its mutually exclusive interpretations; which one applies
// is determined by the slot's role (header, adaptive, auxiliary), never
// by inspecting the bits. Packing is explicit shift/mask with
// little-endian field order — no layout aliasing.
type CacheEntry uint64

// CountEntry is the header variant: the region's total entry count.
// It always occupies logical slot count-1 (array index 0).
type CountEntry struct {
	Count int32
	_     uint32
}

// AdaptiveEntry is the per-site bookkeeping variant: the original
// oparg (the semantic operand a generic fallback needs), the saturating
// counter, and an auxiliary index used by specialized forms.
type AdaptiveEntry struct {
	OriginalOparg uint8
	Counter       uint8
	Index         uint16
	_             uint32
}

// AttrEntry is the attribute-load cache variant: the owner class's
// version tag and, for dict-backed loads, the dict version.
type AttrEntry struct {
	TypeVersion uint32
	DictOrHint  uint32
}

// Structural assertions: a variant whose size drifts from
// CacheEntrySize fails to compile.
var (
	_ [CacheEntrySize]byte = [unsafe.Sizeof(CountEntry{})]byte{}
	_ [CacheEntrySize]byte = [unsafe.Sizeof(AdaptiveEntry{})]byte{}
	_ [CacheEntrySize]byte = [unsafe.Sizeof(AttrEntry{})]byte{}
)

// Pack encodes the count variant into a raw slot.
func (e CountEntry) Pack() CacheEntry {
	return CacheEntry(uint32(e.Count))
}

// AsCount decodes the slot as a count entry.
func (e CacheEntry) AsCount() CountEntry {
	return CountEntry{Count: int32(uint32(e))}
}

// Pack encodes the adaptive variant into a raw slot.
func (e AdaptiveEntry) Pack() CacheEntry {
	return CacheEntry(uint64(e.OriginalOparg) |
		uint64(e.Counter)<<8 |
		uint64(e.Index)<<16)
}

// AsAdaptive decodes the slot as an adaptive entry.
func (e CacheEntry) AsAdaptive() AdaptiveEntry {
	return AdaptiveEntry{
		OriginalOparg: uint8(e),
		Counter:       uint8(e >> 8),
		Index:         uint16(e >> 16),
	}
}

// Pack encodes the attribute-load variant into a raw slot.
func (e AttrEntry) Pack() CacheEntry {
	return CacheEntry(uint64(e.TypeVersion) | uint64(e.DictOrHint)<<32)
}

// AsAttr decodes the slot as an attribute-load entry.
func (e CacheEntry) AsAttr() AttrEntry {
	return AttrEntry{
		TypeVersion: uint32(e),
		DictOrHint:  uint32(e >> 32),
	}
}

// ---------------------------------------------------------------------------
// Cache region
// ---------------------------------------------------------------------------

// CacheRegion is a code object's quickened arena: the cache entries and
// the rewritten instruction copy they serve. Logical slot 0 is the slot
// adjacent to the instructions; logical slot count-1 (array index 0) is
// the header count entry. Allocated once at quickening time, never
// resized.
type CacheRegion struct {
	entries []CacheEntry
	code    []CodeUnit
}

func newCacheRegion(entryCount int, code []CodeUnit) *CacheRegion {
	r := &CacheRegion{
		entries: make([]CacheEntry, entryCount),
		code:    make([]CodeUnit, len(code)),
	}
	copy(r.code, code)
	r.entries[0] = CountEntry{Count: int32(entryCount)}.Pack()
	return r
}

// EntryCount returns the region's total entry count, header included.
func (r *CacheRegion) EntryCount() int {
	return len(r.entries)
}

// Entry returns the cache slot with logical index n. Slot n lives at
// array index count-1-n, so low slot numbers sit next to the
// instruction stream.
func (r *CacheRegion) Entry(n int) *CacheEntry {
	if n < 0 || n >= len(r.entries) {
		panic(fmt.Sprintf("CacheRegion.Entry: slot %d out of range [0,%d)", n, len(r.entries)))
	}
	return &r.entries[len(r.entries)-1-n]
}

// Code returns the region's instruction stream. Dispatch executes this
// copy; the code object's original stream stays untouched.
func (r *CacheRegion) Code() []CodeUnit {
	return r.code
}

// ---------------------------------------------------------------------------
// Addressing
// ---------------------------------------------------------------------------

// OffsetFromOparg derives a cache slot index from an instruction's
// cache oparg. nexti is the index one past the instruction. The
// half-index term exploits the observed density (about one site per
// four instructions, two entries each); the oparg corrects the
// residual.
func OffsetFromOparg(oparg, nexti int) int {
	return (nexti >> 1) + oparg
}

// OpargFromOffset is the inverse: the oparg that makes a given slot
// reachable from an instruction. Reports false when the slot is too
// far behind the half-index estimate to fit in 8 bits — such a site
// must stay generic.
func OpargFromOffset(offset, nexti int) (int, bool) {
	oparg := offset - (nexti >> 1)
	if oparg < 0 || oparg > 0xFF {
		return oparg, false
	}
	return oparg, true
}
