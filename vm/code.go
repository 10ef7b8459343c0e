package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Construction records
// ---------------------------------------------------------------------------

// ErrInvalidCodeDef is wrapped by every construction-time validation
// failure. A rejected record never produces a partial code object.
var ErrInvalidCodeDef = errors.New("invalid code definition")

// CodeFlags describe properties of a compiled unit.
type CodeFlags uint32

const (
	FlagOptimized   CodeFlags = 0x0001 // fast locals, no dynamic scope
	FlagVarargs     CodeFlags = 0x0004 // trailing *args slot
	FlagVarKeywords CodeFlags = 0x0008 // trailing **kwargs slot
	FlagNested      CodeFlags = 0x0010 // defined inside another unit
)

const knownCodeFlags = FlagOptimized | FlagVarargs | FlagVarKeywords | FlagNested

// LocalKind tags one locals-plus slot. Local and cell may be combined;
// free is mutually exclusive with both.
type LocalKind uint8

const (
	LocalFast LocalKind = 0x20 // plain local or argument
	LocalCell LocalKind = 0x40 // local captured by an inner unit
	LocalFree LocalKind = 0x80 // captured from an outer unit
)

const knownLocalKinds = LocalFast | LocalCell | LocalFree

// CodeDef is the construction record a compiler or loader hands to
// NewCode. Packing everything into one record keeps call sites stable
// while the field set evolves; Validate is the safety net for callers
// that fall out of sync.
type CodeDef struct {
	// Metadata
	Filename string
	Name     string
	Flags    CodeFlags

	// The code: little-endian 16-bit code units
	Code        []byte
	FirstLineno int
	Linetable   []byte

	// Referenced by the code
	Consts []Value
	Names  []string

	// Frame layout
	LocalsPlusNames []string
	LocalsPlusKinds []LocalKind

	// Argument counts (within the locals-plus prefix)
	Argcount        int
	Posonlyargcount int
	Kwonlyargcount  int

	// Needed to size the frame
	Stacksize int

	// Used by the unwinder
	Exceptiontable []byte
}

// Validate rejects malformed or contradictory records with a
// descriptive error.
func (def *CodeDef) Validate() error {
	if def.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidCodeDef)
	}
	if def.Filename == "" {
		return fmt.Errorf("%w: missing filename", ErrInvalidCodeDef)
	}
	if def.Flags&^knownCodeFlags != 0 {
		return fmt.Errorf("%w: unknown flag bits %#x", ErrInvalidCodeDef, uint32(def.Flags&^knownCodeFlags))
	}
	if len(def.Code) == 0 {
		return fmt.Errorf("%w: empty instruction stream", ErrInvalidCodeDef)
	}
	if len(def.Code)%2 != 0 {
		return fmt.Errorf("%w: code length %d is not a whole number of code units", ErrInvalidCodeDef, len(def.Code))
	}
	if def.FirstLineno < 0 {
		return fmt.Errorf("%w: negative first line number %d", ErrInvalidCodeDef, def.FirstLineno)
	}
	if len(def.LocalsPlusNames) != len(def.LocalsPlusKinds) {
		return fmt.Errorf("%w: %d locals-plus names but %d kinds",
			ErrInvalidCodeDef, len(def.LocalsPlusNames), len(def.LocalsPlusKinds))
	}
	for i, kind := range def.LocalsPlusKinds {
		if kind&^knownLocalKinds != 0 {
			return fmt.Errorf("%w: locals-plus slot %d has unknown kind bits %#x", ErrInvalidCodeDef, i, uint8(kind&^knownLocalKinds))
		}
		if kind == 0 {
			return fmt.Errorf("%w: locals-plus slot %d has no kind", ErrInvalidCodeDef, i)
		}
		if kind&LocalFree != 0 && kind&(LocalFast|LocalCell) != 0 {
			return fmt.Errorf("%w: locals-plus slot %d combines free with local/cell", ErrInvalidCodeDef, i)
		}
	}
	if def.Argcount < 0 || def.Posonlyargcount < 0 || def.Kwonlyargcount < 0 {
		return fmt.Errorf("%w: negative argument count", ErrInvalidCodeDef)
	}
	if def.Posonlyargcount > def.Argcount {
		return fmt.Errorf("%w: posonlyargcount %d exceeds argcount %d",
			ErrInvalidCodeDef, def.Posonlyargcount, def.Argcount)
	}
	if def.Argcount+def.Kwonlyargcount > len(def.LocalsPlusNames) {
		return fmt.Errorf("%w: %d arguments but only %d locals-plus slots",
			ErrInvalidCodeDef, def.Argcount+def.Kwonlyargcount, len(def.LocalsPlusNames))
	}
	if def.Stacksize < 0 {
		return fmt.Errorf("%w: negative stack size %d", ErrInvalidCodeDef, def.Stacksize)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Code objects
// ---------------------------------------------------------------------------

// Warmup constants. A code object starts cold and counts up one per
// invocation; at zero it is ready to quicken.
const (
	WarmupDelay          = 8
	warmupInitial  int32 = -WarmupDelay
)

// CodeObject is one executable compiled unit: an instruction stream,
// the tables it references, and the adaptive-optimization state bolted
// onto it at runtime.
//
// Lifecycle: dehydrated -> hydrated at most once (irreversible), and
// non-quickened -> quickened at most once (irreversible). A quickened
// object never un-quickens as a whole; individual sites may fall back
// to generic execution.
type CodeObject struct {
	Filename string
	Name     string
	Flags    CodeFlags

	FirstLineno int
	Linetable   []byte

	// Consts may be shared: every code object hydrated from one image
	// references the image's single pool.
	Consts []Value

	// Interned name tables
	Names           []uint32
	LocalsPlusNames []uint32
	LocalsPlusKinds []LocalKind

	Argcount        int
	Posonlyargcount int
	Kwonlyargcount  int
	Stacksize       int

	Exceptiontable []byte

	// code is nil exactly while the object is dehydrated.
	code []CodeUnit

	warmup         int32
	quick          *CacheRegion
	quickenSkipped bool

	// Lazy backing; nil for eagerly constructed objects.
	image      *Image
	imageIndex uint32

	interp *Interpreter
}

// NewCode validates def and builds a hydrated code object. The record
// is copied; the caller may reuse it.
func (in *Interpreter) NewCode(def *CodeDef) (*CodeObject, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	co := &CodeObject{
		Filename:        def.Filename,
		Name:            def.Name,
		Flags:           def.Flags,
		FirstLineno:     def.FirstLineno,
		Linetable:       append([]byte(nil), def.Linetable...),
		Consts:          append([]Value(nil), def.Consts...),
		Argcount:        def.Argcount,
		Posonlyargcount: def.Posonlyargcount,
		Kwonlyargcount:  def.Kwonlyargcount,
		Stacksize:       def.Stacksize,
		Exceptiontable:  append([]byte(nil), def.Exceptiontable...),
		LocalsPlusKinds: append([]LocalKind(nil), def.LocalsPlusKinds...),
		code:            codeUnitsFromBytes(def.Code),
		warmup:          warmupInitial,
		interp:          in,
	}
	co.Names = make([]uint32, len(def.Names))
	for i, n := range def.Names {
		co.Names[i] = in.Intern(n)
	}
	co.LocalsPlusNames = make([]uint32, len(def.LocalsPlusNames))
	for i, n := range def.LocalsPlusNames {
		co.LocalsPlusNames[i] = in.Intern(n)
	}
	return co, nil
}

// IsHydrated reports whether the instruction stream is materialized.
func (co *CodeObject) IsHydrated() bool {
	return co.code != nil
}

// NumLocalsPlus returns the frame's locals-plus slot count.
func (co *CodeObject) NumLocalsPlus() int {
	return len(co.LocalsPlusKinds)
}

// CodeLen returns the instruction stream length in code units.
func (co *CodeObject) CodeLen() int {
	return len(co.code)
}

// ActiveCode returns the stream dispatch should execute: the quickened
// copy once it exists, the original otherwise.
func (co *CodeObject) ActiveCode() []CodeUnit {
	if co.quick != nil {
		return co.quick.Code()
	}
	return co.code
}

// Region returns the cache region, or nil before quickening.
func (co *CodeObject) Region() *CacheRegion {
	return co.quick
}

// QuickenSkipped reports whether quickening was permanently skipped.
func (co *CodeObject) QuickenSkipped() bool {
	return co.quickenSkipped
}

// IncrementWarmup advances the warmup counter by one invocation.
// Quickened or skipped objects stop counting.
func (co *CodeObject) IncrementWarmup() {
	if co.quick == nil && !co.quickenSkipped {
		co.warmup++
	}
}

// WarmedUp reports whether the counter has reached the trigger point.
func (co *CodeObject) WarmedUp() bool {
	return co.warmup == 0
}

// WarmupCounter exposes the raw counter for diagnostics.
func (co *CodeObject) WarmupCounter() int32 {
	return co.warmup
}

// localsByKind returns the names of locals-plus slots matching mask.
func (co *CodeObject) localsByKind(mask LocalKind) []string {
	var names []string
	for i, kind := range co.LocalsPlusKinds {
		if kind&mask != 0 {
			names = append(names, co.interp.SymbolName(co.LocalsPlusNames[i]))
		}
	}
	return names
}

// VarNames returns the plain local and argument names.
func (co *CodeObject) VarNames() []string { return co.localsByKind(LocalFast) }

// CellVars returns the names of locals captured by inner units.
func (co *CodeObject) CellVars() []string { return co.localsByKind(LocalCell) }

// FreeVars returns the names captured from outer units.
func (co *CodeObject) FreeVars() []string { return co.localsByKind(LocalFree) }

// ---------------------------------------------------------------------------
// Line-number table
// ---------------------------------------------------------------------------

// LineEntry is one run of the line table: Units code units attributed
// to the current line, then the line advances by LineDelta.
type LineEntry struct {
	Units     int
	LineDelta int
}

// EncodeLineTable serializes line entries as (uvarint, signed varint)
// pairs, the form CodeDef.Linetable and image records carry.
func EncodeLineTable(entries []LineEntry) []byte {
	var out []byte
	var scratch [10]byte
	for _, e := range entries {
		n := WriteVarInt(scratch[:], uint64(e.Units))
		out = append(out, scratch[:n]...)
		n = WriteSignedVarInt(scratch[:], int64(e.LineDelta))
		out = append(out, scratch[:n]...)
	}
	return out
}

// LineForOffset maps a code-unit index to a source line using the
// line table; indexes past the table report the final line.
func (co *CodeObject) LineForOffset(idx int) int {
	line := co.FirstLineno
	pos := 0
	table := co.Linetable
	for len(table) > 0 {
		units, n := ReadVarInt(table)
		if n == 0 {
			break
		}
		table = table[n:]
		delta, n := ReadSignedVarInt(table)
		if n == 0 {
			break
		}
		table = table[n:]
		if idx < pos+int(units) {
			return line
		}
		pos += int(units)
		line += int(delta)
	}
	return line
}
