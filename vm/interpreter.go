package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

var (
	ErrAttributeNotFound = errors.New("attribute not found")
	ErrNotCallable       = errors.New("value is not callable")
	ErrArity             = errors.New("wrong number of arguments")
	ErrUnsupportedTypes  = errors.New("unsupported operand types")
	ErrBadBytecode       = errors.New("malformed bytecode")
)

// ---------------------------------------------------------------------------
// Options and construction
// ---------------------------------------------------------------------------

// Options configure an interpreter.
type Options struct {
	// CollectStats enables the per-family specialization tallies
	// behind Stats. Off by default: the counters cost atomic writes on
	// hot paths.
	CollectStats bool

	// Metrics receives engine lifecycle events. Nil means NopMetrics.
	Metrics Metrics
}

// Interpreter executes Loon bytecode. It owns the symbol table, the
// class version-tag source, and the execution stacks.
//
// A single goroutine drives any given interpreter. Only Intern and
// SymbolName are safe to call concurrently; hydration relies on that.
type Interpreter struct {
	symMu   sync.Mutex
	symbols map[string]uint32
	names   []string // ID 1 is names[0]; ID 0 never names a symbol

	nextVersion uint32

	// Execution state
	stack  []Value
	sp     int
	frames []callFrame
	fp     int

	metrics Metrics
	stats   *Stats
	log     commonlog.Logger
}

// NewInterpreter creates an interpreter with the given options.
func NewInterpreter(opts Options) *Interpreter {
	in := &Interpreter{
		symbols: make(map[string]uint32),
		stack:   make([]Value, 1024),
		frames:  make([]callFrame, 64),
		fp:      -1,
		metrics: opts.Metrics,
		log:     commonlog.GetLogger("loon.vm"),
	}
	if in.metrics == nil {
		in.metrics = NopMetrics{}
	}
	if opts.CollectStats {
		in.stats = &Stats{}
	}
	return in
}

// Stats returns the live tally set, or nil when collection is off.
func (in *Interpreter) Stats() *Stats {
	return in.stats
}

// ---------------------------------------------------------------------------
// Interning and version tags
// ---------------------------------------------------------------------------

// Intern returns the stable ID for a name, assigning the next one on
// first use. IDs start at 1; 0 never names a symbol.
func (in *Interpreter) Intern(s string) uint32 {
	in.symMu.Lock()
	defer in.symMu.Unlock()
	if id, ok := in.symbols[s]; ok {
		return id
	}
	in.names = append(in.names, s)
	id := uint32(len(in.names))
	in.symbols[s] = id
	return id
}

// SymbolName returns the string behind an intern ID, or "" for an ID
// this interpreter never produced.
func (in *Interpreter) SymbolName(id uint32) string {
	in.symMu.Lock()
	defer in.symMu.Unlock()
	if id == 0 || int(id) > len(in.names) {
		return ""
	}
	return in.names[id-1]
}

// nextVersionTag hands out class and dict-layout version tags. Once
// the tag space is spent it returns 0 forever, and anything assigned 0
// stays unversionable.
func (in *Interpreter) nextVersionTag() uint32 {
	if in.nextVersion == ^uint32(0) {
		return 0
	}
	in.nextVersion++
	return in.nextVersion
}

// ---------------------------------------------------------------------------
// Stack and frames
// ---------------------------------------------------------------------------

// callFrame is the execution state of one invocation.
type callFrame struct {
	co   *CodeObject
	code []CodeUnit // active stream; the quickened copy once it exists
	ip   int
	bp   int // stack index of locals-plus slot 0
}

func (in *Interpreter) push(v Value) {
	if in.sp >= len(in.stack) {
		next := make([]Value, len(in.stack)*2)
		copy(next, in.stack)
		in.stack = next
	}
	in.stack[in.sp] = v
	in.sp++
}

func (in *Interpreter) pop() Value {
	if in.sp <= 0 {
		panic("stack underflow")
	}
	in.sp--
	return in.stack[in.sp]
}

func (in *Interpreter) top() Value {
	if in.sp <= 0 {
		panic("stack underflow")
	}
	return in.stack[in.sp-1]
}

// enterFrame readies a code object and pushes its frame: hydrate if
// dehydrated, check arity, count the invocation, quicken at the warmup
// trigger.
func (in *Interpreter) enterFrame(co *CodeObject, args []Value) error {
	if !co.IsHydrated() {
		if err := in.Hydrate(co); err != nil {
			return err
		}
	}
	if len(args) != co.Argcount {
		return fmt.Errorf("%w: %s takes %d, got %d", ErrArity, co.Name, co.Argcount, len(args))
	}
	co.IncrementWarmup()
	if co.WarmedUp() {
		if err := in.Quicken(co); err != nil {
			return err
		}
	}

	bp := in.sp
	for _, a := range args {
		in.push(a)
	}
	for i := len(args); i < co.NumLocalsPlus(); i++ {
		in.push(None)
	}

	in.fp++
	if in.fp >= len(in.frames) {
		next := make([]callFrame, len(in.frames)*2)
		copy(next, in.frames)
		in.frames = next
	}
	in.frames[in.fp] = callFrame{co: co, code: co.ActiveCode(), bp: bp}
	return nil
}

func (in *Interpreter) popFrame() {
	in.sp = in.frames[in.fp].bp
	in.fp--
}

// frameError wraps a runtime error with source position context.
func (in *Interpreter) frameError(f *callFrame, err error) error {
	return fmt.Errorf("%s:%d: in %s: %w", f.co.Filename, f.co.LineForOffset(f.ip-1), f.co.Name, err)
}

// ---------------------------------------------------------------------------
// Main interpreter loop
// ---------------------------------------------------------------------------

// Call executes a code object with the given arguments. The code
// object is hydrated and warmed as a side effect; so is anything it
// calls. On error the machine unwinds completely and stays usable.
func (in *Interpreter) Call(co *CodeObject, args ...Value) (Value, error) {
	base := in.fp + 1
	if err := in.enterFrame(co, args); err != nil {
		return None, err
	}
	v, err := in.run(base)
	if err != nil {
		for in.fp >= base {
			in.popFrame()
		}
	}
	return v, err
}

// run drives frames at and above base until the frame at base returns.
func (in *Interpreter) run(base int) (Value, error) {
	ext := 0
	for {
		f := &in.frames[in.fp]
		if f.ip >= len(f.code) {
			return None, in.frameError(f, fmt.Errorf("%w: execution ran off the end", ErrBadBytecode))
		}
		u := f.code[f.ip]
		f.ip++
		op := u.Opcode()
		oparg := ext | int(u.Oparg())
		ext = 0

		switch op {
		case OpNOP:

		case OpPOP:
			in.pop()

		case OpDUP:
			in.push(in.top())

		case OpExtendedArg:
			ext = oparg << 8

		case OpLoadConst:
			if oparg >= len(f.co.Consts) {
				return None, in.frameError(f, fmt.Errorf("%w: constant index %d out of range", ErrBadBytecode, oparg))
			}
			in.push(f.co.Consts[oparg])

		case OpLoadLocal:
			if oparg >= f.co.NumLocalsPlus() {
				return None, in.frameError(f, fmt.Errorf("%w: local slot %d out of range", ErrBadBytecode, oparg))
			}
			in.push(in.stack[f.bp+oparg])

		case OpStoreLocal:
			if oparg >= f.co.NumLocalsPlus() {
				return None, in.frameError(f, fmt.Errorf("%w: local slot %d out of range", ErrBadBytecode, oparg))
			}
			in.stack[f.bp+oparg] = in.pop()

		case OpLoadAttr:
			if oparg >= len(f.co.Names) {
				return None, in.frameError(f, fmt.Errorf("%w: name index %d out of range", ErrBadBytecode, oparg))
			}
			owner := in.pop()
			v, err := in.getAttr(owner, f.co.Names[oparg])
			if err != nil {
				return None, in.frameError(f, err)
			}
			in.push(v)

		case OpLoadAttrAdaptive:
			// Counter zero: attempt to specialize against the receiver
			// on top of the stack, then re-dispatch whatever opcode the
			// site now holds. Otherwise count down and run generic.
			region := f.co.quick
			slot := OffsetFromOparg(oparg, f.ip)
			entry := region.Entry(slot)
			ad := entry.AsAdaptive()
			if ad.Counter == 0 {
				in.specializeLoadAttr(f.co, f.ip-1, in.top())
				f.ip--
				continue
			}
			ad.Counter--
			*entry = ad.Pack()
			if in.stats != nil {
				in.stats.loadAttr.deferred.Add(1)
			}
			owner := in.pop()
			v, err := in.getAttr(owner, f.co.Names[ad.OriginalOparg])
			if err != nil {
				return None, in.frameError(f, err)
			}
			in.push(v)

		case OpLoadAttrSlot:
			region := f.co.quick
			slot := OffsetFromOparg(oparg, f.ip)
			entry := region.Entry(slot)
			ad := entry.AsAdaptive()
			aux := region.Entry(slot + 1).AsAttr()
			owner := in.top()
			if owner.IsObject() && owner.Object().Class().Version() == aux.TypeVersion {
				obj := owner.Object()
				in.pop()
				in.push(obj.Field(int(ad.Index)))
				ad.Counter = counterHit(ad.Counter)
				*entry = ad.Pack()
				if in.stats != nil {
					in.stats.loadAttr.hit.Add(1)
				}
				continue
			}
			if err := in.attrMiss(f, slot, entry, ad); err != nil {
				return None, in.frameError(f, err)
			}

		case OpLoadAttrDict:
			region := f.co.quick
			slot := OffsetFromOparg(oparg, f.ip)
			entry := region.Entry(slot)
			ad := entry.AsAdaptive()
			aux := region.Entry(slot + 1).AsAttr()
			owner := in.top()
			if owner.IsObject() {
				obj := owner.Object()
				d := obj.Dict()
				if d != nil && obj.Class().Version() == aux.TypeVersion && d.Version() == aux.DictOrHint {
					if _, v, live := d.EntryAt(int(ad.Index)); live {
						in.pop()
						in.push(v)
						ad.Counter = counterHit(ad.Counter)
						*entry = ad.Pack()
						if in.stats != nil {
							in.stats.loadAttr.hit.Add(1)
						}
						continue
					}
				}
			}
			if err := in.attrMiss(f, slot, entry, ad); err != nil {
				return None, in.frameError(f, err)
			}

		case OpStoreAttr:
			if oparg >= len(f.co.Names) {
				return None, in.frameError(f, fmt.Errorf("%w: name index %d out of range", ErrBadBytecode, oparg))
			}
			owner := in.pop()
			val := in.pop()
			if err := in.setAttr(owner, f.co.Names[oparg], val); err != nil {
				return None, in.frameError(f, err)
			}

		case OpAdd:
			b := in.pop()
			a := in.pop()
			v, err := addValues(a, b)
			if err != nil {
				return None, in.frameError(f, err)
			}
			in.push(v)

		case OpSub:
			b := in.pop()
			a := in.pop()
			v, err := subValues(a, b)
			if err != nil {
				return None, in.frameError(f, err)
			}
			in.push(v)

		case OpCompareLT:
			b := in.pop()
			a := in.pop()
			less, err := lessThan(a, b)
			if err != nil {
				return None, in.frameError(f, err)
			}
			if less {
				in.push(True)
			} else {
				in.push(False)
			}

		case OpJumpForward:
			f.ip += oparg

		case OpJumpBackward:
			if oparg > f.ip {
				return None, in.frameError(f, fmt.Errorf("%w: backward jump past the start", ErrBadBytecode))
			}
			f.ip -= oparg

		case OpJumpIfFalse:
			if !in.pop().Truthy() {
				f.ip += oparg
			}

		case OpReturnValue:
			result := in.pop()
			in.popFrame()
			if in.fp < base {
				return result, nil
			}
			in.push(result)

		case OpCall:
			args := make([]Value, oparg)
			for j := oparg - 1; j >= 0; j-- {
				args[j] = in.pop()
			}
			callee := in.pop()
			if !callee.IsCode() {
				return None, in.frameError(f, fmt.Errorf("%w: %s", ErrNotCallable, callee.TypeName()))
			}
			if err := in.enterFrame(callee.Code(), args); err != nil {
				return None, in.frameError(f, err)
			}

		default:
			return None, in.frameError(f, fmt.Errorf("%w: opcode %#02x", ErrBadBytecode, byte(op)))
		}
	}
}

// attrMiss handles a specialized-site miss: count it, deoptimize at the
// zero saturation point, then run the generic lookup with the entry's
// original oparg.
func (in *Interpreter) attrMiss(f *callFrame, slot int, entry *CacheEntry, ad AdaptiveEntry) error {
	if in.stats != nil {
		in.stats.loadAttr.miss.Add(1)
	}
	ad.Counter = counterMiss(ad.Counter)
	if tooManyMisses(ad.Counter) {
		in.deoptimizeAttrSite(f.co, f.ip-1, slot, ad)
	} else {
		*entry = ad.Pack()
	}
	owner := in.pop()
	v, err := in.getAttr(owner, f.co.Names[ad.OriginalOparg])
	if err != nil {
		return err
	}
	in.push(v)
	return nil
}

// ---------------------------------------------------------------------------
// Generic operations
// ---------------------------------------------------------------------------

// getAttr is the generic attribute lookup.
func (in *Interpreter) getAttr(owner Value, sym uint32) (Value, error) {
	if owner.IsObject() {
		if v, ok := owner.Object().Attr(sym); ok {
			return v, nil
		}
		return None, fmt.Errorf("%w: %s object has no attribute %q",
			ErrAttributeNotFound, owner.Object().Class().Name, in.SymbolName(sym))
	}
	return None, fmt.Errorf("%w: %s has no attribute %q",
		ErrAttributeNotFound, owner.TypeName(), in.SymbolName(sym))
}

// setAttr is the generic attribute assignment.
func (in *Interpreter) setAttr(owner Value, sym uint32, v Value) error {
	if !owner.IsObject() {
		return fmt.Errorf("%w: cannot assign attribute on %s", ErrAttributeNotFound, owner.TypeName())
	}
	owner.Object().SetAttr(sym, v)
	return nil
}

func numericAsFloat(v Value) (float64, bool) {
	switch {
	case v.IsFloat():
		return v.Float64(), true
	case v.IsSmallInt():
		return float64(v.SmallInt()), true
	}
	return 0, false
}

// addValues adds two numbers. Integer results outside the small-int
// range spill to float.
func addValues(a, b Value) (Value, error) {
	if a.IsSmallInt() && b.IsSmallInt() {
		sum := a.SmallInt() + b.SmallInt()
		if v, ok := TryFromSmallInt(sum); ok {
			return v, nil
		}
		return FromFloat64(float64(sum)), nil
	}
	af, aok := numericAsFloat(a)
	bf, bok := numericAsFloat(b)
	if aok && bok {
		return FromFloat64(af + bf), nil
	}
	return None, fmt.Errorf("%w: %s + %s", ErrUnsupportedTypes, a.TypeName(), b.TypeName())
}

// subValues subtracts two numbers with the same spill rule as addValues.
func subValues(a, b Value) (Value, error) {
	if a.IsSmallInt() && b.IsSmallInt() {
		diff := a.SmallInt() - b.SmallInt()
		if v, ok := TryFromSmallInt(diff); ok {
			return v, nil
		}
		return FromFloat64(float64(diff)), nil
	}
	af, aok := numericAsFloat(a)
	bf, bok := numericAsFloat(b)
	if aok && bok {
		return FromFloat64(af - bf), nil
	}
	return None, fmt.Errorf("%w: %s - %s", ErrUnsupportedTypes, a.TypeName(), b.TypeName())
}

// lessThan compares two numbers.
func lessThan(a, b Value) (bool, error) {
	if a.IsSmallInt() && b.IsSmallInt() {
		return a.SmallInt() < b.SmallInt(), nil
	}
	af, aok := numericAsFloat(a)
	bf, bok := numericAsFloat(b)
	if aok && bok {
		return af < bf, nil
	}
	return false, fmt.Errorf("%w: %s < %s", ErrUnsupportedTypes, a.TypeName(), b.TypeName())
}
