package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Saturating counter tests
// ---------------------------------------------------------------------------

func TestCounterConstants(t *testing.T) {
	if counterZero != 255 {
		t.Errorf("Expected zero point 255, got %d", counterZero)
	}
	zero := counterZero // non-constant so the shift truncates to 8 bits
	if counterStart != zero<<3 {
		t.Errorf("Expected start %d, got %d", zero<<3, counterStart)
	}
	if counterStart != 248 {
		t.Errorf("Expected start 248, got %d", counterStart)
	}
	if counterBackoff != 64 {
		t.Errorf("Expected backoff 64, got %d", counterBackoff)
	}
}

func TestCounterHitSequence(t *testing.T) {
	// From full reset, five straight hits reach full confidence.
	want := []uint8{240, 224, 192, 128, 0}
	c := counterStart
	for i, w := range want {
		c = counterHit(c)
		if c != w {
			t.Fatalf("Expected %d after hit %d, got %d", w, i+1, c)
		}
	}
	// Full confidence is a fixed point.
	if counterHit(0) != 0 {
		t.Errorf("Expected hit at 0 to stay 0, got %d", counterHit(0))
	}
}

func TestCounterMissSequence(t *testing.T) {
	want := []uint8{252, 254, 255}
	c := counterStart
	for i, w := range want {
		c = counterMiss(c)
		if c != w {
			t.Fatalf("Expected %d after miss %d, got %d", w, i+1, c)
		}
	}
	// The zero saturation point is a fixed point.
	if counterMiss(counterZero) != counterZero {
		t.Errorf("Expected miss at %d to stay put, got %d", counterZero, counterMiss(counterZero))
	}
}

func TestCounterHitsAreEven(t *testing.T) {
	// A hit can never land on the zero point: doubling always produces
	// an even value and the zero point is odd.
	for c := 0; c <= 255; c++ {
		if counterHit(uint8(c))%2 != 0 {
			t.Fatalf("counterHit(%d) = %d is odd", c, counterHit(uint8(c)))
		}
	}
}

func TestTooManyMissesOnlyAtZeroPoint(t *testing.T) {
	for c := 0; c <= 255; c++ {
		got := tooManyMisses(uint8(c))
		if got != (c == 255) {
			t.Errorf("tooManyMisses(%d) = %v", c, got)
		}
	}
}

func TestCounterMissesAlwaysSaturate(t *testing.T) {
	// From any starting value, a bounded run of misses reaches the zero
	// point; no wraparound back into confident territory.
	for start := 0; start <= 255; start++ {
		c := uint8(start)
		for i := 0; i < 16 && !tooManyMisses(c); i++ {
			next := counterMiss(c)
			if next < 128 {
				t.Fatalf("counterMiss(%d) = %d dropped below 128", c, next)
			}
			c = next
		}
		if !tooManyMisses(c) {
			t.Errorf("Expected misses from %d to saturate within 16 steps, stuck at %d", start, c)
		}
	}
}

// ---------------------------------------------------------------------------
// Specializer tests
// ---------------------------------------------------------------------------

// attrTestCode builds and quickens a one-attribute-load function:
// return obj.<attr>. The load lands at instruction index 1.
func attrTestCode(t *testing.T, in *Interpreter, attr string) *CodeObject {
	t.Helper()
	b := NewCodeBuilder()
	b.Emit(OpLoadLocal, 0)
	b.Emit(OpLoadAttr, 0)
	b.Emit(OpReturnValue, 0)
	co, err := in.NewCode(&CodeDef{
		Filename:        "attr_test.loon",
		Name:            "getattr",
		Code:            b.Bytes(),
		Names:           []string{attr},
		LocalsPlusNames: []string{"obj"},
		LocalsPlusKinds: []LocalKind{LocalFast},
		Argcount:        1,
		Stacksize:       2,
	})
	if err != nil {
		t.Fatalf("NewCode: %v", err)
	}
	if err := in.Quicken(co); err != nil {
		t.Fatalf("Quicken: %v", err)
	}
	return co
}

func TestSpecializeToSlotForm(t *testing.T) {
	in := NewInterpreter(Options{CollectStats: true})
	co := attrTestCode(t, in, "y")

	cls := in.NewClass("Point", nil, []string{"x", "y"})
	obj := NewObject(cls)
	obj.SetField(1, FromSmallInt(7))

	if !in.specializeLoadAttr(co, 1, FromObject(obj)) {
		t.Fatal("Expected specialization to succeed")
	}

	region := co.Region()
	if got := region.Code()[1].Opcode(); got != OpLoadAttrSlot {
		t.Errorf("Expected LOAD_ATTR_SLOT, got %s", got)
	}
	slot := OffsetFromOparg(int(region.Code()[1].Oparg()), 2)
	ad := region.Entry(slot).AsAdaptive()
	if ad.Index != 1 {
		t.Errorf("Expected field slot 1, got %d", ad.Index)
	}
	if ad.Counter != counterStart {
		t.Errorf("Expected counter %d, got %d", counterStart, ad.Counter)
	}
	if ad.OriginalOparg != 0 {
		t.Errorf("Expected original oparg 0, got %d", ad.OriginalOparg)
	}
	aux := region.Entry(slot + 1).AsAttr()
	if aux.TypeVersion != cls.Version() {
		t.Errorf("Expected cached version %d, got %d", cls.Version(), aux.TypeVersion)
	}
	if aux.DictOrHint != 0 {
		t.Errorf("Expected empty dict word, got %d", aux.DictOrHint)
	}
	if got := in.Stats().Snapshot().LoadAttr.Success; got != 1 {
		t.Errorf("Expected 1 success, got %d", got)
	}
}

func TestSpecializeToDictForm(t *testing.T) {
	in := NewInterpreter(Options{})
	co := attrTestCode(t, in, "color")

	cls := in.NewClass("Sprite", nil, nil)
	obj := NewObject(cls)
	obj.SetAttr(in.Intern("shape"), FromSmallInt(1))
	obj.SetAttr(in.Intern("color"), FromSmallInt(2))

	if !in.specializeLoadAttr(co, 1, FromObject(obj)) {
		t.Fatal("Expected specialization to succeed")
	}

	region := co.Region()
	if got := region.Code()[1].Opcode(); got != OpLoadAttrDict {
		t.Errorf("Expected LOAD_ATTR_DICT, got %s", got)
	}
	slot := OffsetFromOparg(int(region.Code()[1].Oparg()), 2)
	ad := region.Entry(slot).AsAdaptive()
	if ad.Index != 1 {
		t.Errorf("Expected dict entry index 1, got %d", ad.Index)
	}
	aux := region.Entry(slot + 1).AsAttr()
	if aux.TypeVersion != cls.Version() {
		t.Errorf("Expected cached class version %d, got %d", cls.Version(), aux.TypeVersion)
	}
	if aux.DictOrHint != obj.Dict().Version() {
		t.Errorf("Expected cached dict version %d, got %d", obj.Dict().Version(), aux.DictOrHint)
	}
}

func TestSpecializeFailureBacksOff(t *testing.T) {
	in := NewInterpreter(Options{CollectStats: true})
	co := attrTestCode(t, in, "x")

	// Non-object receiver: no form fits.
	if in.specializeLoadAttr(co, 1, FromSmallInt(42)) {
		t.Fatal("Expected specialization to fail")
	}

	region := co.Region()
	if got := region.Code()[1].Opcode(); got != OpLoadAttrAdaptive {
		t.Errorf("Expected site to stay adaptive, got %s", got)
	}
	slot := OffsetFromOparg(int(region.Code()[1].Oparg()), 2)
	if got := region.Entry(slot).AsAdaptive().Counter; got != counterBackoff {
		t.Errorf("Expected backoff counter %d, got %d", counterBackoff, got)
	}
	if got := in.Stats().Snapshot().LoadAttr.Failure; got != 1 {
		t.Errorf("Expected 1 failure, got %d", got)
	}
}

func TestSpecializeClassAttrStaysGeneric(t *testing.T) {
	in := NewInterpreter(Options{})
	co := attrTestCode(t, in, "kind")

	cls := in.NewClass("Widget", nil, nil)
	cls.SetAttr(in.Intern("kind"), FromSmallInt(3))
	obj := NewObject(cls)

	if in.specializeLoadAttr(co, 1, FromObject(obj)) {
		t.Fatal("Expected class-level attribute to stay generic")
	}
	if got := co.Region().Code()[1].Opcode(); got != OpLoadAttrAdaptive {
		t.Errorf("Expected site to stay adaptive, got %s", got)
	}
}

func TestSpecializeUnversionableClass(t *testing.T) {
	in := NewInterpreter(Options{})
	co := attrTestCode(t, in, "x")

	cls := in.NewClass("Exhausted", nil, []string{"x"})
	cls.version = 0 // tag space spent
	obj := NewObject(cls)

	if in.specializeLoadAttr(co, 1, FromObject(obj)) {
		t.Fatal("Expected unversionable class to stay generic")
	}
}

func TestDeoptimizeAttrSite(t *testing.T) {
	in := NewInterpreter(Options{CollectStats: true})
	co := attrTestCode(t, in, "x")

	cls := in.NewClass("Point", nil, []string{"x"})
	obj := NewObject(cls)
	if !in.specializeLoadAttr(co, 1, FromObject(obj)) {
		t.Fatal("Expected specialization to succeed")
	}

	region := co.Region()
	oparg := region.Code()[1].Oparg()
	slot := OffsetFromOparg(int(oparg), 2)
	ad := region.Entry(slot).AsAdaptive()

	in.deoptimizeAttrSite(co, 1, slot, ad)

	if got := region.Code()[1].Opcode(); got != OpLoadAttrAdaptive {
		t.Errorf("Expected LOAD_ATTR_ADAPTIVE after deopt, got %s", got)
	}
	if got := region.Code()[1].Oparg(); got != oparg {
		t.Errorf("Expected cache oparg %d preserved, got %d", oparg, got)
	}
	ad = region.Entry(slot).AsAdaptive()
	if ad.Counter != counterBackoff {
		t.Errorf("Expected backoff counter %d, got %d", counterBackoff, ad.Counter)
	}
	if ad.Index != 0 {
		t.Errorf("Expected index cleared, got %d", ad.Index)
	}
	if ad.OriginalOparg != 0 {
		t.Errorf("Expected original oparg preserved, got %d", ad.OriginalOparg)
	}
	if got := in.Stats().Snapshot().LoadAttr.Deopt; got != 1 {
		t.Errorf("Expected 1 deopt, got %d", got)
	}
}
