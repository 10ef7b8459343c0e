package vm

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// countingMetrics records how often each event fires.
type countingMetrics struct {
	hydrated    int
	quickened   int
	skipped     int
	specialized int
	deoptimized int
}

func (m *countingMetrics) Hydrated()       { m.hydrated++ }
func (m *countingMetrics) Quickened()      { m.quickened++ }
func (m *countingMetrics) QuickenSkipped() { m.skipped++ }
func (m *countingMetrics) Specialized()    { m.specialized++ }
func (m *countingMetrics) Deoptimized()    { m.deoptimized++ }

func TestDehydratedStub(t *testing.T) {
	img, err := NewImageFromBytes(validImageBytes(t))
	if err != nil {
		t.Fatalf("NewImageFromBytes failed: %v", err)
	}

	co, err := img.Code(1)
	if err != nil {
		t.Fatalf("Code failed: %v", err)
	}
	if co.IsHydrated() {
		t.Error("Expected a fresh image code object to be dehydrated")
	}
	if co.CodeLen() != 0 {
		t.Errorf("Expected no instructions before hydration, got %d", co.CodeLen())
	}
	if co.ActiveCode() != nil {
		t.Error("Expected no active code before hydration")
	}
	if co.WarmupCounter() != -WarmupDelay {
		t.Errorf("Expected warmup counter %d, got %d", -WarmupDelay, co.WarmupCounter())
	}

	// Repeated requests return the one stub.
	again, err := img.Code(1)
	if err != nil {
		t.Fatalf("Code failed: %v", err)
	}
	if co != again {
		t.Error("Expected Code to return the same object for the same record")
	}
}

func TestHydrateFieldFidelity(t *testing.T) {
	in := NewInterpreter(Options{})
	outer := imageProgram(t, in)
	original := outer.Consts[0].Code()

	var buf bytes.Buffer
	if err := in.SaveImageTo(&buf, outer); err != nil {
		t.Fatalf("SaveImageTo failed: %v", err)
	}
	img, err := NewImageFromBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("NewImageFromBytes failed: %v", err)
	}

	in2 := NewInterpreter(Options{})
	co, err := img.Code(1)
	if err != nil {
		t.Fatalf("Code failed: %v", err)
	}
	if err := in2.Hydrate(co); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}

	if co.Name != original.Name {
		t.Errorf("Expected name %q, got %q", original.Name, co.Name)
	}
	if co.Filename != original.Filename {
		t.Errorf("Expected filename %q, got %q", original.Filename, co.Filename)
	}
	if co.FirstLineno != original.FirstLineno {
		t.Errorf("Expected first line %d, got %d", original.FirstLineno, co.FirstLineno)
	}
	if co.Argcount != original.Argcount {
		t.Errorf("Expected argcount %d, got %d", original.Argcount, co.Argcount)
	}
	if co.Stacksize != original.Stacksize {
		t.Errorf("Expected stacksize %d, got %d", original.Stacksize, co.Stacksize)
	}
	if co.NumLocalsPlus() != original.NumLocalsPlus() {
		t.Errorf("Expected %d locals, got %d", original.NumLocalsPlus(), co.NumLocalsPlus())
	}
	if got := co.VarNames(); len(got) != 1 || got[0] != "n" {
		t.Errorf("Expected locals [n], got %v", got)
	}

	code, want := co.ActiveCode(), original.ActiveCode()
	if len(code) != len(want) {
		t.Fatalf("Expected %d code units, got %d", len(want), len(code))
	}
	for i := range code {
		if code[i] != want[i] {
			t.Errorf("Code unit %d: expected %v, got %v", i, want[i], code[i])
		}
	}

	if len(co.Consts) != 1 || co.Consts[0] != FromSmallInt(1) {
		t.Errorf("Expected the single constant 1, got %d constants", len(co.Consts))
	}
	if got := co.LineForOffset(0); got != original.LineForOffset(0) {
		t.Errorf("Expected line %d for offset 0, got %d", original.LineForOffset(0), got)
	}
	if co.WarmupCounter() != -WarmupDelay {
		t.Errorf("Expected hydration to leave warmup at %d, got %d", -WarmupDelay, co.WarmupCounter())
	}
}

func TestHydrateIdempotent(t *testing.T) {
	img, err := NewImageFromBytes(validImageBytes(t))
	if err != nil {
		t.Fatalf("NewImageFromBytes failed: %v", err)
	}
	m := &countingMetrics{}
	in := NewInterpreter(Options{Metrics: m})

	co, err := img.Code(0)
	if err != nil {
		t.Fatalf("Code failed: %v", err)
	}
	if err := in.Hydrate(co); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	if m.hydrated != 1 {
		t.Errorf("Expected 1 hydration event, got %d", m.hydrated)
	}

	// A second call finds a hydrated object and does nothing.
	co.Name = "renamed"
	if err := in.Hydrate(co); err != nil {
		t.Fatalf("Second Hydrate failed: %v", err)
	}
	if co.Name != "renamed" {
		t.Error("Expected the second Hydrate to be a no-op")
	}
	if m.hydrated != 1 {
		t.Errorf("Expected 1 hydration event after a repeat, got %d", m.hydrated)
	}
}

func TestHydrateOnCall(t *testing.T) {
	img, err := NewImageFromBytes(validImageBytes(t))
	if err != nil {
		t.Fatalf("NewImageFromBytes failed: %v", err)
	}
	m := &countingMetrics{}
	in := NewInterpreter(Options{Metrics: m})

	entry, err := img.EntryCode()
	if err != nil {
		t.Fatalf("EntryCode failed: %v", err)
	}
	v, err := in.Call(entry)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if v.SmallInt() != 42 {
		t.Errorf("Expected 42, got %d", v.SmallInt())
	}

	// Entering main hydrated it, and calling bump hydrated bump.
	if !entry.IsHydrated() {
		t.Error("Expected the entry code to hydrate on call")
	}
	inner, err := img.Code(1)
	if err != nil {
		t.Fatalf("Code failed: %v", err)
	}
	if !inner.IsHydrated() {
		t.Error("Expected the callee to hydrate when called")
	}
	if m.hydrated != 2 {
		t.Errorf("Expected 2 hydration events, got %d", m.hydrated)
	}
}

func TestHydrateSharesConstPool(t *testing.T) {
	img, err := NewImageFromBytes(validImageBytes(t))
	if err != nil {
		t.Fatalf("NewImageFromBytes failed: %v", err)
	}
	in := NewInterpreter(Options{})

	main, err := img.Code(0)
	if err != nil {
		t.Fatalf("Code failed: %v", err)
	}
	if err := in.Hydrate(main); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	inner, err := img.Code(1)
	if err != nil {
		t.Fatalf("Code failed: %v", err)
	}
	if err := in.Hydrate(inner); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}

	// main's first constant is the code object for record 1: the same
	// object, not a copy.
	if !main.Consts[0].IsCode() {
		t.Fatalf("Expected a code constant, got %s", main.Consts[0].TypeName())
	}
	if main.Consts[0].Code() != inner {
		t.Error("Expected the code constant to be the record 1 object itself")
	}

	// The pool materializes once; both views alias it.
	p1, err := img.constPool(in)
	if err != nil {
		t.Fatalf("constPool failed: %v", err)
	}
	p2, err := img.constPool(in)
	if err != nil {
		t.Fatalf("constPool failed: %v", err)
	}
	if &p1[0] != &p2[0] {
		t.Error("Expected the constant pool to materialize once")
	}

	// String constants resolve through the interpreter's intern table.
	banner := main.Consts[2]
	if !banner.IsStr() {
		t.Fatalf("Expected a string constant, got %s", banner.TypeName())
	}
	if got := in.SymbolName(banner.StrID()); got != "banner" {
		t.Errorf("Expected banner, got %q", got)
	}
}

func TestHydrateAll(t *testing.T) {
	img, err := NewImageFromBytes(validImageBytes(t))
	if err != nil {
		t.Fatalf("NewImageFromBytes failed: %v", err)
	}
	in := NewInterpreter(Options{})

	if err := in.HydrateAll(context.Background(), img); err != nil {
		t.Fatalf("HydrateAll failed: %v", err)
	}
	for i := 0; i < img.CodeCount(); i++ {
		co, err := img.Code(uint32(i))
		if err != nil {
			t.Fatalf("Code(%d) failed: %v", i, err)
		}
		if !co.IsHydrated() {
			t.Errorf("Expected record %d to be hydrated", i)
		}
	}
}

func TestHydrateAllCanceled(t *testing.T) {
	img, err := NewImageFromBytes(validImageBytes(t))
	if err != nil {
		t.Fatalf("NewImageFromBytes failed: %v", err)
	}
	in := NewInterpreter(Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := in.HydrateAll(ctx, img); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestHydrateNoBackingImage(t *testing.T) {
	in := NewInterpreter(Options{})
	co := newDehydratedCode(nil, 0)
	if err := in.Hydrate(co); !errors.Is(err, ErrNoBackingImage) {
		t.Errorf("Expected ErrNoBackingImage, got %v", err)
	}
}

func TestHydrateValidationFailure(t *testing.T) {
	base := validImageBytes(t)
	ref, err := NewImageFromBytes(append([]byte(nil), base...))
	if err != nil {
		t.Fatalf("NewImageFromBytes failed: %v", err)
	}

	// Claim five arguments for bump's single local slot. The record
	// decodes but fails semantic validation.
	data := append([]byte(nil), base...)
	WriteUint32(data[ref.codeOffsets[1]+16:], 5)

	img, err := NewImageFromBytes(data)
	if err != nil {
		t.Fatalf("NewImageFromBytes failed: %v", err)
	}
	in := NewInterpreter(Options{})
	co, err := img.Code(1)
	if err != nil {
		t.Fatalf("Code failed: %v", err)
	}
	if err := in.Hydrate(co); !errors.Is(err, ErrInvalidCodeDef) {
		t.Errorf("Expected ErrInvalidCodeDef, got %v", err)
	}
	if co.IsHydrated() {
		t.Error("Expected the code object to stay dehydrated after a failed hydration")
	}
}
