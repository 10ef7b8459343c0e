package vm

import (
	"bytes"
	"testing"
)

// =============================================================================
// Benchmark Helpers
// =============================================================================

// benchAttrCode builds a one-attribute accessor, padded with NOPs past
// the return so the stream length is controllable without changing the
// executed path.
func benchAttrCode(b *testing.B, in *Interpreter, pad int) *CodeObject {
	b.Helper()

	cb := NewCodeBuilder()
	cb.Emit(OpLoadLocal, 0)
	cb.Emit(OpLoadAttr, 0)
	cb.Emit(OpReturnValue, 0)
	for i := 0; i < pad; i++ {
		cb.Emit(OpNOP, 0)
	}
	co, err := in.NewCode(&CodeDef{
		Filename:        "bench.loon",
		Name:            "getWeight",
		Code:            cb.Bytes(),
		Names:           []string{"weight"},
		LocalsPlusNames: []string{"crate"},
		LocalsPlusKinds: []LocalKind{LocalFast},
		Argcount:        1,
		Stacksize:       1,
	})
	if err != nil {
		b.Fatalf("NewCode failed: %v", err)
	}
	return co
}

func benchReceiver(in *Interpreter, className string) Value {
	cls := in.NewClass(className, nil, []string{"weight"})
	obj := NewObject(cls)
	obj.SetField(0, FromSmallInt(750))
	return FromObject(obj)
}

// =============================================================================
// Attribute Access
// =============================================================================

// BenchmarkLoadAttrGeneric measures the unspecialized lookup: the
// stream is padded past the quickening ceiling, so every access walks
// the class layout.
func BenchmarkLoadAttrGeneric(b *testing.B) {
	in := NewInterpreter(Options{})
	co := benchAttrCode(b, in, MaxSizeToQuicken)
	crate := benchReceiver(in, "Crate")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		in.Call(co, crate)
	}
}

// BenchmarkLoadAttrSpecialized measures the slot fast path after the
// site has warmed up and specialized.
func BenchmarkLoadAttrSpecialized(b *testing.B) {
	in := NewInterpreter(Options{})
	co := benchAttrCode(b, in, 0)
	crate := benchReceiver(in, "Crate")

	for i := 0; i < WarmupDelay+1; i++ {
		if _, err := in.Call(co, crate); err != nil {
			b.Fatalf("warmup call failed: %v", err)
		}
	}
	if co.Region() == nil {
		b.Fatal("Expected the code to quicken during warmup")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		in.Call(co, crate)
	}
}

// BenchmarkLoadAttrPolymorphic measures the cache under alternating
// receiver classes, where the validated entry keeps missing.
func BenchmarkLoadAttrPolymorphic(b *testing.B) {
	in := NewInterpreter(Options{})
	co := benchAttrCode(b, in, 0)
	receivers := [2]Value{benchReceiver(in, "Crate"), benchReceiver(in, "Barrel")}

	for i := 0; i < WarmupDelay+1; i++ {
		if _, err := in.Call(co, receivers[i%2]); err != nil {
			b.Fatalf("warmup call failed: %v", err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		in.Call(co, receivers[i%2])
	}
}

// =============================================================================
// Dispatch and Frames
// =============================================================================

// BenchmarkArithmeticLoop measures raw dispatch over the counting loop.
func BenchmarkArithmeticLoop(b *testing.B) {
	in := NewInterpreter(Options{})
	co := sumTo(b, in)
	n := FromSmallInt(100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		in.Call(co, n)
	}
}

// BenchmarkCallOverhead measures frame entry and exit around a body
// that does nothing but return its argument.
func BenchmarkCallOverhead(b *testing.B) {
	in := NewInterpreter(Options{})
	cb := NewCodeBuilder()
	cb.Emit(OpLoadLocal, 0)
	cb.Emit(OpReturnValue, 0)
	co := mustCode(b, in, &CodeDef{
		Filename:        "bench.loon",
		Name:            "identity",
		Code:            cb.Bytes(),
		LocalsPlusNames: []string{"x"},
		LocalsPlusKinds: []LocalKind{LocalFast},
		Argcount:        1,
		Stacksize:       1,
	})
	v := FromSmallInt(7)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		in.Call(co, v)
	}
}

var benchCounter uint8

// BenchmarkCounterTransitions measures the hit and miss counter math.
func BenchmarkCounterTransitions(b *testing.B) {
	c := counterStart
	for i := 0; i < b.N; i++ {
		c = counterHit(c)
		c = counterMiss(c)
	}
	benchCounter = c
}

// =============================================================================
// Images
// =============================================================================

// BenchmarkOpenAndHydrate measures parsing an image and materializing
// every code object in it.
func BenchmarkOpenAndHydrate(b *testing.B) {
	data := buildSeedImage(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		img, err := NewImageFromBytes(data)
		if err != nil {
			b.Fatalf("NewImageFromBytes failed: %v", err)
		}
		in := NewInterpreter(Options{})
		for j := 0; j < img.CodeCount(); j++ {
			co, err := img.Code(uint32(j))
			if err != nil {
				b.Fatalf("Code failed: %v", err)
			}
			if err := in.Hydrate(co); err != nil {
				b.Fatalf("Hydrate failed: %v", err)
			}
		}
	}
}

// BenchmarkSaveImage measures serializing a small program.
func BenchmarkSaveImage(b *testing.B) {
	in := NewInterpreter(Options{})
	outer := imageProgram(b, in)
	var buf bytes.Buffer

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := in.SaveImageTo(&buf, outer); err != nil {
			b.Fatalf("SaveImageTo failed: %v", err)
		}
	}
}
