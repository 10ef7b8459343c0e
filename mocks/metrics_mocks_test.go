package mocks_test

import (
	"testing"

	"github.com/loon-lang/loon/mocks"
	"github.com/loon-lang/loon/vm"
)

// TestMetricsMockObservesWarmup drives a real interpreter through
// warmup with the mock installed and checks the recorded calls.
func TestMetricsMockObservesWarmup(t *testing.T) {
	m := &mocks.MetricsMock{
		DeoptimizedFunc:    func() {},
		HydratedFunc:       func() {},
		QuickenSkippedFunc: func() {},
		QuickenedFunc:      func() {},
		SpecializedFunc:    func() {},
	}
	in := vm.NewInterpreter(vm.Options{Metrics: m})

	b := vm.NewCodeBuilder()
	b.Emit(vm.OpLoadLocal, 0)
	b.Emit(vm.OpLoadAttr, 0)
	b.Emit(vm.OpReturnValue, 0)
	co, err := in.NewCode(&vm.CodeDef{
		Filename:        "mock.loon",
		Name:            "getCount",
		Code:            b.Bytes(),
		Names:           []string{"count"},
		LocalsPlusNames: []string{"tally"},
		LocalsPlusKinds: []vm.LocalKind{vm.LocalFast},
		Argcount:        1,
		Stacksize:       1,
	})
	if err != nil {
		t.Fatalf("NewCode failed: %v", err)
	}

	cls := in.NewClass("Tally", nil, []string{"count"})
	obj := vm.NewObject(cls)
	obj.SetField(0, vm.FromSmallInt(3))

	for i := 0; i < vm.WarmupDelay; i++ {
		if _, err := in.Call(co, vm.FromObject(obj)); err != nil {
			t.Fatalf("Call failed: %v", err)
		}
	}

	if got := len(m.QuickenedCalls()); got != 1 {
		t.Errorf("Expected 1 Quickened call, got %d", got)
	}
	if got := len(m.SpecializedCalls()); got != 1 {
		t.Errorf("Expected 1 Specialized call, got %d", got)
	}
	if got := len(m.HydratedCalls()); got != 0 {
		t.Errorf("Expected no Hydrated calls for eager code, got %d", got)
	}
	if got := len(m.DeoptimizedCalls()); got != 0 {
		t.Errorf("Expected no Deoptimized calls, got %d", got)
	}
}

// TestMetricsMockPanicsWhenUnconfigured matches the generated
// contract: calling a method with no Func set panics.
func TestMetricsMockPanicsWhenUnconfigured(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected a panic for an unconfigured method")
		}
	}()
	(&mocks.MetricsMock{}).Quickened()
}
