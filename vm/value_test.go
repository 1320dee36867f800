package vm

import (
	"testing"
)

func TestValueTypes(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want Type
	}{
		{"null", Null, TypeNull},
		{"zero", Value{}, TypeNull},
		{"int", Int(7), TypeInteger},
		{"float", Float(1.5), TypeFloat},
		{"bool", True, TypeBool},
		{"pointer", UserPointer(&struct{}{}), TypeUserPointer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Type(); got != tt.want {
				t.Errorf("Type() = %v, want %v", got, tt.want)
			}
			if tt.v.IsRefCounted() {
				t.Error("inline values are not reference counted")
			}
		})
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		v    Value
		want bool
	}{
		{Null, false},
		{False, false},
		{True, true},
		{Int(0), false},
		{Int(-1), true},
		{Float(0), false},
		{Float(0.1), true},
	}
	for _, tt := range tests {
		if got := tt.v.Truthy(); got != tt.want {
			t.Errorf("%s.Truthy() = %v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestRawEqualCrossNumeric(t *testing.T) {
	if !RawEqual(Int(3), Float(3)) {
		t.Error("3 and 3.0 should be raw equal")
	}
	if RawEqual(Int(1), True) {
		t.Error("integers and bools are different types")
	}
	if !RawEqual(Null, Value{}) {
		t.Error("the zero value is null")
	}
}

func TestStringInterning(t *testing.T) {
	v := newTestVM(t)
	a := v.ss.NewString("hello")
	b := v.ss.NewString("hel" + "lo")
	if !RawEqual(a, b) || a.Object() != b.Object() {
		t.Error("equal strings should share one object")
	}
	if Hash(a) != Hash(b) {
		t.Error("equal strings should hash alike")
	}
	if RawEqual(a, v.ss.NewString("world")) {
		t.Error("different strings should not be equal")
	}
}

func TestStringLeavesInternTable(t *testing.T) {
	v := newTestVM(t)
	v.PushString("transient-string")
	h, _ := v.GetObjectHandle(-1)
	v.AddRef(h)
	v.Pop(1)
	if !v.Release(h) {
		t.Fatal("releasing the last reference should destroy the string")
	}
	if _, ok := v.ss.strings["transient-string"]; ok {
		t.Error("a destroyed string should leave the intern table")
	}
	fresh := v.ss.NewString("transient-string")
	if fresh.Object() == h.Object() {
		t.Error("a new string should not reuse a destroyed object")
	}
}

func TestRefCounting(t *testing.T) {
	v := newTestVM(t)
	v.NewTable()
	h, err := v.GetObjectHandle(-1)
	if err != nil {
		t.Fatal(err)
	}
	if got := v.GetRefCount(h); got != 1 {
		t.Fatalf("refcount on stack = %d, want 1", got)
	}

	v.AddRef(h)
	v.Pop(1)
	if got := v.GetRefCount(h); got != 1 {
		t.Errorf("refcount after pop = %d, want 1", got)
	}

	v.PushObjectHandle(h)
	if got := v.GetRefCount(h); got != 2 {
		t.Errorf("refcount after push = %d, want 2", got)
	}
	v.Pop(1)
	if !v.Release(h) {
		t.Error("dropping the host reference should destroy the table")
	}
}

func TestContainerOwnsValues(t *testing.T) {
	v := newTestVM(t)
	v.NewTable()
	v.NewArray(0)
	arr, _ := v.GetObjectHandle(-1)

	v.PushString("items")
	if err := v.Push(-2); err != nil {
		t.Fatal(err)
	}
	if err := v.NewSlot(-4, false); err != nil {
		t.Fatal(err)
	}
	if got := v.GetRefCount(arr); got != 2 {
		t.Errorf("refcount held by stack and table = %d, want 2", got)
	}
	v.Pop(1)
	if got := v.GetRefCount(arr); got != 1 {
		t.Errorf("refcount held by table = %d, want 1", got)
	}
	v.Pop(1)
	if o := arr.Object(); !o.header().dead {
		t.Error("destroying the table should release its values")
	}
}

// ---------------------------------------------------------------------------
// Weak references
// ---------------------------------------------------------------------------

func TestWeakRefObservesTarget(t *testing.T) {
	v := newTestVM(t)
	v.NewTable()
	if err := v.WeakRef(-1); err != nil {
		t.Fatal(err)
	}
	if v.GetType(-1) != TypeWeakRef {
		t.Fatalf("WeakRef pushed %v", v.GetType(-1))
	}
	if err := v.GetWeakRefVal(-1); err != nil {
		t.Fatal(err)
	}
	if !RawEqual(v.At(-1), v.At(1)) {
		t.Error("weak ref should resolve to its target")
	}
	v.Pop(1)

	// Drop the only strong reference; the weak cell survives.
	if err := v.Remove(1); err != nil {
		t.Fatal(err)
	}
	if err := v.GetWeakRefVal(-1); err != nil {
		t.Fatal(err)
	}
	if v.GetType(-1) != TypeNull {
		t.Errorf("weak ref to a destroyed table = %v, want null", v.GetType(-1))
	}
}

func TestWeakRefIsShared(t *testing.T) {
	v := newTestVM(t)
	v.NewArray(0)
	_ = v.WeakRef(1)
	_ = v.WeakRef(1)
	if !RawEqual(v.At(2), v.At(3)) {
		t.Error("an object should have a single weak cell")
	}
}

func TestWeakRefOfInlineValue(t *testing.T) {
	v := newTestVM(t)
	v.PushInteger(5)
	if err := v.WeakRef(-1); err != nil {
		t.Fatal(err)
	}
	if v.GetType(-1) != TypeInteger || topInt(t, v) != 5 {
		t.Errorf("weak ref of an integer should be the integer, got %v", v.GetType(-1))
	}
}

func TestWeakRefDelegate(t *testing.T) {
	v := newTestVM(t)
	v.NewTable()
	_ = v.WeakRef(-1)
	v.PushString("ref")
	if err := v.Get(-2); err != nil {
		t.Fatal(err)
	}
	if err := v.Push(-2); err != nil {
		t.Fatal(err)
	}
	if err := v.Call(1, true, false); err != nil {
		t.Fatal(err)
	}
	if !RawEqual(v.At(-1), v.At(1)) {
		t.Error("weakref.ref() should return the target")
	}
}
