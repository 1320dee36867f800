package vm

import (
	"errors"
	"testing"
)

// pushArg pushes a Go value as the matching script value.
func pushArg(t *testing.T, v *VM, a any) {
	t.Helper()
	switch x := a.(type) {
	case nil:
		v.PushNull()
	case int:
		v.PushInteger(int64(x))
	case float64:
		v.PushFloat(x)
	case string:
		v.PushString(x)
	case bool:
		v.PushBool(x)
	default:
		t.Fatalf("unsupported argument %T", a)
	}
}

// invoke calls self.name(args...) for the value at the absolute index
// self and leaves the result on top of the stack.
func invoke(t *testing.T, v *VM, self int, name string, args ...any) error {
	t.Helper()
	v.PushString(name)
	if err := v.Get(self); err != nil {
		t.Fatalf("lookup of %s: %v", name, err)
	}
	if err := v.Push(self); err != nil {
		t.Fatal(err)
	}
	for _, a := range args {
		pushArg(t, v, a)
	}
	return v.Call(len(args)+1, true, false)
}

func mustInvoke(t *testing.T, v *VM, self int, name string, args ...any) {
	t.Helper()
	if err := invoke(t, v, self, name, args...); err != nil {
		t.Fatalf("%s: %v", name, err)
	}
}

// resultInt, resultString and resultType read the result of the last
// invoke and pop it together with the method.
func resultInt(t *testing.T, v *VM) int64 {
	t.Helper()
	i := topInt(t, v)
	v.Pop(2)
	return i
}

func resultString(t *testing.T, v *VM) string {
	t.Helper()
	s, err := v.GetString(-1)
	if err != nil {
		t.Fatalf("result is %v, want a string", v.GetType(-1))
	}
	v.Pop(2)
	return s
}

func resultType(v *VM) Type {
	typ := v.GetType(-1)
	v.Pop(2)
	return typ
}

// ---------------------------------------------------------------------------
// Strings and numbers
// ---------------------------------------------------------------------------

func TestStringDelegate(t *testing.T) {
	v := newTestVM(t)
	v.PushString("Hello")

	mustInvoke(t, v, 1, "len")
	if got := resultInt(t, v); got != 5 {
		t.Errorf("len() = %d, want 5", got)
	}

	tests := []struct {
		name string
		args []any
		want string
	}{
		{"slice", []any{1, 3}, "el"},
		{"slice", []any{-3}, "llo"},
		{"toupper", nil, "HELLO"},
		{"tolower", nil, "hello"},
		{"tostring", nil, "Hello"},
	}
	for _, tt := range tests {
		mustInvoke(t, v, 1, tt.name, tt.args...)
		if got := resultString(t, v); got != tt.want {
			t.Errorf("%s%v = %q, want %q", tt.name, tt.args, got, tt.want)
		}
	}

	mustInvoke(t, v, 1, "find", "l")
	if got := resultInt(t, v); got != 2 {
		t.Errorf(`find("l") = %d, want 2`, got)
	}
	mustInvoke(t, v, 1, "find", "l", 3)
	if got := resultInt(t, v); got != 3 {
		t.Errorf(`find("l", 3) = %d, want 3`, got)
	}
	mustInvoke(t, v, 1, "find", "z")
	if got := resultType(v); got != TypeNull {
		t.Errorf(`find("z") = %v, want null`, got)
	}

	if err := invoke(t, v, 1, "slice", 2, 9); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("slice(2, 9) error = %v, want ErrIndexOutOfRange", err)
	}
}

func TestStringConversions(t *testing.T) {
	v := newTestVM(t)
	v.PushString(" 42 ")
	v.PushString("ff")
	v.PushString("2.5")
	v.PushString("nope")

	mustInvoke(t, v, 1, "tointeger")
	if got := resultInt(t, v); got != 42 {
		t.Errorf(`" 42 ".tointeger() = %d`, got)
	}
	mustInvoke(t, v, 2, "tointeger", 16)
	if got := resultInt(t, v); got != 255 {
		t.Errorf(`"ff".tointeger(16) = %d`, got)
	}
	mustInvoke(t, v, 3, "tofloat")
	if f, _ := v.GetFloat(-1); f != 2.5 {
		t.Errorf(`"2.5".tofloat() = %v`, f)
	}
	v.Pop(2)
	mustInvoke(t, v, 4, "tointeger")
	if got := resultType(v); got != TypeNull {
		t.Errorf(`"nope".tointeger() = %v, want null`, got)
	}
}

func TestNumberDelegate(t *testing.T) {
	v := newTestVM(t)
	v.PushInteger(65)
	v.PushFloat(3.75)

	mustInvoke(t, v, 1, "tochar")
	if got := resultString(t, v); got != "A" {
		t.Errorf("65.tochar() = %q, want A", got)
	}
	mustInvoke(t, v, 1, "tofloat")
	if got := resultType(v); got != TypeFloat {
		t.Errorf("65.tofloat() = %v, want float", got)
	}
	mustInvoke(t, v, 2, "tointeger")
	if got := resultInt(t, v); got != 3 {
		t.Errorf("3.75.tointeger() = %d, want 3", got)
	}
	mustInvoke(t, v, 1, "tostring")
	if got := resultString(t, v); got != "65" {
		t.Errorf("65.tostring() = %q", got)
	}
}

func TestDelegateChecksThis(t *testing.T) {
	v := newTestVM(t)
	v.PushString("abc")
	v.PushString("len")
	if err := v.Get(1); err != nil {
		t.Fatal(err)
	}
	v.PushInteger(1)
	if err := v.Call(1, false, false); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("string len() on an integer error = %v, want ErrTypeMismatch", err)
	}
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

// arrayInts reads the integer array at idx.
func arrayInts(t *testing.T, v *VM, idx int) []int64 {
	t.Helper()
	arr := v.At(idx).array()
	if arr == nil {
		t.Fatalf("value at %d is %v, not an array", idx, v.GetType(idx))
	}
	out := make([]int64, arr.Len())
	for i := range out {
		x, _ := arr.Get(int64(i))
		out[i] = x.Integer()
	}
	return out
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestArrayDelegate(t *testing.T) {
	v := newTestVM(t)
	v.NewArray(0)
	for _, n := range []int{1, 2, 3} {
		mustInvoke(t, v, 1, "append", n)
		v.Pop(2)
	}
	if got := arrayInts(t, v, 1); !equalInts(got, []int64{1, 2, 3}) {
		t.Fatalf("after append = %v", got)
	}

	steps := []struct {
		name string
		args []any
		want []int64
	}{
		{"insert", []any{0, 0}, []int64{0, 1, 2, 3}},
		{"reverse", nil, []int64{3, 2, 1, 0}},
		{"resize", []any{5, 9}, []int64{3, 2, 1, 0, 9}},
		{"resize", []any{2}, []int64{3, 2}},
	}
	for _, s := range steps {
		mustInvoke(t, v, 1, s.name, s.args...)
		if !RawEqual(v.At(-1), v.At(1)) {
			t.Errorf("%s should return the array", s.name)
		}
		v.Pop(2)
		if got := arrayInts(t, v, 1); !equalInts(got, s.want) {
			t.Errorf("after %s%v = %v, want %v", s.name, s.args, got, s.want)
		}
	}

	mustInvoke(t, v, 1, "top")
	if got := resultInt(t, v); got != 2 {
		t.Errorf("top() = %d, want 2", got)
	}
	mustInvoke(t, v, 1, "find", 3)
	if got := resultInt(t, v); got != 0 {
		t.Errorf("find(3) = %d, want 0", got)
	}
	mustInvoke(t, v, 1, "find", 7)
	if got := resultType(v); got != TypeNull {
		t.Errorf("find(7) = %v, want null", got)
	}
	mustInvoke(t, v, 1, "remove", 0)
	if got := resultInt(t, v); got != 3 {
		t.Errorf("remove(0) = %d, want 3", got)
	}
	if err := invoke(t, v, 1, "remove", 5); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("remove(5) error = %v, want ErrIndexOutOfRange", err)
	}
	v.Pop(1)

	mustInvoke(t, v, 1, "pop")
	if got := resultInt(t, v); got != 2 {
		t.Errorf("pop() = %d, want 2", got)
	}
	mustInvoke(t, v, 1, "len")
	if got := resultInt(t, v); got != 0 {
		t.Errorf("len() after pop = %d, want 0", got)
	}
	if err := invoke(t, v, 1, "pop"); err == nil {
		t.Error("pop() on an empty array should fail")
	}
}

func TestArraySliceAndClear(t *testing.T) {
	v := newTestVM(t)
	v.NewArray(0)
	for _, n := range []int64{10, 20, 30, 40} {
		v.PushInteger(n)
		_ = v.ArrayAppend(1)
	}
	mustInvoke(t, v, 1, "slice", 1, -1)
	if got := arrayInts(t, v, -1); !equalInts(got, []int64{20, 30}) {
		t.Errorf("slice(1, -1) = %v, want [20 30]", got)
	}
	v.Pop(2)

	mustInvoke(t, v, 1, "clear")
	v.Pop(2)
	if n, _ := v.GetSize(1); n != 0 {
		t.Errorf("len after clear = %d", n)
	}
}

// ---------------------------------------------------------------------------
// Tables
// ---------------------------------------------------------------------------

func TestTableDelegate(t *testing.T) {
	v := newTestVM(t)
	v.NewTable()
	setSlot(t, v, 1, "b", 2)
	setSlot(t, v, 1, "a", 1)
	setSlot(t, v, 1, "c", 3)

	mustInvoke(t, v, 1, "len")
	if got := resultInt(t, v); got != 3 {
		t.Errorf("len() = %d, want 3", got)
	}
	mustInvoke(t, v, 1, "values")
	if got := arrayInts(t, v, -1); !equalInts(got, []int64{2, 1, 3}) {
		t.Errorf("values() = %v, want insertion order [2 1 3]", got)
	}
	v.Pop(2)
	mustInvoke(t, v, 1, "keys")
	keys := v.At(-1).array()
	if first, _ := keys.Get(0); first.Str() != "b" || keys.Len() != 3 {
		t.Errorf("keys() = %d keys starting with %s", keys.Len(), first)
	}
	v.Pop(2)

	mustInvoke(t, v, 1, "rawin", "a")
	if b, _ := v.GetBool(-1); !b {
		t.Error(`rawin("a") = false`)
	}
	v.Pop(2)
	mustInvoke(t, v, 1, "rawdelete", "a")
	if got := resultInt(t, v); got != 1 {
		t.Errorf(`rawdelete("a") = %d, want 1`, got)
	}
	mustInvoke(t, v, 1, "rawin", "a")
	if b, _ := v.GetBool(-1); b {
		t.Error(`rawin("a") after rawdelete = true`)
	}
	v.Pop(2)

	mustInvoke(t, v, 1, "rawset", "d", 4)
	v.Pop(2)
	mustInvoke(t, v, 1, "rawget", "d")
	if got := resultInt(t, v); got != 4 {
		t.Errorf(`rawget("d") = %d, want 4`, got)
	}

	mustInvoke(t, v, 1, "clear")
	v.Pop(2)
	if n, _ := v.GetSize(1); n != 0 {
		t.Errorf("len after clear = %d", n)
	}
}

func TestTableSetDelegateMethod(t *testing.T) {
	v := newTestVM(t)
	v.NewTable()
	v.NewTable()
	setSlot(t, v, 2, "shared", 8)

	v.PushString("setdelegate")
	_ = v.Get(1)
	_ = v.Push(1)
	_ = v.Push(2)
	if err := v.Call(2, true, false); err != nil {
		t.Fatal(err)
	}
	v.Pop(2)
	if err := getSlot(v, 1, "shared"); err != nil {
		t.Fatalf("lookup through the new delegate: %v", err)
	}
	v.Pop(1)

	mustInvoke(t, v, 1, "getdelegate")
	if !RawEqual(v.At(-1), v.At(2)) {
		t.Error("getdelegate() should return the delegate")
	}
}

// ---------------------------------------------------------------------------
// Closures
// ---------------------------------------------------------------------------

func TestClosureCallMethods(t *testing.T) {
	v := newTestVM(t)
	if err := v.PushClosure(buildAdd(v.ss)); err != nil {
		t.Fatal(err)
	}

	// add.call(root, 1, 2)
	v.PushString("call")
	_ = v.Get(1)
	_ = v.Push(1)
	v.GetRootTable()
	v.PushInteger(1)
	v.PushInteger(2)
	if err := v.Call(4, true, false); err != nil {
		t.Fatal(err)
	}
	if got := resultInt(t, v); got != 3 {
		t.Errorf("call() = %d, want 3", got)
	}

	// add.acall([root, 4, 5])
	v.PushString("acall")
	_ = v.Get(1)
	_ = v.Push(1)
	v.NewArray(0)
	v.GetRootTable()
	_ = v.ArrayAppend(-2)
	for _, n := range []int64{4, 5} {
		v.PushInteger(n)
		_ = v.ArrayAppend(-2)
	}
	if err := v.Call(2, true, false); err != nil {
		t.Fatal(err)
	}
	if got := resultInt(t, v); got != 9 {
		t.Errorf("acall() = %d, want 9", got)
	}

	mustInvoke(t, v, 1, "getinfos")
	info := v.Top()
	if err := getSlot(v, info, "name"); err != nil {
		t.Fatal(err)
	}
	if s, _ := v.GetString(-1); s != "add" {
		t.Errorf("getinfos().name = %q", s)
	}
	v.Pop(1)
	_ = getSlot(v, info, "parameters")
	if got := topInt(t, v); got != 3 {
		t.Errorf("getinfos().parameters = %d, want 3", got)
	}
}

func TestClosurePCallSkipsErrorHandler(t *testing.T) {
	v := newTestVM(t)
	handled := 0
	_ = v.NewClosure(func(v *VM) (int, error) {
		handled++
		return 0, nil
	}, 0)
	if err := v.SetErrorHandler(); err != nil {
		t.Fatal(err)
	}
	b := NewProtoBuilder(v.ss, "thrower", 1).StackSize(2)
	b.Emit(OpLoad, 1, b.String("bad"), 0, 0)
	b.Emit(OpThrow, 1, 0, 0, 0)
	if err := v.PushClosure(b.Build()); err != nil {
		t.Fatal(err)
	}

	v.PushString("pcall")
	_ = v.Get(1)
	_ = v.Push(1)
	v.GetRootTable()
	if err := v.Call(2, false, false); err == nil {
		t.Fatal("pcall should report the error")
	}
	if handled != 0 {
		t.Errorf("pcall reached the error handler %d times", handled)
	}
	v.Pop(1)

	v.PushString("call")
	_ = v.Get(1)
	_ = v.Push(1)
	v.GetRootTable()
	_ = v.Call(2, false, false)
	if handled != 1 {
		t.Errorf("call reached the error handler %d times, want 1", handled)
	}
}

func TestClosureBindEnvMethod(t *testing.T) {
	v := newTestVM(t)
	b := NewProtoBuilder(v.ss, "self", 1)
	b.Emit(OpReturn, 0, 0, 0, 0)
	if err := v.PushClosure(b.Build()); err != nil {
		t.Fatal(err)
	}
	v.NewTable()

	v.PushString("bindenv")
	_ = v.Get(1)
	_ = v.Push(1)
	_ = v.Push(2)
	if err := v.Call(2, true, false); err != nil {
		t.Fatal(err)
	}
	v.GetRootTable()
	if err := v.Call(1, true, false); err != nil {
		t.Fatal(err)
	}
	if !RawEqual(v.At(-1), v.At(2)) {
		t.Error("the bound closure should see its environment as this")
	}
}

// ---------------------------------------------------------------------------
// Classes and instances
// ---------------------------------------------------------------------------

func TestClassAndInstanceDelegates(t *testing.T) {
	v := newTestVM(t)
	pushPointClass(t, v)

	mustInvoke(t, v, 1, "newmember", "y", 5)
	v.Pop(2)
	mustInvoke(t, v, 1, "rawin", "y")
	if b, _ := v.GetBool(-1); !b {
		t.Error(`newmember("y", 5) did not add the member`)
	}
	v.Pop(2)

	mustInvoke(t, v, 1, "instance")
	if v.GetType(-1) != TypeInstance {
		t.Fatalf("instance() = %v", v.GetType(-1))
	}
	inst := v.Top()
	if err := getSlot(v, inst, "y"); err != nil {
		t.Fatal(err)
	}
	if got := topInt(t, v); got != 5 {
		t.Errorf("instance y = %d, want 5", got)
	}
	v.Pop(1)

	mustInvoke(t, v, inst, "getclass")
	if !RawEqual(v.At(-1), v.At(1)) {
		t.Error("getclass() should return the class")
	}
	v.Pop(2)

	mustInvoke(t, v, inst, "rawget", "x")
	if got := resultInt(t, v); got != 0 {
		t.Errorf(`rawget("x") = %d, want 0`, got)
	}

	mustInvoke(t, v, 1, "getbase")
	if got := resultType(v); got != TypeNull {
		t.Errorf("getbase() of a root class = %v, want null", got)
	}
}
