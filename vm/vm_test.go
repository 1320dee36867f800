package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestVM(t *testing.T) *VM {
	t.Helper()
	return openTestVM(t, nil)
}

func openTestVM(t *testing.T, configure func(*Config)) *VM {
	t.Helper()
	cfg := DefaultConfig()
	if configure != nil {
		configure(&cfg)
	}
	v := Open(cfg)
	t.Cleanup(v.Close)
	return v
}

// callProto calls a closure over p with the root table as `this` and the
// given integer arguments. The function and the result stay on the stack.
func callProto(t *testing.T, v *VM, p *FuncProto, args ...int64) error {
	t.Helper()
	if err := v.PushClosure(p); err != nil {
		t.Fatalf("PushClosure: %v", err)
	}
	v.GetRootTable()
	for _, a := range args {
		v.PushInteger(a)
	}
	return v.Call(len(args)+1, true, false)
}

func topInt(t *testing.T, v *VM) int64 {
	t.Helper()
	i, err := v.GetInteger(-1)
	if err != nil {
		t.Fatalf("GetInteger(-1): %v (top is %s)", err, v.GetType(-1))
	}
	return i
}

// registerNative binds fn under name in the root table.
func registerNative(t *testing.T, v *VM, name string, fn NativeFunc) {
	t.Helper()
	v.GetRootTable()
	v.PushString(name)
	if err := v.NewClosure(fn, 0); err != nil {
		t.Fatalf("NewClosure: %v", err)
	}
	if err := v.SetNativeClosureName(-1, name); err != nil {
		t.Fatalf("SetNativeClosureName: %v", err)
	}
	if err := v.NewSlot(-3, false); err != nil {
		t.Fatalf("NewSlot(%s): %v", name, err)
	}
	v.Pop(1)
}

// buildAdd assembles add(a, b) = a + b.
func buildAdd(ss *SharedState) *FuncProto {
	b := NewProtoBuilder(ss, "add", 3).StackSize(4)
	b.Line(1)
	b.Emit(OpAdd, 3, 0, 1, 2)
	b.Emit(OpReturn, 0, 3, 0, 0)
	return b.Build()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestOpenClose(t *testing.T) {
	v := Open(DefaultConfig())
	if v.State() != VMIdle {
		t.Errorf("State() = %v, want idle", v.State())
	}
	other := newTestVM(t)
	if v.SharedState().ID() == other.SharedState().ID() {
		t.Error("shared states should have distinct ids")
	}
	released := false
	v.SetSharedForeignPtr("host")
	v.SetSharedReleaseHook(func(ptr any, _ int) {
		released = ptr == "host"
	})
	v.Close()
	if !released {
		t.Error("shared release hook should run on Close")
	}
	v.Close()
}

func TestOpenAppliesDefaults(t *testing.T) {
	v := Open(Config{})
	defer v.Close()
	cfg := v.SharedState().Config()
	if cfg.InitialStackSize != DefaultStackSize {
		t.Errorf("InitialStackSize = %d, want %d", cfg.InitialStackSize, DefaultStackSize)
	}
	if cfg.MaxCallDepth != DefaultMaxCallDepth {
		t.Errorf("MaxCallDepth = %d, want %d", cfg.MaxCallDepth, DefaultMaxCallDepth)
	}
}

func TestThreadSharesRootTable(t *testing.T) {
	v := newTestVM(t)
	th := v.NewThread(0)
	if v.GetType(-1) != TypeThread {
		t.Fatalf("NewThread should push the thread, top is %s", v.GetType(-1))
	}
	v.GetRootTable()
	th.GetRootTable()
	if !RawEqual(v.At(-1), th.At(-1)) {
		t.Error("threads should share the root table")
	}
	got, err := v.GetThread(-2)
	if err != nil || got != th {
		t.Errorf("GetThread = %p, %v; want %p", got, err, th)
	}
}

// ---------------------------------------------------------------------------
// Stack API
// ---------------------------------------------------------------------------

func TestStackPushPop(t *testing.T) {
	v := newTestVM(t)
	v.PushInteger(1)
	v.PushFloat(2.5)
	v.PushString("three")
	v.PushBool(true)
	v.PushNull()

	if v.Top() != 5 {
		t.Fatalf("Top() = %d, want 5", v.Top())
	}
	tests := []struct {
		idx  int
		want Type
	}{
		{1, TypeInteger},
		{2, TypeFloat},
		{3, TypeString},
		{-2, TypeBool},
		{-1, TypeNull},
	}
	for _, tt := range tests {
		if got := v.GetType(tt.idx); got != tt.want {
			t.Errorf("GetType(%d) = %v, want %v", tt.idx, got, tt.want)
		}
	}

	v.Pop(2)
	if s, err := v.GetString(-1); err != nil || s != "three" {
		t.Errorf("GetString(-1) = %q, %v; want three", s, err)
	}
	v.SetTop(1)
	if v.Top() != 1 || topInt(t, v) != 1 {
		t.Errorf("SetTop(1) left %d values", v.Top())
	}
	v.SetTop(3)
	if v.GetType(3) != TypeNull {
		t.Errorf("SetTop should grow with null, got %v", v.GetType(3))
	}
}

func TestStackInvalidIndex(t *testing.T) {
	v := newTestVM(t)
	v.PushInteger(1)
	for _, idx := range []int{0, 2, -2} {
		err := v.Push(idx)
		if !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("Push(%d) error = %v, want ErrIndexOutOfRange", idx, err)
		}
	}
	if !v.At(5).IsNull() {
		t.Error("At with an invalid index should return Null")
	}
}

func TestStackRemovePokeMove(t *testing.T) {
	v := newTestVM(t)
	v.PushInteger(1)
	v.PushInteger(2)
	v.PushInteger(3)
	if err := v.Remove(2); err != nil {
		t.Fatal(err)
	}
	if v.Top() != 2 || topInt(t, v) != 3 {
		t.Errorf("after Remove(2): top=%d value=%d", v.Top(), topInt(t, v))
	}
	v.PushInteger(9)
	if err := v.Poke(1); err != nil {
		t.Fatal(err)
	}
	if i, _ := v.GetInteger(1); i != 9 {
		t.Errorf("Poke(1) stored %d, want 9", i)
	}

	th := v.NewThread(0)
	if err := th.Move(v, 1); err != nil {
		t.Fatal(err)
	}
	if i, _ := th.GetInteger(-1); i != 9 {
		t.Errorf("Move copied %d, want 9", i)
	}
}

func TestGetWrongType(t *testing.T) {
	v := newTestVM(t)
	v.PushString("x")
	_, err := v.GetInteger(-1)
	if !errors.Is(err, ErrInvalidType) {
		t.Fatalf("GetInteger on string error = %v, want ErrInvalidType", err)
	}
	v.GetLastError()
	if s, _ := v.GetString(-1); s == "" {
		t.Error("a failed accessor should set the last error")
	}
}

func TestToStringAndTypeOf(t *testing.T) {
	v := newTestVM(t)
	v.PushInteger(42)
	if err := v.ToString(-1); err != nil {
		t.Fatal(err)
	}
	if s, _ := v.GetString(-1); s != "42" {
		t.Errorf("ToString(42) = %q", s)
	}
	v.NewArray(0)
	if err := v.TypeOf(-1); err != nil {
		t.Fatal(err)
	}
	if s, _ := v.GetString(-1); s != "array" {
		t.Errorf("TypeOf(array) = %q, want array", s)
	}
}

func TestCompare(t *testing.T) {
	v := newTestVM(t)
	tests := []struct {
		name string
		push func()
		want int
	}{
		{"int<int", func() { v.PushInteger(1); v.PushInteger(2) }, -1},
		{"int=float", func() { v.PushInteger(2); v.PushFloat(2) }, 0},
		{"str>str", func() { v.PushString("b"); v.PushString("a") }, 1},
		{"null<int", func() { v.PushNull(); v.PushInteger(0) }, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.push()
			defer v.Pop(2)
			got, err := v.Compare(-2, -1)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Compare = %d, want %d", got, tt.want)
			}
		})
	}

	v.PushString("a")
	v.PushInteger(1)
	if _, err := v.Compare(-2, -1); !errors.Is(err, ErrInvalidType) {
		t.Errorf("Compare(string, int) error = %v, want ErrInvalidType", err)
	}
}

func TestReserveStack(t *testing.T) {
	v := openTestVM(t, func(c *Config) { c.InitialStackSize = 8 })
	if err := v.ReserveStack(100); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		v.PushInteger(int64(i))
	}
	if v.Top() != 100 {
		t.Errorf("Top() = %d, want 100", v.Top())
	}
}

func TestReserveStackInMetamethod(t *testing.T) {
	v := openTestVM(t, func(c *Config) { c.InitialStackSize = 16 })
	var reserveErr error
	delegate := v.ss.NewTable(0)
	get := v.ss.NewNativeClosure(func(v *VM) (int, error) {
		reserveErr = v.ReserveStack(1 << 16)
		v.PushInteger(0)
		return 1, nil
	}, "_get")
	if err := delegate.NewSlot(v.ss.NewString("_get"), objectValue(get)); err != nil {
		t.Fatal(err)
	}
	v.NewTable()
	v.PushValue(objectValue(delegate))
	if err := v.SetDelegate(-2); err != nil {
		t.Fatal(err)
	}
	v.PushString("missing")
	if err := v.Get(-2); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(reserveErr, ErrInvalidContext) {
		t.Errorf("ReserveStack in _get error = %v, want ErrInvalidContext", reserveErr)
	}
}

func TestRestoreAfterNativePanic(t *testing.T) {
	v := newTestVM(t)
	v.GetRootTable()
	v.PushString("boom")
	if err := v.NewClosure(func(v *VM) (int, error) {
		v.PushInteger(1)
		panic("host bug")
	}, 0); err != nil {
		t.Fatal(err)
	}
	if err := v.NewSlot(-3, false); err != nil {
		t.Fatal(err)
	}
	v.Pop(1)

	b := NewProtoBuilder(v.ss, "caller", 1).StackSize(4)
	b.Emit(OpLoadRoot, 1, 0, 0, 0)
	b.Emit(OpGetK, 2, b.String("boom"), 1, 0)
	b.Emit(OpMove, 3, 1, 0, 0)
	b.Emit(OpCall, NoTarget, 2, 3, 1)
	b.Emit(OpReturn, NoTarget, 0, 0, 0)

	cp := v.Checkpoint()
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected the native to panic")
			}
		}()
		_ = callProto(t, v, b.Build())
	}()
	if v.CallDepth() != 2 {
		t.Fatalf("the panic should leave frames behind, depth = %d", v.CallDepth())
	}

	v.Restore(cp)
	if v.State() != VMIdle || v.CallDepth() != 0 || v.Top() != 0 {
		t.Errorf("after Restore state = %v depth = %d top = %d, want idle/0/0", v.State(), v.CallDepth(), v.Top())
	}
	if v.nativeCalls != 0 || v.nMetamethodCalls != 0 {
		t.Errorf("after Restore native calls = %d, metamethod calls = %d", v.nativeCalls, v.nMetamethodCalls)
	}
	if err := callProto(t, v, buildAdd(v.ss), 40, 2); err != nil {
		t.Fatalf("call after Restore: %v", err)
	}
	if got := topInt(t, v); got != 42 {
		t.Errorf("add after Restore = %d, want 42", got)
	}
}
