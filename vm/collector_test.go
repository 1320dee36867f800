package vm

import (
	"errors"
	"testing"
)

// pushSelfCycle pushes a table whose "self" slot refers to itself.
func pushSelfCycle(t *testing.T, v *VM) {
	t.Helper()
	v.NewTable()
	v.PushString("self")
	if err := v.Push(-2); err != nil {
		t.Fatal(err)
	}
	if err := v.NewSlot(-3, false); err != nil {
		t.Fatal(err)
	}
}

// orphanCycle leaves a self-referencing table reachable only through the
// weak reference it pushes.
func orphanCycle(t *testing.T, v *VM) {
	t.Helper()
	pushSelfCycle(t, v)
	if err := v.WeakRef(-1); err != nil {
		t.Fatal(err)
	}
	if err := v.Remove(-2); err != nil {
		t.Fatal(err)
	}
}

func weakTargetType(t *testing.T, v *VM) Type {
	t.Helper()
	if err := v.GetWeakRefVal(-1); err != nil {
		t.Fatal(err)
	}
	typ := v.GetType(-1)
	v.Pop(1)
	return typ
}

func TestCollectCycle(t *testing.T) {
	v := newTestVM(t)
	orphanCycle(t, v)
	if got := weakTargetType(t, v); got != TypeTable {
		t.Fatalf("reference counting alone should keep the cycle, weak ref sees %v", got)
	}

	n, err := v.CollectGarbage()
	if err != nil {
		t.Fatal(err)
	}
	if n < 1 {
		t.Errorf("CollectGarbage freed %d objects, want at least 1", n)
	}
	if got := weakTargetType(t, v); got != TypeNull {
		t.Errorf("weak ref after collection sees %v, want null", got)
	}
	stats := v.CollectorStats()
	if stats.Freed != n || stats.Tracked < n {
		t.Errorf("stats = %+v, want Freed %d", stats, n)
	}
}

func TestCollectKeepsReachable(t *testing.T) {
	v := newTestVM(t)
	pushSelfCycle(t, v)
	if _, err := v.CollectGarbage(); err != nil {
		t.Fatal(err)
	}
	if err := getSlot(v, -1, "self"); err != nil {
		t.Fatalf("a cycle held by the stack must survive: %v", err)
	}
	if !RawEqual(v.At(-1), v.At(1)) {
		t.Error("t.self should still be t")
	}

	v.GetRootTable()
	v.PushString("keep")
	pushSelfCycle(t, v)
	if err := v.NewSlot(-3, false); err != nil {
		t.Fatal(err)
	}
	v.Pop(1)
	_, _ = v.CollectGarbage()
	v.GetRootTable()
	if err := getSlot(v, -1, "keep"); err != nil {
		t.Fatal(err)
	}
	if err := getSlot(v, -1, "self"); err != nil {
		t.Errorf("a cycle held by the root table must survive: %v", err)
	}
}

func TestCollectClosureCycle(t *testing.T) {
	v := newTestVM(t)
	// A closure whose free variable holds the closure itself.
	if err := callProto(t, v, buildCounter(v.ss)); err != nil {
		t.Fatal(err)
	}
	if err := v.Push(-1); err != nil {
		t.Fatal(err)
	}
	if err := v.SetFreeVariable(-2, 0); err != nil {
		t.Fatal(err)
	}
	if err := v.WeakRef(-1); err != nil {
		t.Fatal(err)
	}
	if err := v.Remove(-2); err != nil {
		t.Fatal(err)
	}
	if got := weakTargetType(t, v); got != TypeClosure {
		t.Fatalf("weak ref sees %v before collection", got)
	}
	if _, err := v.CollectGarbage(); err != nil {
		t.Fatal(err)
	}
	if got := weakTargetType(t, v); got != TypeNull {
		t.Errorf("closure cycle survived collection: %v", got)
	}
}

func TestAutomaticCollection(t *testing.T) {
	v := openTestVM(t, func(c *Config) { c.CollectEvery = 1 })
	orphanCycle(t, v)
	if err := callProto(t, v, buildAdd(v.ss), 1, 2); err != nil {
		t.Fatal(err)
	}
	v.Pop(2)
	if got := weakTargetType(t, v); got != TypeNull {
		t.Errorf("a call past the allocation budget should collect, weak ref sees %v", got)
	}
}

func TestRefCountModeRefusesCollection(t *testing.T) {
	v := openTestVM(t, func(c *Config) { c.Collector = CollectorRefCount })
	orphanCycle(t, v)
	if _, err := v.CollectGarbage(); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("CollectGarbage error = %v, want ErrInvalidOperation", err)
	}
	if err := v.ResurrectUnreachable(); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("ResurrectUnreachable error = %v, want ErrInvalidOperation", err)
	}
	if got := weakTargetType(t, v); got != TypeTable {
		t.Errorf("the cycle should leak until Close, weak ref sees %v", got)
	}
}

func TestCollectRefusedInMetamethod(t *testing.T) {
	v := newTestVM(t)
	var collectErr error
	pushWithDelegate(t, v, "_get", func(v *VM) (int, error) {
		_, collectErr = v.CollectGarbage()
		v.PushInteger(0)
		return 1, nil
	})
	if err := getSlot(v, -1, "anything"); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(collectErr, ErrInvalidContext) {
		t.Errorf("CollectGarbage in _get error = %v, want ErrInvalidContext", collectErr)
	}
}

func TestResurrectUnreachable(t *testing.T) {
	v := newTestVM(t)
	if err := v.ResurrectUnreachable(); err != nil {
		t.Fatal(err)
	}
	if v.GetType(-1) != TypeNull {
		t.Fatalf("a clean heap should resurrect nothing, got %v", v.GetType(-1))
	}
	v.Pop(1)

	orphanCycle(t, v)
	if err := v.ResurrectUnreachable(); err != nil {
		t.Fatal(err)
	}
	if v.GetType(-1) != TypeArray {
		t.Fatalf("ResurrectUnreachable pushed %v, want an array", v.GetType(-1))
	}
	n, _ := v.GetSize(-1)
	if n != 1 {
		t.Errorf("resurrected %d objects, want 1", n)
	}
	if err := v.Remove(-2); err != nil {
		t.Fatal(err)
	}
	// The array keeps the table alive.
	v.PushInteger(0)
	if err := v.Get(-2); err != nil {
		t.Fatal(err)
	}
	if v.GetType(-1) != TypeTable {
		t.Errorf("resurrected[0] = %v, want the table", v.GetType(-1))
	}
}
