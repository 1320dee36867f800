package vm

import (
	"errors"
	"testing"
)

func TestCompileTypeMask(t *testing.T) {
	tests := []struct {
		mask string
		want []Type
	}{
		{"", nil},
		{"t", []Type{TypeTable}},
		{"tsn|o.", []Type{TypeTable, TypeString, TypeInteger | TypeFloat | TypeNull, TypeAny}},
		{" x y ", []Type{TypeInstance, TypeClass}},
		{"c", []Type{TypeClosure | TypeNativeClosure}},
		{"i|f|b", []Type{TypeInteger | TypeFloat | TypeBool}},
	}
	for _, tt := range tests {
		t.Run(tt.mask, func(t *testing.T) {
			got, err := CompileTypeMask(tt.mask)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("CompileTypeMask(%q) = %v, want %v", tt.mask, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("position %d = %#x, want %#x", i, uint32(got[i]), uint32(tt.want[i]))
				}
			}
		})
	}
}

func TestCompileTypeMaskInvalid(t *testing.T) {
	for _, mask := range []string{"z", "t|", "s|?"} {
		if _, err := CompileTypeMask(mask); !errors.Is(err, ErrInvalidType) {
			t.Errorf("CompileTypeMask(%q) error = %v, want ErrInvalidType", mask, err)
		}
	}
}

// pushChecked pushes a native returning its argument count, checked with
// nparams and mask.
func pushChecked(t *testing.T, v *VM, nparams int, mask string) {
	t.Helper()
	if err := v.NewClosure(func(v *VM) (int, error) {
		v.PushInteger(int64(v.Top()))
		return 1, nil
	}, 0); err != nil {
		t.Fatal(err)
	}
	if err := v.SetParamsCheck(nparams, mask); err != nil {
		t.Fatal(err)
	}
}

func TestParamsCheck(t *testing.T) {
	v := newTestVM(t)
	pushChecked(t, v, 3, ".s")

	v.GetRootTable()
	v.PushString("a")
	if err := v.Call(2, false, false); !errors.Is(err, ErrWrongArgumentCount) {
		t.Errorf("two arguments error = %v, want ErrWrongArgumentCount", err)
	}

	v.GetRootTable()
	v.PushInteger(1)
	v.PushInteger(2)
	err := v.Call(3, false, false)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("integer for a string error = %v, want ErrTypeMismatch", err)
	}
	want := "parameter 1 has an invalid type 'integer' ; expected: 'string'"
	if err.Error() != want {
		t.Errorf("message = %q, want %q", err.Error(), want)
	}

	v.GetRootTable()
	v.PushString("ok")
	v.PushNull()
	if err := v.Call(3, true, false); err != nil {
		t.Fatal(err)
	}
	if got := topInt(t, v); got != 3 {
		t.Errorf("native saw %d arguments, want 3", got)
	}
}

func TestParamsCheckAtLeast(t *testing.T) {
	v := newTestVM(t)
	pushChecked(t, v, -2, "")
	v.GetRootTable()
	if err := v.Call(1, false, false); !errors.Is(err, ErrWrongArgumentCount) {
		t.Errorf("one argument error = %v, want ErrWrongArgumentCount", err)
	}
	v.GetRootTable()
	for i := 0; i < 4; i++ {
		v.PushInteger(int64(i))
	}
	if err := v.Call(5, true, false); err != nil {
		t.Fatal(err)
	}
	if got := topInt(t, v); got != 5 {
		t.Errorf("native saw %d arguments, want 5", got)
	}
}

func TestParamsCheckMatchTypeMask(t *testing.T) {
	v := newTestVM(t)
	pushChecked(t, v, MatchTypeMask, "tn|s")
	nparams, _, err := v.GetClosureInfo(-1)
	if err != nil {
		t.Fatal(err)
	}
	if nparams != 2 {
		t.Errorf("paramscheck = %d, want 2", nparams)
	}
	v.GetRootTable()
	v.PushString("x")
	if err := v.Call(2, false, false); err != nil {
		t.Errorf("string matches n|s: %v", err)
	}
}

func TestParamsCheckInScriptCall(t *testing.T) {
	v := newTestVM(t)
	registerNative(t, v, "strict", func(v *VM) (int, error) { return 0, nil })
	v.GetRootTable()
	v.PushString("strict")
	_ = v.Get(-2)
	if err := v.SetParamsCheck(2, "ts"); err != nil {
		t.Fatal(err)
	}
	v.Pop(2)

	b := NewProtoBuilder(v.ss, "caller", 1).StackSize(5)
	b.Emit(OpLoadRoot, 1, 0, 0, 0)
	b.Emit(OpGetK, 2, b.String("strict"), 1, 0)
	b.Emit(OpMove, 3, 1, 0, 0)
	b.Emit(OpLoadInt, 4, 1, 0, 0)
	b.Emit(OpCall, NoTarget, 2, 3, 2)
	err := callProto(t, v, b.Build())
	if !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("script call with a bad argument error = %v, want ErrTypeMismatch", err)
	}
}

func TestSetParamsCheckNeedsNative(t *testing.T) {
	v := newTestVM(t)
	v.NewTable()
	if err := v.SetParamsCheck(1, ""); !errors.Is(err, ErrInvalidType) {
		t.Errorf("SetParamsCheck(table) error = %v, want ErrInvalidType", err)
	}
	_ = v.NewClosure(func(v *VM) (int, error) { return 0, nil }, 0)
	if err := v.SetParamsCheck(1, "q"); !errors.Is(err, ErrInvalidType) {
		t.Errorf("SetParamsCheck(bad mask) error = %v, want ErrInvalidType", err)
	}
}
