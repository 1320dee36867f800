package vm

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestClosureStreamRoundTrip(t *testing.T) {
	v := newTestVM(t)
	if err := v.PushClosure(buildAdd(v.ss)); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := v.WriteClosure(&buf); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	if len(raw) < 2 || raw[0] != 0xFA || raw[1] != 0xFA {
		t.Fatalf("stream should open with the 0xFAFA tag, got % x", raw[:2])
	}

	if err := v.ReadClosure(&buf); err != nil {
		t.Fatal(err)
	}
	if v.Top() != 2 || v.GetType(-1) != TypeClosure {
		t.Fatalf("ReadClosure pushed %v (top %d)", v.GetType(-1), v.Top())
	}
	p := v.At(-1).closure().Proto()
	if p.Name != "add" || p.NumParams != 3 || p.LineAt(0) != 1 {
		t.Errorf("decoded proto = %s/%d line %d", p.Name, p.NumParams, p.LineAt(0))
	}

	v.GetRootTable()
	v.PushInteger(40)
	v.PushInteger(2)
	if err := v.Call(3, true, false); err != nil {
		t.Fatal(err)
	}
	if got := topInt(t, v); got != 42 {
		t.Errorf("decoded add(40, 2) = %d, want 42", got)
	}
}

func TestClosureStreamNestedFunctions(t *testing.T) {
	v := newTestVM(t)
	if err := v.PushClosure(buildCounter(v.ss)); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := v.WriteClosure(&buf); err != nil {
		t.Fatal(err)
	}
	v.Pop(1)
	if err := v.ReadClosure(&buf); err != nil {
		t.Fatal(err)
	}
	v.GetRootTable()
	if err := v.Call(1, true, false); err != nil {
		t.Fatal(err)
	}
	v.GetRootTable()
	if err := v.Call(1, true, false); err != nil {
		t.Fatal(err)
	}
	if got := topInt(t, v); got != 11 {
		t.Errorf("decoded counter()() = %d, want 11", got)
	}
}

func TestClosureStreamLiterals(t *testing.T) {
	v := newTestVM(t)
	b := NewProtoBuilder(v.ss, "lits", 1).StackSize(2).Source("lits.nut")
	b.Literal(Float(2.5))
	b.Literal(True)
	b.Literal(Null)
	b.Emit(OpLoad, 1, b.String("hello"), 0, 0)
	b.Emit(OpReturn, 0, 1, 0, 0)
	b.Local("greeting", 1, 1, 2)
	if err := v.PushClosure(b.Build()); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := v.WriteClosure(&buf); err != nil {
		t.Fatal(err)
	}
	if err := v.ReadClosure(&buf); err != nil {
		t.Fatal(err)
	}
	p := v.At(-1).closure().Proto()
	if len(p.Literals) != 4 {
		t.Fatalf("literals = %d, want 4", len(p.Literals))
	}
	if p.Literals[0].Float() != 2.5 || !p.Literals[1].Bool() || !p.Literals[2].IsNull() {
		t.Errorf("literals = %v", p.Literals)
	}
	if p.SourceName != "lits.nut" || len(p.Locals) != 1 || p.Locals[0].Name != "greeting" {
		t.Errorf("debug info lost: source %q locals %v", p.SourceName, p.Locals)
	}
	v.GetRootTable()
	if err := v.Call(1, true, false); err != nil {
		t.Fatal(err)
	}
	if s, _ := v.GetString(-1); s != "hello" {
		t.Errorf("decoded lits() = %q, want hello", s)
	}
}

func TestWriteClosureWithOutersFails(t *testing.T) {
	v := newTestVM(t)
	if err := callProto(t, v, buildCounter(v.ss)); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := v.WriteClosure(&buf); !errors.Is(err, ErrUnserializable) {
		t.Errorf("WriteClosure(with outers) error = %v, want ErrUnserializable", err)
	}
	if buf.Len() != 0 {
		t.Errorf("a refused closure wrote %d bytes", buf.Len())
	}
}

func TestWriteClosureNeedsScriptClosure(t *testing.T) {
	v := newTestVM(t)
	_ = v.NewClosure(func(v *VM) (int, error) { return 0, nil }, 0)
	var buf bytes.Buffer
	if err := v.WriteClosure(&buf); !errors.Is(err, ErrInvalidType) {
		t.Errorf("WriteClosure(native) error = %v, want ErrInvalidType", err)
	}
}

func TestReadClosureErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad tag", []byte{0x01, 0x02, 0x03}},
		{"truncated body", []byte{0xFA, 0xFA, 0xA1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVM(t)
			err := v.ReadClosure(bytes.NewReader(tt.data))
			if !errors.Is(err, ErrIO) {
				t.Errorf("ReadClosure error = %v, want ErrIO", err)
			}
			if v.Top() != 0 {
				t.Errorf("a failed read pushed %d values", v.Top())
			}
		})
	}
}

func TestReadClosureRejectsBadOperands(t *testing.T) {
	v := newTestVM(t)
	b := NewProtoBuilder(v.ss, "bad", 1).StackSize(2)
	b.Emit(OpLoad, 1, 5, 0, 0)
	b.Emit(OpReturn, 0, 1, 0, 0)
	if err := v.PushClosure(b.Build()); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := v.WriteClosure(&buf); err != nil {
		t.Fatal(err)
	}
	err := v.ReadClosure(&buf)
	if !errors.Is(err, ErrIO) || !strings.Contains(err.Error(), "literal index") {
		t.Errorf("ReadClosure(bad literal index) error = %v", err)
	}
}

func TestReadClosureRejectsOutOfRangeOperands(t *testing.T) {
	tests := []struct {
		name  string
		stack int
		code  []Instruction
		want  string
	}{
		{"jump before start", 2, []Instruction{{Op: OpJmp, B: -5}}, "jump target"},
		{"jump past end", 2, []Instruction{{Op: OpJmp, B: 2}}, "jump target"},
		{"jz past end", 2, []Instruction{{Op: OpJz, A: 1, B: 9}}, "jump target"},
		{"trap past end", 2, []Instruction{{Op: OpPushTrap, A: 1, B: 4}}, "jump target"},
		{"foreach before start", 5, []Instruction{{Op: OpForEach, A: 1, B: -3, C: 2}}, "jump target"},
		{"loadnulls span", 1, []Instruction{{Op: OpLoadNulls, A: 0, B: 100000}}, "registers"},
		{"loadnulls negative", 2, []Instruction{{Op: OpLoadNulls, A: 0, B: -1}}, "registers"},
		{"move source", 2, []Instruction{{Op: OpMove, A: 1, B: 7}}, "register B"},
		{"add target", 3, []Instruction{{Op: OpAdd, A: 200, C: 1, D: 2}}, "register A"},
		{"call arguments", 4, []Instruction{{Op: OpCall, A: 1, B: 1, C: 2, D: 3}}, "registers"},
		{"foreach iterator", 3, []Instruction{{Op: OpForEach, A: 1, B: 0, C: 1}}, "registers"},
		{"return value", 2, []Instruction{{Op: OpReturn, A: 0, B: 2}}, "register B"},
		{"negative pop", 2, []Instruction{{Op: OpPopTrap, B: -1}}, "invalid count"},
		{"huge array hint", 2, []Instruction{{Op: OpNewArray, A: 1, B: 1 << 30}}, "invalid count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVM(t)
			b := NewProtoBuilder(v.ss, "bad", 1).StackSize(tt.stack)
			for _, ins := range tt.code {
				b.Emit(ins.Op, ins.A, ins.B, ins.C, ins.D)
			}
			if err := v.PushClosure(b.Build()); err != nil {
				t.Fatal(err)
			}
			var buf bytes.Buffer
			if err := v.WriteClosure(&buf); err != nil {
				t.Fatal(err)
			}
			v.Pop(1)
			err := v.ReadClosure(&buf)
			if !errors.Is(err, ErrIO) || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ReadClosure error = %v, want ErrIO mentioning %q", err, tt.want)
			}
			if v.Top() != 0 {
				t.Errorf("a refused stream pushed %d values", v.Top())
			}
		})
	}
}

func TestReadClosureAcceptsBoundaryOperands(t *testing.T) {
	v := newTestVM(t)
	b := NewProtoBuilder(v.ss, "edges", 1).StackSize(3)
	end := b.NewLabel()
	b.Emit(OpLoadNulls, 1, 2, 0, 0)
	b.Jump(OpJmp, 0, end, 0)
	b.Emit(OpLoadInt, 2, 1, 0, 0)
	b.Mark(end)
	if err := v.PushClosure(b.Build()); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := v.WriteClosure(&buf); err != nil {
		t.Fatal(err)
	}
	if err := v.ReadClosure(&buf); err != nil {
		t.Fatalf("a jump to the end of the code should load: %v", err)
	}
	v.GetRootTable()
	if err := v.Call(1, true, false); err != nil {
		t.Fatal(err)
	}
	if v.GetType(-1) != TypeNull {
		t.Errorf("edges() = %v, want null", v.GetType(-1))
	}
}

func TestDisassemble(t *testing.T) {
	v := newTestVM(t)
	out := Disassemble(buildCounter(v.ss))
	for _, want := range []string{"function counter", "function inc", "CLOSURE", "GETOUTER", "outer[0] n local 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly lacks %q:\n%s", want, out)
		}
	}
}
