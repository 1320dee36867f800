package vm

import (
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies a register-machine instruction. Registers are relative
// to the current stack base; R[0] is `this`.
type Opcode byte

// Loads and moves
const (
	OpLoad      Opcode = 0x00 // R[A] = K[B]
	OpLoadInt   Opcode = 0x01 // R[A] = B
	OpLoadFloat Opcode = 0x02 // R[A] = float32 bits in B
	OpLoadNulls Opcode = 0x03 // R[A..A+B) = null
	OpLoadBool  Opcode = 0x04 // R[A] = B != 0
	OpLoadRoot  Opcode = 0x05 // R[A] = root table
	OpMove      Opcode = 0x06 // R[A] = R[B]
	OpGetOuter  Opcode = 0x07 // R[A] = outer[B]
	OpSetOuter  Opcode = 0x08 // outer[B] = R[C]; R[A] = R[C] unless A is NoTarget
)

// Container access
const (
	OpGet     Opcode = 0x10 // R[A] = R[C][R[D]] (B unused)
	OpGetK    Opcode = 0x11 // R[A] = R[C][K[B]]
	OpSet     Opcode = 0x12 // R[C][R[D]] = R[B]; R[A] = R[B] unless NoTarget
	OpNewSlot Opcode = 0x13 // R[C] <- R[D] = R[B]; A bit 0 marks static
	OpDelete  Opcode = 0x14 // R[A] = delete R[C][R[D]]
)

// Arithmetic and comparison
const (
	OpAdd Opcode = 0x20 // R[A] = R[C] + R[D]
	OpSub Opcode = 0x21 // R[A] = R[C] - R[D]
	OpMul Opcode = 0x22 // R[A] = R[C] * R[D]
	OpDiv Opcode = 0x23 // R[A] = R[C] / R[D]
	OpMod Opcode = 0x24 // R[A] = R[C] % R[D]
	OpCmp Opcode = 0x25 // R[A] = R[C] <B> R[D], B is a CmpOp
	OpEq  Opcode = 0x26 // R[A] = R[C] == R[D]
	OpNe  Opcode = 0x27 // R[A] = R[C] != R[D]
	OpNot Opcode = 0x28 // R[A] = !R[C]
)

// Control flow and calls
const (
	OpJmp      Opcode = 0x30 // ip += B
	OpJz       Opcode = 0x31 // if !R[A] { ip += B }
	OpCall     Opcode = 0x32 // R[A] = R[B](R[C] .. R[C+D-1]), R[C] is this
	OpTailCall Opcode = 0x33 // return R[B](R[C] .. R[C+D-1])
	OpReturn   Opcode = 0x34 // return R[B], or null when A is NoTarget
	OpClosure  Opcode = 0x35 // R[A] = closure(functions[B])
	OpYield    Opcode = 0x36 // yield R[B], or null when A is NoTarget
	OpResume   Opcode = 0x37 // R[A] = resume R[B]
)

// Construction
const (
	OpNewTable Opcode = 0x40 // R[A] = {}
	OpNewArray Opcode = 0x41 // R[A] = array with capacity B
	OpAppend   Opcode = 0x42 // R[A].append(R[C])
	OpNewClass Opcode = 0x43 // R[A] = class extends R[B], B < 0 means no base
)

// Exceptions, iteration and bookkeeping
const (
	OpThrow      Opcode = 0x50 // throw R[A]
	OpPushTrap   Opcode = 0x51 // on error: R[A] = error, ip += B
	OpPopTrap    Opcode = 0x52 // discard B traps
	OpForEach    Opcode = 0x53 // next of R[A] into R[C] (key), R[C+1] (val), R[C+2] (iter); done: ip += B
	OpClose      Opcode = 0x54 // detach outers at or above R[A]
	OpLine       Opcode = 0x55 // source line B
	OpTypeOf     Opcode = 0x56 // R[A] = typeof R[C]
	OpInstanceOf Opcode = 0x57 // R[A] = R[C] instanceof R[D]
	OpGetBase    Opcode = 0x58 // R[A] = base class of the running method
)

// NoTarget in the A operand discards a result.
const NoTarget = 0xFF

// Comparison selectors for OpCmp.
const (
	CmpLT = iota
	CmpLE
	CmpGT
	CmpGE
	Cmp3W
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

var opcodeNames = map[Opcode]string{
	OpLoad:       "LOAD",
	OpLoadInt:    "LOADINT",
	OpLoadFloat:  "LOADFLOAT",
	OpLoadNulls:  "LOADNULLS",
	OpLoadBool:   "LOADBOOL",
	OpLoadRoot:   "LOADROOT",
	OpMove:       "MOVE",
	OpGetOuter:   "GETOUTER",
	OpSetOuter:   "SETOUTER",
	OpGet:        "GET",
	OpGetK:       "GETK",
	OpSet:        "SET",
	OpNewSlot:    "NEWSLOT",
	OpDelete:     "DELETE",
	OpAdd:        "ADD",
	OpSub:        "SUB",
	OpMul:        "MUL",
	OpDiv:        "DIV",
	OpMod:        "MOD",
	OpCmp:        "CMP",
	OpEq:         "EQ",
	OpNe:         "NE",
	OpNot:        "NOT",
	OpJmp:        "JMP",
	OpJz:         "JZ",
	OpCall:       "CALL",
	OpTailCall:   "TAILCALL",
	OpReturn:     "RETURN",
	OpClosure:    "CLOSURE",
	OpYield:      "YIELD",
	OpResume:     "RESUME",
	OpNewTable:   "NEWTABLE",
	OpNewArray:   "NEWARRAY",
	OpAppend:     "APPEND",
	OpNewClass:   "NEWCLASS",
	OpThrow:      "THROW",
	OpPushTrap:   "PUSHTRAP",
	OpPopTrap:    "POPTRAP",
	OpForEach:    "FOREACH",
	OpClose:      "CLOSE",
	OpLine:       "LINE",
	OpTypeOf:     "TYPEOF",
	OpInstanceOf: "INSTANCEOF",
	OpGetBase:    "GETBASE",
}

// String returns the mnemonic.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_%02X", byte(op))
}

// Instruction is one decoded instruction.
type Instruction struct {
	Op Opcode
	A  uint8
	B  int32
	C  uint8
	D  uint8
}

func (i Instruction) String() string {
	return fmt.Sprintf("%-10s %3d %5d %3d %3d", i.Op, i.A, i.B, i.C, i.D)
}

// Disassemble renders a prototype and its nested functions.
func Disassemble(p *FuncProto) string {
	var sb strings.Builder
	disassemble(&sb, p, "")
	return sb.String()
}

func disassemble(sb *strings.Builder, p *FuncProto, indent string) {
	fmt.Fprintf(sb, "%sfunction %s (%s) params=%d stack=%d", indent, p.Name, p.SourceName, p.NumParams, p.StackSize)
	if p.Generator {
		sb.WriteString(" generator")
	}
	if p.VarParams {
		sb.WriteString(" varparams")
	}
	sb.WriteByte('\n')
	for i, k := range p.Literals {
		fmt.Fprintf(sb, "%s  K[%d] = %s\n", indent, i, k)
	}
	for i, o := range p.Outers {
		kind := "local"
		if o.Type == OuterOuter {
			kind = "outer"
		}
		fmt.Fprintf(sb, "%s  outer[%d] %s %s %d\n", indent, i, o.Name, kind, o.Index)
	}
	for ip, ins := range p.Code {
		fmt.Fprintf(sb, "%s  %04d %s\n", indent, ip, ins)
	}
	for _, f := range p.Functions {
		disassemble(sb, f, indent+"  ")
	}
}

// ---------------------------------------------------------------------------
// ProtoBuilder: assembling prototypes by hand
// ---------------------------------------------------------------------------

// ProtoBuilder assembles a FuncProto. Jumps are relative to the instruction
// that follows them.
type ProtoBuilder struct {
	ss    *SharedState
	proto *FuncProto
}

// NewProtoBuilder starts a prototype taking nparams parameters (this
// included).
func NewProtoBuilder(ss *SharedState, name string, nparams int) *ProtoBuilder {
	p := &FuncProto{Name: name, SourceName: "<builder>", NumParams: nparams, StackSize: nparams}
	return &ProtoBuilder{ss: ss, proto: p}
}

// Source sets the source name used in diagnostics.
func (b *ProtoBuilder) Source(name string) *ProtoBuilder {
	b.proto.SourceName = name
	return b
}

// StackSize sets the register window size.
func (b *ProtoBuilder) StackSize(n int) *ProtoBuilder {
	b.proto.StackSize = n
	return b
}

// Generator marks the prototype as a generator.
func (b *ProtoBuilder) Generator() *ProtoBuilder {
	b.proto.Generator = true
	return b
}

// VarParams makes the last parameter collect extra arguments in an array.
func (b *ProtoBuilder) VarParams() *ProtoBuilder {
	b.proto.VarParams = true
	return b
}

// Literal adds a constant and returns its index.
func (b *ProtoBuilder) Literal(v Value) int32 {
	for i, k := range b.proto.Literals {
		if k.Type() == v.Type() && RawEqual(k, v) {
			return int32(i)
		}
	}
	addRef(v)
	b.proto.Literals = append(b.proto.Literals, v)
	return int32(len(b.proto.Literals) - 1)
}

// String adds a string constant and returns its index.
func (b *ProtoBuilder) String(s string) int32 {
	return b.Literal(b.ss.NewString(s))
}

// CaptureLocal declares a free variable bound to register idx of the
// enclosing frame.
func (b *ProtoBuilder) CaptureLocal(name string, idx int) int {
	b.proto.Outers = append(b.proto.Outers, OuterVar{Name: name, Type: OuterLocal, Index: idx})
	return len(b.proto.Outers) - 1
}

// CaptureOuter declares a free variable bound to outer idx of the
// enclosing closure.
func (b *ProtoBuilder) CaptureOuter(name string, idx int) int {
	b.proto.Outers = append(b.proto.Outers, OuterVar{Name: name, Type: OuterOuter, Index: idx})
	return len(b.proto.Outers) - 1
}

// Function adds a nested prototype and returns its index.
func (b *ProtoBuilder) Function(p *FuncProto) int32 {
	p.refs++
	b.proto.Functions = append(b.proto.Functions, p)
	return int32(len(b.proto.Functions) - 1)
}

// Emit appends an instruction and returns its index.
func (b *ProtoBuilder) Emit(op Opcode, a uint8, bArg int32, c, d uint8) int {
	b.proto.Code = append(b.proto.Code, Instruction{Op: op, A: a, B: bArg, C: c, D: d})
	return len(b.proto.Code) - 1
}

// EmitFloat loads f (as float32) into register a.
func (b *ProtoBuilder) EmitFloat(a uint8, f float32) int {
	return b.Emit(OpLoadFloat, a, int32(math.Float32bits(f)), 0, 0)
}

// Line records that following instructions come from source line n.
func (b *ProtoBuilder) Line(n int) {
	b.proto.Lines = append(b.proto.Lines, LineInfo{Line: n, IP: len(b.proto.Code)})
}

// Local records debug information for a named register live over the
// instruction range [start, end).
func (b *ProtoBuilder) Local(name string, reg, start, end int) {
	b.proto.Locals = append(b.proto.Locals, LocalVar{Name: name, Pos: reg, StartIP: start, EndIP: end})
}

// Label is a jump target that may be referenced before it is marked.
type Label struct {
	pos  int
	refs []int
}

// NewLabel creates an unmarked label.
func (b *ProtoBuilder) NewLabel() *Label {
	return &Label{pos: -1}
}

// Jump emits a jump-like instruction (JMP, JZ, PUSHTRAP, FOREACH) to l.
func (b *ProtoBuilder) Jump(op Opcode, a uint8, l *Label, c uint8) int {
	at := b.Emit(op, a, 0, c, 0)
	if l.pos >= 0 {
		b.proto.Code[at].B = int32(l.pos - (at + 1))
	} else {
		l.refs = append(l.refs, at)
	}
	return at
}

// Mark binds l to the next instruction and patches earlier references.
func (b *ProtoBuilder) Mark(l *Label) {
	l.pos = len(b.proto.Code)
	for _, at := range l.refs {
		b.proto.Code[at].B = int32(l.pos - (at + 1))
	}
	l.refs = nil
}

// Build finalizes the prototype.
func (b *ProtoBuilder) Build() *FuncProto {
	p := b.proto
	if p.StackSize < p.NumParams {
		p.StackSize = p.NumParams
	}
	if p.ss == nil {
		b.ss.init(p)
	}
	return p
}
