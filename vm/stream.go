package vm

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Closure streams
// ---------------------------------------------------------------------------

// ClosureStreamTag opens every serialized closure, stored little endian.
const ClosureStreamTag uint16 = 0xFAFA

// streamMaxItems bounds decoded arrays and maps.
const streamMaxItems = 1 << 26

// streamMaxHint bounds the capacity hint of NEWTABLE and NEWARRAY.
const streamMaxHint = 1 << 20

var (
	streamLog   = commonlog.GetLogger("squall.vm.stream")
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
	dm, err := cbor.DecOptions{MaxArrayElements: streamMaxItems, MaxMapPairs: streamMaxItems}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// Literal kinds in a serialized prototype.
const (
	litNull uint8 = iota
	litInteger
	litFloat
	litBool
	litString
)

type literalImage struct {
	_     struct{} `cbor:",toarray"`
	Kind  uint8
	Int   int64
	Float float64
	Str   string
}

type instrImage struct {
	_  struct{} `cbor:",toarray"`
	Op uint8
	A  uint8
	B  int32
	C  uint8
	D  uint8
}

type outerImage struct {
	_     struct{} `cbor:",toarray"`
	Name  string
	Type  uint8
	Index int
}

type lineImage struct {
	_    struct{} `cbor:",toarray"`
	Line int
	IP   int
}

type localImage struct {
	_       struct{} `cbor:",toarray"`
	Name    string
	Pos     int
	StartIP int
	EndIP   int
}

// protoImage is the CBOR body of a closure stream.
type protoImage struct {
	Name      string         `cbor:"1,keyasint"`
	Source    string         `cbor:"2,keyasint"`
	NumParams int            `cbor:"3,keyasint"`
	VarParams bool           `cbor:"4,keyasint,omitempty"`
	Generator bool           `cbor:"5,keyasint,omitempty"`
	StackSize int            `cbor:"6,keyasint"`
	Literals  []literalImage `cbor:"7,keyasint,omitempty"`
	Outers    []outerImage   `cbor:"8,keyasint,omitempty"`
	Functions []protoImage   `cbor:"9,keyasint,omitempty"`
	Code      []instrImage   `cbor:"10,keyasint"`
	Lines     []lineImage    `cbor:"11,keyasint,omitempty"`
	Locals    []localImage   `cbor:"12,keyasint,omitempty"`
}

// WriteClosure serializes the script closure on top of the stack to w.
// Closures with bound free variables cannot be serialized.
func (v *VM) WriteClosure(w io.Writer) error {
	val, err := v.typed(-1, TypeClosure)
	if err != nil {
		return err
	}
	cl := val.closure()
	if len(cl.outers) > 0 {
		return v.raise(newError(ErrUnserializable, "a closure with free variables bound cannot be serialized"))
	}
	img, err := imageOf(cl.proto)
	if err != nil {
		return v.raise(err)
	}
	body, err := cborEncMode.Marshal(img)
	if err != nil {
		return v.raise(newError(ErrIO, "encode closure: %s", err))
	}
	var tag [2]byte
	binary.LittleEndian.PutUint16(tag[:], ClosureStreamTag)
	if _, err := w.Write(tag[:]); err != nil {
		return v.raise(newError(ErrIO, "write closure: %s", err))
	}
	if _, err := w.Write(body); err != nil {
		return v.raise(newError(ErrIO, "write closure: %s", err))
	}
	streamLog.Debugf("wrote closure '%s' (%d bytes)", cl.proto.Name, len(body)+2)
	return nil
}

// ReadClosure reads a closure written by WriteClosure and pushes it, bound
// to the current root table.
func (v *VM) ReadClosure(r io.Reader) error {
	var tag [2]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return v.raise(newError(ErrIO, "read closure: %s", err))
	}
	if got := binary.LittleEndian.Uint16(tag[:]); got != ClosureStreamTag {
		return v.raise(newError(ErrIO, "invalid stream tag 0x%04X", got))
	}
	var img protoImage
	if err := cborDecMode.NewDecoder(r).Decode(&img); err != nil {
		return v.raise(newError(ErrIO, "decode closure: %s", err))
	}
	if len(img.Outers) > 0 {
		return v.raise(newError(ErrUnserializable, "the stream holds a function with free variables"))
	}
	p, err := v.ss.protoFromImage(&img)
	if err != nil {
		return v.raise(err)
	}
	v.push(objectValue(v.ss.newClosure(p, v.rootTable)))
	streamLog.Debugf("read closure '%s'", p.Name)
	return nil
}

func imageOf(p *FuncProto) (protoImage, error) {
	img := protoImage{
		Name:      p.Name,
		Source:    p.SourceName,
		NumParams: p.NumParams,
		VarParams: p.VarParams,
		Generator: p.Generator,
		StackSize: p.StackSize,
	}
	for _, k := range p.Literals {
		var li literalImage
		switch k.Type() {
		case TypeNull:
			li.Kind = litNull
		case TypeInteger:
			li.Kind, li.Int = litInteger, k.Integer()
		case TypeFloat:
			li.Kind, li.Float = litFloat, k.Float()
		case TypeBool:
			li.Kind = litBool
			if k.Bool() {
				li.Int = 1
			}
		case TypeString:
			li.Kind, li.Str = litString, k.Str()
		default:
			return img, newError(ErrUnserializable, "cannot serialize a %s literal", k.Type())
		}
		img.Literals = append(img.Literals, li)
	}
	for _, o := range p.Outers {
		img.Outers = append(img.Outers, outerImage{Name: o.Name, Type: uint8(o.Type), Index: o.Index})
	}
	for _, f := range p.Functions {
		fi, err := imageOf(f)
		if err != nil {
			return img, err
		}
		img.Functions = append(img.Functions, fi)
	}
	img.Code = make([]instrImage, len(p.Code))
	for i, ins := range p.Code {
		img.Code[i] = instrImage{Op: uint8(ins.Op), A: ins.A, B: ins.B, C: ins.C, D: ins.D}
	}
	for _, l := range p.Lines {
		img.Lines = append(img.Lines, lineImage{Line: l.Line, IP: l.IP})
	}
	for _, l := range p.Locals {
		img.Locals = append(img.Locals, localImage{Name: l.Name, Pos: l.Pos, StartIP: l.StartIP, EndIP: l.EndIP})
	}
	return img, nil
}

// protoFromImage rebuilds a prototype graph. Every operand is range
// checked so that a hostile stream fails here instead of at run time.
func (ss *SharedState) protoFromImage(img *protoImage) (*FuncProto, error) {
	if img.NumParams < 1 || img.StackSize < img.NumParams || img.StackSize > 256 {
		return nil, newError(ErrIO, "invalid function header for '%s'", img.Name)
	}
	p := &FuncProto{
		Name:       img.Name,
		SourceName: img.Source,
		NumParams:  img.NumParams,
		VarParams:  img.VarParams,
		Generator:  img.Generator,
		StackSize:  img.StackSize,
	}
	ss.init(p)
	fail := func(err error) (*FuncProto, error) {
		destroy(p)
		return nil, err
	}
	for _, li := range img.Literals {
		var k Value
		switch li.Kind {
		case litNull:
			k = Null
		case litInteger:
			k = Int(li.Int)
		case litFloat:
			k = Float(li.Float)
		case litBool:
			k = Bool(li.Int != 0)
		case litString:
			k = ss.NewString(li.Str)
		default:
			return fail(newError(ErrIO, "invalid literal kind %d", li.Kind))
		}
		addRef(k)
		p.Literals = append(p.Literals, k)
	}
	for _, o := range img.Outers {
		if OuterType(o.Type) > OuterOuter {
			return fail(newError(ErrIO, "invalid outer type %d", o.Type))
		}
		p.Outers = append(p.Outers, OuterVar{Name: o.Name, Type: OuterType(o.Type), Index: o.Index})
	}
	for i := range img.Functions {
		f, err := ss.protoFromImage(&img.Functions[i])
		if err != nil {
			return fail(err)
		}
		f.refs++
		p.Functions = append(p.Functions, f)
	}
	p.Code = make([]Instruction, len(img.Code))
	for i, ii := range img.Code {
		ins := Instruction{Op: Opcode(ii.Op), A: ii.A, B: ii.B, C: ii.C, D: ii.D}
		if _, ok := opcodeNames[ins.Op]; !ok {
			return fail(newError(ErrIO, "invalid opcode 0x%02X at %d", ii.Op, i))
		}
		if err := checkOperands(p, i, ins); err != nil {
			return fail(err)
		}
		p.Code[i] = ins
	}
	for _, l := range img.Lines {
		p.Lines = append(p.Lines, LineInfo{Line: l.Line, IP: l.IP})
	}
	for _, l := range img.Locals {
		if l.Pos < 0 || l.Pos >= p.StackSize {
			return fail(newError(ErrIO, "local '%s' register %d out of range", l.Name, l.Pos))
		}
		p.Locals = append(p.Locals, LocalVar{Name: l.Name, Pos: l.Pos, StartIP: l.StartIP, EndIP: l.EndIP})
	}
	return p, nil
}

// checkOperands rejects instruction ip of p when an operand names a
// register outside the frame window, a literal, function or outer that p
// does not have, or a jump target outside the code.
func checkOperands(p *FuncProto, ip int, ins Instruction) error {
	reg := func(name string, r int) error {
		if r < 0 || r >= p.StackSize {
			return newError(ErrIO, "%s at %d: register %s %d out of range", ins.Op, ip, name, r)
		}
		return nil
	}
	span := func(from, n int) error {
		if n < 0 || from < 0 || from+n > p.StackSize {
			return newError(ErrIO, "%s at %d: registers %d..%d out of range", ins.Op, ip, from, from+n-1)
		}
		return nil
	}
	optReg := func(r uint8) error {
		if r == NoTarget {
			return nil
		}
		return reg("A", int(r))
	}
	jump := func() error {
		if to := ip + 1 + int(ins.B); to < 0 || to > len(p.Code) {
			return newError(ErrIO, "%s at %d: jump target %d out of range", ins.Op, ip, to)
		}
		return nil
	}
	count := func(max int32) error {
		if ins.B < 0 || ins.B > max {
			return newError(ErrIO, "%s at %d: invalid count %d", ins.Op, ip, ins.B)
		}
		return nil
	}
	a, b, c, d := int(ins.A), int(ins.B), int(ins.C), int(ins.D)

	var errs []error
	switch ins.Op {
	case OpLoad:
		if ins.B < 0 || b >= len(p.Literals) {
			return newError(ErrIO, "literal index %d out of range", ins.B)
		}
		errs = append(errs, reg("A", a))
	case OpGetK:
		if ins.B < 0 || b >= len(p.Literals) {
			return newError(ErrIO, "literal index %d out of range", ins.B)
		}
		errs = append(errs, reg("A", a), reg("C", c))
	case OpLoadInt, OpLoadFloat, OpLoadBool, OpLoadRoot, OpGetBase, OpThrow, OpClose:
		errs = append(errs, reg("A", a))
	case OpNewTable, OpNewArray:
		errs = append(errs, reg("A", a), count(streamMaxHint))
	case OpLoadNulls:
		errs = append(errs, reg("A", a), span(a, b))
	case OpMove:
		errs = append(errs, reg("A", a), reg("B", b))
	case OpGetOuter, OpSetOuter:
		if ins.B < 0 || b >= len(p.Outers) {
			return newError(ErrIO, "outer index %d out of range", ins.B)
		}
		if ins.Op == OpGetOuter {
			errs = append(errs, reg("A", a))
		} else {
			errs = append(errs, optReg(ins.A), reg("C", c))
		}
	case OpGet, OpAdd, OpSub, OpMul, OpDiv, OpMod, OpCmp, OpEq, OpNe, OpInstanceOf:
		errs = append(errs, reg("A", a), reg("C", c), reg("D", d))
	case OpNot, OpTypeOf, OpAppend:
		errs = append(errs, reg("A", a), reg("C", c))
	case OpSet:
		errs = append(errs, optReg(ins.A), reg("B", b), reg("C", c), reg("D", d))
	case OpNewSlot:
		errs = append(errs, reg("B", b), reg("C", c), reg("D", d))
	case OpDelete:
		errs = append(errs, optReg(ins.A), reg("C", c), reg("D", d))
	case OpJmp:
		errs = append(errs, jump())
	case OpJz, OpPushTrap:
		errs = append(errs, reg("A", a), jump())
	case OpForEach:
		errs = append(errs, reg("A", a), span(c, 3), jump())
	case OpCall, OpTailCall:
		errs = append(errs, optReg(ins.A), reg("B", b), span(c, d))
	case OpReturn, OpYield:
		if ins.A != NoTarget {
			errs = append(errs, reg("B", b))
		}
	case OpResume:
		errs = append(errs, optReg(ins.A), reg("B", b))
	case OpNewClass:
		errs = append(errs, reg("A", a))
		if ins.B >= 0 {
			errs = append(errs, reg("B", b))
		}
	case OpPopTrap:
		errs = append(errs, count(math.MaxInt32))
	case OpClosure:
		if ins.B < 0 || b >= len(p.Functions) {
			return newError(ErrIO, "function index %d out of range", ins.B)
		}
		errs = append(errs, reg("A", a))
		for _, ov := range p.Functions[b].Outers {
			switch {
			case ov.Type == OuterLocal && (ov.Index < 0 || ov.Index >= p.StackSize):
				return newError(ErrIO, "captured register %d out of range", ov.Index)
			case ov.Type == OuterOuter && (ov.Index < 0 || ov.Index >= len(p.Outers)):
				return newError(ErrIO, "captured outer %d out of range", ov.Index)
			}
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
