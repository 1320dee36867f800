package vm

// ---------------------------------------------------------------------------
// FuncProto: the immutable compiled function
// ---------------------------------------------------------------------------

// OuterType says where a captured variable comes from when a closure is
// created: a register of the creating frame or one of its own outers.
type OuterType uint8

const (
	OuterLocal OuterType = iota
	OuterOuter
)

// OuterVar describes one free variable of a prototype.
type OuterVar struct {
	Name  string
	Type  OuterType
	Index int
}

// LineInfo maps an instruction index to a source line.
type LineInfo struct {
	Line int
	IP   int
}

// LocalVar names register Pos while StartIP <= ip < EndIP.
type LocalVar struct {
	Name    string
	Pos     int
	StartIP int
	EndIP   int
}

// FuncProto is a compiled function shared by every closure created from
// it. NumParams counts the implicit `this` parameter.
type FuncProto struct {
	RefCounted
	Name       string
	SourceName string
	NumParams  int
	VarParams  bool
	Generator  bool
	StackSize  int
	Literals   []Value
	Outers     []OuterVar
	Functions  []*FuncProto
	Code       []Instruction
	Lines      []LineInfo
	Locals     []LocalVar
}

func (p *FuncProto) Type() Type { return TypeFuncProto }

// LineAt returns the source line of the instruction at ip, or 0.
func (p *FuncProto) LineAt(ip int) int {
	line := 0
	for _, li := range p.Lines {
		if li.IP > ip {
			break
		}
		line = li.Line
	}
	return line
}

func (p *FuncProto) finalize() {
	for i := range p.Literals {
		clearSlot(&p.Literals[i])
	}
	fns := p.Functions
	p.Functions = nil
	for _, f := range fns {
		releaseObject(f)
	}
}

func (p *FuncProto) traverse(func(Object)) {}

// ---------------------------------------------------------------------------
// Outer: a captured variable cell
// ---------------------------------------------------------------------------

// Outer is the shared cell behind a captured variable. While the frame
// that owns the variable is live the cell points into that thread's stack;
// when the frame is torn down the value is copied into the cell, once.
type Outer struct {
	RefCounted
	thread *VM
	idx    int
	value  Value
}

func (o *Outer) Type() Type { return TypeOuter }

// Open reports whether the cell still aliases a stack slot.
func (o *Outer) Open() bool {
	return o.thread != nil
}

// Get returns the current value of the captured variable.
func (o *Outer) Get() Value {
	if o.thread != nil {
		return o.thread.stack[o.idx]
	}
	return o.value
}

// Set writes through to the stack slot while open, to the cell once closed.
func (o *Outer) Set(v Value) {
	if o.thread != nil {
		assign(&o.thread.stack[o.idx], v)
		return
	}
	assign(&o.value, v)
}

// detach copies the stack slot into the cell.
func (o *Outer) detach() {
	if o.thread == nil {
		return
	}
	v := o.thread.stack[o.idx]
	addRef(v)
	o.value = v
	o.thread = nil
}

func (o *Outer) finalize() {
	o.thread = nil
	clearSlot(&o.value)
}

func (o *Outer) traverse(fn func(Object)) {
	if o.thread == nil {
		if obj := o.value.Object(); obj != nil {
			fn(obj)
		}
	}
}

// ---------------------------------------------------------------------------
// Closure: a script function instance
// ---------------------------------------------------------------------------

// Closure binds a prototype to its captured cells and environments. root
// is the global lookup table, env an optional rebound `this`, base the
// base class for methods of derived classes. root and env are weak.
type Closure struct {
	RefCounted
	proto  *FuncProto
	outers []*Outer
	root   *WeakRef
	env    *WeakRef
	base   *Class
}

func (c *Closure) Type() Type { return TypeClosure }

func (ss *SharedState) newClosure(p *FuncProto, root Value) *Closure {
	c := &Closure{proto: p, outers: make([]*Outer, len(p.Outers))}
	p.refs++
	ss.init(c)
	c.setRoot(root)
	return c
}

// Proto returns the shared prototype.
func (c *Closure) Proto() *FuncProto {
	return c.proto
}

// NumFreeVars returns the number of captured variables.
func (c *Closure) NumFreeVars() int {
	return len(c.outers)
}

// Root returns the root table, or Null if it was destroyed.
func (c *Closure) Root() Value {
	if c.root == nil {
		return Null
	}
	return c.root.Get()
}

// Env returns the bound environment, or Null.
func (c *Closure) Env() Value {
	if c.env == nil {
		return Null
	}
	return c.env.Get()
}

func (c *Closure) setRoot(root Value) {
	c.root = swapWeak(c.root, root)
}

func (c *Closure) setEnv(env Value) {
	c.env = swapWeak(c.env, env)
}

func (c *Closure) setBase(b *Class) {
	old := c.base
	if b != nil {
		b.refs++
	}
	c.base = b
	if old != nil {
		releaseObject(old)
	}
}

// swapWeak replaces an owned weak cell with the cell of v.
func swapWeak(old *WeakRef, v Value) *WeakRef {
	w := weakRefOf(v)
	if w != nil {
		w.refs++
	}
	if old != nil {
		releaseObject(old)
	}
	return w
}

// Clone returns a closure sharing prototype, outers, root, env and base.
func (c *Closure) Clone() *Closure {
	n := &Closure{proto: c.proto, outers: make([]*Outer, len(c.outers))}
	c.proto.refs++
	for i, o := range c.outers {
		if o != nil {
			o.refs++
		}
		n.outers[i] = o
	}
	c.ss.init(n)
	if c.root != nil {
		c.root.refs++
		n.root = c.root
	}
	if c.env != nil {
		c.env.refs++
		n.env = c.env
	}
	n.setBase(c.base)
	return n
}

func (c *Closure) finalize() {
	outers := c.outers
	c.outers = nil
	for _, o := range outers {
		if o != nil {
			releaseObject(o)
		}
	}
	if w := c.root; w != nil {
		c.root = nil
		releaseObject(w)
	}
	if w := c.env; w != nil {
		c.env = nil
		releaseObject(w)
	}
	if b := c.base; b != nil {
		c.base = nil
		releaseObject(b)
	}
	if p := c.proto; p != nil {
		c.proto = nil
		releaseObject(p)
	}
}

func (c *Closure) traverse(fn func(Object)) {
	for _, o := range c.outers {
		if o != nil {
			fn(o)
		}
	}
	if c.base != nil {
		fn(c.base)
	}
}

// ---------------------------------------------------------------------------
// NativeClosure: a host function with captured values
// ---------------------------------------------------------------------------

// NativeFunc is a host function. It reads its arguments from the stack
// (index 1 is `this`) and returns how many values it pushed: 0 for none,
// 1 to return the top of the stack, or one of the Result flags.
type NativeFunc func(v *VM) (int, error)

const (
	// ResultSuspend asks the VM to suspend the calling thread.
	ResultSuspend = -666
	// ResultTailCall reports that the native replaced its own frame with
	// a script call through VM.TailCall.
	ResultTailCall = -777
)

// MatchTypeMask makes SetParamsCheck derive the parameter count from the
// type mask length.
const MatchTypeMask = -99999

// NativeClosure is a host function plus captured values, which are copied
// onto the stack after the arguments on every call.
type NativeClosure struct {
	RefCounted
	fn           NativeFunc
	outers       []Value
	nparamscheck int
	typecheck    []Type
	name         string
	env          *WeakRef
}

func (n *NativeClosure) Type() Type { return TypeNativeClosure }

// NewNativeClosure wraps fn with the given captured values.
func (ss *SharedState) NewNativeClosure(fn NativeFunc, name string, outers ...Value) *NativeClosure {
	n := &NativeClosure{fn: fn, name: name, outers: make([]Value, len(outers))}
	for i, v := range outers {
		addRef(v)
		n.outers[i] = v
	}
	ss.init(n)
	return n
}

// Name returns the diagnostic name.
func (n *NativeClosure) Name() string {
	return n.name
}

// NumFreeVars returns the number of captured values.
func (n *NativeClosure) NumFreeVars() int {
	return len(n.outers)
}

// SetParamsCheck declares the expected argument count (including `this`)
// and an optional type mask. A negative count means "at least -n";
// MatchTypeMask takes the count from the mask.
func (n *NativeClosure) SetParamsCheck(nparams int, mask string) error {
	n.nparamscheck = nparams
	n.typecheck = nil
	if mask != "" {
		tc, err := CompileTypeMask(mask)
		if err != nil {
			return err
		}
		n.typecheck = tc
	}
	if nparams == MatchTypeMask {
		n.nparamscheck = len(n.typecheck)
	}
	return nil
}

// Clone returns a copy sharing the host function and captured values.
func (n *NativeClosure) Clone() *NativeClosure {
	c := n.ss.NewNativeClosure(n.fn, n.name, n.outers...)
	c.nparamscheck = n.nparamscheck
	c.typecheck = append([]Type(nil), n.typecheck...)
	if n.env != nil {
		n.env.refs++
		c.env = n.env
	}
	return c
}

func (n *NativeClosure) setEnv(env Value) {
	n.env = swapWeak(n.env, env)
}

// checkArgs validates the argument count and type mask before the host
// function runs. args[0] is `this`.
func (n *NativeClosure) checkArgs(args []Value) error {
	nargs := len(args)
	if pc := n.nparamscheck; pc != 0 {
		if (pc > 0 && pc != nargs) || (pc < 0 && nargs < -pc) {
			return newError(ErrWrongArgumentCount, "wrong number of parameters")
		}
	}
	for i := 0; i < nargs && i < len(n.typecheck); i++ {
		mask := n.typecheck[i]
		if mask != TypeAny && args[i].Type()&mask == 0 {
			return newError(ErrTypeMismatch, "parameter %d has an invalid type '%s' ; expected: '%s'",
				i, args[i].Type(), maskString(mask))
		}
	}
	return nil
}

func (n *NativeClosure) finalize() {
	for i := range n.outers {
		clearSlot(&n.outers[i])
	}
	n.outers = nil
	if w := n.env; w != nil {
		n.env = nil
		releaseObject(w)
	}
}

func (n *NativeClosure) traverse(fn func(Object)) {
	for _, v := range n.outers {
		if o := v.Object(); o != nil {
			fn(o)
		}
	}
}
